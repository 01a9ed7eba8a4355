package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// gameABI covers the three contract entry points the relay touches. The
// middleware always passes transactionAmount = 1.
const gameABI = `[
  {"type":"function","name":"updatePlayerData","stateMutability":"nonpayable",
   "inputs":[{"name":"player","type":"address"},{"name":"scoreAmount","type":"uint256"},{"name":"transactionAmount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"GAME_ROLE","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"hasRole","stateMutability":"view",
   "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

// FallbackGasLimit is used when gas estimation fails.
const FallbackGasLimit = 120_000

// Contract is the codec for the game score contract.
type Contract struct {
	abi     abi.ABI
	address common.Address
}

// NewContract parses the embedded ABI for the contract at address.
func NewContract(address common.Address) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(gameABI))
	if err != nil {
		return nil, fmt.Errorf("parse game ABI: %w", err)
	}
	return &Contract{abi: parsed, address: address}, nil
}

// Address returns the contract address.
func (c *Contract) Address() common.Address { return c.address }

// PackUpdatePlayerData encodes updatePlayerData(player, score, 1).
func (c *Contract) PackUpdatePlayerData(player common.Address, score *big.Int) ([]byte, error) {
	return c.abi.Pack("updatePlayerData", player, score, big.NewInt(1))
}

// GameRole reads the GAME_ROLE constant from the contract.
func (c *Contract) GameRole(ctx context.Context, backend Backend) ([32]byte, error) {
	var role [32]byte
	data, err := c.abi.Pack("GAME_ROLE")
	if err != nil {
		return role, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return role, err
	}
	res, err := c.abi.Unpack("GAME_ROLE", out)
	if err != nil {
		return role, err
	}
	role = res[0].([32]byte)
	return role, nil
}

// HasRole checks whether account holds role on the contract.
func (c *Contract) HasRole(ctx context.Context, backend Backend, role [32]byte, account common.Address) (bool, error) {
	data, err := c.abi.Pack("hasRole", role, account)
	if err != nil {
		return false, err
	}
	out, err := backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return false, err
	}
	res, err := c.abi.Unpack("hasRole", out)
	if err != nil {
		return false, err
	}
	return res[0].(bool), nil
}

// CheckGameRole probes GAME_ROLE + hasRole(role, signer) at boot and logs the
// result. A missing grant is a warning, not a hard error: the operator may
// grant it after the process is already up.
func CheckGameRole(ctx context.Context, backend Backend, contract *Contract, signer common.Address) {
	role, err := contract.GameRole(ctx, backend)
	if err != nil {
		log.Printf("[CHAIN] GAME_ROLE read failed: %v", err)
		return
	}
	granted, err := contract.HasRole(ctx, backend, role, signer)
	if err != nil {
		log.Printf("[CHAIN] hasRole check failed: %v", err)
		return
	}
	if granted {
		log.Printf("[CHAIN] signer %s holds GAME_ROLE", signer.Hex())
	} else {
		log.Printf("[CHAIN] WARNING: signer %s lacks GAME_ROLE, updatePlayerData will revert", signer.Hex())
	}
}

// FeeData is the per-batch fee snapshot. Either the EIP-1559 pair or the
// legacy GasPrice is set; both nil means the node answered neither query and
// sends will surface the node's own rejection.
type FeeData struct {
	GasFeeCap *big.Int
	GasTipCap *big.Int
	GasPrice  *big.Int
}

// Dynamic reports whether the 1559 pair is usable.
func (f *FeeData) Dynamic() bool {
	return f.GasFeeCap != nil && f.GasTipCap != nil
}

// SuggestFees queries fee data once per batch: EIP-1559 tip + base fee when
// the chain has one, otherwise the legacy gas price.
func SuggestFees(ctx context.Context, backend Backend) *FeeData {
	fees := &FeeData{}

	head, err := backend.HeaderByNumber(ctx, nil)
	if err == nil && head.BaseFee != nil {
		tip, err := backend.SuggestGasTipCap(ctx)
		if err == nil {
			fees.GasTipCap = tip
			// feeCap = 2*baseFee + tip absorbs base-fee growth between
			// batch ticks.
			fees.GasFeeCap = new(big.Int).Add(
				new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)
			return fees
		}
	}

	if price, err := backend.SuggestGasPrice(ctx); err == nil {
		fees.GasPrice = price
	}
	return fees
}

// BuildTx assembles an unsigned transaction for the given nonce, call data
// and fee snapshot.
func BuildTx(chainID *big.Int, nonce uint64, to common.Address, data []byte, gasLimit uint64, fees *FeeData) *types.Transaction {
	if fees.Dynamic() {
		return types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
			Gas:       gasLimit,
			To:        &to,
			Value:     new(big.Int),
			Data:      data,
		})
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: fees.GasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
}

// PadGasLimit applies the relay's margin to a gas estimate: 20% headroom
// plus a 5000 gas floor bump.
func PadGasLimit(estimate uint64) uint64 {
	return estimate*12/10 + 5_000
}

// WaitMined polls for the receipt of txHash until ctx expires. With
// confirmations > 1 it additionally waits until the receipt's block is that
// many blocks deep.
func WaitMined(ctx context.Context, backend Backend, txHash common.Hash, confirmations uint64) (*types.Receipt, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if confirmations <= 1 {
				return receipt, nil
			}
			head, err := backend.BlockNumber(ctx)
			if err == nil && head >= receipt.BlockNumber.Uint64()+confirmations-1 {
				return receipt, nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
