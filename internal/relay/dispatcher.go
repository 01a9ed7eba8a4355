package relay

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/gamechain/score-relay/internal/chain"
	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/ledger"
	"github.com/gamechain/score-relay/internal/monitoring"
)

// Error codes surfaced in failed job records and 5xx replies.
const (
	CodeNonceFetchFailed = "NONCE_FETCH_FAILED"
	CodeSendFailed       = "SEND_FAILED"
	CodeWaitTimeout      = "TX_WAIT_TIMEOUT"
	CodeWaitFailed       = "WAIT_FAILED"
	CodeWindowDenied     = "SUSPECTED_SCORE_HACKING"
)

// DispatcherConfig is the timing configuration for the batch loop.
type DispatcherConfig struct {
	BatchInterval time.Duration
	AckAfter      time.Duration
	TxTimeout     time.Duration
	Confirmations uint64
}

// Dispatcher is the only code path that issues transactions. It drains the
// pending queue on a periodic tick, assigns contiguous nonces to the
// surviving subsequence, serializes sends and waits for receipts in parallel.
// The tick body runs on a single goroutine, so a slow tick cannot overlap
// the next one.
type Dispatcher struct {
	queue    *Queue
	ledger   *ledger.Ledger
	registry *jobs.Registry
	backend  chain.Backend
	signer   *chain.Signer
	contract *chain.Contract
	metrics  *monitoring.Metrics
	cfg      DispatcherConfig

	logger  *log.Logger
	waiters sync.WaitGroup
}

// NewDispatcher wires the dispatcher. Run must be called to start the loop.
func NewDispatcher(
	queue *Queue,
	led *ledger.Ledger,
	registry *jobs.Registry,
	backend chain.Backend,
	signer *chain.Signer,
	contract *chain.Contract,
	metrics *monitoring.Metrics,
	cfg DispatcherConfig,
) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		ledger:   led,
		registry: registry,
		backend:  backend,
		signer:   signer,
		contract: contract,
		metrics:  metrics,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
}

// Run ticks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.BatchInterval)
	defer ticker.Stop()

	d.logger.Printf("batch loop started, interval=%s ackAfter=%s", d.cfg.BatchInterval, d.cfg.AckAfter)
	for {
		select {
		case <-ticker.C:
			d.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// WaitReceipts blocks until all background receipt waiters finish; used for
// graceful shutdown. Callers bound it with their own timer.
func (d *Dispatcher) WaitReceipts() {
	d.waiters.Wait()
}

// tick drains and processes one batch. Exported behavior is specified down
// to the nonce discipline: contiguous nonces for the surviving subsequence,
// hard stop on the first send error so no gap ever reaches the mempool.
func (d *Dispatcher) tick(ctx context.Context) {
	batch := d.queue.DrainAll()
	d.metrics.SetQueueDepth(d.queue.Len())
	if len(batch) == 0 {
		return
	}
	d.metrics.RecordBatch(len(batch))

	baseNonce, err := d.backend.PendingNonceAt(ctx, d.signer.Address())
	if err != nil {
		d.logger.Printf("nonce fetch failed, failing %d submissions: %v", len(batch), err)
		for _, sub := range batch {
			d.failSubmission(sub, http.StatusInternalServerError, CodeNonceFetchFailed, err.Error())
			d.metrics.RecordTxFailure("nonce_fetch")
		}
		return
	}

	fees := chain.SuggestFees(ctx, d.backend)
	d.logger.Printf("batch start size=%d baseNonce=%d dynamicFees=%t", len(batch), baseNonce, fees.Dynamic())

	nonce := baseNonce
	for i, sub := range batch {
		// Admission recheck. Items requeued after a prior send failure had
		// their reservation released and must pass the window again.
		if !sub.SkipWindow && !sub.ReservationHeld {
			dec := d.ledger.Reserve(sub.AddrLower, sub.Score, sub.ID)
			if !dec.OK {
				d.registry.Update(sub.ID, func(r *jobs.Record) {
					r.Status = jobs.StatusFailed
					r.Code = CodeWindowDenied
					r.Reason = "window re-admission denied"
				})
				d.metrics.RecordTxFailure("admission")
				sub.Resolve(WindowDeniedReply(dec))
				// The nonce for this slot is not consumed; the next
				// surviving item takes it.
				continue
			}
			sub.ReservationHeld = true
		}

		player := common.HexToAddress(sub.WalletAddress)
		data, err := d.contract.PackUpdatePlayerData(player, big.NewInt(sub.Score))
		if err != nil {
			d.abortBatch(batch, i, sub, err)
			return
		}

		gasLimit := d.estimateGas(ctx, data, nonce)

		// Mark sent before the RPC call so a crash between the two leaves
		// an honest record.
		sentAt := time.Now()
		sentNonce := nonce
		d.registry.Update(sub.ID, func(r *jobs.Record) {
			r.Status = jobs.StatusSent
			r.SentAt = &sentAt
			r.Nonce = &sentNonce
		})

		tx := chain.BuildTx(d.signer.ChainID(), nonce, d.contract.Address(), data, gasLimit, fees)
		signed, err := d.signer.SignTx(tx)
		if err == nil {
			err = d.backend.SendTransaction(ctx, signed)
		}
		if err != nil {
			d.abortBatch(batch, i, sub, err)
			return
		}

		txHash := signed.Hash()
		d.registry.Update(sub.ID, func(r *jobs.Record) {
			r.TxHash = txHash.Hex()
		})
		d.metrics.RecordTxSent()
		d.logger.Printf("sent job=%s nonce=%d tx=%s", sub.ID, nonce, txHash.Hex())

		ackMs := d.cfg.AckAfter.Milliseconds()
		jobID := sub.ID
		s := sub
		s.ArmEarlyAck(d.cfg.AckAfter, func() {
			if s.Resolve(AckReply(jobID, sentNonce, ackMs)) {
				d.logger.Printf("early-ack job=%s nonce=%d", jobID, sentNonce)
			}
		})

		d.waiters.Add(1)
		go d.waitReceipt(ctx, s, txHash, sentNonce, sentAt)

		nonce++
	}
}

// estimateGas asks the node for an estimate and pads it; estimation errors
// fall back to a fixed limit and are not surfaced to the caller.
func (d *Dispatcher) estimateGas(ctx context.Context, data []byte, nonce uint64) uint64 {
	to := d.contract.Address()
	estimate, err := d.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: d.signer.Address(),
		To:   &to,
		Data: data,
	})
	if err != nil {
		d.logger.Printf("gas estimate failed at nonce %d, using fallback %d: %v", nonce, chain.FallbackGasLimit, err)
		estimate = chain.FallbackGasLimit
	}
	return chain.PadGasLimit(estimate)
}

// abortBatch handles a send-path failure at index i: the failing item gets a
// 500 and its reservation back, and every later item is requeued at the
// front with reservation released and job reset. Nothing past the failure
// point is sent this tick, so the mempool never sees a nonce gap.
func (d *Dispatcher) abortBatch(batch []*Submission, i int, sub *Submission, cause error) {
	d.logger.Printf("send failed at index %d job=%s, requeueing %d: %v", i, sub.ID, len(batch)-i-1, cause)
	d.failSubmission(sub, http.StatusInternalServerError, CodeSendFailed, cause.Error())
	d.metrics.RecordTxFailure("send")

	rest := batch[i+1:]
	for _, r := range rest {
		if r.ReservationHeld {
			d.ledger.Rollback(r.AddrLower, r.ID)
			r.ReservationHeld = false
		}
		d.registry.Update(r.ID, func(rec *jobs.Record) {
			rec.Status = jobs.StatusQueued
			rec.SentAt = nil
			rec.Nonce = nil
		})
	}
	depth := d.queue.PushFront(rest)
	d.metrics.SetQueueDepth(depth)
}

// failSubmission marks the job failed, releases any held reservation and
// delivers the error reply.
func (d *Dispatcher) failSubmission(sub *Submission, status int, code, reason string) {
	d.registry.Update(sub.ID, func(r *jobs.Record) {
		r.Status = jobs.StatusFailed
		r.Code = code
		r.Reason = reason
	})
	if sub.ReservationHeld {
		d.ledger.Rollback(sub.AddrLower, sub.ID)
		sub.ReservationHeld = false
	}
	sub.Resolve(TxErrorReply(status, code, reason))
}

// waitReceipt blocks in the background until the tx is mined or the wait
// budget expires. Receipt waits run in parallel; only sends are serialized.
func (d *Dispatcher) waitReceipt(ctx context.Context, sub *Submission, txHash common.Hash, nonce uint64, sentAt time.Time) {
	defer d.waiters.Done()

	wctx, cancel := context.WithTimeout(ctx, d.cfg.TxTimeout)
	defer cancel()

	receipt, err := chain.WaitMined(wctx, d.backend, txHash, d.cfg.Confirmations)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.metrics.RecordTxFailure("wait_timeout")
			d.failSubmission(sub, http.StatusGatewayTimeout, CodeWaitTimeout, "receipt not found within wait budget")
		} else {
			d.metrics.RecordTxFailure("wait_error")
			d.failSubmission(sub, http.StatusInternalServerError, CodeWaitFailed, err.Error())
		}
		return
	}

	summary := jobs.ReceiptSummary{
		TxHash:      txHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
		GasUsed:     receipt.GasUsed,
		From:        d.signer.Address().Hex(),
		To:          d.contract.Address().Hex(),
	}
	d.registry.Update(sub.ID, func(r *jobs.Record) {
		r.Status = jobs.StatusMined
		r.Receipt = &summary
	})
	d.metrics.RecordTxMined(time.Since(sentAt).Seconds())

	if sub.Resolve(MinedReply(summary, nonce)) {
		d.logger.Printf("mined job=%s tx=%s block=%d", sub.ID, summary.TxHash, summary.BlockNumber)
	} else {
		d.logger.Printf("mined after reply job=%s tx=%s block=%d", sub.ID, summary.TxHash, summary.BlockNumber)
	}
}
