package relay

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamechain/score-relay/internal/chain"
	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/ledger"
)

// Well-known throwaway dev key (hardhat account 0).
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const testWallet = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

// fakeBackend is an in-memory chain node for dispatcher tests.
type fakeBackend struct {
	mu sync.Mutex

	baseNonce uint64
	nonceErr  error

	// sendErrAtCall fails the Nth send attempt (1-based); 0 disables.
	sendErrAtCall int
	sendCalls     int

	autoMine bool

	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		baseNonce: 7,
		autoMine:  true,
		receipts:  make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1337), nil }

func (f *fakeBackend) BlockNumber(context.Context) (uint64, error) { return 1000, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nonceErr != nil {
		return 0, f.nonceErr
	}
	return f.baseNonce, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(1000), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErrAtCall != 0 && f.sendCalls == f.sendErrAtCall {
		return errors.New("insufficient funds for gas")
	}
	f.sent = append(f.sent, tx)
	if f.autoMine {
		f.receipts[tx.Hash()] = &types.Receipt{
			Status:      types.ReceiptStatusSuccessful,
			BlockNumber: big.NewInt(int64(1000 + len(f.sent))),
			GasUsed:     42_000,
			TxHash:      tx.Hash(),
		}
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBackend) sentNonces() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	nonces := make([]uint64, 0, len(f.sent))
	for _, tx := range f.sent {
		nonces = append(nonces, tx.Nonce())
	}
	return nonces
}

type dispatcherFixture struct {
	d        *Dispatcher
	queue    *Queue
	ledger   *ledger.Ledger
	registry *jobs.Registry
	backend  *fakeBackend
}

func newDispatcherFixture(t *testing.T, backend *fakeBackend, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()

	signer, err := chain.NewSigner(testKeyHex, big.NewInt(1337))
	require.NoError(t, err)
	contract, err := chain.NewContract(common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	require.NoError(t, err)

	queue := NewQueue()
	led := ledger.New(time.Minute, 10_000)
	t.Cleanup(led.Close)
	registry := jobs.NewRegistry(15 * time.Minute)
	t.Cleanup(registry.Close)

	d := NewDispatcher(queue, led, registry, backend, signer, contract, nil, cfg)
	return &dispatcherFixture{d: d, queue: queue, ledger: led, registry: registry, backend: backend}
}

func defaultTestConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchInterval: 50 * time.Millisecond,
		AckAfter:      time.Second,
		TxTimeout:     5 * time.Second,
		Confirmations: 1,
	}
}

// enqueue reserves, registers and queues a submission the way intake does.
func (fx *dispatcherFixture) enqueue(t *testing.T, score int64) *Submission {
	t.Helper()
	addrLower := strings.ToLower(testWallet)
	id := jobs.NewID()
	dec := fx.ledger.Reserve(addrLower, score, id)
	require.True(t, dec.OK)
	fx.registry.Put(id, testWallet, score, false)
	sub := NewSubmission(id, testWallet, addrLower, score, false)
	fx.queue.PushBack(sub)
	return sub
}

func awaitReply(t *testing.T, sub *Submission) Reply {
	t.Helper()
	select {
	case r := <-sub.Replies():
		return r
	case <-time.After(3 * time.Second):
		t.Fatalf("no reply for submission %s", sub.ID)
		return Reply{}
	}
}

func TestTickHappyPath(t *testing.T) {
	backend := newFakeBackend()
	fx := newDispatcherFixture(t, backend, defaultTestConfig())

	sub := fx.enqueue(t, 50)
	fx.d.tick(context.Background())

	reply := awaitReply(t, sub)
	assert.Equal(t, http.StatusOK, reply.StatusCode)
	assert.Equal(t, true, reply.Body["ok"])
	assert.Equal(t, uint64(7), reply.Body["nonce"])
	assert.NotEmpty(t, reply.Body["txHash"])

	fx.d.WaitReceipts()

	rec, ok := fx.registry.Get(sub.ID)
	require.True(t, ok)
	assert.Equal(t, jobs.StatusMined, rec.Status)
	require.NotNil(t, rec.Receipt)
	assert.Equal(t, reply.Body["txHash"], rec.Receipt.TxHash)
	require.NotNil(t, rec.Nonce)
	assert.Equal(t, uint64(7), *rec.Nonce)

	// A mined submission keeps its reservation until natural expiry.
	assert.Equal(t, int64(50), fx.ledger.Used(sub.AddrLower))
}

func TestTickEmptyQueueNoRPC(t *testing.T) {
	backend := newFakeBackend()
	backend.nonceErr = errors.New("node down")
	fx := newDispatcherFixture(t, backend, defaultTestConfig())

	// Must not even ask for a nonce when there is nothing to send.
	fx.d.tick(context.Background())
	assert.Zero(t, backend.sendCalls)
}

func TestTickNonceFetchFailureFailsWholeBatch(t *testing.T) {
	backend := newFakeBackend()
	backend.nonceErr = errors.New("connection refused")
	fx := newDispatcherFixture(t, backend, defaultTestConfig())

	sub1 := fx.enqueue(t, 10)
	sub2 := fx.enqueue(t, 20)
	fx.d.tick(context.Background())

	for _, sub := range []*Submission{sub1, sub2} {
		reply := awaitReply(t, sub)
		assert.Equal(t, http.StatusInternalServerError, reply.StatusCode)
		assert.Equal(t, CodeNonceFetchFailed, reply.Body["code"])

		rec, ok := fx.registry.Get(sub.ID)
		require.True(t, ok)
		assert.Equal(t, jobs.StatusFailed, rec.Status)
	}

	// Both reservations rolled back.
	assert.Zero(t, fx.ledger.Used(sub1.AddrLower))
}

func TestTickNonceContiguityAcrossAdmissionDenial(t *testing.T) {
	backend := newFakeBackend()
	fx := newDispatcherFixture(t, backend, defaultTestConfig())

	sub1 := fx.enqueue(t, 10)

	// sub2 lost its reservation (as after a requeue) and the window is now
	// exhausted, so re-admission must deny it without consuming a nonce.
	id2 := jobs.NewID()
	fx.registry.Put(id2, testWallet, 9_999, false)
	sub2 := NewSubmission(id2, testWallet, sub1.AddrLower, 9_999, false)
	sub2.ReservationHeld = false
	fx.queue.PushBack(sub2)

	sub3 := fx.enqueue(t, 30)

	fx.d.tick(context.Background())

	reply2 := awaitReply(t, sub2)
	assert.Equal(t, http.StatusForbidden, reply2.StatusCode)
	assert.Equal(t, "SUSPECTED_SCORE_HACKING", reply2.Body["code"])

	// Survivors took contiguous nonces with no gap for the denied slot.
	assert.Equal(t, []uint64{7, 8}, backend.sentNonces())

	awaitReply(t, sub1)
	awaitReply(t, sub3)
	fx.d.WaitReceipts()
}

func TestTickSendFailureContainsBatch(t *testing.T) {
	backend := newFakeBackend()
	backend.sendErrAtCall = 2
	fx := newDispatcherFixture(t, backend, defaultTestConfig())

	sub1 := fx.enqueue(t, 10)
	sub2 := fx.enqueue(t, 20)
	sub3 := fx.enqueue(t, 30)

	fx.d.tick(context.Background())

	// Item 1 proceeds normally.
	reply1 := awaitReply(t, sub1)
	assert.Equal(t, http.StatusOK, reply1.StatusCode)

	// Item 2 fails with a 500 and its reservation is released.
	reply2 := awaitReply(t, sub2)
	assert.Equal(t, http.StatusInternalServerError, reply2.StatusCode)
	assert.Equal(t, CodeSendFailed, reply2.Body["code"])
	rec2, _ := fx.registry.Get(sub2.ID)
	assert.Equal(t, jobs.StatusFailed, rec2.Status)

	// No transaction with a nonce past the failure point went out.
	assert.Equal(t, []uint64{7}, backend.sentNonces())

	// Item 3 is back at the front of the queue, reservation released and
	// job reset to queued.
	require.Equal(t, 1, fx.queue.Len())
	requeued := fx.queue.DrainAll()
	assert.Same(t, sub3, requeued[0])
	assert.False(t, requeued[0].ReservationHeld)
	rec3, _ := fx.registry.Get(sub3.ID)
	assert.Equal(t, jobs.StatusQueued, rec3.Status)
	assert.Nil(t, rec3.Nonce)
	assert.Nil(t, rec3.SentAt)

	// sub2 rolled back, sub3 released: the window holds only sub1's 10.
	assert.Equal(t, int64(10), fx.ledger.Used(sub1.AddrLower))

	fx.d.WaitReceipts()
}

func TestTickEarlyAckWhenReceiptSlow(t *testing.T) {
	backend := newFakeBackend()
	backend.autoMine = false
	cfg := defaultTestConfig()
	cfg.AckAfter = 30 * time.Millisecond
	fx := newDispatcherFixture(t, backend, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := fx.enqueue(t, 50)
	fx.d.tick(ctx)

	reply := awaitReply(t, sub)
	assert.Equal(t, http.StatusAccepted, reply.StatusCode)
	assert.Equal(t, true, reply.Body["queued"])
	assert.Equal(t, uint64(7), reply.Body["nonce"])
	assert.Equal(t, int64(30), reply.Body["ackMs"])
	assert.Equal(t, sub.ID, reply.Header[JobIDHeader])

	rec, _ := fx.registry.Get(sub.ID)
	assert.Equal(t, jobs.StatusSent, rec.Status)

	cancel()
	fx.d.WaitReceipts()
}

func TestWaitTimeoutRepliesGatewayTimeoutAndRollsBack(t *testing.T) {
	backend := newFakeBackend()
	backend.autoMine = false
	cfg := defaultTestConfig()
	cfg.AckAfter = 10 * time.Second // ack must not win here
	cfg.TxTimeout = 50 * time.Millisecond
	fx := newDispatcherFixture(t, backend, cfg)

	sub := fx.enqueue(t, 50)
	fx.d.tick(context.Background())

	reply := awaitReply(t, sub)
	assert.Equal(t, http.StatusGatewayTimeout, reply.StatusCode)
	assert.Equal(t, CodeWaitTimeout, reply.Body["code"])

	fx.d.WaitReceipts()
	rec, _ := fx.registry.Get(sub.ID)
	assert.Equal(t, jobs.StatusFailed, rec.Status)
	assert.Zero(t, fx.ledger.Used(sub.AddrLower))
}

func TestSkipWindowSubmissionNeverTouchesLedger(t *testing.T) {
	backend := newFakeBackend()
	fx := newDispatcherFixture(t, backend, defaultTestConfig())

	id := jobs.NewID()
	fx.registry.Put(id, testWallet, 500, true)
	sub := NewSubmission(id, testWallet, strings.ToLower(testWallet), 500, true)
	fx.queue.PushBack(sub)

	fx.d.tick(context.Background())

	reply := awaitReply(t, sub)
	assert.Equal(t, http.StatusOK, reply.StatusCode)
	assert.Zero(t, fx.ledger.Used(sub.AddrLower))
	fx.d.WaitReceipts()
}

func TestResolveIsOnceOnly(t *testing.T) {
	sub := NewSubmission("job-1", testWallet, "0xabc", 10, false)

	assert.True(t, sub.Resolve(Reply{StatusCode: 200}))
	assert.False(t, sub.Resolve(Reply{StatusCode: 500}))
	assert.True(t, sub.Resolved())

	reply := <-sub.Replies()
	assert.Equal(t, 200, reply.StatusCode)
}

func TestFailsafeDoesNotFireAfterResolve(t *testing.T) {
	sub := NewSubmission("job-1", testWallet, "0xabc", 10, false)

	fired := make(chan struct{}, 1)
	sub.ArmFailsafe(30*time.Millisecond, func() {
		if sub.Resolve(QueuedReply(sub.ID, 5000)) {
			fired <- struct{}{}
		}
	})

	require.True(t, sub.Resolve(Reply{StatusCode: 200}))
	select {
	case <-fired:
		t.Fatal("failsafe fired after resolution")
	case <-time.After(60 * time.Millisecond):
	}
}
