// Package relay implements the submission pipeline: the pending deque, the
// Submission reply arbitration, and the batch dispatcher that turns queued
// scores into ordered on-chain transactions.
package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// Reply is the single HTTP answer a submission produces. Body is a tagged
// variant in practice: the mined 200, the two 202 shapes and the error
// shapes carry different fields.
type Reply struct {
	StatusCode int
	Body       map[string]interface{}
	Header     map[string]string
}

// Submission is one queued score event. It is owned by intake until it is
// enqueued, then by the dispatcher until the first reply wins. Three reply
// sources race: receipt waiter, early-ack timer and failsafe timer; Resolve
// arbitrates with a compare-and-swap so exactly one wins.
type Submission struct {
	ID            string
	WalletAddress string
	AddrLower     string
	Score         int64
	SkipWindow    bool
	AcceptedAt    time.Time

	// ReservationHeld is only touched by the owner of the moment (intake,
	// then the single dispatcher goroutine), never concurrently.
	ReservationHeld bool

	replied atomic.Bool
	replyCh chan Reply

	timerMu  sync.Mutex
	failsafe *time.Timer
	earlyAck *time.Timer
}

// NewSubmission creates a submission with a buffered reply channel so the
// winning producer never blocks, even after the client disconnected.
func NewSubmission(id, wallet, addrLower string, score int64, skipWindow bool) *Submission {
	return &Submission{
		ID:              id,
		WalletAddress:   wallet,
		AddrLower:       addrLower,
		Score:           score,
		SkipWindow:      skipWindow,
		ReservationHeld: !skipWindow,
		AcceptedAt:      time.Now(),
		replyCh:         make(chan Reply, 1),
	}
}

// Replies exposes the reply channel the request handler waits on.
func (s *Submission) Replies() <-chan Reply { return s.replyCh }

// Resolve delivers the reply if no other source won first. The winner also
// cancels both timers; losers are no-ops. Returns whether this call won.
func (s *Submission) Resolve(r Reply) bool {
	if !s.replied.CompareAndSwap(false, true) {
		return false
	}
	s.stopTimers()
	s.replyCh <- r
	return true
}

// Resolved reports whether a reply has already been delivered.
func (s *Submission) Resolved() bool { return s.replied.Load() }

// ArmFailsafe schedules the hard-timeout reply. Armed once, at intake.
func (s *Submission) ArmFailsafe(d time.Duration, fire func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.failsafe = time.AfterFunc(d, fire)
}

// ArmEarlyAck schedules the post-send provisional 202. Armed by the
// dispatcher right after the send succeeds.
func (s *Submission) ArmEarlyAck(d time.Duration, fire func()) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.earlyAck = time.AfterFunc(d, fire)
}

func (s *Submission) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.failsafe != nil {
		s.failsafe.Stop()
	}
	if s.earlyAck != nil {
		s.earlyAck.Stop()
	}
}
