// Package ledger enforces the per-wallet sliding-window score cap.
//
// Admission uses an optimistic reserve discipline: a reservation is taken at
// intake and counts against the cap until the submission either lands on
// chain or is definitively rolled back. Expired entries are purged lazily on
// every access and by a background janitor.
package ledger

import (
	"log"
	"sync"
	"time"
)

type entry struct {
	at    time.Time
	score int64
	jobID string
}

type walletWindow struct {
	entries []entry
	sum     int64
}

// Decision is the outcome of a reservation attempt. On denial, Used reports
// the live window sum that the incoming score would have exceeded.
type Decision struct {
	OK        bool
	Used      int64
	Incoming  int64
	Limit     int64
	WindowSec int
}

// Ledger tracks per-wallet rolling score sums over a fixed window. All keys
// must be lowercased wallet addresses.
type Ledger struct {
	mu      sync.Mutex
	wallets map[string]*walletWindow

	window time.Duration
	limit  int64

	logger *log.Logger
	stop   chan struct{}
	once   sync.Once
}

// New creates a Ledger and starts its janitor. The janitor interval is
// min(30s, window) so short test windows still expire promptly.
func New(window time.Duration, limit int64) *Ledger {
	l := &Ledger{
		wallets: make(map[string]*walletWindow),
		window:  window,
		limit:   limit,
		logger:  log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		stop:    make(chan struct{}),
	}

	interval := 30 * time.Second
	if window < interval {
		interval = window
	}
	go l.janitor(interval)

	return l
}

// Reserve attempts to add score to the wallet's window. The projected sum
// must not exceed the limit; on success the reservation is recorded under
// jobID so a later Rollback can remove exactly this entry.
func (l *Ledger) Reserve(wallet string, score int64, jobID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.wallets[wallet]
	if w == nil {
		w = &walletWindow{}
		l.wallets[wallet] = w
	}
	l.purgeLocked(w)

	if w.sum+score > l.limit {
		dec := Decision{
			OK:        false,
			Used:      w.sum,
			Incoming:  score,
			Limit:     l.limit,
			WindowSec: int(l.window / time.Second),
		}
		l.dropIfEmptyLocked(wallet, w)
		return dec
	}

	w.entries = append(w.entries, entry{at: time.Now(), score: score, jobID: jobID})
	w.sum += score
	return Decision{OK: true, Used: w.sum, Incoming: score, Limit: l.limit, WindowSec: int(l.window / time.Second)}
}

// Rollback removes the most recent live reservation recorded under jobID and
// subtracts its score. Matching is strictly by jobID. Returns false if no
// such reservation exists (already expired or rolled back).
func (l *Ledger) Rollback(wallet, jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.wallets[wallet]
	if w == nil {
		return false
	}
	l.purgeLocked(w)

	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].jobID == jobID {
			w.sum -= w.entries[i].score
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			l.dropIfEmptyLocked(wallet, w)
			return true
		}
	}
	l.dropIfEmptyLocked(wallet, w)
	return false
}

// Purge drops expired entries for a single wallet.
func (l *Ledger) Purge(wallet string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.wallets[wallet]; w != nil {
		l.purgeLocked(w)
		l.dropIfEmptyLocked(wallet, w)
	}
}

// Used returns the live window sum for a wallet.
func (l *Ledger) Used(wallet string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.wallets[wallet]
	if w == nil {
		return 0
	}
	l.purgeLocked(w)
	sum := w.sum
	l.dropIfEmptyLocked(wallet, w)
	return sum
}

// Limit returns the configured per-window cap.
func (l *Ledger) Limit() int64 { return l.limit }

// Window returns the configured window length.
func (l *Ledger) Window() time.Duration { return l.window }

// Close stops the janitor.
func (l *Ledger) Close() {
	l.once.Do(func() { close(l.stop) })
}

// purgeLocked drops entries older than the window. It never removes the
// wallet record itself: Reserve appends right after purging, and deleting
// here would orphan the struct it is about to fill. Caller holds l.mu.
func (l *Ledger) purgeLocked(w *walletWindow) {
	cutoff := time.Now().Add(-l.window)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		w.sum -= w.entries[i].score
		i++
	}
	if i > 0 {
		w.entries = append([]entry(nil), w.entries[i:]...)
	}
}

// dropIfEmptyLocked deletes the wallet record once its window genuinely
// ends empty, bounding memory. Caller holds l.mu.
func (l *Ledger) dropIfEmptyLocked(wallet string, w *walletWindow) {
	if len(w.entries) == 0 {
		delete(l.wallets, wallet)
	}
}

func (l *Ledger) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			before := len(l.wallets)
			for wallet, w := range l.wallets {
				l.purgeLocked(w)
				l.dropIfEmptyLocked(wallet, w)
			}
			dropped := before - len(l.wallets)
			l.mu.Unlock()
			if dropped > 0 {
				l.logger.Printf("janitor dropped %d idle wallets", dropped)
			}
		case <-l.stop:
			return
		}
	}
}
