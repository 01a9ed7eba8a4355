// Package jobs holds the in-memory registry of submission jobs. Records are
// shared reference data: intake creates them, the dispatcher mutates them,
// and the jobs endpoint reads them. Everything is lost on restart.
package jobs

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued Status = "queued"
	StatusSent   Status = "sent"
	StatusMined  Status = "mined"
	StatusFailed Status = "failed"
)

// ReceiptSummary is the subset of a transaction receipt surfaced to clients.
type ReceiptSummary struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	Status      uint64 `json:"status"`
	GasUsed     uint64 `json:"gasUsed"`
	From        string `json:"from"`
	To          string `json:"to"`
}

// Record is a job's lifecycle record.
type Record struct {
	ID            string
	Status        Status
	CreatedAt     time.Time
	WalletAddress string
	Score         int64
	UnlockAll     bool

	Nonce   *uint64
	SentAt  *time.Time
	TxHash  string
	Receipt *ReceiptSummary
	Code    string
	Reason  string
}

// Registry is a concurrent map of job id to Record with TTL eviction.
type Registry struct {
	mu  sync.RWMutex
	m   map[string]*Record
	ttl time.Duration

	logger *log.Logger
	stop   chan struct{}
	once   sync.Once
}

// NewRegistry creates a Registry and starts the eviction janitor, which runs
// every minute and drops records older than ttl.
func NewRegistry(ttl time.Duration) *Registry {
	r := &Registry{
		m:      make(map[string]*Record),
		ttl:    ttl,
		logger: log.New(log.Writer(), "[JOBS] ", log.LstdFlags),
		stop:   make(chan struct{}),
	}
	go r.janitor()
	return r
}

// NewID generates a job id. Ids are minted before the record exists because
// the ledger reservation taken first is keyed by job id.
func NewID() string {
	return uuid.New().String()
}

// Put registers a new queued job under id.
func (r *Registry) Put(id, wallet string, score int64, unlockAll bool) {
	rec := &Record{
		ID:            id,
		Status:        StatusQueued,
		CreatedAt:     time.Now(),
		WalletAddress: wallet,
		Score:         score,
		UnlockAll:     unlockAll,
	}

	r.mu.Lock()
	r.m[id] = rec
	r.mu.Unlock()
}

// Get returns a copy of the record, so readers never observe a concurrent
// mutation mid-field.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.m[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Update applies mutate to the record under the write lock. Returns false if
// the id is unknown (evicted or never created).
func (r *Registry) Update(id string, mutate func(*Record)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.m[id]
	if !ok {
		return false
	}
	mutate(rec)
	return true
}

// Evict drops records created before the cutoff and reports how many.
func (r *Registry) Evict(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.m {
		if rec.CreatedAt.Before(cutoff) {
			delete(r.m, id)
			n++
		}
	}
	return n
}

// Len reports the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}

// Close stops the janitor.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.Evict(time.Now().Add(-r.ttl)); n > 0 {
				r.logger.Printf("evicted %d expired jobs", n)
			}
		case <-r.stop:
			return
		}
	}
}
