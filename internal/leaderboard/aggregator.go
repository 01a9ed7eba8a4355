package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gamechain/score-relay/internal/circuitbreaker"
	"github.com/gamechain/score-relay/internal/monitoring"
)

// ErrNoPayload means page 1 held no payload for the requested game; the
// aggregate fails outright in that case.
var ErrNoPayload = errors.New("no leaderboard payload for game")

// Source records where an aggregate came from.
type Source struct {
	Base      string    `json:"base"`
	Pages     int       `json:"pages"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Payload is the aggregated, de-duplicated leaderboard returned to clients.
type Payload struct {
	OK                    bool        `json:"ok"`
	GameID                int         `json:"gameId"`
	GameName              string      `json:"gameName"`
	LastUpdated           string      `json:"lastUpdated"`
	ScorePagination       *Pagination `json:"scorePagination"`
	TransactionPagination *Pagination `json:"transactionPagination"`
	ScoreData             []Row       `json:"scoreData"`
	TransactionData       []Row       `json:"transactionData"`
	Cached                bool        `json:"cached,omitempty"`
	CacheMs               int64       `json:"cacheMs,omitempty"`
	Source                Source      `json:"source"`
}

// Service fetches and aggregates the upstream leaderboard with caching and a
// circuit breaker in front of the upstream host.
type Service struct {
	base     string
	client   *http.Client
	cache    Cache
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *monitoring.Metrics
	maxPages int
	logger   *log.Logger
}

// NewService wires the aggregator. maxPages caps the page walk regardless of
// what the upstream pagination claims.
func NewService(base string, cache Cache, metrics *monitoring.Metrics, maxPages int) *Service {
	return &Service{
		base:     strings.TrimRight(base, "/"),
		client:   &http.Client{Timeout: 10 * time.Second},
		cache:    cache,
		breaker:  circuitbreaker.New(circuitbreaker.UpstreamConfig("leaderboard")),
		metrics:  metrics,
		maxPages: maxPages,
		logger:   log.New(log.Writer(), "[LEADERBOARD] ", log.LstdFlags),
	}
}

// BreakerState exposes the upstream breaker state for /health.
func (s *Service) BreakerState() string {
	return s.breaker.State().String()
}

// Get returns the aggregate for gameID, from cache when fresh. Cached
// payloads are flagged with cached:true and their age in cacheMs.
func (s *Service) Get(ctx context.Context, gameID int) (*Payload, error) {
	if p, age, ok := s.cache.Get(ctx, gameID); ok {
		s.metrics.RecordCacheLookup(true)
		cp := *p
		cp.Cached = true
		cp.CacheMs = age.Milliseconds()
		return &cp, nil
	}
	s.metrics.RecordCacheLookup(false)

	p, err := s.aggregate(ctx, gameID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, gameID, p)
	return p, nil
}

// CurrentScore reads the wallet's current score from the (cache-aware)
// aggregate. A wallet absent from the board scores zero.
func (s *Service) CurrentScore(ctx context.Context, gameID int, wallet string) (int64, error) {
	p, err := s.Get(ctx, gameID)
	if err != nil {
		return 0, err
	}
	for _, row := range p.ScoreData {
		if strings.EqualFold(row.WalletAddress, wallet) {
			return row.Score, nil
		}
	}
	return 0, nil
}

// aggregate walks all pages for the game, merging and de-duplicating rows.
// Page 1 must parse; later failures keep the partial result.
func (s *Service) aggregate(ctx context.Context, gameID int) (*Payload, error) {
	first, err := s.fetchPage(ctx, gameID, 1)
	if err != nil {
		return nil, err
	}
	root := SelectPayload(first, gameID)
	if root == nil {
		return nil, fmt.Errorf("%w %d", ErrNoPayload, gameID)
	}

	totalPages := 1
	if root.ScorePagination != nil && root.ScorePagination.TotalPages > totalPages {
		totalPages = root.ScorePagination.TotalPages
	}
	if root.TransactionPagination != nil && root.TransactionPagination.TotalPages > totalPages {
		totalPages = root.TransactionPagination.TotalPages
	}
	if totalPages > s.maxPages {
		totalPages = s.maxPages
	}

	scores := newRowMerger(root.ScoreData)
	txs := newRowMerger(root.TransactionData)
	pagesFetched := 1

	for page := 2; page <= totalPages; page++ {
		payloads, err := s.fetchPage(ctx, gameID, page)
		if err != nil {
			// Keep the partial result.
			s.logger.Printf("page %d failed, stopping walk with partial data: %v", page, err)
			break
		}
		p := SelectPayload(payloads, gameID)
		if p == nil || (len(p.ScoreData) == 0 && len(p.TransactionData) == 0) {
			break
		}
		scores.add(p.ScoreData)
		txs.add(p.TransactionData)
		pagesFetched++
	}

	return &Payload{
		OK:                    true,
		GameID:                root.GameID,
		GameName:              root.GameName,
		LastUpdated:           root.LastUpdated,
		ScorePagination:       root.ScorePagination,
		TransactionPagination: root.TransactionPagination,
		ScoreData:             scores.sorted(),
		TransactionData:       txs.sorted(),
		Source: Source{
			Base:      s.base,
			Pages:     pagesFetched,
			FetchedAt: time.Now(),
		},
	}, nil
}

// fetchPage GETs one upstream page through the breaker and extracts its
// flight payloads.
func (s *Service) fetchPage(ctx context.Context, gameID, page int) ([]*PagePayload, error) {
	url := fmt.Sprintf("%s/?gameId=%d&page=%d", s.base, gameID, page)

	var payloads []*PagePayload
	err := s.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return fmt.Errorf("upstream returned %d for %s", resp.StatusCode, url)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		s.metrics.RecordUpstreamPage()
		payloads = ExtractPayloads(string(body))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payloads, nil
}

// rowMerger de-duplicates rows on (userId, walletAddress), first page wins.
type rowMerger struct {
	seen map[string]struct{}
	rows []Row
}

func newRowMerger(initial []Row) *rowMerger {
	m := &rowMerger{seen: make(map[string]struct{})}
	m.add(initial)
	return m
}

func (m *rowMerger) add(rows []Row) {
	for _, r := range rows {
		key := r.UserID + "|" + strings.ToLower(r.WalletAddress)
		if _, dup := m.seen[key]; dup {
			continue
		}
		m.seen[key] = struct{}{}
		m.rows = append(m.rows, r)
	}
}

func (m *rowMerger) sorted() []Row {
	sort.SliceStable(m.rows, func(i, j int) bool {
		return m.rows[i].Rank < m.rows[j].Rank
	})
	if m.rows == nil {
		return []Row{}
	}
	return m.rows
}
