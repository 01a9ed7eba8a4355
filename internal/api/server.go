// Package api assembles the HTTP surface: router, CORS, server timeouts and
// the endpoint wiring. Handlers receive their dependencies explicitly; there
// are no package-level singletons.
package api

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamechain/score-relay/internal/chain"
	"github.com/gamechain/score-relay/internal/config"
	"github.com/gamechain/score-relay/internal/handlers"
	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/leaderboard"
	"github.com/gamechain/score-relay/internal/ledger"
	"github.com/gamechain/score-relay/internal/monitoring"
	"github.com/gamechain/score-relay/internal/relay"
	"github.com/gamechain/score-relay/internal/walletcheck"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Config       *config.Config
	Ledger       *ledger.Ledger
	Registry     *jobs.Registry
	Queue        *relay.Queue
	Metrics      *monitoring.Metrics
	Backend      chain.Backend
	ChainID      *big.Int
	Signer       common.Address
	Board        *leaderboard.Service
	WalletCheck  *walletcheck.Client
	CacheBackend string
}

// Server owns the http.Server lifecycle.
type Server struct {
	srv    *http.Server
	logger *log.Logger
}

// NewServer builds the router and the HTTP server. Write timeout must
// exceed the request hard timeout: the submit endpoints legitimately hold
// the response open for that long.
func NewServer(d Deps) *Server {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/submitscore",
		handlers.HandleSubmitScore(d.Config, d.Ledger, d.Registry, d.Queue, d.Metrics)).Methods("POST")
	v1.HandleFunc("/s3cr3tUnlockAll",
		handlers.HandleUnlockAll(d.Config, d.WalletCheck, d.Board, d.Registry, d.Queue, d.Metrics)).Methods("POST")
	v1.HandleFunc("/jobs/{id}",
		handlers.HandleJobStatus(d.Registry)).Methods("GET")
	v1.HandleFunc("/getleaderboard",
		handlers.HandleLeaderboard(d.Config, d.Board)).Methods("GET")

	r.HandleFunc("/health",
		handlers.HandleHealth(d.Config, d.Backend, d.ChainID, d.Signer, d.Queue, d.Board, d.CacheBackend)).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	hard := d.Config.RequestHardTimeout
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", d.Config.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: hard + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		srv:    srv,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Start blocks serving until the listener closes.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
