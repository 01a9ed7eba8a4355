package handlers

import (
	"context"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gamechain/score-relay/internal/chain"
	"github.com/gamechain/score-relay/internal/config"
	"github.com/gamechain/score-relay/internal/leaderboard"
	"github.com/gamechain/score-relay/internal/relay"
)

// HandleHealth serves GET /health. An RPC failure degrades the status but
// still answers 200 so load balancers keep the instance reachable for the
// endpoints that do not need the chain.
func HandleHealth(
	cfg *config.Config,
	backend chain.Backend,
	chainID *big.Int,
	signer common.Address,
	queue *relay.Queue,
	board *leaderboard.Service,
	cacheBackend string,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		var blockNumber interface{}

		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if n, err := backend.BlockNumber(ctx); err == nil {
			blockNumber = n
		} else {
			status = "degraded"
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":          status,
			"chainId":         chainID.String(),
			"blockNumber":     blockNumber,
			"signer":          signer.Hex(),
			"queueDepth":      queue.Len(),
			"windowMs":        cfg.ScoreWindow.Milliseconds(),
			"perMinuteLimit":  cfg.ScoreWindowLimit,
			"eventRange":      []int64{cfg.MinScoreEvent, cfg.MaxScoreEvent},
			"confirmations":   cfg.TxConfirmations,
			"txTimeoutMs":     cfg.TxTimeout.Milliseconds(),
			"batchIntervalMs": cfg.BatchInterval.Milliseconds(),
			"respondAfterMs":  cfg.RespondAfter.Milliseconds(),
			"upstreamBreaker": board.BreakerState(),
			"cacheBackend":    cacheBackend,
		})
	}
}
