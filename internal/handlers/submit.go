package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gamechain/score-relay/internal/config"
	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/ledger"
	"github.com/gamechain/score-relay/internal/monitoring"
	"github.com/gamechain/score-relay/internal/relay"
)

// HandleSubmitScore is the intake for POST /api/v1/submitscore: validate,
// reserve window quota, create the job, enqueue, arm the failsafe and hold
// the response open until one of the reply sources wins.
func HandleSubmitScore(
	cfg *config.Config,
	led *ledger.Ledger,
	registry *jobs.Registry,
	queue *relay.Queue,
	metrics *monitoring.Metrics,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WalletAddress string `json:"walletAddress"`
			Score         *int64 `json:"score"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			metrics.RecordSubmission("invalid")
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON {walletAddress, score}")
			return
		}
		if !common.IsHexAddress(req.WalletAddress) {
			metrics.RecordSubmission("invalid")
			writeError(w, http.StatusBadRequest, "INVALID_WALLET", "walletAddress is not a valid EVM address")
			return
		}
		if req.Score == nil || *req.Score < 0 {
			metrics.RecordSubmission("invalid")
			writeError(w, http.StatusBadRequest, "INVALID_SCORE", "score must be a non-negative integer")
			return
		}
		score := *req.Score

		// Per-event range is checked before the ledger is touched.
		if score < cfg.MinScoreEvent || score > cfg.MaxScoreEvent {
			metrics.RecordSubmission("range_denied")
			writeReply(w, relay.RangeDeniedReply(score, cfg.MinScoreEvent, cfg.MaxScoreEvent))
			return
		}

		addrLower := strings.ToLower(req.WalletAddress)
		jobID := jobs.NewID()

		dec := led.Reserve(addrLower, score, jobID)
		if !dec.OK {
			metrics.RecordSubmission("window_denied")
			writeReply(w, relay.WindowDeniedReply(dec))
			return
		}

		registry.Put(jobID, req.WalletAddress, score, false)
		sub := relay.NewSubmission(jobID, req.WalletAddress, addrLower, score, false)
		depth := queue.PushBack(sub)
		metrics.SetQueueDepth(depth)
		metrics.RecordSubmission("accepted")

		sub.ArmFailsafe(cfg.RequestHardTimeout, func() {
			sub.Resolve(relay.QueuedReply(jobID, cfg.BatchInterval.Milliseconds()))
		})

		waitAndWrite(w, r, sub)
	}
}
