package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gamechain/score-relay/internal/config"
	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/leaderboard"
	"github.com/gamechain/score-relay/internal/monitoring"
	"github.com/gamechain/score-relay/internal/relay"
	"github.com/gamechain/score-relay/internal/walletcheck"
)

// HandleUnlockAll is the privileged unlock path: compute the delta to the
// target score and enqueue it bypassing window admission. The wallet must
// have a username registered upstream.
func HandleUnlockAll(
	cfg *config.Config,
	checker *walletcheck.Client,
	board *leaderboard.Service,
	registry *jobs.Registry,
	queue *relay.Queue,
	metrics *monitoring.Metrics,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WalletAddress string `json:"walletAddress"`
			GameID        *int   `json:"gameId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "body must be JSON {walletAddress, gameId?}")
			return
		}
		if !common.IsHexAddress(req.WalletAddress) {
			writeError(w, http.StatusBadRequest, "INVALID_WALLET", "walletAddress is not a valid EVM address")
			return
		}
		gameID := cfg.DefaultGameID
		if req.GameID != nil {
			if *req.GameID <= 0 {
				writeError(w, http.StatusBadRequest, "INVALID_GAME_ID", "gameId must be a positive integer")
				return
			}
			gameID = *req.GameID
		}

		has, err := checker.HasUsername(r.Context(), req.WalletAddress)
		if err != nil {
			writeError(w, http.StatusBadGateway, "CHECK_WALLET_ERROR", err.Error())
			return
		}
		if !has {
			writeError(w, http.StatusForbidden, "ACCOUNT_NOT_SET", "wallet has no username registered")
			return
		}

		current, err := board.CurrentScore(r.Context(), gameID, req.WalletAddress)
		if err != nil {
			writeError(w, http.StatusBadGateway, "LEADERBOARD_ERROR", err.Error())
			return
		}

		delta := cfg.UnlockTargetScore - current
		if delta <= 0 {
			writeError(w, http.StatusConflict, "ALREADY_MAXED", "NO_DELTA")
			return
		}

		jobID := jobs.NewID()
		registry.Put(jobID, req.WalletAddress, delta, true)

		// skipWindow: the unlock never reserves, so it never rolls back.
		sub := relay.NewSubmission(jobID, req.WalletAddress, strings.ToLower(req.WalletAddress), delta, true)
		depth := queue.PushBack(sub)
		metrics.SetQueueDepth(depth)
		metrics.RecordSubmission("accepted")

		sub.ArmFailsafe(cfg.RequestHardTimeout, func() {
			sub.Resolve(relay.QueuedReply(jobID, cfg.BatchInterval.Milliseconds()))
		})

		waitAndWrite(w, r, sub)
	}
}
