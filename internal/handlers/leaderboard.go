package handlers

import (
	"net/http"
	"strconv"

	"github.com/gamechain/score-relay/internal/config"
	"github.com/gamechain/score-relay/internal/leaderboard"
)

// HandleLeaderboard serves GET /api/v1/getleaderboard?gameId=N, returning
// the cached or freshly aggregated board.
func HandleLeaderboard(cfg *config.Config, board *leaderboard.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gameID := cfg.DefaultGameID
		if raw := r.URL.Query().Get("gameId"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "INVALID_GAME_ID", "gameId must be a positive integer")
				return
			}
			gameID = n
		}

		payload, err := board.Get(r.Context(), gameID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
				"error":  "AGGREGATE_FAILED",
				"reason": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, payload)
	}
}
