package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/gamechain/score-relay/internal/jobs"
)

// HandleJobStatus serves GET /api/v1/jobs/{id}. The response shape depends
// on the job's status: queued records carry only identity fields, sent
// records add nonce/txHash, mined records add the receipt, failed records
// add code/reason.
func HandleJobStatus(registry *jobs.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		rec, ok := registry.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "JOB_NOT_FOUND", "unknown or expired job id")
			return
		}

		body := map[string]interface{}{
			"ok":            true,
			"status":        rec.Status,
			"jobId":         rec.ID,
			"walletAddress": rec.WalletAddress,
			"score":         rec.Score,
			"createdAt":     rec.CreatedAt.Format(time.RFC3339),
		}
		if rec.UnlockAll {
			body["unlockAll"] = true
		}

		switch rec.Status {
		case jobs.StatusSent:
			body["nonce"] = rec.Nonce
			body["sentAt"] = rec.SentAt.Format(time.RFC3339)
			if rec.TxHash != "" {
				body["txHash"] = rec.TxHash
			}
		case jobs.StatusMined:
			body["nonce"] = rec.Nonce
			body["txHash"] = rec.TxHash
			body["receipt"] = rec.Receipt
		case jobs.StatusFailed:
			body["code"] = rec.Code
			body["reason"] = rec.Reason
			if rec.TxHash != "" {
				body["txHash"] = rec.TxHash
			}
		}

		writeJSON(w, http.StatusOK, body)
	}
}
