package relay

import (
	"fmt"
	"net/http"

	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/ledger"
)

// JobIDHeader carries the job handle on every provisional 202.
const JobIDHeader = "X-Job-Id"

// StatusURL returns the polling URL for a job.
func StatusURL(jobID string) string {
	return "/api/v1/jobs/" + jobID
}

// QueuedReply is the failsafe 202: the dispatcher has not sent the item yet,
// so there is no nonce, only a rough estimate of the next batch tick.
func QueuedReply(jobID string, approxBatchInMs int64) Reply {
	return Reply{
		StatusCode: http.StatusAccepted,
		Body: map[string]interface{}{
			"ok":              true,
			"queued":          true,
			"jobId":           jobID,
			"statusUrl":       StatusURL(jobID),
			"approxBatchInMs": approxBatchInMs,
		},
		Header: map[string]string{JobIDHeader: jobID},
	}
}

// AckReply is the post-send 202: the tx is in the mempool with a known nonce
// but the receipt did not arrive within the ack window.
func AckReply(jobID string, nonce uint64, ackMs int64) Reply {
	return Reply{
		StatusCode: http.StatusAccepted,
		Body: map[string]interface{}{
			"ok":        true,
			"queued":    true,
			"jobId":     jobID,
			"statusUrl": StatusURL(jobID),
			"nonce":     nonce,
			"ackMs":     ackMs,
		},
		Header: map[string]string{JobIDHeader: jobID},
	}
}

// MinedReply is the 200 for a receipt that arrived within the ack window.
func MinedReply(r jobs.ReceiptSummary, nonce uint64) Reply {
	return Reply{
		StatusCode: http.StatusOK,
		Body: map[string]interface{}{
			"ok":          true,
			"txHash":      r.TxHash,
			"blockNumber": r.BlockNumber,
			"status":      r.Status,
			"gasUsed":     r.GasUsed,
			"to":          r.To,
			"from":        r.From,
			"nonce":       nonce,
		},
	}
}

// WindowDeniedReply is the 403 for a sliding-window admission denial, with
// the diagnostic window fields the client can display.
func WindowDeniedReply(dec ledger.Decision) Reply {
	return Reply{
		StatusCode: http.StatusForbidden,
		Body: map[string]interface{}{
			"code":   "SUSPECTED_SCORE_HACKING",
			"reason": "per-wallet score window exceeded",
			"window": map[string]interface{}{
				"used":     dec.Used,
				"incoming": dec.Incoming,
				"limit":    dec.Limit,
				"seconds":  dec.WindowSec,
			},
		},
	}
}

// RangeDeniedReply is the 403 for a per-event score outside the allowed range.
func RangeDeniedReply(score, min, max int64) Reply {
	return Reply{
		StatusCode: http.StatusForbidden,
		Body: map[string]interface{}{
			"code":   "SUSPECTED_SCORE_HACKING",
			"reason": fmt.Sprintf("score %d outside allowed range [%d,%d]", score, min, max),
		},
	}
}

// TxErrorReply is the terminal error shape for 5xx replies.
func TxErrorReply(status int, code, reason string) Reply {
	return Reply{
		StatusCode: status,
		Body: map[string]interface{}{
			"error":  "Transaction failed",
			"code":   code,
			"reason": reason,
		},
	}
}
