// Package handlers contains the HTTP handlers for the relay API. Each
// handler is a closure over its dependencies, wired by the api server.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gamechain/score-relay/internal/relay"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	writeJSON(w, status, map[string]interface{}{
		"code":   code,
		"reason": reason,
	})
}

func writeReply(w http.ResponseWriter, reply relay.Reply) {
	for k, v := range reply.Header {
		w.Header().Set(k, v)
	}
	writeJSON(w, reply.StatusCode, reply.Body)
}

// waitAndWrite suspends the request until the first reply source wins. On
// client disconnect the outcome still lands in the job registry and the
// chain work continues; we just stop writing.
func waitAndWrite(w http.ResponseWriter, r *http.Request, sub *relay.Submission) {
	select {
	case reply := <-sub.Replies():
		writeReply(w, reply)
	case <-r.Context().Done():
	}
}
