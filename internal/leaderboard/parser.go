// Package leaderboard aggregates the upstream leaderboard site: it walks the
// paginated HTML, extracts the JSON payloads streamed inside Next.js flight
// frames, merges and de-duplicates rows, and caches the result.
package leaderboard

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Pagination describes one upstream page set.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize,omitempty"`
	TotalItems int `json:"totalItems,omitempty"`
	TotalPages int `json:"totalPages"`
}

// Row is one leaderboard entry. Score rows carry Score, transaction rows
// carry Transactions; both identify the player by (userId, walletAddress).
type Row struct {
	Rank          int64  `json:"rank"`
	UserID        string `json:"userId"`
	WalletAddress string `json:"walletAddress"`
	Username      string `json:"username,omitempty"`
	GameID        int    `json:"gameId,omitempty"`
	Score         int64  `json:"score,omitempty"`
	Transactions  int64  `json:"transactions,omitempty"`
}

// PagePayload is the object embedded in the page's flight stream.
type PagePayload struct {
	GameID                int         `json:"gameId"`
	GameName              string      `json:"gameName"`
	LastUpdated           string      `json:"lastUpdated"`
	ScorePagination       *Pagination `json:"scorePagination"`
	TransactionPagination *Pagination `json:"transactionPagination"`
	ScoreData             []Row       `json:"scoreData"`
	TransactionData       []Row       `json:"transactionData"`
}

// Frames look like: self.__next_f.push([1, "<escaped payload>"])
var flightFrameRe = regexp.MustCompile(`self\.__next_f\.push\(\[1,\s*"((?:[^"\\]|\\.)*)"\]\)`)

// Once unescaped, a data frame is "<index>:<json>".
var framePrefixRe = regexp.MustCompile(`^[0-9a-fA-F]+:`)

// ExtractPayloads pulls every candidate PagePayload out of the page HTML.
// Frames that are not data frames, or whose payload does not look like a
// leaderboard object, are skipped silently; upstream pages carry many frames
// that are none of our business.
func ExtractPayloads(html string) []*PagePayload {
	var payloads []*PagePayload

	for _, m := range flightFrameRe.FindAllStringSubmatch(html, -1) {
		raw, err := strconv.Unquote(`"` + m[1] + `"`)
		if err != nil {
			continue
		}
		loc := framePrefixRe.FindStringIndex(raw)
		if loc == nil {
			continue
		}
		body := raw[loc[1]:]
		if !strings.HasPrefix(body, "[") {
			continue
		}

		var elems []json.RawMessage
		if err := json.Unmarshal([]byte(body), &elems); err != nil || len(elems) < 4 {
			continue
		}

		var p PagePayload
		if err := json.Unmarshal(elems[3], &p); err != nil {
			continue
		}
		if p.ScorePagination == nil && p.TransactionPagination == nil &&
			len(p.ScoreData) == 0 && len(p.TransactionData) == 0 {
			continue
		}
		payloads = append(payloads, &p)
	}
	return payloads
}

// SelectPayload picks the payload for the requested game: a root gameId
// match wins, otherwise any payload whose rows carry the gameId.
func SelectPayload(payloads []*PagePayload, gameID int) *PagePayload {
	for _, p := range payloads {
		if p.GameID == gameID {
			return p
		}
	}
	for _, p := range payloads {
		if rowsContainGame(p.ScoreData, gameID) || rowsContainGame(p.TransactionData, gameID) {
			return p
		}
	}
	return nil
}

func rowsContainGame(rows []Row, gameID int) bool {
	for _, r := range rows {
		if r.GameID == gameID {
			return true
		}
	}
	return false
}
