package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamechain/score-relay/internal/config"
	"github.com/gamechain/score-relay/internal/jobs"
	"github.com/gamechain/score-relay/internal/leaderboard"
	"github.com/gamechain/score-relay/internal/relay"
	"github.com/gamechain/score-relay/internal/walletcheck"
)

// upstream fakes both external dependencies of the unlock path: the username
// check and the leaderboard pages.
type upstream struct {
	hasUsername  bool
	usernameCode int // 0 means 200
	boardCode    int // 0 means 200
	walletScore  int64
}

func (u *upstream) serve() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/username/") {
			if u.usernameCode != 0 {
				http.Error(w, "check broke", u.usernameCode)
				return
			}
			json.NewEncoder(w).Encode(map[string]bool{"hasUsername": u.hasUsername})
			return
		}
		if u.boardCode != 0 {
			http.Error(w, "board broke", u.boardCode)
			return
		}

		payload := map[string]interface{}{
			"gameId":          64,
			"gameName":        "Rocket Run",
			"scorePagination": map[string]int{"page": 1, "totalPages": 1},
			"scoreData": []map[string]interface{}{
				{"rank": 1, "userId": "u1", "walletAddress": testWallet, "score": u.walletScore, "gameId": 64},
			},
		}
		obj, _ := json.Marshal(payload)
		raw := fmt.Sprintf(`5:["$","div",null,%s]`, obj)
		fmt.Fprintf(w, `<html><body><script>self.__next_f.push([1,%s])</script></body></html>`,
			strconv.Quote(raw))
	}))
}

type unlockFixture struct {
	cfg      *config.Config
	registry *jobs.Registry
	queue    *relay.Queue
	handler  http.HandlerFunc
}

func newUnlockFixture(t *testing.T, u *upstream) *unlockFixture {
	t.Helper()
	srv := u.serve()
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		BatchInterval:      5 * time.Second,
		RequestHardTimeout: 40 * time.Millisecond,
		DefaultGameID:      64,
		UnlockTargetScore:  1200,
		MaxPageWalk:        5,
	}
	registry := jobs.NewRegistry(15 * time.Minute)
	t.Cleanup(registry.Close)
	queue := relay.NewQueue()

	board := leaderboard.NewService(srv.URL, leaderboard.NewMemoryCache(15*time.Second), nil, cfg.MaxPageWalk)
	checker := walletcheck.New(srv.URL)

	return &unlockFixture{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		handler:  HandleUnlockAll(cfg, checker, board, registry, queue, nil),
	}
}

func (fx *unlockFixture) post(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/s3cr3tUnlockAll", strings.NewReader(body))
	w := httptest.NewRecorder()
	fx.handler(w, req)
	return w
}

func TestUnlockRejectsBadWallet(t *testing.T) {
	fx := newUnlockFixture(t, &upstream{hasUsername: true})

	w := fx.post(t, `{"walletAddress":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_WALLET", decodeBody(t, w)["code"])
}

func TestUnlockRejectsBadGameID(t *testing.T) {
	fx := newUnlockFixture(t, &upstream{hasUsername: true})

	w := fx.post(t, `{"walletAddress":"`+testWallet+`","gameId":0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_GAME_ID", decodeBody(t, w)["code"])
}

func TestUnlockRequiresUsername(t *testing.T) {
	fx := newUnlockFixture(t, &upstream{hasUsername: false})

	w := fx.post(t, `{"walletAddress":"`+testWallet+`"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "ACCOUNT_NOT_SET", decodeBody(t, w)["code"])
	assert.Zero(t, fx.queue.Len())
}

func TestUnlockUsernameCheckFailure(t *testing.T) {
	fx := newUnlockFixture(t, &upstream{usernameCode: http.StatusInternalServerError})

	w := fx.post(t, `{"walletAddress":"`+testWallet+`"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "CHECK_WALLET_ERROR", decodeBody(t, w)["code"])
}

func TestUnlockLeaderboardFailure(t *testing.T) {
	fx := newUnlockFixture(t, &upstream{hasUsername: true, boardCode: http.StatusInternalServerError})

	w := fx.post(t, `{"walletAddress":"`+testWallet+`"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	// The username probe succeeded; the failing upstream is the board.
	assert.Equal(t, "LEADERBOARD_ERROR", decodeBody(t, w)["code"])
	assert.Zero(t, fx.queue.Len())
}

func TestUnlockAlreadyMaxed(t *testing.T) {
	fx := newUnlockFixture(t, &upstream{hasUsername: true, walletScore: 1200})

	w := fx.post(t, `{"walletAddress":"`+testWallet+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ALREADY_MAXED", body["code"])
	assert.Equal(t, "NO_DELTA", body["reason"])
	assert.Zero(t, fx.queue.Len())
}

func TestUnlockEnqueuesDeltaBypassingWindow(t *testing.T) {
	fx := newUnlockFixture(t, &upstream{hasUsername: true, walletScore: 700})

	w := fx.post(t, `{"walletAddress":"`+testWallet+`"}`)

	// Failsafe 202: the dispatcher never picked it up in this test.
	assert.Equal(t, http.StatusAccepted, w.Code)
	body := decodeBody(t, w)
	jobID, _ := body["jobId"].(string)
	require.NotEmpty(t, jobID)

	rec, ok := fx.registry.Get(jobID)
	require.True(t, ok)
	assert.True(t, rec.UnlockAll)
	assert.Equal(t, int64(500), rec.Score) // 1200 - 700

	batch := fx.queue.DrainAll()
	require.Len(t, batch, 1)
	assert.True(t, batch[0].SkipWindow)
	assert.False(t, batch[0].ReservationHeld)
	assert.Equal(t, int64(500), batch[0].Score)
}

func TestUnlockUnknownWalletGetsFullTarget(t *testing.T) {
	u := &upstream{hasUsername: true, walletScore: 300}
	fx := newUnlockFixture(t, u)

	// A wallet absent from the board scores zero, so the delta is the full
	// target.
	other := "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
	w := fx.post(t, `{"walletAddress":"`+other+`"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	jobID, _ := decodeBody(t, w)["jobId"].(string)
	rec, ok := fx.registry.Get(jobID)
	require.True(t, ok)
	assert.Equal(t, int64(1200), rec.Score)
}
