package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/answer"
	"github.com/victornm/quizroom/internal/api"
	"github.com/victornm/quizroom/internal/badge"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/participant"
	"github.com/victornm/quizroom/internal/quiz"
	"github.com/victornm/quizroom/internal/ranking"
	"github.com/victornm/quizroom/internal/reward"
	"github.com/victornm/quizroom/internal/room"
	"github.com/victornm/quizroom/internal/store/memory"
	"github.com/victornm/quizroom/internal/xp"
)

var trivia = domain.Quiz{
	ID:    "quiz-trivia",
	Title: "Trivia",
	Questions: []domain.Question{
		{ID: "q1", Prompt: "2 + 2?", Options: []domain.Option{
			{ID: "a", Text: "4", Correct: true},
			{ID: "b", Text: "5"},
		}},
		{ID: "q2", Prompt: "Largest planet?", Options: []domain.Option{
			{ID: "a", Text: "Jupiter", Correct: true},
			{ID: "b", Text: "Mars"},
		}},
	},
	TimeLimit: 10 * time.Second,
}

type harness struct {
	engine *gin.Engine
	api    *api.API
	redis  redis.UniversalClient
}

func newHarness(t *testing.T) harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})

	s := memory.NewStore()
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	quizzes := quiz.NewProvider(quiz.Config{Loader: quiz.NewStaticLoader(trivia)})
	ledger := xp.NewLedger(xp.Config{Store: s})
	badges := badge.NewService(badge.Config{Store: s, Ledger: ledger})
	agg := ranking.NewAggregator(ranking.Config{Store: s})
	rewards := reward.NewAssignor(reward.Config{Store: s})

	a := api.New(api.Config{
		EventBus: bus,
		Rooms: room.NewManager(room.Config{
			Store:    s,
			EventBus: bus,
			Quizzes:  quizzes,
			Ranking:  agg,
			Rewards:  rewards,
			Ledger:   ledger,
			Badges:   badges,
			XP:       room.DefaultXP,
		}),
		Participants: participant.NewRegistry(participant.Config{Store: s}),
		Answers:      answer.NewService(answer.Config{EventBus: bus, Store: s, Quizzes: quizzes}),
		Ranking:      agg,
		Rewards:      rewards,
		Leaderboard:  leaderboard.NewService(leaderboard.Config{EventBus: bus, Redis: rc, Prefix: "quizroom"}),
		Ledger:       ledger,
		Badges:       badges,
		Redis:        rc,
		PubsubPrefix: "quizroom",
	})

	e := gin.New()
	a.Register(e)

	return harness{engine: e, api: a, redis: rc}
}

func (h harness) do(t *testing.T, method, path, account string, body any) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set(api.HeaderAccount, account)
	}

	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func reasonOf(out map[string]any) any {
	e, _ := out["error"].(map[string]any)
	return e["reason"]
}

func TestAPI_RoomFlow(t *testing.T) {
	h := newHarness(t)

	code, created := h.do(t, http.MethodPost, "/rooms", "moderator-1", map[string]any{"quiz_id": trivia.ID})
	require.Equal(t, http.StatusCreated, code, created)
	roomID := created["id"].(string)
	assert.Equal(t, "waiting", created["state"])

	code, byCode := h.do(t, http.MethodGet, "/codes/"+created["code"].(string), "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, roomID, byCode["id"])

	code, lan := h.do(t, http.MethodPost, "/rooms/"+roomID+"/participants", "", map[string]any{"display_name": "Lan", "account_id": "acc-lan"})
	require.Equal(t, http.StatusCreated, code, lan)
	lanID := lan["id"].(string)

	code, dup := h.do(t, http.MethodPost, "/rooms/"+roomID+"/participants", "", map[string]any{"display_name": "Lan again", "account_id": "acc-lan"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "DUPLICATE_PARTICIPANT", reasonOf(dup))

	code, denied := h.do(t, http.MethodPost, "/rooms/"+roomID+"/start", "student-1", nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "PERMISSION_DENIED", reasonOf(denied))

	code, _ = h.do(t, http.MethodPost, "/rooms/"+roomID+"/start", "moderator-1", nil)
	require.Equal(t, http.StatusOK, code)

	submit := map[string]any{"participant_id": lanID, "question_id": "q1", "option_id": "a", "elapsed_ms": 2500}
	code, first := h.do(t, http.MethodPost, "/rooms/"+roomID+"/answers", "", submit)
	require.Equal(t, http.StatusCreated, code, first)
	assert.Equal(t, "scored", first["status"])
	assert.EqualValues(t, 750, first["answer"].(map[string]any)["points"])

	submit["option_id"] = "b"
	code, again := h.do(t, http.MethodPost, "/rooms/"+roomID+"/answers", "", submit)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "already_answered", again["status"])
	assert.Equal(t, "a", again["answer"].(map[string]any)["option_id"], "the first answer wins")

	code, stale := h.do(t, http.MethodPost, "/rooms/"+roomID+"/answers", "", map[string]any{"participant_id": lanID, "question_id": "q2", "option_id": "a"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "STALE_QUESTION", reasonOf(stale))

	code, standings := h.do(t, http.MethodGet, "/rooms/"+roomID+"/standings", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, standings["standings"], 1)

	code, _ = h.do(t, http.MethodPost, "/rooms/"+roomID+"/advance", "", nil)
	require.Equal(t, http.StatusOK, code)

	code, summary := h.do(t, http.MethodPost, "/rooms/"+roomID+"/finish", "", nil)
	require.Equal(t, http.StatusOK, code, summary)
	accounts := summary["accounts"].([]any)
	require.Len(t, accounts, 1)
	assert.EqualValues(t, 20+10+100, accounts[0].(map[string]any)["xp_awarded"])

	code, finished := h.do(t, http.MethodPost, "/rooms/"+roomID+"/finish", "", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "INVALID_TRANSITION", reasonOf(finished))
}

func TestAPI_Errors(t *testing.T) {
	h := newHarness(t)

	tests := map[string]struct {
		method, path, account string
		body                  any
		status                int
		reason                string
	}{
		"unknown room": {
			method: http.MethodGet, path: "/rooms/missing",
			status: http.StatusNotFound, reason: "NOT_FOUND",
		},
		"moderated room without an account": {
			method: http.MethodPost, path: "/rooms", body: map[string]any{"quiz_id": trivia.ID},
			status: http.StatusBadRequest, reason: "INVALID_ARGUMENT",
		},
		"unknown mode": {
			method: http.MethodPost, path: "/rooms", account: "moderator-1", body: map[string]any{"quiz_id": trivia.ID, "mode": "solo"},
			status: http.StatusBadRequest, reason: "INVALID_ARGUMENT",
		},
		"missing body fields": {
			method: http.MethodPost, path: "/rooms/any/answers", body: map[string]any{},
			status: http.StatusBadRequest, reason: "INVALID_ARGUMENT",
		},
		"negative history": {
			method: http.MethodGet, path: "/accounts/acc-1/profile?history=-1",
			status: http.StatusBadRequest, reason: "INVALID_ARGUMENT",
		},
		"negative elapsed time": {
			method: http.MethodPost, path: "/rooms/any/answers",
			body:   map[string]any{"participant_id": "p1", "question_id": "q1", "option_id": "a", "elapsed_ms": -1},
			status: http.StatusBadRequest, reason: "INVALID_ARGUMENT",
		},
		"negative time limit": {
			method: http.MethodPost, path: "/rooms", account: "moderator-1",
			body:   map[string]any{"quiz_id": trivia.ID, "time_limit_ms": -1000},
			status: http.StatusBadRequest, reason: "INVALID_ARGUMENT",
		},
		"empty leaderboard": {
			method: http.MethodGet, path: "/rooms/nobody/leaderboard",
			status: http.StatusNotFound, reason: "NOT_FOUND",
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			code, out := h.do(t, tt.method, tt.path, tt.account, tt.body)
			assert.Equal(t, tt.status, code)
			assert.Equal(t, tt.reason, reasonOf(out))
		})
	}
}

func TestAPI_VeryLateAnswerEarnsTheFloor(t *testing.T) {
	h := newHarness(t)

	_, created := h.do(t, http.MethodPost, "/rooms", "moderator-1", map[string]any{"quiz_id": trivia.ID})
	roomID := created["id"].(string)

	_, joined := h.do(t, http.MethodPost, "/rooms/"+roomID+"/participants", "", map[string]any{"display_name": "Lan"})
	code, _ := h.do(t, http.MethodPost, "/rooms/"+roomID+"/start", "moderator-1", nil)
	require.Equal(t, http.StatusOK, code)

	// about 292 years; must not wrap around to a negative duration
	code, out := h.do(t, http.MethodPost, "/rooms/"+roomID+"/answers", "", map[string]any{
		"participant_id": joined["id"], "question_id": "q1", "option_id": "a", "elapsed_ms": int64(9223372036855),
	})
	require.Equal(t, http.StatusCreated, code, out)

	a := out["answer"].(map[string]any)
	assert.EqualValues(t, 500, a["points"])
}

func TestAPI_Progression(t *testing.T) {
	h := newHarness(t)

	code, granted := h.do(t, http.MethodPost, "/accounts/acc-1/xp", "", map[string]any{"amount": 282})
	require.Equal(t, http.StatusOK, code, granted)
	assert.EqualValues(t, 1, granted["level_before"])
	assert.EqualValues(t, 2, granted["level_after"])

	code, profile := h.do(t, http.MethodGet, "/accounts/acc-1/profile", "", nil)
	require.Equal(t, http.StatusOK, code)
	p := profile["profile"].(map[string]any)
	assert.EqualValues(t, 2, p["level"])
	assert.EqualValues(t, 0, p["xp_within_level"])
	history := profile["history"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, domain.ReasonManualGrant, history[0].(map[string]any)["reason"])

	code, missing := h.do(t, http.MethodPost, "/accounts/acc-1/badges/nope/purchase", "", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", reasonOf(missing))
}

func TestAPI_PublishesToRoomChannel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sub := h.redis.Subscribe(ctx, "quizroom:room:482913")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	err = h.api.PublishAnswerScored(ctx, domain.EventAnswerScored{
		Room:    domain.Room{ID: "room-1", Code: "482913"},
		Answer:  domain.Answer{ParticipantID: "p1", QuestionID: "q1", Correct: true, Points: 900},
		Ranking: domain.RankingEntry{ParticipantID: "p1", Score: 1900, CorrectCount: 2},
	})
	require.NoError(t, err)

	select {
	case msg := <-sub.Channel():
		var n api.Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, domain.EventNameAnswerScored, n.Event)
		assert.EqualValues(t, 1900, n.Data.(map[string]any)["score"])
	case <-time.After(time.Second):
		t.Fatal("no notification on the room channel")
	}
}
