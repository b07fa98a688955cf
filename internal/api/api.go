package api

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizroom/internal/answer"
	"github.com/victornm/quizroom/internal/badge"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/leaderboard"
	"github.com/victornm/quizroom/internal/participant"
	"github.com/victornm/quizroom/internal/ranking"
	"github.com/victornm/quizroom/internal/reward"
	"github.com/victornm/quizroom/internal/room"
	"github.com/victornm/quizroom/internal/xp"
)

// HeaderAccount carries the caller's account, resolved by the gateway in front of the engine.
const HeaderAccount = "X-Account-ID"

const defaultHistoryLimit = 50

type Config struct {
	EventBus     *event.Bus
	Rooms        *room.Manager
	Participants *participant.Registry
	Answers      *answer.Service
	Ranking      *ranking.Aggregator
	Rewards      *reward.Assignor
	Leaderboard  *leaderboard.Service
	Ledger       *xp.Ledger
	Badges       *badge.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	rooms        *room.Manager
	participants *participant.Registry
	answers      *answer.Service
	ranking      *ranking.Aggregator
	rewards      *reward.Assignor
	ls           *leaderboard.Service
	ledger       *xp.Ledger
	badges       *badge.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		rooms:        c.Rooms,
		participants: c.Participants,
		answers:      c.Answers,
		ranking:      c.Ranking,
		rewards:      c.Rewards,
		ls:           c.Leaderboard,
		ledger:       c.Ledger,
		badges:       c.Badges,
		redis:        c.Redis,
		prefix:       c.PubsubPrefix,
	}

	// Register event handlers
	c.EventBus.Subscribe(domain.EventNameRoomStateChanged, func(ctx context.Context, e event.Event) error {
		return a.PublishRoomStateChanged(ctx, e.(domain.EventRoomStateChanged))
	})
	c.EventBus.Subscribe(domain.EventNameAnswerScored, func(ctx context.Context, e event.Event) error {
		return a.PublishAnswerScored(ctx, e.(domain.EventAnswerScored))
	})
	c.EventBus.Subscribe(domain.EventNameRoomFinished, func(ctx context.Context, e event.Event) error {
		return a.PublishRoomFinished(ctx, e.(domain.EventRoomFinished))
	})
	c.EventBus.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		return a.PublishLeaderboardUpdated(ctx, e.(domain.EventLeaderboardUpdated))
	})

	return a
}

// Register mounts the HTTP routes on r.
func (a *API) Register(r gin.IRouter) {
	r.POST("/rooms", a.CreateRoom)
	r.GET("/rooms/:id", a.GetRoom)
	r.GET("/codes/:code", a.GetRoomByCode)
	r.POST("/rooms/:id/start", a.StartRoom)
	r.POST("/rooms/:id/advance", a.AdvanceRoom)
	r.POST("/rooms/:id/finish", a.FinishRoom)
	r.POST("/rooms/:id/settle", a.SettleRoom)

	r.POST("/rooms/:id/participants", a.Join)
	r.GET("/rooms/:id/participants", a.ListParticipants)
	r.DELETE("/participants/:id", a.Leave)

	r.POST("/rooms/:id/answers", a.SubmitAnswer)
	r.GET("/rooms/:id/standings", a.GetStandings)
	r.GET("/rooms/:id/leaderboard", a.GetLeaderboard)

	r.GET("/badges", a.GetCatalog)
	r.GET("/accounts/:id/profile", a.GetProfile)
	r.POST("/accounts/:id/xp", a.GrantXP)
	r.GET("/accounts/:id/badges", a.GetOwnedBadges)
	r.POST("/accounts/:id/badges/:badge/purchase", a.PurchaseBadge)
	r.GET("/accounts/:id/rewards", a.GetRewards)
}

type CreateRoomRequest struct {
	QuizID      string `json:"quiz_id" binding:"required"`
	Mode        string `json:"mode"`
	GroupCount  int    `json:"group_count"`
	TimeLimitMS int64  `json:"time_limit_ms"`
	// Automatic opens a self-service room with no moderator.
	Automatic bool `json:"automatic"`
}

func (a *API) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if !bind(c, &req) {
		return
	}

	mode, err := domain.ParseRoomMode(req.Mode)
	if err != nil {
		fail(c, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("%v", err)))
		return
	}

	moderator := c.GetHeader(HeaderAccount)
	if req.Automatic {
		moderator = ""
	} else if moderator == "" {
		fail(c, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("moderated rooms need the %s header", HeaderAccount)))
		return
	}

	timeLimit, err := millis("time_limit_ms", req.TimeLimitMS)
	if err != nil {
		fail(c, err)
		return
	}

	r, err := a.rooms.Create(c.Request.Context(), room.CreateRequest{
		QuizID:     req.QuizID,
		Mode:       mode,
		GroupCount: req.GroupCount,
		TimeLimit:  timeLimit,
		Moderator:  moderator,
	})
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, r)
}

func (a *API) GetRoom(c *gin.Context) {
	r, err := a.rooms.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *API) GetRoomByCode(c *gin.Context) {
	r, err := a.rooms.GetByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *API) StartRoom(c *gin.Context) {
	r, err := a.rooms.Start(c.Request.Context(), c.Param("id"), c.GetHeader(HeaderAccount))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (a *API) AdvanceRoom(c *gin.Context) {
	res, err := a.rooms.Advance(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) FinishRoom(c *gin.Context) {
	s, err := a.rooms.Finish(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (a *API) SettleRoom(c *gin.Context) {
	s, err := a.rooms.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

type JoinRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
	AccountID   string `json:"account_id"`
	Group       int    `json:"group"`
}

func (a *API) Join(c *gin.Context) {
	var req JoinRequest
	if !bind(c, &req) {
		return
	}

	p, err := a.participants.Join(c.Request.Context(), participant.JoinRequest{
		RoomID:      c.Param("id"),
		DisplayName: req.DisplayName,
		AccountID:   req.AccountID,
		Group:       req.Group,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (a *API) ListParticipants(c *gin.Context) {
	ps, err := a.participants.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": ps})
}

func (a *API) Leave(c *gin.Context) {
	p, err := a.participants.Leave(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type SubmitAnswerRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
	QuestionID    string `json:"question_id" binding:"required"`
	OptionID      string `json:"option_id"`
	ElapsedMS     int64  `json:"elapsed_ms"`
}

const (
	statusScored          = "scored"
	statusAlreadyAnswered = "already_answered"
)

// SubmitAnswer reports a repeated submission as already answered with the
// first answer, not as an error.
func (a *API) SubmitAnswer(c *gin.Context) {
	var req SubmitAnswerRequest
	if !bind(c, &req) {
		return
	}

	elapsed, err := millis("elapsed_ms", req.ElapsedMS)
	if err != nil {
		fail(c, err)
		return
	}

	ctx := c.Request.Context()
	res, err := a.answers.Submit(ctx, answer.SubmitRequest{
		RoomID:        c.Param("id"),
		ParticipantID: req.ParticipantID,
		QuestionID:    req.QuestionID,
		OptionID:      req.OptionID,
		Elapsed:       elapsed,
	})
	if errors.ReasonOf(err) == errors.ReasonDuplicateAnswer {
		first, err := a.answers.Get(ctx, c.Param("id"), req.ParticipantID, req.QuestionID)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": statusAlreadyAnswered, "answer": first})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  statusScored,
		"answer":  res.Answer,
		"ranking": res.Ranking,
	})
}

func (a *API) GetStandings(c *gin.Context) {
	ctx := c.Request.Context()
	r, err := a.rooms.Get(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}

	es, err := a.ranking.Standings(ctx, r.ID)
	if err != nil {
		fail(c, err)
		return
	}

	resp := gin.H{"room_id": r.ID, "state": r.State, "standings": es}
	if r.Mode == domain.ModeGroup {
		resp["groups"] = ranking.Groups(es)
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) GetLeaderboard(c *gin.Context) {
	l, err := a.ls.GetLeaderboard(c.Request.Context(), leaderboard.GetLeaderboardRequest{
		RoomID: c.Param("id"),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, leaderboardData(*l))
}

func (a *API) GetCatalog(c *gin.Context) {
	bs, err := a.badges.Catalog(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"badges": bs})
}

func (a *API) GetProfile(c *gin.Context) {
	ctx := c.Request.Context()
	acc := c.Param("id")

	limit := defaultHistoryLimit
	if s := c.Query("history"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			fail(c, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("history must be a non-negative integer")))
			return
		}
		limit = n
	}

	p, err := a.ledger.Profile(ctx, acc)
	if err != nil {
		fail(c, err)
		return
	}
	stats, err := a.badges.Stats(ctx, acc)
	if err != nil {
		fail(c, err)
		return
	}

	var history []domain.XPEntry
	if limit > 0 {
		if history, err = a.ledger.History(ctx, acc, limit); err != nil {
			fail(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"profile": p,
		"stats":   stats,
		"history": history,
	})
}

type GrantXPRequest struct {
	Amount int64  `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func (a *API) GrantXP(c *gin.Context) {
	var req GrantXPRequest
	if !bind(c, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManualGrant
	}

	res, err := a.ledger.GrantXP(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) GetOwnedBadges(c *gin.Context) {
	owned, err := a.badges.Owned(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"badges": owned})
}

// PurchaseBadge reports a level drop caused by the spend in the response.
func (a *API) PurchaseBadge(c *gin.Context) {
	res, err := a.badges.Purchase(c.Request.Context(), c.Param("id"), c.Param("badge"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) GetRewards(c *gin.Context) {
	grants, err := a.rewards.Granted(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": grants})
}

// maxMillis is the largest millisecond count a time.Duration can hold.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// millis converts a non-negative millisecond count, saturating instead of overflowing.
func millis(field string, ms int64) (time.Duration, error) {
	if ms < 0 {
		return 0, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("%s must not be negative", field))
	}
	return time.Duration(min(ms, maxMillis)) * time.Millisecond, nil
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		fail(c, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("invalid request body: %v", err)))
		return false
	}
	return true
}

func fail(c *gin.Context, err error) {
	e := errors.Convert(err)
	if e.Code == errors.CodeInternal || e.Code == errors.CodeUnavailable {
		slog.ErrorContext(c.Request.Context(), "api: request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), gin.H{"error": e})
}
