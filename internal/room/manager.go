// Package room owns the room state machine: waiting, in progress, finished.
// Finishing a room settles it in the same unit of work: final positions,
// rewards, account statistics and XP are committed together or not at all.
package room

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/quizroom/internal/badge"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/ranking"
	"github.com/victornm/quizroom/internal/reward"
	"github.com/victornm/quizroom/internal/store"
	"github.com/victornm/quizroom/internal/telemetry"
	"github.com/victornm/quizroom/internal/xp"
)

const (
	maxCodeAttempts  = 8
	defaultTimeLimit = 20 * time.Second
)

type Quizzes interface {
	Get(ctx context.Context, quizID string) (domain.Quiz, error)
}

// XPConfig is what a settled room pays each account.
type XPConfig struct {
	Participation int64
	PerCorrect    int64
	// Placement[i] is paid for finishing at position i+1.
	Placement [3]int64
}

var DefaultXP = XPConfig{
	Participation: 20,
	PerCorrect:    10,
	Placement:     [3]int64{100, 50, 25},
}

type Config struct {
	Store    store.Store
	EventBus *event.Bus
	Quizzes  Quizzes
	Ranking  *ranking.Aggregator
	Rewards  *reward.Assignor
	Ledger   *xp.Ledger
	Badges   *badge.Service
	XP       XPConfig
	// DefaultTimeLimit applies when neither the request nor the quiz sets one.
	DefaultTimeLimit time.Duration
	Clock            func() time.Time
}

type Manager struct {
	store     store.Store
	eb        *event.Bus
	quizzes   Quizzes
	ranking   *ranking.Aggregator
	rewards   *reward.Assignor
	ledger    *xp.Ledger
	badges    *badge.Service
	xp        XPConfig
	timeLimit time.Duration
	clock     func() time.Time
}

func NewManager(c Config) *Manager {
	timeLimit := c.DefaultTimeLimit
	if timeLimit <= 0 {
		timeLimit = defaultTimeLimit
	}
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Manager{
		store:     c.Store,
		eb:        c.EventBus,
		quizzes:   c.Quizzes,
		ranking:   c.Ranking,
		rewards:   c.Rewards,
		ledger:    c.Ledger,
		badges:    c.Badges,
		xp:        c.XP,
		timeLimit: timeLimit,
		clock:     clock,
	}
}

type CreateRequest struct {
	QuizID string
	Mode   domain.RoomMode
	// GroupCount is 2..6 in group mode and 0 otherwise.
	GroupCount int
	TimeLimit  time.Duration
	// Moderator is empty for self-service rooms.
	Moderator string
}

// Create opens a waiting room. Moderated rooms get a 6-digit code, self-service
// rooms an AUTO code; either is unique among rooms that are not finished.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (domain.Room, error) {
	if req.Mode == 0 {
		req.Mode = domain.ModeIndividual
	}
	if err := validateGroups(req.Mode, req.GroupCount); err != nil {
		return domain.Room{}, err
	}
	if req.TimeLimit < 0 {
		return domain.Room{}, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("time limit must not be negative"))
	}

	qz, err := m.quizzes.Get(ctx, req.QuizID)
	if err != nil {
		return domain.Room{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Room{}, errors.Internal(fmt.Errorf("generate room ID: %w", err))
	}

	r := domain.Room{
		ID:            id.String(),
		QuizID:        qz.ID,
		Moderator:     req.Moderator,
		Mode:          req.Mode,
		State:         domain.RoomWaiting,
		QuestionCount: len(qz.Questions),
		TimeLimit:     m.resolveTimeLimit(req.TimeLimit, qz),
		GroupCount:    req.GroupCount,
		CreatedAt:     m.clock(),
	}

	for attempt := 1; ; attempt++ {
		if r.Code, err = newCode(req.Moderator); err != nil {
			return domain.Room{}, errors.Internal(err)
		}

		err = m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.Rooms().Insert(ctx, r)
		})
		if err == nil {
			break
		}
		if !stderrors.Is(err, errors.ErrAccessCodeTaken) || attempt == maxCodeAttempts {
			return domain.Room{}, err
		}
		slog.DebugContext(ctx, "room: access code taken, retrying", "code", r.Code, "attempt", attempt)
	}

	slog.InfoContext(ctx, "room: created",
		"room", r.ID,
		"code", r.Code,
		"quiz", r.QuizID,
		"mode", r.Mode,
	)
	m.transitioned(ctx, r)
	return r, nil
}

func validateGroups(mode domain.RoomMode, groups int) error {
	switch mode {
	case domain.ModeIndividual:
		if groups != 0 {
			return errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("individual rooms have no groups"))
		}
	case domain.ModeGroup:
		if groups < domain.MinGroups || groups > domain.MaxGroups {
			return errors.Reasoned(errors.ReasonInvalidArgument,
				errors.WithMessagef("group count must be between %d and %d, got %d", domain.MinGroups, domain.MaxGroups, groups))
		}
	default:
		return errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("unknown room mode %s", mode))
	}
	return nil
}

func (m *Manager) resolveTimeLimit(requested time.Duration, qz domain.Quiz) time.Duration {
	switch {
	case requested > 0:
		return requested
	case qz.TimeLimit > 0:
		return qz.TimeLimit
	default:
		return m.timeLimit
	}
}

func newCode(moderator string) (string, error) {
	if moderator == "" {
		return domain.NewAutomaticCode()
	}
	return domain.NewModeratorCode()
}

// Start moves a waiting room to its first question. Only the moderator may
// start a moderated room; self-service rooms accept any actor.
func (m *Manager) Start(ctx context.Context, roomID, actor string) (r domain.Room, err error) {
	err = m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if r, err = tx.Rooms().Lock(ctx, roomID, store.LockExclusive); err != nil {
			return err
		}
		if !r.Automatic() && r.Moderator != "" && r.Moderator != actor {
			return errors.Reasoned(errors.ReasonPermissionDenied,
				errors.WithMessagef("only the moderator may start room %s", r.Code))
		}
		if err := checkTransition(r, domain.RoomInProgress); err != nil {
			return err
		}

		now := m.clock()
		r.State = domain.RoomInProgress
		r.StartedAt = &now
		r.CurrentQuestion = 0
		if err := tx.Rooms().Update(ctx, r); err != nil {
			return err
		}

		_, err := tx.Participants().TransitionRoom(ctx, r.ID,
			[]domain.ParticipantState{domain.ParticipantWaiting}, domain.ParticipantPlaying)
		return err
	})
	if err != nil {
		return domain.Room{}, err
	}

	slog.InfoContext(ctx, "room: started", "room", r.ID, "code", r.Code)
	m.transitioned(ctx, r)
	return r, nil
}

func checkTransition(r domain.Room, next domain.RoomState) error {
	if r.State.CanTransitionTo(next) {
		return nil
	}
	return errors.Reasoned(errors.ReasonInvalidTransition,
		errors.WithMessagef("room %s cannot move from %s to %s", r.Code, r.State, next))
}

// AdvanceResult carries the summary when advancing past the last question finished the room.
type AdvanceResult struct {
	Room    domain.Room           `json:"room"`
	Summary *domain.FinishSummary `json:"summary,omitempty"`
}

// Advance moves the cursor to the next question. Advancing past the last
// question finishes the room instead.
func (m *Manager) Advance(ctx context.Context, roomID string) (*AdvanceResult, error) {
	qz, err := m.quizOf(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var res AdvanceResult
	err = m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.Rooms().Lock(ctx, roomID, store.LockExclusive)
		if err != nil {
			return err
		}
		if r.State != domain.RoomInProgress {
			return errors.Reasoned(errors.ReasonInvalidTransition,
				errors.WithMessagef("room %s is %s, cannot advance", r.Code, r.State))
		}

		if r.CurrentQuestion+1 >= r.QuestionCount {
			summary, err := m.finishTx(ctx, tx, r, qz)
			if err != nil {
				return err
			}
			res = AdvanceResult{Room: summary.Room, Summary: &summary}
			return nil
		}

		r.CurrentQuestion++
		res = AdvanceResult{Room: r}
		return tx.Rooms().Update(ctx, r)
	})
	if err != nil {
		return nil, err
	}

	if res.Summary != nil {
		m.finished(ctx, *res.Summary)
		return &res, nil
	}

	slog.InfoContext(ctx, "room: advanced", "room", res.Room.ID, "question", res.Room.CurrentQuestion)
	m.eb.Publish(ctx, domain.EventRoomStateChanged{Room: res.Room})
	return &res, nil
}

// Finish ends an in-progress room and settles it exactly once.
func (m *Manager) Finish(ctx context.Context, roomID string) (*domain.FinishSummary, error) {
	qz, err := m.quizOf(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var summary domain.FinishSummary
	err = m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.Rooms().Lock(ctx, roomID, store.LockExclusive)
		if err != nil {
			return err
		}
		if err := checkTransition(r, domain.RoomFinished); err != nil {
			return err
		}

		summary, err = m.finishTx(ctx, tx, r, qz)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.finished(ctx, summary)
	return &summary, nil
}

func (m *Manager) finishTx(ctx context.Context, tx store.Tx, r domain.Room, qz domain.Quiz) (domain.FinishSummary, error) {
	now := m.clock()
	r.State = domain.RoomFinished
	r.FinishedAt = &now
	if err := tx.Rooms().Update(ctx, r); err != nil {
		return domain.FinishSummary{}, err
	}

	_, err := tx.Participants().TransitionRoom(ctx, r.ID,
		[]domain.ParticipantState{domain.ParticipantWaiting, domain.ParticipantPlaying}, domain.ParticipantFinished)
	if err != nil {
		return domain.FinishSummary{}, err
	}

	return m.settleTx(ctx, tx, r, qz)
}

// Settle runs settlement for a finished room whose settlement never
// committed. It is a no-op returning the stored outcome once the room is settled.
func (m *Manager) Settle(ctx context.Context, roomID string) (*domain.FinishSummary, error) {
	qz, err := m.quizOf(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var (
		summary domain.FinishSummary
		settled bool
	)
	err = m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.Rooms().Lock(ctx, roomID, store.LockExclusive)
		if err != nil {
			return err
		}
		if r.State != domain.RoomFinished {
			return errors.Reasoned(errors.ReasonInvalidTransition,
				errors.WithMessagef("room %s is %s, only finished rooms settle", r.Code, r.State))
		}

		if r.SettledAt != nil {
			summary, err = storedSummary(ctx, tx, r)
			return err
		}

		settled = true
		summary, err = m.settleTx(ctx, tx, r, qz)
		return err
	})
	if err != nil {
		return nil, err
	}

	if settled {
		m.finished(ctx, summary)
	}
	return &summary, nil
}

func storedSummary(ctx context.Context, tx store.Tx, r domain.Room) (domain.FinishSummary, error) {
	standings, err := tx.Rankings().ListByRoom(ctx, r.ID)
	if err != nil {
		return domain.FinishSummary{}, err
	}
	grants, err := tx.Rewards().ListByRoom(ctx, r.ID)
	if err != nil {
		return domain.FinishSummary{}, err
	}
	return domain.FinishSummary{Room: r, Standings: standings, Rewards: grants}, nil
}

type accountResult struct {
	correct  int
	position int
}

func (m *Manager) settleTx(ctx context.Context, tx store.Tx, r domain.Room, qz domain.Quiz) (domain.FinishSummary, error) {
	standings, err := m.ranking.FinalizeTx(ctx, tx, r.ID)
	if err != nil {
		return domain.FinishSummary{}, fmt.Errorf("finalize ranking: %w", err)
	}

	grants, err := m.rewards.AssignTx(ctx, tx, r.ID, qz.Rewards, standings)
	if err != nil {
		return domain.FinishSummary{}, fmt.Errorf("assign rewards: %w", err)
	}

	// An account that left and rejoined has several entries; it is paid once,
	// for all its correct answers and its best position.
	results := make(map[string]accountResult)
	for _, e := range standings {
		if e.AccountID == "" {
			continue
		}
		res, ok := results[e.AccountID]
		res.correct += e.CorrectCount
		if !ok || *e.Position < res.position {
			res.position = *e.Position
		}
		results[e.AccountID] = res
	}

	accounts := make([]string, 0, len(results))
	for acc := range results {
		accounts = append(accounts, acc)
	}
	// Profiles are locked in a fixed order so concurrent settlements cannot deadlock.
	slices.Sort(accounts)

	settlements := make([]domain.AccountSettlement, 0, len(accounts))
	for _, acc := range accounts {
		res := results[acc]

		if _, err := tx.Profiles().Lock(ctx, acc); err != nil {
			return domain.FinishSummary{}, err
		}
		if _, err := m.badges.RecordGameTx(ctx, tx, acc, domain.GameResult{
			CorrectAnswers: res.correct,
			Position:       res.position,
		}); err != nil {
			return domain.FinishSummary{}, fmt.Errorf("record game of %s: %w", acc, err)
		}

		amount := m.award(res)
		// A zero award still runs the badge evaluation on the new statistics.
		g, err := m.ledger.GrantTx(ctx, tx, acc, amount, domain.ReasonRoomSettlement)
		if err != nil {
			return domain.FinishSummary{}, fmt.Errorf("grant xp to %s: %w", acc, err)
		}

		settlements = append(settlements, domain.AccountSettlement{
			AccountID:      acc,
			XPAwarded:      amount,
			LevelBefore:    g.LevelBefore,
			LevelAfter:     g.LevelAfter,
			XPTotalAfter:   g.XPTotalAfter,
			UnlockedBadges: g.Unlocked,
		})
	}

	now := m.clock()
	r.SettledAt = &now
	if err := tx.Rooms().Update(ctx, r); err != nil {
		return domain.FinishSummary{}, err
	}

	return domain.FinishSummary{
		Room:      r,
		Standings: standings,
		Rewards:   grants,
		Accounts:  settlements,
	}, nil
}

func (m *Manager) award(res accountResult) int64 {
	amount := m.xp.Participation + m.xp.PerCorrect*int64(res.correct)
	if res.position >= 1 && res.position <= len(m.xp.Placement) {
		amount += m.xp.Placement[res.position-1]
	}
	return amount
}

func (m *Manager) quizOf(ctx context.Context, roomID string) (domain.Quiz, error) {
	r, err := m.Get(ctx, roomID)
	if err != nil {
		return domain.Quiz{}, err
	}
	return m.quizzes.Get(ctx, r.QuizID)
}

func (m *Manager) transitioned(ctx context.Context, r domain.Room) {
	telemetry.RoomTransitionsTotal.WithLabelValues(r.State.String()).Inc()
	m.eb.Publish(ctx, domain.EventRoomStateChanged{Room: r})
}

func (m *Manager) finished(ctx context.Context, s domain.FinishSummary) {
	slog.InfoContext(ctx, "room: finished",
		"room", s.Room.ID,
		"code", s.Room.Code,
		"participants", len(s.Standings),
		"rewards", len(s.Rewards),
		"accounts", len(s.Accounts),
	)
	m.transitioned(ctx, s.Room)
	m.eb.Publish(ctx, domain.EventRoomFinished{Summary: s})
}

func (m *Manager) Get(ctx context.Context, roomID string) (r domain.Room, err error) {
	err = m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err = tx.Rooms().Get(ctx, roomID)
		return err
	})
	return r, err
}

// GetByCode resolves the access code of a room that is not finished.
func (m *Manager) GetByCode(ctx context.Context, code string) (r domain.Room, err error) {
	err = m.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err = tx.Rooms().GetByCode(ctx, code)
		return err
	})
	return r, err
}
