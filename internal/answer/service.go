package answer

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/store"
	"github.com/victornm/quizroom/internal/telemetry"
)

const (
	defaultMinRatio   = 0.5
	defaultBasePoints = 1000
)

type Quizzes interface {
	Get(ctx context.Context, quizID string) (domain.Quiz, error)
}

type Config struct {
	EventBus *event.Bus
	Store    store.Store
	Quizzes  Quizzes
	// MinRatio is the share of base points a late but correct answer still earns.
	MinRatio float64
	// DefaultBasePoints applies to questions that do not set their own.
	DefaultBasePoints int
	Clock             func() time.Time
}

type Service struct {
	eb         *event.Bus
	store      store.Store
	quizzes    Quizzes
	minRatio   decimal.Decimal
	basePoints int
	clock      func() time.Time
}

func NewService(c Config) *Service {
	minRatio := c.MinRatio
	if minRatio <= 0 || minRatio > 1 {
		minRatio = defaultMinRatio
	}
	basePoints := c.DefaultBasePoints
	if basePoints <= 0 {
		basePoints = defaultBasePoints
	}
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		eb:         c.EventBus,
		store:      c.Store,
		quizzes:    c.Quizzes,
		minRatio:   decimal.NewFromFloat(minRatio),
		basePoints: basePoints,
		clock:      clock,
	}
}

type SubmitRequest struct {
	RoomID        string
	ParticipantID string
	QuestionID    string
	// OptionID is empty when the participant timed out.
	OptionID string
	Elapsed  time.Duration
}

type SubmitResponse struct {
	Answer  domain.Answer       `json:"answer"`
	Ranking domain.RankingEntry `json:"ranking"`
}

// Submit scores one answer. At most one answer per participant and question is
// ever stored: a racing duplicate fails with ErrDuplicateAnswer and never
// overwrites the first. Answers to anything but the room's current question
// fail with ErrStaleQuestion.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	res, err := s.submit(ctx, req)
	if err != nil {
		telemetry.AnswersTotal.WithLabelValues(outcome(err)).Inc()
		return nil, err
	}

	telemetry.AnswersTotal.WithLabelValues("accepted").Inc()
	telemetry.AnswerPoints.Observe(float64(res.Answer.Points))

	s.eb.Publish(ctx, domain.EventAnswerScored{
		Room:    res.room,
		Answer:  res.Answer,
		Ranking: res.Ranking,
	})

	return &res.SubmitResponse, nil
}

type submitted struct {
	SubmitResponse
	room domain.Room
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (res submitted, err error) {
	if req.QuestionID == "" {
		return res, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("question is required"))
	}

	// Load the quiz before taking row locks; the provider may hit the database.
	var room domain.Room
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		room, err = tx.Rooms().Get(ctx, req.RoomID)
		return err
	})
	if err != nil {
		return res, err
	}

	qz, err := s.quizzes.Get(ctx, room.QuizID)
	if err != nil {
		return res, fmt.Errorf("get quiz %s: %w", room.QuizID, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return res, errors.Internal(fmt.Errorf("generate answer ID: %w", err))
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// A shared lock lets answers flow in parallel while no transition can move the cursor.
		room, err := tx.Rooms().Lock(ctx, req.RoomID, store.LockShare)
		if err != nil {
			return err
		}

		q, err := currentQuestion(room, qz, req.QuestionID)
		if err != nil {
			return err
		}

		p, err := tx.Participants().Get(ctx, req.ParticipantID)
		if err != nil {
			return err
		}
		if p.RoomID != room.ID {
			return errors.Reasoned(errors.ReasonNotFound,
				errors.WithMessagef("participant %s is not in room %s", p.ID, room.Code))
		}
		if !p.State.Active() {
			return errors.Reasoned(errors.ReasonPermissionDenied,
				errors.WithMessagef("participant %s has left room %s", p.ID, room.Code))
		}

		if req.OptionID != "" && !q.HasOption(req.OptionID) {
			return errors.Reasoned(errors.ReasonInvalidArgument,
				errors.WithMessagef("option %s does not belong to question %s", req.OptionID, q.ID))
		}

		elapsed := min(max(req.Elapsed, 0), room.TimeLimit)
		correct := req.OptionID != "" && req.OptionID == q.CorrectOption()

		a := domain.Answer{
			ID:            id.String(),
			RoomID:        room.ID,
			ParticipantID: p.ID,
			QuestionID:    q.ID,
			OptionID:      req.OptionID,
			Elapsed:       elapsed,
			Correct:       correct,
			SubmittedAt:   s.clock(),
		}
		if correct {
			a.Points = Points(s.base(q), elapsed, room.TimeLimit, s.minRatio)
		}

		if err := tx.Answers().Insert(ctx, a); err != nil {
			return err
		}

		correctCount := 0
		if correct {
			correctCount = 1
		}
		entry, err := tx.Rankings().Increment(ctx, room.ID, p.ID, a.Points, correctCount, elapsed)
		if err != nil {
			return err
		}

		res = submitted{
			SubmitResponse: SubmitResponse{Answer: a, Ranking: entry},
			room:           room,
		}
		return nil
	})

	return res, err
}

func currentQuestion(room domain.Room, qz domain.Quiz, questionID string) (domain.Question, error) {
	if room.State != domain.RoomInProgress {
		return domain.Question{}, errors.Reasoned(errors.ReasonStaleQuestion,
			errors.WithMessagef("room %s is %s", room.Code, room.State))
	}
	if room.CurrentQuestion >= len(qz.Questions) {
		return domain.Question{}, errors.Internal(fmt.Errorf("room %s cursor %d outside quiz %s", room.Code, room.CurrentQuestion, qz.ID))
	}

	q := qz.Questions[room.CurrentQuestion]
	if q.ID != questionID {
		return domain.Question{}, errors.Reasoned(errors.ReasonStaleQuestion,
			errors.WithMessagef("question %s is not the current question of room %s", questionID, room.Code))
	}
	return q, nil
}

func (s *Service) base(q domain.Question) int {
	if q.BasePoints > 0 {
		return q.BasePoints
	}
	return s.basePoints
}

// Points is round(base * max(minRatio, 1 - elapsed/limit)). Elapsed is
// expected to be clamped to [0, limit] already.
func Points(base int, elapsed, limit time.Duration, minRatio decimal.Decimal) int {
	ratio := decimal.NewFromInt(1)
	if limit > 0 {
		ratio = ratio.Sub(decimal.NewFromInt(int64(elapsed)).Div(decimal.NewFromInt(int64(limit))))
	}
	if ratio.LessThan(minRatio) {
		ratio = minRatio
	}

	return int(decimal.NewFromInt(int64(base)).Mul(ratio).Round(0).IntPart())
}

// Get returns the stored answer of a participant to a question.
func (s *Service) Get(ctx context.Context, roomID, participantID, questionID string) (a domain.Answer, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err = tx.Answers().Get(ctx, roomID, participantID, questionID)
		return err
	})
	return a, err
}

func (s *Service) List(ctx context.Context, roomID string) (as []domain.Answer, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		as, err = tx.Answers().ListByRoom(ctx, roomID)
		return err
	})
	return as, err
}

func outcome(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrDuplicateAnswer):
		return "duplicate"
	case stderrors.Is(err, errors.ErrStaleQuestion):
		return "stale"
	default:
		slog.Debug("answer: rejected", "error", err)
		return "rejected"
	}
}
