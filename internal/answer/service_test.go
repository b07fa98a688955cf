package answer_test

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/answer"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/quiz"
	"github.com/victornm/quizroom/internal/store"
	"github.com/victornm/quizroom/internal/store/memory"
)

var geography = domain.Quiz{
	ID:    "quiz-geo",
	Title: "Capitals",
	Questions: []domain.Question{
		{ID: "q1", Prompt: "Capital of Vietnam?", Options: []domain.Option{
			{ID: "a", Text: "Hanoi", Correct: true},
			{ID: "b", Text: "Hue"},
		}},
		{ID: "q2", Prompt: "Capital of Japan?", BasePoints: 2000, Options: []domain.Option{
			{ID: "a", Text: "Kyoto"},
			{ID: "b", Text: "Tokyo", Correct: true},
		}},
	},
	TimeLimit: 20 * time.Second,
}

type fixture struct {
	store store.Store
	svc   *answer.Service
	bus   *event.Bus
}

func setup(t *testing.T, state domain.RoomState, cursor int) fixture {
	t.Helper()

	s := memory.NewStore()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		err := tx.Rooms().Insert(ctx, domain.Room{
			ID:              "room-1",
			Code:            "482913",
			QuizID:          geography.ID,
			Mode:            domain.ModeIndividual,
			State:           state,
			CurrentQuestion: cursor,
			QuestionCount:   len(geography.Questions),
			TimeLimit:       geography.TimeLimit,
			CreatedAt:       now,
		})
		if err != nil {
			return err
		}

		for _, p := range []domain.Participant{
			{ID: "p-lan", RoomID: "room-1", AccountID: "acc-lan", DisplayName: "Lan", State: domain.ParticipantPlaying, JoinedAt: now},
			{ID: "p-minh", RoomID: "room-1", DisplayName: "Minh", State: domain.ParticipantDisconnected, JoinedAt: now},
		} {
			if err := tx.Participants().Insert(ctx, p); err != nil {
				return err
			}
			err := tx.Rankings().Create(ctx, domain.RankingEntry{
				RoomID:        p.RoomID,
				ParticipantID: p.ID,
				AccountID:     p.AccountID,
				DisplayName:   p.DisplayName,
				JoinedAt:      p.JoinedAt,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	return fixture{
		store: s,
		bus:   bus,
		svc: answer.NewService(answer.Config{
			EventBus: bus,
			Store:    s,
			Quizzes:  quiz.NewProvider(quiz.Config{Loader: quiz.NewStaticLoader(geography)}),
		}),
	}
}

func TestPoints(t *testing.T) {
	half := decimal.NewFromFloat(0.5)
	limit := 20 * time.Second

	tests := map[string]struct {
		base    int
		elapsed time.Duration
		want    int
	}{
		"instant":            {base: 1000, elapsed: 0, want: 1000},
		"a quarter in":       {base: 1000, elapsed: 5 * time.Second, want: 750},
		"rounds to nearest":  {base: 1000, elapsed: 3*time.Second + 3*time.Millisecond, want: 850},
		"floor applies":      {base: 1000, elapsed: 15 * time.Second, want: 500},
		"at the limit":       {base: 1000, elapsed: limit, want: 500},
		"custom base points": {base: 2000, elapsed: 4 * time.Second, want: 1600},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, answer.Points(tt.base, tt.elapsed, limit, half))
		})
	}
}

func TestService_Submit(t *testing.T) {
	type (
		inputs struct {
			state  domain.RoomState
			cursor int
			req    answer.SubmitRequest
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, res *answer.SubmitResponse, err error)
	}{
		"correct answer scores with decay": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomInProgress,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "a", Elapsed: 5 * time.Second},
				}
			},
			assert: func(t *testing.T, res *answer.SubmitResponse, err error) {
				require.NoError(t, err)
				assert.True(t, res.Answer.Correct)
				assert.Equal(t, 750, res.Answer.Points)
				assert.Equal(t, 750, res.Ranking.Score)
				assert.Equal(t, 1, res.Ranking.CorrectCount)
				assert.Equal(t, 5*time.Second, res.Ranking.TotalTime)
			},
		},

		"incorrect answer scores zero but counts time": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomInProgress,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "b", Elapsed: 2 * time.Second},
				}
			},
			assert: func(t *testing.T, res *answer.SubmitResponse, err error) {
				require.NoError(t, err)
				assert.False(t, res.Answer.Correct)
				assert.Zero(t, res.Answer.Points)
				assert.Zero(t, res.Ranking.CorrectCount)
				assert.Equal(t, 2*time.Second, res.Ranking.TotalTime)
			},
		},

		"time out is recorded without an option": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomInProgress,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", Elapsed: time.Minute},
				}
			},
			assert: func(t *testing.T, res *answer.SubmitResponse, err error) {
				require.NoError(t, err)
				assert.False(t, res.Answer.Correct)
				assert.Equal(t, 20*time.Second, res.Answer.Elapsed, "elapsed is clamped to the limit")
			},
		},

		"negative elapsed is clamped to zero": {
			arrange: func() inputs {
				return inputs{
					state:  domain.RoomInProgress,
					cursor: 1,
					req:    answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q2", OptionID: "b", Elapsed: -time.Second},
				}
			},
			assert: func(t *testing.T, res *answer.SubmitResponse, err error) {
				require.NoError(t, err)
				assert.Zero(t, res.Answer.Elapsed)
				assert.Equal(t, 2000, res.Answer.Points)
			},
		},

		"question other than the current one is stale": {
			arrange: func() inputs {
				return inputs{
					state:  domain.RoomInProgress,
					cursor: 1,
					req:    answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "a"},
				}
			},
			assert: func(t *testing.T, _ *answer.SubmitResponse, err error) {
				assert.ErrorIs(t, err, errors.ErrStaleQuestion)
			},
		},

		"waiting room accepts no answers": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomWaiting,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "a"},
				}
			},
			assert: func(t *testing.T, _ *answer.SubmitResponse, err error) {
				assert.ErrorIs(t, err, errors.ErrStaleQuestion)
			},
		},

		"finished room accepts no answers": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomFinished,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "a"},
				}
			},
			assert: func(t *testing.T, _ *answer.SubmitResponse, err error) {
				assert.ErrorIs(t, err, errors.ErrStaleQuestion)
			},
		},

		"option of another question": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomInProgress,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "z"},
				}
			},
			assert: func(t *testing.T, _ *answer.SubmitResponse, err error) {
				assert.ErrorIs(t, err, errors.ErrInvalidArgument)
			},
		},

		"participant who left": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomInProgress,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-minh", QuestionID: "q1", OptionID: "a"},
				}
			},
			assert: func(t *testing.T, _ *answer.SubmitResponse, err error) {
				assert.ErrorIs(t, err, errors.ErrPermissionDenied)
			},
		},

		"unknown participant": {
			arrange: func() inputs {
				return inputs{
					state: domain.RoomInProgress,
					req:   answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-ghost", QuestionID: "q1", OptionID: "a"},
				}
			},
			assert: func(t *testing.T, _ *answer.SubmitResponse, err error) {
				assert.ErrorIs(t, err, errors.ErrNotFound)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			f := setup(t, in.state, in.cursor)
			res, err := f.svc.Submit(context.Background(), in.req)
			tt.assert(t, res, err)
		})
	}
}

func TestService_Submit_PublishesScoredEvent(t *testing.T) {
	f := setup(t, domain.RoomInProgress, 0)

	got := make(chan domain.EventAnswerScored, 1)
	f.bus.Subscribe(domain.EventNameAnswerScored, func(_ context.Context, e event.Event) error {
		got <- e.(domain.EventAnswerScored)
		return nil
	})

	_, err := f.svc.Submit(context.Background(), answer.SubmitRequest{
		RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "a",
	})
	require.NoError(t, err)

	select {
	case e := <-got:
		assert.Equal(t, "482913", e.Room.Code)
		assert.Equal(t, 1000, e.Ranking.Score)
	case <-time.After(time.Second):
		t.Fatal("answer.scored was not published")
	}
}

func TestService_Submit_ConcurrentDuplicates(t *testing.T) {
	f := setup(t, domain.RoomInProgress, 0)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		ok, dup   atomic.Int32
		unhandled atomic.Int32
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, answer.SubmitRequest{
				RoomID:        "room-1",
				ParticipantID: "p-lan",
				QuestionID:    "q1",
				OptionID:      "a",
				Elapsed:       time.Duration(i) * 100 * time.Millisecond,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.ReasonOf(err) == errors.ReasonDuplicateAnswer:
				dup.Add(1)
			default:
				unhandled.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 49, dup.Load())
	assert.Zero(t, unhandled.Load())

	stored, err := f.svc.List(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)

	// the ranking counts the winning answer exactly once
	first, err := f.svc.Get(ctx, "room-1", "p-lan", "q1")
	require.NoError(t, err)
	var entry domain.RankingEntry
	require.NoError(t, f.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		es, err := tx.Rankings().ListByRoom(ctx, "room-1")
		for _, e := range es {
			if e.ParticipantID == "p-lan" {
				entry = e
			}
		}
		return err
	}))
	assert.Equal(t, first.Points, entry.Score)
	assert.Equal(t, 1, entry.CorrectCount)
}

// brokenRankings fails every increment, after the answer row was written.
type brokenRankings struct {
	store.RankingRepository
}

func (brokenRankings) Increment(context.Context, string, string, int, int, time.Duration) (domain.RankingEntry, error) {
	return domain.RankingEntry{}, errors.Unavailable(stderrors.New("connection reset"))
}

type brokenTx struct {
	store.Tx
}

func (t brokenTx) Rankings() store.RankingRepository {
	return brokenRankings{t.Tx.Rankings()}
}

type brokenStore struct {
	store.Store
}

func (s brokenStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, brokenTx{tx})
	})
}

func TestService_Submit_AbortsWithoutPartialState(t *testing.T) {
	f := setup(t, domain.RoomInProgress, 0)
	ctx := context.Background()

	broken := answer.NewService(answer.Config{
		EventBus: f.bus,
		Store:    brokenStore{f.store},
		Quizzes:  quiz.NewProvider(quiz.Config{Loader: quiz.NewStaticLoader(geography)}),
	})

	req := answer.SubmitRequest{RoomID: "room-1", ParticipantID: "p-lan", QuestionID: "q1", OptionID: "a"}

	_, err := broken.Submit(ctx, req)
	require.ErrorIs(t, err, errors.ErrStorageUnavailable)

	_, err = f.svc.Get(ctx, "room-1", "p-lan", "q1")
	assert.ErrorIs(t, err, errors.ErrNotFound, "the answer row must roll back with the failed increment")

	as, err := f.svc.List(ctx, "room-1")
	require.NoError(t, err)
	assert.Empty(t, as)

	// the participant can still answer once the storage recovers
	res, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1000, res.Ranking.Score)
}
