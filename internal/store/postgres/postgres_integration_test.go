//go:build integration_test

package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"

	"github.com/victornm/quizroom/internal/answer"
	"github.com/victornm/quizroom/internal/badge"
	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/participant"
	"github.com/victornm/quizroom/internal/quiz"
	"github.com/victornm/quizroom/internal/ranking"
	"github.com/victornm/quizroom/internal/reward"
	"github.com/victornm/quizroom/internal/room"
	"github.com/victornm/quizroom/internal/store/postgres"
	"github.com/victornm/quizroom/internal/store/postgres/migrations"
	"github.com/victornm/quizroom/internal/xp"
)

var geography = domain.Quiz{
	ID:    "quiz-geo",
	Title: "Geography",
	Questions: []domain.Question{
		{ID: "q1", Prompt: "Longest river?", Options: []domain.Option{
			{ID: "a", Text: "Nile", Correct: true},
			{ID: "b", Text: "Danube"},
		}},
	},
	TimeLimit: 10 * time.Second,
	Rewards: []domain.Reward{
		{ID: "globe", Name: "Golden Globe", Type: domain.RewardTrophy},
	},
}

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_USER": "quizroom", "POSTGRES_PASSWORD": "quizroom", "POSTGRES_DB": "quizroom"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://quizroom:quizroom@%s:%s/quizroom?sslmode=disable", host, port.Port())
}

func migrateUp(t *testing.T, ctx context.Context, dsn string) {
	t.Helper()

	db := bun.NewDB(sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn))), pgdialect.New())
	defer db.Close()

	m := migrate.NewMigrator(db, migrations.Migrations)
	require.NoError(t, m.Init(ctx))
	_, err := m.Migrate(ctx)
	require.NoError(t, err)
}

type engine struct {
	rooms        *room.Manager
	participants *participant.Registry
	answers      *answer.Service
	ledger       *xp.Ledger
	rewards      *reward.Assignor
}

func newEngine(t *testing.T) engine {
	t.Helper()
	ctx := context.Background()

	dsn := startPostgres(t, ctx)
	migrateUp(t, ctx, dsn)

	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	loader := quiz.NewPostgresLoader(db)
	require.NoError(t, loader.Save(ctx, geography))

	s := postgres.NewStore(postgres.Config{DB: db})
	bus := event.NewBus()
	t.Cleanup(bus.Stop)

	quizzes := quiz.NewProvider(quiz.Config{Loader: loader, TTL: time.Minute})
	ledger := xp.NewLedger(xp.Config{Store: s})
	badges := badge.NewService(badge.Config{Store: s, Ledger: ledger})
	require.NoError(t, badges.Seed(ctx, []domain.Badge{
		{ID: "first-steps", Name: "First Steps", Requirement: domain.RequireGamesPlayed, Threshold: 1, Rarity: domain.RarityCommon, XPBonus: 5},
	}))
	rewards := reward.NewAssignor(reward.Config{Store: s})

	return engine{
		rooms: room.NewManager(room.Config{
			Store:    s,
			EventBus: bus,
			Quizzes:  quizzes,
			Ranking:  ranking.NewAggregator(ranking.Config{Store: s}),
			Rewards:  rewards,
			Ledger:   ledger,
			Badges:   badges,
			XP:       room.DefaultXP,
		}),
		participants: participant.NewRegistry(participant.Config{Store: s}),
		answers:      answer.NewService(answer.Config{EventBus: bus, Store: s, Quizzes: quizzes}),
		ledger:       ledger,
		rewards:      rewards,
	}
}

func TestPostgres_RoomLifecycle(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()

	r, err := e.rooms.Create(ctx, room.CreateRequest{QuizID: geography.ID, Moderator: "moderator-1"})
	require.NoError(t, err)

	_, err = e.rooms.Create(ctx, room.CreateRequest{QuizID: "missing", Moderator: "moderator-1"})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	amy, err := e.participants.Join(ctx, participant.JoinRequest{RoomID: r.ID, DisplayName: "amy", AccountID: "acc-amy"})
	require.NoError(t, err)
	ben, err := e.participants.Join(ctx, participant.JoinRequest{RoomID: r.ID, DisplayName: "ben", AccountID: "acc-ben"})
	require.NoError(t, err)

	_, err = e.participants.Join(ctx, participant.JoinRequest{RoomID: r.ID, DisplayName: "amy again", AccountID: "acc-amy"})
	assert.ErrorIs(t, err, errors.ErrDuplicateParticipant)

	_, err = e.rooms.Start(ctx, r.ID, "moderator-1")
	require.NoError(t, err)

	_, err = e.participants.Join(ctx, participant.JoinRequest{RoomID: r.ID, DisplayName: "late"})
	assert.ErrorIs(t, err, errors.ErrRoomNotJoinable)

	var (
		wg            sync.WaitGroup
		ok, duplicate atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.answers.Submit(ctx, answer.SubmitRequest{RoomID: r.ID, ParticipantID: amy.ID, QuestionID: "q1", OptionID: "a"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.ReasonOf(err) == errors.ReasonDuplicateAnswer:
				duplicate.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 19, duplicate.Load())

	_, err = e.answers.Submit(ctx, answer.SubmitRequest{RoomID: r.ID, ParticipantID: ben.ID, QuestionID: "q1", OptionID: "b"})
	require.NoError(t, err)

	summary, err := e.rooms.Finish(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, summary.Standings, 2)
	assert.Equal(t, amy.ID, summary.Standings[0].ParticipantID)
	assert.Equal(t, 1000, summary.Standings[0].Score)

	p, err := e.ledger.Profile(ctx, "acc-amy")
	require.NoError(t, err)
	// settlement 20 + 10 + 100, plus the first-steps unlock bonus
	assert.EqualValues(t, 135, p.XPTotal)

	again, err := e.rooms.Settle(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Accounts)

	p, err = e.ledger.Profile(ctx, "acc-amy")
	require.NoError(t, err)
	assert.EqualValues(t, 135, p.XPTotal, "settling twice pays nothing")

	grants, err := e.rewards.Granted(ctx, "acc-amy")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "globe", grants[0].RewardID)

	next, err := e.rooms.Create(ctx, room.CreateRequest{QuizID: geography.ID})
	require.NoError(t, err)
	assert.NotEqual(t, r.ID, next.ID)
}
