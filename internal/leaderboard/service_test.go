package leaderboard_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
	"github.com/victornm/quizroom/internal/leaderboard"
)

func scored(roomID, participantID string, total int) domain.EventAnswerScored {
	return domain.EventAnswerScored{
		Room:    domain.Room{ID: roomID, Code: "code-" + roomID},
		Answer:  domain.Answer{RoomID: roomID, ParticipantID: participantID, SubmittedAt: time.Now()},
		Ranking: domain.RankingEntry{RoomID: roomID, ParticipantID: participantID, Score: total},
	}
}

func TestService_UpdateLeaderboard(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, scored("r1", "p1", 750)))
	require.NoError(t, s.UpdateLeaderboard(ctx, scored("r1", "p2", 1000)))

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{RoomID: "r1", Code: "code-r1"})
	require.NoError(t, err)

	want := &domain.Leaderboard{
		RoomID: "r1",
		Code:   "code-r1",
		Entries: []domain.LeaderboardEntry{
			{ParticipantID: "p2", Score: 1000},
			{ParticipantID: "p1", Score: 750},
		},
	}
	require.Equal(t, want, resp)
}

func TestService_UpdateLeaderboard_OutOfOrder(t *testing.T) {
	s, _ := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, scored("r1", "p1", 1750)))
	require.NoError(t, s.UpdateLeaderboard(ctx, scored("r1", "p1", 750)))

	resp, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{RoomID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, []domain.LeaderboardEntry{{ParticipantID: "p1", Score: 1750}}, resp.Entries)
}

func TestService_GetLeaderboard_Empty(t *testing.T) {
	s, _ := makeService(t)

	_, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{RoomID: "nobody"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestService_Retire(t *testing.T) {
	s, rs := makeService(t)
	ctx := context.Background()

	require.NoError(t, s.UpdateLeaderboard(ctx, scored("r1", "p1", 500)))
	require.NoError(t, s.Retire(ctx, domain.Room{ID: "r1"}))

	assert.Greater(t, rs.TTL("quizroom:r1:leaderboard"), time.Duration(0))
	assert.False(t, rs.Exists("quizroom:r1:time"))

	rs.FastForward(2 * time.Hour)
	_, err := s.GetLeaderboard(ctx, leaderboard.GetLeaderboardRequest{RoomID: "r1"})
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestService_Retire_PublishesFinalBoard(t *testing.T) {
	eb := event.NewBus()

	var (
		mu        sync.Mutex
		published []domain.Leaderboard
	)
	eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
		mu.Lock()
		published = append(published, e.(domain.EventLeaderboardUpdated).Leaderboard)
		mu.Unlock()
		return nil
	})

	s, _ := makeService(t, withEventBus(eb))
	ctx := context.Background()

	// the second score lands inside the throttle window and is held back
	require.NoError(t, s.UpdateLeaderboard(ctx, scored("r1", "p1", 900)))
	require.NoError(t, s.UpdateLeaderboard(ctx, scored("r1", "p2", 1200)))
	require.NoError(t, s.Retire(ctx, domain.Room{ID: "r1", Code: "code-r1"}))

	require.NoError(t, s.Retire(ctx, domain.Room{ID: "nobody"}), "a room nobody scored in retires quietly")

	eb.Stop()

	require.Len(t, published, 2)
	assert.Contains(t, published, domain.Leaderboard{
		RoomID: "r1",
		Code:   "code-r1",
		Entries: []domain.LeaderboardEntry{
			{ParticipantID: "p2", Score: 1200},
			{ParticipantID: "p1", Score: 900},
		},
	})
}

func TestServer_PublishLeaderboardUpdated(t *testing.T) {
	type (
		inputs struct {
			receivedEvents []domain.EventAnswerScored
		}

		outputs struct {
			publishedEvents []domain.EventLeaderboardUpdated
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"should publish correct event leaderboard.updated after receiving answer.scored": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventAnswerScored{scored("r1", "p1", 900)},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
				require.Equal(t, domain.Leaderboard{
					RoomID: "r1",
					Code:   "code-r1",
					Entries: []domain.LeaderboardEntry{
						{ParticipantID: "p1", Score: 900},
					},
				}, out.publishedEvents[0].Leaderboard)
			},
		},

		"should publish 2 events leaderboard.updated after receiving answer.scored for 2 different rooms": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventAnswerScored{
						scored("r1", "p1", 900),
						scored("r2", "p2", 500),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 2, "should receive 2 leaderboard updated event")
			},
		},

		"should publish 1 event leaderboard.updated after receiving answer.scored for the same room within the publish interval": {
			arrange: func() inputs {
				return inputs{
					receivedEvents: []domain.EventAnswerScored{
						scored("r1", "p1", 900),
						scored("r1", "p2", 500),
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				require.Len(t, out.publishedEvents, 1, "should receive 1 leaderboard updated event")
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in, out := tt.arrange(), outputs{}

			eb := event.NewBus()

			var mu sync.Mutex
			eb.Subscribe(domain.EventNameLeaderboardUpdated, func(ctx context.Context, e event.Event) error {
				mu.Lock()
				out.publishedEvents = append(out.publishedEvents, e.(domain.EventLeaderboardUpdated))
				mu.Unlock()
				return nil
			})

			s, _ := makeService(t,
				withEventBus(eb),
			)

			for _, e := range in.receivedEvents {
				err := s.UpdateLeaderboard(context.Background(), e)
				require.NoError(t, err)
			}

			eb.Stop()

			tt.assert(t, out)
		})
	}
}

func TestService_SubscribesToAnswerScored(t *testing.T) {
	eb := event.NewBus()
	s, _ := makeService(t, withEventBus(eb))

	eb.Publish(context.Background(), scored("r9", "p1", 300))
	eb.Stop()

	resp, err := s.GetLeaderboard(context.Background(), leaderboard.GetLeaderboardRequest{RoomID: "r9"})
	require.NoError(t, err)
	assert.Len(t, resp.Entries, 1)
}

func makeService(t *testing.T, opts ...options) (*leaderboard.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	c := leaderboard.Config{
		EventBus: event.NewBus(),
		Redis:    rc,
		Prefix:   "quizroom",
	}

	for _, opt := range opts {
		opt(&c)
	}

	return leaderboard.NewService(c), rs
}

type options func(c *leaderboard.Config)

func withEventBus(eb *event.Bus) options {
	return func(c *leaderboard.Config) {
		c.EventBus = eb
	}
}
