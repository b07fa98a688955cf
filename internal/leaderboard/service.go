package leaderboard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	// finishedTTL keeps a finished room's board readable for late viewers.
	finishedTTL = time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameAnswerScored, func(ctx context.Context, e event.Event) error {
		return s.UpdateLeaderboard(ctx, e.(domain.EventAnswerScored))
	})
	s.eb.Subscribe(domain.EventNameRoomFinished, func(ctx context.Context, e event.Event) error {
		return s.Retire(ctx, e.(domain.EventRoomFinished).Summary.Room)
	})

	return s
}

type GetLeaderboardRequest struct {
	RoomID string
	Code   string
}

// GetLeaderboard returns the live scores of a room, highest first.
func (s *Service) GetLeaderboard(ctx context.Context, req GetLeaderboardRequest) (*domain.Leaderboard, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.getLeaderboardKey(req.RoomID), 0, -1).Result()
	if err != nil {
		return nil, errors.Unavailable(fmt.Errorf("get leaderboard: %w", err))
	}

	if len(res) == 0 {
		return nil, errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef("leaderboard not found: room=%s", req.RoomID))
	}

	scores := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		scores = append(scores, domain.LeaderboardEntry{
			ParticipantID: z.Member.(string),
			Score:         z.Score,
		})
	}

	return &domain.Leaderboard{
		RoomID:  req.RoomID,
		Code:    req.Code,
		Entries: scores,
	}, nil
}

// UpdateLeaderboard mirrors the participant's running score. Scores only
// grow, so an event handled out of order never lowers the board.
func (s *Service) UpdateLeaderboard(ctx context.Context, e domain.EventAnswerScored) error {
	if err := s.redis.ZAddGT(ctx, s.getLeaderboardKey(e.Room.ID), redis.Z{
		Score:  float64(e.Ranking.Score),
		Member: e.Ranking.ParticipantID,
	}).Err(); err != nil {
		return fmt.Errorf("update leaderboard: %w", err)
	}

	return s.schedulePublishLeaderboard(ctx, e.Room, e.Answer.SubmittedAt)
}

// schedulePublishLeaderboard publishes at most one leaderboard.updated per
// room per publishInterval, across all instances sharing the redis.
func (s *Service) schedulePublishLeaderboard(ctx context.Context, r domain.Room, at time.Time) error {
	ok, err := s.redis.SetNX(ctx, s.getLeaderboardTimeKey(r.ID), at.UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publishLeaderboard(ctx, r)
}

func (s *Service) publishLeaderboard(ctx context.Context, r domain.Room) error {
	l, err := s.GetLeaderboard(ctx, GetLeaderboardRequest{
		RoomID: r.ID,
		Code:   r.Code,
	})
	if err != nil {
		return fmt.Errorf("get leaderboard failed: room=%s: %w", r.ID, err)
	}

	s.eb.Publish(ctx, domain.EventLeaderboardUpdated{
		Leaderboard: *l,
	})

	return nil
}

// Retire lets a finished room's keys expire and publishes the final board,
// which carries any scores the throttle held back.
func (s *Service) Retire(ctx context.Context, r domain.Room) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Expire(ctx, s.getLeaderboardKey(r.ID), finishedTTL)
		p.Del(ctx, s.getLeaderboardTimeKey(r.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("retire leaderboard: room=%s: %w", r.ID, err)
	}

	err = s.publishLeaderboard(ctx, r)
	if errors.ReasonOf(err) == errors.ReasonNotFound {
		// nobody answered
		return nil
	}
	return err
}

func (s *Service) getLeaderboardKey(roomID string) string {
	return fmt.Sprintf("%s:%s:leaderboard", s.prefix, roomID)
}

func (s *Service) getLeaderboardTimeKey(roomID string) string {
	return fmt.Sprintf("%s:%s:time", s.prefix, roomID)
}
