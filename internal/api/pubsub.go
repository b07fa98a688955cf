package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizroom/internal/domain"
)

const maxConcurrent = 100

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	Leaderboard struct {
		RoomID  string             `json:"room_id"`
		Code    string             `json:"code"`
		Entries []LeaderboardEntry `json:"entries"`
	}

	LeaderboardEntry struct {
		ParticipantID string `json:"participant_id"`
		Score         string `json:"score"`
	}

	AnswerScored struct {
		ParticipantID string `json:"participant_id"`
		QuestionID    string `json:"question_id"`
		Correct       bool   `json:"correct"`
		Points        int    `json:"points"`
		Score         int    `json:"score"`
		CorrectCount  int    `json:"correct_count"`
	}
)

func (a *API) PublishRoomStateChanged(ctx context.Context, e domain.EventRoomStateChanged) error {
	return a.publishNotification(ctx, a.roomChannel(e.Room.Code), e.Name(), e.Room)
}

func (a *API) PublishAnswerScored(ctx context.Context, e domain.EventAnswerScored) error {
	return a.publishNotification(ctx, a.roomChannel(e.Room.Code), e.Name(), AnswerScored{
		ParticipantID: e.Answer.ParticipantID,
		QuestionID:    e.Answer.QuestionID,
		Correct:       e.Answer.Correct,
		Points:        e.Answer.Points,
		Score:         e.Ranking.Score,
		CorrectCount:  e.Ranking.CorrectCount,
	})
}

// PublishRoomFinished sends the summary to the room, and each account its own
// settlement.
func (a *API) PublishRoomFinished(ctx context.Context, e domain.EventRoomFinished) error {
	s := e.Summary

	var eg errgroup.Group
	eg.SetLimit(maxConcurrent)

	eg.Go(func() error {
		return a.publishNotification(ctx, a.roomChannel(s.Room.Code), e.Name(), s)
	})

	for _, acc := range s.Accounts {
		eg.Go(func() error {
			return a.publishNotification(ctx, a.accountChannel(acc.AccountID), e.Name(), acc)
		})
	}

	return eg.Wait()
}

func (a *API) PublishLeaderboardUpdated(ctx context.Context, e domain.EventLeaderboardUpdated) error {
	return a.publishNotification(ctx, a.roomChannel(e.Leaderboard.Code), e.Name(), leaderboardData(e.Leaderboard))
}

func leaderboardData(l domain.Leaderboard) Leaderboard {
	data := Leaderboard{
		RoomID:  l.RoomID,
		Code:    l.Code,
		Entries: make([]LeaderboardEntry, 0, len(l.Entries)),
	}

	for _, entry := range l.Entries {
		data.Entries = append(data.Entries, LeaderboardEntry{
			ParticipantID: entry.ParticipantID,
			Score:         strconv.FormatFloat(entry.Score, 'f', -1, 64),
		})
	}

	return data
}

func (a *API) roomChannel(code string) string {
	return fmt.Sprintf("%s:room:%s", a.prefix, code)
}

func (a *API) accountChannel(accountID string) string {
	return fmt.Sprintf("%s:account:%s", a.prefix, accountID)
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}
