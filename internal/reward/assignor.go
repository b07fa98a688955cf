// Package reward grants a quiz's configured rewards to a finished room's top finishers.
package reward

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"time"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store"
	"github.com/victornm/quizroom/internal/telemetry"
)

// podium is how many final positions receive rewards.
const podium = 3

type Config struct {
	Store store.Store
	Clock func() time.Time
}

type Assignor struct {
	store store.Store
	clock func() time.Time
}

func NewAssignor(c Config) *Assignor {
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Assignor{store: c.Store, clock: clock}
}

func (a *Assignor) Assign(ctx context.Context, roomID string, rewards []domain.Reward, standings []domain.RankingEntry) (grants []domain.RewardGrant, err error) {
	err = a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		grants, err = a.AssignTx(ctx, tx, roomID, rewards, standings)
		return err
	})
	return grants, err
}

// AssignTx pairs rewards, in priority order, with positions 1..3 of the
// finalized standings. A reward the account already holds is skipped and the
// next pair is tried; anonymous finishers receive nothing. Rerunning it
// grants nothing new.
func (a *Assignor) AssignTx(ctx context.Context, tx store.Tx, roomID string, rewards []domain.Reward, standings []domain.RankingEntry) ([]domain.RewardGrant, error) {
	ordered := slices.Clone(rewards)
	domain.SortRewards(ordered)

	var grants []domain.RewardGrant
	for i, r := range ordered {
		if i >= podium || i >= len(standings) {
			break
		}

		e := standings[i]
		pos := i + 1
		if e.Position != nil {
			pos = *e.Position
		}
		if e.AccountID == "" {
			slog.InfoContext(ctx, "reward: skipping anonymous finisher", "room", roomID, "position", pos, "reward", r.ID)
			continue
		}

		g := domain.RewardGrant{
			AccountID: e.AccountID,
			RewardID:  r.ID,
			RoomID:    roomID,
			Position:  pos,
			GrantedAt: a.clock(),
		}
		err := tx.Rewards().Grant(ctx, g)
		if stderrors.Is(err, errors.ErrRewardAlreadyGranted) {
			telemetry.RewardsGrantedTotal.WithLabelValues(string(r.Type), "skipped").Inc()
			slog.InfoContext(ctx, "reward: already granted",
				"room", roomID,
				"account", e.AccountID,
				"reward", r.ID,
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		telemetry.RewardsGrantedTotal.WithLabelValues(string(r.Type), "granted").Inc()
		grants = append(grants, g)
	}

	return grants, nil
}

// Granted lists every reward the account holds, across rooms.
func (a *Assignor) Granted(ctx context.Context, accountID string) (grants []domain.RewardGrant, err error) {
	err = a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		grants, err = tx.Rewards().ListByAccount(ctx, accountID)
		return err
	})
	return grants, err
}
