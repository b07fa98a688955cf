package xp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store"
	"github.com/victornm/quizroom/internal/telemetry"
)

const defaultRepairBatch = 200

// Hook runs inside the unit of work after every ledger mutation of an
// account, with that account still locked. It returns the ids of badges it
// unlocked.
type Hook func(ctx context.Context, tx store.Tx, accountID string) ([]string, error)

type Config struct {
	Store store.Store
	Clock func() time.Time
}

type Ledger struct {
	store store.Store
	clock func() time.Time
	hooks []Hook
}

func NewLedger(c Config) *Ledger {
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Ledger{
		store: c.Store,
		clock: clock,
	}
}

// OnChange registers h to run after every grant or spend. Not safe to call
// concurrently with ledger operations; register at wiring time.
func (l *Ledger) OnChange(h Hook) {
	l.hooks = append(l.hooks, h)
}

// GrantResult reports the level movement of one grant, including XP
// granted by badges the grant unlocked.
type GrantResult struct {
	AccountID    string   `json:"account_id"`
	LevelBefore  int      `json:"level_before"`
	LevelAfter   int      `json:"level_after"`
	XPTotalAfter int64    `json:"xp_total_after"`
	LevelsGained int      `json:"levels_gained"`
	Unlocked     []string `json:"unlocked_badges,omitempty"`
}

func (l *Ledger) GrantXP(ctx context.Context, accountID string, amount int64, reason string) (res GrantResult, err error) {
	err = l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, err = l.GrantTx(ctx, tx, accountID, amount, reason)
		return err
	})
	if err != nil {
		return GrantResult{}, err
	}

	slog.InfoContext(ctx, "xp: granted",
		"account", accountID,
		"amount", amount,
		"reason", reason,
		"level", res.LevelAfter,
	)
	return res, nil
}

// GrantTx adds amount to the account inside tx and runs the change hooks.
// Grants to the same account serialize on the profile lock.
func (l *Ledger) GrantTx(ctx context.Context, tx store.Tx, accountID string, amount int64, reason string) (GrantResult, error) {
	if accountID == "" {
		return GrantResult{}, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("account is required"))
	}
	if amount < 0 {
		return GrantResult{}, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("xp amount must not be negative, got %d", amount))
	}

	p, err := tx.Profiles().Lock(ctx, accountID)
	if err != nil {
		return GrantResult{}, err
	}
	before, _ := LevelOf(p.XPTotal)

	if amount > 0 {
		if err := l.apply(ctx, tx, p, amount, reason); err != nil {
			return GrantResult{}, err
		}
		telemetry.XPGrantedTotal.WithLabelValues(reason).Add(float64(amount))
	}

	unlocked, err := l.runHooks(ctx, tx, accountID)
	if err != nil {
		return GrantResult{}, err
	}

	// Hooks may have granted more; report the final state.
	p, err = tx.Profiles().Get(ctx, accountID)
	if err != nil {
		return GrantResult{}, err
	}
	after, _ := LevelOf(p.XPTotal)

	return GrantResult{
		AccountID:    accountID,
		LevelBefore:  before,
		LevelAfter:   after,
		XPTotalAfter: p.XPTotal,
		LevelsGained: after - before,
		Unlocked:     unlocked,
	}, nil
}

// SpendResult reports the level movement of a spend. A spend may lower the level.
type SpendResult struct {
	AccountID    string `json:"account_id"`
	LevelBefore  int    `json:"level_before"`
	LevelAfter   int    `json:"level_after"`
	XPTotalAfter int64  `json:"xp_total_after"`
	LevelsLost   int    `json:"levels_lost"`
}

func (l *Ledger) SpendXP(ctx context.Context, accountID string, amount int64, reason string) (res SpendResult, err error) {
	err = l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, err = l.SpendTx(ctx, tx, accountID, amount, reason)
		return err
	})
	return res, err
}

// SpendTx subtracts amount inside tx, or fails with ErrInsufficientXP
// without touching the profile.
func (l *Ledger) SpendTx(ctx context.Context, tx store.Tx, accountID string, amount int64, reason string) (SpendResult, error) {
	if amount <= 0 {
		return SpendResult{}, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("xp amount must be positive, got %d", amount))
	}

	p, err := tx.Profiles().Lock(ctx, accountID)
	if err != nil {
		return SpendResult{}, err
	}
	if p.XPTotal < amount {
		return SpendResult{}, errors.Reasoned(errors.ReasonInsufficientXP,
			errors.WithMessagef("account %s has %d xp, needs %d", accountID, p.XPTotal, amount))
	}
	before, _ := LevelOf(p.XPTotal)

	if err := l.apply(ctx, tx, p, -amount, reason); err != nil {
		return SpendResult{}, err
	}
	telemetry.XPSpentTotal.Add(float64(amount))

	if _, err := l.runHooks(ctx, tx, accountID); err != nil {
		return SpendResult{}, err
	}

	p, err = tx.Profiles().Get(ctx, accountID)
	if err != nil {
		return SpendResult{}, err
	}
	after, _ := LevelOf(p.XPTotal)

	return SpendResult{
		AccountID:    accountID,
		LevelBefore:  before,
		LevelAfter:   after,
		XPTotalAfter: p.XPTotal,
		LevelsLost:   max(before-after, 0),
	}, nil
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, p domain.Profile, delta int64, reason string) error {
	now := l.clock()

	p.XPTotal += delta
	p.Level, p.XPWithinLevel = LevelOf(p.XPTotal)
	p.UpdatedAt = now
	if err := tx.Profiles().Save(ctx, p); err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return errors.Internal(fmt.Errorf("generate xp entry ID: %w", err))
	}

	return tx.Profiles().AppendHistory(ctx, domain.XPEntry{
		ID:           id.String(),
		AccountID:    p.AccountID,
		Delta:        delta,
		Reason:       reason,
		XPTotalAfter: p.XPTotal,
		CreatedAt:    now,
	})
}

func (l *Ledger) runHooks(ctx context.Context, tx store.Tx, accountID string) ([]string, error) {
	var unlocked []string
	for _, h := range l.hooks {
		ids, err := h(ctx, tx, accountID)
		if err != nil {
			return nil, err
		}
		unlocked = append(unlocked, ids...)
	}
	return unlocked, nil
}

// Profile returns the account's profile with level re-derived from its XP total.
func (l *Ledger) Profile(ctx context.Context, accountID string) (p domain.Profile, err error) {
	err = l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err = tx.Profiles().Get(ctx, accountID)
		return err
	})
	if err != nil {
		return domain.Profile{}, err
	}

	p.Level, p.XPWithinLevel = LevelOf(p.XPTotal)
	return p, nil
}

// History returns the newest limit entries of the account, newest first.
func (l *Ledger) History(ctx context.Context, accountID string, limit int) (h []domain.XPEntry, err error) {
	err = l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		h, err = tx.Profiles().History(ctx, accountID, limit)
		return err
	})
	return h, err
}

// RecomputeAll repairs every profile whose stored level or XP within level
// drifted from its XP total. Each account is repaired in its own unit of
// work. It returns the number of repaired profiles.
func (l *Ledger) RecomputeAll(ctx context.Context) (int, error) {
	var (
		after    string
		repaired int
	)
	for {
		var ids []string
		err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) (err error) {
			ids, err = tx.Profiles().ListAccounts(ctx, after, defaultRepairBatch)
			return err
		})
		if err != nil {
			return repaired, fmt.Errorf("list accounts after %q: %w", after, err)
		}
		if len(ids) == 0 {
			return repaired, nil
		}

		for _, id := range ids {
			fixed, err := l.repair(ctx, id)
			if err != nil {
				return repaired, fmt.Errorf("repair %s: %w", id, err)
			}
			if fixed {
				repaired++
			}
		}
		after = ids[len(ids)-1]
	}
}

func (l *Ledger) repair(ctx context.Context, accountID string) (fixed bool, err error) {
	err = l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.Profiles().Lock(ctx, accountID)
		if err != nil {
			return err
		}

		level, within := LevelOf(p.XPTotal)
		if p.Level == level && p.XPWithinLevel == within {
			return nil
		}

		slog.WarnContext(ctx, "xp: repairing drifted profile",
			"account", accountID,
			"xp_total", p.XPTotal,
			"stored_level", p.Level,
			"level", level,
		)

		p.Level, p.XPWithinLevel = level, within
		p.UpdatedAt = l.clock()
		fixed = true
		return tx.Profiles().Save(ctx, p)
	})
	return fixed, err
}
