// Package badge owns the badge catalog, the unlock evaluator and badge purchases.
package badge

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store"
	"github.com/victornm/quizroom/internal/telemetry"
	"github.com/victornm/quizroom/internal/xp"
)

type Config struct {
	Store  store.Store
	Ledger *xp.Ledger
	Clock  func() time.Time
}

type Service struct {
	store  store.Store
	ledger *xp.Ledger
	clock  func() time.Time
}

// NewService creates the service and hooks the unlock evaluator into every ledger mutation.
func NewService(c Config) *Service {
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Service{
		store:  c.Store,
		ledger: c.Ledger,
		clock:  clock,
	}

	s.ledger.OnChange(s.EvaluateTx)

	return s
}

// Evaluate unlocks every badge the account currently qualifies for.
func (s *Service) Evaluate(ctx context.Context, accountID string) (unlocked []string, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Profiles().Lock(ctx, accountID); err != nil {
			return err
		}
		unlocked, err = s.EvaluateTx(ctx, tx, accountID)
		return err
	})
	return unlocked, err
}

// EvaluateTx grants each non-purchasable, unowned badge whose requirement the
// account meets, and its XP bonus. The bonus re-enters the evaluator through
// the ledger; recursion ends because every unlock shrinks the unowned pool.
// The caller must hold the account's profile lock.
func (s *Service) EvaluateTx(ctx context.Context, tx store.Tx, accountID string) ([]string, error) {
	catalog, err := tx.Badges().Catalog(ctx)
	if err != nil {
		return nil, err
	}

	owned, err := s.ownedSet(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	stats, err := tx.Stats().Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var unlocked []string
	for _, b := range catalog {
		if b.Purchasable() || b.Requirement == "" || owned[b.ID] {
			continue
		}

		// Level can move while we iterate, so read the profile per badge.
		p, err := tx.Profiles().Get(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if stats.Value(b.Requirement, p) < b.Threshold {
			continue
		}

		err = tx.Badges().Grant(ctx, domain.OwnedBadge{
			AccountID:  accountID,
			BadgeID:    b.ID,
			Source:     domain.BadgeUnlocked,
			AcquiredAt: s.clock(),
		})
		if stderrors.Is(err, errors.ErrAlreadyOwned) {
			// unlocked by a nested evaluation
			continue
		}
		if err != nil {
			return nil, err
		}

		owned[b.ID] = true
		unlocked = append(unlocked, b.ID)
		telemetry.BadgesAcquiredTotal.WithLabelValues(string(domain.BadgeUnlocked)).Inc()
		slog.InfoContext(ctx, "badge: unlocked", "account", accountID, "badge", b.ID)

		if b.XPBonus > 0 {
			res, err := s.ledger.GrantTx(ctx, tx, accountID, b.XPBonus, domain.ReasonBadgeUnlock)
			if err != nil {
				return nil, err
			}
			for _, id := range res.Unlocked {
				owned[id] = true
			}
			unlocked = append(unlocked, res.Unlocked...)
		}
	}

	return unlocked, nil
}

func (s *Service) ownedSet(ctx context.Context, tx store.Tx, accountID string) (map[string]bool, error) {
	owned, err := tx.Badges().Owned(ctx, accountID)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(owned))
	for _, o := range owned {
		set[o.BadgeID] = true
	}
	return set, nil
}

type PurchaseResult struct {
	Badge domain.Badge   `json:"badge"`
	Spend xp.SpendResult `json:"spend"`
}

// Purchase buys a badge with XP. It fails with ErrAlreadyOwned or
// ErrInsufficientXP and then leaves both the profile and ownership untouched.
func (s *Service) Purchase(ctx context.Context, accountID, badgeID string) (res PurchaseResult, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := s.find(ctx, tx, badgeID)
		if err != nil {
			return err
		}
		if !b.Purchasable() {
			return errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("badge %s is not for sale", badgeID))
		}

		if _, err := tx.Profiles().Lock(ctx, accountID); err != nil {
			return err
		}

		err = tx.Badges().Grant(ctx, domain.OwnedBadge{
			AccountID:  accountID,
			BadgeID:    b.ID,
			Source:     domain.BadgePurchased,
			AcquiredAt: s.clock(),
		})
		if err != nil {
			return err
		}

		spend, err := s.ledger.SpendTx(ctx, tx, accountID, b.Price, domain.ReasonBadgePurchase)
		if err != nil {
			return err
		}

		res = PurchaseResult{Badge: b, Spend: spend}
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	telemetry.BadgesAcquiredTotal.WithLabelValues(string(domain.BadgePurchased)).Inc()
	slog.InfoContext(ctx, "badge: purchased",
		"account", accountID,
		"badge", badgeID,
		"price", res.Badge.Price,
		"level_before", res.Spend.LevelBefore,
		"level_after", res.Spend.LevelAfter,
	)
	return res, nil
}

func (s *Service) find(ctx context.Context, tx store.Tx, badgeID string) (domain.Badge, error) {
	catalog, err := tx.Badges().Catalog(ctx)
	if err != nil {
		return domain.Badge{}, err
	}
	for _, b := range catalog {
		if b.ID == badgeID {
			return b, nil
		}
	}
	return domain.Badge{}, errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef("badge %s not found", badgeID))
}

// RecordGameTx folds a settled game into the account's statistics. Badge
// evaluation follows on the next ledger mutation of the account.
func (s *Service) RecordGameTx(ctx context.Context, tx store.Tx, accountID string, r domain.GameResult) (domain.AccountStats, error) {
	stats, err := tx.Stats().Get(ctx, accountID)
	if err != nil {
		return domain.AccountStats{}, err
	}

	stats.AccountID = accountID
	stats.Apply(r)
	if err := tx.Stats().Save(ctx, stats); err != nil {
		return domain.AccountStats{}, err
	}
	return stats, nil
}

func (s *Service) Owned(ctx context.Context, accountID string) (owned []domain.OwnedBadge, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		owned, err = tx.Badges().Owned(ctx, accountID)
		return err
	})
	return owned, err
}

func (s *Service) Catalog(ctx context.Context) (catalog []domain.Badge, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		catalog, err = tx.Badges().Catalog(ctx)
		return err
	})
	return catalog, err
}

func (s *Service) Stats(ctx context.Context, accountID string) (stats domain.AccountStats, err error) {
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stats, err = tx.Stats().Get(ctx, accountID)
		return err
	})
	return stats, err
}

// Seed validates badges and upserts them into the catalog.
func (s *Service) Seed(ctx context.Context, badges []domain.Badge) error {
	for _, b := range badges {
		if err := Validate(b); err != nil {
			return err
		}
	}

	return s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.Badges().UpsertCatalog(ctx, badges)
	})
}
