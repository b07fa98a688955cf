// Package store defines the persistence surface of the session engine.
//
// Every mutation happens inside a unit of work opened with Store.InTx: the
// callback either returns nil and all of its writes commit, or returns an error
// and none of them do. Uniqueness rules (one answer per participant and
// question, one owned badge per account, ...) are enforced by the
// implementation and reported as typed errors from the errors package; callers
// never pre-check for duplicates.
package store

import (
	"context"
	"time"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
)

type Store interface {
	// InTx runs fn inside one unit of work. Row locks taken through the Tx are
	// held until fn returns.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Rooms() RoomRepository
	Participants() ParticipantRepository
	Answers() AnswerRepository
	Rankings() RankingRepository
	Profiles() ProfileRepository
	Stats() StatsRepository
	Badges() BadgeRepository
	Rewards() RewardRepository
}

type LockMode uint8

const (
	// LockShare lets concurrent answer ingestion proceed while blocking state transitions.
	LockShare LockMode = iota + 1
	// LockExclusive serializes state transitions of a room.
	LockExclusive
)

type RoomRepository interface {
	// Insert fails with ErrAccessCodeTaken if another non-finished room holds the code.
	Insert(ctx context.Context, r domain.Room) error
	Get(ctx context.Context, id string) (domain.Room, error)
	// GetByCode returns the non-finished room holding code.
	GetByCode(ctx context.Context, code string) (domain.Room, error)
	Lock(ctx context.Context, id string, mode LockMode) (domain.Room, error)
	Update(ctx context.Context, r domain.Room) error
}

type ParticipantRepository interface {
	// Insert fails with ErrDuplicateParticipant if an active participant holds the same identity in the room.
	Insert(ctx context.Context, p domain.Participant) error
	Get(ctx context.Context, id string) (domain.Participant, error)
	ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error)
	UpdateState(ctx context.Context, id string, state domain.ParticipantState) error
	// TransitionRoom moves every participant of the room in state from to state to.
	// It fails with ErrInvalidTransition if any from state may not move to to.
	TransitionRoom(ctx context.Context, roomID string, from []domain.ParticipantState, to domain.ParticipantState) (int, error)
	// GroupSizes counts active participants per group.
	GroupSizes(ctx context.Context, roomID string) (map[int]int, error)
}

type AnswerRepository interface {
	// Insert fails with ErrDuplicateAnswer if the participant already answered the question in the room.
	Insert(ctx context.Context, a domain.Answer) error
	Get(ctx context.Context, roomID, participantID, questionID string) (domain.Answer, error)
	ListByRoom(ctx context.Context, roomID string) ([]domain.Answer, error)
}

type RankingRepository interface {
	Create(ctx context.Context, e domain.RankingEntry) error
	// Increment atomically adds to the running totals and returns the updated entry.
	Increment(ctx context.Context, roomID, participantID string, points, correct int, elapsed time.Duration) (domain.RankingEntry, error)
	ListByRoom(ctx context.Context, roomID string) ([]domain.RankingEntry, error)
	SetPositions(ctx context.Context, roomID string, positions map[string]int) error
}

type ProfileRepository interface {
	// Lock returns the profile of the account, creating an empty one if needed,
	// and holds it exclusively for the rest of the unit of work.
	Lock(ctx context.Context, accountID string) (domain.Profile, error)
	// Get returns the stored profile, or a zero profile if the account has none.
	Get(ctx context.Context, accountID string) (domain.Profile, error)
	Save(ctx context.Context, p domain.Profile) error
	AppendHistory(ctx context.Context, e domain.XPEntry) error
	History(ctx context.Context, accountID string, limit int) ([]domain.XPEntry, error)
	// ListAccounts pages through account ids in ascending order after the given id.
	ListAccounts(ctx context.Context, after string, limit int) ([]string, error)
}

type StatsRepository interface {
	Get(ctx context.Context, accountID string) (domain.AccountStats, error)
	Save(ctx context.Context, s domain.AccountStats) error
}

type BadgeRepository interface {
	Catalog(ctx context.Context) ([]domain.Badge, error)
	UpsertCatalog(ctx context.Context, badges []domain.Badge) error
	Owned(ctx context.Context, accountID string) ([]domain.OwnedBadge, error)
	// Grant fails with ErrAlreadyOwned if the account already owns the badge.
	Grant(ctx context.Context, o domain.OwnedBadge) error
}

type RewardRepository interface {
	// Grant fails with ErrRewardAlreadyGranted if the account already holds the reward.
	Grant(ctx context.Context, g domain.RewardGrant) error
	ListByAccount(ctx context.Context, accountID string) ([]domain.RewardGrant, error)
	ListByRoom(ctx context.Context, roomID string) ([]domain.RewardGrant, error)
}

// CheckParticipantTransition fails with ErrInvalidTransition unless every
// state in from may move to to.
func CheckParticipantTransition(to domain.ParticipantState, from ...domain.ParticipantState) error {
	for _, s := range from {
		if !s.CanTransitionTo(to) {
			return errors.Reasoned(errors.ReasonInvalidTransition,
				errors.WithMessagef("participant cannot move from %s to %s", s, to))
		}
	}
	return nil
}
