// Package postgres implements store.Store on pgx. Exclusive sections are row
// locks (SELECT ... FOR UPDATE / FOR SHARE) and every uniqueness rule is a
// database constraint whose violation is translated into a typed error.
package postgres

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store"
)

const (
	codeUniqueViolation      = "23505"
	codeInvalidText          = "22P02"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"

	maxAttempts = 3
)

// constraint2reason maps unique constraints to the condition they guard.
var constraint2reason = map[string]errors.Reason{
	"rooms_active_code_uniq":          errors.ReasonAccessCodeTaken,
	"participants_active_account_uniq": errors.ReasonDuplicateParticipant,
	"participants_active_name_uniq":    errors.ReasonDuplicateParticipant,
	"answers_once_uniq":                errors.ReasonDuplicateAnswer,
	"owned_badges_pkey":                errors.ReasonAlreadyOwned,
	"reward_grants_pkey":               errors.ReasonRewardAlreadyGranted,
}

type Config struct {
	DB *pgxpool.Pool
}

type Store struct {
	db *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(c Config) *Store {
	return &Store{db: c.DB}
}

// InTx runs fn in a read-committed transaction. Serialization failures and
// deadlocks are retried with a fresh transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.inTx(ctx, fn)
		if !retryable(err) {
			break
		}
		slog.WarnContext(ctx, "postgres: retrying transaction", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return errors.Unavailable(ctx.Err())
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return classify(err)
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	ptx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, ignoreClosed(ptx.Rollback(ctx)))
		}
	}()

	if err = fn(ctx, &tx{tx: ptx}); err != nil {
		return err
	}

	return ptx.Commit(ctx)
}

func ignoreClosed(err error) error {
	if stderrors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

// classify turns a driver error into a typed engine error. Errors already
// typed pass through; anything unclassified is storage unavailability.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}

	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		if r, ok := constraint2reason[pgErr.ConstraintName]; ok {
			return errors.Reasoned(r, errors.WithMessagef("%s", pgErr.Detail), errors.WithCause(err))
		}
	}

	return errors.Unavailable(err)
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Rooms() store.RoomRepository               { return roomRepo{t.tx} }
func (t *tx) Participants() store.ParticipantRepository { return participantRepo{t.tx} }
func (t *tx) Answers() store.AnswerRepository           { return answerRepo{t.tx} }
func (t *tx) Rankings() store.RankingRepository         { return rankingRepo{t.tx} }
func (t *tx) Profiles() store.ProfileRepository         { return profileRepo{t.tx} }
func (t *tx) Stats() store.StatsRepository              { return statsRepo{t.tx} }
func (t *tx) Badges() store.BadgeRepository             { return badgeRepo{t.tx} }
func (t *tx) Rewards() store.RewardRepository           { return rewardRepo{t.tx} }

// notFound classifies err, reporting a missing row or a malformed id as ErrNotFound.
func notFound(err error, format string, args ...any) error {
	var pgErr *pgconn.PgError
	if stderrors.Is(err, pgx.ErrNoRows) || (stderrors.As(err, &pgErr) && pgErr.Code == codeInvalidText) {
		return errors.Reasoned(errors.ReasonNotFound, errors.WithMessagef(format, args...))
	}
	return classify(err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
