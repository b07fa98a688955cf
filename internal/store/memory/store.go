// Package memory is an in-process store.Store. It enforces the same uniqueness
// rules and per-key exclusive sections as the Postgres store, and rolls back
// every write of a failed unit of work.
//
// Isolation is weaker than Postgres: writes are visible to concurrent units of
// work before they commit. Answer inserts are the exception. Like a unique
// index, a racing insert of the same answer waits for the first unit of work
// to end and only then sees the row, or its absence after a rollback.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/store"
)

type answerKey struct {
	roomID, participantID, questionID string
}

func (k answerKey) String() string {
	return k.roomID + "/" + k.participantID + "/" + k.questionID
}

type rankingKey struct {
	roomID, participantID string
}

type ownedKey struct {
	accountID, badgeID string
}

type grantKey struct {
	accountID, rewardID string
}

// Store keeps all rows in maps guarded by mu. mu is only held for the
// duration of a single repository call; row locks live in roomLocks and
// accountLocks and are held until the unit of work ends.
type Store struct {
	mu           sync.Mutex
	rooms        map[string]domain.Room
	participants map[string]domain.Participant
	answers      map[answerKey]domain.Answer
	rankings     map[rankingKey]domain.RankingEntry
	profiles     map[string]domain.Profile
	history      map[string][]domain.XPEntry
	stats        map[string]domain.AccountStats
	catalog      map[string]domain.Badge
	owned        map[ownedKey]domain.OwnedBadge
	grants       map[grantKey]domain.RewardGrant

	roomLocks    *keyedLocks
	accountLocks *keyedLocks
	answerLocks  *keyedLocks
}

var _ store.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		rooms:        make(map[string]domain.Room),
		participants: make(map[string]domain.Participant),
		answers:      make(map[answerKey]domain.Answer),
		rankings:     make(map[rankingKey]domain.RankingEntry),
		profiles:     make(map[string]domain.Profile),
		history:      make(map[string][]domain.XPEntry),
		stats:        make(map[string]domain.AccountStats),
		catalog:      make(map[string]domain.Badge),
		owned:        make(map[ownedKey]domain.OwnedBadge),
		grants:       make(map[grantKey]domain.RewardGrant),
		roomLocks:    newKeyedLocks(),
		accountLocks: newKeyedLocks(),
		answerLocks:  newKeyedLocks(),
	}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	t := &tx{s: s, held: make(map[string]store.LockMode)}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			t.releaseAll()
			panic(r)
		}
	}()

	if err = fn(ctx, t); err != nil {
		t.rollback()
	}
	t.releaseAll()

	return err
}

type tx struct {
	s        *Store
	undo     []func()
	held     map[string]store.LockMode
	releases []func()
}

func (t *tx) Rooms() store.RoomRepository               { return roomRepo{t} }
func (t *tx) Participants() store.ParticipantRepository { return participantRepo{t} }
func (t *tx) Answers() store.AnswerRepository           { return answerRepo{t} }
func (t *tx) Rankings() store.RankingRepository         { return rankingRepo{t} }
func (t *tx) Profiles() store.ProfileRepository         { return profileRepo{t} }
func (t *tx) Stats() store.StatsRepository              { return statsRepo{t} }
func (t *tx) Badges() store.BadgeRepository             { return badgeRepo{t} }
func (t *tx) Rewards() store.RewardRepository           { return rewardRepo{t} }

// write runs apply under the data mutex and records how to revert it.
// apply returns the undo func, or an error if the write violates a constraint.
func (t *tx) write(apply func() (func(), error)) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	undo, err := apply()
	if err != nil {
		return err
	}
	if undo != nil {
		t.undo = append(t.undo, undo)
	}
	return nil
}

func (t *tx) read(fn func()) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	fn()
}

func (t *tx) rollback() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) releaseAll() {
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
	t.releases = nil
}

// lock acquires a row lock once per unit of work. Upgrading a shared lock is refused.
func (t *tx) lock(locks *keyedLocks, name, key string, mode store.LockMode) error {
	id := name + ":" + key
	if held, ok := t.held[id]; ok {
		if held == store.LockShare && mode == store.LockExclusive {
			return fmt.Errorf("memory: cannot upgrade shared lock on %s", id)
		}
		return nil
	}

	release := locks.acquire(key, mode)
	t.held[id] = mode
	t.releases = append(t.releases, release)
	return nil
}

type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*sync.RWMutex)}
}

func (k *keyedLocks) acquire(key string, mode store.LockMode) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = new(sync.RWMutex)
		k.locks[key] = l
	}
	k.mu.Unlock()

	if mode == store.LockShare {
		l.RLock()
		return l.RUnlock
	}
	l.Lock()
	return l.Unlock
}
