// Package participant tracks who joined a room and which group they play in.
package participant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/victornm/quizroom/internal/domain"
	"github.com/victornm/quizroom/internal/errors"
	"github.com/victornm/quizroom/internal/store"
)

const maxDisplayNameLen = 64

type Config struct {
	Store store.Store
	// AllowLateGroupJoin lets group-mode rooms accept joins while in progress.
	AllowLateGroupJoin bool
	Clock              func() time.Time
}

type Registry struct {
	store     store.Store
	lateGroup bool
	clock     func() time.Time
}

func NewRegistry(c Config) *Registry {
	clock := c.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		store:     c.Store,
		lateGroup: c.AllowLateGroupJoin,
		clock:     clock,
	}
}

type JoinRequest struct {
	RoomID      string
	DisplayName string
	// AccountID is empty for anonymous participants.
	AccountID string
	// Group requests a group in 1..GroupCount; zero lets the registry pick.
	Group int
}

// Join adds a participant to the room. It fails with ErrRoomNotJoinable when
// the room no longer accepts joins and with ErrDuplicateParticipant when an
// active participant already holds the same account, or the same display name
// for anonymous joins.
func (r *Registry) Join(ctx context.Context, req JoinRequest) (p domain.Participant, err error) {
	name := strings.TrimSpace(req.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayNameLen {
		return domain.Participant{}, errors.Reasoned(errors.ReasonInvalidArgument,
			errors.WithMessagef("display name must have 1 to %d characters", maxDisplayNameLen))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return domain.Participant{}, errors.Internal(fmt.Errorf("generate participant ID: %w", err))
	}

	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Group assignment reads group sizes, so group joins serialize on the room.
		mode := store.LockShare
		room, err := tx.Rooms().Get(ctx, req.RoomID)
		if err != nil {
			return err
		}
		if room.Mode == domain.ModeGroup {
			mode = store.LockExclusive
		}
		if room, err = tx.Rooms().Lock(ctx, req.RoomID, mode); err != nil {
			return err
		}

		state, err := r.entryState(room)
		if err != nil {
			return err
		}

		group, err := r.assignGroup(ctx, tx, room, req.Group)
		if err != nil {
			return err
		}

		p = domain.Participant{
			ID:          id.String(),
			RoomID:      room.ID,
			AccountID:   req.AccountID,
			DisplayName: name,
			Group:       group,
			State:       state,
			JoinedAt:    r.clock(),
		}
		if err := tx.Participants().Insert(ctx, p); err != nil {
			return err
		}

		return tx.Rankings().Create(ctx, domain.RankingEntry{
			RoomID:        room.ID,
			ParticipantID: p.ID,
			AccountID:     p.AccountID,
			DisplayName:   p.DisplayName,
			Group:         p.Group,
			JoinedAt:      p.JoinedAt,
		})
	})
	if err != nil {
		return domain.Participant{}, err
	}

	slog.InfoContext(ctx, "participant: joined",
		"room", p.RoomID,
		"participant", p.ID,
		"group", p.Group,
		"anonymous", p.Anonymous(),
	)
	return p, nil
}

func (r *Registry) entryState(room domain.Room) (domain.ParticipantState, error) {
	switch room.State {
	case domain.RoomWaiting:
		return domain.ParticipantWaiting, nil
	case domain.RoomInProgress:
		if room.Mode == domain.ModeGroup && r.lateGroup {
			return domain.ParticipantPlaying, nil
		}
	}
	return 0, errors.Reasoned(errors.ReasonRoomNotJoinable,
		errors.WithMessagef("room %s is %s", room.Code, room.State))
}

// assignGroup honors an explicit request, otherwise picks the group with the
// fewest active members, lowest number first.
func (r *Registry) assignGroup(ctx context.Context, tx store.Tx, room domain.Room, requested int) (int, error) {
	if room.Mode != domain.ModeGroup {
		if requested != 0 {
			return 0, errors.Reasoned(errors.ReasonInvalidArgument, errors.WithMessagef("room %s has no groups", room.Code))
		}
		return 0, nil
	}

	if requested != 0 {
		if requested < 1 || requested > room.GroupCount {
			return 0, errors.Reasoned(errors.ReasonInvalidArgument,
				errors.WithMessagef("group must be between 1 and %d, got %d", room.GroupCount, requested))
		}
		return requested, nil
	}

	sizes, err := tx.Participants().GroupSizes(ctx, room.ID)
	if err != nil {
		return 0, err
	}

	best := 1
	for g := 2; g <= room.GroupCount; g++ {
		if sizes[g] < sizes[best] {
			best = g
		}
	}
	return best, nil
}

// Leave marks the participant disconnected. The row stays so its answers
// remain attributable. Leaving twice is a no-op.
func (r *Registry) Leave(ctx context.Context, participantID string) (p domain.Participant, err error) {
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if p, err = tx.Participants().Get(ctx, participantID); err != nil {
			return err
		}
		if p.State == domain.ParticipantDisconnected {
			return nil
		}
		if err := store.CheckParticipantTransition(domain.ParticipantDisconnected, p.State); err != nil {
			return err
		}

		p.State = domain.ParticipantDisconnected
		return tx.Participants().UpdateState(ctx, p.ID, p.State)
	})
	if err != nil {
		return domain.Participant{}, err
	}

	slog.InfoContext(ctx, "participant: left", "room", p.RoomID, "participant", p.ID)
	return p, nil
}

func (r *Registry) Get(ctx context.Context, participantID string) (p domain.Participant, err error) {
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err = tx.Participants().Get(ctx, participantID)
		return err
	})
	return p, err
}

func (r *Registry) List(ctx context.Context, roomID string) (ps []domain.Participant, err error) {
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Rooms().Get(ctx, roomID); err != nil {
			return err
		}
		ps, err = tx.Participants().ListByRoom(ctx, roomID)
		return err
	})
	return ps, err
}
