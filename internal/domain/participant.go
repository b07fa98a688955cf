package domain

import (
	"fmt"
	"time"
)

type ParticipantState uint8

const (
	ParticipantWaiting ParticipantState = iota + 1
	ParticipantPlaying
	ParticipantFinished
	ParticipantDisconnected
)

func (s ParticipantState) String() string {
	switch s {
	case ParticipantWaiting:
		return "waiting"
	case ParticipantPlaying:
		return "playing"
	case ParticipantFinished:
		return "finished"
	case ParticipantDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("ParticipantState(%d)", uint8(s))
	}
}

// Active reports whether the participant still occupies its identity in the room.
func (s ParticipantState) Active() bool {
	return s != ParticipantDisconnected
}

// CanTransitionTo reports whether next may follow s. Disconnecting is allowed from any active state.
func (s ParticipantState) CanTransitionTo(next ParticipantState) bool {
	switch s {
	case ParticipantWaiting:
		return next == ParticipantPlaying || next == ParticipantFinished || next == ParticipantDisconnected
	case ParticipantPlaying:
		return next == ParticipantFinished || next == ParticipantDisconnected
	case ParticipantFinished:
		return next == ParticipantDisconnected
	case ParticipantDisconnected:
		return false
	default:
		return false
	}
}

func (s ParticipantState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ParticipantState) UnmarshalText(b []byte) error {
	v, err := ParseParticipantState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseParticipantState(s string) (ParticipantState, error) {
	switch s {
	case "waiting":
		return ParticipantWaiting, nil
	case "playing":
		return ParticipantPlaying, nil
	case "finished":
		return ParticipantFinished, nil
	case "disconnected":
		return ParticipantDisconnected, nil
	default:
		return 0, fmt.Errorf("unknown participant state %q", s)
	}
}

// Participant is one joined entrant in a Room.
type Participant struct {
	ID          string           `json:"id"`
	RoomID      string           `json:"room_id"`
	AccountID   string           `json:"account_id,omitempty"` // empty for anonymous participants
	DisplayName string           `json:"display_name"`
	Group       int              `json:"group,omitempty"` // 1..GroupCount in group mode, 0 otherwise
	State       ParticipantState `json:"state"`
	JoinedAt    time.Time        `json:"joined_at"`
}

func (p Participant) Anonymous() bool {
	return p.AccountID == ""
}
