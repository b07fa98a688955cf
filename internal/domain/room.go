package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// RoomState is the closed set of states of a Room. The zero value is invalid.
type RoomState uint8

const (
	RoomWaiting RoomState = iota + 1
	RoomInProgress
	RoomFinished
)

func (s RoomState) String() string {
	switch s {
	case RoomWaiting:
		return "waiting"
	case RoomInProgress:
		return "in_progress"
	case RoomFinished:
		return "finished"
	default:
		return fmt.Sprintf("RoomState(%d)", uint8(s))
	}
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Transitions are strictly forward: waiting -> in_progress -> finished.
func (s RoomState) CanTransitionTo(next RoomState) bool {
	switch s {
	case RoomWaiting:
		return next == RoomInProgress
	case RoomInProgress:
		return next == RoomFinished
	case RoomFinished:
		return false
	default:
		return false
	}
}

func (s RoomState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RoomState) UnmarshalText(b []byte) error {
	v, err := ParseRoomState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseRoomState(s string) (RoomState, error) {
	switch s {
	case "waiting":
		return RoomWaiting, nil
	case "in_progress":
		return RoomInProgress, nil
	case "finished":
		return RoomFinished, nil
	default:
		return 0, fmt.Errorf("unknown room state %q", s)
	}
}

type RoomMode uint8

const (
	ModeIndividual RoomMode = iota + 1
	ModeGroup
)

func (m RoomMode) String() string {
	switch m {
	case ModeIndividual:
		return "individual"
	case ModeGroup:
		return "group"
	default:
		return fmt.Sprintf("RoomMode(%d)", uint8(m))
	}
}

func (m RoomMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *RoomMode) UnmarshalText(b []byte) error {
	v, err := ParseRoomMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func ParseRoomMode(s string) (RoomMode, error) {
	switch s {
	case "individual", "":
		return ModeIndividual, nil
	case "group":
		return ModeGroup, nil
	default:
		return 0, fmt.Errorf("unknown room mode %q", s)
	}
}

const (
	MinGroups = 2
	MaxGroups = 6
)

// Room is one timed quiz session instance.
type Room struct {
	ID              string        `json:"id"`
	Code            string        `json:"code"`
	QuizID          string        `json:"quiz_id"`
	Moderator       string        `json:"moderator,omitempty"`
	Mode            RoomMode      `json:"mode"`
	State           RoomState     `json:"state"`
	CurrentQuestion int           `json:"current_question"`
	QuestionCount   int           `json:"question_count"`
	TimeLimit       time.Duration `json:"time_limit"`
	GroupCount      int           `json:"group_count"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	FinishedAt      *time.Time    `json:"finished_at,omitempty"`
	// SettledAt marks that rankings, rewards and XP for this room were committed.
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

// Automatic reports whether the room was opened without a human moderator.
func (r Room) Automatic() bool {
	return IsAutomaticCode(r.Code)
}

// Access codes live in two disjoint namespaces: 6 digits for moderated rooms,
// "AUTO" followed by 4 alphanumerics for self-service rooms.
const (
	automaticPrefix   = "AUTO"
	automaticCodeLen  = 8
	moderatorCodeLen  = 6
	alphanumericChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// IsAutomaticCode classifies a code as self-service iff it has length 8 and the AUTO prefix.
func IsAutomaticCode(code string) bool {
	return len(code) == automaticCodeLen && strings.HasPrefix(code, automaticPrefix)
}

// NewModeratorCode returns a random 6-digit numeric code.
func NewModeratorCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", moderatorCodeLen, n.Int64()), nil
}

// NewAutomaticCode returns AUTO followed by 4 random alphanumerics.
func NewAutomaticCode() (string, error) {
	var b strings.Builder
	b.WriteString(automaticPrefix)
	limit := big.NewInt(int64(len(alphanumericChars)))
	for b.Len() < automaticCodeLen {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b.WriteByte(alphanumericChars[n.Int64()])
	}
	return b.String(), nil
}
