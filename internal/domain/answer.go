package domain

import (
	"cmp"
	"slices"
	"time"
)

// Answer is one immutable scored response to one question by one participant.
// At most one exists per (ParticipantID, RoomID, QuestionID).
type Answer struct {
	ID            string        `json:"id"`
	RoomID        string        `json:"room_id"`
	ParticipantID string        `json:"participant_id"`
	QuestionID    string        `json:"question_id"`
	OptionID      string        `json:"option_id,omitempty"` // empty on timeout
	Elapsed       time.Duration `json:"elapsed"`
	Correct       bool          `json:"correct"`
	Points        int           `json:"points"`
	SubmittedAt   time.Time     `json:"submitted_at"`
}

// RankingEntry is the derived standing of one participant within one room.
type RankingEntry struct {
	RoomID        string        `json:"room_id"`
	ParticipantID string        `json:"participant_id"`
	AccountID     string        `json:"account_id,omitempty"`
	DisplayName   string        `json:"display_name"`
	Group         int           `json:"group,omitempty"`
	Score         int           `json:"score"`
	CorrectCount  int           `json:"correct_count"`
	TotalTime     time.Duration `json:"total_time"`
	JoinedAt      time.Time     `json:"joined_at"`
	Position      *int          `json:"position,omitempty"` // nil until the room is finished
}

// CompareStanding orders entries by score desc, correct count desc, total time asc.
// Join time and participant id break the remaining ties so the order is total.
func CompareStanding(a, b RankingEntry) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(b.CorrectCount, a.CorrectCount); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TotalTime, b.TotalTime); c != 0 {
		return c
	}
	if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ParticipantID, b.ParticipantID)
}

// SortStandings sorts entries in place by CompareStanding.
func SortStandings(entries []RankingEntry) {
	slices.SortFunc(entries, CompareStanding)
}
