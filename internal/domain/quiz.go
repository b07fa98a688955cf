package domain

import (
	"cmp"
	"slices"
	"time"
)

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Options    []Option `json:"options"`
	BasePoints int      `json:"base_points"` // engine default when zero
}

// CorrectOption returns the id of the correct option, or "" if none is flagged.
func (q Question) CorrectOption() string {
	for _, o := range q.Options {
		if o.Correct {
			return o.ID
		}
	}
	return ""
}

func (q Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// Quiz is the definition a room plays through, owned by the excluded CRUD layer.
type Quiz struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Questions []Question    `json:"questions"`
	TimeLimit time.Duration `json:"time_limit"`
	Rewards   []Reward      `json:"rewards"`
}

type RewardType string

const (
	RewardTrophy RewardType = "trophy"
	RewardMedal  RewardType = "medal"
	RewardBadge  RewardType = "badge"
)

func (t RewardType) priority() int {
	switch t {
	case RewardTrophy:
		return 0
	case RewardMedal:
		return 1
	case RewardBadge:
		return 2
	default:
		return 3
	}
}

// Reward is a prize configured on a quiz for top finishers.
type Reward struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Type      RewardType `json:"type"`
	Threshold int        `json:"threshold"`
}

// SortRewards orders rewards by type priority (trophy, medal, badge, others),
// then by descending threshold, then by id.
func SortRewards(rewards []Reward) {
	slices.SortStableFunc(rewards, func(a, b Reward) int {
		if c := cmp.Compare(a.Type.priority(), b.Type.priority()); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Threshold, a.Threshold); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// RewardGrant records that an account received a reward. At most one per (AccountID, RewardID).
type RewardGrant struct {
	AccountID string    `json:"account_id"`
	RewardID  string    `json:"reward_id"`
	RoomID    string    `json:"room_id"`
	Position  int       `json:"position"`
	GrantedAt time.Time `json:"granted_at"`
}
