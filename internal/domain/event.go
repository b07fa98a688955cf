package domain

const (
	EventNameRoomStateChanged   = "room.state_changed"
	EventNameAnswerScored       = "answer.scored"
	EventNameRoomFinished       = "room.finished"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventRoomStateChanged struct {
	Room Room
}

func (EventRoomStateChanged) Name() string { return EventNameRoomStateChanged }

// EventAnswerScored carries one accepted answer and the participant's running standing.
type EventAnswerScored struct {
	Room    Room
	Answer  Answer
	Ranking RankingEntry
}

func (EventAnswerScored) Name() string { return EventNameAnswerScored }

type EventRoomFinished struct {
	Summary FinishSummary
}

func (EventRoomFinished) Name() string { return EventNameRoomFinished }

type EventLeaderboardUpdated struct {
	Leaderboard Leaderboard
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }

// Leaderboard is the live view of a room's running scores, sorted by score in descending order.
type Leaderboard struct {
	RoomID  string
	Code    string
	Entries []LeaderboardEntry
}

type LeaderboardEntry struct {
	ParticipantID string
	Score         float64
}

// FinishSummary is produced once per room at settlement.
type FinishSummary struct {
	Room      Room                `json:"room"`
	Standings []RankingEntry      `json:"standings"`
	Rewards   []RewardGrant       `json:"rewards"`
	Accounts  []AccountSettlement `json:"accounts"`
}

// AccountSettlement is the XP and level outcome for one account in a settled room.
type AccountSettlement struct {
	AccountID      string   `json:"account_id"`
	XPAwarded      int64    `json:"xp_awarded"`
	LevelBefore    int      `json:"level_before"`
	LevelAfter     int      `json:"level_after"`
	XPTotalAfter   int64    `json:"xp_total_after"`
	UnlockedBadges []string `json:"unlocked_badges,omitempty"`
}
