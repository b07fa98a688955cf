package domain

import (
	"fmt"
	"time"
)

// Profile is the experience bookkeeping of one account.
// XPTotal is the source of truth; Level and XPWithinLevel are derived from it.
type Profile struct {
	AccountID     string    `json:"account_id"`
	XPTotal       int64     `json:"xp_total"`
	Level         int       `json:"level"`
	XPWithinLevel int64     `json:"xp_within_level"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// XP history reasons.
const (
	ReasonBadgeUnlock    = "badge_unlock"
	ReasonBadgePurchase  = "badge_purchase"
	ReasonRoomSettlement = "room_settlement"
	ReasonManualGrant    = "manual_grant"
)

// XPEntry is an immutable record of one XP delta.
type XPEntry struct {
	ID           string    `json:"id"`
	AccountID    string    `json:"account_id"`
	Delta        int64     `json:"delta"`
	Reason       string    `json:"reason"`
	XPTotalAfter int64     `json:"xp_total_after"`
	CreatedAt    time.Time `json:"created_at"`
}

// Requirement names the account statistic a badge threshold is measured against.
type Requirement string

const (
	RequireCorrectAnswers Requirement = "correct_answers"
	RequireGamesPlayed    Requirement = "games_played"
	RequireWins           Requirement = "wins"
	RequireWinStreak      Requirement = "win_streak"
	RequirePodiums        Requirement = "podiums"
	RequireLevel          Requirement = "level"
)

func (r Requirement) Validate() error {
	switch r {
	case RequireCorrectAnswers, RequireGamesPlayed, RequireWins, RequireWinStreak, RequirePodiums, RequireLevel:
		return nil
	default:
		return fmt.Errorf("unknown badge requirement %q", string(r))
	}
}

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Badge is a catalog entry. Badges with a non-zero Price are bought with XP and never unlock automatically.
type Badge struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Requirement Requirement `json:"requirement,omitempty" yaml:"requirement"`
	Threshold   int64       `json:"threshold,omitempty" yaml:"threshold"`
	Rarity      Rarity      `json:"rarity" yaml:"rarity"`
	XPBonus     int64       `json:"xp_bonus,omitempty" yaml:"xp_bonus"`
	Price       int64       `json:"price,omitempty" yaml:"price"`
}

func (b Badge) Purchasable() bool {
	return b.Price > 0
}

type BadgeSource string

const (
	BadgeUnlocked  BadgeSource = "unlock"
	BadgePurchased BadgeSource = "purchase"
)

// OwnedBadge records that an account owns a badge. At most one per (AccountID, BadgeID).
type OwnedBadge struct {
	AccountID  string      `json:"account_id"`
	BadgeID    string      `json:"badge_id"`
	Source     BadgeSource `json:"source"`
	AcquiredAt time.Time   `json:"acquired_at"`
}

// AccountStats are the aggregate counters badge requirements are measured against.
type AccountStats struct {
	AccountID        string `json:"account_id"`
	GamesPlayed      int64  `json:"games_played"`
	CorrectAnswers   int64  `json:"correct_answers"`
	Wins             int64  `json:"wins"`
	CurrentWinStreak int64  `json:"current_win_streak"`
	BestWinStreak    int64  `json:"best_win_streak"`
	Podiums          int64  `json:"podiums"`
}

// Value returns the statistic a requirement measures. Level is read from the profile.
func (s AccountStats) Value(r Requirement, p Profile) int64 {
	switch r {
	case RequireCorrectAnswers:
		return s.CorrectAnswers
	case RequireGamesPlayed:
		return s.GamesPlayed
	case RequireWins:
		return s.Wins
	case RequireWinStreak:
		return s.BestWinStreak
	case RequirePodiums:
		return s.Podiums
	case RequireLevel:
		return int64(p.Level)
	default:
		return 0
	}
}

// GameResult is one account's outcome in a settled room.
type GameResult struct {
	CorrectAnswers int
	Position       int
}

// Apply folds a settled game into the counters.
func (s *AccountStats) Apply(r GameResult) {
	s.GamesPlayed++
	s.CorrectAnswers += int64(r.CorrectAnswers)
	if r.Position == 1 {
		s.Wins++
		s.CurrentWinStreak++
		if s.CurrentWinStreak > s.BestWinStreak {
			s.BestWinStreak = s.CurrentWinStreak
		}
	} else {
		s.CurrentWinStreak = 0
	}
	if r.Position >= 1 && r.Position <= 3 {
		s.Podiums++
	}
}
