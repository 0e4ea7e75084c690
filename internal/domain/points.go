package domain

import (
	"time"
)

// PointsTransaction is one append-only ledger row
type PointsTransaction struct {
	ID             int64     `json:"id"`
	CharacterName  string    `json:"character_name"`
	PointsChange   int64     `json:"points_change"`
	Reason         string    `json:"reason"`
	RelatedUser    string    `json:"related_user"`
	PreviousPoints int64     `json:"previous_points"`
	NewPoints      int64     `json:"new_points"`
	Timestamp      time.Time `json:"timestamp"`
}

// PointsChange is a single ledger mutation applied to one member. A
// positive Delta with CountAsGiven also adds to the giver's given_points.
// When Limit is set the store rechecks it inside the write transaction.
type PointsChange struct {
	CharacterName string
	RelatedUser   string
	Delta         int64
	Reason        string
	EventID       string
	CountAsGiven  bool
	At            time.Time
	Limit         *GiveLimit
}

// GiveLimit bounds what RelatedUser may give within the window starting at
// Since: Allowance in total and RecipientCap to CharacterName.
type GiveLimit struct {
	Since        time.Time
	Allowance    int64
	RecipientCap int64
}

// PointsAward is a request to move points from one member to another. The
// giver and recipient are chat identities; they are resolved to characters
// through the identity linkage. Timestamp is when the producer sent the
// award; the ledger always records the time it was applied.
type PointsAward struct {
	GiverUID     string    `json:"giver_uid" validate:"required"`
	RecipientUID string    `json:"recipient_uid" validate:"required"`
	Points       int64     `json:"points" validate:"ne=0"`
	Reason       string    `json:"reason,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// PointsResult describes an applied points change
type PointsResult struct {
	Recipient       string `json:"recipient"`
	Giver           string `json:"giver"`
	PointsChange    int64  `json:"points_change"`
	PreviousPoints  int64  `json:"previous_points"`
	NewPoints       int64  `json:"new_points"`
	RemainingToGive int64  `json:"remaining_to_give"`
}

// PointsBalance summarizes a member's points position
type PointsBalance struct {
	CharacterName   string `json:"character_name"`
	Rank            string `json:"rank"`
	Points          int64  `json:"points"`
	GivenThisWeek   int64  `json:"given_this_week"`
	WeeklyAllowance int64  `json:"weekly_allowance"`
	RemainingToGive int64  `json:"remaining_to_give"`
}

// LeaderboardEntry is one row of the points leaderboard
type LeaderboardEntry struct {
	Position      int64  `json:"position"`
	CharacterName string `json:"character_name"`
	Points        int64  `json:"points"`
}

// RewardClaim is the outcome of a reward claim
type RewardClaim struct {
	DiscordUID    string    `json:"discord_uid"`
	CharacterName string    `json:"character_name"`
	Points        int64     `json:"points"`
	NewPoints     int64     `json:"new_points"`
	WindowEndsAt  time.Time `json:"window_ends_at"`
}
