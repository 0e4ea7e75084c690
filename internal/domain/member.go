package domain

import (
	"strings"
	"time"
)

// Member is a stored clan member
type Member struct {
	ID               int64     `json:"id"`
	ExternalID       int64     `json:"external_id"`
	Username         string    `json:"username"`
	Rank             string    `json:"rank"`
	RankObtainedAt   time.Time `json:"rank_obtained_at"`
	JoinedAt         time.Time `json:"joined_at"`
	Points           int64     `json:"points"`
	GivenPoints      int64     `json:"given_points"`
	LastRankUpdate   time.Time `json:"last_rank_update"`
	LastRosterUpdate time.Time `json:"last_roster_update"`
	Deleted          bool      `json:"deleted"`
}

// RosterMember is one normalized entry of the external group roster
type RosterMember struct {
	ExternalID          int64     `json:"external_id"`
	Username            string    `json:"username"`
	RoleLabel           string    `json:"role_label"`
	MembershipCreatedAt time.Time `json:"membership_created_at"`
	MembershipUpdatedAt time.Time `json:"membership_updated_at"`
}

// NameChange is a rename reported by the roster source
type NameChange struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

// RankHistoryEntry records a rank change pulled from the roster
type RankHistoryEntry struct {
	ExternalID     int64     `json:"external_id"`
	Username       string    `json:"username"`
	Rank           string    `json:"rank"`
	RankObtainedAt time.Time `json:"rank_obtained_at"`
	PulledAt       time.Time `json:"pulled_at"`
}

// IdentityLink ties a chat identity to a character name
type IdentityLink struct {
	DiscordUID    string `json:"discord_uid"`
	CharacterName string `json:"character_name"`
	Rank          string `json:"rank,omitempty"`
}

// LinkedMember is a stored member together with its linked identity
type LinkedMember struct {
	Identity IdentityLink `json:"identity"`
	Member   Member       `json:"member"`
}

// NormalizeUsername returns the lookup key for a username: lower case,
// underscores folded into spaces, surrounding space trimmed.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(strings.ReplaceAll(username, "_", " ")))
}

// SameUsername compares two usernames by their lookup keys
func SameUsername(a, b string) bool {
	return NormalizeUsername(a) == NormalizeUsername(b)
}

// SameRank compares rank labels case-insensitively
func SameRank(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
