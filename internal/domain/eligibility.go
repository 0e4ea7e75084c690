package domain

// RequirementStatus is the evaluated state of one requirement for one member
type RequirementStatus struct {
	Requirement Requirement `json:"requirement"`
	Current     int64       `json:"current"`
	Met         bool        `json:"met"`
	Logged      bool        `json:"logged"`
}

// Eligibility describes a member's progress toward the next rank
type Eligibility struct {
	CharacterName string              `json:"character_name"`
	DiscordUID    string              `json:"discord_uid"`
	Rank          string              `json:"rank"`
	NextRank      string              `json:"next_rank"`
	Requirements  []RequirementStatus `json:"requirements"`
	Skipped       int                 `json:"skipped"`
	AllMet        bool                `json:"all_met"`
}
