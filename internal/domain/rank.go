package domain

import (
	"sort"
	"time"
)

// RankDefinition is one rung of the rank ladder
type RankDefinition struct {
	Rank                 string `json:"rank"`
	RankOrder            int    `json:"rank_order"`
	TotalPointsAllowance int64  `json:"total_points_allowance"`
}

// RankLadder is the rank table ordered by ascending seniority
type RankLadder struct {
	ranks []RankDefinition
}

// NewRankLadder sorts the definitions by rank_order
func NewRankLadder(defs []RankDefinition) RankLadder {
	ranks := make([]RankDefinition, len(defs))
	copy(ranks, defs)
	sort.Slice(ranks, func(i, j int) bool {
		return ranks[i].RankOrder < ranks[j].RankOrder
	})
	return RankLadder{ranks: ranks}
}

// Ranks returns the definitions in ascending rank_order
func (l RankLadder) Ranks() []RankDefinition {
	out := make([]RankDefinition, len(l.ranks))
	copy(out, l.ranks)
	return out
}

// Len returns the number of ranks
func (l RankLadder) Len() int {
	return len(l.ranks)
}

// Lookup finds a rank by name, case-insensitively
func (l RankLadder) Lookup(rank string) (RankDefinition, bool) {
	for _, def := range l.ranks {
		if SameRank(def.Rank, rank) {
			return def, true
		}
	}
	return RankDefinition{}, false
}

// Contains reports whether name is one of the ladder's ranks
func (l RankLadder) Contains(name string) bool {
	_, ok := l.Lookup(name)
	return ok
}

// Next returns the rank with the lowest rank_order above current. The top
// rank, and ranks missing from the ladder, have no next rank.
func (l RankLadder) Next(current string) (RankDefinition, bool) {
	def, ok := l.Lookup(current)
	if !ok {
		return RankDefinition{}, false
	}
	for _, candidate := range l.ranks {
		if candidate.RankOrder > def.RankOrder {
			return candidate, true
		}
	}
	return RankDefinition{}, false
}

// IsTop reports whether rank holds the highest rank_order
func (l RankLadder) IsTop(rank string) bool {
	if len(l.ranks) == 0 {
		return false
	}
	return SameRank(l.ranks[len(l.ranks)-1].Rank, rank)
}

// ValidationLogEntry records one satisfied requirement for one member
type ValidationLogEntry struct {
	ID            int64     `json:"id"`
	CharacterName string    `json:"character_name"`
	Rank          string    `json:"rank"`
	RequirementID int64     `json:"requirement_id"`
	ValidatedBy   string    `json:"validated_by"`
	ValidatedAt   time.Time `json:"validated_at"`
}

// SystemValidator is the validated_by value for automatic validations
const SystemValidator = "SYSTEM"
