package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// RequirementKind enumerates the fixed set of requirement types
type RequirementKind int

const (
	RequirementPoints RequirementKind = iota + 1
	RequirementDistinctPlayers
	RequirementDistinctRanks
	RequirementTimeInClan
	RequirementTimeAtRank
	RequirementOther
)

var requirementLabels = map[RequirementKind]string{
	RequirementPoints:          "Points",
	RequirementDistinctPlayers: "Points from X different players",
	RequirementDistinctRanks:   "Points from X different ranks",
	RequirementTimeInClan:      "Time in Clan",
	RequirementTimeAtRank:      "Time at Current Rank",
	RequirementOther:           "Other",
}

// String returns the stored label of the kind
func (k RequirementKind) String() string {
	if label, ok := requirementLabels[k]; ok {
		return label
	}
	return fmt.Sprintf("RequirementKind(%d)", int(k))
}

// Numeric reports whether the kind carries a numeric threshold
func (k RequirementKind) Numeric() bool {
	return k != RequirementOther
}

// MarshalText encodes the kind as its stored label
func (k RequirementKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts any stored label, case-insensitively
func (k *RequirementKind) UnmarshalText(text []byte) error {
	kind, err := ParseRequirementKind(string(text))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseRequirementKind maps a stored requirement_type label to its kind
func ParseRequirementKind(label string) (RequirementKind, error) {
	for kind, known := range requirementLabels {
		if strings.EqualFold(strings.TrimSpace(label), known) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown requirement type %q", ErrInvalidRequirement, label)
}

// RequirementKinds lists every kind in display order
func RequirementKinds() []RequirementKind {
	return []RequirementKind{
		RequirementPoints,
		RequirementDistinctPlayers,
		RequirementDistinctRanks,
		RequirementTimeInClan,
		RequirementTimeAtRank,
		RequirementOther,
	}
}

// RequirementRow is a rank_requirements row as stored
type RequirementRow struct {
	ID            int64  `json:"id"`
	Rank          string `json:"rank"`
	Type          string `json:"requirement_type"`
	RequiredValue string `json:"required_value"`
}

// Requirement is a parsed rank requirement. Numeric kinds carry Threshold;
// Other carries only its free-text Description.
type Requirement struct {
	ID          int64           `json:"id"`
	Rank        string          `json:"rank"`
	Kind        RequirementKind `json:"requirement_type"`
	Threshold   int64           `json:"threshold,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ParseRequirement turns a stored row into a typed requirement. A numeric
// kind with a non-numeric value yields ErrRecordSkipped.
func ParseRequirement(row RequirementRow) (Requirement, error) {
	kind, err := ParseRequirementKind(row.Type)
	if err != nil {
		return Requirement{}, fmt.Errorf("%w: requirement %d: %v", ErrRecordSkipped, row.ID, err)
	}

	req := Requirement{ID: row.ID, Rank: row.Rank, Kind: kind}
	if !kind.Numeric() {
		req.Description = row.RequiredValue
		return req, nil
	}

	threshold, err := strconv.ParseInt(strings.TrimSpace(row.RequiredValue), 10, 64)
	if err != nil {
		return Requirement{}, fmt.Errorf("%w: requirement %d has non-numeric value %q", ErrRecordSkipped, row.ID, row.RequiredValue)
	}
	if threshold < 0 {
		return Requirement{}, fmt.Errorf("%w: requirement %d has negative value %d", ErrRecordSkipped, row.ID, threshold)
	}
	req.Threshold = threshold
	return req, nil
}

// Row converts a requirement back into its stored form
func (r Requirement) Row() RequirementRow {
	value := r.Description
	if r.Kind.Numeric() {
		value = strconv.FormatInt(r.Threshold, 10)
	}
	return RequirementRow{
		ID:            r.ID,
		Rank:          r.Rank,
		Type:          r.Kind.String(),
		RequiredValue: value,
	}
}
