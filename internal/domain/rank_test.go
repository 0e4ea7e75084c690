package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLadder() RankLadder {
	return NewRankLadder([]RankDefinition{
		{Rank: "Owner", RankOrder: 40, TotalPointsAllowance: 100},
		{Rank: "Recruit", RankOrder: 10, TotalPointsAllowance: 5},
		{Rank: "Sergeant", RankOrder: 30, TotalPointsAllowance: 20},
		{Rank: "Corporal", RankOrder: 20, TotalPointsAllowance: 10},
	})
}

func TestRankLadderNext(t *testing.T) {
	ladder := testLadder()

	tests := []struct {
		current string
		next    string
		ok      bool
	}{
		{"Recruit", "Corporal", true},
		{"corporal", "Sergeant", true},
		{"SERGEANT", "Owner", true},
		{"Owner", "", false},
		{"Unknown", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.current, func(t *testing.T) {
			next, ok := ladder.Next(tt.current)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.next, next.Rank)
		})
	}
}

func TestRankLadderIsTop(t *testing.T) {
	ladder := testLadder()
	assert.True(t, ladder.IsTop("owner"))
	assert.False(t, ladder.IsTop("Recruit"))
	assert.False(t, NewRankLadder(nil).IsTop("Owner"))
}

func TestRankLadderRanksAreOrdered(t *testing.T) {
	ranks := testLadder().Ranks()
	require.Len(t, ranks, 4)
	for i := 1; i < len(ranks); i++ {
		assert.Less(t, ranks[i-1].RankOrder, ranks[i].RankOrder)
	}
}

func TestNormalizeUsername(t *testing.T) {
	assert.Equal(t, "iron man", NormalizeUsername("Iron_Man"))
	assert.Equal(t, "iron man", NormalizeUsername("  iron man "))
	assert.True(t, SameUsername("Zezima_Jr", "zezima jr"))
	assert.False(t, SameUsername("Zezima", "Zezima2"))
}

func TestParseRequirement(t *testing.T) {
	tests := []struct {
		name    string
		row     RequirementRow
		kind    RequirementKind
		value   int64
		wantErr error
	}{
		{
			name: "points",
			row:  RequirementRow{ID: 1, Rank: "Corporal", Type: "Points", RequiredValue: "3000"},
			kind: RequirementPoints, value: 3000,
		},
		{
			name: "distinct players case-insensitive",
			row:  RequirementRow{ID: 2, Rank: "Corporal", Type: "points from x different players", RequiredValue: " 5 "},
			kind: RequirementDistinctPlayers, value: 5,
		},
		{
			name: "time in clan",
			row:  RequirementRow{ID: 3, Rank: "Corporal", Type: "Time in Clan", RequiredValue: "6"},
			kind: RequirementTimeInClan, value: 6,
		},
		{
			name:    "non numeric value",
			row:     RequirementRow{ID: 4, Rank: "Corporal", Type: "Time at Current Rank", RequiredValue: "three"},
			wantErr: ErrRecordSkipped,
		},
		{
			name:    "unknown type",
			row:     RequirementRow{ID: 5, Rank: "Corporal", Type: "Charisma", RequiredValue: "1"},
			wantErr: ErrRecordSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequirement(tt.row)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, req.Kind)
			assert.Equal(t, tt.value, req.Threshold)
		})
	}
}

func TestParseRequirementOtherKeepsDescription(t *testing.T) {
	req, err := ParseRequirement(RequirementRow{ID: 9, Rank: "Owner", Type: "Other", RequiredValue: "Lead a raid"})
	require.NoError(t, err)
	assert.Equal(t, RequirementOther, req.Kind)
	assert.Equal(t, "Lead a raid", req.Description)
	assert.Equal(t, "Other", req.Row().Type)
}
