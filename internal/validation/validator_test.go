package validation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

var testNow = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

type validationKey struct {
	character     string
	requirementID int64
}

type memStore struct {
	mu           sync.Mutex
	ladder       domain.RankLadder
	linked       []domain.LinkedMember
	requirements map[string][]domain.RequirementRow
	senders      map[string]int64
	senderRanks  map[string]int64
	earliest     map[string]time.Time
	validations  map[validationKey]domain.ValidationLogEntry
	failFor      string
}

func newMemStore() *memStore {
	return &memStore{
		ladder: domain.NewRankLadder([]domain.RankDefinition{
			{Rank: "Recruit", RankOrder: 1},
			{Rank: "Corporal", RankOrder: 2},
			{Rank: "Sergeant", RankOrder: 3},
		}),
		requirements: map[string][]domain.RequirementRow{},
		senders:      map[string]int64{},
		senderRanks:  map[string]int64{},
		earliest:     map[string]time.Time{},
		validations:  map[validationKey]domain.ValidationLogEntry{},
	}
}

func (s *memStore) link(uid string, m domain.Member) {
	s.linked = append(s.linked, domain.LinkedMember{
		Identity: domain.IdentityLink{DiscordUID: uid, CharacterName: m.Username},
		Member:   m,
	})
}

func (s *memStore) RankLadder(context.Context) (domain.RankLadder, error) {
	return s.ladder, nil
}

func (s *memStore) LinkedMembers(context.Context) ([]domain.LinkedMember, error) {
	return s.linked, nil
}

func (s *memStore) RequirementsForRank(_ context.Context, rank string) ([]domain.RequirementRow, error) {
	return s.requirements[rank], nil
}

func (s *memStore) DistinctSenders(_ context.Context, character string) (int64, error) {
	if character == s.failFor {
		return 0, errors.New("connection reset")
	}
	return s.senders[character], nil
}

func (s *memStore) DistinctSenderRanks(_ context.Context, character string) (int64, error) {
	return s.senderRanks[character], nil
}

func (s *memStore) EarliestTransaction(_ context.Context, character string) (time.Time, bool, error) {
	t, ok := s.earliest[character]
	return t, ok, nil
}

func (s *memStore) ValidationExists(_ context.Context, character string, requirementID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.validations[validationKey{character, requirementID}]
	return ok, nil
}

func (s *memStore) InsertValidation(_ context.Context, entry domain.ValidationLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := validationKey{entry.CharacterName, entry.RequirementID}
	if _, ok := s.validations[key]; ok {
		return false, nil
	}
	s.validations[key] = entry
	return true, nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.validations)
}

func newTestValidator(store Store) (*Validator, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(store, m, logger).WithClock(func() time.Time { return testNow }), m
}

func TestPointsRequirementThreshold(t *testing.T) {
	store := newMemStore()
	store.requirements["Corporal"] = []domain.RequirementRow{
		{ID: 1, Rank: "Corporal", Type: "Points", RequiredValue: "3000"},
	}
	store.link("u1", domain.Member{Username: "Alice", Rank: "Recruit", Points: 5000})
	store.link("u2", domain.Member{Username: "Bob", Rank: "Recruit", Points: 2000})
	v, m := newTestValidator(store)

	res, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Logged)

	entry, ok := store.validations[validationKey{"Alice", 1}]
	require.True(t, ok)
	assert.Equal(t, "Corporal", entry.Rank)
	assert.Equal(t, domain.SystemValidator, entry.ValidatedBy)
	assert.Equal(t, testNow, entry.ValidatedAt)

	_, ok = store.validations[validationKey{"Bob", 1}]
	assert.False(t, ok)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ValidationsLogged))
}

func TestRunTwiceWritesNoDuplicates(t *testing.T) {
	store := newMemStore()
	store.requirements["Corporal"] = []domain.RequirementRow{
		{ID: 1, Rank: "Corporal", Type: "Points", RequiredValue: "100"},
		{ID: 2, Rank: "Corporal", Type: "Points from X different players", RequiredValue: "2"},
		{ID: 3, Rank: "Corporal", Type: "Points from X different ranks", RequiredValue: "1"},
	}
	store.link("u1", domain.Member{Username: "Alice", Rank: "Recruit", Points: 150})
	store.senders["Alice"] = 3
	store.senderRanks["Alice"] = 1
	v, _ := newTestValidator(store)

	first, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, first.Logged)
	before := store.count()

	second, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Logged)
	assert.Equal(t, before, store.count())
}

func TestOtherRequirementNeverAutoLogged(t *testing.T) {
	store := newMemStore()
	store.requirements["Corporal"] = []domain.RequirementRow{
		{ID: 1, Rank: "Corporal", Type: "Points", RequiredValue: "10"},
		{ID: 2, Rank: "Corporal", Type: "Other", RequiredValue: "Complete a raid with staff"},
	}
	store.link("u1", domain.Member{Username: "Alice", Rank: "Recruit", Points: 500})
	v, _ := newTestValidator(store)

	_, err := v.Run(context.Background())
	require.NoError(t, err)

	_, ok := store.validations[validationKey{"Alice", 2}]
	assert.False(t, ok)

	el, err := v.Assess(context.Background(), store.ladder, store.linked[0])
	require.NoError(t, err)
	assert.False(t, el.AllMet)

	store.validations[validationKey{"Alice", 2}] = domain.ValidationLogEntry{
		CharacterName: "Alice", RequirementID: 2, ValidatedBy: "mod-1",
	}
	el, err = v.Assess(context.Background(), store.ladder, store.linked[0])
	require.NoError(t, err)
	assert.True(t, el.AllMet)
}

func TestNonNumericRequirementIsSkipped(t *testing.T) {
	store := newMemStore()
	store.requirements["Corporal"] = []domain.RequirementRow{
		{ID: 1, Rank: "Corporal", Type: "Points", RequiredValue: "lots"},
		{ID: 2, Rank: "Corporal", Type: "Points from X different players", RequiredValue: "1"},
	}
	store.link("u1", domain.Member{Username: "Alice", Rank: "Recruit"})
	store.senders["Alice"] = 4
	v, m := newTestValidator(store)

	res, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Logged)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequirementsSkipped))
}

func TestTopRankIsExempt(t *testing.T) {
	store := newMemStore()
	store.link("u1", domain.Member{Username: "Alice", Rank: "Sergeant", Points: 99999})
	store.link("u2", domain.Member{Username: "Bob", Rank: "Unranked", Points: 99999})
	v, _ := newTestValidator(store)

	res, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Members)
	assert.Zero(t, store.count())
}

func TestTimeRequirements(t *testing.T) {
	store := newMemStore()
	store.requirements["Corporal"] = []domain.RequirementRow{
		{ID: 1, Rank: "Corporal", Type: "Time in Clan", RequiredValue: "3"},
		{ID: 2, Rank: "Corporal", Type: "Time at Current Rank", RequiredValue: "2"},
	}
	store.link("u1", domain.Member{
		Username:       "Alice",
		Rank:           "Recruit",
		LastRankUpdate: testNow.AddDate(0, -2, 0),
	})
	store.earliest["Alice"] = testNow.AddDate(0, -3, 1)
	store.link("u2", domain.Member{Username: "Bob", Rank: "Recruit"})
	v, _ := newTestValidator(store)

	_, err := v.Run(context.Background())
	require.NoError(t, err)

	_, inClan := store.validations[validationKey{"Alice", 1}]
	_, atRank := store.validations[validationKey{"Alice", 2}]
	assert.False(t, inClan, "a partial third month does not count")
	assert.True(t, atRank)

	_, bobInClan := store.validations[validationKey{"Bob", 1}]
	assert.False(t, bobInClan, "no ledger entries means no time in clan")
}

func TestMemberFailureDoesNotAbortRun(t *testing.T) {
	store := newMemStore()
	store.requirements["Corporal"] = []domain.RequirementRow{
		{ID: 1, Rank: "Corporal", Type: "Points from X different players", RequiredValue: "1"},
	}
	store.link("u1", domain.Member{Username: "Alice", Rank: "Recruit"})
	store.link("u2", domain.Member{Username: "Bob", Rank: "Recruit"})
	store.senders["Bob"] = 1
	store.failFor = "Alice"
	v, _ := newTestValidator(store)

	res, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Logged)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	store := newMemStore()
	store.link("u1", domain.Member{Username: "Alice", Rank: "Recruit"})
	v, _ := newTestValidator(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := v.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.Members)
}

func TestMonthsBetween(t *testing.T) {
	base := time.Date(2024, time.January, 31, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		end  time.Time
		want int
	}{
		{"same instant", base, 0},
		{"one day later", base.AddDate(0, 0, 1), 0},
		{"end of february", time.Date(2024, time.February, 29, 10, 0, 0, 0, time.UTC), 0},
		{"first of march", time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC), 1},
		{"twelve months", time.Date(2025, time.January, 31, 10, 0, 0, 0, time.UTC), 12},
		{"just before twelve", time.Date(2025, time.January, 31, 9, 59, 0, 0, time.UTC), 11},
		{"backwards", time.Date(2023, time.November, 30, 10, 0, 0, 0, time.UTC), -2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MonthsBetween(base, tt.end))
		})
	}
}
