package reconciler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	roster  []domain.RosterMember
	renames []domain.NameChange
	err     error
	onFetch func()
}

func (s *fakeSource) FetchRoster(context.Context, int64) ([]domain.RosterMember, error) {
	if s.onFetch != nil {
		s.onFetch()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.roster, nil
}

func (s *fakeSource) FetchNameChanges(context.Context, int64) ([]domain.NameChange, error) {
	return s.renames, nil
}

type memStore struct {
	mu      sync.Mutex
	members map[string]*domain.Member
	nextID  int64
	history []domain.RankHistoryEntry
	links   map[string]domain.IdentityLink
	renames map[domain.NameChange]bool
	failFor string
}

func newMemStore() *memStore {
	return &memStore{
		members: map[string]*domain.Member{},
		links:   map[string]domain.IdentityLink{},
		renames: map[domain.NameChange]bool{},
	}
}

func (s *memStore) seed(m domain.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.members[domain.NormalizeUsername(m.Username)] = &m
}

func (s *memStore) link(uid, character string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[domain.NormalizeUsername(character)] = domain.IdentityLink{DiscordUID: uid, CharacterName: character}
}

func (s *memStore) get(username string) domain.Member {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.members[domain.NormalizeUsername(username)]
}

func (s *memStore) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.history)
}

func (s *memStore) byID(id int64) *domain.Member {
	for _, m := range s.members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (s *memStore) MemberByUsername(_ context.Context, username string) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.NormalizeUsername(username)
	if key == s.failFor {
		return nil, fmt.Errorf("%w: connection reset", domain.ErrStoreError)
	}
	m, ok := s.members[key]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) InsertMember(_ context.Context, m *domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	cp := *m
	s.members[domain.NormalizeUsername(m.Username)] = &cp
	return nil
}

func (s *memStore) ChangeRank(_ context.Context, id int64, entry domain.RankHistoryEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byID(id)
	if m == nil || domain.SameRank(m.Rank, entry.Rank) {
		return false, nil
	}
	m.Rank = entry.Rank
	m.RankObtainedAt = entry.RankObtainedAt
	m.LastRankUpdate = entry.PulledAt
	s.history = append(s.history, entry)
	return true, nil
}

func (s *memStore) RecordSighting(_ context.Context, id, externalID int64, seenAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byID(id)
	restored := m.Deleted
	m.LastRosterUpdate = seenAt
	m.ExternalID = externalID
	m.Deleted = false
	return restored, nil
}

func (s *memStore) StaleMembers(_ context.Context, cutoff time.Time) ([]domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Member
	for _, m := range s.members {
		if !m.Deleted && m.LastRosterUpdate.Before(cutoff) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MarkDeleted(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.byID(id)
	if m == nil || m.Deleted {
		return false, nil
	}
	m.Deleted = true
	return true, nil
}

func (s *memStore) ApplyNameChange(_ context.Context, nc domain.NameChange) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renames[nc] {
		return false, nil
	}
	s.renames[nc] = true
	oldKey := domain.NormalizeUsername(nc.OldName)
	if m, ok := s.members[oldKey]; ok {
		delete(s.members, oldKey)
		m.Username = nc.NewName
		s.members[domain.NormalizeUsername(nc.NewName)] = m
	}
	if l, ok := s.links[oldKey]; ok {
		delete(s.links, oldKey)
		l.CharacterName = nc.NewName
		s.links[domain.NormalizeUsername(nc.NewName)] = l
	}
	return true, nil
}

func (s *memStore) IdentityByCharacterName(_ context.Context, name string) (*domain.IdentityLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[domain.NormalizeUsername(name)]
	if !ok {
		return nil, domain.ErrIdentityNotLinked
	}
	return &l, nil
}

type entitlementCall struct {
	kind, identity, rank string
}

type fakeEntitlements struct {
	mu    sync.Mutex
	calls []entitlementCall
}

func (f *fakeEntitlements) SyncRank(identity, _, rank string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entitlementCall{"sync", identity, rank})
	return true
}

func (f *fakeEntitlements) RevokeMember(identity, _, rank string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, entitlementCall{"revoke", identity, rank})
	return true
}

func (f *fakeEntitlements) count(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.kind == kind {
			n++
		}
	}
	return n
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingSink) Publish(topic string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

type fixture struct {
	source *fakeSource
	store  *memStore
	ents   *fakeEntitlements
	sink   *recordingSink
	rec    *Reconciler
	m      *metrics.Metrics
}

func newFixture(roster ...domain.RosterMember) *fixture {
	f := &fixture{
		source: &fakeSource{roster: roster},
		store:  newMemStore(),
		ents:   &fakeEntitlements{},
		sink:   &recordingSink{},
		m:      metrics.New(prometheus.NewRegistry()),
	}
	cfg := config.DefaultConfig()
	cfg.Roster.GroupID = 42
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	f.rec = New(f.source, f.store, f.ents, &cfg.Roster, &cfg.Scheduler, f.m, logger,
		WithClock(func() time.Time { return testNow }),
		WithEvents(f.sink),
	)
	return f
}

func rosterMember(id int64, name, role string) domain.RosterMember {
	return domain.RosterMember{
		ExternalID:          id,
		Username:            name,
		RoleLabel:           role,
		MembershipCreatedAt: testNow.AddDate(-1, 0, 0),
		MembershipUpdatedAt: testNow.AddDate(0, -1, 0),
	}
}

func storedMember(id int64, name, rank string) domain.Member {
	return domain.Member{
		ExternalID:       id,
		Username:         name,
		Rank:             rank,
		LastRosterUpdate: testNow.Add(-time.Hour),
	}
}

func TestRunInsertsNewMembers(t *testing.T) {
	f := newFixture(rosterMember(1, "Zezima", "Recruit"))

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Joined)

	m := f.store.get("zezima")
	assert.Equal(t, "Recruit", m.Rank)
	assert.Zero(t, m.Points)
	assert.Equal(t, testNow, m.LastRosterUpdate)
	assert.Zero(t, f.store.historyCount())
	assert.Equal(t, []string{TopicMemberJoined}, f.sink.topics)
}

func TestRunUnchangedRosterWritesNoHistory(t *testing.T) {
	f := newFixture(rosterMember(1, "iron_man", "corporal"), rosterMember(2, "Zezima", "Owner"))
	f.store.seed(storedMember(1, "Iron Man", "Corporal"))
	f.store.seed(storedMember(2, "Zezima", "Owner"))

	for i := 0; i < 2; i++ {
		res, err := f.rec.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, res.Unchanged)
		assert.Zero(t, res.RankChanges)
	}
	assert.Zero(t, f.store.historyCount())
	assert.Zero(t, f.ents.count("sync"))
}

func TestRunRankChangeAppendsHistoryOnce(t *testing.T) {
	f := newFixture(rosterMember(1, "Zezima", "Sergeant"))
	f.store.seed(storedMember(1, "Zezima", "Corporal"))
	f.store.link("u1", "Zezima")

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.RankChanges)
	assert.Equal(t, 1, f.store.historyCount())
	assert.Equal(t, "Sergeant", f.store.get("Zezima").Rank)
	assert.Equal(t, []entitlementCall{{"sync", "u1", "Sergeant"}}, f.ents.calls)

	res, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.RankChanges)
	assert.Equal(t, 1, f.store.historyCount())
	assert.Equal(t, 1, f.ents.count("sync"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.RankChanges))
}

func TestRunRankChangeWithoutLinkSkipsEntitlements(t *testing.T) {
	f := newFixture(rosterMember(1, "Zezima", "Sergeant"))
	f.store.seed(storedMember(1, "Zezima", "Corporal"))

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.RankChanges)
	assert.Zero(t, res.Failed)
	assert.Zero(t, f.ents.count("sync"))
}

func TestRunUnmappedRankStillPersists(t *testing.T) {
	f := newFixture(rosterMember(1, "Zezima", "Mystery"))
	f.store.seed(storedMember(1, "Zezima", "Corporal"))

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Mystery", f.store.get("Zezima").Rank)
}

func TestRunMarksDepartedMembersOnce(t *testing.T) {
	f := newFixture(rosterMember(1, "Stays", "Recruit"))
	f.store.seed(storedMember(1, "Stays", "Recruit"))
	gone := storedMember(2, "Gone", "Sergeant")
	gone.LastRosterUpdate = testNow.Add(-2 * time.Hour)
	f.store.seed(gone)
	f.store.link("u2", "Gone")

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Departed)
	assert.True(t, f.store.get("Gone").Deleted)
	assert.False(t, f.store.get("Stays").Deleted)
	assert.Equal(t, []entitlementCall{{"revoke", "u2", "Sergeant"}}, f.ents.calls)

	res, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Departed)
	assert.Equal(t, 1, f.ents.count("revoke"))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.MembersDeparted))
}

func TestRunReturningMemberIsRestored(t *testing.T) {
	f := newFixture(rosterMember(1, "Stays", "Recruit"))
	f.store.seed(storedMember(1, "Stays", "Recruit"))
	gone := storedMember(2, "Wanderer", "Sergeant")
	gone.LastRosterUpdate = testNow.Add(-2 * time.Hour)
	f.store.seed(gone)
	f.store.link("u2", "Wanderer")

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Departed)
	require.True(t, f.store.get("Wanderer").Deleted)

	f.source.roster = append(f.source.roster, rosterMember(2, "Wanderer", "Sergeant"))
	f.sink.topics = nil

	res, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Joined)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Departed)
	assert.False(t, f.store.get("Wanderer").Deleted)
	assert.Equal(t, []string{TopicMemberJoined}, f.sink.topics)
	assert.Equal(t, []entitlementCall{
		{"revoke", "u2", "Sergeant"},
		{"sync", "u2", "Sergeant"},
	}, f.ents.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.MembersJoined))

	res, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Joined)
	assert.Equal(t, 1, f.ents.count("sync"))
}

func TestRunEveryEventSinkReceivesEvents(t *testing.T) {
	second := &recordingSink{}
	f := newFixture(rosterMember(1, "Zezima", "Recruit"))
	WithEvents(second)(f.rec)

	_, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{TopicMemberJoined}, f.sink.topics)
	assert.Equal(t, []string{TopicMemberJoined}, second.topics)
}

func TestRunRecentlySeenMemberIsNotDeparted(t *testing.T) {
	f := newFixture(rosterMember(1, "Stays", "Recruit"))
	f.store.seed(storedMember(1, "Stays", "Recruit"))
	recent := storedMember(2, "Away", "Recruit")
	recent.LastRosterUpdate = testNow.Add(-30 * time.Minute)
	f.store.seed(recent)

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Departed)
	assert.False(t, f.store.get("Away").Deleted)
}

func TestRunStoreFailureOnlySkipsThatMember(t *testing.T) {
	f := newFixture(
		rosterMember(1, "Alpha", "Sergeant"),
		rosterMember(2, "Broken", "Sergeant"),
		rosterMember(3, "Gamma", "Sergeant"),
	)
	f.store.seed(storedMember(1, "Alpha", "Corporal"))
	f.store.seed(storedMember(2, "Broken", "Corporal"))
	f.store.seed(storedMember(3, "Gamma", "Corporal"))
	f.store.failFor = "broken"

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.RankChanges)
	assert.Equal(t, "Sergeant", f.store.get("Alpha").Rank)
	assert.Equal(t, "Corporal", f.store.get("Broken").Rank)
	assert.Equal(t, "Sergeant", f.store.get("Gamma").Rank)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.m.MemberErrors))
}

func TestRunSourceUnavailableAbortsCycle(t *testing.T) {
	f := newFixture()
	f.source.err = fmt.Errorf("%w: dial tcp: timeout", domain.ErrSourceUnavailable)
	gone := storedMember(1, "Old", "Recruit")
	gone.LastRosterUpdate = testNow.Add(-48 * time.Hour)
	f.store.seed(gone)

	_, err := f.rec.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSourceUnavailable))
	assert.False(t, f.store.get("Old").Deleted)
}

func TestRunEmptyRosterSkipsDepartures(t *testing.T) {
	f := newFixture()
	gone := storedMember(1, "Old", "Recruit")
	gone.LastRosterUpdate = testNow.Add(-48 * time.Hour)
	f.store.seed(gone)

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, res.DepartureRun)
	assert.False(t, f.store.get("Old").Deleted)
}

func TestRunStopsBetweenMembersWhenCancelled(t *testing.T) {
	f := newFixture(rosterMember(1, "Alpha", "Sergeant"), rosterMember(2, "Beta", "Sergeant"))
	f.store.seed(storedMember(1, "Alpha", "Corporal"))
	f.store.seed(storedMember(2, "Beta", "Corporal"))

	ctx, cancel := context.WithCancel(context.Background())
	f.source.onFetch = cancel

	res, err := f.rec.Run(ctx)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Zero(t, res.RankChanges)
	assert.Equal(t, "Corporal", f.store.get("Alpha").Rank)
}

func TestRunAppliesNameChangesFirst(t *testing.T) {
	f := newFixture(rosterMember(1, "New Name", "Corporal"))
	f.source.renames = []domain.NameChange{{OldName: "Old Name", NewName: "New Name"}}
	f.store.seed(storedMember(1, "Old Name", "Corporal"))

	res, err := f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Renamed)
	assert.Zero(t, res.Joined)
	assert.Equal(t, 1, res.Unchanged)

	res, err = f.rec.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Renamed)
}
