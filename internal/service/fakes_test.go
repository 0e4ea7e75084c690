package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clan-roster/internal/domain"
)

type memStore struct {
	mu           sync.Mutex
	ladder       domain.RankLadder
	members      map[string]*domain.Member
	identities   map[string]domain.IdentityLink
	txns         []domain.PointsTransaction
	events       map[string]bool
	settings     map[string]string
	requirements map[int64]domain.RequirementRow
	validations  []domain.ValidationLogEntry
	nextReqID    int64
}

func newMemStore() *memStore {
	return &memStore{
		ladder: domain.NewRankLadder([]domain.RankDefinition{
			{Rank: "Recruit", RankOrder: 1, TotalPointsAllowance: 10},
			{Rank: "Corporal", RankOrder: 2, TotalPointsAllowance: 50},
			{Rank: "Sergeant", RankOrder: 3, TotalPointsAllowance: 100},
		}),
		members:      map[string]*domain.Member{},
		identities:   map[string]domain.IdentityLink{},
		events:       map[string]bool{},
		settings:     map[string]string{},
		requirements: map[int64]domain.RequirementRow{},
	}
}

func (s *memStore) addMember(uid, name, rank string, points int64) {
	s.members[domain.NormalizeUsername(name)] = &domain.Member{
		ID:       int64(len(s.members) + 1),
		Username: name,
		Rank:     rank,
		Points:   points,
	}
	if uid != "" {
		s.identities[uid] = domain.IdentityLink{DiscordUID: uid, CharacterName: name, Rank: rank}
	}
}

func (s *memStore) points(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[domain.NormalizeUsername(name)].Points
}

func (s *memStore) IdentityByDiscordUID(_ context.Context, uid string) (*domain.IdentityLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.identities[uid]
	if !ok {
		return nil, domain.ErrIdentityNotLinked
	}
	return &link, nil
}

func (s *memStore) MemberByUsername(_ context.Context, username string) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[domain.NormalizeUsername(username)]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) RankLadder(context.Context) (domain.RankLadder, error) {
	return s.ladder, nil
}

func (s *memStore) ApplyPointsChange(_ context.Context, change domain.PointsChange) (domain.PointsTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if change.EventID != "" && s.events[change.EventID] {
		return domain.PointsTransaction{}, domain.ErrDuplicateEvent
	}
	m, ok := s.members[domain.NormalizeUsername(change.CharacterName)]
	if !ok || m.Deleted {
		return domain.PointsTransaction{}, domain.ErrMemberNotFound
	}
	if m.Points+change.Delta < 0 {
		return domain.PointsTransaction{}, domain.ErrNegativeBalance
	}
	if l := change.Limit; l != nil {
		if s.sumGivenLocked(change.RelatedUser, "", l.Since)+change.Delta > l.Allowance {
			return domain.PointsTransaction{}, domain.ErrInsufficientAllowance
		}
		if s.sumGivenLocked(change.RelatedUser, change.CharacterName, l.Since)+change.Delta > l.RecipientCap {
			return domain.PointsTransaction{}, domain.ErrWeeklyRecipientCap
		}
	}
	txn := domain.PointsTransaction{
		ID:             int64(len(s.txns) + 1),
		CharacterName:  m.Username,
		PointsChange:   change.Delta,
		Reason:         change.Reason,
		RelatedUser:    change.RelatedUser,
		PreviousPoints: m.Points,
		NewPoints:      m.Points + change.Delta,
		Timestamp:      change.At,
	}
	m.Points = txn.NewPoints
	if change.CountAsGiven && change.Delta > 0 {
		if giver, ok := s.members[domain.NormalizeUsername(change.RelatedUser)]; ok {
			giver.GivenPoints += change.Delta
		}
	}
	if change.EventID != "" {
		s.events[change.EventID] = true
	}
	s.txns = append(s.txns, txn)
	return txn, nil
}

func (s *memStore) PointsGivenSince(_ context.Context, giver string, since time.Time) (int64, error) {
	return s.sumGiven(giver, "", since), nil
}

func (s *memStore) PointsGivenToSince(_ context.Context, giver, recipient string, since time.Time) (int64, error) {
	return s.sumGiven(giver, recipient, since), nil
}

func (s *memStore) sumGiven(giver, recipient string, since time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumGivenLocked(giver, recipient, since)
}

func (s *memStore) sumGivenLocked(giver, recipient string, since time.Time) int64 {
	var total int64
	for _, t := range s.txns {
		if t.PointsChange <= 0 || t.Timestamp.Before(since) || !domain.SameUsername(t.RelatedUser, giver) {
			continue
		}
		if recipient != "" && !domain.SameUsername(t.CharacterName, recipient) {
			continue
		}
		total += t.PointsChange
	}
	return total
}

func (s *memStore) TopPoints(_ context.Context, limit int) ([]domain.LeaderboardEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []domain.LeaderboardEntry
	for _, m := range s.members {
		entries = append(entries, domain.LeaderboardEntry{CharacterName: m.Username, Points: m.Points})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Points > entries[j].Points })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Position = int64(i + 1)
	}
	return entries, nil
}

func (s *memStore) AllPoints(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.members))
	for _, m := range s.members {
		out[m.Username] = m.Points
	}
	return out, nil
}

func (s *memStore) GetSetting(_ context.Context, key string) (string, bool, error) {
	v, ok := s.settings[key]
	return v, ok, nil
}

func (s *memStore) SetSetting(_ context.Context, key, value string) error {
	s.settings[key] = value
	return nil
}

func (s *memStore) TransactionsFor(_ context.Context, character string, limit int) ([]domain.PointsTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.PointsTransaction
	for i := len(s.txns) - 1; i >= 0 && len(out) < limit; i-- {
		if domain.SameUsername(s.txns[i].CharacterName, character) {
			out = append(out, s.txns[i])
		}
	}
	return out, nil
}

func (s *memStore) ListRequirements(context.Context) ([]domain.RequirementRow, error) {
	var rows []domain.RequirementRow
	for _, r := range s.requirements {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

func (s *memStore) RequirementsForRank(ctx context.Context, rank string) ([]domain.RequirementRow, error) {
	all, _ := s.ListRequirements(ctx)
	var rows []domain.RequirementRow
	for _, r := range all {
		if domain.SameRank(r.Rank, rank) {
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (s *memStore) RequirementByID(_ context.Context, id int64) (domain.RequirementRow, error) {
	r, ok := s.requirements[id]
	if !ok {
		return r, domain.ErrRequirementNotFound
	}
	return r, nil
}

func (s *memStore) UpsertRequirement(_ context.Context, row domain.RequirementRow) (domain.RequirementRow, error) {
	if row.ID == 0 {
		for id, existing := range s.requirements {
			if domain.SameRank(existing.Rank, row.Rank) && existing.Type == row.Type {
				row.ID = id
			}
		}
	}
	if row.ID == 0 {
		s.nextReqID++
		row.ID = s.nextReqID
	} else if _, ok := s.requirements[row.ID]; !ok {
		return row, domain.ErrRequirementNotFound
	}
	s.requirements[row.ID] = row
	return row, nil
}

func (s *memStore) DeleteRequirement(_ context.Context, id int64) error {
	if _, ok := s.requirements[id]; !ok {
		return domain.ErrRequirementNotFound
	}
	delete(s.requirements, id)
	return nil
}

func (s *memStore) InsertValidation(_ context.Context, entry domain.ValidationLogEntry) (bool, error) {
	for _, v := range s.validations {
		if domain.SameUsername(v.CharacterName, entry.CharacterName) && v.RequirementID == entry.RequirementID {
			return false, nil
		}
	}
	s.validations = append(s.validations, entry)
	return true, nil
}

func (s *memStore) ValidationsFor(_ context.Context, character string) ([]domain.ValidationLogEntry, error) {
	var out []domain.ValidationLogEntry
	for _, v := range s.validations {
		if domain.SameUsername(v.CharacterName, character) {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) RankHistory(context.Context, string, int) ([]domain.RankHistoryEntry, error) {
	return nil, nil
}

func (s *memStore) LinkIdentity(_ context.Context, link domain.IdentityLink) error {
	for uid, existing := range s.identities {
		if domain.SameUsername(existing.CharacterName, link.CharacterName) && uid != link.DiscordUID {
			return domain.ErrDuplicateIdentity
		}
	}
	s.identities[link.DiscordUID] = link
	return nil
}

func (s *memStore) LinkedMembers(context.Context) ([]domain.LinkedMember, error) {
	uids := make([]string, 0, len(s.identities))
	for uid := range s.identities {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	var out []domain.LinkedMember
	for _, uid := range uids {
		link := s.identities[uid]
		if m, ok := s.members[domain.NormalizeUsername(link.CharacterName)]; ok && !m.Deleted {
			out = append(out, domain.LinkedMember{Identity: link, Member: *m})
		}
	}
	return out, nil
}

type memBoard struct {
	mu     sync.Mutex
	scores map[string]int64
	err    error
}

func (b *memBoard) SetPoints(_ context.Context, character string, points int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.scores[character] = points
	return nil
}

func (b *memBoard) Top(context.Context, int) ([]domain.LeaderboardEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var entries []domain.LeaderboardEntry
	for name, pts := range b.scores {
		entries = append(entries, domain.LeaderboardEntry{CharacterName: name, Points: pts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Points > entries[j].Points })
	for i := range entries {
		entries[i].Position = int64(i + 1)
	}
	return entries, nil
}

func (b *memBoard) Remove(_ context.Context, character string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	delete(b.scores, character)
	return nil
}

func (b *memBoard) Rebuild(_ context.Context, scores map[string]int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scores = scores
	return nil
}

type message struct {
	channel string
	content string
}

type memNotifier struct {
	sent []message
}

func (n *memNotifier) SendMessage(_ context.Context, channelID, content string) error {
	n.sent = append(n.sent, message{channelID, content})
	return nil
}

type recordingSink struct {
	topics []string
}

func (r *recordingSink) Publish(topic string, _ any) {
	r.topics = append(r.topics, topic)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
