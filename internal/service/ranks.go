package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clan-roster/internal/domain"
)

// TopicValidationLogged is published when a moderator validates a requirement
const TopicValidationLogged = "validation_logged"

// RankStore is the member store as seen by rank administration
type RankStore interface {
	RankLadder(ctx context.Context) (domain.RankLadder, error)
	ListRequirements(ctx context.Context) ([]domain.RequirementRow, error)
	RequirementsForRank(ctx context.Context, rank string) ([]domain.RequirementRow, error)
	RequirementByID(ctx context.Context, id int64) (domain.RequirementRow, error)
	UpsertRequirement(ctx context.Context, row domain.RequirementRow) (domain.RequirementRow, error)
	DeleteRequirement(ctx context.Context, id int64) error
	InsertValidation(ctx context.Context, entry domain.ValidationLogEntry) (bool, error)
	ValidationsFor(ctx context.Context, character string) ([]domain.ValidationLogEntry, error)
	MemberByUsername(ctx context.Context, username string) (*domain.Member, error)
	RankHistory(ctx context.Context, username string, limit int) ([]domain.RankHistoryEntry, error)
	LinkIdentity(ctx context.Context, link domain.IdentityLink) error
	LinkedMembers(ctx context.Context) ([]domain.LinkedMember, error)
	TransactionsFor(ctx context.Context, character string, limit int) ([]domain.PointsTransaction, error)
}

// Assessor evaluates a member against their next rank
type Assessor interface {
	Assess(ctx context.Context, ladder domain.RankLadder, lm domain.LinkedMember) (domain.Eligibility, error)
}

// RankSync queues an entitlement sync for a newly linked identity
type RankSync interface {
	SyncRank(identity, character, rank string) bool
}

// MemberProfile is a member with their rank history, logged validations and
// recent points ledger
type MemberProfile struct {
	Member       domain.Member               `json:"member"`
	History      []domain.RankHistoryEntry   `json:"history"`
	Validations  []domain.ValidationLogEntry `json:"validations"`
	Transactions []domain.PointsTransaction  `json:"transactions"`
}

// RankService administers ranks, requirements and identity links
type RankService struct {
	store    RankStore
	assessor Assessor
	sync     RankSync
	events   EventSink
	now      func() time.Time
	logger   *slog.Logger
}

// NewRankService creates a rank service. sync may be nil.
func NewRankService(store RankStore, assessor Assessor, sync RankSync, logger *slog.Logger) *RankService {
	return &RankService{
		store:    store,
		assessor: assessor,
		sync:     sync,
		now:      time.Now,
		logger:   logger,
	}
}

// WithEvents publishes manual validations to sink
func (s *RankService) WithEvents(sink EventSink) *RankService {
	s.events = sink
	return s
}

// WithClock overrides the time source
func (s *RankService) WithClock(now func() time.Time) *RankService {
	s.now = now
	return s
}

// Ranks returns the rank ladder in ascending order
func (s *RankService) Ranks(ctx context.Context) ([]domain.RankDefinition, error) {
	ladder, err := s.store.RankLadder(ctx)
	if err != nil {
		return nil, err
	}
	return ladder.Ranks(), nil
}

// Requirements lists the stored requirements of a rank, or of every rank
// when rank is empty
func (s *RankService) Requirements(ctx context.Context, rank string) ([]domain.RequirementRow, error) {
	if rank == "" {
		return s.store.ListRequirements(ctx)
	}
	if _, err := s.lookupRank(ctx, rank); err != nil {
		return nil, err
	}
	return s.store.RequirementsForRank(ctx, rank)
}

// SetRequirement validates and stores a requirement. A zero ID adds the
// requirement or, when the rank already has one of the same type, replaces
// its value.
func (s *RankService) SetRequirement(ctx context.Context, row domain.RequirementRow) (domain.RequirementRow, error) {
	def, err := s.lookupRank(ctx, row.Rank)
	if err != nil {
		return row, err
	}
	row.Rank = def.Rank

	req, err := domain.ParseRequirement(row)
	if err != nil {
		return row, fmt.Errorf("%w: %v", domain.ErrInvalidRequirement, err)
	}
	if req.Kind == domain.RequirementOther && strings.TrimSpace(req.Description) == "" {
		return row, fmt.Errorf("%w: other requirements need a description", domain.ErrInvalidRequirement)
	}

	stored, err := s.store.UpsertRequirement(ctx, req.Row())
	if err != nil {
		return row, err
	}
	s.logger.Info("requirement saved",
		"requirement_id", stored.ID,
		"rank", stored.Rank,
		"requirement_type", stored.Type,
		"required_value", stored.RequiredValue,
	)
	return stored, nil
}

// DeleteRequirement removes a requirement
func (s *RankService) DeleteRequirement(ctx context.Context, id int64) error {
	if err := s.store.DeleteRequirement(ctx, id); err != nil {
		return err
	}
	s.logger.Info("requirement deleted", "requirement_id", id)
	return nil
}

// Validate records a moderator's validation of a requirement for a member.
// It is the only way an Other requirement becomes satisfied.
func (s *RankService) Validate(ctx context.Context, character string, requirementID int64, moderator string) (domain.ValidationLogEntry, error) {
	if moderator == "" {
		return domain.ValidationLogEntry{}, fmt.Errorf("%w: moderator is required", domain.ErrInvalidRequest)
	}
	row, err := s.store.RequirementByID(ctx, requirementID)
	if err != nil {
		return domain.ValidationLogEntry{}, err
	}
	member, err := s.store.MemberByUsername(ctx, character)
	if err != nil {
		return domain.ValidationLogEntry{}, err
	}

	entry := domain.ValidationLogEntry{
		CharacterName: member.Username,
		Rank:          row.Rank,
		RequirementID: row.ID,
		ValidatedBy:   moderator,
		ValidatedAt:   s.now(),
	}
	inserted, err := s.store.InsertValidation(ctx, entry)
	if err != nil {
		return entry, err
	}
	if inserted {
		s.logger.Info("requirement validated manually",
			"character", member.Username,
			"requirement_id", row.ID,
			"validated_by", moderator,
		)
		if s.events != nil {
			s.events.Publish(TopicValidationLogged, entry)
		}
	}
	return entry, nil
}

// Link ties a chat identity to a current member and queues their rank role
func (s *RankService) Link(ctx context.Context, uid, character string) (domain.IdentityLink, error) {
	if uid == "" || strings.TrimSpace(character) == "" {
		return domain.IdentityLink{}, fmt.Errorf("%w: identity and character are required", domain.ErrInvalidRequest)
	}
	member, err := s.store.MemberByUsername(ctx, character)
	if err != nil {
		return domain.IdentityLink{}, err
	}
	if member.Deleted {
		return domain.IdentityLink{}, fmt.Errorf("%w: %s is no longer in the clan", domain.ErrMemberNotFound, member.Username)
	}

	link := domain.IdentityLink{DiscordUID: uid, CharacterName: member.Username, Rank: member.Rank}
	if err := s.store.LinkIdentity(ctx, link); err != nil {
		return link, err
	}
	s.logger.Info("identity linked", "discord_uid", uid, "character", member.Username)

	if s.sync != nil {
		s.sync.SyncRank(uid, member.Username, member.Rank)
	}
	return link, nil
}

// Member returns a member's profile
func (s *RankService) Member(ctx context.Context, username string) (MemberProfile, error) {
	member, err := s.store.MemberByUsername(ctx, username)
	if err != nil {
		return MemberProfile{}, err
	}
	history, err := s.store.RankHistory(ctx, member.Username, 50)
	if err != nil {
		return MemberProfile{}, err
	}
	validations, err := s.store.ValidationsFor(ctx, member.Username)
	if err != nil {
		return MemberProfile{}, err
	}
	txns, err := s.store.TransactionsFor(ctx, member.Username, 25)
	if err != nil {
		return MemberProfile{}, err
	}
	return MemberProfile{Member: *member, History: history, Validations: validations, Transactions: txns}, nil
}

// Validations lists the requirements logged for a member
func (s *RankService) Validations(ctx context.Context, username string) ([]domain.ValidationLogEntry, error) {
	member, err := s.store.MemberByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.store.ValidationsFor(ctx, member.Username)
}

// Eligibility reports every linked member's progress toward their next rank.
// It never changes a rank. Members that cannot be assessed are logged and
// left out.
func (s *RankService) Eligibility(ctx context.Context, onlyReady bool) ([]domain.Eligibility, error) {
	ladder, err := s.store.RankLadder(ctx)
	if err != nil {
		return nil, err
	}
	linked, err := s.store.LinkedMembers(ctx)
	if err != nil {
		return nil, err
	}

	report := make([]domain.Eligibility, 0, len(linked))
	for _, lm := range linked {
		if _, ok := ladder.Next(lm.Member.Rank); !ok {
			continue
		}
		el, err := s.assessor.Assess(ctx, ladder, lm)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return report, err
			}
			s.logger.Warn("skipping member in eligibility report",
				"character", lm.Member.Username,
				"error", err,
			)
			continue
		}
		if onlyReady && !el.AllMet {
			continue
		}
		report = append(report, el)
	}
	return report, nil
}

func (s *RankService) lookupRank(ctx context.Context, rank string) (domain.RankDefinition, error) {
	ladder, err := s.store.RankLadder(ctx)
	if err != nil {
		return domain.RankDefinition{}, err
	}
	def, ok := ladder.Lookup(rank)
	if !ok {
		return def, fmt.Errorf("%w: %s", domain.ErrRankNotFound, rank)
	}
	return def, nil
}
