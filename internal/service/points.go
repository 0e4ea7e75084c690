package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
	"github.com/clan-roster/internal/reconciler"
)

// PointsChannelSetting is the disc_config key of the announcement channel
const PointsChannelSetting = "points_channel_id"

// TopicPointsChanged is published after every applied points change
const TopicPointsChanged = "points_changed"

// PointsStore is the member store as seen by the points economy
type PointsStore interface {
	IdentityByDiscordUID(ctx context.Context, uid string) (*domain.IdentityLink, error)
	MemberByUsername(ctx context.Context, username string) (*domain.Member, error)
	RankLadder(ctx context.Context) (domain.RankLadder, error)
	ApplyPointsChange(ctx context.Context, change domain.PointsChange) (domain.PointsTransaction, error)
	PointsGivenSince(ctx context.Context, giver string, since time.Time) (int64, error)
	PointsGivenToSince(ctx context.Context, giver, recipient string, since time.Time) (int64, error)
	TopPoints(ctx context.Context, limit int) ([]domain.LeaderboardEntry, error)
	AllPoints(ctx context.Context) (map[string]int64, error)
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// Board is a cached points leaderboard
type Board interface {
	SetPoints(ctx context.Context, character string, points int64) error
	Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error)
	Rebuild(ctx context.Context, scores map[string]int64) error
	Remove(ctx context.Context, character string) error
}

// Notifier posts announcements to a chat channel
type Notifier interface {
	SendMessage(ctx context.Context, channelID, content string) error
}

// EventSink receives events for the live feed
type EventSink interface {
	Publish(topic string, event any)
}

// PointsService runs the clan points economy: members give each other
// points out of a weekly allowance that depends on their rank.
type PointsService struct {
	store    PointsStore
	board    Board
	notifier Notifier
	events   EventSink
	config   *config.PointsConfig
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewPointsService creates a points service. board and notifier are optional.
func NewPointsService(
	store PointsStore,
	board Board,
	notifier Notifier,
	cfg *config.PointsConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PointsService {
	return &PointsService{
		store:    store,
		board:    board,
		notifier: notifier,
		config:   cfg,
		now:      time.Now,
		metrics:  m,
		logger:   logger,
	}
}

// WithClock overrides the time source
func (s *PointsService) WithClock(now func() time.Time) *PointsService {
	s.now = now
	return s
}

// WithEvents publishes applied changes to sink
func (s *PointsService) WithEvents(sink EventSink) *PointsService {
	s.events = sink
	return s
}

// Award applies a points award between two linked identities. Positive
// awards are limited by the giver's weekly allowance and the per-recipient
// weekly cap. Removals require a configured moderator.
func (s *PointsService) Award(ctx context.Context, award domain.PointsAward, source string) (domain.PointsResult, error) {
	result, err := s.award(ctx, award)
	switch {
	case err == nil:
		s.metrics.PointsChange(source, "ok")
	case errors.Is(err, domain.ErrDuplicateEvent):
		s.metrics.PointsChange(source, "duplicate")
	case domain.IsRejection(err) || errors.Is(err, domain.ErrNotPermitted) || domain.IsNotFoundError(err):
		s.metrics.PointsChange(source, "rejected")
	default:
		s.metrics.PointsChange(source, "error")
	}
	return result, err
}

func (s *PointsService) award(ctx context.Context, award domain.PointsAward) (domain.PointsResult, error) {
	if award.Points == 0 {
		return domain.PointsResult{}, fmt.Errorf("%w: points must not be zero", domain.ErrInvalidRequest)
	}

	giver, err := s.store.IdentityByDiscordUID(ctx, award.GiverUID)
	if err != nil {
		return domain.PointsResult{}, fmt.Errorf("resolving giver: %w", err)
	}
	recipient, err := s.store.IdentityByDiscordUID(ctx, award.RecipientUID)
	if err != nil {
		return domain.PointsResult{}, fmt.Errorf("resolving recipient: %w", err)
	}

	now := s.now()
	remaining := int64(0)
	var limit *domain.GiveLimit
	if award.Points > 0 {
		if award.GiverUID == award.RecipientUID || domain.SameUsername(giver.CharacterName, recipient.CharacterName) {
			return domain.PointsResult{}, domain.ErrSelfAward
		}
		remaining, limit, err = s.checkAllowance(ctx, giver.CharacterName, recipient.CharacterName, award.Points, now)
		if err != nil {
			return domain.PointsResult{}, err
		}
	} else if !s.config.IsModerator(award.GiverUID) {
		return domain.PointsResult{}, fmt.Errorf("%w: removing points requires a moderator", domain.ErrNotPermitted)
	}

	reason := award.Reason
	if reason == "" {
		reason = s.config.DefaultReason
	}
	if !award.Timestamp.IsZero() && now.Sub(award.Timestamp) > time.Minute {
		s.logger.Debug("applying delayed award", "event_id", award.EventID, "sent_at", award.Timestamp)
	}

	txn, err := s.apply(ctx, domain.PointsChange{
		CharacterName: recipient.CharacterName,
		RelatedUser:   giver.CharacterName,
		Delta:         award.Points,
		Reason:        reason,
		EventID:       award.EventID,
		CountAsGiven:  award.Points > 0,
		At:            now,
		Limit:         limit,
	})
	if err != nil {
		return domain.PointsResult{}, err
	}

	if award.Points > 0 {
		remaining -= award.Points
	}
	result := domain.PointsResult{
		Recipient:       txn.CharacterName,
		Giver:           giver.CharacterName,
		PointsChange:    txn.PointsChange,
		PreviousPoints:  txn.PreviousPoints,
		NewPoints:       txn.NewPoints,
		RemainingToGive: remaining,
	}
	s.announce(ctx, result, reason)
	return result, nil
}

// checkAllowance returns what the giver may still hand out this week, or a
// rejection when amount does not fit. The returned limit is enforced again
// by the store when the change is written.
func (s *PointsService) checkAllowance(ctx context.Context, giver, recipient string, amount int64, now time.Time) (int64, *domain.GiveLimit, error) {
	member, err := s.store.MemberByUsername(ctx, giver)
	if err != nil {
		return 0, nil, fmt.Errorf("loading giver: %w", err)
	}
	allowance, err := s.allowanceFor(ctx, member.Rank)
	if err != nil {
		return 0, nil, err
	}

	limit := &domain.GiveLimit{
		Since:        now.Add(-s.config.AllowanceWindow),
		Allowance:    allowance,
		RecipientCap: s.config.WeeklyRecipientCap,
	}
	given, err := s.store.PointsGivenSince(ctx, member.Username, limit.Since)
	if err != nil {
		return 0, nil, fmt.Errorf("summing given points: %w", err)
	}
	remaining := allowance - given
	if remaining < 0 {
		remaining = 0
	}
	if amount > remaining {
		return remaining, nil, fmt.Errorf("%w: %d remaining this week", domain.ErrInsufficientAllowance, remaining)
	}

	toRecipient, err := s.store.PointsGivenToSince(ctx, member.Username, recipient, limit.Since)
	if err != nil {
		return 0, nil, fmt.Errorf("summing points given to recipient: %w", err)
	}
	if toRecipient+amount > limit.RecipientCap {
		return remaining, nil, fmt.Errorf("%w: %d of %d already given", domain.ErrWeeklyRecipientCap,
			toRecipient, limit.RecipientCap)
	}
	return remaining, limit, nil
}

func (s *PointsService) allowanceFor(ctx context.Context, rank string) (int64, error) {
	ladder, err := s.store.RankLadder(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading rank ladder: %w", err)
	}
	def, ok := ladder.Lookup(rank)
	if !ok {
		return 0, nil
	}
	return def.TotalPointsAllowance, nil
}

// Grant credits a character directly, without allowance checks. It is used
// for system rewards.
func (s *PointsService) Grant(ctx context.Context, character string, points int64, reason, source string) (domain.PointsTransaction, error) {
	txn, err := s.apply(ctx, domain.PointsChange{
		CharacterName: character,
		RelatedUser:   domain.SystemValidator,
		Delta:         points,
		Reason:        reason,
		At:            s.now(),
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.PointsChange(source, outcome)
	return txn, err
}

// apply writes the change and refreshes the cached board
func (s *PointsService) apply(ctx context.Context, change domain.PointsChange) (domain.PointsTransaction, error) {
	txn, err := s.store.ApplyPointsChange(ctx, change)
	if err != nil {
		return txn, err
	}

	s.logger.Info("points applied",
		"character", txn.CharacterName,
		"related_user", txn.RelatedUser,
		"change", txn.PointsChange,
		"new_points", txn.NewPoints,
	)

	if s.board != nil {
		if err := s.board.SetPoints(ctx, txn.CharacterName, txn.NewPoints); err != nil {
			s.logger.Warn("failed to update points board", "character", txn.CharacterName, "error", err)
		}
	}
	if s.events != nil {
		s.events.Publish(TopicPointsChanged, txn)
	}
	return txn, nil
}

func (s *PointsService) announce(ctx context.Context, result domain.PointsResult, reason string) {
	if s.notifier == nil {
		return
	}
	channel, ok, err := s.store.GetSetting(ctx, PointsChannelSetting)
	if err != nil {
		s.logger.Warn("failed to read announcement channel", "error", err)
		return
	}
	if !ok || channel == "" {
		return
	}

	var msg string
	if result.PointsChange > 0 {
		msg = fmt.Sprintf("%s gave %d points to %s for %s. %s now has %d points.",
			result.Giver, result.PointsChange, result.Recipient, reason, result.Recipient, result.NewPoints)
	} else {
		msg = fmt.Sprintf("%s removed %d points from %s for %s. %s now has %d points.",
			result.Giver, -result.PointsChange, result.Recipient, reason, result.Recipient, result.NewPoints)
	}
	if err := s.notifier.SendMessage(ctx, channel, msg); err != nil {
		s.logger.Warn("failed to post points announcement", "channel_id", channel, "error", err)
	}
}

// SetAnnouncementChannel sets the chat channel awards are announced in. An
// empty id turns announcements off.
func (s *PointsService) SetAnnouncementChannel(ctx context.Context, channelID string) error {
	channelID = strings.TrimSpace(channelID)
	if err := s.store.SetSetting(ctx, PointsChannelSetting, channelID); err != nil {
		return fmt.Errorf("saving announcement channel: %w", err)
	}
	s.logger.Info("points announcement channel updated", "channel_id", channelID)
	return nil
}

// Balance reports a linked identity's points and remaining weekly allowance
func (s *PointsService) Balance(ctx context.Context, uid string) (domain.PointsBalance, error) {
	link, err := s.store.IdentityByDiscordUID(ctx, uid)
	if err != nil {
		return domain.PointsBalance{}, err
	}
	member, err := s.store.MemberByUsername(ctx, link.CharacterName)
	if err != nil {
		return domain.PointsBalance{}, err
	}
	allowance, err := s.allowanceFor(ctx, member.Rank)
	if err != nil {
		return domain.PointsBalance{}, err
	}
	given, err := s.store.PointsGivenSince(ctx, member.Username, s.now().Add(-s.config.AllowanceWindow))
	if err != nil {
		return domain.PointsBalance{}, err
	}

	remaining := allowance - given
	if remaining < 0 {
		remaining = 0
	}
	return domain.PointsBalance{
		CharacterName:   member.Username,
		Rank:            member.Rank,
		Points:          member.Points,
		GivenThisWeek:   given,
		WeeklyAllowance: allowance,
		RemainingToGive: remaining,
	}, nil
}

// Top returns the leaderboard, from the cached board when available
func (s *PointsService) Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	if n <= 0 {
		n = 10
	}
	if s.board != nil {
		entries, err := s.board.Top(ctx, n)
		if err == nil && len(entries) > 0 {
			return entries, nil
		}
		if err != nil {
			s.logger.Warn("points board unavailable, reading store", "error", err)
		}
	}
	return s.store.TopPoints(ctx, n)
}

// RebuildBoard reloads the cached board from the store
func (s *PointsService) RebuildBoard(ctx context.Context) error {
	if s.board == nil {
		return nil
	}
	scores, err := s.store.AllPoints(ctx)
	if err != nil {
		return fmt.Errorf("loading points: %w", err)
	}
	if err := s.board.Rebuild(ctx, scores); err != nil {
		return err
	}
	s.logger.Info("points board rebuilt", "members", len(scores))
	return nil
}

// DropFromBoard removes a departed member from the cached board. Their
// ledger and stored points are kept.
func (s *PointsService) DropFromBoard(ctx context.Context, character string) error {
	if s.board == nil {
		return nil
	}
	if err := s.board.Remove(ctx, character); err != nil {
		return fmt.Errorf("removing %s from points board: %w", character, err)
	}
	return nil
}

// RosterListener returns a sink for roster events that keeps the cached
// board free of departed members.
func (s *PointsService) RosterListener() EventSink {
	return rosterListener{points: s}
}

type rosterListener struct {
	points *PointsService
}

func (l rosterListener) Publish(topic string, event any) {
	if topic != reconciler.TopicMemberLeft {
		return
	}
	ev, ok := event.(reconciler.MemberEvent)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.points.DropFromBoard(ctx, ev.Username); err != nil {
		l.points.logger.Warn("failed to drop departed member from board", "character", ev.Username, "error", err)
	}
}
