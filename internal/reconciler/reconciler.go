package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

// Source fetches the authoritative roster
type Source interface {
	FetchRoster(ctx context.Context, groupID int64) ([]domain.RosterMember, error)
	FetchNameChanges(ctx context.Context, groupID int64) ([]domain.NameChange, error)
}

// Store is the member store as seen by the reconciler
type Store interface {
	MemberByUsername(ctx context.Context, username string) (*domain.Member, error)
	InsertMember(ctx context.Context, m *domain.Member) error
	ChangeRank(ctx context.Context, memberID int64, entry domain.RankHistoryEntry) (bool, error)
	RecordSighting(ctx context.Context, memberID, externalID int64, seenAt time.Time) (bool, error)
	StaleMembers(ctx context.Context, cutoff time.Time) ([]domain.Member, error)
	MarkDeleted(ctx context.Context, memberID int64) (bool, error)
	ApplyNameChange(ctx context.Context, nc domain.NameChange) (bool, error)
	IdentityByCharacterName(ctx context.Context, name string) (*domain.IdentityLink, error)
}

// Entitlements queues role mutations without waiting for them
type Entitlements interface {
	SyncRank(identity, character, rank string) bool
	RevokeMember(identity, character, rank string) bool
}

// EventSink receives roster events for the live feed
type EventSink interface {
	Publish(topic string, event any)
}

// Event topics
const (
	TopicRankChanged  = "rank_changed"
	TopicMemberJoined = "member_joined"
	TopicMemberLeft   = "member_left"
)

// MemberEvent is published for every roster change
type MemberEvent struct {
	Username   string    `json:"username"`
	ExternalID int64     `json:"external_id"`
	OldRank    string    `json:"old_rank,omitempty"`
	Rank       string    `json:"rank"`
	At         time.Time `json:"at"`
}

// Result summarizes one reconciliation cycle
type Result struct {
	CycleID      string        `json:"cycle_id"`
	Fetched      int           `json:"fetched"`
	Joined       int           `json:"joined"`
	RankChanges  int           `json:"rank_changes"`
	Unchanged    int           `json:"unchanged"`
	Departed     int           `json:"departed"`
	Renamed      int           `json:"renamed"`
	Failed       int           `json:"failed"`
	Cancelled    bool          `json:"cancelled"`
	Duration     time.Duration `json:"duration"`
	DepartureRun bool          `json:"departure_run"`
}

// Reconciler brings stored members into agreement with the roster source
type Reconciler struct {
	source       Source
	store        Store
	entitlements Entitlements
	events       []EventSink
	groupID      int64
	staleness    time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithEvents publishes roster events to sink. It may be given more than
// once; every sink receives every event.
func WithEvents(sink EventSink) Option {
	return func(r *Reconciler) { r.events = append(r.events, sink) }
}

// New creates a reconciler
func New(
	source Source,
	store Store,
	entitlements Entitlements,
	rosterCfg *config.RosterConfig,
	schedCfg *config.SchedulerConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts ...Option,
) *Reconciler {
	r := &Reconciler{
		source:       source,
		store:        store,
		entitlements: entitlements,
		groupID:      rosterCfg.GroupID,
		staleness:    schedCfg.StalenessWindow,
		now:          time.Now,
		metrics:      m,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run performs one reconciliation cycle. It fails only when the roster
// cannot be fetched; per-member failures are logged and counted. A cancelled
// context stops the cycle between members.
func (r *Reconciler) Run(ctx context.Context) (Result, error) {
	start := r.now()
	res := Result{CycleID: uuid.NewString()}
	logger := r.logger.With("cycle_id", res.CycleID)

	res.Renamed = r.applyNameChanges(ctx, logger)

	roster, err := r.source.FetchRoster(ctx, r.groupID)
	if err != nil {
		logger.Error("roster fetch failed, skipping cycle", "error", err)
		return res, fmt.Errorf("fetching roster: %w", err)
	}
	res.Fetched = len(roster)

	for _, rm := range roster {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}
		outcome, err := r.reconcileMember(ctx, rm, start)
		if err != nil {
			res.Failed++
			r.metrics.MemberFailed()
			logger.Error("member reconciliation failed",
				"username", rm.Username,
				"external_id", rm.ExternalID,
				"error", err,
			)
			continue
		}
		switch outcome {
		case outcomeJoined:
			res.Joined++
		case outcomeRankChanged:
			res.RankChanges++
		default:
			res.Unchanged++
		}
	}

	switch {
	case res.Cancelled:
		logger.Warn("reconciliation cancelled, skipping departure detection")
	case len(roster) == 0:
		logger.Warn("roster is empty, skipping departure detection")
	default:
		res.DepartureRun = true
		res.Departed = r.detectDepartures(ctx, start, logger)
	}

	res.Duration = r.now().Sub(start)
	logger.Info("reconciliation completed",
		"fetched", res.Fetched,
		"joined", res.Joined,
		"rank_changes", res.RankChanges,
		"departed", res.Departed,
		"renamed", res.Renamed,
		"failed", res.Failed,
		"duration", res.Duration,
	)
	return res, nil
}

type outcome int

const (
	outcomeUnchanged outcome = iota
	outcomeJoined
	outcomeRankChanged
)

func (r *Reconciler) reconcileMember(ctx context.Context, rm domain.RosterMember, seenAt time.Time) (outcome, error) {
	stored, err := r.store.MemberByUsername(ctx, rm.Username)
	if errors.Is(err, domain.ErrMemberNotFound) {
		return outcomeJoined, r.insertMember(ctx, rm, seenAt)
	}
	if err != nil {
		return outcomeUnchanged, err
	}

	restored, err := r.store.RecordSighting(ctx, stored.ID, rm.ExternalID, seenAt)
	if err != nil {
		return outcomeUnchanged, err
	}
	if restored {
		r.rejoined(stored, rm, seenAt)
	}

	if domain.SameRank(stored.Rank, rm.RoleLabel) {
		if restored {
			r.syncEntitlements(ctx, stored.Username, stored.Rank)
			return outcomeJoined, nil
		}
		return outcomeUnchanged, nil
	}

	changed, err := r.store.ChangeRank(ctx, stored.ID, domain.RankHistoryEntry{
		ExternalID:     rm.ExternalID,
		Username:       stored.Username,
		Rank:           rm.RoleLabel,
		RankObtainedAt: rm.MembershipUpdatedAt,
		PulledAt:       seenAt,
	})
	if err != nil {
		return outcomeUnchanged, err
	}
	if !changed {
		if restored {
			r.syncEntitlements(ctx, stored.Username, rm.RoleLabel)
			return outcomeJoined, nil
		}
		return outcomeUnchanged, nil
	}

	r.metrics.RankChanged()
	r.logger.Info("rank changed",
		"username", stored.Username,
		"old_rank", stored.Rank,
		"new_rank", rm.RoleLabel,
	)
	r.publish(TopicRankChanged, MemberEvent{
		Username:   stored.Username,
		ExternalID: rm.ExternalID,
		OldRank:    stored.Rank,
		Rank:       rm.RoleLabel,
		At:         seenAt,
	})
	r.syncEntitlements(ctx, stored.Username, rm.RoleLabel)
	if restored {
		return outcomeJoined, nil
	}
	return outcomeRankChanged, nil
}

// rejoined announces a member who departed earlier and is back on the roster
func (r *Reconciler) rejoined(stored *domain.Member, rm domain.RosterMember, seenAt time.Time) {
	r.metrics.Joined()
	r.logger.Info("member rejoined", "username", stored.Username, "rank", rm.RoleLabel)
	r.publish(TopicMemberJoined, MemberEvent{
		Username:   stored.Username,
		ExternalID: rm.ExternalID,
		Rank:       rm.RoleLabel,
		At:         seenAt,
	})
}

func (r *Reconciler) insertMember(ctx context.Context, rm domain.RosterMember, seenAt time.Time) error {
	m := &domain.Member{
		ExternalID:       rm.ExternalID,
		Username:         rm.Username,
		Rank:             rm.RoleLabel,
		RankObtainedAt:   rm.MembershipUpdatedAt,
		JoinedAt:         rm.MembershipCreatedAt,
		Points:           0,
		LastRankUpdate:   rm.MembershipUpdatedAt,
		LastRosterUpdate: seenAt,
	}
	if err := r.store.InsertMember(ctx, m); err != nil {
		return err
	}

	r.metrics.Joined()
	r.logger.Info("member joined", "username", rm.Username, "rank", rm.RoleLabel)
	r.publish(TopicMemberJoined, MemberEvent{
		Username:   rm.Username,
		ExternalID: rm.ExternalID,
		Rank:       rm.RoleLabel,
		At:         seenAt,
	})
	return nil
}

// syncEntitlements queues a role sync for the member's linked identity. A
// member without a link is skipped.
func (r *Reconciler) syncEntitlements(ctx context.Context, character, rank string) {
	if r.entitlements == nil {
		return
	}
	link, err := r.store.IdentityByCharacterName(ctx, character)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotLinked) {
			r.logger.Warn("no linked identity, skipping entitlement sync", "username", character)
		} else {
			r.logger.Error("resolving linked identity failed", "username", character, "error", err)
		}
		return
	}
	r.entitlements.SyncRank(link.DiscordUID, character, rank)
}

// detectDepartures marks members unseen for the staleness window as deleted
// and queues a best-effort revoke of their entitlements.
func (r *Reconciler) detectDepartures(ctx context.Context, cycleStart time.Time, logger *slog.Logger) int {
	cutoff := cycleStart.Add(-r.staleness)
	stale, err := r.store.StaleMembers(ctx, cutoff)
	if err != nil {
		logger.Error("listing stale members failed", "error", err)
		return 0
	}

	departed := 0
	for _, m := range stale {
		if ctx.Err() != nil {
			break
		}
		marked, err := r.store.MarkDeleted(ctx, m.ID)
		if err != nil {
			r.metrics.MemberFailed()
			logger.Error("marking member deleted failed", "username", m.Username, "error", err)
			continue
		}
		if !marked {
			continue
		}
		departed++
		r.metrics.Departed()
		logger.Info("member departed", "username", m.Username, "rank", m.Rank)
		r.publish(TopicMemberLeft, MemberEvent{
			Username:   m.Username,
			ExternalID: m.ExternalID,
			Rank:       m.Rank,
			At:         cycleStart,
		})

		if r.entitlements == nil {
			continue
		}
		link, err := r.store.IdentityByCharacterName(ctx, m.Username)
		if err != nil {
			if !errors.Is(err, domain.ErrIdentityNotLinked) {
				logger.Error("resolving linked identity failed", "username", m.Username, "error", err)
			}
			continue
		}
		r.entitlements.RevokeMember(link.DiscordUID, m.Username, m.Rank)
	}
	return departed
}

func (r *Reconciler) applyNameChanges(ctx context.Context, logger *slog.Logger) int {
	changes, err := r.source.FetchNameChanges(ctx, r.groupID)
	if err != nil {
		logger.Warn("fetching name changes failed", "error", err)
		return 0
	}

	applied := 0
	for _, nc := range changes {
		if ctx.Err() != nil {
			break
		}
		ok, err := r.store.ApplyNameChange(ctx, nc)
		if err != nil {
			logger.Error("applying name change failed",
				"old_name", nc.OldName,
				"new_name", nc.NewName,
				"error", err,
			)
			continue
		}
		if ok {
			applied++
			r.metrics.Renamed()
			logger.Info("name change applied", "old_name", nc.OldName, "new_name", nc.NewName)
		}
	}
	return applied
}

func (r *Reconciler) publish(topic string, event MemberEvent) {
	for _, sink := range r.events {
		sink.Publish(topic, event)
	}
}
