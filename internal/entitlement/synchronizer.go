package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

// RankSource supplies the rank ladder used to classify rank roles
type RankSource interface {
	RankLadder(ctx context.Context) (domain.RankLadder, error)
}

// JobKind selects what a queued entitlement job does
type JobKind int

const (
	// JobSync moves an identity onto the role of its new rank
	JobSync JobKind = iota
	// JobRevoke strips the rank and member roles of a departed member
	JobRevoke
)

func (k JobKind) String() string {
	if k == JobRevoke {
		return "revoke"
	}
	return "sync"
}

// Job is one queued entitlement mutation
type Job struct {
	Kind      JobKind
	Identity  string
	Character string
	Rank      string
}

// Synchronizer applies rank entitlements on the chat platform. Jobs are
// queued by the reconciler and applied by a small worker pool; each mutation
// is retried a bounded number of times before it is logged as failed.
type Synchronizer struct {
	provider   Provider
	ranks      RankSource
	alias      config.RankAlias
	memberRole string
	attempts   int
	backoff    time.Duration
	workers    int
	metrics    *metrics.Metrics
	logger     *slog.Logger

	queue   chan Job
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewSynchronizer creates an entitlement synchronizer
func NewSynchronizer(
	provider Provider,
	ranks RankSource,
	cfg *config.EntitlementsConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Synchronizer {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	return &Synchronizer{
		provider:   provider,
		ranks:      ranks,
		alias:      cfg.Alias,
		memberRole: cfg.MemberRole,
		attempts:   attempts,
		backoff:    cfg.RetryBackoff,
		workers:    workers,
		metrics:    m,
		logger:     logger,
		queue:      make(chan Job, queueSize),
	}
}

// Start launches the worker pool
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work(ctx)
	}
	s.logger.Info("entitlement synchronizer started", "workers", s.workers)
}

// Stop cancels in-flight mutations and waits for the workers to exit.
// Jobs still queued are discarded.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("entitlement synchronizer stopped", "discarded", len(s.queue))
}

// Enqueue schedules a job without blocking. It reports false and drops the
// job when the queue is full.
func (s *Synchronizer) Enqueue(job Job) bool {
	select {
	case s.queue <- job:
		s.metrics.SetQueueDepth(len(s.queue))
		return true
	default:
		s.metrics.QueueDropped()
		s.logger.Warn("entitlement queue full, dropping job",
			"kind", job.Kind.String(),
			"identity", job.Identity,
			"character", job.Character,
		)
		return false
	}
}

// SyncRank queues a rank entitlement sync
func (s *Synchronizer) SyncRank(identity, character, rank string) bool {
	return s.Enqueue(Job{Kind: JobSync, Identity: identity, Character: character, Rank: rank})
}

// RevokeMember queues the removal of a departed member's entitlements
func (s *Synchronizer) RevokeMember(identity, character, rank string) bool {
	return s.Enqueue(Job{Kind: JobRevoke, Identity: identity, Character: character, Rank: rank})
}

func (s *Synchronizer) work(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			s.metrics.SetQueueDepth(len(s.queue))
			s.Apply(ctx, job)
		}
	}
}

// Apply runs one job synchronously and logs its outcome
func (s *Synchronizer) Apply(ctx context.Context, job Job) {
	var err error
	switch job.Kind {
	case JobRevoke:
		err = s.Revoke(ctx, job.Identity, job.Rank)
	default:
		err = s.SyncEntitlements(ctx, job.Identity, job.Rank)
	}
	if err != nil {
		s.logger.Error("entitlement job failed",
			"kind", job.Kind.String(),
			"identity", job.Identity,
			"character", job.Character,
			"rank", job.Rank,
			"error", err,
		)
		return
	}
	s.logger.Debug("entitlement job applied",
		"kind", job.Kind.String(),
		"identity", job.Identity,
		"rank", job.Rank,
	)
}

// RoleName maps a rank to the name of its entitlement role
func (s *Synchronizer) RoleName(rank string) string {
	if s.alias.Rank != "" && domain.SameRank(rank, s.alias.Rank) {
		return s.alias.Role
	}
	return rank
}

// SyncEntitlements removes every rank role the identity holds other than the
// one for newRank, then grants the newRank role if the platform has one.
func (s *Synchronizer) SyncEntitlements(ctx context.Context, identity, newRank string) error {
	ladder, err := s.ranks.RankLadder(ctx)
	if err != nil {
		return fmt.Errorf("loading rank ladder: %w", err)
	}
	if !ladder.Contains(newRank) {
		s.logger.Warn("rank has no definition, skipping entitlement sync",
			"identity", identity,
			"rank", newRank,
		)
		return nil
	}

	held, err := s.memberRoles(ctx, identity)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			s.logger.Warn("identity not on platform, skipping entitlement sync", "identity", identity)
			return nil
		}
		return err
	}

	target := s.RoleName(newRank)
	rankRoles := make(map[string]bool, ladder.Len())
	for _, def := range ladder.Ranks() {
		rankRoles[strings.ToLower(s.RoleName(def.Rank))] = true
	}

	var errs []error
	for _, role := range held {
		name := strings.ToLower(role.Name)
		if !rankRoles[name] || strings.EqualFold(role.Name, target) {
			continue
		}
		if err := s.mutate(ctx, "remove", func() error {
			return s.provider.RemoveRole(ctx, identity, role.ID)
		}); err != nil {
			errs = append(errs, err)
		}
	}

	if hasRoleNamed(held, target) {
		return errors.Join(errs...)
	}

	var matches []Role
	err = s.mutate(ctx, "lookup", func() error {
		var lookupErr error
		matches, lookupErr = s.provider.RolesByName(ctx, target)
		return lookupErr
	})
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	if len(matches) == 0 {
		s.logger.Warn("no role matches rank, skipping grant",
			"identity", identity,
			"rank", newRank,
			"role", target,
		)
		return errors.Join(errs...)
	}

	if err := s.mutate(ctx, "add", func() error {
		return s.provider.AddRole(ctx, identity, matches[0].ID)
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Revoke removes the rank role and the base member role from a departed
// member. Roles the identity does not hold are left alone.
func (s *Synchronizer) Revoke(ctx context.Context, identity, rank string) error {
	held, err := s.memberRoles(ctx, identity)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			return nil
		}
		return err
	}

	names := []string{s.RoleName(rank)}
	if s.memberRole != "" {
		names = append(names, s.memberRole)
	}

	var errs []error
	for _, role := range held {
		if !matchesAny(role.Name, names) {
			continue
		}
		if err := s.mutate(ctx, "remove", func() error {
			return s.provider.RemoveRole(ctx, identity, role.ID)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Synchronizer) memberRoles(ctx context.Context, identity string) ([]Role, error) {
	var held []Role
	err := s.mutate(ctx, "lookup", func() error {
		var err error
		held, err = s.provider.MemberRoles(ctx, identity)
		return err
	})
	return held, err
}

// mutate runs fn with a fixed-interval bounded retry. An unknown identity is
// not retried.
func (s *Synchronizer) mutate(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.backoff), uint64(s.attempts-1)),
		ctx,
	)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrIdentityNotFound) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("entitlement call failed",
			"op", op,
			"attempt", attempt,
			"max_attempts", s.attempts,
			"error", err,
		)
		return err
	}, policy)
	if err != nil {
		if errors.Is(err, domain.ErrIdentityNotFound) {
			s.metrics.EntitlementMutation(op, "not_found")
			return err
		}
		s.metrics.EntitlementMutation(op, "failed")
		return fmt.Errorf("%w: %s after %d attempts: %w", domain.ErrEntitlementMutationFailed, op, attempt, err)
	}
	s.metrics.EntitlementMutation(op, "ok")
	return nil
}

func matchesAny(name string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(name, c) {
			return true
		}
	}
	return false
}
