package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
	"github.com/clan-roster/internal/metrics"
)

// ClaimStore is a time-windowed dedup set of identities
type ClaimStore interface {
	Claim(ctx context.Context, identity string) (bool, time.Time, error)
}

// IdentityResolver maps a chat identity to its linked character
type IdentityResolver interface {
	IdentityByDiscordUID(ctx context.Context, uid string) (*domain.IdentityLink, error)
}

// RewardService hands out a small fixed reward at most once per identity
// per reward window
type RewardService struct {
	claims     ClaimStore
	identities IdentityResolver
	points     *PointsService
	config     *config.RewardsConfig
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewRewardService creates a reward service
func NewRewardService(
	claims ClaimStore,
	identities IdentityResolver,
	points *PointsService,
	cfg *config.RewardsConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RewardService {
	return &RewardService{
		claims:     claims,
		identities: identities,
		points:     points,
		config:     cfg,
		metrics:    m,
		logger:     logger,
	}
}

// Claim credits the identity's character once per window
func (s *RewardService) Claim(ctx context.Context, uid string) (domain.RewardClaim, error) {
	link, err := s.identities.IdentityByDiscordUID(ctx, uid)
	if err != nil {
		s.metrics.RewardClaim("rejected")
		return domain.RewardClaim{}, err
	}

	fresh, windowEnd, err := s.claims.Claim(ctx, uid)
	if err != nil {
		if errors.Is(err, domain.ErrClaimWindowFull) {
			s.metrics.RewardClaim("full")
		} else {
			s.metrics.RewardClaim("error")
		}
		return domain.RewardClaim{}, err
	}
	claim := domain.RewardClaim{
		DiscordUID:    uid,
		CharacterName: link.CharacterName,
		WindowEndsAt:  windowEnd,
	}
	if !fresh {
		s.metrics.RewardClaim("duplicate")
		return claim, domain.ErrAlreadyClaimed
	}

	txn, err := s.points.Grant(ctx, link.CharacterName, s.config.Points, "Reaction reward", "reward")
	if err != nil {
		s.metrics.RewardClaim("error")
		s.logger.Error("reward claim recorded but points not applied",
			"discord_uid", uid,
			"character", link.CharacterName,
			"error", err,
		)
		return claim, err
	}

	s.metrics.RewardClaim("ok")
	claim.Points = txn.PointsChange
	claim.NewPoints = txn.NewPoints
	return claim, nil
}
