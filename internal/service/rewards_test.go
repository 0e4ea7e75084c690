package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clan-roster/internal/claims"
	"github.com/clan-roster/internal/config"
	"github.com/clan-roster/internal/domain"
)

func TestRewardClaimedOncePerWindow(t *testing.T) {
	f := newPointsFixture()
	now := time.Date(2024, time.April, 10, 18, 4, 0, 0, time.UTC)
	window := claims.NewWindow(10*time.Minute, 100).WithClock(func() time.Time { return now })
	cfg := config.DefaultConfig().Rewards
	svc := NewRewardService(window, f.store, f.svc, &cfg, f.metrics, discardLogger())

	claim, err := svc.Claim(context.Background(), "u3")
	require.NoError(t, err)
	assert.Equal(t, "Carol", claim.CharacterName)
	assert.Equal(t, int64(1), claim.Points)
	assert.Equal(t, time.Date(2024, time.April, 10, 18, 10, 0, 0, time.UTC), claim.WindowEndsAt)

	_, err = svc.Claim(context.Background(), "u3")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
	assert.Equal(t, int64(1), f.store.points("Carol"))

	now = now.Add(10 * time.Minute)
	_, err = svc.Claim(context.Background(), "u3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.store.points("Carol"))
}

func TestRewardRequiresLinkedIdentity(t *testing.T) {
	f := newPointsFixture()
	cfg := config.DefaultConfig().Rewards
	svc := NewRewardService(claims.NewWindow(time.Minute, 10), f.store, f.svc, &cfg, f.metrics, discardLogger())

	_, err := svc.Claim(context.Background(), "stranger")
	assert.ErrorIs(t, err, domain.ErrIdentityNotLinked)
}

func TestRewardDoesNotCountTowardDistinctSenders(t *testing.T) {
	f := newPointsFixture()
	cfg := config.DefaultConfig().Rewards
	svc := NewRewardService(claims.NewWindow(time.Minute, 10), f.store, f.svc, &cfg, f.metrics, discardLogger())

	_, err := svc.Claim(context.Background(), "u3")
	require.NoError(t, err)
	require.Len(t, f.store.txns, 1)
	assert.Equal(t, domain.SystemValidator, f.store.txns[0].RelatedUser)
}
