package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/clan-roster/internal/domain"
)

const boardBatchSize = 500

// PointsBoard caches member point totals in a sorted set. PostgreSQL stays
// the source of truth; the board is rebuilt from it on a schedule.
type PointsBoard struct {
	client *Client
	key    string
}

// NewPointsBoard creates a points board under prefix
func NewPointsBoard(c *Client, prefix string) *PointsBoard {
	return &PointsBoard{client: c, key: fmt.Sprintf("%s:points:board", prefix)}
}

// SetPoints stores a member's current total
func (b *PointsBoard) SetPoints(ctx context.Context, character string, points int64) error {
	err := b.client.client.ZAdd(ctx, b.key, redis.Z{
		Score:  float64(points),
		Member: character,
	}).Err()
	if err != nil {
		return fmt.Errorf("setting points: %w", err)
	}
	return nil
}

// Remove drops a member from the board
func (b *PointsBoard) Remove(ctx context.Context, character string) error {
	if err := b.client.client.ZRem(ctx, b.key, character).Err(); err != nil {
		return fmt.Errorf("removing member from board: %w", err)
	}
	return nil
}

// Top returns the n members with the most points
func (b *PointsBoard) Top(ctx context.Context, n int) ([]domain.LeaderboardEntry, error) {
	results, err := b.client.client.ZRevRangeWithScores(ctx, b.key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top members: %w", err)
	}

	entries := make([]domain.LeaderboardEntry, len(results))
	for i, result := range results {
		entries[i] = domain.LeaderboardEntry{
			Position:      int64(i + 1),
			CharacterName: result.Member.(string),
			Points:        int64(result.Score),
		}
	}
	return entries, nil
}

// Rebuild replaces the board with scores
func (b *PointsBoard) Rebuild(ctx context.Context, scores map[string]int64) error {
	staging := b.key + ":staging"

	pipe := b.client.client.Pipeline()
	pipe.Del(ctx, staging)
	members := make([]redis.Z, 0, boardBatchSize)
	for character, points := range scores {
		members = append(members, redis.Z{Score: float64(points), Member: character})
		if len(members) == boardBatchSize {
			pipe.ZAdd(ctx, staging, members...)
			members = make([]redis.Z, 0, boardBatchSize)
		}
	}
	if len(members) > 0 {
		pipe.ZAdd(ctx, staging, members...)
	}
	if len(scores) > 0 {
		pipe.Rename(ctx, staging, b.key)
	} else {
		pipe.Del(ctx, b.key)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rebuilding points board: %w", err)
	}
	b.client.logger.Debug("points board rebuilt", "members", len(scores))
	return nil
}
