package redis

import (
	"context"
	"fmt"
	"time"
)

// ClaimSet is the Redis-backed reward claim dedup set. Each window gets its
// own set that expires when the window ends.
type ClaimSet struct {
	client *Client
	prefix string
	length time.Duration
	now    func() time.Time
}

// NewClaimSet creates a claim set for windows of the given length
func NewClaimSet(c *Client, prefix string, length time.Duration) *ClaimSet {
	return &ClaimSet{client: c, prefix: prefix, length: length, now: time.Now}
}

func (s *ClaimSet) key(start time.Time) string {
	return fmt.Sprintf("%s:claims:%d", s.prefix, start.Unix())
}

// Claim adds identity to the current window's set. It returns false when the
// identity already claimed in this window.
func (s *ClaimSet) Claim(ctx context.Context, identity string) (bool, time.Time, error) {
	start := s.now().Truncate(s.length)
	end := start.Add(s.length)
	key := s.key(start)

	pipe := s.client.client.TxPipeline()
	added := pipe.SAdd(ctx, key, identity)
	pipe.ExpireAt(ctx, key, end)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, end, fmt.Errorf("recording reward claim: %w", err)
	}
	return added.Val() == 1, end, nil
}
