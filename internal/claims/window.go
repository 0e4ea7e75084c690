package claims

import (
	"context"
	"sync"
	"time"

	"github.com/clan-roster/internal/domain"
)

// Window is a bounded set of identities that claimed during the current
// time window. Windows are aligned to multiples of the window length and the
// set is cleared as soon as the window ends.
type Window struct {
	mu     sync.Mutex
	length time.Duration
	limit  int
	now    func() time.Time
	start  time.Time
	seen   map[string]struct{}
}

// NewWindow creates a claim window holding at most limit identities
func NewWindow(length time.Duration, limit int) *Window {
	return &Window{
		length: length,
		limit:  limit,
		now:    time.Now,
		seen:   make(map[string]struct{}),
	}
}

// WithClock overrides the time source
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Claim records identity in the current window. It returns false when the
// identity already claimed in this window, along with the window's end.
func (w *Window) Claim(_ context.Context, identity string) (bool, time.Time, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	end := w.rotate()
	if _, ok := w.seen[identity]; ok {
		return false, end, nil
	}
	if len(w.seen) >= w.limit {
		return false, end, domain.ErrClaimWindowFull
	}
	w.seen[identity] = struct{}{}
	return true, end, nil
}

// Len returns the number of claims in the current window
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate()
	return len(w.seen)
}

// Clear drops every claim regardless of the window
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.seen)
}

// rotate clears the set when the clock has left the stored window and
// returns the current window's end. Callers hold w.mu.
func (w *Window) rotate() time.Time {
	start := w.now().Truncate(w.length)
	if !start.Equal(w.start) {
		clear(w.seen)
		w.start = start
	}
	return start.Add(w.length)
}
