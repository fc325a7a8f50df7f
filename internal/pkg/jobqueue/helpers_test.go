package jobqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestQueue returns a queue on a fresh miniredis with jitter disabled.
func newTestQueue(t *testing.T, h Handler, opts Options) (*Queue, *redis.Client, *testClock) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if opts.Retry.InitialInterval == 0 {
		opts.Retry = DefaultRetryPolicy()
		opts.Retry.Jitter = 0
	}
	clock := newTestClock()
	q := NewQueue(client, h, opts).WithClock(clock.Now)
	return q, client, clock
}

type stubError struct {
	permanent bool
	retry     time.Duration
}

func (e *stubError) Error() string             { return "stub failure" }
func (e *stubError) IsPermanent() bool         { return e.permanent }
func (e *stubError) RetryAfter() time.Duration { return e.retry }

// scriptedHandler returns the queued results in order and nil once they run out.
type scriptedHandler struct {
	mu       sync.Mutex
	results  []error
	calls    []uint
	gaveUp   []uint
	giveUpFn func(eventID uint) error
}

func (h *scriptedHandler) Dispatch(_ context.Context, eventID uint) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, eventID)
	if len(h.results) == 0 {
		return nil
	}
	err := h.results[0]
	h.results = h.results[1:]
	return err
}

func (h *scriptedHandler) GiveUp(_ context.Context, eventID uint, _ string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.giveUpFn != nil {
		if err := h.giveUpFn(eventID); err != nil {
			return err
		}
	}
	h.gaveUp = append(h.gaveUp, eventID)
	return nil
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}
