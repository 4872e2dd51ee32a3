// Package queue implements the Request Queue: a bounded, single-flight-
// per-user FIFO of pending chat/voice requests, with best-effort status
// updates back to the originating Discord channel.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixsoderstrom/indexbot/internal/types"
)

// DefaultCapacity is the Request Queue's default FIFO bound (M in spec §4.5).
const DefaultCapacity = 50

const (
	defaultRatePerSecond = 0.2 // one enqueue every 5s per user, beyond the single-flight rule
	defaultRateBurst     = 2
)

// EnqueueResult reports the outcome of an Enqueue call.
type EnqueueResult string

const (
	Accepted              EnqueueResult = "accepted"
	RejectedFull          EnqueueResult = "rejected:full"
	RejectedDuplicateUser EnqueueResult = "rejected:duplicate_user"
	RejectedRateLimited   EnqueueResult = "rejected:rate_limited"
)

// StatusNotifier delivers a best-effort status update to a request's
// origin channel (edit the status message if one exists, otherwise send a
// new one). Implemented by the Discord adapter.
type StatusNotifier interface {
	Notify(ctx context.Context, origin types.OriginRef, text string) error
}

// Queue is a bounded FIFO of *types.QueueRequest with at most one
// non-terminal request per user_id, plus an additive per-user token-bucket
// rate limit on enqueue attempts so a user spamming !ask while their one
// request is processing gets a reply instead of silent drops.
type Queue struct {
	notifier StatusNotifier

	mu       sync.Mutex
	items    []*types.QueueRequest
	active   map[string]bool
	capacity int

	ratePerSecond rate.Limit
	rateBurst     int
	limiters      map[string]*rate.Limiter
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity overrides DefaultCapacity.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// WithRateLimit overrides the per-user enqueue token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(q *Queue) {
		if perSecond > 0 {
			q.ratePerSecond = rate.Limit(perSecond)
		}
		if burst > 0 {
			q.rateBurst = burst
		}
	}
}

// New constructs a Queue. notifier may be nil if status updates are not
// needed (e.g. in tests); UpdateStatus becomes a no-op in that case.
func New(notifier StatusNotifier, opts ...Option) *Queue {
	q := &Queue{
		notifier:      notifier,
		active:        make(map[string]bool),
		capacity:      DefaultCapacity,
		ratePerSecond: defaultRatePerSecond,
		rateBurst:     defaultRateBurst,
		limiters:      make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue appends req to the FIFO, assigning it EnqueuedAt and
// StatusQueued. The duplicate-user check is the critical anti-spam
// invariant: at most one non-terminal request per user_id exists at once.
func (q *Queue) Enqueue(req *types.QueueRequest) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active[req.UserID] {
		return RejectedDuplicateUser
	}
	if len(q.items) >= q.capacity {
		return RejectedFull
	}
	if !q.limiterFor(req.UserID).Allow() {
		return RejectedRateLimited
	}

	req.Status = types.StatusQueued
	req.EnqueuedAt = time.Now()
	q.items = append(q.items, req)
	q.active[req.UserID] = true
	return Accepted
}

// limiterFor returns the token bucket for userID, creating it on first use.
// Caller must hold q.mu.
func (q *Queue) limiterFor(userID string) *rate.Limiter {
	l, ok := q.limiters[userID]
	if !ok {
		l = rate.NewLimiter(q.ratePerSecond, q.rateBurst)
		q.limiters[userID] = l
	}
	return l
}

// Next pops the front of the FIFO and transitions it to StatusProcessing.
// It does not block: spec §4.6's Queue Worker loop calls Next and sleeps
// briefly itself when it returns false, so the blocking lives in exactly
// one place.
func (q *Queue) Next() (*types.QueueRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	req.Status = types.StatusProcessing
	return req, true
}

// Complete removes userID from the active set and sets the request's
// terminal status. Must be called exactly once per request popped by Next.
func (q *Queue) Complete(req *types.QueueRequest, success bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.active, req.UserID)
	if success {
		req.Status = types.StatusCompleted
	} else {
		req.Status = types.StatusReqFailed
	}
}

// Position returns userID's 1-based position in the FIFO, consistent with
// the order Next will pop in. Returns (0, false) if userID has no queued
// request (it may be processing, or it may never have been enqueued).
func (q *Queue) Position(userID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.UserID == userID {
			return i + 1, true
		}
	}
	return 0, false
}

// Len returns the current FIFO depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// UpdateStatus best-effort notifies req's origin channel with text. Failures
// are logged, never returned: a lost status update must not abort request
// processing.
func (q *Queue) UpdateStatus(ctx context.Context, req *types.QueueRequest, text string) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Notify(ctx, req.Origin, text); err != nil {
		slog.Warn("queue: status update failed", "user_id", req.UserID, "error", err)
	}
}
