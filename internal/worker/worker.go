// Package worker implements the Queue Worker: the single long-running task
// that drains the Request Queue, dispatches voice vs. chat requests, and
// persists conversation turns.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felixsoderstrom/indexbot/internal/queue"
	"github.com/felixsoderstrom/indexbot/internal/types"
)

const (
	// DefaultChatTimeout bounds one chat request end-to-end (T in spec §4.6).
	DefaultChatTimeout = 60 * time.Second
	// DefaultVoiceTimeout bounds a begin_session call.
	DefaultVoiceTimeout = 30 * time.Second
	// DefaultPollInterval is how often an idle worker checks the queue again.
	DefaultPollInterval = 200 * time.Millisecond
)

const (
	canonicalTimeoutMessage = "That took too long to answer — please try again in a moment."
	canonicalErrorMessage   = "Something went wrong answering that — please try again."
)

// AgentRunner is the slice of the Agent Runner the worker dispatches chat
// requests to.
type AgentRunner interface {
	Respond(ctx context.Context, req types.QueueRequest) (string, error)
}

// VoiceManager is the slice of the Voice Manager the worker dispatches
// voice requests to.
type VoiceManager interface {
	BeginSession(ctx context.Context, req types.QueueRequest) error
}

// ConvWriter is the slice of the Conversation Store the worker appends
// turns to.
type ConvWriter interface {
	AppendTurn(ctx context.Context, turn types.ConvTurn) error
}

// Worker drains a *queue.Queue, dispatching each request to the Agent
// Runner or Voice Manager and recording the outcome.
type Worker struct {
	queue    *queue.Queue
	agent    AgentRunner
	voice    VoiceManager
	conv     ConvWriter
	notifier queue.StatusNotifier

	chatTimeout  time.Duration
	voiceTimeout time.Duration
	pollInterval time.Duration

	done     chan struct{}
	idle     chan struct{}
	stopOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

func WithChatTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.chatTimeout = d
		}
	}
}

func WithVoiceTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.voiceTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// New constructs a Worker. notifier delivers the final response (or
// canonical failure message) back to the request's origin channel; it may
// be the same StatusNotifier the Queue itself uses for "processing" updates.
func New(q *queue.Queue, agent AgentRunner, voice VoiceManager, conv ConvWriter, notifier queue.StatusNotifier, opts ...Option) *Worker {
	w := &Worker{
		queue:        q,
		agent:        agent,
		voice:        voice,
		conv:         conv,
		notifier:     notifier,
		chatTimeout:  DefaultChatTimeout,
		voiceTimeout: DefaultVoiceTimeout,
		pollInterval: DefaultPollInterval,
		done:         make(chan struct{}),
		idle:         make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the consumer loop in a background goroutine until ctx is
// cancelled or Stop is called.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

// Stop signals the loop to exit and waits for it to finish handling
// whatever request was in flight, up to ctx's deadline. Safe to call
// multiple times; a ctx that expires before the loop goes idle returns
// ctx.Err() without detaching from the in-flight request, which keeps
// running against its own per-request timeout regardless.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.done) })
	select {
	case <-w.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the underlying Request Queue's current depth, satisfying
// internal/cleanup.RequestDrainer's drain-progress poll.
func (w *Worker) Len() int {
	return w.queue.Len()
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.idle)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			req, ok := w.queue.Next()
			if !ok {
				continue
			}
			w.handle(ctx, req)
		}
	}
}

// handle dispatches req and frees its queue slot. It derives a context
// detached from parent's cancellation (context.WithoutCancel) so a
// shutdown signal does not abort a request already in flight — instead the
// per-request timeout bounds it, per spec §4.6's "best-effort timeout"
// cancellation rule.
func (w *Worker) handle(parent context.Context, req *types.QueueRequest) {
	w.queue.UpdateStatus(parent, req, "processing")

	timeout := w.chatTimeout
	if req.RequestType == types.RequestVoice {
		timeout = w.voiceTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	var success bool
	switch req.RequestType {
	case types.RequestVoice:
		success = w.handleVoice(ctx, req)
	default:
		success = w.handleChat(ctx, req)
	}
	w.queue.Complete(req, success)
}

func (w *Worker) handleVoice(ctx context.Context, req *types.QueueRequest) bool {
	if err := w.voice.BeginSession(ctx, *req); err != nil {
		slog.Warn("worker: voice session failed to start", "user_id", req.UserID, "error", err)
		w.queue.UpdateStatus(ctx, req, canonicalErrorMessage)
		return false
	}
	return true
}

// handleChat appends exactly one user turn and one assistant turn, in that
// order, regardless of whether the agent succeeds, times out, or errors.
func (w *Worker) handleChat(ctx context.Context, req *types.QueueRequest) bool {
	now := time.Now().UTC()
	userTurn := types.ConvTurn{UserID: req.UserID, ServerID: req.ServerID, Role: types.RoleUser, Content: req.Message, Timestamp: now}
	if err := w.conv.AppendTurn(ctx, userTurn); err != nil {
		slog.Warn("worker: failed to append user turn", "user_id", req.UserID, "error", err)
	}

	answer, err := w.agent.Respond(ctx, *req)

	success := err == nil
	content := answer
	if err != nil {
		content = canonicalErrorMessage
		if ctx.Err() == context.DeadlineExceeded {
			content = canonicalTimeoutMessage
		}
		slog.Warn("worker: agent failed to respond", "user_id", req.UserID, "error", err)
	}

	assistantTurn := types.ConvTurn{
		UserID:    req.UserID,
		ServerID:  req.ServerID,
		Role:      types.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := w.conv.AppendTurn(ctx, assistantTurn); err != nil {
		slog.Warn("worker: failed to append assistant turn", "user_id", req.UserID, "error", err)
	}

	w.queue.UpdateStatus(ctx, req, content)
	return success
}
