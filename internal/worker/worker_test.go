package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felixsoderstrom/indexbot/internal/queue"
	"github.com/felixsoderstrom/indexbot/internal/types"
)

type fakeAgent struct {
	answer string
	err    error
	delay  time.Duration
}

func (f *fakeAgent) Respond(ctx context.Context, req types.QueueRequest) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type fakeVoice struct {
	err   error
	calls int
}

func (f *fakeVoice) BeginSession(ctx context.Context, req types.QueueRequest) error {
	f.calls++
	return f.err
}

type fakeConv struct {
	mu    sync.Mutex
	turns []types.ConvTurn
}

func (f *fakeConv) AppendTurn(ctx context.Context, turn types.ConvTurn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, turn)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(ctx context.Context, origin types.OriginRef, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func newChatReq(userID string) *types.QueueRequest {
	return &types.QueueRequest{ID: userID + "-req", UserID: userID, ServerID: "0", Message: "what's up", RequestType: types.RequestChat}
}

func TestHandleChat_Success_AppendsUserThenAssistantTurn(t *testing.T) {
	q := queue.New(nil)
	conv := &fakeConv{}
	notifier := &recordingNotifier{}
	w := New(q, &fakeAgent{answer: "all good"}, &fakeVoice{}, conv, notifier)

	req := newChatReq("u1")
	q.Enqueue(req)
	popped, _ := q.Next()

	w.handle(context.Background(), popped)

	if len(conv.turns) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(conv.turns))
	}
	if conv.turns[0].Role != types.RoleUser || conv.turns[1].Role != types.RoleAssistant {
		t.Errorf("turn order: got %v, %v", conv.turns[0].Role, conv.turns[1].Role)
	}
	if conv.turns[1].Timestamp.Before(conv.turns[0].Timestamp) {
		t.Error("assistant turn timestamp precedes user turn timestamp")
	}
	if conv.turns[1].Content != "all good" {
		t.Errorf("assistant content: got %q", conv.turns[1].Content)
	}
	if popped.Status != types.StatusCompleted {
		t.Errorf("status: got %q, want completed", popped.Status)
	}
}

func TestHandleChat_AgentError_AppendsCanonicalErrorTurn(t *testing.T) {
	q := queue.New(nil)
	conv := &fakeConv{}
	w := New(q, &fakeAgent{err: errors.New("model down")}, &fakeVoice{}, conv, nil)

	req := newChatReq("u1")
	q.Enqueue(req)
	popped, _ := q.Next()
	w.handle(context.Background(), popped)

	if conv.turns[1].Content != canonicalErrorMessage {
		t.Errorf("assistant content: got %q, want canonical error message", conv.turns[1].Content)
	}
	if popped.Status != types.StatusReqFailed {
		t.Errorf("status: got %q, want failed", popped.Status)
	}
}

func TestHandleChat_AgentTimeout_AppendsCanonicalTimeoutTurn(t *testing.T) {
	q := queue.New(nil)
	conv := &fakeConv{}
	w := New(q, &fakeAgent{delay: 50 * time.Millisecond}, &fakeVoice{}, conv, nil, WithChatTimeout(10*time.Millisecond))

	req := newChatReq("u1")
	q.Enqueue(req)
	popped, _ := q.Next()
	w.handle(context.Background(), popped)

	if conv.turns[1].Content != canonicalTimeoutMessage {
		t.Errorf("assistant content: got %q, want canonical timeout message", conv.turns[1].Content)
	}
	if popped.Status != types.StatusReqFailed {
		t.Errorf("status: got %q, want failed", popped.Status)
	}
}

func TestHandleVoice_DispatchesToVoiceManager(t *testing.T) {
	q := queue.New(nil)
	voice := &fakeVoice{}
	w := New(q, &fakeAgent{}, voice, &fakeConv{}, nil)

	req := &types.QueueRequest{ID: "r1", UserID: "u1", RequestType: types.RequestVoice}
	q.Enqueue(req)
	popped, _ := q.Next()
	w.handle(context.Background(), popped)

	if voice.calls != 1 {
		t.Fatalf("expected 1 BeginSession call, got %d", voice.calls)
	}
	if popped.Status != types.StatusCompleted {
		t.Errorf("status: got %q, want completed", popped.Status)
	}
}

func TestHandleVoice_ErrorMarksFailed(t *testing.T) {
	q := queue.New(nil)
	voice := &fakeVoice{err: errors.New("discord api down")}
	w := New(q, &fakeAgent{}, voice, &fakeConv{}, nil)

	req := &types.QueueRequest{ID: "r1", UserID: "u1", RequestType: types.RequestVoice}
	q.Enqueue(req)
	popped, _ := q.Next()
	w.handle(context.Background(), popped)

	if popped.Status != types.StatusReqFailed {
		t.Errorf("status: got %q, want failed", popped.Status)
	}
}

func TestStartStop_DrainsQueueAndExitsCleanly(t *testing.T) {
	q := queue.New(nil)
	conv := &fakeConv{}
	w := New(q, &fakeAgent{answer: "ok"}, &fakeVoice{}, conv, nil, WithPollInterval(5*time.Millisecond))

	req := newChatReq("u1")
	q.Enqueue(req)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		conv.mu.Lock()
		n := len(conv.turns)
		conv.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for worker to process the queued request")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
