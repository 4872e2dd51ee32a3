package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixsoderstrom/indexbot/internal/pipeline"
	"github.com/felixsoderstrom/indexbot/internal/types"
	"github.com/felixsoderstrom/indexbot/internal/vectorstore"
)

type fakeConfigs struct {
	configured map[string]types.ServerConfig
}

func (f *fakeConfigs) Get(serverID string) (types.ServerConfig, bool) {
	cfg, ok := f.configured[serverID]
	return cfg, ok
}

type fakeExtractor struct {
	summaries   map[string]types.LinkSummary
	summaryErrs map[string]error
	captions    map[string]string
	captionErrs map[string]error
}

func (f *fakeExtractor) SummarizeURL(ctx context.Context, serverID, url string) (types.LinkSummary, error) {
	if err, ok := f.summaryErrs[url]; ok {
		return types.LinkSummary{}, err
	}
	return f.summaries[url], nil
}

func (f *fakeExtractor) CaptionImage(ctx context.Context, serverID, url string) (string, error) {
	if err, ok := f.captionErrs[url]; ok {
		return "", err
	}
	return f.captions[url], nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fakeStore struct {
	upserts []upsertCall
	err     error
}

type upsertCall struct {
	ServerID  string
	MessageID string
	Text      string
	Vector    []float32
	Meta      vectorstore.Metadata
}

func (f *fakeStore) Upsert(ctx context.Context, serverID, messageID, text string, vector []float32, meta vectorstore.Metadata) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, upsertCall{serverID, messageID, text, vector, meta})
	return nil
}

func baseConfig(serverID string, policy types.ErrorPolicy) *fakeConfigs {
	return &fakeConfigs{configured: map[string]types.ServerConfig{
		serverID: {ServerID: serverID, ServerName: "test", ErrorPolicy: policy, EmbeddingModelID: "test-model"},
	}}
}

func baseMessage(content string, attachments ...string) types.RawMessage {
	return types.RawMessage{
		MessageID: "msg-1",
		ServerID:  "server-1",
		Channel:   types.Channel{ID: "c1", Name: "general"},
		Author:    types.Author{ID: "u1", Username: "alice", DisplayName: "Alice"},
		Content:   content,
		Attachments: append([]string(nil), attachments...),
		Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProcess_UnconfiguredServerDroppedSilently(t *testing.T) {
	p := pipeline.New(&fakeConfigs{configured: map[string]types.ServerConfig{}}, &fakeExtractor{}, &fakeEmbedder{}, &fakeStore{})
	msg, err := p.Process(context.Background(), baseMessage("hello"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if msg.Status != "" {
		t.Errorf("expected zero-value ProcessedMessage for ungated server, got status %q", msg.Status)
	}
}

func TestProcess_EmptyMessageEarlyExit(t *testing.T) {
	p := pipeline.New(baseConfig("server-1", types.PolicySkip), &fakeExtractor{}, &fakeEmbedder{}, &fakeStore{})
	msg, err := p.Process(context.Background(), baseMessage(""))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if msg.Status != types.StatusStored {
		t.Errorf("expected early-exit success status, got %q", msg.Status)
	}
}

func TestProcess_PlainTextStoresMessage(t *testing.T) {
	store := &fakeStore{}
	embed := &fakeEmbedder{vector: []float32{1, 2, 3}}
	p := pipeline.New(baseConfig("server-1", types.PolicySkip), &fakeExtractor{}, embed, store)

	msg, err := p.Process(context.Background(), baseMessage("hello world"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if msg.Status != types.StatusStored {
		t.Fatalf("expected stored status, got %q", msg.Status)
	}
	if len(store.upserts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(store.upserts))
	}
	if store.upserts[0].Text != "hello world" {
		t.Errorf("composite text: got %q", store.upserts[0].Text)
	}
}

func TestProcess_URLFailure_SkipPolicyContinues(t *testing.T) {
	store := &fakeStore{}
	ext := &fakeExtractor{summaryErrs: map[string]error{"http://example.com": errors.New("fetch failed")}}
	embed := &fakeEmbedder{vector: []float32{1}}
	p := pipeline.New(baseConfig("server-1", types.PolicySkip), ext, embed, store)

	msg, err := p.Process(context.Background(), baseMessage("check http://example.com out"))
	if err != nil {
		t.Fatalf("Process: expected nil error under skip policy, got %v", err)
	}
	if msg.Status != types.StatusStored {
		t.Errorf("expected stored status despite URL failure, got %q", msg.Status)
	}
	if len(msg.Extractions.LinkSummaries) != 0 {
		t.Errorf("expected no link summaries, got %d", len(msg.Extractions.LinkSummaries))
	}
}

func TestProcess_URLFailure_StopPolicyAborts(t *testing.T) {
	ext := &fakeExtractor{summaryErrs: map[string]error{"http://example.com": errors.New("fetch failed")}}
	p := pipeline.New(baseConfig("server-1", types.PolicyStop), ext, &fakeEmbedder{}, &fakeStore{})

	msg, err := p.Process(context.Background(), baseMessage("check http://example.com out"))
	if err == nil {
		t.Fatal("expected error under stop policy, got nil")
	}
	if msg.Status != types.StatusFailed {
		t.Errorf("expected failed status, got %q", msg.Status)
	}
}

func TestProcess_ImageCaptionIncludedInComposite(t *testing.T) {
	store := &fakeStore{}
	ext := &fakeExtractor{captions: map[string]string{"http://img/1.png": "a red square"}}
	embed := &fakeEmbedder{vector: []float32{1}}
	p := pipeline.New(baseConfig("server-1", types.PolicySkip), ext, embed, store)

	msg, err := p.Process(context.Background(), baseMessage("look", "http://img/1.png"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(msg.Extractions.ImageCaptions) != 1 || msg.Extractions.ImageCaptions[0] != "a red square" {
		t.Errorf("captions: got %v", msg.Extractions.ImageCaptions)
	}
	if store.upserts[0].Text != "look\n\na red square" {
		t.Errorf("composite text: got %q", store.upserts[0].Text)
	}
}

func TestProcess_EmbeddingFailure_StopPolicyAborts(t *testing.T) {
	embed := &fakeEmbedder{err: errors.New("model down")}
	p := pipeline.New(baseConfig("server-1", types.PolicyStop), &fakeExtractor{}, embed, &fakeStore{})

	_, err := p.Process(context.Background(), baseMessage("hello"))
	if err == nil {
		t.Fatal("expected error when embedding fails under stop policy, got nil")
	}
}

func TestProcess_MentionsParsedWithoutURLs(t *testing.T) {
	store := &fakeStore{}
	p := pipeline.New(baseConfig("server-1", types.PolicySkip), &fakeExtractor{}, &fakeEmbedder{vector: []float32{1}}, store)

	msg, err := p.Process(context.Background(), baseMessage("hey <@123> check <#456>"))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(msg.Extractions.MentionedUsers) != 1 || msg.Extractions.MentionedUsers[0] != "123" {
		t.Errorf("mentioned users: got %v", msg.Extractions.MentionedUsers)
	}
	if len(msg.Extractions.MentionedChans) != 1 || msg.Extractions.MentionedChans[0] != "456" {
		t.Errorf("mentioned channels: got %v", msg.Extractions.MentionedChans)
	}
}

type fakeResumeSource struct {
	count     int64
	countErr  error
	latest    time.Time
	latestOK  bool
	latestErr error
}

func (f *fakeResumeSource) Count(ctx context.Context, serverID string) (int64, error) {
	return f.count, f.countErr
}

func (f *fakeResumeSource) LatestIndexedTimestamp(ctx context.Context, serverID string) (time.Time, bool, error) {
	return f.latest, f.latestOK, f.latestErr
}

func TestResolveResumeState_EmptyCollectionNeedsFullScan(t *testing.T) {
	state, err := pipeline.ResolveResumeState(context.Background(), &fakeResumeSource{count: 0}, "server-1")
	if err != nil {
		t.Fatalf("ResolveResumeState: %v", err)
	}
	if !state.NeedsFullScan {
		t.Error("expected NeedsFullScan=true for empty collection")
	}
}

func TestResolveResumeState_ResumesAfterLatestTimestamp(t *testing.T) {
	latest := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	state, err := pipeline.ResolveResumeState(context.Background(), &fakeResumeSource{count: 10, latest: latest, latestOK: true}, "server-1")
	if err != nil {
		t.Fatalf("ResolveResumeState: %v", err)
	}
	if state.NeedsFullScan {
		t.Error("expected NeedsFullScan=false when a latest timestamp exists")
	}
	if !state.ResumeAfter.Equal(latest) {
		t.Errorf("ResumeAfter: got %v, want %v", state.ResumeAfter, latest)
	}
}

func TestResolveResumeState_NoParseableTimestampNeedsFullScan(t *testing.T) {
	state, err := pipeline.ResolveResumeState(context.Background(), &fakeResumeSource{count: 5, latestOK: false}, "server-1")
	if err != nil {
		t.Fatalf("ResolveResumeState: %v", err)
	}
	if !state.NeedsFullScan {
		t.Error("expected NeedsFullScan=true when no timestamp is parseable")
	}
}
