package discordbot

import (
	"testing"

	"github.com/felixsoderstrom/indexbot/internal/types"
)

func TestSplitSelector_RecognizesBracketedSelector(t *testing.T) {
	selector, question, ok := splitSelector("[alpha] what happened yesterday?")
	if !ok {
		t.Fatal("expected selector to be recognized")
	}
	if selector != "alpha" {
		t.Errorf("selector = %q, want %q", selector, "alpha")
	}
	if question != "what happened yesterday?" {
		t.Errorf("question = %q, want %q", question, "what happened yesterday?")
	}
}

func TestSplitSelector_NoSelectorReturnsWholeStringAsQuestion(t *testing.T) {
	selector, question, ok := splitSelector("what happened yesterday?")
	if ok {
		t.Fatal("expected no selector to be recognized")
	}
	if selector != "" {
		t.Errorf("selector = %q, want empty", selector)
	}
	if question != "what happened yesterday?" {
		t.Errorf("question = %q, want original string", question)
	}
}

func TestSplitSelector_UnterminatedBracketIsNotASelector(t *testing.T) {
	_, question, ok := splitSelector("[alpha what happened?")
	if ok {
		t.Fatal("expected an unterminated bracket to not be treated as a selector")
	}
	if question != "[alpha what happened?" {
		t.Errorf("question = %q, want original string", question)
	}
}

func newTestBot() *Bot {
	return &Bot{
		pendings: make(map[string]pendingSelection),
	}
}

func TestResolveSelector_ExactNameMatch(t *testing.T) {
	b := newTestBot()
	shared := []types.ServerConfig{
		{ServerID: "1", ServerName: "Alpha"},
		{ServerID: "2", ServerName: "Beta"},
	}
	sc, err := b.resolveSelector("user1", "Beta", shared)
	if err != nil {
		t.Fatalf("resolveSelector: %v", err)
	}
	if sc.ServerID != "2" {
		t.Errorf("ServerID = %q, want %q", sc.ServerID, "2")
	}
}

func TestResolveSelector_FuzzyNameMatch(t *testing.T) {
	b := newTestBot()
	shared := []types.ServerConfig{
		{ServerID: "1", ServerName: "Alphaville"},
	}
	sc, err := b.resolveSelector("user1", "alphaville", shared)
	if err != nil {
		t.Fatalf("resolveSelector: %v", err)
	}
	if sc.ServerID != "1" {
		t.Errorf("ServerID = %q, want %q", sc.ServerID, "1")
	}
}

func TestResolveSelector_TooDissimilarIsInvalid(t *testing.T) {
	b := newTestBot()
	shared := []types.ServerConfig{
		{ServerID: "1", ServerName: "Alpha"},
	}
	if _, err := b.resolveSelector("user1", "zzz-totally-different", shared); err == nil {
		t.Fatal("expected an error for a dissimilar server name")
	}
}

func TestResolveSelector_NumericIndexResolvesAgainstPendingListing(t *testing.T) {
	b := newTestBot()
	shared := []types.ServerConfig{
		{ServerID: "1", ServerName: "Alpha"},
		{ServerID: "2", ServerName: "Beta"},
	}
	b.pendings["user1"] = pendingSelection{servers: shared}

	sc, err := b.resolveSelector("user1", "2", shared)
	if err != nil {
		t.Fatalf("resolveSelector: %v", err)
	}
	if sc.ServerID != "2" {
		t.Errorf("ServerID = %q, want %q", sc.ServerID, "2")
	}
}

func TestResolveSelector_NumericIndexOutOfRangeIsInvalid(t *testing.T) {
	b := newTestBot()
	shared := []types.ServerConfig{{ServerID: "1", ServerName: "Alpha"}}
	b.pendings["user1"] = pendingSelection{servers: shared}

	if _, err := b.resolveSelector("user1", "5", shared); err == nil {
		t.Fatal("expected an out-of-range index to be rejected")
	}
}

func TestResolveSelector_NumericIndexWithNoPendingListingIsInvalid(t *testing.T) {
	b := newTestBot()
	shared := []types.ServerConfig{{ServerID: "1", ServerName: "Alpha"}}

	if _, err := b.resolveSelector("user1", "1", shared); err == nil {
		t.Fatal("expected a numeric selector with no prior listing to be rejected")
	}
}

func TestStats_RecordsProcessedFailedAndDistinctChannels(t *testing.T) {
	s := newStats()
	s.recordProcessed("chan-a")
	s.recordProcessed("chan-a")
	s.recordProcessed("chan-b")
	s.recordFailed()

	processed, failed, channels := s.snapshot()
	if processed != 3 {
		t.Errorf("processed = %d, want 3", processed)
	}
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if channels != 2 {
		t.Errorf("channels = %d, want 2", channels)
	}
}
