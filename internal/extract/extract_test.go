package extract_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felixsoderstrom/indexbot/internal/extract"
	"github.com/felixsoderstrom/indexbot/pkg/provider/llm"
	llmmock "github.com/felixsoderstrom/indexbot/pkg/provider/llm/mock"
)

func TestSummarizeURL_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><script>ignored()</script><p>Hello   world.</p></body></html>"))
	}))
	defer srv.Close()

	gw := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "a summary"}}
	e := extract.New(gw, extract.WithRateLimit(1000, 10))

	summary, err := e.SummarizeURL(context.Background(), "server-1", srv.URL)
	if err != nil {
		t.Fatalf("SummarizeURL: %v", err)
	}
	if summary.Summary != "a summary" {
		t.Errorf("Summary: got %q", summary.Summary)
	}
	if summary.URL != srv.URL {
		t.Errorf("URL: got %q, want %q", summary.URL, srv.URL)
	}

	if len(gw.CompleteCalls) != 1 {
		t.Fatalf("expected 1 Complete call, got %d", len(gw.CompleteCalls))
	}
	if !strings.Contains(gw.CompleteCalls[0].Req.Messages[0].Content, "Hello world.") {
		t.Errorf("cleaned content missing from request: %q", gw.CompleteCalls[0].Req.Messages[0].Content)
	}
}

func TestSummarizeURL_NonTwoxxIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := extract.New(&llmmock.Provider{}, extract.WithRateLimit(1000, 10))
	_, err := e.SummarizeURL(context.Background(), "server-1", srv.URL)
	if err == nil {
		t.Fatal("expected error for 500 response, got nil")
	}
}

func TestSummarizeURL_EmptyModelResponseIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>some content</p>"))
	}))
	defer srv.Close()

	gw := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "   "}}
	e := extract.New(gw, extract.WithRateLimit(1000, 10))

	_, err := e.SummarizeURL(context.Background(), "server-1", srv.URL)
	if err == nil {
		t.Fatal("expected error for blank model response, got nil")
	}
}

func TestSummarizeURL_ModelFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>content</p>"))
	}))
	defer srv.Close()

	gw := &llmmock.Provider{CompleteErr: errors.New("model unavailable")}
	e := extract.New(gw, extract.WithRateLimit(1000, 10))

	_, err := e.SummarizeURL(context.Background(), "server-1", srv.URL)
	if err == nil {
		t.Fatal("expected error when model call fails, got nil")
	}
}

func TestSummarizeURL_RespectsPerServerRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>content</p>"))
	}))
	defer srv.Close()

	gw := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
	e := extract.New(gw, extract.WithRateLimit(2, 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := e.SummarizeURL(ctx, "server-1", srv.URL); err != nil {
		t.Fatalf("first call: unexpected error: %v", err)
	}
	// Burst of 1 at 2/s: the second immediate call on the same server should
	// block past the tight deadline above.
	if _, err := e.SummarizeURL(ctx, "server-1", srv.URL); err == nil {
		t.Error("expected second call to be rate-limited within the deadline")
	}
}

func TestParseMentions(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantUsers    []string
		wantChannels []string
	}{
		{"no mentions", "hello world", nil, nil},
		{"plain user mention", "hey <@123> check this", []string{"123"}, nil},
		{"nickname user mention", "hey <@!456> check this", []string{"456"}, nil},
		{"channel mention", "see <#789>", nil, []string{"789"}},
		{"mixed", "hi <@1> and <@!2> in <#3>", []string{"1", "2"}, []string{"3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users, channels := extract.ParseMentions(tt.content)
			if !equalSlices(users, tt.wantUsers) {
				t.Errorf("users: got %v, want %v", users, tt.wantUsers)
			}
			if !equalSlices(channels, tt.wantChannels) {
				t.Errorf("channels: got %v, want %v", channels, tt.wantChannels)
			}
		})
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
