package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	indexbottypes "github.com/felixsoderstrom/indexbot/internal/types"
	"github.com/felixsoderstrom/indexbot/internal/vectorstore"
	"github.com/felixsoderstrom/indexbot/pkg/provider/llm"
	oaitypes "github.com/felixsoderstrom/indexbot/pkg/types"
)

// The Agent Runner is the search-grounded question-answering loop driven by
// the Queue Worker for every "chat" QueueRequest. It is bound to a single
// tool, search_messages, implemented against the Vector Store Facade.

const (
	DefaultMaxIterations    = 10
	DefaultMaxExecutionTime = 30 * time.Second
	DefaultOuterDeadline    = 45 * time.Second
	DefaultMaxResponseChars = 1800
	DefaultSearchK          = 5
	DefaultRelevanceCutoff  = 0.1

	truncationMarker = "\n... [response truncated]"

	canonicalTimeoutMessage = "Sorry, that took too long to look up — try asking again, maybe with a narrower question."
	canonicalErrorMessage   = "Sorry, I ran into a problem answering that. Please try again."
)

const runnerSystemPrompt = "You answer questions about a Discord server's message history. " +
	"Use the search_messages tool to find relevant messages before answering. " +
	"If the search turns up nothing relevant, say so plainly instead of guessing."

const searchToolName = "search_messages"

var searchToolDefinition = oaitypes.ToolDefinition{
	Name:        searchToolName,
	Description: "Search this Discord server's indexed message history for content relevant to a query. Returns up to 5 of the most relevant messages with author, channel, timestamp, and relevance score.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "A descriptive search query, e.g. \"standup meeting notes\" or \"bug report about login\".",
			},
		},
		"required": []string{"query"},
	},
	Idempotent: true,
}

// ModelGateway is the slice of the Model Gateway the runner drives.
type ModelGateway interface {
	Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the slice of the Vector Store Facade backing search_messages.
type Searcher interface {
	Query(ctx context.Context, serverID string, queryVector []float32, k int) ([]vectorstore.Result, error)
}

// cachedExecutor is the per-(user_id, server_id) cached unit the Runner
// reuses across requests. Each request is stateless (no chat history is
// threaded between calls — durable history is for audit/search only) but
// the binding itself is still cached and reused, mirroring the lazily
// created, mutex-guarded per-key cache idiom used elsewhere in this
// codebase (internal/extract's per-server rate limiters, internal/config's
// process-wide mirror).
type cachedExecutor struct {
	userID   string
	serverID string
}

// Runner is the Agent Runner.
type Runner struct {
	gateway ModelGateway
	search  Searcher

	maxIterations    int
	maxExecutionTime time.Duration
	outerDeadline    time.Duration
	maxResponseChars int
	searchK          int
	relevanceCutoff  float64

	mu        sync.Mutex
	executors map[string]*cachedExecutor
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithMaxIterations(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxIterations = n
		}
	}
}

func WithMaxExecutionTime(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.maxExecutionTime = d
		}
	}
}

func WithOuterDeadline(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.outerDeadline = d
		}
	}
}

func WithMaxResponseChars(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxResponseChars = n
		}
	}
}

// NewRunner constructs an Agent Runner.
func NewRunner(gateway ModelGateway, search Searcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		gateway:          gateway,
		search:           search,
		maxIterations:    DefaultMaxIterations,
		maxExecutionTime: DefaultMaxExecutionTime,
		outerDeadline:    DefaultOuterDeadline,
		maxResponseChars: DefaultMaxResponseChars,
		searchK:          DefaultSearchK,
		relevanceCutoff:  DefaultRelevanceCutoff,
		executors:        make(map[string]*cachedExecutor),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) executorFor(userID, serverID string) *cachedExecutor {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := userID + "|" + serverID
	e, ok := r.executors[key]
	if !ok {
		e = &cachedExecutor{userID: userID, serverID: serverID}
		r.executors[key] = e
	}
	return e
}

// Respond answers req.Message using the bounded search_messages tool loop.
// It never returns an error to the caller under normal operation: timeouts
// and tool/model failures are converted into canonical response text, per
// the Agent Runner's "never throws to caller" contract. A non-nil error is
// returned only if ctx itself is cancelled by something outside the
// runner's own bounds (e.g. process shutdown).
func (r *Runner) Respond(ctx context.Context, req indexbottypes.QueueRequest) (string, error) {
	r.executorFor(req.UserID, req.ServerID)

	outerCtx, cancelOuter := context.WithTimeout(ctx, r.outerDeadline)
	defer cancelOuter()
	execCtx, cancelExec := context.WithTimeout(outerCtx, r.maxExecutionTime)
	defer cancelExec()

	content, err := r.run(execCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return canonicalTimeoutMessage, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err() // caller's own context died; let it propagate
		}
		slog.Warn("agent: request failed", "user_id", req.UserID, "server_id", req.ServerID, "error", err)
		return canonicalErrorMessage, nil
	}
	return truncate(content, r.maxResponseChars), nil
}

func (r *Runner) run(ctx context.Context, req indexbottypes.QueueRequest) (string, error) {
	messages := []oaitypes.Message{{Role: "user", Content: req.Message}}

	for i := 0; i < r.maxIterations; i++ {
		resp, err := r.gateway.Chat(ctx, llm.CompletionRequest{
			SystemPrompt: runnerSystemPrompt,
			Messages:     messages,
			Tools:        []oaitypes.ToolDefinition{searchToolDefinition},
		})
		if err != nil {
			return "", fmt.Errorf("agent: chat: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			return resp.Content, nil
		}

		messages = append(messages, oaitypes.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			result, err := r.executeTool(ctx, req.ServerID, call)
			if err != nil {
				result = fmt.Sprintf("search failed: %v", err)
			}
			messages = append(messages, oaitypes.Message{Role: "tool", Content: result, ToolCallID: call.ID})
		}
	}

	return "", errors.New("agent: exceeded max iterations without a final answer")
}

func (r *Runner) executeTool(ctx context.Context, serverID string, call oaitypes.ToolCall) (string, error) {
	if call.Name != searchToolName {
		return "", fmt.Errorf("unknown tool %q", call.Name)
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "No relevant messages found in the server history.", nil
	}

	vector, err := r.gateway.Embed(ctx, args.Query)
	if err != nil {
		return "", fmt.Errorf("embed query: %w", err)
	}

	hits, err := r.search.Query(ctx, serverID, vector, r.searchK)
	if err != nil {
		return "", fmt.Errorf("vector search: %w", err)
	}

	return formatSearchResults(hits, r.relevanceCutoff), nil
}

// formatSearchResults renders hits as a human-readable block, dropping any
// below relevanceCutoff. Cosine distance is in [0, 2]; relevance = 1 - distance.
func formatSearchResults(hits []vectorstore.Result, relevanceCutoff float64) string {
	var b strings.Builder
	shown := 0
	for _, h := range hits {
		relevance := 1 - h.Distance
		if relevance < relevanceCutoff {
			continue
		}
		shown++
		content := h.Content
		if len(content) > 800 {
			content = content[:800] + "..."
		}
		fmt.Fprintf(&b, "%d. %s in #%s at %s (relevance %.2f):\n%s\n\n",
			shown, displayName(h.Metadata), h.Metadata.ChannelName,
			h.Metadata.Timestamp.Format(time.RFC3339), relevance, content)
	}
	if shown == 0 {
		return "No relevant messages found in the server history."
	}
	return strings.TrimSpace(b.String())
}

// displayName honors the display_name > global_name > nick > username
// priority required by the search_messages tool formatting contract.
func displayName(m vectorstore.Metadata) string {
	switch {
	case m.AuthorDisplayName != "":
		return m.AuthorDisplayName
	case m.AuthorGlobalName != "":
		return m.AuthorGlobalName
	case m.AuthorNick != "":
		return m.AuthorNick
	default:
		return m.AuthorName
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return s[:cut] + truncationMarker
}
