// Package gateway implements the Model Gateway: unified access to text chat
// with tool-calls, vision captioning, and text embedding. It owns model
// residency (keep-alive pre-warming) and exposes a health check that pings
// every backend.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felixsoderstrom/indexbot/pkg/provider/embeddings"
	"github.com/felixsoderstrom/indexbot/pkg/provider/llm"
	"github.com/felixsoderstrom/indexbot/pkg/provider/vision"
	"github.com/felixsoderstrom/indexbot/pkg/types"
)

// DefaultKeepAlive is how often Prewarm re-pings each backend to avoid
// cold-start latency on the next real request.
const DefaultKeepAlive = 30 * time.Minute

// Gateway is the Model Gateway. It wraps one text-chat provider, one
// vision-captioning provider, and one embeddings provider behind a single
// facade so the rest of the system never imports a concrete SDK.
type Gateway struct {
	text      llm.Provider
	vis       vision.Provider
	embed     embeddings.Provider
	keepAlive time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithKeepAlive overrides DefaultKeepAlive.
func WithKeepAlive(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.keepAlive = d
		}
	}
}

// New constructs a Gateway over the three backend providers.
func New(text llm.Provider, vis vision.Provider, embed embeddings.Provider, opts ...Option) *Gateway {
	g := &Gateway{
		text:      text,
		vis:       vis,
		embed:     embed,
		keepAlive: DefaultKeepAlive,
		stop:      make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Prewarm sends a negligible request to the text and vision models and
// starts a background goroutine that re-pings them every keep-alive
// interval, so subsequent real requests do not incur cold-start latency.
func (g *Gateway) Prewarm(ctx context.Context) error {
	if _, err := g.text.Complete(ctx, llm.CompletionRequest{
		Messages:  []types.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}); err != nil {
		return fmt.Errorf("gateway: prewarm text model: %w", err)
	}
	if err := g.vis.Ping(ctx); err != nil {
		return fmt.Errorf("gateway: prewarm vision model: %w", err)
	}

	go g.keepWarm()
	return nil
}

// keepWarm runs in the background, periodically re-pinging both models.
// Ping failures are not fatal; the next health check will surface them.
func (g *Gateway) keepWarm() {
	ticker := time.NewTicker(g.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, _ = g.text.Complete(ctx, llm.CompletionRequest{
				Messages:  []types.Message{{Role: "user", Content: "ping"}},
				MaxTokens: 1,
			})
			_ = g.vis.Ping(ctx)
			cancel()
		}
	}
}

// Shutdown stops the keep-alive loop. Safe to call multiple times.
func (g *Gateway) Shutdown() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// EndpointHealth reports one endpoint's health check result.
type EndpointHealth struct {
	Healthy bool
	Elapsed time.Duration
	Err     error
}

// Health is the combined health check result for all three endpoints.
type Health struct {
	Text      EndpointHealth
	Vision    EndpointHealth
	Embedding EndpointHealth
}

// HealthCheck pings all three backends and reports per-endpoint status and
// elapsed time.
func (g *Gateway) HealthCheck(ctx context.Context) Health {
	var h Health

	start := time.Now()
	_, err := g.text.Complete(ctx, llm.CompletionRequest{
		Messages:  []types.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	h.Text = EndpointHealth{Healthy: err == nil, Elapsed: time.Since(start), Err: err}

	start = time.Now()
	err = g.vis.Ping(ctx)
	h.Vision = EndpointHealth{Healthy: err == nil, Elapsed: time.Since(start), Err: err}

	start = time.Now()
	_, err = g.embed.Embed(ctx, "ping")
	h.Embedding = EndpointHealth{Healthy: err == nil, Elapsed: time.Since(start), Err: err}

	return h
}

// Chat sends req to the text model and returns the full response, including
// any tool calls the model wants to invoke.
func (g *Gateway) Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := g.text.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("gateway: chat: %w", err)
	}
	return resp, nil
}

// Caption sends an image to the vision model and returns its description.
func (g *Gateway) Caption(ctx context.Context, imageBytes []byte, contentType, prompt string) (string, error) {
	result, err := g.vis.Caption(ctx, imageBytes, contentType, prompt)
	if err != nil {
		return "", fmt.Errorf("gateway: caption: %w", err)
	}
	return result.Description, nil
}

// Embed computes the embedding vector for a single text.
func (g *Gateway) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := g.embed.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("gateway: embed: %w", err)
	}
	return vec, nil
}

// EmbeddingDimensions returns the embedding provider's fixed vector length,
// used to size the vector store's schema.
func (g *Gateway) EmbeddingDimensions() int {
	return g.embed.Dimensions()
}
