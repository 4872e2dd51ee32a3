// Package extract implements the Extraction Workers: fetching and
// summarizing linked URLs, downloading and captioning image attachments,
// and parsing Discord mentions out of message content.
package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/felixsoderstrom/indexbot/internal/types"
	"github.com/felixsoderstrom/indexbot/pkg/provider/llm"
	oaitypes "github.com/felixsoderstrom/indexbot/pkg/types"
)

// Defaults per the Link Extraction and image captioning contract.
const (
	DefaultMaxSummaryTokens = 500
	DefaultImageMaxBytes    = 10 << 20 // 10 MiB
	DefaultImageTimeout     = 30 * time.Second
	DefaultFetchTimeout     = 15 * time.Second

	defaultRatePerSecond = 1.0
	defaultRateBurst     = 3
)

const summarySystemPrompt = "Summarize the following web page content in at most a few sentences. " +
	"Respond with the summary only, no preamble."

const captionPrompt = "Describe this image in one or two sentences for someone who cannot see it."

// ModelGateway is the narrow slice of the Model Gateway the Extraction
// Workers depend on.
type ModelGateway interface {
	Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	Caption(ctx context.Context, imageBytes []byte, contentType, prompt string) (string, error)
}

// mentionRe matches Discord user and channel mentions: <@id>, <@!id>, <#id>.
var mentionRe = regexp.MustCompile(`<(@!?|#)(\d+)>`)

// Extractor runs link summarization, image captioning, and mention parsing
// on behalf of the Message Pipeline. One Extractor is shared across all
// servers; outbound fetches are rate-limited per server_id so one noisy
// server cannot starve another's extraction budget.
type Extractor struct {
	gateway ModelGateway
	client  *http.Client

	maxSummaryTokens int
	imageMaxBytes    int64
	imageTimeout     time.Duration

	ratePerSecond rate.Limit
	rateBurst     int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithMaxSummaryTokens overrides DefaultMaxSummaryTokens.
func WithMaxSummaryTokens(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.maxSummaryTokens = n
		}
	}
}

// WithImageLimits overrides the image download size cap and timeout.
func WithImageLimits(maxBytes int64, timeout time.Duration) Option {
	return func(e *Extractor) {
		if maxBytes > 0 {
			e.imageMaxBytes = maxBytes
		}
		if timeout > 0 {
			e.imageTimeout = timeout
		}
	}
}

// WithRateLimit overrides the per-server outbound fetch token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(e *Extractor) {
		if perSecond > 0 {
			e.ratePerSecond = rate.Limit(perSecond)
		}
		if burst > 0 {
			e.rateBurst = burst
		}
	}
}

// WithHTTPClient overrides the HTTP client used for URL and image fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Extractor) {
		if c != nil {
			e.client = c
		}
	}
}

// New constructs an Extractor backed by gateway.
func New(gateway ModelGateway, opts ...Option) *Extractor {
	e := &Extractor{
		gateway:          gateway,
		client:           &http.Client{Timeout: DefaultFetchTimeout},
		maxSummaryTokens: DefaultMaxSummaryTokens,
		imageMaxBytes:    DefaultImageMaxBytes,
		imageTimeout:     DefaultImageTimeout,
		ratePerSecond:    defaultRatePerSecond,
		rateBurst:        defaultRateBurst,
		limiters:         make(map[string]*rate.Limiter),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// limiterFor returns the token bucket for serverID, creating it on first use.
func (e *Extractor) limiterFor(serverID string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.limiters[serverID]
	if !ok {
		l = rate.NewLimiter(e.ratePerSecond, e.rateBurst)
		e.limiters[serverID] = l
	}
	return l
}

// SummarizeURL fetches url, strips it to main-content text, and produces a
// bounded summary via the Model Gateway. It returns an error for any
// non-2xx response, a transport failure, or an empty model response; the
// caller (Message Pipeline) decides whether that error is fatal based on
// the server's error_policy.
func (e *Extractor) SummarizeURL(ctx context.Context, serverID, url string) (types.LinkSummary, error) {
	start := time.Now()

	if err := e.limiterFor(serverID).Wait(ctx); err != nil {
		return types.LinkSummary{}, fmt.Errorf("extract: rate limit wait for %s: %w", url, err)
	}

	body, err := e.fetch(ctx, url)
	if err != nil {
		return types.LinkSummary{}, err
	}

	cleaned := cleanText(body)
	if cleaned == "" {
		return types.LinkSummary{}, fmt.Errorf("extract: %s: no extractable text content", url)
	}

	resp, err := e.gateway.Chat(ctx, llm.CompletionRequest{
		SystemPrompt: summarySystemPrompt,
		Messages:     []oaitypes.Message{{Role: "user", Content: cleaned}},
		MaxTokens:    e.maxSummaryTokens,
	})
	if err != nil {
		return types.LinkSummary{}, fmt.Errorf("extract: summarize %s: %w", url, err)
	}
	if strings.TrimSpace(resp.Content) == "" {
		return types.LinkSummary{}, fmt.Errorf("extract: summarize %s: model returned an empty summary", url)
	}

	return types.LinkSummary{
		URL:     url,
		Summary: resp.Content,
		Tokens:  resp.Usage.TotalTokens,
		Elapsed: time.Since(start),
	}, nil
}

// fetch performs the HTTP GET with redirect following (the default
// net/http behavior) and returns the decoded response body as a string.
// A non-2xx status is treated as fatal for this URL.
func (e *Extractor) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("extract: build request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", "indexbot/1.0 (+link-extraction)")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("extract: fetch %s: status %d", url, resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, 5<<20) // defend against unbounded pages
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("extract: read body of %s: %w", url, err)
	}
	return string(data), nil
}

// htmlTagRe strips HTML/script/style tags as a coarse boilerplate filter.
var htmlTagRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>|<[^>]+>`)

// cleanText strips markup and collapses whitespace down to main-content
// text. It is intentionally simple: a full readability algorithm is out of
// scope, but boilerplate tags and run-on whitespace are not acceptable
// summarizer input.
func cleanText(raw string) string {
	stripped := htmlTagRe.ReplaceAllString(raw, " ")

	var b strings.Builder
	lastWasSpace := false
	for _, r := range stripped {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteRune(' ')
			}
			lastWasSpace = true
			continue
		}
		b.WriteRune(r)
		lastWasSpace = false
	}
	return strings.TrimSpace(b.String())
}

// CaptionImage downloads attachmentURL (bounded by the Extractor's image
// size cap and timeout), rejects non-image content-types, and produces a
// caption via the Model Gateway's vision endpoint.
func (e *Extractor) CaptionImage(ctx context.Context, serverID, attachmentURL string) (string, error) {
	if err := e.limiterFor(serverID).Wait(ctx); err != nil {
		return "", fmt.Errorf("extract: rate limit wait for %s: %w", attachmentURL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.imageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachmentURL, nil)
	if err != nil {
		return "", fmt.Errorf("extract: build image request for %s: %w", attachmentURL, err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("extract: download image %s: %w", attachmentURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("extract: download image %s: status %d", attachmentURL, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("extract: %s: rejected content-type %q", attachmentURL, contentType)
	}

	limited := io.LimitReader(resp.Body, e.imageMaxBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return "", fmt.Errorf("extract: read image %s: %w", attachmentURL, err)
	}
	if int64(len(data)) > e.imageMaxBytes {
		return "", fmt.Errorf("extract: %s: exceeds %d byte size cap", attachmentURL, e.imageMaxBytes)
	}

	decoded, normalizedType, err := decodeAndValidateImage(data, contentType)
	if err != nil {
		return "", fmt.Errorf("extract: %s: %w", attachmentURL, err)
	}

	caption, err := e.gateway.Caption(ctx, decoded, normalizedType, captionPrompt)
	if err != nil {
		return "", fmt.Errorf("extract: caption %s: %w", attachmentURL, err)
	}
	return caption, nil
}

// ParseMentions extracts mentioned user IDs and channel IDs from content
// using the <@id>, <@!id>, <#id> forms Discord renders in message bodies.
func ParseMentions(content string) (userIDs []string, channelIDs []string) {
	for _, m := range mentionRe.FindAllStringSubmatch(content, -1) {
		kind, id := m[1], m[2]
		if kind == "#" {
			channelIDs = append(channelIDs, id)
		} else {
			userIDs = append(userIDs, id)
		}
	}
	return userIDs, channelIDs
}
