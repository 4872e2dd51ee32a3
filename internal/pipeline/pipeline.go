// Package pipeline implements the Message Pipeline: the per-message
// orchestrator that routes a RawMessage through gating, content
// classification, extraction, embedding, metadata normalization, and the
// final store write.
package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/felixsoderstrom/indexbot/internal/extract"
	"github.com/felixsoderstrom/indexbot/internal/types"
	"github.com/felixsoderstrom/indexbot/internal/vectorstore"
)

// ConfigSource is the slice of the Config Registry the pipeline needs: a
// lock-free mirror lookup of the gating ServerConfig.
type ConfigSource interface {
	Get(serverID string) (types.ServerConfig, bool)
}

// Extractor is the slice of the Extraction Workers the pipeline drives.
type Extractor interface {
	SummarizeURL(ctx context.Context, serverID, url string) (types.LinkSummary, error)
	CaptionImage(ctx context.Context, serverID, attachmentURL string) (string, error)
}

// Embedder is the slice of the Model Gateway the pipeline uses to turn
// composite message text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorStore is the slice of the Vector Store Facade the pipeline writes
// terminal, stored messages into.
type VectorStore interface {
	Upsert(ctx context.Context, serverID, messageID, text string, vector []float32, meta vectorstore.Metadata) error
}

// urlRe finds bare http(s) URLs in message content for extraction.
var urlRe = regexp.MustCompile(`https?://\S+`)

// Pipeline processes RawMessage values into ProcessedMessage records,
// applying each server's error_policy to decide whether a failed stage
// marks only that message as failed (skip) or halts the server's ingestion
// (stop).
type Pipeline struct {
	configs ConfigSource
	extract Extractor
	embed   Embedder
	store   VectorStore
}

// New constructs a Pipeline over its four collaborators.
func New(configs ConfigSource, extractor Extractor, embed Embedder, store VectorStore) *Pipeline {
	return &Pipeline{configs: configs, extract: extractor, embed: embed, store: store}
}

// contentShape is the classification spec §4.3 step 2 requires.
type contentShape struct {
	hasText     bool
	hasImages   bool
	hasURLs     bool
	hasMentions bool
	isEmpty     bool
}

func classify(raw types.RawMessage) contentShape {
	trimmed := strings.TrimSpace(raw.Content)
	users, channels := extract.ParseMentions(raw.Content)

	return contentShape{
		hasText:     trimmed != "",
		hasImages:   len(raw.Attachments) > 0,
		hasURLs:     urlRe.MatchString(raw.Content),
		hasMentions: len(users) > 0 || len(channels) > 0,
		isEmpty:     trimmed == "" && len(raw.Attachments) == 0,
	}
}

// Process runs one RawMessage through the pipeline and returns its terminal
// ProcessedMessage. A non-nil error is returned only when the server's
// error_policy is "stop" and a stage failed fatally; the caller is expected
// to halt further ingestion for that server_id on a non-nil error. Under
// "skip", every failure is absorbed into a StatusFailed ProcessedMessage
// and Process returns a nil error.
func (p *Pipeline) Process(ctx context.Context, raw types.RawMessage) (types.ProcessedMessage, error) {
	// 1. Gate.
	cfg, ok := p.configs.Get(raw.ServerID)
	if !ok {
		return types.ProcessedMessage{}, nil // not configured: drop silently, no error
	}

	msg := types.ProcessedMessage{
		MessageID: raw.MessageID,
		ServerID:  raw.ServerID,
	}

	// 2 & 3. Classify, early-exit on empty.
	shape := classify(raw)
	if shape.isEmpty {
		msg.Status = types.StatusStored
		return msg, nil
	}

	fail := func(stage string, err error) (types.ProcessedMessage, error) {
		msg.Status = types.StatusFailed
		if cfg.ErrorPolicy == types.PolicyStop {
			return msg, fmt.Errorf("pipeline: %s: %w", stage, err)
		}
		return msg, nil
	}

	var linkSummaries []types.LinkSummary
	var imageCaptions []string
	var mentionedUsers, mentionedChans []string

	// 4. Extraction.
	if shape.hasURLs || shape.hasMentions {
		mentionedUsers, mentionedChans = extract.ParseMentions(raw.Content)

		for _, url := range urlRe.FindAllString(raw.Content, -1) {
			summary, err := p.extract.SummarizeURL(ctx, raw.ServerID, url)
			if err != nil {
				if cfg.ErrorPolicy == types.PolicyStop {
					return fail("extract url "+url, err)
				}
				continue // skip: this URL contributes nothing, message still proceeds
			}
			linkSummaries = append(linkSummaries, summary)
		}
	}

	// 5. Image captioning.
	if shape.hasImages {
		for _, url := range raw.Attachments {
			caption, err := p.extract.CaptionImage(ctx, raw.ServerID, url)
			if err != nil {
				if cfg.ErrorPolicy == types.PolicyStop {
					return fail("caption image "+url, err)
				}
				continue
			}
			imageCaptions = append(imageCaptions, caption)
		}
	}

	msg.Extractions = types.ExtractionResults{
		LinkSummaries:  linkSummaries,
		ImageCaptions:  imageCaptions,
		MentionedUsers: mentionedUsers,
		MentionedChans: mentionedChans,
	}

	// 6. Composite embedding text.
	composite := buildCompositeText(raw.Content, linkSummaries, imageCaptions)
	msg.EmbeddingText = composite
	if composite == "" {
		msg.Status = types.StatusStored
		return msg, nil
	}

	// 7. Embedding.
	vector, err := p.embed.Embed(ctx, composite)
	if err != nil {
		return fail("embed", err)
	}
	msg.Embedding = vector

	// 8. Metadata normalization.
	msg.Metadata = types.NormalizedMetadata{
		AuthorName:        raw.Author.Username,
		AuthorDisplayName: raw.Author.DisplayName,
		AuthorGlobalName:  raw.Author.GlobalName,
		AuthorNick:        raw.Author.Nick,
		ChannelName:       raw.Channel.Name,
		Timestamp:         raw.Timestamp.UTC(),
		MessageID:         raw.MessageID,
		ServerID:          raw.ServerID,
	}

	// 9. Store write.
	if err := p.store.Upsert(ctx, raw.ServerID, raw.MessageID, composite, vector, vectorstore.Metadata{
		AuthorName:        msg.Metadata.AuthorName,
		AuthorDisplayName: msg.Metadata.AuthorDisplayName,
		AuthorGlobalName:  msg.Metadata.AuthorGlobalName,
		AuthorNick:        msg.Metadata.AuthorNick,
		ChannelName:       msg.Metadata.ChannelName,
		Timestamp:         msg.Metadata.Timestamp,
	}); err != nil {
		return fail("store upsert", err)
	}

	msg.Status = types.StatusStored
	return msg, nil
}

// buildCompositeText joins message content, link summaries, and image
// captions per spec §4.3 step 6.
func buildCompositeText(content string, links []types.LinkSummary, captions []string) string {
	var parts []string
	if strings.TrimSpace(content) != "" {
		parts = append(parts, content)
	}
	if len(links) > 0 {
		summaries := make([]string, len(links))
		for i, l := range links {
			summaries[i] = l.Summary
		}
		parts = append(parts, strings.Join(summaries, "\n"))
	}
	if len(captions) > 0 {
		parts = append(parts, strings.Join(captions, "\n"))
	}
	return strings.Join(parts, "\n\n")
}
