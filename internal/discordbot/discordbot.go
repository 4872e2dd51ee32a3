// Package discordbot owns the Discord gateway session and dispatches DM
// text commands, generalizing the teacher's slash-interaction CommandRouter
// into a prefix-command router over plain MessageCreate events, per
// spec.md §6.1's "!command" DM surface.
package discordbot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antzucaro/matchr"
	"github.com/bwmarrin/discordgo"

	"github.com/felixsoderstrom/indexbot/internal/queue"
	"github.com/felixsoderstrom/indexbot/internal/types"
)

// DefaultPrefix is the command prefix recognized in DMs.
const DefaultPrefix = "!"

// minServerNameScore is the Jaro-Winkler similarity floor below which a
// server-name guess is reported as "Invalid Server" rather than guessed at.
const minServerNameScore = 0.85

const (
	prefixError   = "❌ **%s**"
	prefixQueued  = "⏳ **Queued**"
	prefixTimeout = "⏰ **%s Timeout**"
	prefixDMOnly  = "🔒 **DM Only**"
)

const helpText = "Commands (DM only):\n" +
	"!help — this message\n" +
	"!status — bot and queue status\n" +
	"!info — about this bot\n" +
	"!ask [<server>] <question> — ask a question about an indexed server's history\n" +
	"!clear-conversation-history — erase your conversation history with this bot"

const infoText = "This bot indexes messages across the servers it's been configured for " +
	"and answers questions about them over DM, using retrieval-augmented search " +
	"over each server's message history."

// Config configures a Bot.
type Config struct {
	Token  string
	Prefix string
	// FrameworkMode is a human-readable label for the active Model Gateway
	// backend, surfaced verbatim by !status.
	FrameworkMode string
}

// Enqueuer is the slice of the Request Queue the bot enqueues DM chat
// requests into.
type Enqueuer interface {
	Enqueue(req *types.QueueRequest) queue.EnqueueResult
	Position(userID string) (int, bool)
	Len() int
}

// ConvHistory is the slice of the Conversation Store !clear-conversation-
// history operates on.
type ConvHistory interface {
	ClearHistory(ctx context.Context, userID, serverID string) error
}

// ServerLister is the slice of the Config Registry the bot drives: listing
// configured servers to resolve `!ask`'s server_selector, onboarding a
// newly joined server on GuildCreate, and keeping a renamed server's
// display name in sync on GuildUpdate.
type ServerLister interface {
	Servers() []types.ServerConfig
	EnsureConfigured(ctx context.Context, serverID, serverName string) (types.ServerConfig, bool, error)
	UpdateNameIfChanged(ctx context.Context, serverID, newName string) error
}

// IndexStats is the slice of the Vector Store Facade used to build the
// !ask server listing (message count, last-indexed date) and !status.
type IndexStats interface {
	Count(ctx context.Context, serverID string) (int64, error)
	LatestIndexedTimestamp(ctx context.Context, serverID string) (time.Time, bool, error)
}

// PipelineProcessor is the slice of the Message Pipeline the bot forwards
// guild messages into.
type PipelineProcessor interface {
	Process(ctx context.Context, raw types.RawMessage) (types.ProcessedMessage, error)
}

// Stats tracks process-wide counters surfaced by !status, grounded on the
// teacher's own PipelineStats counter idiom.
type Stats struct {
	processed int64
	failed    int64

	mu       sync.Mutex
	channels map[string]bool
}

func newStats() *Stats {
	return &Stats{channels: make(map[string]bool)}
}

func (s *Stats) recordProcessed(channelID string) {
	atomic.AddInt64(&s.processed, 1)
	s.mu.Lock()
	s.channels[channelID] = true
	s.mu.Unlock()
}

func (s *Stats) recordFailed() {
	atomic.AddInt64(&s.failed, 1)
}

func (s *Stats) snapshot() (processed, failed int64, channels int) {
	processed = atomic.LoadInt64(&s.processed)
	failed = atomic.LoadInt64(&s.failed)
	s.mu.Lock()
	channels = len(s.channels)
	s.mu.Unlock()
	return
}

// pendingSelection remembers the numbered server listing most recently sent
// to a user, so a follow-up "!ask [3] ..." can resolve the index.
type pendingSelection struct {
	servers []types.ServerConfig
}

// Bot owns the Discord gateway session and routes DM commands.
type Bot struct {
	session *discordgo.Session
	prefix  string
	mode    string

	queue    Enqueuer
	conv     ConvHistory
	registry ServerLister
	index    IndexStats
	pipeline PipelineProcessor
	stats    *Stats

	mu       sync.Mutex
	pendings map[string]pendingSelection // user_id -> last server listing shown
}

// NewSession constructs and configures a gateway session without opening
// it, so callers can wire a [Notifier] off the same session into the
// Request Queue and Queue Worker before the Bot itself (which needs the
// queue as a collaborator) is constructed.
func NewSession(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discordbot: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuilds
	return session, nil
}

// Notifier delivers queue.StatusNotifier / worker reply-delivery updates
// over an already-constructed session, independent of a Bot, so it can be
// wired into the Request Queue and Queue Worker before the Bot exists.
type Notifier struct {
	session *discordgo.Session
}

// NewNotifier wraps session as a Notifier.
func NewNotifier(session *discordgo.Session) *Notifier {
	return &Notifier{session: session}
}

// Notify satisfies queue.StatusNotifier and worker's reply-delivery
// contract: it sends a DM message in origin.ChannelID.
func (n *Notifier) Notify(ctx context.Context, origin types.OriginRef, text string) error {
	if _, err := n.session.ChannelMessageSend(origin.ChannelID, text); err != nil {
		return fmt.Errorf("discordbot: notify: %w", err)
	}
	return nil
}

// New wraps an already-constructed session into a Bot, registers the
// message handler, and opens the gateway connection.
func New(session *discordgo.Session, cfg Config, q Enqueuer, conv ConvHistory, registry ServerLister, index IndexStats, pipeline PipelineProcessor) (*Bot, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}

	b := &Bot{
		session:  session,
		prefix:   prefix,
		mode:     cfg.FrameworkMode,
		queue:    q,
		conv:     conv,
		registry: registry,
		index:    index,
		pipeline: pipeline,
		stats:    newStats(),
		pendings: make(map[string]pendingSelection),
	}

	session.AddHandler(b.handleMessageCreate)
	session.AddHandler(b.handleGuildCreate)
	session.AddHandler(b.handleGuildUpdate)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discordbot: open session: %w", err)
	}
	return b, nil
}

// Close disconnects from Discord.
func (b *Bot) Close() error {
	return b.session.Close()
}

// Notify satisfies queue.StatusNotifier and worker's reply-delivery
// contract: it sends a new message in origin.ChannelID on every call and
// does not edit an earlier status message.
func (b *Bot) Notify(ctx context.Context, origin types.OriginRef, text string) error {
	_, err := b.session.ChannelMessageSend(origin.ChannelID, text)
	if err != nil {
		return fmt.Errorf("discordbot: notify: %w", err)
	}
	return nil
}

func (b *Bot) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	if m.GuildID == "" {
		b.handleDM(m)
		return
	}
	b.handleGuildMessage(m)
}

// handleGuildCreate fires both for guilds the bot was already in (on
// connect/reconnect) and for guilds newly joined; EnsureConfigured is
// idempotent (it checks the in-memory mirror first), so either case ends
// with exactly one setup_prompt run per never-before-seen server_id.
func (b *Bot) handleGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, _, err := b.registry.EnsureConfigured(ctx, g.ID, g.Name); err != nil {
		slog.Warn("discordbot: ensure_configured failed", "server_id", g.ID, "error", err)
	}
}

func (b *Bot) handleGuildUpdate(s *discordgo.Session, g *discordgo.GuildUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.registry.UpdateNameIfChanged(ctx, g.ID, g.Name); err != nil {
		slog.Warn("discordbot: update server name failed", "server_id", g.ID, "error", err)
	}
}

// channelName resolves channelID to its Discord name via the session's state
// cache, falling back to the raw ID if the channel isn't cached (e.g. the
// bot hasn't received its own Channel Create event for it yet).
func (b *Bot) channelName(channelID string) string {
	if b.session != nil && b.session.State != nil {
		if ch, err := b.session.State.Channel(channelID); err == nil && ch.Name != "" {
			return ch.Name
		}
	}
	return channelID
}

func (b *Bot) handleGuildMessage(m *discordgo.MessageCreate) {
	raw := types.RawMessage{
		MessageID: m.ID,
		ServerID:  m.GuildID,
		Channel:   types.Channel{ID: m.ChannelID, Name: b.channelName(m.ChannelID)},
		Author: types.Author{
			ID:       m.Author.ID,
			Username: m.Author.Username,
			Bot:      m.Author.Bot,
		},
		Content:   m.Content,
		Timestamp: messageTimestamp(m),
	}
	if m.Member != nil {
		raw.Author.Nick = m.Member.Nick
	}
	for _, a := range m.Attachments {
		raw.Attachments = append(raw.Attachments, a.URL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := b.pipeline.Process(ctx, raw)
	if err != nil {
		b.stats.recordFailed()
		slog.Warn("discordbot: pipeline processing failed", "server_id", m.GuildID, "message_id", m.ID, "error", err)
		return
	}
	if result.Status == types.StatusFailed {
		b.stats.recordFailed()
		return
	}
	b.stats.recordProcessed(m.ChannelID)
}

func messageTimestamp(m *discordgo.MessageCreate) time.Time {
	if ts, err := discordgo.SnowflakeTimestamp(m.ID); err == nil {
		return ts
	}
	return time.Now().UTC()
}

func (b *Bot) handleDM(m *discordgo.MessageCreate) {
	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, b.prefix) {
		return
	}
	content = strings.TrimPrefix(content, b.prefix)
	fields := strings.SplitN(content, " ", 2)
	cmd := strings.ToLower(fields[0])
	var rest string
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "help":
		b.reply(m.ChannelID, helpText)
	case "info":
		b.reply(m.ChannelID, infoText)
	case "status":
		b.handleStatus(m)
	case "ask":
		b.handleAsk(m, rest)
	case "clear-conversation-history":
		b.handleClearHistory(m)
	default:
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "Unknown command. Try !help."))
	}
}

func (b *Bot) reply(channelID, text string) {
	if _, err := b.session.ChannelMessageSend(channelID, text); err != nil {
		slog.Warn("discordbot: reply failed", "channel_id", channelID, "error", err)
	}
}

func (b *Bot) handleStatus(m *discordgo.MessageCreate) {
	processed, failed, channels := b.stats.snapshot()
	servers := b.registry.Servers()
	text := fmt.Sprintf(
		"Servers: %d\nChannels seen: %d\nQueue size: %d\nProcessed: %d\nFailed: %d\nMode: %s",
		len(servers), channels, b.queue.Len(), processed, failed, b.mode,
	)
	b.reply(m.ChannelID, text)
}

func (b *Bot) handleClearHistory(m *discordgo.MessageCreate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Literal data-model contract: DM conversation turns are bucketed
	// under server_id "0".
	if err := b.conv.ClearHistory(ctx, m.Author.ID, "0"); err != nil {
		slog.Warn("discordbot: clear history failed", "user_id", m.Author.ID, "error", err)
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "Failed to clear history."))
		return
	}
	// Also clear any per-server buckets the user has accumulated via !ask,
	// so the command does what its name promises rather than only the
	// literal "0" bucket.
	for _, sc := range b.sharedServers(m.Author.ID) {
		if err := b.conv.ClearHistory(ctx, m.Author.ID, sc.ServerID); err != nil {
			slog.Warn("discordbot: clear per-server history failed", "user_id", m.Author.ID, "server_id", sc.ServerID, "error", err)
		}
	}
	b.reply(m.ChannelID, "Conversation history cleared.")
}

func (b *Bot) handleAsk(m *discordgo.MessageCreate, rest string) {
	if rest == "" {
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "Usage: !ask [<server>] <question>"))
		return
	}

	shared := b.sharedServers(m.Author.ID)
	if len(shared) == 0 {
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "You don't share any indexed servers with this bot."))
		return
	}

	selector, question, hasSelector := splitSelector(rest)
	if !hasSelector {
		if len(shared) == 1 {
			b.enqueueAsk(m, shared[0].ServerID, rest)
			return
		}
		b.sendServerListing(m.Author.ID, m.ChannelID, shared)
		return
	}

	server, err := b.resolveSelector(m.Author.ID, selector, shared)
	if err != nil {
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, err.Error()))
		return
	}
	b.enqueueAsk(m, server.ServerID, question)
}

// splitSelector recognizes a leading "[...]" server selector in rest,
// returning the selector content, the remaining question text, and whether
// a selector was present at all.
func splitSelector(rest string) (selector, question string, ok bool) {
	if !strings.HasPrefix(rest, "[") {
		return "", rest, false
	}
	end := strings.Index(rest, "]")
	if end < 0 {
		return "", rest, false
	}
	selector = strings.TrimSpace(rest[1:end])
	question = strings.TrimSpace(rest[end+1:])
	return selector, question, true
}

func (b *Bot) resolveSelector(userID, selector string, shared []types.ServerConfig) (types.ServerConfig, error) {
	if idx, err := strconv.Atoi(selector); err == nil {
		b.mu.Lock()
		pending, ok := b.pendings[userID]
		b.mu.Unlock()
		if !ok || idx < 1 || idx > len(pending.servers) {
			return types.ServerConfig{}, fmt.Errorf("Invalid Server")
		}
		return pending.servers[idx-1], nil
	}

	for _, sc := range shared {
		if strings.EqualFold(sc.ServerName, selector) {
			return sc, nil
		}
	}

	best := -1.0
	var bestServer types.ServerConfig
	for _, sc := range shared {
		score := matchr.JaroWinkler(strings.ToLower(selector), strings.ToLower(sc.ServerName), false)
		if score > best {
			best = score
			bestServer = sc
		}
	}
	if best < minServerNameScore {
		return types.ServerConfig{}, fmt.Errorf("Invalid Server")
	}
	return bestServer, nil
}

func (b *Bot) sendServerListing(userID, channelID string, shared []types.ServerConfig) {
	sort.Slice(shared, func(i, j int) bool { return shared[i].ServerName < shared[j].ServerName })

	b.mu.Lock()
	b.pendings[userID] = pendingSelection{servers: shared}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var sb strings.Builder
	sb.WriteString("Which server did you mean?\n")
	for i, sc := range shared {
		count, _ := b.index.Count(ctx, sc.ServerID)
		lastIndexed := "never"
		if ts, ok, err := b.index.LatestIndexedTimestamp(ctx, sc.ServerID); err == nil && ok {
			lastIndexed = ts.Format("2006-01-02")
		}
		fmt.Fprintf(&sb, "%d. %s (configured, %d messages, last indexed %s)\n", i+1, sc.ServerName, count, lastIndexed)
	}
	b.reply(channelID, sb.String())
}

func (b *Bot) enqueueAsk(m *discordgo.MessageCreate, serverID, question string) {
	if question == "" {
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "Usage: !ask [<server>] <question>"))
		return
	}

	req := &types.QueueRequest{
		ID:          m.ID,
		UserID:      m.Author.ID,
		ServerID:    serverID,
		Message:     question,
		RequestType: types.RequestChat,
		EnqueuedAt:  time.Now().UTC(),
		Status:      types.StatusQueued,
		Origin:      types.OriginRef{ChannelID: m.ChannelID},
	}

	switch b.queue.Enqueue(req) {
	case queue.Accepted:
		pos, _ := b.queue.Position(m.Author.ID)
		b.reply(m.ChannelID, fmt.Sprintf("%s (position %d)", prefixQueued, pos))
	case queue.RejectedFull:
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "Queue full, try again shortly."))
	case queue.RejectedDuplicateUser:
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "You already have a request in progress."))
	case queue.RejectedRateLimited:
		b.reply(m.ChannelID, fmt.Sprintf(prefixError, "Slow down — try again in a few seconds."))
	}
}

// sharedServers returns the servers from the Config Registry that userID is
// a member of, determined via the gateway session's guild member cache.
func (b *Bot) sharedServers(userID string) []types.ServerConfig {
	all := b.registry.Servers()
	out := make([]types.ServerConfig, 0, len(all))
	for _, sc := range all {
		if _, err := b.session.State.Member(sc.ServerID, userID); err == nil {
			out = append(out, sc)
		}
	}
	return out
}
