// Package voice implements the Voice Manager: the per-request lifecycle of
// a private voice channel, from creation through an alone-timer-gated
// waiting period to guaranteed teardown.
package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixsoderstrom/indexbot/internal/types"
)

// DefaultAloneTimeout is T_v: how long a created channel waits for the
// requesting user to join before it is torn down.
const DefaultAloneTimeout = 300 * time.Second

// State is a VoiceSession's position in the lifecycle state machine.
type State string

const (
	StateRequested     State = "requested"
	StateChannelCreated State = "channel_created"
	StateWaiting        State = "waiting"
	StateActive         State = "active"
	StateCleanup        State = "cleanup"
	StateEnded          State = "ended"
)

// ParticipantEvent mirrors pkg/audio.Event's join/leave shape, kept as the
// Voice Manager's own narrow type so this package doesn't need to import
// pkg/audio just to watch for join/leave.
type ParticipantEvent struct {
	Joined bool
	UserID string
}

// AudioConnection is the live voice connection a session holds once
// connected; closing it is idempotent from the caller's perspective.
type AudioConnection interface {
	Disconnect() error
	// OnParticipantChange registers cb to be invoked whenever a participant
	// joins or leaves the channel this connection is on.
	OnParticipantChange(cb func(ParticipantEvent))
}

// DiscordClient is the slice of Discord's voice/channel API the Voice
// Manager depends on.
type DiscordClient interface {
	CreateVoiceChannel(ctx context.Context, guildID, name string) (channelID string, err error)
	DeleteChannel(ctx context.Context, channelID string) error
	ConnectVoice(ctx context.Context, guildID, channelID string) (AudioConnection, error)
}

// Store is the slice of the Conversation Store the Voice Manager persists
// VoiceSession rows through.
type Store interface {
	CreateVoiceSession(ctx context.Context, session types.VoiceSession) error
	EndVoiceSession(ctx context.Context, sessionID string, endedAt time.Time) error
	OpenVoiceSessions(ctx context.Context) ([]types.VoiceSession, error)
}

type session struct {
	types.VoiceSession
	state State
	timer *time.Timer
	conn  AudioConnection
}

// Manager owns every VoiceSession's lifecycle and the channel_id →
// pending_deletion bookkeeping needed to guarantee teardown even across a
// crash.
type Manager struct {
	discord      DiscordClient
	store        Store
	aloneTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session // keyed by channel_id
	pending  map[string]bool     // channel_id -> awaiting teardown retry
}

// Option configures a Manager.
type Option func(*Manager)

func WithAloneTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.aloneTimeout = d
		}
	}
}

// New constructs a Manager.
func New(discord DiscordClient, store Store, opts ...Option) *Manager {
	m := &Manager{
		discord:      discord,
		store:        store,
		aloneTimeout: DefaultAloneTimeout,
		sessions:     make(map[string]*session),
		pending:      make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// BeginSession drives a VoiceSession from requested through
// channel_created and connected to waiting, per spec §4.8's state machine.
// It satisfies internal/worker.VoiceManager.
func (m *Manager) BeginSession(ctx context.Context, req types.QueueRequest) error {
	channelID, err := m.discord.CreateVoiceChannel(ctx, req.ServerID, "voice-"+req.UserID)
	if err != nil {
		return fmt.Errorf("voice: create channel: %w", err)
	}

	vs := types.VoiceSession{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		GuildID:   req.ServerID,
		ChannelID: channelID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateVoiceSession(ctx, vs); err != nil {
		_ = m.discord.DeleteChannel(ctx, channelID)
		return fmt.Errorf("voice: persist session: %w", err)
	}

	conn, err := m.discord.ConnectVoice(ctx, req.ServerID, channelID)
	if err != nil {
		m.cleanup(context.WithoutCancel(ctx), channelID)
		return fmt.Errorf("voice: connect voice: %w", err)
	}

	sess := &session{VoiceSession: vs, state: StateWaiting, conn: conn}
	m.mu.Lock()
	m.sessions[channelID] = sess
	m.mu.Unlock()

	conn.OnParticipantChange(func(e ParticipantEvent) {
		if e.Joined {
			m.UserJoined(channelID)
		} else {
			m.UserLeft(context.Background(), channelID)
		}
	})

	m.startAloneTimer(channelID)
	return nil
}

func (m *Manager) startAloneTimer(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[channelID]
	if !ok {
		return
	}
	sess.timer = time.AfterFunc(m.aloneTimeout, func() {
		m.cleanup(context.Background(), channelID)
	})
}

// UserJoined cancels channelID's alone timer and transitions it to active.
// It is a no-op if the channel is unknown or already past waiting.
func (m *Manager) UserJoined(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[channelID]
	if !ok || sess.state != StateWaiting {
		return
	}
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.state = StateActive
}

// UserLeft tears down channelID's session. Safe to call even if the
// channel never reached active (e.g. the user disconnected while waiting).
func (m *Manager) UserLeft(ctx context.Context, channelID string) {
	m.cleanup(ctx, channelID)
}

// cleanup is idempotent: the queue slot (the sessions map entry) is freed
// exactly once, on the first call that finds the session outside
// StateCleanup/StateEnded, satisfying the alone-timer-fires-twice and
// user-leaves-during-cleanup races named in spec §4.8's invariants.
func (m *Manager) cleanup(ctx context.Context, channelID string) {
	m.mu.Lock()
	sess, ok := m.sessions[channelID]
	if !ok || sess.state == StateCleanup || sess.state == StateEnded {
		m.mu.Unlock()
		return
	}
	sess.state = StateCleanup
	if sess.timer != nil {
		sess.timer.Stop()
	}
	m.pending[channelID] = true
	m.mu.Unlock()

	if sess.conn != nil {
		if err := sess.conn.Disconnect(); err != nil {
			slog.Warn("voice: disconnect failed", "channel_id", channelID, "error", err)
		}
	}

	if err := m.discord.DeleteChannel(ctx, channelID); err != nil {
		slog.Warn("voice: channel deletion failed, left pending for retry", "channel_id", channelID, "error", err)
		return
	}

	now := time.Now().UTC()
	if err := m.store.EndVoiceSession(ctx, sess.ID, now); err != nil {
		slog.Warn("voice: failed to mark session ended", "session_id", sess.ID, "error", err)
	}

	m.mu.Lock()
	sess.state = StateEnded
	delete(m.sessions, channelID)
	delete(m.pending, channelID)
	m.mu.Unlock()
}

// RecoverOpenSessions scans the Conversation Store for VoiceSession rows
// left open by a previous crash (no ended_at), deleting their Discord
// channels and marking them ended. Call once at startup, before accepting
// new voice requests.
func (m *Manager) RecoverOpenSessions(ctx context.Context) error {
	open, err := m.store.OpenVoiceSessions(ctx)
	if err != nil {
		return fmt.Errorf("voice: recover open sessions: %w", err)
	}
	for _, vs := range open {
		if err := m.discord.DeleteChannel(ctx, vs.ChannelID); err != nil {
			slog.Warn("voice: crash-recovery channel delete failed", "channel_id", vs.ChannelID, "error", err)
		}
		if err := m.store.EndVoiceSession(ctx, vs.ID, time.Now().UTC()); err != nil {
			slog.Warn("voice: crash-recovery mark-ended failed", "session_id", vs.ID, "error", err)
		}
	}
	return nil
}

// Shutdown tears down every still-open session, retrying the pending-
// deletion list so every channel_created session reaches ended even when
// process exit races an in-progress cleanup.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	channelIDs := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if m.pending[id] && sess.state == StateCleanup {
			// An earlier deletion failed; let cleanup try it again.
			sess.state = StateWaiting
		}
		channelIDs = append(channelIDs, id)
	}
	m.mu.Unlock()

	for _, id := range channelIDs {
		m.cleanup(ctx, id)
	}
}
