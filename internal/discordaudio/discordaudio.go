// Package discordaudio adapts a live discordgo.Session into the narrow
// DiscordClient and AudioConnection interfaces internal/voice depends on,
// generalizing pkg/audio/discord's existing voice-join machinery with the
// channel create/delete operations a private per-request voice channel
// needs.
package discordaudio

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/felixsoderstrom/indexbot/internal/voice"
	"github.com/felixsoderstrom/indexbot/pkg/audio"
	audiodiscord "github.com/felixsoderstrom/indexbot/pkg/audio/discord"
)

// privateChannelBitrate is the voice channel bitrate (bps) used for the
// short-lived, single-occupant channels this package creates.
const privateChannelBitrate = 64000

// Compile-time interface assertion.
var _ voice.DiscordClient = (*Client)(nil)

// Client implements internal/voice.DiscordClient on top of a live
// discordgo.Session. ConnectVoice builds the per-guild audio.Platform
// internally; Client does not hand platforms out to other packages.
type Client struct {
	session *discordgo.Session
}

// New constructs a Client around an already-authenticated session.
func New(session *discordgo.Session) *Client {
	return &Client{session: session}
}

// CreateVoiceChannel creates a temporary voice channel named name under
// guildID, satisfying internal/voice.DiscordClient.
func (c *Client) CreateVoiceChannel(ctx context.Context, guildID, name string) (string, error) {
	bitrate := privateChannelBitrate
	ch, err := c.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildVoice,
		Bitrate:  bitrate,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discordaudio: create voice channel %q in guild %q: %w", name, guildID, err)
	}
	return ch.ID, nil
}

// DeleteChannel removes channelID. Safe to call on an already-deleted
// channel's ID in the sense that the caller (internal/voice) only ever
// calls this once per channel, but a "channel not found" error from
// Discord is treated as success since the end state is identical.
func (c *Client) DeleteChannel(ctx context.Context, channelID string) error {
	_, err := c.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
	if err != nil && !isUnknownChannel(err) {
		return fmt.Errorf("discordaudio: delete channel %q: %w", channelID, err)
	}
	return nil
}

// ConnectVoice joins channelID in guildID and returns the resulting
// connection, adapted to internal/voice.AudioConnection.
func (c *Client) ConnectVoice(ctx context.Context, guildID, channelID string) (voice.AudioConnection, error) {
	platform := audiodiscord.New(c.session, guildID)
	conn, err := platform.Connect(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("discordaudio: connect voice: %w", err)
	}
	return &connectionAdapter{conn: conn}, nil
}

// connectionAdapter narrows audio.Connection down to internal/voice's
// AudioConnection (Disconnect and OnParticipantChange), while still exposing the full
// audio.Connection for internal/discordbot's audio-capture wiring via
// Underlying.
type connectionAdapter struct {
	conn audio.Connection
}

func (a *connectionAdapter) Disconnect() error { return a.conn.Disconnect() }

// OnParticipantChange adapts pkg/audio's join/leave events down to
// internal/voice's own narrow ParticipantEvent shape, satisfying
// internal/voice.AudioConnection.
func (a *connectionAdapter) OnParticipantChange(cb func(voice.ParticipantEvent)) {
	a.conn.OnParticipantChange(func(e audio.Event) {
		cb(voice.ParticipantEvent{Joined: e.Type == audio.EventJoin, UserID: e.UserID})
	})
}

// Underlying returns the full audio.Connection (InputStreams,
// OutputStream, OnParticipantChange) for callers that need live audio, not
// just lifecycle control.
func (a *connectionAdapter) Underlying() audio.Connection { return a.conn }

func isUnknownChannel(err error) bool {
	rerr, ok := err.(*discordgo.RESTError)
	if !ok || rerr.Message == nil {
		return false
	}
	const unknownChannelCode = 10003
	return rerr.Message.Code == unknownChannelCode
}
