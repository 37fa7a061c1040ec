// Package discord provides an [audio.Transport] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It bridges
// Discord's Opus-based voice transport with Parley's PCM [audio.Frame]
// pipeline.
//
// The transport requires an active *discordgo.Session (owned by the bot
// layer) and a guild ID. Each call to [Transport.Connect] joins the specified
// voice channel and returns a [Connection] that demuxes per-speaker audio
// input and muxes the bot's audio output.
package discord

import (
	"context"
	"fmt"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Transport = (*Transport)(nil)

// Transport implements [audio.Transport] using discordgo voice connections.
// It requires an active *discordgo.Session (owned by the bot layer).
//
// Transport is safe for concurrent use.
type Transport struct {
	session *discordgo.Session
	guildID string
}

// New creates a Discord Transport for the given session and guild.
func New(session *discordgo.Session, guildID string) *Transport {
	return &Transport{
		session: session,
		guildID: guildID,
	}
}

// Connect joins the voice channel identified by channelID and returns an
// active [audio.Connection]. ctx governs the connection-setup phase only;
// once the Connection is returned it lives until [Connection.Disconnect].
func (t *Transport) Connect(ctx context.Context, channelID string) (audio.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discord: connect: %w", err)
	}

	// mute=false (we send audio), deaf=false (we receive audio).
	vc, err := t.session.ChannelVoiceJoin(t.guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w", channelID, err)
	}

	conn, err := newConnection(vc, t.session, t.guildID)
	if err != nil {
		_ = vc.Disconnect()
		return nil, fmt.Errorf("discord: create connection: %w", err)
	}
	return conn, nil
}
