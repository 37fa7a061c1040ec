package bot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/parley/internal/playback"
)

// Compile-time interface assertion.
var _ playback.Notifier = (*ChannelNotifier)(nil)

// ChannelNotifier delivers playback announcements, such as the idle-timeout
// notice, as messages to the text channel a session was started from.
type ChannelNotifier struct {
	session   *discordgo.Session
	channelID string
}

// NewChannelNotifier creates a notifier posting to the given text channel.
func NewChannelNotifier(session *discordgo.Session, channelID string) *ChannelNotifier {
	return &ChannelNotifier{
		session:   session,
		channelID: channelID,
	}
}

// Announce posts message to the channel.
func (n *ChannelNotifier) Announce(ctx context.Context, message string) error {
	_, err := n.session.ChannelMessageSend(n.channelID, message, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bot: announce to channel %q: %w", n.channelID, err)
	}
	return nil
}
