package bot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/chat"
)

// joinTimeout bounds the voice connect plus the opening chat exchange.
const joinTimeout = 30 * time.Second

// VoiceCommands holds the dependencies for the voice slash commands.
type VoiceCommands struct {
	bot     *Bot
	manager *session.Manager
	chat    chat.Client
}

// NewVoiceCommands creates the command set and registers its handlers and
// the left-alone listener with the bot.
func NewVoiceCommands(b *Bot, manager *session.Manager, chatClient chat.Client) *VoiceCommands {
	vc := &VoiceCommands{
		bot:     b,
		manager: manager,
		chat:    chatClient,
	}
	vc.Register(b.Router())
	b.Session().AddHandler(vc.handleLeftAlone)
	return vc
}

// Register registers the /join, /leave, and /ask commands with the router.
func (vc *VoiceCommands) Register(router *Router) {
	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "join",
		Description: "Join your voice channel and start a conversation",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "initial_prompt",
				Description: "The prompt that opens the conversation",
				Required:    true,
			},
		},
	}, vc.handleJoin)

	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "leave",
		Description: "Leave the voice channel and end the conversation",
	}, vc.handleLeave)

	router.RegisterCommand(&discordgo.ApplicationCommand{
		Name:        "ask",
		Description: "Ask a question over text, outside any voice session",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "prompt",
				Description: "The question to ask",
				Required:    true,
			},
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "conversation_id",
				Description: "A conversation ID from a previous answer, to continue it",
			},
		},
	}, vc.handleAsk)
}

// handleJoin handles /join: connect to the invoker's voice channel, open the
// conversation with the initial prompt, and speak the first answer.
func (vc *VoiceCommands) handleJoin(s *discordgo.Session, i *discordgo.InteractionCreate) {
	userID := interactionUserID(i)
	vs, err := s.State.VoiceState(vc.bot.GuildID(), userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		RespondEphemeral(s, i, "You must be in a voice channel to use this command.")
		return
	}

	DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	// Idle announcements land in the text channel the command came from.
	notifier := NewChannelNotifier(s, i.ChannelID)

	sess, err := vc.manager.Join(ctx, vs.ChannelID, notifier)
	if err != nil {
		FollowUp(s, i, fmt.Sprintf("Failed to join: %v", err))
		return
	}

	prompt := optionString(i, "initial_prompt")
	ans, err := sess.Prime(ctx, prompt)
	if err != nil {
		_ = sess.Close()
		FollowUp(s, i, fmt.Sprintf("Failed to start the conversation: %v", err))
		return
	}

	FollowUpEmbed(s, i, answerEmbed(ans))
}

// handleLeave handles /leave.
func (vc *VoiceCommands) handleLeave(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if err := vc.manager.Leave(); err != nil {
		RespondEphemeral(s, i, fmt.Sprintf("Nothing to leave: %v", err))
		return
	}
	RespondEphemeral(s, i, "Left the voice channel.")
}

// handleAsk handles /ask: a plain text exchange with the chat client, useful
// outside voice sessions. The conversation ID in the reply can be passed back
// to continue the thread.
func (vc *VoiceCommands) handleAsk(s *discordgo.Session, i *discordgo.InteractionCreate) {
	conversationID := optionString(i, "conversation_id")
	if conversationID != "" {
		if _, err := uuid.Parse(conversationID); err != nil {
			RespondEphemeral(s, i, "Conversation ID must be a valid UUID.")
			return
		}
	}

	DeferReply(s, i)

	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	ans, err := vc.chat.Ask(ctx, optionString(i, "prompt"), conversationID)
	if err != nil {
		FollowUp(s, i, fmt.Sprintf("Ask failed: %v", err))
		return
	}

	FollowUpEmbed(s, i, answerEmbed(ans))
}

// handleLeftAlone watches voice state updates and ends the session when the
// bot is the last one left in its channel.
func (vc *VoiceCommands) handleLeftAlone(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	sess := vc.manager.Active()
	if sess == nil || vsu.GuildID != vc.bot.GuildID() {
		return
	}
	if vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != sess.ChannelID() {
		return
	}

	guild, err := s.State.Guild(vc.bot.GuildID())
	if err != nil {
		return
	}

	selfID := ""
	if s.State.User != nil {
		selfID = s.State.User.ID
	}

	remaining := 0
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID == sess.ChannelID() && vs.UserID != selfID {
			remaining++
		}
	}
	if remaining > 0 {
		return
	}

	slog.Info("bot: left alone in voice channel, leaving", "channel_id", sess.ChannelID())
	if err := vc.manager.Leave(); err != nil {
		slog.Warn("bot: failed to leave after being left alone", "err", err)
	}
}

// answerEmbed formats a chat answer with its conversation ID in the footer.
func answerEmbed(ans chat.Answer) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Description: ans.Message,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Conversation ID: " + ans.ConversationID,
		},
	}
}

// interactionUserID extracts the invoking user's ID from a guild or DM
// interaction.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// optionString returns the named string option, or "" when absent.
func optionString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}
