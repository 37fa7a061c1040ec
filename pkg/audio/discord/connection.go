package discord

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

const (
	inputChannelBuffer  = 64
	outputChannelBuffer = 64

	// speakingIdleAfter is how long the send loop waits without outbound
	// frames before clearing the speaking indicator.
	speakingIdleAfter = time.Second
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. Incoming Opus packets are demuxed by SSRC,
// decoded to PCM, and delivered on per-speaker input streams keyed by user
// ID. Outgoing PCM frames are encoded to Opus and transmitted at the 20 ms
// packet cadence. The session's own audio never appears on an input stream.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc      *discordgo.VoiceConnection
	session *discordgo.Session
	guildID string
	selfID  string

	inputsMu    sync.RWMutex
	inputs      map[string]chan audio.Frame // keyed by speaker ID
	ssrcSpeaker map[uint32]string           // SSRC -> userID, from speaking updates

	output chan audio.Frame

	cbMu sync.Mutex
	cb   func(audio.Event)

	done      chan struct{}
	closeOnce sync.Once

	removeState func() // removes the VoiceStateUpdate handler

	// disconnectVC tears down the underlying voice connection during
	// Disconnect. Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConnection initialises a Connection for an already-joined voice channel
// and starts the receive and send loops.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID string) (*Connection, error) {
	c := &Connection{
		vc:           vc,
		session:      session,
		guildID:      guildID,
		inputs:       make(map[string]chan audio.Frame),
		ssrcSpeaker:  make(map[uint32]string),
		output:       make(chan audio.Frame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	if session.State != nil && session.State.User != nil {
		c.selfID = session.State.User.ID
	}

	// Speaking updates carry the SSRC -> user mapping; they arrive before a
	// client's first audio packet.
	vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		c.handleSpeakingUpdate(vs)
	})
	c.removeState = session.AddHandler(c.handleVoiceStateUpdate)

	go c.recvLoop()
	go c.sendLoop()

	return c, nil
}

// InputStreams returns a snapshot of the current per-speaker input channels.
func (c *Connection) InputStreams() map[string]<-chan audio.Frame {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	snap := make(map[string]<-chan audio.Frame, len(c.inputs))
	for id, ch := range c.inputs {
		snap[id] = ch
	}
	return snap
}

// OutputStream returns the write-only channel for the bot's audio output.
// Frames written here are encoded to Opus and sent to Discord.
func (c *Connection) OutputStream() chan<- audio.Frame {
	return c.output
}

// OnSpeakerChange registers cb for speaker join/leave events. Only one
// callback may be registered; subsequent calls replace the previous one.
func (c *Connection) OnSpeakerChange(cb func(audio.Event)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb = cb
}

// Disconnect cleanly tears down the voice connection and stops the receive
// and send loops. Safe to call more than once; subsequent calls return nil.
func (c *Connection) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeState != nil {
			c.removeState()
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}

		// Close all input channels so downstream consumers see EOF.
		c.inputsMu.Lock()
		for id, ch := range c.inputs {
			close(ch)
			delete(c.inputs, id)
		}
		c.inputsMu.Unlock()
	})
	return err
}

// handleSpeakingUpdate records the SSRC -> user ID mapping announced before a
// client transmits audio.
func (c *Connection) handleSpeakingUpdate(vs *discordgo.VoiceSpeakingUpdate) {
	if vs == nil || vs.UserID == "" {
		return
	}
	c.inputsMu.Lock()
	c.ssrcSpeaker[uint32(vs.SSRC)] = vs.UserID
	c.inputsMu.Unlock()
}

// speakerID resolves an SSRC to a user ID, falling back to the SSRC digits
// when no speaking update has arrived for it yet.
func (c *Connection) speakerID(ssrc uint32) string {
	c.inputsMu.RLock()
	defer c.inputsMu.RUnlock()
	if id, ok := c.ssrcSpeaker[ssrc]; ok {
		return id
	}
	return strconv.FormatUint(uint64(ssrc), 10)
}

// recvLoop reads Opus packets from the voice connection, demuxes them by
// SSRC, decodes to PCM, and delivers frames on per-speaker channels.
func (c *Connection) recvLoop() {
	// Each SSRC keeps its own decoder to preserve state across packets.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}

			speaker := c.speakerID(pkt.SSRC)
			if c.selfID != "" && speaker == c.selfID {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "speaker", speaker, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			c.inputsMu.Lock()
			ch, chExists := c.inputs[speaker]
			if !chExists {
				ch = make(chan audio.Frame, inputChannelBuffer)
				c.inputs[speaker] = ch
			}
			c.inputsMu.Unlock()

			if !chExists {
				c.emitEvent(audio.Event{
					Type:      audio.EventJoin,
					SpeakerID: speaker,
				})
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "speaker", speaker, "error", err)
				continue
			}

			frame := audio.Frame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
			}

			select {
			case ch <- frame:
			default:
				// Channel full — drop rather than block the demuxer.
			}
		}
	}
}

// sendLoop reads PCM frames from the output channel, converts them to
// Discord's wire format (48 kHz stereo), slices off exact Opus frame-sized
// chunks, encodes, and transmits them. The speaking indicator is raised on
// the first frame and cleared after a second of silence.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "error", err)
		return
	}

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}}

	speaking := false
	var buf []byte
	idle := time.NewTimer(speakingIdleAfter)
	defer idle.Stop()

	for {
		select {
		case <-c.done:
			if speaking {
				c.setSpeaking(false)
			}
			return
		case <-idle.C:
			if speaking {
				c.setSpeaking(false)
				speaking = false
			}
		case frame, ok := <-c.output:
			if !ok {
				return
			}

			if !speaking {
				c.setSpeaking(true)
				speaking = true
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(speakingIdleAfter)

			frame = conv.Convert(frame)
			buf = append(buf, frame.Data...)

			for len(buf) >= opusFrameBytes {
				packet, eErr := enc.encode(buf[:opusFrameBytes])
				buf = buf[opusFrameBytes:]
				if eErr != nil {
					slog.Warn("discord: opus encode error", "error", eErr)
					continue
				}

				select {
				case c.vc.OpusSend <- packet:
				case <-c.done:
					return
				}
			}
		}
	}
}

// handleVoiceStateUpdate turns Discord VoiceStateUpdate events into speaker
// join/leave events for the channel this connection is on.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || vsu.UserID == c.selfID {
		return
	}

	channelID := c.vc.ChannelID

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	// Speaker left our channel.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == channelID && vsu.ChannelID != channelID {
		c.emitEvent(audio.Event{
			Type:      audio.EventLeave,
			SpeakerID: vsu.UserID,
			Username:  username,
		})
		return
	}

	// Speaker joined our channel.
	if vsu.ChannelID == channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != channelID) {
		c.emitEvent(audio.Event{
			Type:      audio.EventJoin,
			SpeakerID: vsu.UserID,
			Username:  username,
		})
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Connection) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// emitEvent invokes the registered speaker change callback, if any.
func (c *Connection) emitEvent(ev audio.Event) {
	c.cbMu.Lock()
	cb := c.cb
	c.cbMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
