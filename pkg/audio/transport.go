// Package audio defines the types and interfaces for voice-channel
// connectivity and the PCM plumbing between the transport, the transcription
// chunker, and the playback controller.
//
// The two primary abstractions are:
//
//   - [Transport] — joins a voice channel and returns a [Connection].
//   - [Connection] — an active session on that channel, giving callers
//     per-speaker input streams, a single outbound stream, and lifecycle events.
//
// Implementations live in platform-specific adapter packages (e.g.
// audio/discord). The interfaces are kept narrow so the session layer stays
// decoupled from provider SDKs.
package audio

import "context"

// EventType classifies speaker lifecycle events emitted by a [Connection].
type EventType int

const (
	// EventJoin is emitted when a speaker enters the voice channel.
	EventJoin EventType = iota

	// EventLeave is emitted when a speaker leaves the voice channel.
	EventLeave
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventJoin:
		return "JOIN"
	case EventLeave:
		return "LEAVE"
	default:
		return "UNKNOWN"
	}
}

// Event describes a speaker lifecycle change on a voice channel.
type Event struct {
	// Type indicates whether the speaker joined or left.
	Type EventType

	// SpeakerID is the platform-specific unique identifier for the speaker.
	SpeakerID string

	// Username is the display name of the speaker, when known.
	Username string
}

// Connection represents an active session on a voice channel.
//
// A Connection is obtained from [Transport.Connect] and remains valid until
// [Connection.Disconnect]. Input channels are closed automatically when the
// connection terminates.
//
// Implementations must be safe for concurrent use. The connection never
// delivers the session's own playback on an input stream: self-originated
// audio is filtered at the transport boundary.
type Connection interface {
	// InputStreams returns a snapshot of the current per-speaker input
	// channels. The map key is the speaker ID; the value delivers [Frame]
	// values in arrival order for that speaker. Callers should call
	// InputStreams again after an [EventJoin] to pick up new speakers.
	InputStreams() map[string]<-chan Frame

	// OutputStream returns the write-only channel for outbound audio. Frames
	// written here are encoded and sent to the channel. The channel is
	// buffered; the transport consumes it at real-time rate.
	//
	// The platform does not close this channel on Disconnect — the writer is
	// responsible for stopping. Writes after Disconnect drop frames.
	OutputStream() chan<- Frame

	// OnSpeakerChange registers cb for speaker join/leave events. Only one
	// callback may be registered; later calls replace the earlier one. The
	// callback runs on an internal goroutine and must not block.
	OnSpeakerChange(cb func(Event))

	// Disconnect tears down the connection and closes all input channels.
	// Safe to call more than once; subsequent calls are no-ops returning nil.
	Disconnect() error
}

// Transport is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect joins the voice channel identified by channelID. ctx governs
	// only the connection attempt; the returned Connection lives until
	// Disconnect is called.
	Connect(ctx context.Context, channelID string) (Connection, error)
}
