// Package chunk implements the duration policy that shapes raw inbound voice
// frames into chunks the streaming transcription service will accept.
//
// The service enforces a hard per-message duration window and transcribes
// poorly near its floor, so frames are coalesced up to a stricter usable
// minimum and oversized frames are sliced without ever cutting through a
// 16-bit sample. The policy is a pure function over an explicit state value
// so it can be unit tested without any I/O; [Accumulator] wraps it with
// per-speaker state tracking.
package chunk

import (
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Service duration contract, in milliseconds of audio per message.
const (
	// DefaultMinDuration is the service's hard floor. Chunks at or below it
	// are rejected by the service.
	DefaultMinDuration = 100 * time.Millisecond

	// DefaultMaxDuration is the service's hard ceiling.
	DefaultMaxDuration = 2000 * time.Millisecond

	// DefaultUsableMinDuration is the quality floor. The service accepts
	// chunks down to DefaultMinDuration but transcribes them badly, so frames
	// are accumulated until they reach this length instead.
	DefaultUsableMinDuration = 1000 * time.Millisecond
)

// Policy holds the duration window applied to every inbound frame.
// The zero value is not valid; use [DefaultPolicy] or fill all fields.
type Policy struct {
	// Min is the service's hard minimum chunk duration (exclusive).
	Min time.Duration

	// Max is the service's hard maximum chunk duration (exclusive).
	Max time.Duration

	// UsableMin is the quality-driven floor (inclusive). Must satisfy
	// Min < UsableMin <= Max.
	UsableMin time.Duration

	// Format is the PCM format of inbound frames. Transcription input is
	// 16-bit mono, so Format.Channels is expected to be 1.
	Format audio.Format
}

// DefaultPolicy returns the service's standard window for the given sample rate.
func DefaultPolicy(sampleRate int) Policy {
	return Policy{
		Min:       DefaultMinDuration,
		Max:       DefaultMaxDuration,
		UsableMin: DefaultUsableMinDuration,
		Format:    audio.Format{SampleRate: sampleRate, Channels: 1},
	}
}

// State is the carry-over between consecutive frames of one speaker: at most
// one pending undersized buffer. The zero value is the initial state.
type State struct {
	// Leftover is audio that was too short to forward on its own. Nil when
	// nothing is pending.
	Leftover []byte
}

// Ingest applies the policy to one inbound frame, returning the new state and
// zero or more chunks ready to forward. Chunks are returned in stream order
// and every returned chunk has a duration strictly inside (Min, Max) and an
// even byte length.
//
// Frames for one speaker must be ingested in arrival order; the leftover
// merge depends on it. Ingest takes ownership of frame — callers must not
// reuse the buffer afterwards.
func (p Policy) Ingest(state State, frame []byte) (State, [][]byte) {
	d := audio.PCMDuration(len(frame), p.Format)

	switch {
	case d < p.UsableMin:
		merged := frame
		if len(state.Leftover) > 0 {
			merged = append(append([]byte{}, state.Leftover...), frame...)
		}
		md := audio.PCMDuration(len(merged), p.Format)
		if md < p.UsableMin {
			// Still not enough; keep accumulating.
			return State{Leftover: merged}, nil
		}
		if md >= p.Max {
			// Cannot be reconciled with the window; drop it all.
			return State{}, nil
		}
		return State{}, [][]byte{merged}

	case d >= p.Max:
		// Any pending leftover predates this oversized frame and is stale.
		return State{}, p.split(frame)

	default:
		return State{}, [][]byte{frame}
	}
}

// split slices an oversized frame into sub-chunks strictly below Max, each
// aligned to the 2-byte sample boundary. A final remainder shorter than the
// hard minimum cannot be forwarded and becomes nothing (it is below the
// service floor and there is no following frame to merge it with here); a
// remainder inside the window is forwarded as-is.
func (p Policy) split(frame []byte) [][]byte {
	size := p.maxChunkBytes()
	if size <= 0 {
		return nil
	}

	var chunks [][]byte
	for off := 0; off < len(frame); off += size {
		end := off + size
		if end > len(frame) {
			end = len(frame)
		}
		part := frame[off:end]
		if audio.PCMDuration(len(part), p.Format) <= p.Min {
			// Undersized tail; the service would reject it.
			break
		}
		chunks = append(chunks, part)
	}
	return chunks
}

// maxChunkBytes is the largest sample-aligned byte count whose duration is
// strictly below Max.
func (p Policy) maxChunkBytes() int {
	n := int(p.Max.Milliseconds()) * p.Format.BytesPerMillisecond()
	if n%audio.BytesPerSample != 0 {
		n -= n % audio.BytesPerSample
	}
	// Shave one sample so the duration stays strictly inside the window.
	return n - audio.BytesPerSample
}
