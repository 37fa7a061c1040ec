package audio

import (
	"context"
	"errors"
	"io"
	"time"
)

// Source is a pull-based producer of playback frames. A source is consumed
// exactly once by the playback controller and discarded afterwards.
//
// Implementations are read from a single goroutine; they do not need to be
// safe for concurrent use.
type Source interface {
	// ReadFrame returns the next [FrameDuration] frame of PCM. The final frame
	// may be shorter than a full frame. Returns [io.EOF] when the source is
	// exhausted.
	ReadFrame() (Frame, error)

	// Name is a short human-readable label for logs.
	Name() string

	// Duration returns the total playback length, or ok=false when the length
	// cannot be determined up front.
	Duration() (d time.Duration, ok bool)

	// Refresh revalidates the source before playback, returning a replacement
	// when the backing data can expire (a signed URL, for example). Sources
	// whose data never expires return themselves.
	Refresh(ctx context.Context) (Source, error)

	// Close releases any resources held by the source.
	Close() error
}

// ErrSourceClosed is returned by ReadFrame after Close.
var ErrSourceClosed = errors.New("audio: source is closed")

// BufferSource wraps an in-memory PCM byte buffer as a [Source]. It is the
// leaf building block for synthesized speech: a decoder produces raw PCM and
// a BufferSource serves it frame by frame.
type BufferSource struct {
	pcm    []byte
	format Format
	name   string
	off    int
	closed bool
}

var _ Source = (*BufferSource)(nil)

// NewBufferSource creates a source over pcm in the given format. An odd
// trailing byte is trimmed so reads never split a 16-bit sample.
func NewBufferSource(pcm []byte, format Format, name string) *BufferSource {
	if len(pcm)%BytesPerSample != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	if name == "" {
		name = "buffer"
	}
	return &BufferSource{pcm: pcm, format: format, name: name}
}

// ReadFrame returns the next 20 ms frame, or a shorter final frame, then io.EOF.
func (s *BufferSource) ReadFrame() (Frame, error) {
	if s.closed {
		return Frame{}, ErrSourceClosed
	}
	if s.off >= len(s.pcm) {
		return Frame{}, io.EOF
	}
	end := s.off + s.format.FrameBytes()
	if end > len(s.pcm) {
		end = len(s.pcm)
	}
	f := Frame{
		Data:       s.pcm[s.off:end],
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
	}
	s.off = end
	return f, nil
}

// Name returns the label given at construction.
func (s *BufferSource) Name() string { return s.name }

// Duration returns the total playback length. Always known for an in-memory
// buffer.
func (s *BufferSource) Duration() (time.Duration, bool) {
	return PCMDuration(len(s.pcm), s.format), true
}

// Refresh rewinds and returns the source itself; in-memory data never
// expires, and rewinding lets a looped track replay from the start.
func (s *BufferSource) Refresh(context.Context) (Source, error) {
	if s.closed {
		return nil, ErrSourceClosed
	}
	s.off = 0
	return s, nil
}

// Close marks the source as consumed. Subsequent reads fail.
func (s *BufferSource) Close() error {
	s.closed = true
	return nil
}
