// Package ffmpegsrc decodes encoded audio clips (typically the MP3 output of
// a TTS backend) into playback-ready PCM by piping them through an ffmpeg
// subprocess. The decoded audio is wrapped in an audio.Source serving 20 ms
// frames at the playback format.
package ffmpegsrc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultFormat is the playback PCM format produced when no format option is
// given: 48 kHz stereo signed 16-bit little-endian.
var DefaultFormat = audio.Format{SampleRate: 48000, Channels: 2}

// Option is a functional option for the Decoder.
type Option func(*Decoder)

// WithBinary overrides the ffmpeg binary path. Default is "ffmpeg" resolved
// from PATH.
func WithBinary(path string) Option {
	return func(d *Decoder) { d.binary = path }
}

// WithFormat overrides the output PCM format.
func WithFormat(f audio.Format) Option {
	return func(d *Decoder) { d.format = f }
}

// Decoder turns encoded clips into PCM sources via ffmpeg.
type Decoder struct {
	binary string
	format audio.Format
}

// New creates a Decoder.
func New(opts ...Option) *Decoder {
	d := &Decoder{
		binary: "ffmpeg",
		format: DefaultFormat,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decode runs ffmpeg over the encoded clip and returns a source named name
// serving the decoded PCM. The subprocess reads the clip from stdin and
// writes raw PCM to stdout; it is killed if ctx is cancelled.
func (d *Decoder) Decode(ctx context.Context, name string, clip []byte) (audio.Source, error) {
	if len(clip) == 0 {
		return nil, errors.New("ffmpegsrc: empty clip")
	}

	cmd := exec.CommandContext(ctx, d.binary,
		"-i", "-",
		"-f", "s16le",
		"-ar", strconv.Itoa(d.format.SampleRate),
		"-ac", strconv.Itoa(d.format.Channels),
		"-loglevel", "warning",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(clip)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("ffmpegsrc: decode %q: %w: %s", name, err, detail)
		}
		return nil, fmt.Errorf("ffmpegsrc: decode %q: %w", name, err)
	}

	pcm := stdout.Bytes()
	if len(pcm) == 0 {
		return nil, fmt.Errorf("ffmpegsrc: decode %q: no audio produced", name)
	}

	return audio.NewBufferSource(pcm, d.format, name), nil
}

// DecodeAll decodes a sequence of clips into sources, preserving order. Clip
// names are derived from name with a running index.
func (d *Decoder) DecodeAll(ctx context.Context, name string, clips [][]byte) ([]audio.Source, error) {
	sources := make([]audio.Source, 0, len(clips))
	for i, clip := range clips {
		src, err := d.Decode(ctx, fmt.Sprintf("%s[%d]", name, i), clip)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
