package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ dispatch.Speaker = (*Voice)(nil)

// Voice turns text into queued playback: synthesize clips, decode them to
// PCM sources, enqueue them in order. It is the [dispatch.Speaker] for a
// session.
type Voice struct {
	synth    tts.Synthesizer
	dec      ClipDecoder
	out      *playback.Controller
	language string

	seq atomic.Int64
}

// NewVoice creates a Voice speaking through out in the given language.
func NewVoice(synth tts.Synthesizer, dec ClipDecoder, out *playback.Controller, language string) *Voice {
	return &Voice{
		synth:    synth,
		dec:      dec,
		out:      out,
		language: language,
	}
}

// Speak synthesizes text and queues the resulting tracks for playback.
// Empty text is a no-op.
func (v *Voice) Speak(ctx context.Context, text string) error {
	start := time.Now()
	clips, err := v.synth.Synthesize(ctx, text, v.language)
	if err != nil {
		return fmt.Errorf("session: synthesize speech: %w", err)
	}
	observe.DefaultMetrics().SynthesisDuration.Record(ctx, time.Since(start).Seconds())
	if len(clips) == 0 {
		return nil
	}

	name := fmt.Sprintf("speech-%d", v.seq.Add(1))
	sources, err := v.dec.DecodeAll(ctx, name, clips)
	if err != nil {
		return fmt.Errorf("session: decode speech clips: %w", err)
	}

	for _, src := range sources {
		if err := v.out.Enqueue(src); err != nil {
			src.Close()
			return fmt.Errorf("session: enqueue speech track: %w", err)
		}
	}
	return nil
}
