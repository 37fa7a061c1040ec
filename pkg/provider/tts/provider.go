// Package tts defines the Synthesizer interface for Text-to-Speech backends.
//
// A synthesizer turns announcement and answer text into encoded audio clips.
// Long texts may come back as several clips; callers play them back to back.
// Clips are encoded (typically MP3) and must be decoded to PCM before
// playback, see the ffmpegsrc package.
package tts

import "context"

// Synthesizer is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	// Synthesize converts text into one or more encoded audio clips in the
	// given language. Backends with per-request length limits split the text
	// and return the pieces in speaking order.
	//
	// An empty text returns no clips and no error.
	Synthesize(ctx context.Context, text string, language string) ([][]byte, error)
}
