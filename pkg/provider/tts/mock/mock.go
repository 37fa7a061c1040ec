// Package mock provides a test double for the tts.Synthesizer interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Language is the language passed to Synthesize.
	Language string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
//
// When SynthesizeFunc is set it handles every call. Otherwise Clips and Err
// are returned for all calls.
type Synthesizer struct {
	mu sync.Mutex

	// SynthesizeFunc, if non-nil, handles every Synthesize call.
	SynthesizeFunc func(ctx context.Context, text, language string) ([][]byte, error)

	// Clips is returned from Synthesize when SynthesizeFunc is nil.
	Clips [][]byte

	// Err is returned from Synthesize when SynthesizeFunc is nil.
	Err error

	// Calls records every invocation in order.
	Calls []SynthesizeCall
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, language string) ([][]byte, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, SynthesizeCall{Text: text, Language: language})
	fn := s.SynthesizeFunc
	clips, err := s.Clips, s.Err
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, text, language)
	}
	return clips, err
}

// CallCount returns the number of recorded Synthesize calls.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// SpokenTexts returns the texts of all recorded calls in order.
func (s *Synthesizer) SpokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	for i, c := range s.Calls {
		out[i] = c.Text
	}
	return out
}
