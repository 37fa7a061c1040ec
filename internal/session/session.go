// Package session assembles the full voice pipeline for one channel: the
// transport connection, per-speaker chunk accumulation, the streaming
// transcription link, the conversation dispatcher, and the playback
// controller.
//
// A [Session] owns its pieces end to end. Close tears all of them down in
// order and releases the transport exactly once, on every exit path —
// explicit leave, context cancellation, or the playback idle timeout.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/chunk"
	"github.com/MrWong99/parley/pkg/provider/chat"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Transcriber is the streaming speech-to-text link a session feeds audio
// chunks into. Implemented by the assemblyai package.
type Transcriber interface {
	// OnTranscript registers the handler for recognized utterances. Must be
	// called before Start.
	OnTranscript(handler func(text string)) error

	// Start opens the streaming session for audio at the given sample rate.
	Start(ctx context.Context, sampleRate int) error

	// Send transmits one audio chunk.
	Send(data []byte) error

	// Stop closes the link. Safe to call more than once.
	Stop() error
}

// ClipDecoder turns encoded audio clips into playable PCM sources.
// Implemented by the ffmpegsrc package.
type ClipDecoder interface {
	DecodeAll(ctx context.Context, name string, clips [][]byte) ([]audio.Source, error)
}

// Deps are the collaborators a session is assembled from. All fields except
// Notifier are required.
type Deps struct {
	// Transport joins voice channels.
	Transport audio.Transport

	// NewTranscriber builds a fresh transcription link per session.
	NewTranscriber func() (Transcriber, error)

	// Chat answers transcribed utterances.
	Chat chat.Client

	// Synth voices answers.
	Synth tts.Synthesizer

	// Decoder converts synthesized clips into playable sources.
	Decoder ClipDecoder

	// Notifier receives playback announcements, such as the idle-timeout
	// notice, when Join is not given a per-session one. Optional.
	Notifier playback.Notifier
}

// Config carries the per-session tuning shared by every session the manager
// starts.
type Config struct {
	// SampleRate of audio sent to transcription, in Hz.
	SampleRate int

	// Language for synthesized speech (e.g. "en").
	Language string

	// Policy is the chunk duration window applied to inbound speech.
	Policy chunk.Policy

	// PlaybackOptions are passed through to the playback controller.
	PlaybackOptions []playback.Option

	// DispatchOptions are passed through to the conversation dispatcher.
	DispatchOptions []dispatch.Option
}

// Session is a live pipeline on one voice channel.
type Session struct {
	channelID  string
	conn       audio.Connection
	controller *playback.Controller
	link       Transcriber
	dispatcher *dispatch.Dispatcher
	acc        *chunk.Accumulator
	voice      *Voice

	sampleRate int

	cancel context.CancelFunc
	g      *errgroup.Group
	rescan chan struct{}

	workersMu sync.Mutex
	workers   map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()

	// counted records whether the active-session gauge was incremented, so a
	// failed construction never decrements it.
	counted bool
}

// newSession connects to channelID and wires the full pipeline. On any error
// the partially built session is torn down before returning.
func newSession(ctx context.Context, deps Deps, cfg Config, channelID string, notifier playback.Notifier, onClose func()) (*Session, error) {
	conn, err := deps.Transport.Connect(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("session: connect to channel %q: %w", channelID, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(sessCtx)

	s := &Session{
		channelID:  channelID,
		conn:       conn,
		acc:        chunk.NewAccumulator(cfg.Policy),
		sampleRate: cfg.SampleRate,
		cancel:     cancel,
		g:          g,
		rescan:     make(chan struct{}, 1),
		workers:    make(map[string]struct{}),
		closed:     make(chan struct{}),
		onClose:    onClose,
	}

	fail := func(err error) (*Session, error) {
		cancel()
		_ = conn.Disconnect()
		return nil, err
	}

	if notifier == nil {
		notifier = deps.Notifier
	}

	s.controller = playback.New(conn, cfg.PlaybackOptions...)
	if notifier != nil {
		if err := s.controller.Bind(notifier); err != nil {
			return fail(fmt.Errorf("session: bind notifier: %w", err))
		}
	}
	if err := s.controller.Start(sessCtx); err != nil {
		return fail(fmt.Errorf("session: start playback: %w", err))
	}

	s.voice = NewVoice(deps.Synth, deps.Decoder, s.controller, cfg.Language)

	s.dispatcher = dispatch.New(deps.Chat, s.voice, cfg.DispatchOptions...)
	if err := s.dispatcher.Start(sessCtx); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: start dispatcher: %w", err)
	}

	link, err := deps.NewTranscriber()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("session: build transcription link: %w", err)
	}
	s.link = link
	if err := link.OnTranscript(s.onTranscript); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: register transcript handler: %w", err)
	}
	if err := link.Start(sessCtx, cfg.SampleRate); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: start transcription link: %w", err)
	}

	conn.OnSpeakerChange(s.onSpeakerChange)
	g.Go(func() error { return s.supervise(gctx) })

	// The playback controller tears itself down on idle timeout; fold that
	// into a full session close.
	go func() {
		select {
		case <-s.controller.Done():
			s.Close()
		case <-s.closed:
		}
	}()

	s.counted = true
	observe.DefaultMetrics().ActiveSessions.Add(sessCtx, 1)
	slog.Info("session: joined voice channel", "channel_id", channelID)
	return s, nil
}

// ChannelID returns the voice channel this session is on.
func (s *Session) ChannelID() string {
	return s.channelID
}

// Playback returns the session's playback controller, for queue and loop
// control from the command surface.
func (s *Session) Playback() *playback.Controller {
	return s.controller
}

// Ask injects a typed prompt into the conversation, bypassing transcription.
func (s *Session) Ask(text string) {
	s.dispatcher.Submit(text)
}

// Prime opens the conversation with an initial prompt and speaks the answer.
func (s *Session) Prime(ctx context.Context, prompt string) (chat.Answer, error) {
	return s.dispatcher.Prime(ctx, prompt)
}

// Say synthesizes and queues an arbitrary announcement without involving the
// chat client.
func (s *Session) Say(ctx context.Context, text string) error {
	return s.voice.Speak(ctx, text)
}

// Done returns a channel closed once the session has fully shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close tears the pipeline down: cancels all workers, stops the transcription
// link, and disconnects playback and the transport. Safe to call more than
// once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.link != nil {
			if err := s.link.Stop(); err != nil {
				slog.Warn("session: transcription link stop failed", "err", err)
			}
		}
		if err := s.controller.Disconnect(); err != nil {
			slog.Warn("session: transport disconnect failed", "err", err)
		}
		if err := s.g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("session: worker exited with error", "err", err)
		}
		if s.counted {
			observe.DefaultMetrics().ActiveSessions.Add(context.Background(), -1)
		}
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
		slog.Info("session: left voice channel", "channel_id", s.channelID)
	})
	return nil
}

// onTranscript feeds a recognized utterance into the dispatcher.
func (s *Session) onTranscript(text string) {
	observe.DefaultMetrics().RecordTranscript(context.Background(), "final")
	slog.Debug("session: transcript received", "text", text)
	s.dispatcher.Submit(text)
}

// onSpeakerChange reacts to channel membership: a join triggers an input
// rescan so the new speaker's stream gets a worker, a leave discards any
// half-accumulated audio so it cannot merge into a later utterance.
func (s *Session) onSpeakerChange(ev audio.Event) {
	switch ev.Type {
	case audio.EventJoin:
		select {
		case s.rescan <- struct{}{}:
		default:
		}
	case audio.EventLeave:
		s.acc.Reset(ev.SpeakerID)
	}
}

// supervise keeps one worker running per speaker input stream, rescanning
// whenever a join event fires.
func (s *Session) supervise(ctx context.Context) error {
	s.scanSpeakers(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.rescan:
			s.scanSpeakers(ctx)
		}
	}
}

// scanSpeakers spawns a worker for every input stream that does not have one.
func (s *Session) scanSpeakers(ctx context.Context) {
	for speaker, ch := range s.conn.InputStreams() {
		s.workersMu.Lock()
		_, running := s.workers[speaker]
		if !running {
			s.workers[speaker] = struct{}{}
		}
		s.workersMu.Unlock()
		if running {
			continue
		}

		s.g.Go(func() error {
			defer func() {
				s.workersMu.Lock()
				delete(s.workers, speaker)
				s.workersMu.Unlock()
			}()
			return s.consume(ctx, speaker, ch)
		})
	}
}

// workerCount reports how many speaker workers are running.
func (s *Session) workerCount() int {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()
	return len(s.workers)
}

// consume drains one speaker's input stream: converts frames to the
// transcription format, accumulates them into the chunk window, and forwards
// ready chunks over the link. Returns nil when the stream closes.
func (s *Session) consume(ctx context.Context, speaker string, in <-chan audio.Frame) error {
	met := observe.DefaultMetrics()
	met.ActiveSpeakers.Add(ctx, 1)
	defer met.ActiveSpeakers.Add(context.Background(), -1)

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: s.sampleRate, Channels: 1}}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-in:
			if !ok {
				return nil
			}

			frame = conv.Convert(frame)
			if len(frame.Data) == 0 {
				continue
			}

			for _, c := range s.acc.Ingest(speaker, frame.Data) {
				if audio.IsSilence(c) {
					met.RecordChunkDropped(ctx, "silence")
					continue
				}
				if err := s.link.Send(c); err != nil {
					slog.Warn("session: chunk send failed", "speaker", speaker, "err", err)
					continue
				}
				met.RecordChunkForwarded(ctx, speaker)
			}
		}
	}
}
