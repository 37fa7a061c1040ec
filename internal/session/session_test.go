package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/dispatch"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/chunk"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/chat"
	chatmock "github.com/MrWong99/parley/pkg/provider/chat/mock"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

var testFormat = audio.Format{SampleRate: 16000, Channels: 1}

// fakeLink is an in-memory Transcriber that records sent chunks and exposes
// the registered handler so tests can inject transcripts.
type fakeLink struct {
	mu       sync.Mutex
	handler  func(string)
	sent     [][]byte
	started  int
	stopped  int
	startErr error
}

func (l *fakeLink) OnTranscript(h func(text string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
	return nil
}

func (l *fakeLink) Start(_ context.Context, _ int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
	return l.startErr
}

func (l *fakeLink) Send(data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, data)
	return nil
}

func (l *fakeLink) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
	return nil
}

func (l *fakeLink) sentCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

func (l *fakeLink) transcribe(text string) {
	l.mu.Lock()
	h := l.handler
	l.mu.Unlock()
	if h != nil {
		h(text)
	}
}

// fakeDecoder converts each clip into a BufferSource holding the clip bytes
// as PCM.
type fakeDecoder struct{}

func (fakeDecoder) DecodeAll(_ context.Context, name string, clips [][]byte) ([]audio.Source, error) {
	sources := make([]audio.Source, len(clips))
	for i, clip := range clips {
		sources[i] = audio.NewBufferSource(clip, testFormat, fmt.Sprintf("%s[%d]", name, i))
	}
	return sources, nil
}

// testEnv bundles the mocks behind one Manager.
type testEnv struct {
	manager   *Manager
	transport *audiomock.Transport
	conn      *audiomock.Connection
	link      *fakeLink
	chat      *chatmock.Client
	synth     *ttsmock.Synthesizer
	input     chan audio.Frame
	output    chan audio.Frame
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	input := make(chan audio.Frame, 16)
	output := make(chan audio.Frame, 256)
	conn := &audiomock.Connection{
		InputStreamsResult: map[string]<-chan audio.Frame{"alice": input},
		OutputStreamResult: output,
	}

	env := &testEnv{
		transport: &audiomock.Transport{ConnectResult: conn},
		conn:      conn,
		link:      &fakeLink{},
		chat:      &chatmock.Client{},
		synth:     &ttsmock.Synthesizer{},
		input:     input,
		output:    output,
	}

	mgr, err := NewManager(Deps{
		Transport:      env.transport,
		NewTranscriber: func() (Transcriber, error) { return env.link, nil },
		Chat:           env.chat,
		Synth:          env.synth,
		Decoder:        fakeDecoder{},
	}, Config{
		SampleRate:      testFormat.SampleRate,
		Language:        "en",
		Policy:          chunk.DefaultPolicy(testFormat.SampleRate),
		DispatchOptions: []dispatch.Option{dispatch.WithCooldown(10 * time.Millisecond)},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	env.manager = mgr
	return env
}

// speech returns non-silent PCM of the given duration in the test format.
func speech(d time.Duration) []byte {
	data := make([]byte, int(d.Milliseconds())*testFormat.BytesPerMillisecond())
	for i := range data {
		data[i] = 0x5A
	}
	return data
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ─── Manager tests ───────────────────────────────────────────────────────────

func TestNewManager_MissingDeps(t *testing.T) {
	_, err := NewManager(Deps{}, Config{SampleRate: 16000})
	if err == nil {
		t.Fatal("expected an error for empty deps")
	}
}

func TestManager_SingleActiveSession(t *testing.T) {
	env := newTestEnv(t)

	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Close()

	if _, err := env.manager.Join(t.Context(), "chan-2", nil); !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second Join: got %v, want ErrSessionActive", err)
	}
	if got := env.manager.Active(); got != s {
		t.Errorf("Active: got %v, want the joined session", got)
	}

	if err := env.manager.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := env.manager.Leave(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("second Leave: got %v, want ErrNoSession", err)
	}

	// A new session may start once the first has closed.
	s2, err := env.manager.Join(t.Context(), "chan-2", nil)
	if err != nil {
		t.Fatalf("Join after Leave: %v", err)
	}
	s2.Close()
}

func TestManager_JoinConnectError(t *testing.T) {
	env := newTestEnv(t)
	env.transport.ConnectError = errors.New("gateway unavailable")
	env.transport.ConnectResult = nil

	if _, err := env.manager.Join(t.Context(), "chan-1", nil); err == nil {
		t.Fatal("expected Join to fail")
	}
	if env.manager.Active() != nil {
		t.Error("failed Join left an active session behind")
	}
}

// ─── Session tests ───────────────────────────────────────────────────────────

func TestSession_ForwardsSpeechChunks(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Close()

	// 1.2 s of speech clears the usable minimum and forwards as one chunk.
	env.input <- audio.Frame{Data: speech(1200 * time.Millisecond), SampleRate: testFormat.SampleRate, Channels: 1}

	waitFor(t, func() bool { return env.link.sentCount() == 1 }, "chunk never reached the link")

	env.link.mu.Lock()
	n := len(env.link.sent[0])
	env.link.mu.Unlock()
	want := 1200 * testFormat.BytesPerMillisecond()
	if n != want {
		t.Errorf("forwarded chunk is %d bytes, want %d", n, want)
	}
}

func TestSession_SilentChunksNotForwarded(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Close()

	silent := make([]byte, 1200*testFormat.BytesPerMillisecond())
	env.input <- audio.Frame{Data: silent, SampleRate: testFormat.SampleRate, Channels: 1}
	env.input <- audio.Frame{Data: speech(1200 * time.Millisecond), SampleRate: testFormat.SampleRate, Channels: 1}

	waitFor(t, func() bool { return env.link.sentCount() == 1 }, "speech chunk never reached the link")
	if got := env.link.sentCount(); got != 1 {
		t.Errorf("link received %d chunks, want 1 (silence skipped)", got)
	}
}

func TestSession_TranscriptDrivesConversation(t *testing.T) {
	env := newTestEnv(t)
	env.chat.Answers = []chat.Answer{{Message: "The answer is 42.", ConversationID: "conv-1"}}
	env.synth.Clips = [][]byte{speech(100 * time.Millisecond)}

	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Close()

	// Drain playback output so the controller is never blocked.
	go func() {
		for range env.output {
		}
	}()

	env.link.transcribe("what is the answer")

	waitFor(t, func() bool { return env.synth.CallCount() >= 2 }, "turn never spoke")

	spoken := env.synth.SpokenTexts()
	if !strings.Contains(spoken[0], `"what is the answer"`) {
		t.Errorf("first utterance %q does not acknowledge the transcript", spoken[0])
	}
	found := false
	for _, text := range spoken {
		if text == "The answer is 42." {
			found = true
		}
	}
	if !found {
		t.Errorf("answer never spoken, got %q", spoken)
	}

	if got := env.chat.AskCount(); got != 1 {
		t.Errorf("chat asked %d times, want 1", got)
	}
}

func TestSession_SpeakerLeaveDropsPendingAudio(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Close()

	// 500 ms is below the usable minimum, so it stays pending.
	env.input <- audio.Frame{Data: speech(500 * time.Millisecond), SampleRate: testFormat.SampleRate, Channels: 1}
	waitFor(t, func() bool { return s.acc.Pending("alice") }, "leftover never accumulated")

	env.conn.EmitEvent(audio.Event{Type: audio.EventLeave, SpeakerID: "alice"})
	waitFor(t, func() bool { return !s.acc.Pending("alice") }, "leftover not dropped on leave")

	if got := env.link.sentCount(); got != 0 {
		t.Errorf("link received %d chunks, want 0", got)
	}
}

func TestSession_JoinEventPicksUpNewSpeaker(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer s.Close()

	// Wait out the initial scan, then add a speaker.
	waitFor(t, func() bool { return s.workerCount() == 1 }, "initial speaker never picked up")
	bob := make(chan audio.Frame, 4)
	env.conn.InputStreamsResult["bob"] = bob
	env.conn.EmitEvent(audio.Event{Type: audio.EventJoin, SpeakerID: "bob"})

	bob <- audio.Frame{Data: speech(1200 * time.Millisecond), SampleRate: testFormat.SampleRate, Channels: 1}
	waitFor(t, func() bool { return env.link.sentCount() == 1 }, "new speaker's chunk never reached the link")
}

func TestSession_CloseStopsEverythingOnce(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	for range 3 {
		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("Done never closed")
	}

	env.link.mu.Lock()
	stopped := env.link.stopped
	env.link.mu.Unlock()
	if stopped != 1 {
		t.Errorf("link stopped %d times, want 1", stopped)
	}
	if got := env.conn.DisconnectCount(); got != 1 {
		t.Errorf("transport disconnected %d times, want 1", got)
	}
	if env.manager.Active() != nil {
		t.Error("closed session still active in manager")
	}
}

func TestSession_PlaybackTeardownClosesSession(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.manager.Join(t.Context(), "chan-1", nil)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Disconnecting playback (as the idle timeout does) must cascade into a
	// full session close.
	if err := s.Playback().Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session never closed after playback teardown")
	}
	waitFor(t, func() bool { return env.manager.Active() == nil }, "manager still holds closed session")
}
