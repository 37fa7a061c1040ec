package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio/chunk"
)

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_InvalidKind(t *testing.T) {
	if _, err := New("key", WithTranscriptKind("both")); err == nil {
		t.Fatal("expected error for invalid transcript kind")
	}
}

func TestNew_Defaults(t *testing.T) {
	l, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l.kind != KindFinal {
		t.Errorf("kind = %q, want %q", l.kind, KindFinal)
	}
	if l.endpoint != defaultEndpoint {
		t.Errorf("endpoint = %q, want %q", l.endpoint, defaultEndpoint)
	}
	if got := l.State(); got != StateDisconnected {
		t.Errorf("state = %v, want %v", got, StateDisconnected)
	}
}

func TestOnTranscript_DoubleRegistration(t *testing.T) {
	l, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.OnTranscript(func(string) {}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := l.OnTranscript(func(string) {}); err == nil {
		t.Fatal("expected error on second registration")
	}
}

func TestSend_ChunkOutOfRange(t *testing.T) {
	p := chunk.DefaultPolicy(16000)
	l, err := New("key", WithPolicy(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bpms := p.Format.BytesPerMillisecond()

	for _, tc := range []struct {
		name string
		ms   int
	}{
		{"below minimum", 50},
		{"at minimum", 100},
		{"at maximum", 2000},
		{"above maximum", 2500},
	} {
		t.Run(tc.name, func(t *testing.T) {
			data := make([]byte, tc.ms*bpms)
			data[0] = 1
			if err := l.Send(data); !errors.Is(err, ErrChunkOutOfRange) {
				t.Fatalf("Send(%dms) = %v, want ErrChunkOutOfRange", tc.ms, err)
			}
		})
	}
}

func TestSend_SilenceSkipped(t *testing.T) {
	p := chunk.DefaultPolicy(16000)
	l, err := New("key", WithPolicy(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 500ms of zeros: in-window but pure silence, must be silently dropped
	// without any session check.
	data := make([]byte, 500*p.Format.BytesPerMillisecond())
	if err := l.Send(data); err != nil {
		t.Fatalf("Send(silence) = %v, want nil", err)
	}
}

func TestSend_NoSessionIsNoOp(t *testing.T) {
	p := chunk.DefaultPolicy(16000)
	l, err := New("key", WithPolicy(p))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	data := make([]byte, 500*p.Format.BytesPerMillisecond())
	data[0] = 1
	if err := l.Send(data); err != nil {
		t.Fatalf("Send without session = %v, want nil", err)
	}
}

func TestStop_Idempotent(t *testing.T) {
	l, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := l.State(); got != StateClosed {
		t.Errorf("state after Stop = %v, want %v", got, StateClosed)
	}
	if err := l.Start(context.Background(), 16000); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Start after Stop = %v, want ErrLinkClosed", err)
	}
}

// fakeService is a minimal in-process stand-in for the transcription service.
// Every accepted connection immediately sends SessionBegins with a fresh
// session id, echoes one transcript per received audio message, and tracks
// handshake counts for reconnect assertions.
type fakeService struct {
	t          *testing.T
	handshakes atomic.Int32

	mu       sync.Mutex
	sessions []string
	conns    []*websocket.Conn
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	fs := &fakeService{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("sample_rate") == "" {
		fs.t.Error("missing sample_rate query parameter")
	}
	if r.Header.Get("Authorization") == "" {
		fs.t.Error("missing Authorization header")
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	n := fs.handshakes.Add(1)
	sessionID := "session-" + string(rune('a'+n-1))

	fs.mu.Lock()
	fs.sessions = append(fs.sessions, sessionID)
	fs.conns = append(fs.conns, conn)
	fs.mu.Unlock()

	begin, _ := json.Marshal(serviceMessage{MessageType: msgSessionBegins, SessionID: sessionID})
	if err := conn.Write(r.Context(), websocket.MessageText, begin); err != nil {
		return
	}

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var in audioMessage
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(in.AudioData)
		if err != nil {
			fs.t.Errorf("audio_data is not valid base64: %v", err)
			continue
		}
		out, _ := json.Marshal(serviceMessage{
			MessageType: msgFinalTranscript,
			SessionID:   sessionID,
			Text:        "heard " + strconv.Itoa(len(raw)) + " bytes",
		})
		if err := conn.Write(r.Context(), websocket.MessageText, out); err != nil {
			return
		}
	}
}

func (fs *fakeService) dropAll() {
	fs.mu.Lock()
	conns := fs.conns
	fs.conns = nil
	fs.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "dropped")
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLink_HandshakeAndTranscript(t *testing.T) {
	fs, srv := newFakeService(t)

	var got atomic.Value
	l, err := New("test-key", WithEndpoint(wsURL(srv)), WithBackoff(20*time.Millisecond, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.OnTranscript(func(text string) { got.Store(text) }); err != nil {
		t.Fatalf("OnTranscript: %v", err)
	}
	if err := l.Start(context.Background(), 16000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return l.State() == StateStreaming })

	if id := l.SessionID(); id != "session-a" {
		t.Errorf("session id = %q, want %q", id, "session-a")
	}
	if n := fs.handshakes.Load(); n != 1 {
		t.Errorf("handshakes = %d, want 1", n)
	}

	// 500ms of non-silent 16k mono audio.
	data := make([]byte, 500*32)
	data[0] = 1
	if err := l.Send(data); err != nil {
		t.Fatalf("Send: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil })
	want := "heard " + strconv.Itoa(len(data)) + " bytes"
	if text := got.Load().(string); text != want {
		t.Errorf("transcript = %q, want %q", text, want)
	}
}

func TestLink_ReconnectWipesSession(t *testing.T) {
	fs, srv := newFakeService(t)

	l, err := New("test-key", WithEndpoint(wsURL(srv)), WithBackoff(20*time.Millisecond, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Start(context.Background(), 16000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return l.State() == StateStreaming })
	first := l.SessionID()

	fs.dropAll()

	// Exactly one new handshake, and a session id the link did not carry over.
	waitFor(t, 2*time.Second, func() bool {
		return l.State() == StateStreaming && l.SessionID() != first && l.SessionID() != ""
	})
	if n := fs.handshakes.Load(); n != 2 {
		t.Errorf("handshakes after one drop = %d, want 2", n)
	}
}

func TestLink_PartialKindSelectsPartials(t *testing.T) {
	// A service that answers the handshake and then sends one partial and
	// one final transcript. A KindPartial link must surface only the partial.
	var conns sync.WaitGroup
	conns.Add(1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		begin, _ := json.Marshal(serviceMessage{MessageType: msgSessionBegins, SessionID: "s1"})
		conn.Write(r.Context(), websocket.MessageText, begin)
		partial, _ := json.Marshal(serviceMessage{MessageType: msgPartialTranscript, SessionID: "s1", Text: "hel"})
		conn.Write(r.Context(), websocket.MessageText, partial)
		final, _ := json.Marshal(serviceMessage{MessageType: msgFinalTranscript, SessionID: "s1", Text: "hello"})
		conn.Write(r.Context(), websocket.MessageText, final)
		conns.Done()
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	var mu sync.Mutex
	var texts []string
	l, err := New("test-key", WithEndpoint(wsURL(srv)),
		WithTranscriptKind(KindPartial),
		WithBackoff(20*time.Millisecond, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.OnTranscript(func(text string) {
		mu.Lock()
		texts = append(texts, text)
		mu.Unlock()
	})
	if err := l.Start(context.Background(), 16000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	conns.Wait()
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(texts) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	if len(texts) != 1 || texts[0] != "hel" {
		t.Errorf("texts = %v, want [hel]", texts)
	}
}

func TestLink_ServiceErrorSkipped(t *testing.T) {
	// An error-bearing message must be logged and skipped, not kill the
	// session or reach the handler.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		begin, _ := json.Marshal(serviceMessage{MessageType: msgSessionBegins, SessionID: "s1"})
		conn.Write(r.Context(), websocket.MessageText, begin)
		bad, _ := json.Marshal(serviceMessage{MessageType: msgFinalTranscript, Error: "credit exhausted", Text: "nope"})
		conn.Write(r.Context(), websocket.MessageText, bad)
		good, _ := json.Marshal(serviceMessage{MessageType: msgFinalTranscript, SessionID: "s1", Text: "still here"})
		conn.Write(r.Context(), websocket.MessageText, good)
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	var got atomic.Value
	l, err := New("test-key", WithEndpoint(wsURL(srv)), WithBackoff(20*time.Millisecond, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.OnTranscript(func(text string) { got.Store(text) })
	if err := l.Start(context.Background(), 16000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return got.Load() != nil })
	if text := got.Load().(string); text != "still here" {
		t.Errorf("transcript = %q, want %q", text, "still here")
	}
}

func TestLink_BadHandshakeRetries(t *testing.T) {
	// First connection sends garbage instead of SessionBegins; the link must
	// drop it and succeed on the retry.
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if attempts.Add(1) == 1 {
			msg, _ := json.Marshal(serviceMessage{MessageType: msgPartialTranscript, Text: "early"})
			conn.Write(r.Context(), websocket.MessageText, msg)
			conn.Read(r.Context())
			return
		}
		begin, _ := json.Marshal(serviceMessage{MessageType: msgSessionBegins, SessionID: "s2"})
		conn.Write(r.Context(), websocket.MessageText, begin)
		conn.Read(r.Context())
	}))
	t.Cleanup(srv.Close)

	l, err := New("test-key", WithEndpoint(wsURL(srv)), WithBackoff(20*time.Millisecond, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Start(context.Background(), 16000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer l.Stop()

	waitFor(t, 2*time.Second, func() bool { return l.State() == StateStreaming })
	if id := l.SessionID(); id != "s2" {
		t.Errorf("session id = %q, want %q", id, "s2")
	}
	if n := attempts.Load(); n < 2 {
		t.Errorf("attempts = %d, want at least 2", n)
	}
}
