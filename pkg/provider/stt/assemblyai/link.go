// Package assemblyai maintains the persistent streaming connection to the
// AssemblyAI real-time transcription service.
//
// The link dials the service's WebSocket endpoint, performs the SessionBegins
// handshake, forwards audio chunks as base64 JSON messages, and delivers
// transcript text to a registered handler. When the socket drops for any
// reason the link reconnects forever with exponential backoff; the old
// session identifier is discarded and a fresh handshake is mandatory on every
// new connection.
package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/chunk"
)

const defaultEndpoint = "wss://api.assemblyai.com/v2/realtime/ws"

// Wire message types sent by the service.
const (
	msgSessionBegins     = "SessionBegins"
	msgSessionResumed    = "SessionResumed"
	msgSessionTerminated = "SessionTerminated"
	msgPartialTranscript = "PartialTranscript"
	msgFinalTranscript   = "FinalTranscript"
)

// Reconnect backoff bounds.
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// TranscriptKind selects which transcript messages the link forwards to its
// handler. The choice is fixed per link at construction, not per turn.
type TranscriptKind string

const (
	// KindFinal forwards only authoritative end-of-utterance transcripts.
	KindFinal TranscriptKind = "final"

	// KindPartial forwards low-latency interim transcripts instead.
	KindPartial TranscriptKind = "partial"
)

// IsValid reports whether k is a recognised transcript kind.
func (k TranscriptKind) IsValid() bool {
	return k == KindFinal || k == KindPartial
}

// messageType returns the wire message type this kind selects.
func (k TranscriptKind) messageType() string {
	if k == KindPartial {
		return msgPartialTranscript
	}
	return msgFinalTranscript
}

// LinkState describes where the link is in its connection lifecycle.
type LinkState int32

const (
	// StateDisconnected is the initial state before Start.
	StateDisconnected LinkState = iota

	// StateConnecting means a dial (or redial) is in progress.
	StateConnecting

	// StateAwaitingHandshake means the socket is open and the link is waiting
	// for the service's SessionBegins message.
	StateAwaitingHandshake

	// StateStreaming means a session is active and audio may be sent.
	StateStreaming

	// StateClosed is the terminal state entered only by Stop.
	StateClosed
)

// String returns the human-readable name of the state.
func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrChunkOutOfRange is returned by [Link.Send] for a chunk whose duration
// falls outside the service window. Such a chunk indicates a defect in the
// caller's chunking, so it is rejected rather than coerced.
var ErrChunkOutOfRange = errors.New("assemblyai: chunk duration outside service window")

// ErrLinkClosed is returned for operations on a stopped link.
var ErrLinkClosed = errors.New("assemblyai: link is closed")

// audioMessage is the outbound JSON frame carrying one audio chunk.
type audioMessage struct {
	AudioData string `json:"audio_data"`
}

// serviceMessage is the inbound JSON frame.
type serviceMessage struct {
	MessageType string `json:"message_type"`
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

// Option is a functional option for configuring the Link.
type Option func(*Link)

// WithEndpoint overrides the service WebSocket endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(l *Link) { l.endpoint = endpoint }
}

// WithTranscriptKind selects which transcript kind the link forwards.
// Default is [KindFinal].
func WithTranscriptKind(k TranscriptKind) Option {
	return func(l *Link) { l.kind = k }
}

// WithBackoff overrides the reconnect backoff bounds. Used in tests.
func WithBackoff(initial, max time.Duration) Option {
	return func(l *Link) {
		l.backoff = initial
		l.maxBackoff = max
	}
}

// WithPolicy overrides the duration window used to validate outbound chunks.
// The policy's format must match the sample rate passed to Start.
func WithPolicy(p chunk.Policy) Option {
	return func(l *Link) { l.policy = &p }
}

// Link is a persistent connection to the streaming transcription service.
//
// All methods are safe for concurrent use. A Link is started once; after
// [Link.Stop] it cannot be reused.
type Link struct {
	apiKey     string
	endpoint   string
	kind       TranscriptKind
	backoff    time.Duration
	maxBackoff time.Duration
	policy     *chunk.Policy

	handler func(text string)

	mu        sync.Mutex
	state     LinkState
	conn      *websocket.Conn
	sessionID string
	started   bool
	cancel    context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Link. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Link, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	l := &Link{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		kind:       KindFinal,
		backoff:    initialBackoff,
		maxBackoff: maxBackoff,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if !l.kind.IsValid() {
		return nil, fmt.Errorf("assemblyai: invalid transcript kind %q", l.kind)
	}
	return l, nil
}

// OnTranscript registers the handler invoked for every non-empty transcript
// of the link's selected kind. Must be called before Start; a second
// registration is a defect and returns an error.
func (l *Link) OnTranscript(handler func(text string)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.handler != nil {
		return errors.New("assemblyai: transcript handler already registered")
	}
	l.handler = handler
	return nil
}

// Start opens the link and begins the connect/handshake/stream loop in a
// background goroutine. sampleRate is advertised to the service and used to
// validate outbound chunk durations when no explicit policy was supplied.
func (l *Link) Start(ctx context.Context, sampleRate int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return ErrLinkClosed
	}
	if l.started {
		return errors.New("assemblyai: link already started")
	}
	if l.policy == nil {
		p := chunk.DefaultPolicy(sampleRate)
		l.policy = &p
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.started = true

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(runCtx, sampleRate)
	}()
	return nil
}

// Send forwards one audio chunk to the service. It is a no-op when no session
// is active (the chunk is dropped with a warning) and when the chunk is pure
// silence. A chunk outside the service duration window is a caller defect and
// returns [ErrChunkOutOfRange].
func (l *Link) Send(data []byte) error {
	d := audio.PCMDuration(len(data), l.policy.Format)
	if d <= l.policy.Min || d >= l.policy.Max {
		return fmt.Errorf("%w: %v", ErrChunkOutOfRange, d)
	}

	if audio.IsSilence(data) {
		return nil
	}

	l.mu.Lock()
	conn := l.conn
	streaming := l.state == StateStreaming
	l.mu.Unlock()

	if !streaming || conn == nil {
		slog.Warn("assemblyai: no active session, dropping audio chunk", "bytes", len(data))
		return nil
	}

	msg, err := json.Marshal(audioMessage{AudioData: base64.StdEncoding.EncodeToString(data)})
	if err != nil {
		return fmt.Errorf("assemblyai: marshal audio message: %w", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
		// The receive loop observes the same failure and reconnects; the
		// chunk itself is lost, matching a socket drop mid-flight.
		slog.Warn("assemblyai: audio send failed", "err", err)
	}
	return nil
}

// State returns the link's current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SessionID returns the identifier of the active transcription session, or
// empty when no session is established.
func (l *Link) SessionID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// Stop closes the link permanently. Safe to call more than once.
func (l *Link) Stop() error {
	l.stopOnce.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.state = StateClosed
		if l.cancel != nil {
			l.cancel()
		}
		conn := l.conn
		l.conn = nil
		l.sessionID = ""
		l.mu.Unlock()
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "link stopped")
		}
		l.wg.Wait()
	})
	return nil
}

// run is the connect/handshake/stream loop. It returns only when ctx is
// cancelled or the link is stopped.
func (l *Link) run(ctx context.Context, sampleRate int) {
	backoff := l.backoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		default:
		}

		l.setState(StateConnecting)

		conn, err := l.dial(ctx, sampleRate)
		if err != nil {
			slog.Warn("assemblyai: dial failed, retrying", "err", err, "backoff", backoff)
			if !l.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, l.maxBackoff)
			continue
		}

		sessionID, err := l.handshake(ctx, conn)
		if err != nil {
			slog.Warn("assemblyai: handshake failed", "err", err)
			conn.Close(websocket.StatusProtocolError, "handshake failed")
			if !l.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, l.maxBackoff)
			continue
		}

		// Session established; further drops restart from the initial backoff.
		backoff = l.backoff

		l.mu.Lock()
		if l.state == StateClosed {
			l.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "link stopped")
			return
		}
		l.conn = conn
		l.sessionID = sessionID
		l.state = StateStreaming
		l.mu.Unlock()

		slog.Info("assemblyai: session established", "session_id", sessionID)

		l.receive(ctx, conn)

		// The socket closed. Wipe session state; the next iteration redials
		// and a fresh handshake is mandatory.
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.sessionID = ""
		l.mu.Unlock()
	}
}

// dial opens the WebSocket with the sample-rate query parameter and the
// bearer authorization header.
func (l *Link) dial(ctx context.Context, sampleRate int) (*websocket.Conn, error) {
	u, err := url.Parse(l.endpoint)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", l.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}
	return conn, nil
}

// handshake reads the first message from a fresh socket. Anything other than
// SessionBegins with a session identifier is a fatal error for this attempt.
func (l *Link) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	l.setState(StateAwaitingHandshake)

	_, data, err := conn.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("assemblyai: read handshake: %w", err)
	}
	var msg serviceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("assemblyai: decode handshake: %w", err)
	}
	if msg.MessageType != msgSessionBegins {
		return "", fmt.Errorf("assemblyai: expected %s, got %q", msgSessionBegins, msg.MessageType)
	}
	if msg.SessionID == "" {
		return "", errors.New("assemblyai: handshake carried no session id")
	}
	return msg.SessionID, nil
}

// receive consumes inbound messages until the socket closes. Service-side
// errors and malformed messages are logged and skipped; only a socket-level
// failure ends the loop.
func (l *Link) receive(ctx context.Context, conn *websocket.Conn) {
	selected := l.kind.messageType()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			select {
			case <-l.done:
			case <-ctx.Done():
			default:
				slog.Warn("assemblyai: socket closed, reconnecting", "err", err)
			}
			return
		}

		var msg serviceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("assemblyai: malformed service message", "err", err)
			continue
		}

		if msg.Error != "" {
			slog.Warn("assemblyai: service error", "error", msg.Error)
			continue
		}

		switch msg.MessageType {
		case selected:
			if msg.Text != "" {
				slog.Info("assemblyai: transcript received", "text", msg.Text)
				if l.handler != nil {
					l.handler(msg.Text)
				}
			}
		case msgSessionTerminated:
			slog.Info("assemblyai: session terminated by service")
		case msgSessionResumed, msgSessionBegins, msgPartialTranscript, msgFinalTranscript:
			// Recognised but not selected; ignore.
		default:
			slog.Debug("assemblyai: unrecognised message type", "message_type", msg.MessageType)
		}
	}
}

// setState updates the lifecycle state unless the link is already closed.
func (l *Link) setState(s LinkState) {
	l.mu.Lock()
	if l.state != StateClosed {
		l.state = s
	}
	l.mu.Unlock()
}

// sleep waits for d, returning false if the link stopped first.
func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-l.done:
		return false
	case <-time.After(d):
		return true
	}
}
