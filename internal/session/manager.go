package session

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/internal/playback"
)

// ErrSessionActive is returned by Join while another session is running.
// One bot instance holds at most one voice session at a time.
var ErrSessionActive = errors.New("session: a session is already active")

// ErrNoSession is returned by Leave when nothing is running.
var ErrNoSession = errors.New("session: no active session")

// Manager owns the single active [Session] and builds new ones from a fixed
// dependency set.
//
// Manager is safe for concurrent use.
type Manager struct {
	deps Deps
	cfg  Config

	mu      sync.Mutex
	active  *Session
	joining bool
}

// NewManager validates deps and returns a Manager.
func NewManager(deps Deps, cfg Config) (*Manager, error) {
	switch {
	case deps.Transport == nil:
		return nil, errors.New("session: transport is required")
	case deps.NewTranscriber == nil:
		return nil, errors.New("session: transcriber factory is required")
	case deps.Chat == nil:
		return nil, errors.New("session: chat client is required")
	case deps.Synth == nil:
		return nil, errors.New("session: synthesizer is required")
	case deps.Decoder == nil:
		return nil, errors.New("session: clip decoder is required")
	}
	if cfg.SampleRate <= 0 {
		return nil, errors.New("session: sample rate must be positive")
	}
	return &Manager{deps: deps, cfg: cfg}, nil
}

// Join starts a session on the given voice channel. Only one session may run
// at a time; a second Join returns ErrSessionActive until the first session
// closes. A non-nil notifier overrides the manager-wide one for this session.
func (m *Manager) Join(ctx context.Context, channelID string, notifier playback.Notifier) (*Session, error) {
	m.mu.Lock()
	if m.active != nil || m.joining {
		m.mu.Unlock()
		return nil, ErrSessionActive
	}
	m.joining = true
	m.mu.Unlock()

	var s *Session
	s, err := newSession(ctx, m.deps, m.cfg, channelID, notifier, func() {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
		}
		m.mu.Unlock()
	})

	m.mu.Lock()
	m.joining = false
	if err == nil {
		m.active = s
		// The session may have torn itself down before it was installed.
		select {
		case <-s.closed:
			m.active = nil
		default:
		}
	}
	m.mu.Unlock()
	return s, err
}

// Leave closes the active session, if any.
func (m *Manager) Leave() error {
	s := m.Active()
	if s == nil {
		return ErrNoSession
	}
	return s.Close()
}

// Active returns the running session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
