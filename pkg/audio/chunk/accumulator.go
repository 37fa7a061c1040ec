package chunk

import "sync"

// Accumulator tracks one [State] per speaker and applies a shared [Policy] to
// every inbound frame.
//
// The map itself is guarded so speakers may be added and removed from any
// goroutine, but frames for a single speaker must be ingested from one
// goroutine at a time — the session layer routes each speaker's stream
// through its own worker, which provides that serialization.
type Accumulator struct {
	policy Policy

	mu     sync.Mutex
	states map[string]State
}

// NewAccumulator creates an accumulator applying policy to all speakers.
func NewAccumulator(policy Policy) *Accumulator {
	return &Accumulator{
		policy: policy,
		states: make(map[string]State),
	}
}

// Ingest processes one raw frame for the given speaker and returns zero or
// more chunks ready to forward to the transcription link.
func (a *Accumulator) Ingest(speakerID string, frame []byte) [][]byte {
	a.mu.Lock()
	state := a.states[speakerID]
	a.mu.Unlock()

	state, chunks := a.policy.Ingest(state, frame)

	a.mu.Lock()
	if len(state.Leftover) == 0 {
		delete(a.states, speakerID)
	} else {
		a.states[speakerID] = state
	}
	a.mu.Unlock()

	return chunks
}

// Reset discards any pending leftover for the given speaker. Called when a
// speaker leaves the channel so a stale buffer never merges into a later
// session.
func (a *Accumulator) Reset(speakerID string) {
	a.mu.Lock()
	delete(a.states, speakerID)
	a.mu.Unlock()
}

// Pending reports whether the speaker currently has an undersized buffer
// waiting to be merged. Intended for tests and introspection.
func (a *Accumulator) Pending(speakerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states[speakerID].Leftover) > 0
}
