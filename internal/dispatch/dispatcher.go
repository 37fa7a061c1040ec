// Package dispatch routes finalized transcripts through the conversational
// AI client and feeds the answers back into playback as synthesized speech.
//
// Each transcript becomes one conversation turn: acknowledge the utterance,
// ask the AI client, speak the answer. Turns are processed one at a time by a
// single worker so the announce/ask/speak sequence is never interleaved and
// the chat client is never called concurrently.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/chat"
)

const (
	acknowledgeFormat = "I heard you say %q. Give me a second to think..."
	stallNotice       = "I lost my train of thought. Give me a minute to get back on track..."
)

// DefaultCooldown is the wait between retries after a rate-limited ask.
const DefaultCooldown = 60 * time.Second

const defaultQueueSize = 16

// ErrNoAnswer is the terminal outcome of a turn whose ask failed for any
// reason other than rate limiting.
var ErrNoAnswer = errors.New("dispatch: no answer produced")

// Speaker voices text into the session's playback queue.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Option is a functional option for the Dispatcher.
type Option func(*Dispatcher)

// WithCooldown overrides the rate-limit retry cooldown.
func WithCooldown(d time.Duration) Option {
	return func(d2 *Dispatcher) { d2.cooldown = d }
}

// WithQueueSize overrides the pending-transcript queue capacity.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) { d.queueSize = n }
}

// Dispatcher turns transcripts into spoken answers.
type Dispatcher struct {
	chat      chat.Client
	speaker   Speaker
	cooldown  time.Duration
	queueSize int

	queue chan string

	mu             sync.Mutex
	conversationID string
	started        bool
}

// New creates a Dispatcher asking client and speaking answers through speaker.
func New(client chat.Client, speaker Speaker, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		chat:      client,
		speaker:   speaker,
		cooldown:  DefaultCooldown,
		queueSize: defaultQueueSize,
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan string, d.queueSize)
	return d
}

// Start launches the single turn worker. It returns once the worker is
// running; the worker exits when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errors.New("dispatch: dispatcher already started")
	}
	d.started = true

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case text := <-d.queue:
				if err := d.Handle(ctx, text); err != nil && !errors.Is(err, context.Canceled) {
					slog.Warn("dispatch: turn failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// Submit queues a transcript for the worker. It never blocks; when the queue
// is full the transcript is dropped with a warning, since blocking here would
// stall the transcript receive loop.
func (d *Dispatcher) Submit(text string) {
	select {
	case d.queue <- text:
	default:
		slog.Warn("dispatch: turn queue full, dropping transcript", "text", text)
	}
}

// ConversationID returns the identifier of the running conversation, empty
// before the first completed turn.
func (d *Dispatcher) ConversationID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conversationID
}

// SetConversation installs an existing conversation to continue instead of
// starting fresh on the next turn.
func (d *Dispatcher) SetConversation(id string) {
	d.mu.Lock()
	d.conversationID = id
	d.mu.Unlock()
}

// Prime runs the opening exchange of a conversation: ask the initial prompt
// and speak the answer, with no transcript acknowledgement. The returned
// answer carries the conversation ID continued by later turns.
func (d *Dispatcher) Prime(ctx context.Context, prompt string) (chat.Answer, error) {
	ans, err := d.chat.Ask(ctx, prompt, d.ConversationID())
	if err != nil {
		return chat.Answer{}, fmt.Errorf("dispatch: initial ask: %w", err)
	}
	d.SetConversation(ans.ConversationID)
	d.say(ctx, ans.Message)
	return ans, nil
}

// Handle runs one full conversation turn for a transcript: acknowledge it,
// ask the AI client (retrying on rate limits with a fixed cooldown), and
// speak the answer.
//
// A rate-limited ask announces the stall exactly once per occurrence, waits
// the cooldown, and retries the same request without bound. Any other ask
// failure ends the turn with ErrNoAnswer.
func (d *Dispatcher) Handle(ctx context.Context, text string) error {
	met := observe.DefaultMetrics()
	start := time.Now()

	d.say(ctx, fmt.Sprintf(acknowledgeFormat, text))

	for {
		askStart := time.Now()
		ans, err := d.chat.Ask(ctx, text, d.ConversationID())
		met.ChatDuration.Record(ctx, time.Since(askStart).Seconds())
		if err == nil {
			d.SetConversation(ans.ConversationID)
			slog.Info("dispatch: turn answered", "conversation_id", ans.ConversationID)
			d.say(ctx, ans.Message)
			met.TurnDuration.Record(ctx, time.Since(start).Seconds())
			return nil
		}

		if errors.Is(err, chat.ErrSessionRefresh) {
			slog.Warn("dispatch: rate limited, cooling down", "cooldown", d.cooldown)
			met.ChatStalls.Add(ctx, 1)
			d.say(ctx, stallNotice)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.cooldown):
			}
			continue
		}

		slog.Error("dispatch: ask failed", "err", err)
		return fmt.Errorf("%w: %v", ErrNoAnswer, err)
	}
}

// say speaks text, absorbing synthesis failures so a broken announcement
// cannot abort the turn.
func (d *Dispatcher) say(ctx context.Context, text string) {
	if err := d.speaker.Speak(ctx, text); err != nil {
		slog.Warn("dispatch: speech failed", "err", err)
	}
}
