// Package playback owns the outbound half of a voice session: an ordered
// queue of audio sources and a single sequencing loop that plays them back to
// back into the session's transport connection.
//
// The loop is an explicit task handle owned by the controller. Disconnect
// always cancels the loop and waits for it before releasing the transport,
// so no exit path (idle timeout, explicit request, context cancellation) can
// leave an orphaned loop or a leaked connection behind.
package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultRecoveryTimeout is the idle-timeout value installed after the first
// idle expiry.
const DefaultRecoveryTimeout = 120 * time.Second

// idleNotice is the announcement sent to the bound notifier when the queue
// runs dry past the idle timeout.
const idleNotice = "Ran out of tracks to play. Leaving..."

// ErrAlreadyBound is returned by Bind when a notifier is already registered.
var ErrAlreadyBound = errors.New("playback: notification target already bound")

// ErrControllerStopped is returned for operations on a disconnected controller.
var ErrControllerStopped = errors.New("playback: controller stopped")

// Notifier receives out-of-band text announcements from the controller, such
// as the idle-timeout notice. Typically backed by a chat channel.
type Notifier interface {
	Announce(ctx context.Context, message string) error
}

// Option is a functional option for the Controller.
type Option func(*Controller)

// WithQueueSize bounds the track queue. When the queue is full the oldest
// entry is evicted to make room, ring-buffer style. Zero (the default) means
// unbounded.
func WithQueueSize(n int) Option {
	return func(c *Controller) { c.maxQueue = n }
}

// WithIdleTimeout sets the initial idle timeout. Zero (the default) means the
// loop waits for the first track indefinitely.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Controller) { c.idleTimeout = d }
}

// WithRecoveryTimeout overrides the idle-timeout value installed after the
// first idle expiry.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(c *Controller) { c.recoveryTimeout = d }
}

// Controller sequences queued audio sources into a transport connection.
// One controller per voice session; at most one source plays at a time.
type Controller struct {
	conn            audio.Connection
	maxQueue        int
	recoveryTimeout time.Duration

	mu          sync.Mutex
	queue       []audio.Source
	idleTimeout time.Duration
	notifier    Notifier
	started     bool
	currentName string
	currentDur  time.Duration
	hasDur      bool

	loopCurrent atomic.Bool
	framesRead  atomic.Int64

	cancel context.CancelFunc

	// notify signals track arrival; capacity 1 so enqueues never block.
	notify chan struct{}

	done        chan struct{}
	stopOnce    sync.Once
	releaseOnce sync.Once
	wg          sync.WaitGroup
}

// New creates a Controller playing into conn. The sequencing loop starts only
// on Start.
func New(conn audio.Connection, opts ...Option) *Controller {
	c := &Controller{
		conn:            conn,
		recoveryTimeout: DefaultRecoveryTimeout,
		notify:          make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the sequencing loop. It returns an error if the controller
// was already started or stopped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return ErrControllerStopped
	default:
	}
	if c.started {
		return errors.New("playback: controller already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		c.run(runCtx)
		c.wg.Done()
		// The loop owns teardown on every exit path: timeout, cancellation
		// or explicit stop all release the transport exactly once.
		c.Disconnect()
	}()
	return nil
}

// Enqueue appends a source to the queue. It never blocks; on a bounded full
// queue the oldest entry is evicted.
func (c *Controller) Enqueue(src audio.Source) error {
	select {
	case <-c.done:
		return ErrControllerStopped
	default:
	}

	c.mu.Lock()
	if c.maxQueue > 0 && len(c.queue) >= c.maxQueue {
		evicted := c.queue[0]
		c.queue = c.queue[1:]
		slog.Warn("playback: queue full, evicting oldest track", "track", evicted.Name())
		evicted.Close()
	}
	c.queue = append(c.queue, src)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Done returns a channel closed when the controller has shut down, whether
// by Disconnect, context cancellation, or idle timeout.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// QueueLen returns the number of queued, not yet playing sources.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Bind registers the notification target for idle announcements. Only one
// target may ever be bound; a second call returns ErrAlreadyBound.
func (c *Controller) Bind(n Notifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notifier != nil {
		return ErrAlreadyBound
	}
	c.notifier = n
	return nil
}

// SetLoop toggles replaying the current track instead of advancing.
func (c *Controller) SetLoop(loop bool) {
	c.loopCurrent.Store(loop)
}

// Looping reports whether the current track is set to repeat.
func (c *Controller) Looping() bool {
	return c.loopCurrent.Load()
}

// SetIdleTimeout changes how long the loop waits for the next track before
// tearing the session down. Takes effect on the next wait.
func (c *Controller) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
}

// Elapsed returns playback time into the current track, derived from frames
// written so far. False when nothing is playing.
func (c *Controller) Elapsed() (time.Duration, bool) {
	c.mu.Lock()
	playing := c.currentName != ""
	c.mu.Unlock()
	if !playing {
		return 0, false
	}
	return time.Duration(c.framesRead.Load()) * audio.FrameDuration, true
}

// Progress returns the fraction of the current track already played, in
// [0, 1]. False when nothing is playing or the track duration is unknown.
func (c *Controller) Progress() (float64, bool) {
	c.mu.Lock()
	dur, ok := c.currentDur, c.hasDur && c.currentName != ""
	c.mu.Unlock()
	if !ok || dur <= 0 {
		return 0, false
	}
	elapsed := time.Duration(c.framesRead.Load()) * audio.FrameDuration
	p := float64(elapsed) / float64(dur)
	if p > 1 {
		p = 1
	}
	return p, true
}

// Disconnect stops the loop and releases the transport. Idempotent; safe to
// call from any goroutine and on any exit path.
func (c *Controller) Disconnect() error {
	c.stopOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
	})
	c.wg.Wait()
	var err error
	c.releaseOnce.Do(func() {
		err = c.conn.Disconnect()
	})
	return err
}

// run is the sequencing loop.
func (c *Controller) run(ctx context.Context) {
	for {
		src, ok := c.next(ctx)
		if !ok {
			return
		}

		cur := src
		for {
			refreshed, err := cur.Refresh(ctx)
			if err != nil {
				slog.Warn("playback: track refresh failed, skipping", "track", cur.Name(), "err", err)
				break
			}
			if refreshed != cur {
				cur.Close()
				cur = refreshed
			}

			if err := c.play(ctx, cur); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, ErrControllerStopped) {
					cur.Close()
					return
				}
				// A single bad track must not kill the session.
				slog.Warn("playback: track playback failed", "track", cur.Name(), "err", err)
				observe.DefaultMetrics().RecordTrack(ctx, "error")
			} else {
				observe.DefaultMetrics().RecordTrack(ctx, "ok")
			}

			if !c.Looping() {
				break
			}
		}
		cur.Close()
	}
}

// next blocks until a track is available or the idle timeout expires. On
// expiry it emits the idle notice, installs the recovery timeout and reports
// false so the loop tears the session down.
func (c *Controller) next(ctx context.Context) (audio.Source, bool) {
	var timeout <-chan time.Time
	c.mu.Lock()
	idle := c.idleTimeout
	c.mu.Unlock()
	if idle > 0 {
		t := time.NewTimer(idle)
		defer t.Stop()
		timeout = t.C
	}

	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			src := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return src, true
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-c.done:
			return nil, false
		case <-timeout:
			c.onIdleTimeout(ctx)
			return nil, false
		case <-c.notify:
		}
	}
}

// onIdleTimeout announces the teardown once and installs the recovery
// timeout for any loop restart.
func (c *Controller) onIdleTimeout(ctx context.Context) {
	c.mu.Lock()
	n := c.notifier
	c.idleTimeout = c.recoveryTimeout
	c.mu.Unlock()

	slog.Info("playback: idle timeout reached, leaving")
	if n != nil {
		if err := n.Announce(ctx, idleNotice); err != nil {
			slog.Warn("playback: idle notice failed", "err", err)
		}
	}
}

// play paces the source's frames into the transport at real time, one frame
// per 20 ms tick.
func (c *Controller) play(ctx context.Context, src audio.Source) error {
	dur, hasDur := src.Duration()
	c.mu.Lock()
	c.currentName = src.Name()
	c.currentDur = dur
	c.hasDur = hasDur
	c.mu.Unlock()
	c.framesRead.Store(0)

	defer func() {
		c.mu.Lock()
		c.currentName = ""
		c.hasDur = false
		c.mu.Unlock()
	}()

	out := c.conn.OutputStream()
	ticker := time.NewTicker(audio.FrameDuration)
	defer ticker.Stop()

	for {
		frame, err := src.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrControllerStopped
		case <-ticker.C:
		}

		select {
		case out <- frame:
			c.framesRead.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return ErrControllerStopped
		}
	}
}
