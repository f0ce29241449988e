package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/discord-voice-companion/internal/logging"
	"github.com/google/uuid"
)

var (
	ErrClosed = errors.New("playback controller closed")
	ErrNoSink = errors.New("playback sink not connected")
)

// Result is the outcome of one session. Interrupted is set when the session
// was stopped or pre-empted before its last frame; that is not an error.
type Result struct {
	Interrupted bool
	Err         error
}

// Sink is the single outbound audio channel. WriteFrame receives 20ms of
// interleaved 48kHz stereo and must return promptly once ctx is done.
type Sink interface {
	Speaking(bool) error
	WriteFrame(ctx context.Context, pcm []int16) error
}

// Session is one playback of one file.
type Session struct {
	ID        string
	Path      string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed after the session's onDone callback has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Controller owns the sink and guarantees at most one active session.
type Controller struct {
	load func(string) ([][]int16, error)

	// playMu serializes Play, Stop, SetSink and Close.
	playMu sync.Mutex

	mu     sync.Mutex
	sink   Sink
	active *Session
	closed bool
}

// NewController returns a controller writing to sink. sink may be nil until
// a voice connection exists; Play fails with ErrNoSink meanwhile.
func NewController(sink Sink) *Controller {
	return &Controller{sink: sink, load: LoadFrames}
}

// SetSink swaps the output, stopping whatever is playing on the old one.
func (c *Controller) SetSink(sink Sink) {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.stopLocked()
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Active returns the session currently playing, if any.
func (c *Controller) Active() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Play starts path, first stopping and waiting out any active session.
// onDone is invoked exactly once when the new session ends, from the
// session goroutine; it must not call Play or Stop synchronously.
func (c *Controller) Play(ctx context.Context, path string, onDone func(Result)) (*Session, error) {
	c.playMu.Lock()
	defer c.playMu.Unlock()

	c.mu.Lock()
	closed, sink := c.closed, c.sink
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if sink == nil {
		return nil, ErrNoSink
	}
	frames, err := c.load(path)
	if err != nil {
		return nil, err
	}

	c.stopLocked()

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ID:        uuid.NewString(),
		Path:      path,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	logging.Debugw("playback: session started", "session_id", s.ID, "path", path, "frames", len(frames))
	go c.run(sctx, s, sink, frames, onDone)
	return s, nil
}

// Stop interrupts the active session and waits for it to finish. Safe to
// call when nothing is playing.
func (c *Controller) Stop() {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.stopLocked()
}

// Close stops playback and rejects further sessions.
func (c *Controller) Close() {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.stopLocked()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Controller) stopLocked() {
	c.mu.Lock()
	s := c.active
	c.mu.Unlock()
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (c *Controller) run(ctx context.Context, s *Session, sink Sink, frames [][]int16, onDone func(Result)) {
	defer close(s.done)
	defer s.cancel()

	var res Result
	if err := sink.Speaking(true); err != nil {
		logging.Warnw("playback: speaking(true) failed", "session_id", s.ID, "err", err)
	}
	for _, f := range frames {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		if err := sink.WriteFrame(ctx, f); err != nil {
			if ctx.Err() != nil {
				res.Interrupted = true
			} else {
				res.Err = err
			}
			break
		}
	}
	if err := sink.Speaking(false); err != nil {
		logging.Debugw("playback: speaking(false) failed", "session_id", s.ID, "err", err)
	}

	c.mu.Lock()
	if c.active == s {
		c.active = nil
	}
	c.mu.Unlock()

	switch {
	case res.Err != nil:
		logging.Warnw("playback: session failed", "session_id", s.ID, "err", res.Err)
	case res.Interrupted:
		logging.Infow("playback: session interrupted", "session_id", s.ID, "elapsed_ms", time.Since(s.StartedAt).Milliseconds())
	default:
		logging.Debugw("playback: session finished", "session_id", s.ID, "elapsed_ms", time.Since(s.StartedAt).Milliseconds())
	}
	if onDone != nil {
		onDone(res)
	}
}
