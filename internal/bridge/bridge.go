// Package bridge is the per-(session, client stream) byte pump between a
// client's framed transport and a container's attached PTY. It runs an
// upstream and a downstream pump concurrently, demultiplexes control
// messages from terminal bytes, and enforces frame-size and flood limits.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/session"
	"github.com/sandkasten-oss/termbroker/protocol"
)

// Transport is the framed, bidirectional client stream the bridge pumps
// against. internal/transport's websocket adapter implements this; tests
// use an in-memory fake.
type Transport interface {
	// ReadFrame blocks until a frame arrives, ctx is canceled, or the
	// connection closes. kind distinguishes binary from text frames.
	ReadFrame(ctx context.Context) (kind protocol.FrameKind, payload []byte, err error)
	// WriteFrame writes a single frame. Callers pass a deadline-bounded
	// ctx; a client that can't drain within it gets disconnected.
	WriteFrame(ctx context.Context, kind protocol.FrameKind, payload []byte) error
	// Ping sends a transport-level heartbeat and waits for the pong.
	Ping(ctx context.Context) error
	// Close closes the transport with the given close code and reason.
	Close(code int, reason string) error
}

// Outcome is why the bridge returned, so the transport layer can decide
// the resulting session state (Detached vs Terminating) and close code.
type Outcome struct {
	Reason        string
	ContainerExit bool
	IdleTimeout   bool
	Security      bool
	SecurityMsg   string
}

// Bridge is the only component that reads from and writes to its PTYHandle
// for the lifetime of one attach. The session manager owns the handle's
// lifecycle and may close it (on detach or teardown) while the bridge runs.
type Bridge struct {
	sessionID string
	pty       session.PTYHandle
	transport Transport
	manager   touchNotifier
	logger    *slog.Logger

	badFrames   []time.Time
	badFramesMu sync.Mutex
}

// touchNotifier is the subset of *session.Manager the bridge calls on every
// I/O event, so last_activity_at reflects real traffic.
type touchNotifier interface {
	Touch(id string)
}

func New(sessionID string, pty session.PTYHandle, transport Transport, manager touchNotifier, logger *slog.Logger) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		pty:       pty,
		transport: transport,
		manager:   manager,
		logger:    logger,
	}
}

// Run blocks until either pump terminates, a heartbeat times out, a
// cancellation arrives, or a security violation closes the bridge. It
// never panics across the caller's goroutine boundary; all pump errors are
// captured and returned as an Outcome instead.
//
// Run does not close the PTY handle: the session manager owns its
// lifecycle and closes it on detach or teardown, which also unblocks the
// background PTY reader if it is still parked in a read.
func (b *Bridge) Run(ctx context.Context) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg          sync.WaitGroup
		outcomeOnce sync.Once
		outcome     Outcome
	)
	setOutcome := func(o Outcome) {
		outcomeOnce.Do(func() { outcome = o })
	}

	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := b.downstreamPump(ctx); err != nil {
			setOutcome(b.classifyPtyErr(err))
		}
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		if sec, msg, err := b.upstreamPump(ctx); sec {
			setOutcome(Outcome{Reason: "security violation", Security: true, SecurityMsg: msg})
		} else if err != nil {
			setOutcome(Outcome{Reason: err.Error()})
		}
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		b.heartbeat(ctx, setOutcome)
	}()

	wg.Wait()

	return outcome
}

// ptyError marks an error that originated on the PTY side of the
// downstream pump, as opposed to a client frame write failing.
type ptyError struct{ err error }

func (e *ptyError) Error() string { return e.err.Error() }
func (e *ptyError) Unwrap() error { return e.err }

// classifyPtyErr distinguishes a container-exit EOF from a transport write
// failure or a cancellation. The bridge itself can't probe container
// liveness, so it reports the observation and leaves the Detached-vs-
// Terminating decision to the transport endpoint and session manager.
func (b *Bridge) classifyPtyErr(err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Reason: "canceled"}
	}
	var pe *ptyError
	if errors.As(err, &pe) {
		return Outcome{Reason: pe.Error(), ContainerExit: true}
	}
	return Outcome{Reason: err.Error()}
}

// downstreamPump reads PTY output and emits frames, coalescing bursts
// within CoalesceWindowMillis up to CoalesceMaxBytes so bulk output
// doesn't pay per-read frame overhead while interactivity is preserved.
func (b *Bridge) downstreamPump(ctx context.Context) error {
	type chunk struct {
		data []byte
		err  error
	}
	reads := make(chan chunk, protocol.PumpChannelCapacity)

	go func() {
		buf := make([]byte, protocol.DownstreamReadBuffer)
		for {
			n, err := b.pty.Read(buf)
			if n > 0 {
				cp := make([]byte, n)
				copy(cp, buf[:n])
				select {
				case reads <- chunk{data: cp}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case reads <- chunk{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	coalesceWindow := protocol.CoalesceWindowMillis * time.Millisecond
	for {
		var c chunk
		select {
		case c = <-reads:
		case <-ctx.Done():
			return ctx.Err()
		}
		if c.err != nil {
			return &ptyError{c.err}
		}

		payload := c.data
		coalescing := true
		for coalescing && len(payload) < protocol.CoalesceMaxBytes {
			select {
			case next := <-reads:
				if next.err != nil {
					// Flush what we have, then report the PTY error.
					if werr := b.writeBinary(ctx, payload); werr != nil {
						return werr
					}
					return &ptyError{next.err}
				}
				if len(payload)+len(next.data) > protocol.CoalesceMaxBytes {
					if werr := b.writeBinary(ctx, payload); werr != nil {
						return werr
					}
					payload = next.data
					continue
				}
				payload = append(payload, next.data...)
			case <-time.After(coalesceWindow):
				coalescing = false
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := b.writeBinary(ctx, payload); err != nil {
			return err
		}
		b.manager.Touch(b.sessionID)
	}
}

func (b *Bridge) writeBinary(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return b.transport.WriteFrame(writeCtx, protocol.FrameBinary, payload)
}

// upstreamPump demultiplexes client frames into PTY writes and control
// messages. It returns (security, reason, err) where security indicates
// the caller should close with code 4011.
func (b *Bridge) upstreamPump(ctx context.Context) (bool, string, error) {
	for {
		kind, payload, err := b.transport.ReadFrame(ctx)
		if err != nil {
			return false, "", err
		}
		if len(payload) > protocol.MaxFrameBytes {
			return true, fmt.Sprintf("frame size %d exceeds %d", len(payload), protocol.MaxFrameBytes), nil
		}

		switch kind {
		case protocol.FrameBinary:
			if _, err := b.pty.Write(payload); err != nil {
				return false, "", err
			}
			b.manager.Touch(b.sessionID)
			continue
		case protocol.FrameText:
			msg, ok, err := protocol.ParseControlMessage(payload)
			if err != nil {
				if b.recordBadFrame() {
					return true, "control frame flood", nil
				}
				b.logger.Debug("dropped malformed control frame", "session_id", b.sessionID, "error", err)
				continue
			}
			if !ok {
				// Plain UTF-8 text, forwarded as PTY input verbatim.
				if _, err := b.pty.Write(payload); err != nil {
					return false, "", err
				}
				b.manager.Touch(b.sessionID)
				continue
			}
			if msg.Resize == nil {
				b.logger.Debug("dropped unrecognized control message", "session_id", b.sessionID)
				continue
			}
			if msg.Resize.Cols <= 0 || msg.Resize.Rows <= 0 {
				continue
			}
			if err := b.pty.Resize(ctx, uint(msg.Resize.Cols), uint(msg.Resize.Rows)); err != nil {
				b.logger.Warn("resize failed", "session_id", b.sessionID, "error", err)
			}
		}
	}
}

// recordBadFrame tracks malformed control frames in a sliding window and
// reports whether the flood threshold has been crossed: more than
// BadFrameLimit in BadFrameWindowSeconds terminates the session.
func (b *Bridge) recordBadFrame() bool {
	b.badFramesMu.Lock()
	defer b.badFramesMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-protocol.BadFrameWindowSeconds * time.Second)
	kept := b.badFrames[:0]
	for _, t := range b.badFrames {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	b.badFrames = kept
	return len(b.badFrames) > protocol.BadFrameLimit
}

// heartbeat pings every HeartbeatIntervalSeconds; HeartbeatMissLimit
// consecutive missed pongs close the bridge.
func (b *Bridge) heartbeat(ctx context.Context, setOutcome func(Outcome)) {
	interval := protocol.HeartbeatIntervalSeconds * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := b.transport.Ping(pingCtx)
			cancel()
			if err != nil {
				misses++
				if misses >= protocol.HeartbeatMissLimit {
					setOutcome(Outcome{Reason: "heartbeat timeout", IdleTimeout: true})
					return
				}
				continue
			}
			misses = 0
		}
	}
}
