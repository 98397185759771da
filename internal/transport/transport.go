// Package transport upgrades incoming stream connections, validates the
// session id against the session manager, and hands the attached PTY and a
// framed client stream off to the bridge.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/sandkasten-oss/termbroker/internal/bridge"
	"github.com/sandkasten-oss/termbroker/internal/session"
	"github.com/sandkasten-oss/termbroker/internal/store"
	"github.com/sandkasten-oss/termbroker/protocol"
)

// Mode distinguishes the two routes sharing one frame grammar: "pty"
// negotiates binary as the preferred frame type, "ws" implies JSON text
// frames only (the legacy pty_output envelope).
type Mode int

const (
	ModePTY Mode = iota
	ModeWS
)

// SessionService is the subset of *session.Manager the transport layer
// drives.
type SessionService interface {
	Attach(ctx context.Context, id string, cols, rows uint) (session.PTYHandle, *store.Session, error)
	Detach(ctx context.Context, id string) error
	ForceTerminate(ctx context.Context, id string, auditKind, reason string) error
	Touch(id string)
}

// Server wires the session manager into the two stream routes.
type Server struct {
	manager SessionService
	logger  *slog.Logger
}

func NewServer(manager SessionService, logger *slog.Logger) *Server {
	return &Server{manager: manager, logger: logger}
}

// maxWSReadBytes is set comfortably above protocol.MaxFrameBytes so the
// websocket library's own read limit never trips before the bridge gets a
// chance to classify an oversize frame as a security violation itself.
const maxWSReadBytes = protocol.MaxFrameBytes + 4096

// ServePTY handles /pty/{session_id}: binary-preferred.
func (s *Server) ServePTY(w http.ResponseWriter, r *http.Request, sessionID string) {
	s.serve(w, r, sessionID, ModePTY)
}

// ServeWS handles /ws/{session_id}: JSON text frames only.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string) {
	s.serve(w, r, sessionID, ModeWS)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, sessionID string, mode Mode) {
	opts := &websocket.AcceptOptions{InsecureSkipVerify: true}
	if mode == ModePTY {
		opts.Subprotocols = []string{"pty"}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)
	defer conn.CloseNow()

	ctx := r.Context()
	cols, rows := parseInitialSize(r)

	pty, sess, err := s.manager.Attach(ctx, sessionID, cols, rows)
	if err != nil {
		s.rejectAttach(ctx, conn, sessionID, err)
		return
	}
	s.logger.Info("session attached", "session_id", sessionID, "container_ref", sess.ContainerRef)

	t := &wsTransport{conn: conn, mode: mode}
	br := bridge.New(sessionID, pty, t, s.manager, s.logger)

	outcome := br.Run(ctx)
	s.logger.Info("bridge finished", "session_id", sessionID, "reason", outcome.Reason,
		"security", outcome.Security, "container_exit", outcome.ContainerExit)

	switch {
	case outcome.Security:
		_ = s.manager.ForceTerminate(ctx, sessionID, store.AuditSecurityViolation, outcome.SecurityMsg)
		conn.Close(protocol.CloseSecurityViolation, "security violation")
	case outcome.ContainerExit:
		_ = s.manager.ForceTerminate(ctx, sessionID, store.AuditSessionTerminate, "container exited")
		t.sendExitInteractive(ctx)
		conn.Close(protocol.CloseNormal, "container exited")
	case outcome.IdleTimeout:
		if err := s.manager.Detach(ctx, sessionID); err != nil {
			s.logger.Warn("detach on heartbeat timeout", "session_id", sessionID, "error", err)
		}
		conn.Close(protocol.CloseIdleTimeout, "idle timeout")
	default:
		if err := s.manager.Detach(ctx, sessionID); err != nil {
			s.logger.Warn("detach on bridge exit", "session_id", sessionID, "error", err)
		}
		conn.Close(protocol.CloseNormal, "detached")
	}
}

func (s *Server) rejectAttach(ctx context.Context, conn *websocket.Conn, sessionID string, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		conn.Close(protocol.CloseInvalidSession, "unknown session")
	case errors.Is(err, session.ErrNotAttachable), errors.Is(err, session.ErrAlreadyAttached):
		conn.Close(protocol.CloseNotAttachable, "session not attachable")
	default:
		s.logger.Error("attach failed", "session_id", sessionID, "error", err)
		conn.Close(protocol.CloseNotAttachable, "attach failed")
	}
}

func parseInitialSize(r *http.Request) (cols, rows uint) {
	cols, rows = 80, 24
	if v := r.URL.Query().Get("cols"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cols = uint(n)
		}
	}
	if v := r.URL.Query().Get("rows"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rows = uint(n)
		}
	}
	return cols, rows
}

// wsTransport adapts *websocket.Conn to bridge.Transport. In ModeWS, raw
// PTY output is wrapped in the legacy pty_output JSON envelope; in ModePTY
// it is sent as a binary frame.
type wsTransport struct {
	conn *websocket.Conn
	mode Mode
}

func (t *wsTransport) ReadFrame(ctx context.Context) (protocol.FrameKind, []byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return protocol.FrameBinary, data, nil
	}
	return protocol.FrameText, data, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, kind protocol.FrameKind, payload []byte) error {
	if t.mode == ModeWS {
		msg := protocol.NewPtyOutputMessage(string(payload))
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return t.conn.Write(ctx, websocket.MessageText, data)
	}
	if kind == protocol.FrameText {
		return t.conn.Write(ctx, websocket.MessageText, payload)
	}
	return t.conn.Write(ctx, websocket.MessageBinary, payload)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close(code int, reason string) error {
	return t.conn.Close(websocket.StatusCode(code), reason)
}

func (t *wsTransport) sendExitInteractive(ctx context.Context) {
	msg := protocol.NewExitInteractiveMessage()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = t.conn.Write(writeCtx, websocket.MessageText, data)
}
