// Package session owns the lifecycle state machine for every session:
// Creating → Ready → Attached ⇄ Detached → Terminating → Terminated, with
// Failed as the error sink. It composes the container runtime and the
// metadata store, and implements idle/TTL eviction and crash cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sandkasten-oss/termbroker/internal/config"
	"github.com/sandkasten-oss/termbroker/internal/store"
)

// Sentinel errors, mapped to HTTP status in internal/api/errors.go.
var (
	ErrNotFound        = errors.New("session not found")
	ErrInvalidImage    = errors.New("image not allowed")
	ErrExpired         = errors.New("session expired")
	ErrNotAttachable   = errors.New("session not attachable")
	ErrAlreadyAttached = errors.New("session already attached")
	ErrUserQuota       = errors.New("user session quota exceeded")
)

// defaultShellArgv is the init shell attached at first exec. A real image
// may provide richer shells; /bin/sh is the one thing every allowed image
// has.
var defaultShellArgv = []string{"/bin/sh"}

type Manager struct {
	cfg     *config.Config
	store   MetadataStore
	runtime Runtime
	egress  EgressStatus
	logger  *slog.Logger

	mu   sync.Mutex
	ptys map[string]PTYHandle // live PTY handles, owned by the currently-bound bridge
}

func NewManager(cfg *config.Config, st MetadataStore, rt Runtime, egress EgressStatus, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		egress:  egress,
		logger:  logger,
		ptys:    make(map[string]PTYHandle),
	}
}

// SetEgress wires the egress supervisor in after construction,
// since the supervisor's own AuditSink is the Manager itself, breaking
// the constructor cycle between the two components.
func (m *Manager) SetEgress(e EgressStatus) {
	m.egress = e
}

// Create provisions a new session: validates the image, creates and starts
// a container, and transitions Creating→Ready as soon as the container has
// started; no separate readiness probe runs before that transition. Any failure along the way transitions the row to Failed and
// writes a session.fail audit event instead of leaving a partial row.
func (m *Manager) Create(ctx context.Context, userID, image string) (*store.Session, error) {
	if image == "" {
		image = m.cfg.DefaultImage
	}
	if !m.cfg.IsImageAllowed(image) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidImage, image)
	}
	if err := m.checkUserQuota(userID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.SessionCreateTimeout())
	defer cancel()

	id := uuid.New().String()
	now := time.Now().UTC()

	sess := &store.Session{
		ID:             id,
		UserID:         userID,
		Image:          image,
		Status:         store.StatusCreating,
		MemoryBytes:    m.cfg.Limits.MemoryMB * 1024 * 1024,
		CPUShares:      m.cfg.Limits.CPUShares,
		PidsMax:        m.cfg.Limits.PidsMax,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.store.InsertSession(sess); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	m.emitAudit(id, userID, store.AuditSessionCreate, "{}")

	containerRef, err := m.provision(ctx, sess)
	if err != nil {
		m.failSession(id, userID, err)
		return nil, err
	}

	sess.ContainerRef = containerRef
	readyExpiry := time.Now().UTC().Add(m.cfg.ReadyGrace())
	if err := m.store.SetContainerRef(id, containerRef); err != nil {
		m.failSession(id, userID, err)
		return nil, err
	}
	if err := m.store.UpdateStatus(id, store.StatusCreating, store.StatusReady, time.Now().UTC()); err != nil {
		m.failSession(id, userID, err)
		return nil, err
	}
	if err := m.store.SetReadyGraceExpiry(id, readyExpiry); err != nil {
		m.logger.Warn("set ready grace expiry", "session_id", id, "error", err)
	}
	m.emitAudit(id, userID, store.AuditSessionReady, "{}")

	sess.Status = store.StatusReady
	sess.ExpiresAt = &readyExpiry
	return sess, nil
}

// checkUserQuota counts the user's live sessions against the configured
// cap. Terminated and Failed rows still within the audit grace window
// don't count.
func (m *Manager) checkUserQuota(userID string) error {
	if m.cfg.MaxSessionsPerUser <= 0 {
		return nil
	}
	sessions, err := m.store.ListByUser(userID, 0)
	if err != nil {
		return fmt.Errorf("list sessions for quota: %w", err)
	}
	live := 0
	for _, sess := range sessions {
		switch sess.Status {
		case store.StatusTerminated, store.StatusFailed:
		default:
			live++
		}
	}
	if live >= m.cfg.MaxSessionsPerUser {
		return fmt.Errorf("%w: %d live sessions", ErrUserQuota, live)
	}
	return nil
}

func (m *Manager) provision(ctx context.Context, sess *store.Session) (string, error) {
	if err := m.runtime.EnsureImage(ctx, sess.Image); err != nil {
		return "", err
	}

	opts := RuntimeCreateOpts{
		SessionID: sess.ID,
		Image:     sess.Image,
		Limits: config.ResourceLimits{
			CPUShares: sess.CPUShares,
			MemoryMB:  sess.MemoryBytes / (1024 * 1024),
			PidsMax:   sess.PidsMax,
		},
	}
	if m.egress != nil && m.egress.Enabled() {
		opts.SocksPort = m.egress.ListenPort()
	}

	containerRef, err := m.runtime.Create(ctx, opts)
	if err != nil {
		return "", err
	}
	if err := m.runtime.Start(ctx, containerRef); err != nil {
		_ = m.runtime.Remove(context.Background(), containerRef, true)
		return "", err
	}
	return containerRef, nil
}

func (m *Manager) failSession(id, userID string, cause error) {
	now := time.Now().UTC()
	if err := m.store.UpdateStatus(id, store.StatusCreating, store.StatusFailed, now); err != nil {
		m.logger.Error("transition to failed", "session_id", id, "error", err)
	}
	m.emitAudit(id, userID, store.AuditSessionFail, fmt.Sprintf(`{"error":%q}`, cause.Error()))
}

// Get returns a session row, mapping store.ErrNotFound to our own
// sentinel so callers don't need to import the store package.
func (m *Manager) Get(_ context.Context, id string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return sess, nil
}

// ListByUser returns the sessions belonging to userID.
func (m *Manager) ListByUser(_ context.Context, userID string, limit int) ([]*store.Session, error) {
	return m.store.ListByUser(userID, limit)
}

// Attach binds a PTY to the session, execing a fresh shell inside the
// session's container. The Ready→Attached or Detached→Attached transition
// doubles as the per-session claim token: only one caller's
// compare-and-set can win, so no two bridges ever share a session without
// needing an additional lock.
func (m *Manager) Attach(ctx context.Context, id string, cols, rows uint) (PTYHandle, *store.Session, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	switch sess.Status {
	case store.StatusReady:
		if err := m.store.UpdateStatus(id, store.StatusReady, store.StatusAttached, time.Now().UTC()); err != nil {
			return nil, nil, mapAttachRace(err)
		}
	case store.StatusDetached:
		if err := m.store.UpdateStatus(id, store.StatusDetached, store.StatusAttached, time.Now().UTC()); err != nil {
			return nil, nil, mapAttachRace(err)
		}
	case store.StatusAttached:
		return nil, nil, fmt.Errorf("%w: session %s", ErrAlreadyAttached, id)
	default:
		return nil, nil, fmt.Errorf("%w: session %s in state %s", ErrNotAttachable, id, sess.Status)
	}
	if err := m.store.ClearExpiry(id); err != nil {
		m.logger.Warn("clear expiry on attach", "session_id", id, "error", err)
	}

	handle, err := m.execPty(ctx, sess, cols, rows)
	if err != nil {
		// Roll back to Detached with a fresh idle expiry rather than
		// leaving the row stuck Attached with no bridge running. Without
		// the expiry (ClearExpiry above already nulled it) the sweeper
		// would never pick the row up again.
		now := time.Now().UTC()
		if rbErr := m.store.UpdateStatus(id, store.StatusAttached, store.StatusDetached, now); rbErr != nil {
			m.logger.Error("rollback to detached after exec failure", "session_id", id, "error", rbErr)
		} else if sdErr := m.store.SetDetachedAt(id, now, now.Add(m.cfg.IdleTTL())); sdErr != nil {
			m.logger.Error("set expiry on rollback", "session_id", id, "error", sdErr)
		}
		return nil, nil, err
	}

	m.emitAudit(id, sess.UserID, store.AuditSessionAttach, "{}")
	sess.Status = store.StatusAttached
	return handle, sess, nil
}

func mapAttachRace(err error) error {
	if errors.Is(err, store.ErrStalePrecondition) {
		return fmt.Errorf("%w: lost attach race", ErrAlreadyAttached)
	}
	return err
}

// execPty execs a fresh shell with an attached TTY and records the handle
// as the session's live PTY. A stale entry (a prior close that failed)
// is discarded first so the bridge never inherits a dead handle.
func (m *Manager) execPty(ctx context.Context, sess *store.Session, cols, rows uint) (PTYHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stale, ok := m.ptys[sess.ID]; ok {
		_ = stale.Close()
		delete(m.ptys, sess.ID)
	}
	handle, err := m.runtime.ExecPTY(ctx, sess.ContainerRef, defaultShellArgv, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("exec pty: %w", err)
	}
	m.ptys[sess.ID] = handle
	return handle, nil
}

// Detach transitions Attached→Detached and sets the idle-TTL expiry. The
// shell exec backing the bridge is discarded; the container itself keeps
// running, so a reattach within the grace window sees the same
// container_ref and any background processes, through a fresh shell.
func (m *Manager) Detach(_ context.Context, id string) error {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := m.store.UpdateStatus(id, store.StatusAttached, store.StatusDetached, now); err != nil {
		return err
	}
	m.mu.Lock()
	if handle, ok := m.ptys[id]; ok {
		_ = handle.Close()
		delete(m.ptys, id)
	}
	m.mu.Unlock()
	expiresAt := now.Add(m.cfg.IdleTTL())
	if err := m.store.SetDetachedAt(id, now, expiresAt); err != nil {
		m.logger.Warn("set detached_at", "session_id", id, "error", err)
	}
	m.emitAudit(id, sess.UserID, store.AuditSessionDetach, "{}")
	return nil
}

// Delete performs the explicit-delete path from the admin API:
// Attached→Terminating or Detached→Terminating, then tears down the
// container synchronously. A Terminated (or already-deleted) session is a
// no-op; alreadyTerminal reports this so the caller can return 200/204
// instead of 202 for the no-op case.
func (m *Manager) Delete(ctx context.Context, id string) (alreadyTerminal bool, err error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	if sess.Status == store.StatusTerminated {
		return true, nil
	}

	now := time.Now().UTC()
	switch sess.Status {
	case store.StatusAttached:
		if err := m.store.UpdateStatus(id, store.StatusAttached, store.StatusTerminating, now); err != nil {
			return false, err
		}
	case store.StatusDetached:
		if err := m.store.UpdateStatus(id, store.StatusDetached, store.StatusTerminating, now); err != nil {
			return false, err
		}
	case store.StatusReady:
		if err := m.store.UpdateStatus(id, store.StatusReady, store.StatusTerminating, now); err != nil {
			return false, err
		}
	case store.StatusTerminating:
		// Already in flight.
	default:
		return false, fmt.Errorf("%w: cannot delete session in state %s", ErrNotAttachable, sess.Status)
	}

	return false, m.teardown(ctx, sess)
}

// ForceTerminate is used by the transport endpoint when a bridge run ends
// in a security violation or a container exit: it jumps straight to
// Terminating/Terminated regardless of the prior attach state and records
// the reason as an audit event of the given kind (plus a security_events
// row for security.violation).
func (m *Manager) ForceTerminate(ctx context.Context, id string, auditKind, reason string) error {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_ = m.store.UpdateStatus(id, sess.Status, store.StatusTerminating, now)
	m.emitAudit(id, sess.UserID, auditKind, fmt.Sprintf(`{"reason":%q}`, reason))
	if auditKind == store.AuditSecurityViolation {
		if err := m.store.AppendSecurity(store.SecurityEvent{
			SessionID: id,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			m.logger.Error("append security event", "session_id", id, "error", err)
		}
	}
	return m.teardown(ctx, sess)
}

// teardown stops and removes the container with bounded retries, then
// transitions Terminating→Terminated. Retry policy: initial 1s, factor 2,
// cap 60s, max 5 attempts; exhaustion transitions to Failed instead of
// retrying forever.
func (m *Manager) teardown(ctx context.Context, sess *store.Session) error {
	m.mu.Lock()
	if handle, ok := m.ptys[sess.ID]; ok {
		_ = handle.Close()
		delete(m.ptys, sess.ID)
	}
	m.mu.Unlock()

	err := retryWithBackoff(5, time.Second, 60*time.Second, func() error {
		if sess.ContainerRef == "" {
			return nil
		}
		if err := m.runtime.Stop(ctx, sess.ContainerRef, 10*time.Second); err != nil {
			return err
		}
		return m.runtime.Remove(ctx, sess.ContainerRef, true)
	})
	now := time.Now().UTC()
	if err != nil {
		m.logger.Error("teardown exhausted retries, leaking container to orphan reaper",
			"session_id", sess.ID, "container_ref", sess.ContainerRef, "error", err)
		_ = m.store.UpdateStatus(sess.ID, store.StatusTerminating, store.StatusFailed, now)
		m.emitAudit(sess.ID, sess.UserID, store.AuditSessionFail, fmt.Sprintf(`{"error":%q}`, err.Error()))
		return err
	}

	if err := m.store.UpdateStatus(sess.ID, store.StatusTerminating, store.StatusTerminated, now); err != nil {
		return err
	}
	if err := m.store.SetContainerRef(sess.ID, ""); err != nil {
		m.logger.Warn("clear container_ref after teardown", "session_id", sess.ID, "error", err)
	}
	m.emitAudit(sess.ID, sess.UserID, store.AuditSessionTerminate, "{}")
	return nil
}

func retryWithBackoff(maxAttempts int, initial, cap time.Duration, fn func() error) error {
	backoff := initial
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
			if backoff > cap {
				backoff = cap
			}
		}
	}
	return lastErr
}

// Touch extends the session's last-activity timestamp on every bridge
// I/O while Attached; Attached sessions have no wall-clock TTL.
func (m *Manager) Touch(id string) {
	if err := m.store.Touch(id, time.Now().UTC()); err != nil {
		m.logger.Warn("touch session", "session_id", id, "error", err)
	}
}

func (m *Manager) emitAudit(sessionID, userID, kind, payload string) {
	if err := m.store.AppendAudit(store.AuditEvent{
		SessionID: sessionID,
		UserID:    userID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		m.logger.Error("append audit", "session_id", sessionID, "kind", kind, "error", err)
	}
}

// EmitPrivacyEvent implements egress.AuditSink so the egress supervisor
// can write privacy.enable/privacy.disable audit rows without depending on
// the store package directly.
func (m *Manager) EmitPrivacyEvent(enabled bool, reason string) {
	kind := store.AuditPrivacyDisable
	if enabled {
		kind = store.AuditPrivacyEnable
	}
	m.emitAudit("", "", kind, fmt.Sprintf(`{"reason":%q}`, reason))
}
