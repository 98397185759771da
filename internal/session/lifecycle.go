package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/store"
)

// Sweeper runs the background half of the lifecycle machine: idle/TTL
// eviction, stale-row deletion, and crash-recovery reconciliation.
type Sweeper struct {
	manager  *Manager
	store    MetadataStore
	runtime  Runtime
	interval time.Duration
	auditTTL time.Duration
	rateTTL  time.Duration
	logger   *slog.Logger
}

func NewSweeper(m *Manager, st MetadataStore, rt Runtime, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		manager:  m,
		store:    st,
		runtime:  rt,
		interval: interval,
		auditTTL: 24 * time.Hour,
		rateTTL:  time.Hour,
		logger:   logger,
	}
}

// Run blocks, reconciling crashed sessions once up front and then sweeping
// expired ones on every tick, until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("sweeper started", "interval", s.interval)
	s.reconcile(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.sweepExpired(ctx)
			if err := s.store.GCRetention(time.Now().UTC(), s.auditTTL, s.rateTTL); err != nil {
				s.logger.Error("sweeper: gc retention", "error", err)
			}
		}
	}
}

// sweepExpired tears down Detached sessions past their idle TTL and Ready
// sessions past their attach grace window, then deletes Terminated rows
// whose audit-visibility grace has lapsed.
func (s *Sweeper) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()

	detached, err := s.store.ExpiredDetached(now)
	if err != nil {
		s.logger.Error("sweeper: list expired detached", "error", err)
	}
	for _, id := range detached {
		s.evict(ctx, id, store.StatusDetached)
	}

	ready, err := s.store.ExpiredReady(now)
	if err != nil {
		s.logger.Error("sweeper: list expired ready", "error", err)
	}
	for _, id := range ready {
		s.evict(ctx, id, store.StatusReady)
	}

	cutoff := now.Add(-s.manager.cfg.TerminatedGrace())
	stale, err := s.store.TerminatedBefore(cutoff)
	if err != nil {
		s.logger.Error("sweeper: list stale terminated", "error", err)
	}
	for _, id := range stale {
		if err := s.store.DeleteSession(id); err != nil {
			s.logger.Error("sweeper: delete terminated row", "session_id", id, "error", err)
		}
	}
}

func (s *Sweeper) evict(ctx context.Context, id string, from store.Status) {
	now := time.Now().UTC()
	if err := s.store.UpdateStatus(id, from, store.StatusTerminating, now); err != nil {
		// Lost the race to a concurrent attach/delete; nothing to do.
		return
	}
	s.logger.Info("sweeper: evicting expired session", "session_id", id, "from_status", from)

	sess, err := s.store.GetSession(id)
	if err != nil {
		s.logger.Error("sweeper: get session for teardown", "session_id", id, "error", err)
		return
	}
	if err := s.manager.teardown(ctx, sess); err != nil {
		s.logger.Error("sweeper: teardown failed", "session_id", id, "error", err)
	}
}

// reconcile runs once at startup: any session left Creating, Attached, or
// Terminating when the process last exited has no live in-memory PTY
// handle, so it is either crash-recovered to Detached (container still
// running) or marked Terminated (container gone).
func (s *Sweeper) reconcile(ctx context.Context) {
	sessions, err := s.store.ListByStatuses(store.StatusCreating, store.StatusAttached, store.StatusTerminating)
	if err != nil {
		s.logger.Error("reconcile: list sessions", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.ContainerRef == "" {
			s.markTerminated(sess)
			continue
		}
		running, err := s.runtime.IsRunning(ctx, sess.ContainerRef)
		if err != nil {
			s.logger.Warn("reconcile: check container running", "session_id", sess.ID, "error", err)
			continue
		}
		if running {
			s.logger.Info("reconcile: recovering orphaned container as detached",
				"session_id", sess.ID, "from_status", sess.Status)
			now := time.Now().UTC()
			if err := s.store.UpdateStatus(sess.ID, sess.Status, store.StatusDetached, now); err != nil {
				s.logger.Warn("reconcile: transition to detached", "session_id", sess.ID, "error", err)
				continue
			}
			_ = s.store.SetDetachedAt(sess.ID, now, now.Add(s.manager.cfg.IdleTTL()))
		} else {
			s.markTerminated(sess)
		}
	}
	s.logger.Info("reconciliation complete", "count", len(sessions))
}

func (s *Sweeper) markTerminated(sess *store.Session) {
	s.logger.Warn("reconcile: container gone, marking terminated", "session_id", sess.ID)
	now := time.Now().UTC()
	if err := s.store.UpdateStatus(sess.ID, sess.Status, store.StatusTerminated, now); err != nil {
		s.logger.Warn("reconcile: transition to terminated", "session_id", sess.ID, "error", err)
		return
	}
	if err := s.store.SetContainerRef(sess.ID, ""); err != nil {
		s.logger.Warn("reconcile: clear container_ref", "session_id", sess.ID, "error", err)
	}
	if err := s.store.AppendAudit(store.AuditEvent{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Kind:      store.AuditSessionTerminate,
		Payload:   `{"reason":"crash_recovery"}`,
		CreatedAt: now,
	}); err != nil {
		s.logger.Error("reconcile: append audit", "session_id", sess.ID, "error", err)
	}
}
