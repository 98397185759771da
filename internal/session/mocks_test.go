package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/store"
)

// fakeStore is an in-memory MetadataStore for table-driven tests.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	audits   []store.AuditEvent
	security []store.SecurityEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]*store.Session)}
}

func (f *fakeStore) InsertSession(sess *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sess.ID]; ok {
		return store.ErrConflict
	}
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) GetSession(id string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) UpdateStatus(id string, from, to store.Status, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.Status != from {
		return store.ErrStalePrecondition
	}
	sess.Status = to
	sess.LastActivityAt = now
	return nil
}

func (f *fakeStore) SetContainerRef(id, containerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.ContainerRef = containerRef
	return nil
}

func (f *fakeStore) SetDetachedAt(id string, detachedAt, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.DetachedAt = &detachedAt
	sess.ExpiresAt = &expiresAt
	return nil
}

func (f *fakeStore) SetReadyGraceExpiry(id string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.ExpiresAt = &expiresAt
	return nil
}

func (f *fakeStore) ClearExpiry(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.ExpiresAt = nil
	return nil
}

func (f *fakeStore) Touch(id string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	sess.LastActivityAt = now
	return nil
}

func (f *fakeStore) ListByUser(userID string, limit int) ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Session
	for _, sess := range f.sessions {
		if sess.UserID == userID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ExpiredDetached(now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, sess := range f.sessions {
		if sess.Status == store.StatusDetached && sess.ExpiresAt != nil && !sess.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) ExpiredReady(now time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, sess := range f.sessions {
		if sess.Status == store.StatusReady && sess.ExpiresAt != nil && !sess.ExpiresAt.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) ListByStatuses(statuses ...store.Status) ([]*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[store.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*store.Session
	for _, sess := range f.sessions {
		if want[sess.Status] {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) TerminatedBefore(cutoff time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, sess := range f.sessions {
		if sess.Status == store.StatusTerminated && !sess.LastActivityAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeStore) DeleteSession(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.sessions, id)
	return nil
}

func (f *fakeStore) AppendAudit(e store.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) AppendSecurity(e store.SecurityEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.security = append(f.security, e)
	return nil
}

func (f *fakeStore) GCRetention(now time.Time, auditTTL, rateTTL time.Duration) error {
	return nil
}

// fakePTY is an in-memory PTYHandle.
type fakePTY struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	resizes  [][2]uint
	signaled []string
}

func (p *fakePTY) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Read(b)
}

func (p *fakePTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *fakePTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePTY) Resize(_ context.Context, cols, rows uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resizes = append(p.resizes, [2]uint{cols, rows})
	return nil
}

func (p *fakePTY) Signal(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signaled = append(p.signaled, name)
	return nil
}

// fakeRuntime is an in-memory Runtime that never touches Docker.
type fakeRuntime struct {
	mu              sync.Mutex
	nextContainerID int
	created         map[string]RuntimeCreateOpts
	started         map[string]bool
	running         map[string]bool
	stopped         map[string]bool
	removed         map[string]bool
	ptys            map[string]*fakePTY

	failCreate bool
	failEnsure bool
	failExec   bool
	failStop   bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		created: make(map[string]RuntimeCreateOpts),
		started: make(map[string]bool),
		running: make(map[string]bool),
		stopped: make(map[string]bool),
		removed: make(map[string]bool),
		ptys:    make(map[string]*fakePTY),
	}
}

func (r *fakeRuntime) EnsureImage(_ context.Context, _ string) error {
	if r.failEnsure {
		return fmt.Errorf("image unavailable")
	}
	return nil
}

func (r *fakeRuntime) Create(_ context.Context, opts RuntimeCreateOpts) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate {
		return "", fmt.Errorf("resource exhausted")
	}
	r.nextContainerID++
	id := fmt.Sprintf("container-%d", r.nextContainerID)
	r.created[id] = opts
	r.running[id] = true
	return id, nil
}

func (r *fakeRuntime) Start(_ context.Context, containerRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[containerRef] = true
	return nil
}

func (r *fakeRuntime) ExecPTY(_ context.Context, containerRef string, _ []string, _, _ uint) (PTYHandle, error) {
	if r.failExec {
		return nil, fmt.Errorf("exec failed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakePTY{}
	r.ptys[containerRef] = p
	return p, nil
}

func (r *fakeRuntime) Stop(_ context.Context, containerRef string, _ time.Duration) error {
	if r.failStop {
		return fmt.Errorf("stop failed")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped[containerRef] = true
	r.running[containerRef] = false
	return nil
}

func (r *fakeRuntime) Remove(_ context.Context, containerRef string, _ bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed[containerRef] = true
	return nil
}

func (r *fakeRuntime) IsRunning(_ context.Context, containerRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[containerRef], nil
}

type fakeEgress struct {
	enabled bool
	port    int
}

func (e *fakeEgress) Enabled() bool   { return e.enabled }
func (e *fakeEgress) ListenPort() int { return e.port }
