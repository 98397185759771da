package session

import (
	"context"
	"io"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/config"
	"github.com/sandkasten-oss/termbroker/internal/store"
)

// PTYHandle is the capability Runtime.ExecPTY returns: raw read/write
// access to an attached pseudo-terminal, plus resize and signal.
type PTYHandle interface {
	io.Reader
	io.Writer
	io.Closer
	Resize(ctx context.Context, cols, rows uint) error
	Signal(name string) error
}

// Runtime is the container runtime capability interface the manager
// consumes; internal/docker provides the Docker-backed implementation.
type Runtime interface {
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, opts RuntimeCreateOpts) (string, error)
	Start(ctx context.Context, containerRef string) error
	ExecPTY(ctx context.Context, containerRef string, argv []string, cols, rows uint) (PTYHandle, error)
	Stop(ctx context.Context, containerRef string, grace time.Duration) error
	Remove(ctx context.Context, containerRef string, force bool) error
	IsRunning(ctx context.Context, containerRef string) (bool, error)
}

// RuntimeCreateOpts mirrors docker.CreateOpts without binding the session
// package to the docker package's concrete type.
type RuntimeCreateOpts struct {
	SessionID string
	Image     string
	Limits    config.ResourceLimits
	SocksPort int
}

// MetadataStore is the subset of the metadata store the session manager
// drives directly.
type MetadataStore interface {
	InsertSession(sess *store.Session) error
	GetSession(id string) (*store.Session, error)
	UpdateStatus(id string, from, to store.Status, now time.Time) error
	SetContainerRef(id, containerRef string) error
	SetDetachedAt(id string, detachedAt, expiresAt time.Time) error
	SetReadyGraceExpiry(id string, expiresAt time.Time) error
	ClearExpiry(id string) error
	Touch(id string, now time.Time) error
	ListByUser(userID string, limit int) ([]*store.Session, error)
	ExpiredDetached(now time.Time) ([]string, error)
	ExpiredReady(now time.Time) ([]string, error)
	ListByStatuses(statuses ...store.Status) ([]*store.Session, error)
	TerminatedBefore(cutoff time.Time) ([]string, error)
	DeleteSession(id string) error
	AppendAudit(e store.AuditEvent) error
	AppendSecurity(e store.SecurityEvent) error
	GCRetention(now time.Time, auditTTL, rateTTL time.Duration) error
}

// EgressStatus is the subset of the egress supervisor the
// session manager needs when wiring a container's outbound proxy.
type EgressStatus interface {
	Enabled() bool
	ListenPort() int
}
