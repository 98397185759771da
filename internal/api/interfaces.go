package api

import (
	"context"
	"time"

	"github.com/sandkasten-oss/termbroker/internal/egress"
	"github.com/sandkasten-oss/termbroker/internal/store"
)

// SessionService is the subset of *session.Manager the admin API
// drives. Declared here, rather than imported as a concrete type, so the
// handlers can be tested against a fake.
type SessionService interface {
	Create(ctx context.Context, userID, image string) (*store.Session, error)
	Get(ctx context.Context, id string) (*store.Session, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*store.Session, error)
	Delete(ctx context.Context, id string) (alreadyTerminal bool, err error)
}

// EgressService is the subset of *egress.Supervisor the privacy endpoints
// drive.
type EgressService interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Status() egress.StatusSnapshot
}

// RateLimiter is the subset of *store.Store the handlers use to enforce
// per-(identifier,endpoint) request quotas.
type RateLimiter interface {
	IncrRate(identifier, endpoint string, windowStart time.Time) (int, error)
}
