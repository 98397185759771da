package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandkasten-oss/termbroker/internal/config"
	"github.com/sandkasten-oss/termbroker/internal/session"
	"github.com/sandkasten-oss/termbroker/internal/store"
)

type fakeSessionService struct {
	created    *store.Session
	createErr  error
	getResult  *store.Session
	getErr     error
	listResult []*store.Session
	listErr    error
	deleteNoop bool
	deleteErr  error
}

func (f *fakeSessionService) Create(context.Context, string, string) (*store.Session, error) {
	return f.created, f.createErr
}
func (f *fakeSessionService) Get(context.Context, string) (*store.Session, error) {
	return f.getResult, f.getErr
}
func (f *fakeSessionService) ListByUser(context.Context, string, int) ([]*store.Session, error) {
	return f.listResult, f.listErr
}
func (f *fakeSessionService) Delete(context.Context, string) (bool, error) {
	return f.deleteNoop, f.deleteErr
}

type fakeRateLimiter struct {
	count int
	err   error
}

func (f *fakeRateLimiter) IncrRate(string, string, time.Time) (int, error) {
	return f.count, f.err
}

func newTestAPIServer(mgr SessionService, egress EgressService, limiter RateLimiter) *Server {
	cfg := &config.Config{RateLimit: config.RateLimit{WindowSeconds: 60, MaxRequests: 10}}
	return NewServer(cfg, mgr, egress, limiter, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleCreateSession_Success(t *testing.T) {
	sess := &store.Session{ID: "sess-1", UserID: "u1", Image: "ubuntu:22.04", Status: store.StatusCreating, CreatedAt: time.Now()}
	mgr := &fakeSessionService{created: sess}
	srv := newTestAPIServer(mgr, nil, &fakeRateLimiter{count: 1})

	body, _ := json.Marshal(createSessionRequest{UserID: "u1"})
	req := httptest.NewRequest("POST", "/api/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleCreateSession(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "/pty/sess-1", resp.WebsocketURL)
}

func TestHandleCreateSession_MissingUserID(t *testing.T) {
	srv := newTestAPIServer(&fakeSessionService{}, nil, &fakeRateLimiter{count: 1})

	body, _ := json.Marshal(createSessionRequest{})
	req := httptest.NewRequest("POST", "/api/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleCreateSession(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCreateSession_RateLimited(t *testing.T) {
	srv := newTestAPIServer(&fakeSessionService{}, nil, &fakeRateLimiter{count: 11})

	body, _ := json.Marshal(createSessionRequest{UserID: "u1"})
	req := httptest.NewRequest("POST", "/api/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleCreateSession(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHandleCreateSession_InvalidImagePropagates(t *testing.T) {
	mgr := &fakeSessionService{createErr: session.ErrInvalidImage}
	srv := newTestAPIServer(mgr, nil, &fakeRateLimiter{count: 1})

	body, _ := json.Marshal(createSessionRequest{UserID: "u1", ContainerImage: "not-allowed"})
	req := httptest.NewRequest("POST", "/api/sessions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.handleCreateSession(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetSession_NotFound(t *testing.T) {
	mgr := &fakeSessionService{getErr: session.ErrNotFound}
	srv := newTestAPIServer(mgr, nil, nil)

	req := httptest.NewRequest("GET", "/api/sessions/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	srv.handleGetSession(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListSessions_RequiresUserID(t *testing.T) {
	srv := newTestAPIServer(&fakeSessionService{}, nil, nil)

	req := httptest.NewRequest("GET", "/api/sessions", nil)
	rec := httptest.NewRecorder()
	srv.handleListSessions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListSessions_Success(t *testing.T) {
	mgr := &fakeSessionService{listResult: []*store.Session{
		{ID: "s1", UserID: "u1", Status: store.StatusReady},
	}}
	srv := newTestAPIServer(mgr, nil, nil)

	req := httptest.NewRequest("GET", "/api/sessions?user_id=u1", nil)
	rec := httptest.NewRecorder()
	srv.handleListSessions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp []sessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "s1", resp[0].SessionID)
}

func TestHandleDeleteSession_Accepted(t *testing.T) {
	mgr := &fakeSessionService{deleteNoop: false}
	srv := newTestAPIServer(mgr, nil, nil)

	req := httptest.NewRequest("DELETE", "/api/sessions/s1", nil)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()
	srv.handleDeleteSession(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleDeleteSession_AlreadyTerminatedIsNoop(t *testing.T) {
	mgr := &fakeSessionService{deleteNoop: true}
	srv := newTestAPIServer(mgr, nil, nil)

	req := httptest.NewRequest("DELETE", "/api/sessions/s1", nil)
	req.SetPathValue("id", "s1")
	rec := httptest.NewRecorder()
	srv.handleDeleteSession(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleDeleteSession_ErrorPropagates(t *testing.T) {
	mgr := &fakeSessionService{deleteErr: fmt.Errorf("wrap: %w", session.ErrNotAttachable)}
	srv := newTestAPIServer(mgr, nil, nil)

	req := httptest.NewRequest("DELETE", "/api/sessions/missing", nil)
	req.SetPathValue("id", "missing")
	rec := httptest.NewRecorder()
	srv.handleDeleteSession(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
