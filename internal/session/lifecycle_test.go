package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandkasten-oss/termbroker/internal/store"
)

func newTestSweeper(m *Manager, st *fakeStore, rt *fakeRuntime) *Sweeper {
	return NewSweeper(m, st, rt, time.Second, discardLogger())
}

func TestSweepExpiredDetachedTearsDownContainer(t *testing.T) {
	m, st, rt := newTestManager()
	sess, err := m.Create(context.Background(), "user-1", "ubuntu:22.04")
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), sess.ID, 80, 24)
	require.NoError(t, err)
	require.NoError(t, m.Detach(context.Background(), sess.ID))

	// Force the expiry into the past so the sweeper picks it up.
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.SetDetachedAt(sess.ID, past, past))

	sw := newTestSweeper(m, st, rt)
	sw.sweepExpired(context.Background())

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, stored.Status)
	assert.True(t, rt.removed[sess.ContainerRef])
}

func TestSweepExpiredReadyTearsDownContainer(t *testing.T) {
	m, st, rt := newTestManager()
	sess, err := m.Create(context.Background(), "user-1", "ubuntu:22.04")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.SetReadyGraceExpiry(sess.ID, past))

	sw := newTestSweeper(m, st, rt)
	sw.sweepExpired(context.Background())

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, stored.Status)
}

func TestSweepDoesNotEvictFreshDetached(t *testing.T) {
	m, st, rt := newTestManager()
	sess, err := m.Create(context.Background(), "user-1", "ubuntu:22.04")
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), sess.ID, 80, 24)
	require.NoError(t, err)
	require.NoError(t, m.Detach(context.Background(), sess.ID))

	sw := newTestSweeper(m, st, rt)
	sw.sweepExpired(context.Background())

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDetached, stored.Status)
}

func TestReconcileRecoversRunningContainerAsDetached(t *testing.T) {
	m, st, rt := newTestManager()
	sess, err := m.Create(context.Background(), "user-1", "ubuntu:22.04")
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), sess.ID, 80, 24)
	require.NoError(t, err)

	// Simulate a process restart: container still running, but the row
	// was left Attached with no live PTY handle in this process.
	rt.running[sess.ContainerRef] = true

	sw := newTestSweeper(m, st, rt)
	sw.reconcile(context.Background())

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDetached, stored.Status)
}

func TestReconcileMarksGoneContainerTerminated(t *testing.T) {
	m, st, rt := newTestManager()
	sess, err := m.Create(context.Background(), "user-1", "ubuntu:22.04")
	require.NoError(t, err)
	_, _, err = m.Attach(context.Background(), sess.ID, 80, 24)
	require.NoError(t, err)

	rt.running[sess.ContainerRef] = false

	sw := newTestSweeper(m, st, rt)
	sw.reconcile(context.Background())

	stored, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTerminated, stored.Status)
}
