package clock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every push so tests can assert on broadcast behavior.
type recordingSink struct {
	mu        sync.Mutex
	published []Snapshot
	closed    int
}

func (r *recordingSink) Publish(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, snap)
}

func (r *recordingSink) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.published)
}

func (r *recordingSink) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.published[len(r.published)-1]
}

type memStore struct {
	mu   sync.Mutex
	snap *PersistedSnapshot
	err  error
}

func (m *memStore) SaveSnapshot(_ context.Context, snap PersistedSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap = &snap
	return nil
}

func (m *memStore) LoadSnapshot(_ context.Context) (PersistedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return PersistedSnapshot{}, m.err
	}
	if m.snap == nil {
		return PersistedSnapshot{}, ErrNoSnapshot
	}
	return *m.snap, nil
}

func newTestServer(t *testing.T, store SnapshotStore, sinks ...Broadcaster) (*Server, *clockwork.FakeClock, context.CancelFunc) {
	t.Helper()

	clk := clockwork.NewFakeClock()
	srv := NewServer(clk, store, Options{TickInterval: 500 * time.Millisecond}, sinks...)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Run(ctx)
	t.Cleanup(cancel)

	return srv, clk, cancel
}

func TestClockAlgebra(t *testing.T) {
	srv, clk, _ := newTestServer(t, nil)
	ctx := context.Background()

	snap, err := srv.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.TimeMs)
	assert.False(t, snap.Running)

	snap, err = srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	assert.True(t, snap.Running)

	clk.Advance(10 * time.Second)
	snap, err = srv.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), snap.TimeMs)

	// Pausing folds the elapsed time into the offset.
	snap, err = srv.Control(ctx, Action{Kind: ActionPause})
	require.NoError(t, err)
	assert.False(t, snap.Running)
	assert.Equal(t, int64(10000), snap.OffsetMs)

	clk.Advance(3 * time.Second)
	snap, err = srv.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), snap.TimeMs, "paused clock must not advance")
}

func TestJumpBumpsSeekSeqExactlyOnce(t *testing.T) {
	srv, clk, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, err := srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	clk.Advance(10 * time.Second)

	snap, err := srv.Control(ctx, Action{Kind: ActionJump, OffsetMs: 5000})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), snap.TimeMs)
	assert.Equal(t, uint64(1), snap.SeekSeq)

	// Start/pause never move SeekSeq.
	_, err = srv.Control(ctx, Action{Kind: ActionPause})
	require.NoError(t, err)
	_, err = srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	snap, err = srv.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snap.SeekSeq)

	snap, err = srv.Control(ctx, Action{Kind: ActionJump, OffsetMs: 0})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.SeekSeq)
}

func TestJumpClampsNegativeOffset(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	snap, err := srv.Control(context.Background(), Action{Kind: ActionJump, OffsetMs: -250})
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.OffsetMs)
}

func TestResetIsJumpToZero(t *testing.T) {
	srv, clk, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, err := srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	clk.Advance(4 * time.Second)

	snap, err := srv.Control(ctx, Action{Kind: ActionReset})
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.TimeMs)
	assert.Equal(t, uint64(1), snap.SeekSeq)
	assert.True(t, snap.Running, "reset keeps the clock running")
}

func TestUnknownActionLeavesStateUnchanged(t *testing.T) {
	srv, clk, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, err := srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	clk.Advance(time.Second)

	_, err = srv.Control(ctx, Action{Kind: "warp"})
	require.ErrorIs(t, err, ErrUnknownAction)

	snap, err := srv.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Running)
	assert.Equal(t, int64(1000), snap.TimeMs)
	assert.Equal(t, uint64(0), snap.SeekSeq)
}

func TestStartWhileDetachedIsNoop(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	ctx := context.Background()

	_, err := srv.Control(ctx, Action{Kind: ActionDetach})
	require.NoError(t, err)

	snap, err := srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	assert.False(t, snap.Running)
	assert.True(t, snap.Detached)

	_, err = srv.Control(ctx, Action{Kind: ActionAttach})
	require.NoError(t, err)
	snap, err = srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	assert.True(t, snap.Running)
}

func TestDetachSeversSubscribers(t *testing.T) {
	sink := &recordingSink{}
	srv, clk, _ := newTestServer(t, nil, sink)
	ctx := context.Background()

	_, err := srv.Control(ctx, Action{Kind: ActionDetach})
	require.NoError(t, err)

	sink.mu.Lock()
	closed := sink.closed
	before := len(sink.published)
	sink.mu.Unlock()
	assert.Equal(t, 1, closed)

	// Ticks while detached publish nothing.
	clk.Advance(2 * time.Second)
	snap, err := srv.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Detached)
	assert.Equal(t, before, sink.count())
}

func TestBroadcastOnTickAndAction(t *testing.T) {
	sink := &recordingSink{}
	srv, clk, _ := newTestServer(t, nil, sink)
	ctx := context.Background()

	_, err := srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	require.Equal(t, 1, sink.count(), "mutating action pushes immediately")

	clk.Advance(500 * time.Millisecond)
	// The tick publish happens asynchronously on the run loop.
	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, sink.last().TimeMs, int64(500))
}

func TestSaveCapturesPausedAndLoadRestores(t *testing.T) {
	store := &memStore{}
	srv, clk, _ := newTestServer(t, store)
	ctx := context.Background()

	_, err := srv.Control(ctx, Action{Kind: ActionStart})
	require.NoError(t, err)
	clk.Advance(7 * time.Second)

	_, err = srv.Save(ctx)
	require.NoError(t, err)

	store.mu.Lock()
	saved := *store.snap
	store.mu.Unlock()
	assert.Equal(t, int64(7000), saved.OffsetMs)
	assert.False(t, saved.Running, "snapshot is always captured paused")
	assert.False(t, saved.Detached)

	// Mutate, then load back.
	_, err = srv.Control(ctx, Action{Kind: ActionJump, OffsetMs: 99000})
	require.NoError(t, err)

	snap, err := srv.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), snap.TimeMs)
	assert.False(t, snap.Running, "snapshot is always restored paused")
	assert.Greater(t, snap.SeekSeq, uint64(1), "load repositions, so SeekSeq advances")
}

func TestRestoreDefaultsOnStoreFailure(t *testing.T) {
	store := &memStore{err: context.DeadlineExceeded}
	clk := clockwork.NewFakeClock()
	srv := NewServer(clk, store, Options{})

	srv.Restore(context.Background())

	assert.Equal(t, int64(0), srv.state.OffsetMs)
	assert.False(t, srv.state.Running)
}
