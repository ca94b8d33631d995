package drift

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhead/playhead/internal/media"
)

// fakeStore is an in-memory RateStore.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}}
}

func (f *fakeStore) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	f.sets++
	return nil
}

// sim advances a fake element and the shared timeline in lockstep, ticking the
// controller once per step.
type sim struct {
	el         *media.FakeElement
	ctrl       *Controller
	nowMs      int64
	timelineMs float64
	stepMs     int64
}

func newSim(t *testing.T, store RateStore, cfg Config) *sim {
	t.Helper()
	el := media.NewFakeElement()
	s := &sim{
		el:     el,
		ctrl:   NewController(el, store, cfg),
		stepMs: 100,
	}
	// Prime the transport at t=0 so the element plays from the first step and
	// the run starts drift-free.
	s.ctrl.Tick(0, 0, true)
	return s
}

// step runs n ticks with the timeline running, advancing the element at its
// applied rate.
func (s *sim) step(n int) {
	for i := 0; i < n; i++ {
		s.nowMs += s.stepMs
		s.timelineMs += float64(s.stepMs)
		s.el.Advance(float64(s.stepMs) / 1000)
		s.ctrl.Tick(s.nowMs, s.timelineMs, true)
	}
}

// injectDrift shifts the element position so that drift becomes driftMs.
func (s *sim) injectDrift(driftMs float64) {
	s.el.SetCurrentTime(s.timelineMs/1000 + driftMs/1000)
}

func (s *sim) drift() float64 {
	return s.el.CurrentTime()*1000 - s.timelineMs
}

func TestBoundedRateUnderExtremeDrift(t *testing.T) {
	s := newSim(t, nil, Config{})
	cfg := s.ctrl.cfg

	s.step(1)
	s.injectDrift(5000)

	prev := s.ctrl.AppliedRate()
	for i := 0; i < 200; i++ {
		s.step(1)
		rate := s.ctrl.AppliedRate()
		assert.GreaterOrEqual(t, rate, cfg.BaseRate-cfg.MaxRateDelta)
		assert.LessOrEqual(t, rate, cfg.BaseRate+cfg.MaxRateDelta)
		assert.LessOrEqual(t, math.Abs(rate-prev), cfg.MaxRateStep+1e-12,
			"adaptive rate change per tick exceeds the step bound")
		prev = rate
	}

	// The controller should be pinned at the slow bound by now.
	assert.InDelta(t, cfg.BaseRate-cfg.MaxRateDelta, s.ctrl.AppliedRate(), 1e-9)
}

func TestStabilityLockFiresOnceAndPersists(t *testing.T) {
	store := newFakeStore()
	s := newSim(t, store, Config{})
	cfg := s.ctrl.cfg

	// Zero drift: the rate sits at base the whole window.
	ticks := int(cfg.StableRateWindowMs/s.stepMs) + 5
	s.step(ticks)

	require.Equal(t, PhaseLocked, s.ctrl.Phase())
	rate, ok := s.ctrl.StableRate()
	require.True(t, ok)
	assert.InDelta(t, cfg.BaseRate, rate, cfg.StableRateDelta)

	store.mu.Lock()
	sets := store.sets
	_, persisted := store.data[StableRateKey]
	store.mu.Unlock()
	assert.True(t, persisted, "locked rate must be persisted")
	assert.Equal(t, 1, sets, "lock persists exactly once")

	// Staying locked does not re-persist.
	s.step(50)
	store.mu.Lock()
	assert.Equal(t, sets, store.sets)
	store.mu.Unlock()
}

func lockController(t *testing.T, s *sim) {
	t.Helper()
	cfg := s.ctrl.cfg
	s.step(int(cfg.StableRateWindowMs/s.stepMs) + 5)
	require.Equal(t, PhaseLocked, s.ctrl.Phase())
}

func TestLockedEntersCorrectingWithHorizonRate(t *testing.T) {
	s := newSim(t, nil, Config{})
	lockController(t, s)

	// The worked example: 300ms of drift while locked yields 1 - (0.3/5) = 0.94.
	s.injectDrift(300)
	s.step(1)

	assert.Equal(t, PhaseCorrecting, s.ctrl.Phase())
	assert.InDelta(t, 0.94, s.ctrl.AppliedRate(), 1e-9)
}

func TestCorrectionConvergesWithinHorizon(t *testing.T) {
	s := newSim(t, nil, Config{})
	cfg := s.ctrl.cfg
	lockController(t, s)

	s.injectDrift(300)
	s.step(1)
	require.Equal(t, PhaseCorrecting, s.ctrl.Phase())

	start := s.nowMs
	for s.ctrl.Phase() == PhaseCorrecting {
		s.step(1)
		require.Less(t, s.nowMs-start, int64(2*cfg.CorrectionHorizonMs), "correction never converged")
	}

	assert.Equal(t, PhaseHolding, s.ctrl.Phase())
	assert.LessOrEqual(t, math.Abs(s.drift()), cfg.NearZeroFraction*cfg.SeekThresholdMs+float64(s.stepMs),
		"drift not erased at correction exit")
	assert.LessOrEqual(t, s.nowMs-start, int64(cfg.CorrectionHorizonMs)+2*s.stepMs,
		"correction took longer than the modeled horizon")
}

func TestCorrectionExitsOnSignFlip(t *testing.T) {
	s := newSim(t, nil, Config{})
	lockController(t, s)

	s.injectDrift(300)
	s.step(1)
	require.Equal(t, PhaseCorrecting, s.ctrl.Phase())

	// Overshoot: flip the drift sign outright.
	s.injectDrift(-50)
	s.step(1)
	assert.Equal(t, PhaseHolding, s.ctrl.Phase())
}

func TestHoldingFreezesCorrectiveAnalysis(t *testing.T) {
	s := newSim(t, nil, Config{})
	cfg := s.ctrl.cfg
	lockController(t, s)

	s.injectDrift(300)
	s.step(1)
	s.injectDrift(0)
	s.step(1)
	require.Equal(t, PhaseHolding, s.ctrl.Phase())

	// Above the seek threshold but below the abandon bound: the hold absorbs it.
	s.injectDrift(cfg.SeekThresholdMs * 1.5)
	s.step(1)
	assert.Equal(t, PhaseHolding, s.ctrl.Phase())

	// After the freeze window the controller returns to Locked.
	s.injectDrift(0)
	s.step(int(cfg.PostCorrectionHoldMs/s.stepMs) + 2)
	assert.Equal(t, PhaseLocked, s.ctrl.Phase())
}

func TestHoldingAbandonsOnBallooningDrift(t *testing.T) {
	s := newSim(t, nil, Config{})
	cfg := s.ctrl.cfg
	lockController(t, s)

	s.injectDrift(300)
	s.step(1)
	s.injectDrift(0)
	s.step(1)
	require.Equal(t, PhaseHolding, s.ctrl.Phase())

	s.injectDrift(cfg.SeekThresholdMs*2 + 50)
	s.step(1)
	assert.Equal(t, PhaseAdaptive, s.ctrl.Phase())
}

func TestOscillationGuardResetsStableRate(t *testing.T) {
	store := newFakeStore()
	s := newSim(t, store, Config{})
	cfg := s.ctrl.cfg
	lockController(t, s)

	// Pretend the controller locked onto a wrong rate.
	s.ctrl.mu.Lock()
	s.ctrl.stableHoldRate = cfg.BaseRate + 0.02
	s.ctrl.mu.Unlock()

	corrections := 0
	for corrections < cfg.OscillationMaxCorrections {
		s.injectDrift(300)
		s.step(1)
		require.Equal(t, PhaseCorrecting, s.ctrl.Phase())
		corrections++

		// Let the correction finish immediately, then wait out the hold.
		s.injectDrift(0)
		s.step(1)
		require.Equal(t, PhaseHolding, s.ctrl.Phase())
		s.step(int(cfg.PostCorrectionHoldMs/s.stepMs) + 2)
	}

	rate, ok := s.ctrl.StableRate()
	require.True(t, ok)
	assert.Equal(t, cfg.BaseRate, rate, "oscillation guard must reset the learned rate to base")

	store.mu.Lock()
	persisted := store.data[StableRateKey]
	store.mu.Unlock()
	assert.Equal(t, "1", persisted, "reset must be persisted")
}

func TestSeedsFromPersistedStableRate(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Set(StableRateKey, "1.003"))

	el := media.NewFakeElement()
	ctrl := NewController(el, store, Config{})

	assert.InDelta(t, 1.003, ctrl.AppliedRate(), 1e-9)
	rate, ok := ctrl.StableRate()
	require.True(t, ok)
	assert.InDelta(t, 1.003, rate, 1e-9)
}

func TestIgnoresMalformedPersistedRate(t *testing.T) {
	for _, raw := range []string{"banana", "NaN", "2.5", "-1"} {
		store := newFakeStore()
		require.NoError(t, store.Set(StableRateKey, raw))

		ctrl := NewController(media.NewFakeElement(), store, Config{})
		_, ok := ctrl.StableRate()
		assert.False(t, ok, "value %q must be discarded", raw)
		assert.Equal(t, 1.0, ctrl.AppliedRate())
	}
}

func TestResetForSeekRepositionsAndSeeds(t *testing.T) {
	store := newFakeStore()
	require.NoError(t, store.Set(StableRateKey, "0.998"))
	s := newSim(t, store, Config{})

	s.step(20)
	s.ctrl.ResetForSeek(42000, "server seek")

	seeks := s.el.Seeks()
	require.NotEmpty(t, seeks)
	assert.InDelta(t, 42.0, seeks[len(seeks)-1], 1e-9)
	assert.Equal(t, PhaseAdaptive, s.ctrl.Phase())
	assert.InDelta(t, 0.998, s.ctrl.AppliedRate(), 1e-9, "seek must seed from the learned rate")
}

func TestResetForSeekDefersUntilReady(t *testing.T) {
	s := newSim(t, nil, Config{})
	s.el.SetReadyState(media.HaveMetadata)

	s.ctrl.ResetForSeek(10000, "initial connect")
	assert.Empty(t, s.el.Seeks(), "seek must wait for readiness")

	// Still not ready: ticks skip control entirely.
	s.step(3)
	assert.Empty(t, s.el.Seeks())

	s.el.SetReadyState(media.HaveEnoughData)
	s.step(1)
	seeks := s.el.Seeks()
	require.Len(t, seeks, 1)
	// The deferred seek lands on the then-current target, not the stale one.
	assert.InDelta(t, s.timelineMs/1000, seeks[0], 1e-9)
}

func TestDeferredSeekLandsWhilePaused(t *testing.T) {
	s := newSim(t, nil, Config{})
	s.el.SetReadyState(media.HaveMetadata)

	s.ctrl.ResetForSeek(10000, "load")
	require.Empty(t, s.el.Seeks())

	// The element becomes ready while the timeline stays paused: the deferred
	// reposition must still land.
	s.el.SetReadyState(media.HaveEnoughData)
	s.ctrl.Tick(s.nowMs, 10000, false)

	seeks := s.el.Seeks()
	require.Len(t, seeks, 1)
	assert.InDelta(t, 10.0, seeks[0], 1e-9)
	assert.False(t, s.el.Playing())
}

func TestOffsetMapsTimelineIntoElementCoordinates(t *testing.T) {
	s := newSim(t, nil, Config{})
	s.ctrl.SetOffsetMs(5000)

	s.ctrl.ResetForSeek(12000, "jump")
	seeks := s.el.Seeks()
	require.Len(t, seeks, 1)
	assert.InDelta(t, 7.0, seeks[0], 1e-9)
}

func TestLoopWrapsTarget(t *testing.T) {
	s := newSim(t, nil, Config{Loop: true})
	s.el.SetDuration(10)

	s.ctrl.ResetForSeek(23000, "jump")
	seeks := s.el.Seeks()
	require.Len(t, seeks, 1)
	assert.InDelta(t, 3.0, seeks[0], 1e-9)
}

func TestTransportFollowsRunningFlag(t *testing.T) {
	s := newSim(t, nil, Config{})

	s.ctrl.Tick(s.nowMs, 0, true)
	assert.True(t, s.el.Playing())
	assert.Equal(t, 1, s.el.PlayCalls())

	// Repeated running ticks do not spam Play.
	s.step(5)
	assert.Equal(t, 1, s.el.PlayCalls())

	s.ctrl.Tick(s.nowMs, s.timelineMs, false)
	assert.False(t, s.el.Playing())
	assert.Equal(t, 1, s.el.PauseCalls())
}

func TestDisposeRestoresBaseRate(t *testing.T) {
	s := newSim(t, nil, Config{})
	s.step(1)
	s.injectDrift(2000)
	s.step(50)
	require.NotEqual(t, 1.0, s.el.PlaybackRate())

	s.ctrl.Dispose()
	assert.Equal(t, 1.0, s.el.PlaybackRate())

	// Ticks after dispose are inert.
	before := s.el.PlaybackRate()
	s.ctrl.Tick(s.nowMs+100, s.timelineMs+100, true)
	assert.Equal(t, before, s.el.PlaybackRate())
}
