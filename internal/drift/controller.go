// Package drift keeps a media element glued to the shared timeline by nudging
// its playback rate. The controller is a four-phase state machine: it adapts a
// smoothed correction out of measured drift, locks the rate once it proves
// stable, applies a one-shot proportional correction when a locked element
// slips past the seek threshold, and freezes after each correction so residual
// noise cannot re-trigger it.
package drift

import (
	"math"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/playhead/playhead/internal/media"
)

// Phase is the controller's current mode.
type Phase int

const (
	// PhaseAdaptive ramps the rate toward cancelling the smoothed drift.
	PhaseAdaptive Phase = iota
	// PhaseLocked applies the learned stable rate and only watches for large drift.
	PhaseLocked
	// PhaseCorrecting applies a fixed rate sized to erase the drift over the
	// correction horizon.
	PhaseCorrecting
	// PhaseHolding freezes corrective analysis right after a correction.
	PhaseHolding
)

func (p Phase) String() string {
	switch p {
	case PhaseAdaptive:
		return "adaptive"
	case PhaseLocked:
		return "locked"
	case PhaseCorrecting:
		return "correcting"
	case PhaseHolding:
		return "holding"
	default:
		return "unknown"
	}
}

// RateStore is a durable key-value slot for the learned stable rate, so a
// well-converged correction survives across sessions. Get reports whether the
// key exists.
type RateStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
}

// StableRateKey is the slot the controller persists its learned rate under.
const StableRateKey = "stable_rate"

// Config tunes the control loop. Zero values fall back to the defaults below.
type Config struct {
	// BaseRate is the reference playback rate, normally 1.0.
	BaseRate float64
	// Gain converts smoothed drift (ms) into a rate offset while adapting.
	Gain float64
	// MaxRateDelta bounds the applied rate to BaseRate±MaxRateDelta.
	MaxRateDelta float64
	// MaxRateStep bounds the adaptive rate change per tick.
	MaxRateStep float64
	// EMAHalfLifeMs is the drift smoothing half-life.
	EMAHalfLifeMs float64
	// StableRateDelta is the max span of applied rates still considered stable.
	StableRateDelta float64
	// StableRateWindowMs is how long the span must hold before locking.
	StableRateWindowMs int64
	// SeekThresholdMs is the drift magnitude that triggers a correction while
	// locked.
	SeekThresholdMs float64
	// CorrectionHorizonMs is the window a correction is sized to erase the
	// drift over.
	CorrectionHorizonMs float64
	// NearZeroFraction of SeekThresholdMs is the correction exit magnitude.
	NearZeroFraction float64
	// PostCorrectionHoldMs freezes corrective analysis after a correction.
	PostCorrectionHoldMs int64
	// OscillationWindowMs / OscillationMaxCorrections: this many corrections
	// inside the window discards the learned stable rate.
	OscillationWindowMs       int64
	OscillationMaxCorrections int
	// MaxTickDeltaMs clamps elapsed time per tick, so a throttled background
	// tab cannot poison the smoothing.
	MaxTickDeltaMs float64
	// Loop maps the timeline into element coordinates modulo the duration.
	Loop bool
	// StoreKey overrides the persistence slot key.
	StoreKey string
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		BaseRate:                  1.0,
		Gain:                      0.0008,
		MaxRateDelta:              0.08,
		MaxRateStep:               0.006,
		EMAHalfLifeMs:             1500,
		StableRateDelta:           0.002,
		StableRateWindowMs:        10000,
		SeekThresholdMs:           200,
		CorrectionHorizonMs:       5000,
		NearZeroFraction:          0.1,
		PostCorrectionHoldMs:      5000,
		OscillationWindowMs:       15000,
		OscillationMaxCorrections: 3,
		MaxTickDeltaMs:            1000,
		StoreKey:                  StableRateKey,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaseRate == 0 {
		c.BaseRate = def.BaseRate
	}
	if c.Gain == 0 {
		c.Gain = def.Gain
	}
	if c.MaxRateDelta == 0 {
		c.MaxRateDelta = def.MaxRateDelta
	}
	if c.MaxRateStep == 0 {
		c.MaxRateStep = def.MaxRateStep
	}
	if c.EMAHalfLifeMs == 0 {
		c.EMAHalfLifeMs = def.EMAHalfLifeMs
	}
	if c.StableRateDelta == 0 {
		c.StableRateDelta = def.StableRateDelta
	}
	if c.StableRateWindowMs == 0 {
		c.StableRateWindowMs = def.StableRateWindowMs
	}
	if c.SeekThresholdMs == 0 {
		c.SeekThresholdMs = def.SeekThresholdMs
	}
	if c.CorrectionHorizonMs == 0 {
		c.CorrectionHorizonMs = def.CorrectionHorizonMs
	}
	if c.NearZeroFraction == 0 {
		c.NearZeroFraction = def.NearZeroFraction
	}
	if c.PostCorrectionHoldMs == 0 {
		c.PostCorrectionHoldMs = def.PostCorrectionHoldMs
	}
	if c.OscillationWindowMs == 0 {
		c.OscillationWindowMs = def.OscillationWindowMs
	}
	if c.OscillationMaxCorrections == 0 {
		c.OscillationMaxCorrections = def.OscillationMaxCorrections
	}
	if c.MaxTickDeltaMs == 0 {
		c.MaxTickDeltaMs = def.MaxTickDeltaMs
	}
	if c.StoreKey == "" {
		c.StoreKey = def.StoreKey
	}
	return c
}

type transportState int

const (
	transportUnknown transportState = iota
	transportPlaying
	transportPaused
)

// Controller drives one media element. It is safe for concurrent use: the
// frame loop ticks it while seek callbacks may reposition it.
type Controller struct {
	mu    sync.Mutex
	el    media.Element
	cfg   Config
	store RateStore

	offsetMs float64

	phase    Phase
	lastRate float64

	driftEmaMs float64
	emaReady   bool

	lastTickMs int64
	haveTick   bool

	winMin     float64
	winMax     float64
	winSinceMs int64
	winActive  bool

	stableHoldRate float64
	haveStableRate bool

	corrSign   int
	corrRate   float64
	corrStarts []int64

	holdUntilMs int64

	pendingSeek bool

	transport transportState
	disposed  bool
}

// NewController attaches a controller to an element. store may be nil; when it
// holds a previously learned stable rate, the controller seeds from it so a
// new session starts near the converged value immediately.
func NewController(el media.Element, store RateStore, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		el:       el,
		cfg:      cfg,
		store:    store,
		phase:    PhaseAdaptive,
		lastRate: cfg.BaseRate,
	}

	if rate, ok := c.loadStableRate(); ok {
		c.stableHoldRate = rate
		c.haveStableRate = true
		c.lastRate = rate
		log.Debug().Float64("rate", rate).Msg("seeded drift controller from persisted stable rate")
	}
	el.SetPlaybackRate(c.lastRate)
	return c
}

// SetOffsetMs shifts this element's position within the shared timeline.
func (c *Controller) SetOffsetMs(offsetMs float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offsetMs = offsetMs
}

// Phase returns the current control phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// AppliedRate returns the last playback rate the controller applied.
func (c *Controller) AppliedRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRate
}

// StableRate returns the learned stable rate, if one exists.
func (c *Controller) StableRate() (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stableHoldRate, c.haveStableRate
}

// Tick runs one control step. timelineMs is the shared timeline position from
// the clock sync; running reports whether the timeline is advancing. Called
// every animation frame.
func (c *Controller) Tick(nowMs int64, timelineMs float64, running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}

	c.syncTransport(running)
	if c.el.ReadyState() < media.HaveCurrentData {
		c.haveTick = false
		return
	}

	// A deferred reposition lands as soon as readiness permits, paused or not.
	targetSec := c.localTargetSec(timelineMs)
	if c.pendingSeek {
		c.el.SetCurrentTime(targetSec)
		c.pendingSeek = false
		c.haveTick = false
		return
	}

	if !running {
		c.haveTick = false
		return
	}

	driftMs := c.el.CurrentTime()*1000 - targetSec*1000

	dtMs := 0.0
	if c.haveTick {
		dtMs = float64(nowMs - c.lastTickMs)
		if dtMs < 0 {
			dtMs = 0
		}
		if dtMs > c.cfg.MaxTickDeltaMs {
			dtMs = c.cfg.MaxTickDeltaMs
		}
	}
	c.lastTickMs = nowMs
	c.haveTick = true

	switch c.phase {
	case PhaseAdaptive:
		c.tickAdaptive(nowMs, driftMs, dtMs)
	case PhaseLocked:
		c.tickLocked(nowMs, driftMs)
	case PhaseCorrecting:
		c.tickCorrecting(nowMs, driftMs)
	case PhaseHolding:
		c.tickHolding(nowMs, driftMs)
	}
}

func (c *Controller) tickAdaptive(nowMs int64, driftMs, dtMs float64) {
	if !c.emaReady {
		c.driftEmaMs = driftMs
		c.emaReady = true
	} else if dtMs > 0 {
		alpha := 1 - math.Exp(-math.Ln2*dtMs/c.cfg.EMAHalfLifeMs)
		c.driftEmaMs += alpha * (driftMs - c.driftEmaMs)
	}

	candidate := c.clampBounds(c.cfg.BaseRate - c.cfg.Gain*c.driftEmaMs)

	// Rate-of-change limit keeps corrections inaudible.
	if candidate > c.lastRate+c.cfg.MaxRateStep {
		candidate = c.lastRate + c.cfg.MaxRateStep
	} else if candidate < c.lastRate-c.cfg.MaxRateStep {
		candidate = c.lastRate - c.cfg.MaxRateStep
	}
	c.applyRate(candidate)

	if !c.winActive {
		c.startStabilityWindow(nowMs, candidate)
		return
	}
	if candidate < c.winMin {
		c.winMin = candidate
	}
	if candidate > c.winMax {
		c.winMax = candidate
	}
	if c.winMax-c.winMin > c.cfg.StableRateDelta {
		c.startStabilityWindow(nowMs, candidate)
		return
	}
	if nowMs-c.winSinceMs >= c.cfg.StableRateWindowMs {
		c.stableHoldRate = candidate
		c.haveStableRate = true
		c.phase = PhaseLocked
		c.persistStableRate(candidate)
		log.Info().Float64("rate", candidate).Msg("drift controller locked stable rate")
	}
}

func (c *Controller) tickLocked(nowMs int64, driftMs float64) {
	c.applyRate(c.stableHoldRate)
	if math.Abs(driftMs) > c.cfg.SeekThresholdMs {
		c.enterCorrecting(nowMs, driftMs)
	}
}

func (c *Controller) enterCorrecting(nowMs int64, driftMs float64) {
	// Oscillation guard: too many corrections in a short window means the
	// learned rate is wrong, not the transport.
	recent := c.corrStarts[:0]
	for _, t := range c.corrStarts {
		if nowMs-t < c.cfg.OscillationWindowMs {
			recent = append(recent, t)
		}
	}
	c.corrStarts = append(recent, nowMs)
	if len(c.corrStarts) >= c.cfg.OscillationMaxCorrections {
		c.stableHoldRate = c.cfg.BaseRate
		c.persistStableRate(c.cfg.BaseRate)
		c.corrStarts = nil
		log.Warn().Msg("repeated corrections, discarding learned stable rate")
	}

	horizonSec := c.cfg.CorrectionHorizonMs / 1000
	c.corrRate = c.clampBounds(c.cfg.BaseRate - (driftMs/1000)/horizonSec)
	c.corrSign = 1
	if driftMs < 0 {
		c.corrSign = -1
	}
	c.phase = PhaseCorrecting
	c.applyRate(c.corrRate)
	log.Debug().
		Float64("drift_ms", driftMs).
		Float64("rate", c.corrRate).
		Msg("drift correction started")
}

func (c *Controller) tickCorrecting(nowMs int64, driftMs float64) {
	c.applyRate(c.corrRate)
	signFlipped := driftMs*float64(c.corrSign) <= 0
	nearZero := math.Abs(driftMs) < c.cfg.NearZeroFraction*c.cfg.SeekThresholdMs
	if signFlipped || nearZero {
		c.phase = PhaseHolding
		c.holdUntilMs = nowMs + c.cfg.PostCorrectionHoldMs
		c.applyRate(c.holdRate())
		log.Debug().Float64("drift_ms", driftMs).Msg("drift correction complete, holding")
	}
}

func (c *Controller) tickHolding(nowMs int64, driftMs float64) {
	c.applyRate(c.holdRate())
	if math.Abs(driftMs) > 2*c.cfg.SeekThresholdMs {
		// The hold is there to absorb residual noise, not a real disturbance.
		c.phase = PhaseAdaptive
		c.emaReady = false
		c.winActive = false
		log.Debug().Float64("drift_ms", driftMs).Msg("hold abandoned, drift ballooned")
		return
	}
	if nowMs >= c.holdUntilMs {
		if c.haveStableRate {
			c.phase = PhaseLocked
		} else {
			c.phase = PhaseAdaptive
			c.emaReady = false
			c.winActive = false
		}
	}
}

func (c *Controller) holdRate() float64 {
	if c.haveStableRate {
		return c.stableHoldRate
	}
	return c.cfg.BaseRate
}

// ResetForSeek hard-repositions the element to the given timeline position and
// restarts the control cycle. A previously learned stable rate seeds the new
// cycle, so an unrelated reposition does not throw a good correction away.
func (c *Controller) ResetForSeek(timelineMs float64, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}

	targetSec := c.localTargetSec(timelineMs)
	if c.el.ReadyState() >= media.HaveCurrentData {
		c.el.SetCurrentTime(targetSec)
		c.pendingSeek = false
	} else {
		// Element not ready; the next ready tick seeks to the then-current target.
		c.pendingSeek = true
	}

	c.phase = PhaseAdaptive
	c.emaReady = false
	c.winActive = false
	c.corrStarts = nil
	c.haveTick = false

	seed := c.cfg.BaseRate
	if c.haveStableRate {
		seed = c.stableHoldRate
	}
	c.applyRate(seed)

	log.Debug().
		Str("reason", reason).
		Float64("target_sec", targetSec).
		Float64("seed_rate", seed).
		Msg("drift controller reset for seek")
}

// Dispose restores the base rate and detaches the controller. No further
// ticks have any effect.
func (c *Controller) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.el.SetPlaybackRate(c.cfg.BaseRate)
	c.disposed = true
}

func (c *Controller) syncTransport(running bool) {
	if running && c.transport != transportPlaying {
		c.el.Play()
		c.transport = transportPlaying
	} else if !running && c.transport != transportPaused {
		c.el.Pause()
		c.transport = transportPaused
	}
}

func (c *Controller) startStabilityWindow(nowMs int64, rate float64) {
	c.winActive = true
	c.winSinceMs = nowMs
	c.winMin = rate
	c.winMax = rate
}

func (c *Controller) localTargetSec(timelineMs float64) float64 {
	localMs := timelineMs - c.offsetMs
	if c.cfg.Loop {
		if dur := c.el.Duration(); dur > 0 {
			durMs := dur * 1000
			localMs = math.Mod(localMs, durMs)
			if localMs < 0 {
				localMs += durMs
			}
		}
	}
	return localMs / 1000
}

func (c *Controller) clampBounds(rate float64) float64 {
	lo := c.cfg.BaseRate - c.cfg.MaxRateDelta
	hi := c.cfg.BaseRate + c.cfg.MaxRateDelta
	if rate < lo {
		return lo
	}
	if rate > hi {
		return hi
	}
	return rate
}

func (c *Controller) applyRate(rate float64) {
	rate = c.clampBounds(rate)
	if math.Abs(rate-c.lastRate) > 1e-9 {
		c.el.SetPlaybackRate(rate)
	}
	c.lastRate = rate
}

func (c *Controller) loadStableRate() (float64, bool) {
	if c.store == nil {
		return 0, false
	}
	raw, ok, err := c.store.Get(c.cfg.StoreKey)
	if err != nil {
		log.Warn().Err(err).Msg("could not read persisted stable rate")
		return 0, false
	}
	if !ok {
		return 0, false
	}
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(rate) || math.IsInf(rate, 0) {
		log.Warn().Str("value", raw).Msg("discarding malformed persisted stable rate")
		return 0, false
	}
	if rate < c.cfg.BaseRate-c.cfg.MaxRateDelta || rate > c.cfg.BaseRate+c.cfg.MaxRateDelta {
		log.Warn().Float64("rate", rate).Msg("discarding out-of-bounds persisted stable rate")
		return 0, false
	}
	return rate, true
}

func (c *Controller) persistStableRate(rate float64) {
	if c.store == nil {
		return
	}
	if err := c.store.Set(c.cfg.StoreKey, strconv.FormatFloat(rate, 'f', -1, 64)); err != nil {
		log.Warn().Err(err).Msg("could not persist stable rate")
	}
}
