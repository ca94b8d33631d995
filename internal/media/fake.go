package media

import "sync"

// FakeElement is a scriptable Element for tests and headless runs. Position
// only advances when Advance is called, scaled by the applied rate, so a test
// fully controls the simulated transport.
type FakeElement struct {
	mu         sync.Mutex
	current    float64
	rate       float64
	playing    bool
	readyState ReadyState
	duration   float64

	seeks      []float64
	rateTrace  []float64
	playCalls  int
	pauseCalls int
}

// NewFakeElement returns a fake element that is ready to play.
func NewFakeElement() *FakeElement {
	return &FakeElement{rate: 1.0, readyState: HaveEnoughData}
}

func (f *FakeElement) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *FakeElement) SetCurrentTime(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = seconds
	f.seeks = append(f.seeks, seconds)
}

func (f *FakeElement) PlaybackRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *FakeElement) SetPlaybackRate(rate float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rate = rate
	f.rateTrace = append(f.rateTrace, rate)
}

func (f *FakeElement) Play() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = true
	f.playCalls++
}

func (f *FakeElement) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playing = false
	f.pauseCalls++
}

func (f *FakeElement) ReadyState() ReadyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyState
}

func (f *FakeElement) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.duration
}

// SetReadyState scripts the element's readiness.
func (f *FakeElement) SetReadyState(state ReadyState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyState = state
}

// SetDuration scripts the media length in seconds.
func (f *FakeElement) SetDuration(seconds float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duration = seconds
}

// Advance moves the simulated transport forward by dt seconds of wall time,
// scaled by the applied playback rate while playing.
func (f *FakeElement) Advance(dt float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing {
		f.current += dt * f.rate
	}
}

// Playing reports the scripted play/pause state.
func (f *FakeElement) Playing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

// Seeks returns every position assignment made so far.
func (f *FakeElement) Seeks() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.seeks))
	copy(out, f.seeks)
	return out
}

// RateTrace returns every playback rate applied so far, in order.
func (f *FakeElement) RateTrace() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]float64, len(f.rateTrace))
	copy(out, f.rateTrace)
	return out
}

// PlayCalls and PauseCalls report how often the transport was toggled.
func (f *FakeElement) PlayCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playCalls
}

func (f *FakeElement) PauseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pauseCalls
}
