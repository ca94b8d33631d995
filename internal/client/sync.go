// Package client reconstructs the server's timeline locally. Sync subscribes
// to the clock server's push stream, extrapolates between pushes, and falls
// back to an autonomous local clock whenever the transport drops, so GetTime
// never jumps on a disconnect. Session runs the per-frame loop that feeds
// every attached drift controller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/playhead/playhead/internal/clock"
)

// Status reports the transport condition to interested callers.
type Status int

const (
	// StatusLocal means the client is deliberately not following the server.
	StatusLocal Status = iota
	// StatusConnecting means following but not (yet) connected.
	StatusConnecting
	// StatusConnected means pushes are flowing.
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusLocal:
		return "local"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config tunes a Sync client.
type Config struct {
	// ServerURL is the clock server base URL, e.g. "http://localhost:8080".
	ServerURL string
	// Name identifies this client on the server's subscriber list.
	Name string

	// Reconnect backoff: InitialBackoff, multiplied by BackoffFactor per
	// failed attempt, capped at MaxBackoff, reset on every successful message.
	InitialBackoff time.Duration
	BackoffFactor  float64
	MaxBackoff     time.Duration

	// HTTPClient serves control requests; Dialer opens the push stream. Both
	// default to sane instances.
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1500 * time.Millisecond
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 1.6
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return c
}

// localClock is the autonomous fallback used when not following the server or
// while disconnected.
type localClock struct {
	offsetMs  float64
	startedAt time.Time
	playing   bool
}

// Sync follows the server clock. All methods are safe for concurrent use.
type Sync struct {
	cfg   Config
	clock clockwork.Clock

	mu          sync.Mutex
	following   bool
	connected   bool
	server      clock.Snapshot
	serverAt    time.Time
	haveServer  bool
	firstPush   bool
	lastSeekSeq uint64
	haveSeekSeq bool
	local       localClock
	conn        *websocket.Conn
	cancel      context.CancelFunc
	seekFns     []func(timeMs float64)
	statusFn    func(Status)

	wg sync.WaitGroup
}

// NewSync creates a client for the given server. It does not connect until
// Attach is called; until then GetTime runs on the local fallback clock.
func NewSync(cfg Config, clk clockwork.Clock) *Sync {
	return &Sync{
		cfg:   cfg.withDefaults(),
		clock: clk,
	}
}

// OnSeek registers a callback invoked on every server-initiated hard
// reposition (seekSeq change or first push after connecting). Callbacks run on
// the transport goroutine.
func (s *Sync) OnSeek(fn func(timeMs float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seekFns = append(s.seekFns, fn)
}

// OnStatus registers a transport status callback.
func (s *Sync) OnStatus(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFn = fn
}

// Attach starts following the server, opening the push subscription with
// capped exponential backoff. Idempotent.
func (s *Sync) Attach() {
	s.mu.Lock()
	if s.following {
		s.mu.Unlock()
		return
	}
	s.following = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.notify(StatusConnecting)
	s.wg.Add(1)
	go s.run(ctx)
}

// Detach stops following the server. The local fallback clock is seeded from
// the current GetTime so playback does not jump; playLocal decides whether it
// keeps advancing.
func (s *Sync) Detach(playLocal bool) {
	s.mu.Lock()
	if !s.following {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	s.local = localClock{offsetMs: s.getTimeLocked(now), startedAt: now, playing: playLocal}
	s.following = false
	s.connected = false
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.notify(StatusLocal)
}

// GetTime returns the synchronized timeline position in milliseconds at the
// given wall-clock instant.
func (s *Sync) GetTime(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTimeLocked(now)
}

func (s *Sync) getTimeLocked(now time.Time) float64 {
	if s.following && s.connected && s.haveServer {
		t := float64(s.server.TimeMs)
		if s.server.Running {
			t += float64(now.Sub(s.serverAt)) / float64(time.Millisecond)
		}
		return t
	}
	t := s.local.offsetMs
	if s.local.playing {
		t += float64(now.Sub(s.local.startedAt)) / float64(time.Millisecond)
	}
	return t
}

// Playing reports whether the authoritative timeline is advancing.
func (s *Sync) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.following && s.connected && s.haveServer {
		return s.server.Running
	}
	return s.local.playing
}

// Connected reports the transport status.
func (s *Sync) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SetLocalPlaying toggles the fallback clock while not following the server.
func (s *Sync) SetLocalPlaying(playing bool) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local = localClock{offsetMs: s.getTimeLocked(now), startedAt: now, playing: playing}
}

// ControlResult is the server's answer to a control request.
type ControlResult struct {
	OK    bool            `json:"ok"`
	State *clock.Snapshot `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Jump asks the server to reposition the shared timeline. Local state is not
// touched; the resulting push (with an incremented seekSeq) drives the actual
// reposition, so every client repositions from the same authoritative event.
func (s *Sync) Jump(ctx context.Context, offsetMs int64) (ControlResult, error) {
	return s.Control(ctx, string(clock.ActionJump), &offsetMs)
}

// Control sends an arbitrary control action to the server.
func (s *Sync) Control(ctx context.Context, action string, offsetMs *int64) (ControlResult, error) {
	payload := struct {
		Action   string `json:"action"`
		OffsetMs *int64 `json:"offsetMs,omitempty"`
	}{Action: action, OffsetMs: offsetMs}

	body, err := json.Marshal(payload)
	if err != nil {
		return ControlResult{}, fmt.Errorf("marshal control request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.ServerURL+"/api/control", bytes.NewReader(body))
	if err != nil {
		return ControlResult{}, fmt.Errorf("build control request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return ControlResult{}, fmt.Errorf("send control request: %w", err)
	}
	defer resp.Body.Close()

	var result ControlResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ControlResult{}, fmt.Errorf("decode control response: %w", err)
	}
	return result, nil
}

func (s *Sync) run(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.cfg.InitialBackoff
	for ctx.Err() == nil {
		conn, _, err := s.cfg.Dialer.DialContext(ctx, s.eventsURL(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("clock subscription dial failed")
			s.transportDown()
			if !s.sleep(ctx, backoff) {
				return
			}
			backoff = s.nextBackoff(backoff)
			continue
		}

		if !s.adoptConn(ctx, conn) {
			return
		}

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var snap clock.Snapshot
			if err := json.Unmarshal(payload, &snap); err != nil {
				// Malformed pushes are discarded silently.
				log.Debug().Err(err).Msg("discarding malformed clock push")
				continue
			}
			backoff = s.cfg.InitialBackoff
			s.handlePush(snap)
		}
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		log.Warn().Dur("retry_in", backoff).Msg("clock subscription dropped")
		s.transportDown()
		if !s.sleep(ctx, backoff) {
			return
		}
		backoff = s.nextBackoff(backoff)
	}
}

// adoptConn publishes a freshly dialed connection, unless a detach or cancel
// won the race while the dial was in flight. A losing connection is closed
// without ever becoming visible.
func (s *Sync) adoptConn(ctx context.Context, conn *websocket.Conn) bool {
	s.mu.Lock()
	if ctx.Err() != nil || !s.following {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.firstPush = true
	s.mu.Unlock()
	return true
}

func (s *Sync) handlePush(snap clock.Snapshot) {
	now := s.clock.Now()

	s.mu.Lock()
	// A push already read when Detach ran must not fire callbacks after it.
	if !s.following {
		s.mu.Unlock()
		return
	}
	first := s.firstPush
	s.firstPush = false
	wasConnected := s.connected
	s.connected = true
	s.server = snap
	s.serverAt = now
	s.haveServer = true

	seekChanged := s.haveSeekSeq && snap.SeekSeq != s.lastSeekSeq
	s.lastSeekSeq = snap.SeekSeq
	s.haveSeekSeq = true

	if first {
		// Resync the fallback clock instantly so GetTime never jumps at
		// connect, and a later drop resumes from server time.
		s.local = localClock{offsetMs: float64(snap.TimeMs), startedAt: now, playing: snap.Running}
	}

	// A seekSeq change on the very first push is not disambiguated from the
	// connect itself; both get the same hard reposition.
	hard := first || seekChanged
	fns := append([]func(float64){}, s.seekFns...)
	s.mu.Unlock()

	if !wasConnected {
		s.notify(StatusConnected)
	}
	if hard {
		for _, fn := range fns {
			fn(float64(snap.TimeMs))
		}
	}
}

// transportDown folds the current time into the fallback clock and marks the
// transport disconnected, so GetTime keeps flowing from the same value.
func (s *Sync) transportDown() {
	now := s.clock.Now()

	s.mu.Lock()
	wasConnected := s.connected
	playing := s.local.playing
	if s.following && s.connected && s.haveServer {
		playing = s.server.Running
	}
	s.local = localClock{offsetMs: s.getTimeLocked(now), startedAt: now, playing: playing}
	s.connected = false
	s.conn = nil
	s.mu.Unlock()

	if wasConnected {
		s.notify(StatusConnecting)
	}
}

func (s *Sync) notify(status Status) {
	s.mu.Lock()
	fn := s.statusFn
	s.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

// sleep waits for d on the injected clock, returning false if ctx ended first.
func (s *Sync) sleep(ctx context.Context, d time.Duration) bool {
	timer := s.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Sync) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * s.cfg.BackoffFactor)
	if next > s.cfg.MaxBackoff {
		next = s.cfg.MaxBackoff
	}
	return next
}

func (s *Sync) eventsURL() string {
	base := s.cfg.ServerURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/events?name=" + url.QueryEscape(s.cfg.Name)
}
