package client

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/playhead/playhead/internal/drift"
	"github.com/playhead/playhead/internal/media"
)

// SessionOptions tunes the per-frame loop.
type SessionOptions struct {
	// FrameInterval is the tick cadence, defaulting to ~60Hz.
	FrameInterval time.Duration
}

// Session drives every attached media element from the synchronized clock: a
// single frame loop pulls GetTime each tick and feeds all drift controllers.
// Server-initiated seeks fan out to the controllers as hard repositions.
type Session struct {
	sync  *Sync
	clock clockwork.Clock

	mu      sync.Mutex
	handles map[*MediaHandle]struct{}
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MediaOptions configures one attached element.
type MediaOptions struct {
	// Drift tunes the controller; zero fields use the defaults.
	Drift drift.Config
	// RateStore persists the learned stable rate across sessions. May be nil.
	RateStore drift.RateStore
	// OffsetMs positions this element within the shared timeline.
	OffsetMs float64
}

// MediaHandle is the caller's grip on one attached element.
type MediaHandle struct {
	session *Session
	ctrl    *drift.Controller
}

// NewSession creates and starts the frame loop.
func NewSession(syn *Sync, clk clockwork.Clock, opts SessionOptions) *Session {
	interval := opts.FrameInterval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}

	s := &Session{
		sync:    syn,
		clock:   clk,
		handles: map[*MediaHandle]struct{}{},
	}
	syn.OnSeek(s.handleSeek)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(ctx, interval)
	return s
}

// AttachMedia puts an element under drift control and hard-positions it at the
// current timeline position.
func (s *Session) AttachMedia(el media.Element, opts MediaOptions) *MediaHandle {
	ctrl := drift.NewController(el, opts.RateStore, opts.Drift)
	if opts.OffsetMs != 0 {
		ctrl.SetOffsetMs(opts.OffsetMs)
	}

	h := &MediaHandle{session: s, ctrl: ctrl}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ctrl.Dispose()
		return h
	}
	s.handles[h] = struct{}{}
	s.mu.Unlock()

	ctrl.ResetForSeek(s.sync.GetTime(s.clock.Now()), "attach")
	log.Debug().Msg("media element attached")
	return h
}

// SetOffsetMs shifts the element within the shared timeline.
func (h *MediaHandle) SetOffsetMs(offsetMs float64) {
	h.ctrl.SetOffsetMs(offsetMs)
}

// ResetForSeek hard-repositions the element at the current timeline position.
func (h *MediaHandle) ResetForSeek(reason string) {
	h.ctrl.ResetForSeek(h.session.sync.GetTime(h.session.clock.Now()), reason)
}

// Controller exposes the underlying drift controller, mainly for diagnostics.
func (h *MediaHandle) Controller() *drift.Controller {
	return h.ctrl
}

// Dispose detaches the element: it is removed from the frame loop and its
// base rate restored. Safe to call more than once.
func (h *MediaHandle) Dispose() {
	h.session.mu.Lock()
	delete(h.session.handles, h)
	h.session.mu.Unlock()
	h.ctrl.Dispose()
}

// Close synchronously stops the frame loop and disposes every attached
// element. No callbacks fire afterwards.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handles := make([]*MediaHandle, 0, len(s.handles))
	for h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = map[*MediaHandle]struct{}{}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, h := range handles {
		h.ctrl.Dispose()
	}
}

func (s *Session) loop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.tick()
		}
	}
}

func (s *Session) tick() {
	now := s.clock.Now()
	timelineMs := s.sync.GetTime(now)
	running := s.sync.Playing()

	s.mu.Lock()
	ctrls := make([]*drift.Controller, 0, len(s.handles))
	for h := range s.handles {
		ctrls = append(ctrls, h.ctrl)
	}
	s.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.Tick(now.UnixMilli(), timelineMs, running)
	}
}

func (s *Session) handleSeek(timeMs float64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ctrls := make([]*drift.Controller, 0, len(s.handles))
	for h := range s.handles {
		ctrls = append(ctrls, h.ctrl)
	}
	s.mu.Unlock()

	for _, ctrl := range ctrls {
		ctrl.ResetForSeek(timeMs, "server seek")
	}
}
