package clock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ActionKind names a control action on the clock.
type ActionKind string

const (
	ActionStart  ActionKind = "start"
	ActionPause  ActionKind = "pause"
	ActionReset  ActionKind = "reset"
	ActionJump   ActionKind = "jump"
	ActionDetach ActionKind = "detach"
	ActionAttach ActionKind = "attach"
)

// Action is a control request against the clock.
type Action struct {
	Kind     ActionKind
	OffsetMs int64
}

// ErrUnknownAction is returned for an action kind the server does not know.
// The state is left unchanged.
var ErrUnknownAction = errors.New("clock: unknown action")

// ErrNoSnapshot is returned by a SnapshotStore when nothing has been saved yet.
var ErrNoSnapshot = errors.New("clock: no persisted snapshot")

// Broadcaster receives every serialized state the server pushes. Publish must
// not block; a sink that cannot keep up drops the push. CloseAll severs every
// live subscriber connection, used when the clock detaches.
type Broadcaster interface {
	Publish(Snapshot)
	CloseAll()
}

// SnapshotStore persists the clock across restarts.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap PersistedSnapshot) error
	LoadSnapshot(ctx context.Context) (PersistedSnapshot, error)
}

// Options tunes the server.
type Options struct {
	// TickInterval is the broadcast cadence. Defaults to 500ms.
	TickInterval time.Duration
}

type opKind int

const (
	opControl opKind = iota
	opSnapshot
	opSave
	opLoad
)

type request struct {
	op     opKind
	action Action
	reply  chan result
}

type result struct {
	snap Snapshot
	err  error
}

// Server owns the authoritative clock. All reads and mutations funnel through
// a single run-loop goroutine, so State needs no locking.
type Server struct {
	clock    clockwork.Clock
	store    SnapshotStore
	sinks    []Broadcaster
	interval time.Duration

	state    State
	requests chan request
}

// NewServer creates a clock server. The store may be nil (nothing persists);
// sinks receive every push.
func NewServer(clk clockwork.Clock, store SnapshotStore, opts Options, sinks ...Broadcaster) *Server {
	interval := opts.TickInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Server{
		clock:    clk,
		store:    store,
		sinks:    sinks,
		interval: interval,
		requests: make(chan request),
	}
}

// Restore loads the persisted snapshot into the in-memory state. Meant to be
// called once before Run; an unreadable snapshot logs a warning and leaves the
// defaults in place rather than failing boot.
func (s *Server) Restore(ctx context.Context) {
	if s.store == nil {
		return
	}
	snap, err := s.store.LoadSnapshot(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("could not restore clock snapshot, starting from defaults")
		return
	}
	s.state = State{OffsetMs: snap.OffsetMs}
	log.Info().Int64("offset_ms", snap.OffsetMs).Msg("restored clock snapshot")
}

// Run drives the broadcast tick and serves control requests until ctx is
// cancelled. It must be running before Control/Snapshot/Save/Load are called.
func (s *Server) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("tick_interval", s.interval).Msg("clock server started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("clock server shutting down")
			return
		case <-ticker.Chan():
			if !s.state.Detached {
				s.publish()
			}
		case req := <-s.requests:
			req.reply <- s.handle(ctx, req)
		}
	}
}

func (s *Server) handle(ctx context.Context, req request) result {
	switch req.op {
	case opSnapshot:
		return result{snap: s.state.Snapshot(s.clock.Now())}
	case opSave:
		return s.save(ctx)
	case opLoad:
		return s.load(ctx)
	default:
		return s.apply(req.action)
	}
}

// apply mutates the state for a control action and pushes the outcome to all
// subscribers. Unknown actions leave the state untouched.
func (s *Server) apply(action Action) result {
	now := s.clock.Now()

	switch action.Kind {
	case ActionStart:
		if !s.state.Running && !s.state.Detached {
			s.state.Running = true
			s.state.StartAt = now
		}
	case ActionPause:
		if s.state.Running {
			s.state.OffsetMs += now.Sub(s.state.StartAt).Milliseconds()
			s.state.Running = false
			s.state.StartAt = time.Time{}
		}
	case ActionReset:
		s.jumpTo(0, now)
	case ActionJump:
		offset := action.OffsetMs
		if offset < 0 {
			offset = 0
		}
		s.jumpTo(offset, now)
	case ActionDetach:
		s.state.Detached = true
		for _, sink := range s.sinks {
			sink.CloseAll()
		}
	case ActionAttach:
		s.state.Detached = false
	default:
		return result{err: fmt.Errorf("%w: %q", ErrUnknownAction, action.Kind)}
	}

	log.Info().
		Str("action", string(action.Kind)).
		Int64("offset_ms", s.state.OffsetMs).
		Bool("running", s.state.Running).
		Uint64("seek_seq", s.state.SeekSeq).
		Msg("clock action applied")

	snap := s.state.Snapshot(now)
	if !s.state.Detached {
		s.fanout(snap)
	}
	return result{snap: snap}
}

// jumpTo is the only path that bumps SeekSeq.
func (s *Server) jumpTo(offsetMs int64, now time.Time) {
	s.state.OffsetMs = offsetMs
	if s.state.Running {
		s.state.StartAt = now
	}
	s.state.SeekSeq++
}

func (s *Server) save(ctx context.Context) result {
	snap := s.state.Snapshot(s.clock.Now())
	if s.store == nil {
		return result{snap: snap, err: errors.New("clock: no snapshot store configured")}
	}
	persisted := PersistedSnapshot{OffsetMs: s.state.CurrentTimeMs(s.clock.Now())}
	if err := s.store.SaveSnapshot(ctx, persisted); err != nil {
		return result{snap: snap, err: fmt.Errorf("save snapshot: %w", err)}
	}
	log.Info().Int64("offset_ms", persisted.OffsetMs).Msg("clock snapshot saved")
	return result{snap: snap}
}

func (s *Server) load(ctx context.Context) result {
	now := s.clock.Now()
	if s.store == nil {
		return result{snap: s.state.Snapshot(now), err: errors.New("clock: no snapshot store configured")}
	}
	persisted, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return result{snap: s.state.Snapshot(now), err: fmt.Errorf("load snapshot: %w", err)}
	}
	s.state = State{OffsetMs: persisted.OffsetMs, SeekSeq: s.state.SeekSeq + 1}
	log.Info().Int64("offset_ms", persisted.OffsetMs).Msg("clock snapshot loaded")

	snap := s.state.Snapshot(now)
	s.fanout(snap)
	return result{snap: snap}
}

func (s *Server) publish() {
	s.fanout(s.state.Snapshot(s.clock.Now()))
}

func (s *Server) fanout(snap Snapshot) {
	for _, sink := range s.sinks {
		sink.Publish(snap)
	}
}

func (s *Server) roundTrip(ctx context.Context, req request) (Snapshot, error) {
	req.reply = make(chan result, 1)
	select {
	case s.requests <- req:
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.snap, res.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Control applies a control action and returns the resulting serialized state.
func (s *Server) Control(ctx context.Context, action Action) (Snapshot, error) {
	return s.roundTrip(ctx, request{op: opControl, action: action})
}

// Snapshot returns the current serialized state.
func (s *Server) Snapshot(ctx context.Context) (Snapshot, error) {
	return s.roundTrip(ctx, request{op: opSnapshot})
}

// Save persists the clock, captured paused and attached.
func (s *Server) Save(ctx context.Context) (Snapshot, error) {
	return s.roundTrip(ctx, request{op: opSave})
}

// Load restores the persisted clock and pushes the result to subscribers.
// Restoring counts as a reposition, so SeekSeq advances.
func (s *Server) Load(ctx context.Context) (Snapshot, error) {
	return s.roundTrip(ctx, request{op: opLoad})
}
