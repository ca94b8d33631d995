package clock

import "time"

// State is the authoritative logical clock. There is exactly one copy, owned by
// the Server's run loop; nothing outside that loop mutates it.
type State struct {
	// OffsetMs is the accumulated logical time while the clock is paused. While
	// running, the live position is OffsetMs plus the wall time since StartAt.
	OffsetMs int64

	// Running reports whether the clock is advancing.
	Running bool

	// StartAt is the wall-clock instant the clock last began running. Zero while
	// paused.
	StartAt time.Time

	// Detached is set while the server deliberately stops broadcasting and has
	// severed all subscriber connections.
	Detached bool

	// SeekSeq increments exactly once per explicit jump. Clients use it to tell
	// a deliberate reposition apart from ordinary extrapolation drift.
	SeekSeq uint64
}

// CurrentTimeMs returns the logical time at the given wall-clock instant.
func (s *State) CurrentTimeMs(now time.Time) int64 {
	if s.Running {
		return s.OffsetMs + now.Sub(s.StartAt).Milliseconds()
	}
	return s.OffsetMs
}

// Snapshot is the wire form of the clock, pushed to every subscriber and
// returned by every control action.
type Snapshot struct {
	TimeMs      int64  `json:"timeMs"`
	Running     bool   `json:"running"`
	OffsetMs    int64  `json:"offsetMs"`
	Detached    bool   `json:"detached"`
	ServerNowMs int64  `json:"serverNowMs"`
	SeekSeq     uint64 `json:"seekSeq"`
}

// Snapshot serializes the state as observed at now.
func (s *State) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		TimeMs:      s.CurrentTimeMs(now),
		Running:     s.Running,
		OffsetMs:    s.OffsetMs,
		Detached:    s.Detached,
		ServerNowMs: now.UnixMilli(),
		SeekSeq:     s.SeekSeq,
	}
}

// PersistedSnapshot is the durable form of the clock. It is always captured
// paused and attached so a restart never resurrects a stale running flag.
type PersistedSnapshot struct {
	OffsetMs int64 `json:"offsetMs"`
	Running  bool  `json:"running"`
	Detached bool  `json:"detached"`
}
