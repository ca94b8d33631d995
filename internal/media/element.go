// Package media defines the controllable media-element abstraction the drift
// controller drives. The interface mirrors the handful of HTMLMediaElement
// properties the control loop touches; anything with a position, a rate and a
// play/pause switch can implement it.
package media

// ReadyState mirrors the HTMLMediaElement readyState numbering.
type ReadyState int

const (
	HaveNothing ReadyState = iota
	HaveMetadata
	HaveCurrentData
	HaveFutureData
	HaveEnoughData
)

func (r ReadyState) String() string {
	switch r {
	case HaveNothing:
		return "HaveNothing"
	case HaveMetadata:
		return "HaveMetadata"
	case HaveCurrentData:
		return "HaveCurrentData"
	case HaveFutureData:
		return "HaveFutureData"
	case HaveEnoughData:
		return "HaveEnoughData"
	default:
		return "Unknown"
	}
}

// Element is a controllable media element. Positions and durations are in
// seconds, matching the native media API.
type Element interface {
	CurrentTime() float64
	SetCurrentTime(seconds float64)
	PlaybackRate() float64
	SetPlaybackRate(rate float64)
	Play()
	Pause()
	ReadyState() ReadyState
	// Duration returns the media length in seconds, or 0 when unbounded.
	Duration() float64
}
