package client

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhead/playhead/internal/media"
)

// localSync returns a Sync that never connects anywhere: the tests drive the
// local fallback clock directly.
func localSync(t *testing.T) *Sync {
	t.Helper()
	return NewSync(Config{ServerURL: "http://127.0.0.1:0", Name: "session-test"}, clockwork.NewRealClock())
}

func TestSessionDrivesAttachedElement(t *testing.T) {
	s := localSync(t)
	s.SetLocalPlaying(true)

	sess := NewSession(s, clockwork.NewRealClock(), SessionOptions{FrameInterval: 5 * time.Millisecond})
	t.Cleanup(sess.Close)

	el := media.NewFakeElement()
	handle := sess.AttachMedia(el, MediaOptions{})
	require.NotNil(t, handle)

	// The attach repositions the element at the current timeline position and
	// the frame loop starts the transport.
	require.Eventually(t, el.Playing, 2*time.Second, 5*time.Millisecond)
	require.NotEmpty(t, el.Seeks())
}

func TestSessionSeekFanout(t *testing.T) {
	s := localSync(t)
	sess := NewSession(s, clockwork.NewRealClock(), SessionOptions{FrameInterval: time.Hour})
	t.Cleanup(sess.Close)

	el1 := media.NewFakeElement()
	el2 := media.NewFakeElement()
	sess.AttachMedia(el1, MediaOptions{})
	sess.AttachMedia(el2, MediaOptions{OffsetMs: 2000})

	sess.handleSeek(12000)

	seeks1 := el1.Seeks()
	seeks2 := el2.Seeks()
	require.NotEmpty(t, seeks1)
	require.NotEmpty(t, seeks2)
	assert.InDelta(t, 12.0, seeks1[len(seeks1)-1], 1e-9)
	assert.InDelta(t, 10.0, seeks2[len(seeks2)-1], 1e-9, "offset maps the shared timeline into element coordinates")
}

func TestHandleDisposeRestoresRate(t *testing.T) {
	s := localSync(t)
	sess := NewSession(s, clockwork.NewRealClock(), SessionOptions{FrameInterval: time.Hour})
	t.Cleanup(sess.Close)

	el := media.NewFakeElement()
	handle := sess.AttachMedia(el, MediaOptions{})

	el.SetPlaybackRate(0.95)
	handle.Dispose()
	assert.Equal(t, 1.0, el.PlaybackRate())

	sess.mu.Lock()
	remaining := len(sess.handles)
	sess.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestSessionCloseStopsLoopAndDisposes(t *testing.T) {
	s := localSync(t)
	sess := NewSession(s, clockwork.NewRealClock(), SessionOptions{FrameInterval: 5 * time.Millisecond})

	el := media.NewFakeElement()
	sess.AttachMedia(el, MediaOptions{})

	sess.Close()
	assert.Equal(t, 1.0, el.PlaybackRate())

	// Attaching after close disposes immediately instead of leaking a loop.
	el2 := media.NewFakeElement()
	sess.AttachMedia(el2, MediaOptions{})
	assert.Equal(t, 1.0, el2.PlaybackRate())
}
