package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/playhead/playhead/internal/clock"
)

// MirrorConfig configures the optional JetStream state mirror.
type MirrorConfig struct {
	URL           string
	StreamName    string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
	MaxAge        time.Duration
}

// DefaultMirrorConfig returns the default mirror configuration. URL stays
// empty: the mirror is opt-in.
func DefaultMirrorConfig() MirrorConfig {
	return MirrorConfig{
		StreamName:    "PLAYHEAD_CLOCK",
		Subject:       "playhead.clock.state",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		MaxAge:        time.Hour,
	}
}

// StateMirror republishes every clock push onto a JetStream subject so
// non-WebSocket consumers (dashboards, recorders) can follow the timeline.
// It satisfies clock.Broadcaster; CloseAll is a no-op because severing push
// subscribers does not apply to a message stream.
type StateMirror struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config MirrorConfig
}

// NewStateMirror connects to NATS and ensures the stream exists.
func NewStateMirror(cfg MirrorConfig) (*StateMirror, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("state mirror disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("state mirror reconnected to NATS")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	m := &StateMirror{nc: nc, js: js, config: cfg}
	if err := m.ensureStream(context.Background()); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	log.Info().
		Str("stream", cfg.StreamName).
		Str("subject", cfg.Subject).
		Msg("clock state mirror started")
	return m, nil
}

func (m *StateMirror) ensureStream(ctx context.Context) error {
	sc := jetstream.StreamConfig{
		Name:        m.config.StreamName,
		Description: "Mirrored clock state pushes",
		Subjects:    []string{m.config.Subject},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      m.config.MaxAge,
		Storage:     jetstream.MemoryStorage,
	}

	if _, err := m.js.Stream(ctx, m.config.StreamName); err != nil {
		if _, err := m.js.CreateStream(ctx, sc); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
	}
	return nil
}

// Publish mirrors one snapshot. Failures are logged and dropped; the mirror
// must never stall the broadcast path.
func (m *StateMirror) Publish(snap clock.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal snapshot for mirror")
		return
	}
	if _, err := m.js.PublishAsync(m.config.Subject, payload); err != nil {
		log.Warn().Err(err).Msg("failed to mirror clock push")
	}
}

// CloseAll implements clock.Broadcaster. Nothing to sever on the mirror side.
func (m *StateMirror) CloseAll() {}

// Close drains outstanding publishes and closes the connection.
func (m *StateMirror) Close() {
	select {
	case <-m.js.PublishAsyncComplete():
	case <-time.After(2 * time.Second):
	}
	m.nc.Close()
}
