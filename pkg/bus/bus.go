package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
)

// Bus wraps a NATS JetStream connection used to publish capture lifecycle
// events for downstream consumers (admin UI, fleet dashboards).
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a Bus connected to the provided NATS endpoint.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close shuts down the underlying NATS connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to the given subject. A nil Bus
// drops the event; event delivery is best-effort and never blocks sync state.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	_, err = b.js.Publish(subj, data, nats.Context(ctx))
	return err
}

// Ping reports whether the NATS connection is currently usable.
func (b *Bus) Ping() error {
	if b == nil {
		return errors.New("bus not configured")
	}
	if !b.conn.IsConnected() {
		return errors.New("nats connection is not established")
	}
	return nil
}
