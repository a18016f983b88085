// Package bus publishes agent events on NATS so other processes (a tray app, presencectl watch) can react to them.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// ErrNilBus is returned by methods called on a nil Bus.
var ErrNilBus = errors.New("bus: nil bus")

// Bus wraps a core NATS connection. Events are fire-and-forget notifications, so no JetStream stream is
// required on the server.
type Bus struct {
	conn *nats.Conn
}

// New connects to the NATS endpoint at url.
func New(url string, opts ...nats.Option) (*Bus, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Bus{conn: nc}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// Publish encodes v as JSON, publishes it to subj and flushes so the caller learns about connection errors.
func (b *Bus) Publish(ctx context.Context, subj string, v any) error {
	if b == nil {
		return ErrNilBus
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := b.conn.Publish(subj, data); err != nil {
		return err
	}
	return b.conn.FlushWithContext(ctx)
}

type subscription struct {
	sub    *nats.Subscription
	mu     sync.Mutex
	closed bool
}

func (s *subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sub.Drain()
}

// Subscribe invokes fn with the subject and payload of every message on subj (wildcards allowed) until ctx
// ends or the returned closer is closed.
func (b *Bus) Subscribe(ctx context.Context, subj string, fn func(ctx context.Context, subject string, data []byte)) (io.Closer, error) {
	if b == nil {
		return nil, ErrNilBus
	}
	if fn == nil {
		return nil, errors.New("bus: nil handler")
	}
	sub, err := b.conn.Subscribe(subj, func(msg *nats.Msg) {
		fn(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return nil, err
	}
	s := &subscription{sub: sub}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return s, nil
}
