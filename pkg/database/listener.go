package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Notification is one decoded row from the change-notification trigger's
// pg_notify payload (spec §4.4 "Change firehose", §6 "Change-notification
// payload").
type Notification struct {
	ID           string `json:"id"`
	Slug         string `json:"slug"`
	ContractType string `json:"contractType"`
	Type         string `json:"type"`
	Table        string `json:"table"`
}

// Listen opens a dedicated LISTEN connection (spec §5 "Shared resources":
// "the listener gets its own dedicated connection, separate from [the
// pool]") and streams decoded notifications on the returned channel until
// ctx is canceled, at which point the listener is closed and the channel
// closed. Reconnection and its backoff are handled internally by
// pq.Listener; the stream manager that consumes this channel owns
// subscription matching and its own reconnect-aware resume bookkeeping.
func (b *Backend) Listen(ctx context.Context, dsn, channel string) (<-chan Notification, error) {
	events := make(chan Notification, 64)

	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if ev == pq.ListenerEventConnectionAttemptFailed && err != nil {
			// swallowed here; the stream manager surfaces connectivity
			// state through its own status, not through this channel.
			_ = err
		}
	})
	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("database: listen %s: %w", channel, err)
	}

	go func() {
		defer close(events)
		defer listener.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					// pq sends a nil notification after a reconnect; it
					// carries no payload and is dropped here.
					continue
				}
				var decoded Notification
				if err := json.Unmarshal([]byte(n.Extra), &decoded); err != nil {
					continue
				}
				select {
				case events <- decoded:
				case <-ctx.Done():
					return
				}
			case <-time.After(90 * time.Second):
				// periodic ping keeps the connection from being reaped by
				// an idle-connection proxy, mirroring pq.Listener's own
				// documented keep-alive recommendation.
				_ = listener.Ping()
			}
		}
	}()

	return events, nil
}
