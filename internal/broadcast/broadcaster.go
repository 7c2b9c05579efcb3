package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/metrics"
)

// Event is the payload carried on the bus.
type Event struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	PublishedBy string          `json:"publishedBy,omitempty"`
}

// Frame is one server-sent event. A frame with Comment set is a keep-alive
// comment line and carries no event.
type Frame struct {
	Event   string
	Data    []byte
	Comment string
}

// WriteTo renders f in text/event-stream format.
func (f Frame) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	if f.Comment != "" {
		fmt.Fprintf(&sb, ": %s\n\n", f.Comment)
	} else {
		if f.Event != "" {
			fmt.Fprintf(&sb, "event: %s\n", f.Event)
		}
		for _, line := range strings.Split(string(f.Data), "\n") {
			fmt.Fprintf(&sb, "data: %s\n", line)
		}
		sb.WriteString("\n")
	}
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

type Broadcaster struct {
	bus       Bus
	channel   string
	heartbeat time.Duration
	log       *logging.Logger
	now       func() time.Time
}

func New(bus Bus, channel string, heartbeat time.Duration, log *logging.Logger) *Broadcaster {
	if channel == "" {
		channel = "cyberstreams:activity"
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &Broadcaster{bus: bus, channel: channel, heartbeat: heartbeat, log: log, now: time.Now}
}

// Publish puts an event on the shared channel for every connected client.
func (b *Broadcaster) Publish(ctx context.Context, typ string, data json.RawMessage, publishedBy string) error {
	if typ == "" {
		return errors.New("broadcast: event type is required")
	}
	payload, err := json.Marshal(Event{Type: typ, Data: data, Timestamp: b.now().UTC(), PublishedBy: publishedBy})
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, b.channel, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Stream subscribes a client and returns its frames: a "connected" event
// first, then one "threat" event per published message interleaved with
// heartbeat comments. The channel is closed and the subscription released
// once ctx is done.
func (b *Broadcaster) Stream(ctx context.Context, clientID string) (<-chan Frame, error) {
	sub, err := b.bus.Subscribe(ctx, b.channel)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	out := make(chan Frame, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ticker := time.NewTicker(b.heartbeat)
		defer ticker.Stop()

		metrics.StreamClients.Inc()
		defer metrics.StreamClients.Dec()
		b.log.Debugw("stream client connected", "client", clientID)
		defer b.log.Debugw("stream client disconnected", "client", clientID)

		send := func(f Frame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		hello, _ := json.Marshal(map[string]any{
			"type":      "connected",
			"clientId":  clientID,
			"timestamp": b.now().UTC(),
		})
		if !send(Frame{Event: "connected", Data: hello}) {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.C():
				if !ok {
					return
				}
				if !send(Frame{Event: "threat", Data: msg}) {
					return
				}
			case t := <-ticker.C:
				if !send(Frame{Comment: "heartbeat " + t.UTC().Format(time.RFC3339)}) {
					return
				}
			}
		}
	}()
	return out, nil
}
