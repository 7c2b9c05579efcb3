// Package broadcast fans activity events out to connected stream clients
// over a publish/subscribe bus.
package broadcast

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// subscriberBuffer bounds each subscription; slow readers lose messages
// rather than stall the bus.
const subscriberBuffer = 64

type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

// Subscription delivers payloads until closed. C is closed once the
// subscription ends.
type Subscription interface {
	C() <-chan []byte
	Close() error
}

type RedisBus struct {
	cli redis.UniversalClient
}

func NewRedisBus(cli redis.UniversalClient) *RedisBus { return &RedisBus{cli: cli} }

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.cli.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.cli.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	s := &redisSub{ps: ps, out: make(chan []byte, subscriberBuffer), done: make(chan struct{})}
	go s.forward(ps.Channel())
	return s, nil
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *redisSub) forward(in <-chan *redis.Message) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(m.Payload):
			default:
			}
		}
	}
}

func (s *redisSub) C() <-chan []byte { return s.out }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

type NATSBus struct {
	nc *nats.Conn
}

func NewNATSBus(nc *nats.Conn) *NATSBus { return &NATSBus{nc: nc} }

func (b *NATSBus) Publish(_ context.Context, subject string, payload []byte) error {
	return b.nc.Publish(subject, payload)
}

func (b *NATSBus) Subscribe(_ context.Context, subject string) (Subscription, error) {
	in := make(chan *nats.Msg, subscriberBuffer)
	sub, err := b.nc.ChanSubscribe(subject, in)
	if err != nil {
		return nil, err
	}
	s := &natsSub{sub: sub, out: make(chan []byte, subscriberBuffer), done: make(chan struct{})}
	go s.forward(in)
	return s, nil
}

type natsSub struct {
	sub  *nats.Subscription
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *natsSub) forward(in <-chan *nats.Msg) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m := <-in:
			select {
			case s.out <- m.Data:
			default:
			}
		}
	}
}

func (s *natsSub) C() <-chan []byte { return s.out }

func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}

// LocalBus is an in-process Bus for single-node deployments and tests.
type LocalBus struct {
	mu   sync.Mutex
	subs map[string]map[*localSub]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*localSub]struct{})}
}

func (b *LocalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs[channel] {
		select {
		case s.out <- payload:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s := &localSub{bus: b, channel: channel, out: make(chan []byte, subscriberBuffer)}
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[*localSub]struct{})
	}
	b.subs[channel][s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Subscribers reports the number of live subscriptions on channel.
func (b *LocalBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

type localSub struct {
	bus     *LocalBus
	channel string
	out     chan []byte
}

func (s *localSub) C() <-chan []byte { return s.out }

func (s *localSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.channel][s]; ok {
		delete(s.bus.subs[s.channel], s)
		close(s.out)
	}
	return nil
}
