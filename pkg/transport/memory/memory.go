// Package memory is an in-process gossip.Transport. Several nodes built on
// one Network see the same keys and channels, which is enough to run a
// cluster inside a single test binary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
	"github.com/ryandielhenn/zephyrrelay/pkg/kv"
)

// DefaultQueueSize is the per-subscription backlog; messages published to a
// full queue are dropped.
const DefaultQueueSize = 1024

var ErrClosed = errors.New("memory: transport closed")

// Network is the shared medium.
type Network struct {
	store     *kv.Store
	queueSize int
	log       *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

type Option func(*Network)

func WithQueueSize(n int) Option {
	return func(nw *Network) {
		if n > 0 {
			nw.queueSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(nw *Network) { nw.log = l }
}

func NewNetwork(clk clock.Clock, opts ...Option) *Network {
	nw := &Network{
		store:     kv.NewStore(clk),
		queueSize: DefaultQueueSize,
		log:       zap.NewNop(),
		subs:      make(map[string]map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(nw)
	}
	return nw
}

// Store exposes the shared key/value store, mainly for tests that need to
// plant or inspect registry entries.
func (nw *Network) Store() *kv.Store { return nw.store }

// Transport returns a new handle. Closing it only closes the subscriptions
// made through it.
func (nw *Network) Transport() *Transport {
	return &Transport{nw: nw, subs: make(map[*subscription]struct{})}
}

func (nw *Network) publish(channel string, payload []byte) {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	for s := range nw.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case s.queue <- msg:
		default:
			nw.log.Warn("subscriber queue full, dropping message", zap.String("channel", channel))
		}
	}
}

func (nw *Network) attach(s *subscription) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	set, ok := nw.subs[s.channel]
	if !ok {
		set = make(map[*subscription]struct{})
		nw.subs[s.channel] = set
	}
	set[s] = struct{}{}
}

func (nw *Network) detach(s *subscription) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if set, ok := nw.subs[s.channel]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(nw.subs, s.channel)
		}
	}
}

// Transport implements gossip.Transport on top of a Network.
type Transport struct {
	nw *Network

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

var _ gossip.Transport = (*Transport)(nil)

func (t *Transport) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *Transport) Set(_ context.Context, key, value string) error {
	if err := t.check(); err != nil {
		return err
	}
	t.nw.store.Put(key, []byte(value), 0)
	return nil
}

func (t *Transport) SetTTL(_ context.Context, key, value string, ttl time.Duration) error {
	if err := t.check(); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("memory: non-positive ttl %s for %s", ttl, key)
	}
	t.nw.store.Put(key, []byte(value), ttl)
	return nil
}

func (t *Transport) Expire(_ context.Context, key string, ttl time.Duration) error {
	if err := t.check(); err != nil {
		return err
	}
	t.nw.store.Expire(key, ttl)
	return nil
}

func (t *Transport) TTL(_ context.Context, key string) (time.Duration, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return t.nw.store.TTL(key), nil
}

func (t *Transport) Keys(_ context.Context, prefix string) ([]string, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.nw.store.Keys(prefix), nil
}

func (t *Transport) Delete(_ context.Context, key string) error {
	if err := t.check(); err != nil {
		return err
	}
	t.nw.store.Delete(key)
	return nil
}

func (t *Transport) Publish(_ context.Context, channel string, payload []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	t.nw.publish(channel, payload)
	return nil
}

func (t *Transport) Subscribe(_ context.Context, channel string, fn func([]byte)) (gossip.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	s := &subscription{
		owner:   t,
		channel: channel,
		queue:   make(chan []byte, t.nw.queueSize),
		done:    make(chan struct{}),
	}
	t.subs[s] = struct{}{}
	t.nw.attach(s)

	go s.run(fn)
	return s, nil
}

// Close closes every subscription made through t. Further calls fail with
// ErrClosed.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	for s := range subs {
		s.stop()
	}
	return nil
}

type subscription struct {
	owner   *Transport
	channel string
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) run(fn func([]byte)) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			fn(msg)
		}
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.owner.nw.detach(s)
		close(s.done)
	})
}

func (s *subscription) Close() error {
	s.stop()
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return nil
}
