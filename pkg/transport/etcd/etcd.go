// Package etcd implements gossip.Transport on etcd. Expiry uses leases and
// channels are emulated with short-lived keys under a per-channel prefix
// that subscribers watch.
package etcd

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
)

// publishTTL bounds how long a published message stays in etcd.
const publishTTL = 30 * time.Second

// rewatchDelay spaces watch attempts after the server closes a watch channel.
const rewatchDelay = 200 * time.Millisecond

type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
}

func NewClient(cfg Config) (*clientv3.Client, error) {
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
}

type Transport struct {
	cli *clientv3.Client
	log *zap.Logger

	leaseMu    sync.Mutex
	pubLease   clientv3.LeaseID
	pubGranted time.Time

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ gossip.Transport = (*Transport)(nil)

func New(cfg Config, log *zap.Logger) (*Transport, error) {
	cli, err := NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("etcd client %v: %w", cfg.Endpoints, err)
	}
	return NewFromClient(cli, log), nil
}

func NewFromClient(cli *clientv3.Client, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		cli:  cli,
		log:  log.Named("etcd"),
		subs: make(map[*subscription]struct{}),
	}
}

// Set writes key without a lease, dropping any previous expiry.
func (t *Transport) Set(ctx context.Context, key, value string) error {
	_, err := t.cli.Put(ctx, key, value)
	return err
}

// SetTTL writes key under a fresh lease in a single Put.
func (t *Transport) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("set %s: ttl must be positive, got %s", key, ttl)
	}
	lease, err := t.cli.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	_, err = t.cli.Put(ctx, key, value, clientv3.WithLease(lease.ID))
	return err
}

// Expire rewrites key under a fresh lease of ttl. Missing keys are ignored.
func (t *Transport) Expire(ctx context.Context, key string, ttl time.Duration) error {
	resp, err := t.cli.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return nil
	}
	lease, err := t.cli.Grant(ctx, leaseSeconds(ttl))
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	_, err = t.cli.Put(ctx, key, string(resp.Kvs[0].Value), clientv3.WithLease(lease.ID))
	return err
}

func (t *Transport) TTL(ctx context.Context, key string) (time.Duration, error) {
	resp, err := t.cli.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(resp.Kvs) == 0 || resp.Kvs[0].Lease == 0 {
		return -1, nil
	}
	ttl, err := t.cli.TimeToLive(ctx, clientv3.LeaseID(resp.Kvs[0].Lease))
	if err != nil {
		return 0, err
	}
	if ttl.TTL <= 0 {
		return -1, nil
	}
	return time.Duration(ttl.TTL) * time.Second, nil
}

func (t *Transport) Keys(ctx context.Context, prefix string) ([]string, error) {
	resp, err := t.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keys = append(keys, string(kv.Key))
	}
	return keys, nil
}

func (t *Transport) Delete(ctx context.Context, key string) error {
	_, err := t.cli.Delete(ctx, key)
	return err
}

// Publish stores payload under a unique key below the channel prefix.
func (t *Transport) Publish(ctx context.Context, channel string, payload []byte) error {
	lease, err := t.publishLease(ctx)
	if err != nil {
		return err
	}
	key := channelPrefix(channel) + uuid.NewString()
	_, err = t.cli.Put(ctx, key, string(payload), clientv3.WithLease(lease))
	return err
}

func (t *Transport) Subscribe(ctx context.Context, channel string, fn func([]byte)) (gossip.Subscription, error) {
	// Pin the start revision so messages published after Subscribe returns
	// are delivered even if the watch registers late.
	head, err := t.cli.Get(ctx, channelPrefix(channel), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &subscription{owner: t, cancel: cancel, done: make(chan struct{})}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	log := t.log.With(zap.String("channel", channel))
	go func() {
		defer close(s.done)
		watch(wctx, t.cli, channelPrefix(channel), head.Header.Revision+1, fn, log)
	}()
	return s, nil
}

// watch delivers PUT values under prefix from revision rev until ctx ends.
// A watch the server closes (leader loss or compaction) is
// reopened at the first revision not yet delivered.
func watch(ctx context.Context, w clientv3.Watcher, prefix string, rev int64, fn func([]byte), log *zap.Logger) {
	for {
		wch := w.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
		for resp := range wch {
			if resp.CompactRevision != 0 {
				log.Warn("watch compacted, messages lost",
					zap.Int64("from", rev), zap.Int64("compacted", resp.CompactRevision))
				rev = max(rev, resp.CompactRevision)
				continue
			}
			if err := resp.Err(); err != nil {
				log.Warn("watch error", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				rev = ev.Kv.ModRevision + 1
				if ev.Type == mvccpb.PUT {
					fn(ev.Kv.Value)
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("watch closed, reopening", zap.Int64("revision", rev))
		select {
		case <-ctx.Done():
			return
		case <-time.After(rewatchDelay):
		}
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()

	var err error
	for s := range subs {
		err = multierr.Append(err, s.close())
	}
	return multierr.Append(err, t.cli.Close())
}

// publishLease reuses one lease for publications until half its TTL has
// passed, so that every message outlives delivery by at least that much.
func (t *Transport) publishLease(ctx context.Context) (clientv3.LeaseID, error) {
	t.leaseMu.Lock()
	defer t.leaseMu.Unlock()
	if t.pubLease != 0 && time.Since(t.pubGranted) < publishTTL/2 {
		return t.pubLease, nil
	}
	lease, err := t.cli.Grant(ctx, leaseSeconds(publishTTL))
	if err != nil {
		return 0, fmt.Errorf("grant publish lease: %w", err)
	}
	t.pubLease, t.pubGranted = lease.ID, time.Now()
	return lease.ID, nil
}

type subscription struct {
	owner  *Transport
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *subscription) Close() error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	return s.close()
}

func channelPrefix(channel string) string {
	return channel + "/"
}

func leaseSeconds(d time.Duration) int64 {
	return max(1, int64(math.Ceil(d.Seconds())))
}
