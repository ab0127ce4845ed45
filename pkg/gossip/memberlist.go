package gossip

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// reapConcurrency bounds the TTL probes in flight during Reap.
const reapConcurrency = 8

// Registry is the liveness view of the cluster. A node is alive exactly
// while its key exists; the key is refreshed before its TTL can lapse.
type Registry struct {
	self  NodeID
	names Names
	store Store
	ttl   time.Duration
	log   *zap.Logger
}

func NewRegistry(self NodeID, names Names, s Store, ttl time.Duration, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		self:  self,
		names: names,
		store: s,
		ttl:   ttl,
		log:   log.Named("registry"),
	}
}

// Heartbeat writes this node's key together with its TTL. A concurrent Reap
// on another node never sees the key without expiry.
func (r *Registry) Heartbeat(ctx context.Context) error {
	key := r.names.NodeKey(r.self)
	if err := r.store.SetTTL(ctx, key, "1", r.ttl); err != nil {
		return fmt.Errorf("heartbeat %s: %w", key, err)
	}
	return nil
}

// Snapshot returns the live peers, self excluded, sorted.
func (r *Registry) Snapshot(ctx context.Context) ([]NodeID, error) {
	keys, err := r.peerKeys(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]NodeID, 0, len(keys))
	for _, k := range keys {
		if id, ok := r.names.NodeIDFromKey(k); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Reap deletes peer keys whose TTL is unset or already lapsed. It returns
// the number of keys deleted.
func (r *Registry) Reap(ctx context.Context) (int, error) {
	keys, err := r.peerKeys(ctx)
	if err != nil {
		return 0, err
	}

	var reaped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reapConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			ttl, err := r.store.TTL(gctx, key)
			if err != nil {
				return fmt.Errorf("ttl %s: %w", key, err)
			}
			if ttl > 0 {
				return nil
			}
			if err := r.store.Delete(gctx, key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			reaped.Add(1)
			r.log.Info("reaped stale node key", zap.String("key", key))
			return nil
		})
	}
	err = g.Wait()
	return int(reaped.Load()), err
}

// Leave removes this node's key so peers stop counting it as alive without
// waiting for the TTL.
func (r *Registry) Leave(ctx context.Context) error {
	key := r.names.NodeKey(r.self)
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("leave %s: %w", key, err)
	}
	return nil
}

func (r *Registry) peerKeys(ctx context.Context) ([]string, error) {
	keys, err := r.store.Keys(ctx, r.names.NodeKeyPrefix())
	if err != nil {
		return nil, fmt.Errorf("list node keys: %w", err)
	}
	self := r.names.NodeKey(r.self)
	return slices.DeleteFunc(keys, func(k string) bool { return k == self }), nil
}
