package gossip

import (
	"context"

	"go.uber.org/zap"
)

// Pruner owns the peer links the collector reconciles.
type Pruner interface {
	// PrunePeers closes every link to a peer not in live and returns how
	// many links were closed.
	PrunePeers(live map[NodeID]struct{}) int
}

// CollectResult summarises one collector pass.
type CollectResult struct {
	ReapedKeys  int
	PrunedLinks int
	LivePeers   int
}

// Collector reconciles peer links against the liveness registry. Absence
// from the registry is the authoritative failure signal, so a lost OFF
// announcement is corrected here without any message from the peer.
type Collector struct {
	registry *Registry
	pruner   Pruner
	log      *zap.Logger
}

func NewCollector(r *Registry, p Pruner, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{registry: r, pruner: p, log: log.Named("gc")}
}

// Collect runs one pass: reap stale keys, then drop links to peers missing
// from a fresh snapshot. No OFF is sent for pruned links.
func (c *Collector) Collect(ctx context.Context) (CollectResult, error) {
	var res CollectResult

	reaped, err := c.registry.Reap(ctx)
	res.ReapedKeys = reaped
	if err != nil {
		return res, err
	}

	peers, err := c.registry.Snapshot(ctx)
	if err != nil {
		return res, err
	}
	live := make(map[NodeID]struct{}, len(peers))
	for _, id := range peers {
		live[id] = struct{}{}
	}
	res.LivePeers = len(live)
	res.PrunedLinks = c.pruner.PrunePeers(live)

	if res.ReapedKeys > 0 || res.PrunedLinks > 0 {
		c.log.Info("collected",
			zap.Int("reaped_keys", res.ReapedKeys),
			zap.Int("pruned_links", res.PrunedLinks),
			zap.Int("live_peers", res.LivePeers))
	}
	return res, nil
}
