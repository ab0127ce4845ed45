// Package gossip implements the inter-node membership and interest layer of
// zephyrrelay. Nodes never talk to each other directly: they share a
// best-effort pub/sub Transport with an ephemeral key/value store.
//
// The package provides:
//
//   - Registry: heartbeat keys with a TTL, live peer snapshots and reaping
//     of keys the transport failed to expire.
//   - Gossiper: the broadcast channel for ON/OFF interest announcements and
//     a private mailbox channel per node for relayed sync messages.
//   - Collector: periodic reconciliation of peer links against the registry.
//
// Typical usage:
//
//	names := gossip.Names{Namespace: "docs"}
//	reg := gossip.NewRegistry(id, names, t, 3*time.Minute, log)
//	g := gossip.NewGossiper(id, names, t, log)
//	_ = g.Join(ctx, handler)
//	defer g.Leave()
package gossip
