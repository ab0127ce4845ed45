package node

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/internal/telemetry"
	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

// Start joins the channel layer, publishes the first heartbeat and starts the
// keep-alive and garbage collection loops. The loops run until Shutdown; a
// loop error is reported on Fatal.
func (n *Node) Start(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	switch n.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrStopped
	}

	if err := n.gossiper.Join(ctx, n); err != nil {
		return fmt.Errorf("join channels: %w", err)
	}
	if err := n.registry.Heartbeat(ctx); err != nil {
		return multierr.Append(fmt.Errorf("first heartbeat: %w", err), n.gossiper.Leave())
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.cancel = cancel
	n.state = stateRunning
	n.running.Store(true)

	// Tickers are anchored to Start, not to goroutine scheduling.
	n.loops.Add(2)
	go n.loop(loopCtx, "heartbeat", n.clock.Ticker(n.cfg.KeepAliveInterval), n.registry.Heartbeat)
	go n.loop(loopCtx, "gc", n.clock.Ticker(n.cfg.GCInterval), func(ctx context.Context) error {
		_, err := n.CollectGarbage(ctx)
		return err
	})

	n.log.Info("node started",
		zap.String("namespace", n.cfg.Namespace),
		zap.Duration("keepalive", n.cfg.KeepAliveInterval),
		zap.Duration("expire", n.cfg.ExpireInterval),
		zap.Duration("gc", n.cfg.GCInterval))
	return nil
}

// Fatal delivers the first error that stopped a background loop.
func (n *Node) Fatal() <-chan error { return n.fatal }

// CollectGarbage runs one collector pass: stale liveness keys are deleted and
// links to peers missing from the registry are closed.
func (n *Node) CollectGarbage(ctx context.Context) (gossip.CollectResult, error) {
	res, err := n.collector.Collect(ctx)
	telemetry.Reaped.WithLabelValues("key").Add(float64(res.ReapedKeys))
	return res, err
}

func (n *Node) loop(ctx context.Context, name string, t *clock.Ticker, fn func(context.Context) error) {
	defer n.loops.Done()
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				n.fail(fmt.Errorf("%s loop: %w", name, err))
				return
			}
		}
	}
}

func (n *Node) fail(err error) {
	n.fatalOnce.Do(func() {
		n.log.Error("background loop failed", zap.Error(err))
		n.fatal <- err
		n.cancel()
	})
}

// stopLoops cancels the background loops and waits for them to exit.
func (n *Node) stopLoops() {
	if n.cancel != nil {
		n.cancel()
	}
	n.loops.Wait()
}

// Shutdown stops the loops, leaves the channels, closes every link and
// deletes the node's liveness key. No OFF is broadcast; peers drop their
// links once the key is gone. The transport itself is closed by its owner.
func (n *Node) Shutdown(ctx context.Context) error {
	n.life.Lock()
	defer n.life.Unlock()
	if n.state == stateStopped {
		return nil
	}
	wasRunning := n.state == stateRunning
	n.state = stateStopped
	n.running.Store(false)

	var err error
	if wasRunning {
		n.stopLoops()
		err = multierr.Append(err, n.gossiper.Leave())
	}

	n.mu.Lock()
	links := make([]syncengine.Link, 0, len(n.clients))
	for _, cl := range n.clients {
		links = append(links, cl.link)
	}
	for _, docs := range n.peers {
		for _, l := range docs {
			links = append(links, l)
		}
	}
	clear(n.clients)
	clear(n.interest)
	clear(n.peers)
	clear(n.docs)
	n.updateGaugesLocked()
	n.mu.Unlock()

	for _, l := range links {
		l.Close()
	}

	if wasRunning {
		err = multierr.Append(err, n.registry.Leave(ctx))
	}
	n.log.Info("node stopped", zap.Int("closed_links", len(links)), zap.Error(err))
	return err
}
