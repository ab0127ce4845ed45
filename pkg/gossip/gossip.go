package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultNamespace = "automerge-spider"

// Names derives every transport key and channel from a namespace.
type Names struct {
	Namespace string
}

func (n Names) ns() string {
	if n.Namespace == "" {
		return DefaultNamespace
	}
	return n.Namespace
}

// BroadcastChannel carries interest announcements for all nodes.
func (n Names) BroadcastChannel() string {
	return n.ns() + ":doc-referencing-status"
}

// MailboxChannel is the private channel of one node.
func (n Names) MailboxChannel(id NodeID) string {
	return n.ns() + ":doc-data-transfer:" + string(id)
}

func (n Names) NodeKeyPrefix() string {
	return n.ns() + ":nodes:"
}

func (n Names) NodeKey(id NodeID) string {
	return n.NodeKeyPrefix() + string(id)
}

// NodeIDFromKey recovers the node id from a liveness key. ok is false for
// keys outside the namespace or with an empty suffix.
func (n Names) NodeIDFromKey(key string) (NodeID, bool) {
	id, ok := strings.CutPrefix(key, n.NodeKeyPrefix())
	if !ok || id == "" {
		return "", false
	}
	return NodeID(id), true
}

// Handler receives decoded channel traffic.
type Handler interface {
	HandleAnnouncement(ctx context.Context, a Announcement)
	HandleEnvelope(ctx context.Context, e Envelope)
}

// Gossiper is the channel layer: one shared broadcast channel plus the
// node's own mailbox.
type Gossiper struct {
	self      NodeID
	names     Names
	transport PubSub
	log       *zap.Logger

	mu   sync.Mutex
	subs []Subscription
}

func NewGossiper(self NodeID, names Names, t PubSub, log *zap.Logger) *Gossiper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gossiper{
		self:      self,
		names:     names,
		transport: t,
		log:       log.Named("gossip"),
	}
}

// Join subscribes to the broadcast channel and the node mailbox. Malformed
// payloads are logged and dropped.
func (g *Gossiper) Join(ctx context.Context, h Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subs) > 0 {
		return errors.New("gossip: already joined")
	}

	// Handlers outlive the Join call, so they must not inherit its deadline.
	hctx := context.WithoutCancel(ctx)

	mailbox, err := g.transport.Subscribe(ctx, g.names.MailboxChannel(g.self), func(payload []byte) {
		e, err := DecodeEnvelope(payload)
		if err != nil {
			g.log.Warn("dropping envelope", zap.Error(err))
			return
		}
		h.HandleEnvelope(hctx, e)
	})
	if err != nil {
		return fmt.Errorf("subscribe mailbox: %w", err)
	}

	broadcast, err := g.transport.Subscribe(ctx, g.names.BroadcastChannel(), func(payload []byte) {
		a, err := DecodeAnnouncement(payload)
		if err != nil {
			g.log.Warn("dropping announcement", zap.Error(err))
			return
		}
		h.HandleAnnouncement(hctx, a)
	})
	if err != nil {
		return multierr.Append(fmt.Errorf("subscribe broadcast: %w", err), mailbox.Close())
	}

	g.subs = []Subscription{mailbox, broadcast}
	g.log.Info("joined",
		zap.Stringer("node", g.self),
		zap.String("broadcast", g.names.BroadcastChannel()),
		zap.String("mailbox", g.names.MailboxChannel(g.self)))
	return nil
}

func (g *Gossiper) Announce(ctx context.Context, docID string, status Status) error {
	payload, err := EncodeAnnouncement(Announcement{FromNodeID: g.self, DocID: docID, Status: status})
	if err != nil {
		return err
	}
	if err := g.transport.Publish(ctx, g.names.BroadcastChannel(), payload); err != nil {
		return fmt.Errorf("announce %s %s: %w", status, docID, err)
	}
	return nil
}

// Send publishes one sync message into the mailbox of node to.
func (g *Gossiper) Send(ctx context.Context, to NodeID, docID string, message json.RawMessage) error {
	payload, err := EncodeEnvelope(Envelope{FromNodeID: g.self, DocID: docID, Message: message})
	if err != nil {
		return err
	}
	if err := g.transport.Publish(ctx, g.names.MailboxChannel(to), payload); err != nil {
		return fmt.Errorf("send %s to %s: %w", docID, to, err)
	}
	return nil
}

// Leave closes every subscription opened by Join.
func (g *Gossiper) Leave() error {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	var err error
	for _, s := range subs {
		err = multierr.Append(err, s.Close())
	}
	return err
}
