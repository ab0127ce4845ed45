package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/internal/telemetry"
	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

// AddClient attaches a client to docID. Sync messages for the document are
// delivered through send. Adding an already attached client is a no-op.
//
// The first client of a document loads its replica from the store. Every
// successful attach broadcasts ON so peers that missed an earlier
// announcement still connect.
func (n *Node) AddClient(ctx context.Context, clientID, docID string, send SendFunc) error {
	if clientID == "" || docID == "" || send == nil {
		return fmt.Errorf("%w: client id, document id and send are required", ErrInvalidArgument)
	}
	if !n.running.Load() {
		return ErrNotStarted
	}

	unlock := n.docLocks.Lock(docID)
	defer unlock()

	n.mu.Lock()
	if _, ok := n.clients[clientID]; ok {
		n.mu.Unlock()
		return nil
	}
	doc := n.docs[docID]
	n.mu.Unlock()

	loaded := false
	if doc == nil {
		var err error
		doc, err = n.store.Load(ctx, docID)
		if err != nil {
			return fmt.Errorf("load document %q: %w", docID, err)
		}
		if doc == nil {
			return fmt.Errorf("load document %q: store returned no replica", docID)
		}
		loaded = true
	}

	link := n.engine.NewLink(doc, func(m syncengine.Message) {
		if m.DocID != docID {
			return
		}
		send(m)
	})

	n.mu.Lock()
	if !n.running.Load() {
		n.mu.Unlock()
		return ErrNotStarted
	}
	if _, ok := n.clients[clientID]; ok {
		n.mu.Unlock()
		return nil
	}
	if loaded {
		n.docs[docID] = doc
	}
	n.clients[clientID] = &clientLink{docID: docID, link: link}
	set := n.interest[docID]
	if set == nil {
		set = make(map[string]struct{})
		n.interest[docID] = set
	}
	set[clientID] = struct{}{}
	first := len(set) == 1
	n.updateGaugesLocked()
	n.mu.Unlock()

	link.Open()

	if err := n.announce(ctx, docID, gossip.StatusOn); err != nil {
		n.detachClient(clientID, docID)
		return fmt.Errorf("announce interest in %q: %w", docID, err)
	}

	n.log.Debug("client attached",
		zap.String("client", clientID),
		zap.String("doc", docID),
		zap.Bool("first", first))
	return nil
}

// RemoveClient detaches a client. When the last client of a document leaves,
// every peer link for it is closed, the replica is evicted and OFF is
// broadcast. Unknown clients are ignored.
func (n *Node) RemoveClient(ctx context.Context, clientID, docID string) error {
	unlock := n.docLocks.Lock(docID)
	defer unlock()

	known, emptied := n.detachClient(clientID, docID)
	if !known || !emptied {
		return nil
	}
	if err := n.announce(ctx, docID, gossip.StatusOff); err != nil {
		return fmt.Errorf("announce loss of interest in %q: %w", docID, err)
	}
	n.log.Debug("document released", zap.String("doc", docID))
	return nil
}

// ReceiveFromClient feeds a message from an attached client into its link.
func (n *Node) ReceiveFromClient(clientID string, m syncengine.Message) {
	n.mu.Lock()
	cl := n.clients[clientID]
	n.mu.Unlock()
	if cl == nil {
		telemetry.Dropped.WithLabelValues("unknown_client").Inc()
		n.log.Debug("message from unknown client", zap.String("client", clientID))
		return
	}
	cl.link.ReceiveMessage(m)
}

// HasClient reports whether clientID is attached.
func (n *Node) HasClient(clientID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.clients[clientID]
	return ok
}

// detachClient removes clientID from docID's interest set. The caller holds
// the document lock. Links are closed outside n.mu.
func (n *Node) detachClient(clientID, docID string) (known, emptied bool) {
	n.mu.Lock()
	cl := n.clients[clientID]
	if cl != nil && cl.docID != docID {
		n.mu.Unlock()
		n.log.Warn("client attached to another document",
			zap.String("client", clientID),
			zap.String("doc", docID),
			zap.String("attached", cl.docID))
		return false, false
	}
	delete(n.clients, clientID)

	set, ok := n.interest[docID]
	if ok {
		_, known = set[clientID]
		delete(set, clientID)
	}
	known = known || cl != nil

	var peerLinks []syncengine.Link
	if ok && len(set) == 0 {
		delete(n.interest, docID)
		delete(n.docs, docID)
		peerLinks = n.takePeerLinksLocked(docID)
		emptied = true
	}
	n.updateGaugesLocked()
	n.mu.Unlock()

	if cl != nil {
		cl.link.Close()
	}
	for _, l := range peerLinks {
		l.Close()
	}
	return known, emptied
}
