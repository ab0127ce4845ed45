package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/internal/telemetry"
	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

var _ gossip.Handler = (*Node)(nil)
var _ gossip.Pruner = (*Node)(nil)

// HandleAnnouncement reacts to interest changes broadcast by other nodes.
// An ON for a document with local clients opens a peer link, if none exists,
// and answers with ON so the announcer links back. An OFF closes the link.
//
// The ON path holds the document lock so the answer cannot be published
// after a concurrent RemoveClient has announced OFF.
func (n *Node) HandleAnnouncement(ctx context.Context, a gossip.Announcement) {
	telemetry.Announcements.WithLabelValues("in", string(a.Status)).Inc()
	if a.FromNodeID == n.id {
		return
	}

	switch a.Status {
	case gossip.StatusOn:
		unlock := n.docLocks.Lock(a.DocID)
		defer unlock()
		_, created, ok := n.ensurePeerLink(a.FromNodeID, a.DocID)
		if !ok || !created {
			return
		}
		n.log.Debug("peer link opened",
			zap.Stringer("peer", a.FromNodeID),
			zap.String("doc", a.DocID))
		if err := n.announce(ctx, a.DocID, gossip.StatusOn); err != nil {
			n.log.Warn("re-announce failed", zap.String("doc", a.DocID), zap.Error(err))
		}
	case gossip.StatusOff:
		if n.closePeerLink(a.FromNodeID, a.DocID) {
			n.log.Debug("peer link closed",
				zap.Stringer("peer", a.FromNodeID),
				zap.String("doc", a.DocID))
		}
	}
}

// HandleEnvelope routes a mailbox message into the peer link for its
// document, creating the link on first contact.
func (n *Node) HandleEnvelope(_ context.Context, e gossip.Envelope) {
	telemetry.Envelopes.WithLabelValues("in").Inc()

	msg, err := syncengine.DecodeMessage(e.Message)
	if err != nil {
		telemetry.Dropped.WithLabelValues("malformed").Inc()
		n.log.Warn("dropping envelope payload",
			zap.Stringer("peer", e.FromNodeID),
			zap.String("doc", e.DocID),
			zap.Error(err))
		return
	}
	if msg.DocID != e.DocID {
		telemetry.Dropped.WithLabelValues("doc_mismatch").Inc()
		n.log.Warn("envelope document mismatch",
			zap.Stringer("peer", e.FromNodeID),
			zap.String("doc", e.DocID),
			zap.String("payload_doc", msg.DocID))
		return
	}

	unlock := n.docLocks.Lock(e.DocID)
	link, _, ok := n.ensurePeerLink(e.FromNodeID, e.DocID)
	unlock()
	if !ok {
		telemetry.Dropped.WithLabelValues("no_interest").Inc()
		n.log.Debug("envelope for document without clients",
			zap.Stringer("peer", e.FromNodeID),
			zap.String("doc", e.DocID))
		return
	}
	link.ReceiveMessage(msg)
}

// PrunePeers closes every link to a peer missing from live.
func (n *Node) PrunePeers(live map[gossip.NodeID]struct{}) int {
	n.mu.Lock()
	var stale []syncengine.Link
	for peer, docs := range n.peers {
		if _, ok := live[peer]; ok {
			continue
		}
		for _, l := range docs {
			stale = append(stale, l)
		}
		delete(n.peers, peer)
		n.log.Info("peer expired", zap.Stringer("peer", peer), zap.Int("links", len(docs)))
	}
	n.updateGaugesLocked()
	n.mu.Unlock()

	for _, l := range stale {
		l.Close()
	}
	telemetry.Reaped.WithLabelValues("peer_link").Add(float64(len(stale)))
	return len(stale)
}

// ensurePeerLink returns the link to peer for docID, opening one if needed.
// ok is false when no local client is interested in docID.
func (n *Node) ensurePeerLink(peer gossip.NodeID, docID string) (link syncengine.Link, created, ok bool) {
	n.mu.Lock()
	if _, interested := n.interest[docID]; !interested {
		n.mu.Unlock()
		return nil, false, false
	}
	doc := n.docs[docID]
	if doc == nil {
		n.mu.Unlock()
		return nil, false, false
	}
	if l := n.peers[peer][docID]; l != nil {
		n.mu.Unlock()
		return l, false, true
	}

	link = n.engine.NewLink(doc, func(m syncengine.Message) {
		n.sendToPeer(peer, docID, m)
	})
	docs := n.peers[peer]
	if docs == nil {
		docs = make(map[string]syncengine.Link)
		n.peers[peer] = docs
	}
	docs[docID] = link
	n.updateGaugesLocked()
	n.mu.Unlock()

	link.Open()
	return link, true, true
}

func (n *Node) closePeerLink(peer gossip.NodeID, docID string) bool {
	n.mu.Lock()
	l := n.peers[peer][docID]
	if l != nil {
		delete(n.peers[peer], docID)
		if len(n.peers[peer]) == 0 {
			delete(n.peers, peer)
		}
		n.updateGaugesLocked()
	}
	n.mu.Unlock()

	if l == nil {
		return false
	}
	l.Close()
	return true
}

// takePeerLinksLocked detaches every peer link for docID and returns them
// for closing once n.mu is released.
func (n *Node) takePeerLinksLocked(docID string) []syncengine.Link {
	var out []syncengine.Link
	for peer, docs := range n.peers {
		l, ok := docs[docID]
		if !ok {
			continue
		}
		out = append(out, l)
		delete(docs, docID)
		if len(docs) == 0 {
			delete(n.peers, peer)
		}
	}
	return out
}

// sendToPeer wraps an outbound sync message and publishes it to the peer's
// mailbox. Messages for peers without any open link are dropped.
func (n *Node) sendToPeer(peer gossip.NodeID, docID string, m syncengine.Message) {
	n.mu.Lock()
	_, linked := n.peers[peer]
	n.mu.Unlock()
	if !linked {
		telemetry.Dropped.WithLabelValues("no_peer_link").Inc()
		return
	}

	raw, err := syncengine.EncodeMessage(m)
	if err != nil {
		n.log.Error("encode sync message", zap.String("doc", docID), zap.Error(err))
		return
	}
	if err := n.gossiper.Send(context.Background(), peer, docID, raw); err != nil {
		n.log.Warn("send to peer failed",
			zap.Stringer("peer", peer),
			zap.String("doc", docID),
			zap.Error(err))
		return
	}
	telemetry.Envelopes.WithLabelValues("out").Inc()
}
