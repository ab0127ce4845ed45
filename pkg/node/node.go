package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrelay/internal/telemetry"
	"github.com/ryandielhenn/zephyrrelay/pkg/gossip"
	"github.com/ryandielhenn/zephyrrelay/pkg/syncengine"
)

//go:generate mockgen -destination=mock_docstore_test.go -package=node . DocumentStore

var (
	ErrInvalidConfig   = errors.New("node: invalid config")
	ErrInvalidArgument = errors.New("node: invalid argument")
	ErrNotStarted      = errors.New("node: not started")
	ErrAlreadyStarted  = errors.New("node: already started")
	ErrStopped         = errors.New("node: stopped")
)

// Default liveness timing.
const (
	DefaultKeepAliveInterval = time.Minute
	DefaultExpireInterval    = 3 * time.Minute
	DefaultGCInterval        = time.Minute
)

// DocumentStore loads the initial replica of a document. It is called once
// per transition of a document from no local clients to one.
type DocumentStore interface {
	Load(ctx context.Context, docID string) (*syncengine.Doc, error)
}

// SendFunc delivers one outbound sync message to an attached client. It is
// called from relay paths shared by every document and must not block.
type SendFunc func(syncengine.Message)

type Config struct {
	Namespace         string
	KeepAliveInterval time.Duration
	ExpireInterval    time.Duration
	GCInterval        time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = gossip.DefaultNamespace
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if c.ExpireInterval == 0 {
		c.ExpireInterval = DefaultExpireInterval
	}
	if c.GCInterval == 0 {
		c.GCInterval = DefaultGCInterval
	}
	return c
}

func (c Config) validate() error {
	if c.KeepAliveInterval < 0 || c.ExpireInterval < 0 || c.GCInterval < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	}
	if c.KeepAliveInterval >= c.ExpireInterval {
		return fmt.Errorf("%w: keep-alive %s must be shorter than expiry %s",
			ErrInvalidConfig, c.KeepAliveInterval, c.ExpireInterval)
	}
	return nil
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

func WithClock(c clock.Clock) Option {
	return func(n *Node) { n.clock = c }
}

func WithEngine(e syncengine.Engine) Option {
	return func(n *Node) { n.engine = e }
}

// WithNodeID fixes the node id instead of generating one.
func WithNodeID(id gossip.NodeID) Option {
	return func(n *Node) { n.id = id }
}

type clientLink struct {
	docID string
	link  syncengine.Link
}

// Node relays document sync traffic between its attached clients and every
// other node interested in the same documents.
type Node struct {
	id        gossip.NodeID
	cfg       Config
	transport gossip.Transport
	store     DocumentStore
	engine    syncengine.Engine
	clock     clock.Clock
	log       *zap.Logger

	registry  *gossip.Registry
	gossiper  *gossip.Gossiper
	collector *gossip.Collector

	docLocks keyedMutex

	mu       sync.Mutex
	docs     map[string]*syncengine.Doc
	clients  map[string]*clientLink
	interest map[string]map[string]struct{}
	peers    map[gossip.NodeID]map[string]syncengine.Link

	life      sync.Mutex
	state     lifecycle
	running   atomic.Bool
	cancel    context.CancelFunc
	loops     sync.WaitGroup
	fatal     chan error
	fatalOnce sync.Once
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

func New(cfg Config, t gossip.Transport, store DocumentStore, opts ...Option) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if t == nil || store == nil {
		return nil, fmt.Errorf("%w: transport and document store are required", ErrInvalidConfig)
	}

	n := &Node{
		cfg:       cfg,
		transport: t,
		store:     store,
		engine:    syncengine.Default,
		clock:     clock.New(),
		log:       zap.NewNop(),
		docs:      make(map[string]*syncengine.Doc),
		clients:   make(map[string]*clientLink),
		interest:  make(map[string]map[string]struct{}),
		peers:     make(map[gossip.NodeID]map[string]syncengine.Link),
		fatal:     make(chan error, 1),
	}
	for _, o := range opts {
		o(n)
	}
	if n.id == "" {
		n.id = gossip.NewNodeID()
	}
	n.log = n.log.Named("node").With(zap.Stringer("node", n.id))

	names := gossip.Names{Namespace: cfg.Namespace}
	n.registry = gossip.NewRegistry(n.id, names, t, cfg.ExpireInterval, n.log)
	n.gossiper = gossip.NewGossiper(n.id, names, t, n.log)
	n.collector = gossip.NewCollector(n.registry, n, n.log)
	return n, nil
}

func (n *Node) ID() gossip.NodeID { return n.id }

// Stats is a point-in-time view of the node's relay state.
type Stats struct {
	NodeID    gossip.NodeID `json:"nodeId"`
	Documents int           `json:"documents"`
	Clients   int           `json:"clients"`
	PeerLinks int           `json:"peerLinks"`
}

func (n *Node) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Stats{
		NodeID:    n.id,
		Documents: len(n.docs),
		Clients:   len(n.clients),
		PeerLinks: n.peerLinkCountLocked(),
	}
}

// Documents lists the ids of the replicas held, sorted.
func (n *Node) Documents() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Sorted(maps.Keys(n.docs))
}

// PeerLinks maps each linked peer to the sorted ids of the shared documents.
func (n *Node) PeerLinks() map[gossip.NodeID][]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[gossip.NodeID][]string, len(n.peers))
	for peer, docs := range n.peers {
		out[peer] = slices.Sorted(maps.Keys(docs))
	}
	return out
}

// Snapshot returns a copy of the replica state of docID, for diagnostics.
func (n *Node) Snapshot(docID string) (map[string]json.RawMessage, bool) {
	n.mu.Lock()
	doc, ok := n.docs[docID]
	n.mu.Unlock()
	if !ok {
		return nil, false
	}
	return doc.Snapshot(), true
}

func (n *Node) peerLinkCountLocked() int {
	total := 0
	for _, docs := range n.peers {
		total += len(docs)
	}
	return total
}

func (n *Node) updateGaugesLocked() {
	telemetry.Documents.Set(float64(len(n.docs)))
	telemetry.ClientLinks.Set(float64(len(n.clients)))
	telemetry.PeerLinks.Set(float64(n.peerLinkCountLocked()))
}

func (n *Node) announce(ctx context.Context, docID string, status gossip.Status) error {
	if err := n.gossiper.Announce(ctx, docID, status); err != nil {
		return err
	}
	telemetry.Announcements.WithLabelValues("out", string(status)).Inc()
	return nil
}
