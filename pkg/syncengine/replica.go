package syncengine

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

const snapshotActor = "snapshot:"

// Doc is one replica of a document. It is safe for concurrent use by any
// number of links.
type Doc struct {
	id    string
	actor string

	mu      sync.Mutex
	lamport uint64
	entries map[string]Change
	links   map[*link]struct{}
}

// NewDoc returns an empty replica. An empty actor gets a random one.
func NewDoc(id, actor string) *Doc {
	if actor == "" {
		actor = uuid.NewString()
	}
	return &Doc{
		id:      id,
		actor:   actor,
		entries: make(map[string]Change),
		links:   make(map[*link]struct{}),
	}
}

// FromSnapshot builds a replica from plain values. The seed versions depend
// only on key and value, so two replicas seeded with the same snapshot
// agree without exchanging anything.
func FromSnapshot(id string, values map[string]json.RawMessage) *Doc {
	d := NewDoc(id, "")
	for k, v := range values {
		h := fnv.New64a()
		_, _ = h.Write(v)
		d.entries[k] = Change{
			Key:     k,
			Value:   append(json.RawMessage(nil), v...),
			Version: Version{Lamport: 1, Actor: snapshotActor + strconv.FormatUint(h.Sum64(), 16)},
		}
	}
	if len(values) > 0 {
		d.lamport = 1
	}
	return d
}

func (d *Doc) ID() string    { return d.id }
func (d *Doc) Actor() string { return d.actor }

// Clone copies the state into a new replica with its own actor and no links.
func (d *Doc) Clone(actor string) *Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := NewDoc(d.id, actor)
	c.lamport = d.lamport
	maps.Copy(c.entries, d.entries)
	return c
}

// Set writes key locally and pushes the change to every open link.
func (d *Doc) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %q: %w", key, err)
	}
	d.write(Change{Key: key, Value: raw})
	return nil
}

func (d *Doc) Delete(key string) {
	d.write(Change{Key: key, Deleted: true})
}

func (d *Doc) write(c Change) {
	d.mu.Lock()
	d.lamport++
	c.Version = Version{Lamport: d.lamport, Actor: d.actor}
	out := d.fanoutLocked(d.applyLocked([]Change{c}))
	d.mu.Unlock()
	out.send()
}

func (d *Doc) Get(key string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.entries[key]
	if !ok || c.Deleted {
		return nil, false
	}
	return append(json.RawMessage(nil), c.Value...), true
}

// Snapshot returns the current values, tombstones excluded.
func (d *Doc) Snapshot() map[string]json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]json.RawMessage, len(d.entries))
	for k, c := range d.entries {
		if !c.Deleted {
			out[k] = append(json.RawMessage(nil), c.Value...)
		}
	}
	return out
}

// SnapshotJSON renders Snapshot as one JSON object.
func (d *Doc) SnapshotJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}

// Links reports how many links are currently open on d.
func (d *Doc) Links() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.links)
}

func (d *Doc) digestLocked() map[string]Version {
	have := make(map[string]Version, len(d.entries))
	for k, c := range d.entries {
		have[k] = c.Version
	}
	return have
}

// applyLocked merges changes and returns those that won.
func (d *Doc) applyLocked(changes []Change) []Change {
	var won []Change
	for _, c := range changes {
		cur, ok := d.entries[c.Key]
		if ok && !c.Version.Newer(cur.Version) {
			continue
		}
		d.entries[c.Key] = c
		d.lamport = max(d.lamport, c.Version.Lamport)
		won = append(won, c)
	}
	return won
}

// fanoutLocked builds, per open link, the subset of changes that link's
// remote side is not known to have.
func (d *Doc) fanoutLocked(changes []Change) outbox {
	if len(changes) == 0 {
		return nil
	}
	var out outbox
	for l := range d.links {
		if pending := l.unknown(changes); len(pending) > 0 {
			out = append(out, delivery{l: l, msg: Message{DocID: d.id, Changes: pending}})
		}
	}
	return out
}

// sortedEntriesLocked keeps outgoing change lists deterministic.
func (d *Doc) sortedEntriesLocked() []Change {
	keys := slices.Sorted(maps.Keys(d.entries))
	out := make([]Change, 0, len(keys))
	for _, k := range keys {
		out = append(out, d.entries[k])
	}
	return out
}

type delivery struct {
	l   *link
	msg Message
}

type outbox []delivery

// send runs with no locks held; callbacks may re-enter the engine.
func (o outbox) send() {
	for _, dl := range o {
		dl.l.send(dl.msg)
	}
}
