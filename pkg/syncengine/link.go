package syncengine

import "maps"

// Link connects a Doc to one remote party. Outgoing messages are handed to
// the callback given at construction, always without engine locks held.
type Link interface {
	// Open attaches the link to its document and starts the handshake.
	Open()
	// Close detaches the link; later calls on it are no-ops.
	Close()
	// ReceiveMessage merges a message from the remote party. Messages for
	// another document are ignored.
	ReceiveMessage(Message)
}

// Engine creates links. The relay is written against this interface so
// another CRDT engine can be plugged in.
type Engine interface {
	NewLink(doc *Doc, onOutgoing func(Message)) Link
}

type lwwEngine struct{}

func (lwwEngine) NewLink(doc *Doc, onOutgoing func(Message)) Link {
	return NewLink(doc, onOutgoing)
}

// Default is the last-writer-wins engine.
var Default Engine = lwwEngine{}

type link struct {
	doc  *Doc
	send func(Message)

	// guarded by doc.mu
	closed bool
	theirs map[string]Version
}

func NewLink(doc *Doc, onOutgoing func(Message)) Link {
	return &link{
		doc:    doc,
		send:   onOutgoing,
		theirs: make(map[string]Version),
	}
}

func (l *link) Open() {
	d := l.doc
	d.mu.Lock()
	if l.closed {
		d.mu.Unlock()
		return
	}
	d.links[l] = struct{}{}
	msg := Message{DocID: d.id, Sync: true, Have: d.digestLocked()}
	d.mu.Unlock()
	l.send(msg)
}

func (l *link) Close() {
	d := l.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	l.closed = true
	delete(d.links, l)
}

func (l *link) ReceiveMessage(m Message) {
	d := l.doc
	if m.DocID != d.id {
		return
	}

	d.mu.Lock()
	if l.closed {
		d.mu.Unlock()
		return
	}
	if m.Sync {
		// A digest is authoritative; it also corrects what we assumed the
		// remote side received from messages that were lost.
		l.theirs = maps.Clone(m.Have)
		if l.theirs == nil {
			l.theirs = make(map[string]Version)
		}
	}
	for _, c := range m.Changes {
		l.learn(c.Key, c.Version)
	}

	out := d.fanoutLocked(d.applyLocked(m.Changes))

	var reply *Message
	missing := l.unknown(d.sortedEntriesLocked())
	ahead := m.Sync && l.aheadOf(d)
	if len(missing) > 0 || ahead {
		reply = &Message{DocID: d.id, Changes: missing}
		if ahead {
			reply.Sync = true
			reply.Have = d.digestLocked()
		}
	}
	d.mu.Unlock()

	out.send()
	if reply != nil {
		l.send(*reply)
	}
}

// unknown returns the changes the remote side is not known to have and
// records them as known. Called with doc.mu held.
func (l *link) unknown(changes []Change) []Change {
	if l.closed {
		return nil
	}
	var out []Change
	for _, c := range changes {
		if v, ok := l.theirs[c.Key]; ok && !c.Version.Newer(v) {
			continue
		}
		l.theirs[c.Key] = c.Version
		out = append(out, c)
	}
	return out
}

func (l *link) learn(key string, v Version) {
	if cur, ok := l.theirs[key]; !ok || v.Newer(cur) {
		l.theirs[key] = v
	}
}

// aheadOf reports whether the remote side holds a version d lacks.
func (l *link) aheadOf(d *Doc) bool {
	for k, v := range l.theirs {
		cur, ok := d.entries[k]
		if !ok || v.Newer(cur.Version) {
			return true
		}
	}
	return false
}
