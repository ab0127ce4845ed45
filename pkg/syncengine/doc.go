// Package syncengine defines the contract the relay needs from a CRDT sync
// engine and ships a default engine: a JSON map whose keys converge by
// last-writer-wins on (lamport, actor).
//
// A Link connects one Doc to one remote party. Every message carries the
// document id, so one transport channel can multiplex many documents. Links
// exchange per-key version digests and reply with whatever the other side
// is missing, which makes the protocol tolerant to lost, duplicated and
// reordered messages: merges are idempotent and commutative, and the next
// digest exchange repairs any loss.
package syncengine
