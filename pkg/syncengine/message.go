package syncengine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Version orders writes to one key. Lamport is a logical clock; Actor
// breaks ties.
type Version struct {
	Lamport uint64 `json:"l"`
	Actor   string `json:"a"`
}

// Newer reports whether v supersedes o.
func (v Version) Newer(o Version) bool {
	if v.Lamport != o.Lamport {
		return v.Lamport > o.Lamport
	}
	return v.Actor > o.Actor
}

// Change is one write (or tombstone) of one key.
type Change struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Version Version         `json:"version"`
}

// Message is the unit exchanged between links. When Sync is set, Have is
// the sender's complete digest and the receiver answers with what the
// sender lacks.
type Message struct {
	DocID   string             `json:"docId"`
	Sync    bool               `json:"sync,omitempty"`
	Have    map[string]Version `json:"have,omitempty"`
	Changes []Change           `json:"changes,omitempty"`
}

var ErrInvalidMessage = errors.New("syncengine: invalid message")

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.DocID == "" {
		return Message{}, fmt.Errorf("%w: missing docId", ErrInvalidMessage)
	}
	for _, c := range m.Changes {
		if c.Key == "" {
			return Message{}, fmt.Errorf("%w: change without key", ErrInvalidMessage)
		}
	}
	return m, nil
}

func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}
