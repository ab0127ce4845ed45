package gossip

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedMessage is returned for payloads that do not decode into one
// of the known message shapes.
var ErrMalformedMessage = errors.New("gossip: malformed message")

// NodeID identifies one relay process for its lifetime.
type NodeID string

func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

func (id NodeID) String() string { return string(id) }

type Status string

const (
	StatusOn  Status = "ON"
	StatusOff Status = "OFF"
)

func (s Status) Valid() bool {
	return s == StatusOn || s == StatusOff
}

// Announcement is broadcast to every node when local interest in a document
// starts (ON) or ends (OFF).
type Announcement struct {
	FromNodeID NodeID `json:"fromNodeId"`
	DocID      string `json:"docId"`
	Status     Status `json:"status"`
}

// Envelope carries one opaque sync message to a single peer's mailbox.
type Envelope struct {
	FromNodeID NodeID          `json:"fromNodeId"`
	DocID      string          `json:"docId"`
	Message    json.RawMessage `json:"message"`
}

func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a)
}

func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return Announcement{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := a.validate(); err != nil {
		return Announcement{}, err
	}
	return a, nil
}

func (a Announcement) validate() error {
	switch {
	case a.FromNodeID == "":
		return fmt.Errorf("%w: missing fromNodeId", ErrMalformedMessage)
	case a.DocID == "":
		return fmt.Errorf("%w: missing docId", ErrMalformedMessage)
	case !a.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrMalformedMessage, a.Status)
	}
	return nil
}

func EncodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func (e Envelope) validate() error {
	switch {
	case e.FromNodeID == "":
		return fmt.Errorf("%w: missing fromNodeId", ErrMalformedMessage)
	case e.DocID == "":
		return fmt.Errorf("%w: missing docId", ErrMalformedMessage)
	case len(e.Message) == 0 || string(e.Message) == "null":
		return fmt.Errorf("%w: missing message", ErrMalformedMessage)
	}
	return nil
}
