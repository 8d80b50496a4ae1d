// Package protocol defines the message envelope shared by the websocket
// transport and the cross-process relay, and the per-document sync session
// that runs the handshake over it.
package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var ErrMalformedMessage = errors.New("malformed message")

type MessageType uint8

const (
	MessageSyncStep1 MessageType = iota + 1
	MessageSyncStep2
	MessageUpdate
	MessageAwareness
	MessageQueryAwareness
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync_step1"
	case MessageSyncStep2:
		return "sync_step2"
	case MessageUpdate:
		return "update"
	case MessageAwareness:
		return "awareness"
	case MessageQueryAwareness:
		return "query_awareness"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Collab types name the kind of document a message is about.
const (
	CollabDocument = "document"
	CollabDatabase = "database"
	CollabRow      = "database_row"
	CollabFolder   = "folder"
)

// Message is the envelope. Payload is a state summary, an update or an
// awareness update depending on Type and is never inspected here.
type Message struct {
	CollabType string      `cbor:"1,keyasint"`
	DocumentID string      `cbor:"2,keyasint"`
	Type       MessageType `cbor:"3,keyasint"`
	Payload    []byte      `cbor:"4,keyasint,omitempty"`
}

func (m Message) Encode() []byte {
	data, err := cbor.Marshal(m)
	if err != nil {
		// strings, an integer and a byte string always encode
		panic(err)
	}
	return data
}

// Decode parses and validates an envelope.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.DocumentID == "" {
		return Message{}, fmt.Errorf("%w: missing document id", ErrMalformedMessage)
	}
	if m.Type < MessageSyncStep1 || m.Type > MessageQueryAwareness {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformedMessage, m.Type)
	}
	return m, nil
}
