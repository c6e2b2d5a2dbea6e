// pkg/dht/message.go
package dht

import (
	"encoding/json"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

type MessageType uint8

const (
	FindNode MessageType = iota
	Store
	FindValue
	Ping
)

// Message is the lookup sub-protocol payload. It travels as JSON inside the
// transport envelope's content field.
type Message struct {
	Type      MessageType   `json:"type"`
	Sender    *types.Node   `json:"sender,omitempty"`
	TargetID  []byte        `json:"targetId,omitempty"`
	Value     []byte        `json:"value,omitempty"`
	Neighbors []*types.Node `json:"neighbors,omitempty"`
}

func EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func DecodeMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
