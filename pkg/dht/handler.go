// pkg/dht/handler.go
package dht

import (
	"context"
	"errors"
)

// Storage is the local key/value backend the handler answers from.
type Storage interface {
	Store(key []byte, value []byte) error
	Retrieve(key []byte) ([]byte, error)
}

// MessageHandler answers lookup sub-protocol requests from remote nodes.
type MessageHandler struct {
	dht     *DHT
	storage Storage
}

func NewMessageHandler(dht *DHT, storage Storage) *MessageHandler {
	return &MessageHandler{
		dht:     dht,
		storage: storage,
	}
}

func (h *MessageHandler) HandleMessage(ctx context.Context, msg *Message) (*Message, error) {
	if msg.Sender != nil {
		h.dht.routingTable.AddNode(msg.Sender)
	}

	switch msg.Type {
	case FindNode:
		return h.handleFindNode(msg)
	case Store:
		return h.handleStore(msg)
	case FindValue:
		return h.handleFindValue(msg)
	case Ping:
		return h.handlePing(msg)
	default:
		return nil, errors.New("unknown message type")
	}
}

func (h *MessageHandler) handleFindNode(msg *Message) (*Message, error) {
	if len(msg.TargetID) == 0 {
		return nil, errors.New("target ID is required for FindNode")
	}

	closest := h.dht.routingTable.GetClosestNodes(msg.TargetID, K)

	response := &Message{
		Type:      FindNode,
		Sender:    h.dht.routingTable.self,
		Neighbors: closest,
	}

	return response, nil
}

func (h *MessageHandler) handleStore(msg *Message) (*Message, error) {
	if len(msg.TargetID) == 0 {
		return nil, errors.New("key is required for Store")
	}
	if len(msg.Value) == 0 {
		return nil, errors.New("value is required for Store")
	}

	if err := h.storage.Store(msg.TargetID, msg.Value); err != nil {
		return nil, err
	}

	response := &Message{
		Type:   Store,
		Sender: h.dht.routingTable.self,
	}

	return response, nil
}

func (h *MessageHandler) handleFindValue(msg *Message) (*Message, error) {
	if len(msg.TargetID) == 0 {
		return nil, errors.New("key is required for FindValue")
	}

	value, err := h.storage.Retrieve(msg.TargetID)

	response := &Message{
		Type:   FindValue,
		Sender: h.dht.routingTable.self,
	}

	if err == nil {
		response.Value = value
	} else {
		// Value not found, return closest nodes instead
		response.Neighbors = h.dht.routingTable.GetClosestNodes(msg.TargetID, K)
	}

	return response, nil
}

func (h *MessageHandler) handlePing(msg *Message) (*Message, error) {
	response := &Message{
		Type:   Ping,
		Sender: h.dht.routingTable.self,
	}

	return response, nil
}
