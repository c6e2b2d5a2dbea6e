// pkg/network/rpc.go
package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/xtoazt/paper-sub000/pkg/dht"
	"github.com/xtoazt/paper-sub000/pkg/onion"
	"github.com/xtoazt/paper-sub000/pkg/protocol"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// Query satisfies dht.Querier: one lookup sub-protocol request, answered by
// the remote node's handler.
func (t *Transport) Query(ctx context.Context, node *types.Node, m *dht.Message) (*dht.Message, error) {
	content, err := dht.EncodeMessage(m)
	if err != nil {
		return nil, err
	}

	msg := protocol.NewMessage(protocol.DHTQuery, t.config.PublicKey, node.PublicKey, content)
	msg.ListeningPort = t.config.Port

	reply, err := t.Request(ctx, node, msg)
	if err != nil {
		return nil, err
	}
	if reply.Type != protocol.DHTReply {
		return nil, fmt.Errorf("network: unexpected reply type %d", reply.Type)
	}
	return dht.DecodeMessage(reply.Content)
}

// FindNode satisfies dht.NetworkFinder.
func (t *Transport) FindNode(ctx context.Context, target *types.Node, targetID []byte) ([]*types.Node, error) {
	reply, err := t.Query(ctx, target, &dht.Message{Type: dht.FindNode, TargetID: targetID})
	if err != nil {
		return nil, err
	}
	return reply.Neighbors, nil
}

// Roundtrip satisfies onion.Link: carry one cell to a relay and bring its
// reply cell back.
func (t *Transport) Roundtrip(ctx context.Context, node *types.Node, cell *onion.Cell) (*onion.Cell, error) {
	content, err := cell.Encode()
	if err != nil {
		return nil, err
	}

	msg := protocol.NewMessage(protocol.OnionCell, t.config.PublicKey, node.PublicKey, content)
	msg.ListeningPort = t.config.Port

	reply, err := t.Request(ctx, node, msg)
	if err != nil {
		return nil, err
	}
	if reply.Type != protocol.OnionCell {
		return nil, fmt.Errorf("network: unexpected reply type %d", reply.Type)
	}
	if len(reply.Content) == 0 {
		return nil, errors.New("network: relay refused the cell")
	}
	return onion.DecodeCell(reply.Content)
}

// ServeDHT wires a lookup handler into the transport.
func (t *Transport) ServeDHT(h *dht.MessageHandler) {
	t.RegisterHandler(protocol.DHTQuery, func(msg *protocol.Message) (*protocol.Message, error) {
		req, err := dht.DecodeMessage(msg.Content)
		if err != nil {
			return nil, err
		}
		resp, err := h.HandleMessage(context.Background(), req)
		if err != nil {
			return nil, err
		}
		content, err := dht.EncodeMessage(resp)
		if err != nil {
			return nil, err
		}
		return protocol.NewMessage(protocol.DHTReply, t.config.PublicKey, msg.Sender, content), nil
	})
}

// ServeOnion wires a relay into the transport.
func (t *Transport) ServeOnion(relay *onion.Relay) {
	t.RegisterHandler(protocol.OnionCell, func(msg *protocol.Message) (*protocol.Message, error) {
		cell, err := onion.DecodeCell(msg.Content)
		if err != nil {
			return nil, err
		}
		reply, err := relay.HandleCell(context.Background(), cell)
		if err != nil {
			return nil, err
		}
		content, err := reply.Encode()
		if err != nil {
			return nil, err
		}
		return protocol.NewMessage(protocol.OnionCell, t.config.PublicKey, msg.Sender, content), nil
	})
}
