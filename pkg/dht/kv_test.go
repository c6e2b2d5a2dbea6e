// pkg/dht/kv_test.go
package dht

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// loopNet dispatches queries straight to the target node's handler, standing
// in for the TCP transport.
type loopNet struct {
	handlers map[string]*MessageHandler
}

func newLoopNet() *loopNet {
	return &loopNet{handlers: make(map[string]*MessageHandler)}
}

func (l *loopNet) add(node *types.Node, h *MessageHandler) {
	l.handlers[string(node.ID)] = h
}

func (l *loopNet) FindNode(ctx context.Context, target *types.Node, targetID []byte) ([]*types.Node, error) {
	reply, err := l.Query(ctx, target, &Message{Type: FindNode, TargetID: targetID})
	if err != nil {
		return nil, err
	}
	return reply.Neighbors, nil
}

func (l *loopNet) Query(ctx context.Context, node *types.Node, msg *Message) (*Message, error) {
	h, ok := l.handlers[string(node.ID)]
	if !ok {
		return nil, errors.New("unreachable")
	}
	return h.HandleMessage(ctx, msg)
}

// twoNodeNetwork wires two nodes that know about each other.
func twoNodeNetwork(t *testing.T) (*Client, *mockStorage, *mockStorage) {
	t.Helper()
	net := newLoopNet()

	nodeA := testNode(t, 9000)
	nodeB := testNode(t, 9001)

	dhtA := NewDHT(nodeA, net, nil)
	dhtB := NewDHT(nodeB, net, nil)

	storageA := newMockStorage()
	storageB := newMockStorage()

	net.add(nodeA, NewMessageHandler(dhtA, storageA))
	net.add(nodeB, NewMessageHandler(dhtB, storageB))

	if err := dhtA.routingTable.AddNode(nodeB); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if err := dhtB.routingTable.AddNode(nodeA); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}

	return NewClient(dhtA, net, storageA, nil), storageA, storageB
}

func TestClientPutReplicates(t *testing.T) {
	client, storageA, storageB := twoNodeNetwork(t)

	key := crypto.Hash([]byte("example.paper"))
	value := []byte("record payload")

	if err := client.Put(context.Background(), key, value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if got, ok := storageA.data[string(key)]; !ok || !bytes.Equal(got, value) {
		t.Error("Expected the value in local storage")
	}
	if got, ok := storageB.data[string(key)]; !ok || !bytes.Equal(got, value) {
		t.Error("Expected the value replicated to the remote node")
	}
}

func TestClientGetWalksToValue(t *testing.T) {
	client, storageA, storageB := twoNodeNetwork(t)

	key := crypto.Hash([]byte("remote-only.paper"))
	value := []byte("remote payload")
	storageB.data[string(key)] = value

	got, err := client.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Expected %q, got %q", value, got)
	}

	// A second get is served from the local cache
	if _, ok := storageA.data[string(key)]; !ok {
		t.Error("Expected the fetched value cached locally")
	}
}

func TestClientGetMiss(t *testing.T) {
	client, _, _ := twoNodeNetwork(t)

	key := crypto.Hash([]byte("nowhere.paper"))
	if _, err := client.Get(context.Background(), key); !errors.Is(err, ErrValueNotFound) {
		t.Errorf("Expected ErrValueNotFound, got %v", err)
	}
}

func TestClientRejectsShortKey(t *testing.T) {
	client, _, _ := twoNodeNetwork(t)

	if err := client.Put(context.Background(), []byte("short"), []byte("v")); err == nil {
		t.Error("Expected error for malformed key")
	}
	if _, err := client.Get(context.Background(), []byte("short")); err == nil {
		t.Error("Expected error for malformed key")
	}
}
