// pkg/dht/node_test.go
package dht

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

func testNode(t *testing.T, port int) *types.Node {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: port}
	return types.NewNode(pub, addr)
}

func TestNewNode(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8000}

	node := types.NewNode(pub, addr)

	if node == nil {
		t.Fatal("NewNode returned nil")
	}

	if len(node.ID) != IDLength {
		t.Errorf("Expected node ID length %d, got %d", IDLength, len(node.ID))
	}

	if node.Address.String() != addr.String() {
		t.Errorf("Expected address %s, got %s", addr, node.Address)
	}
}

func TestBucketOperations(t *testing.T) {
	bucket := &Bucket{}

	nodes := make([]*types.Node, K+1)
	for i := range nodes {
		nodes[i] = testNode(t, 8000+i)
	}

	for i := 0; i < K; i++ {
		if err := bucket.addNode(nodes[i]); err != nil {
			t.Errorf("Failed to add node %d: %v", i, err)
		}
	}

	// Bucket full condition
	if err := bucket.addNode(nodes[K]); err == nil {
		t.Error("Expected error when adding node to full bucket")
	}

	// Re-adding a known node replaces it instead of erroring
	if err := bucket.addNode(nodes[0]); err != nil {
		t.Errorf("Re-adding known node failed: %v", err)
	}

	bucket.removeNode(nodes[0].ID)
	if len(bucket.nodes) != K-1 {
		t.Errorf("Expected %d nodes after removal, got %d", K-1, len(bucket.nodes))
	}
}

func TestRoutingTableOperations(t *testing.T) {
	self := testNode(t, 8000)
	rt := NewRoutingTable(self)

	if err := rt.AddNode(self); err == nil {
		t.Error("Expected error when adding self")
	}

	// Add nodes with random IDs for distribution across buckets
	for i := 0; i < 50; i++ {
		id := make([]byte, IDLength)
		rand.Read(id)

		pub, _, _ := ed25519.GenerateKey(nil)
		addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 8001 + i}
		node := &types.Node{
			ID:        id,
			PublicKey: pub,
			Address:   addr,
			LastSeen:  time.Now().UTC(),
		}

		if err := rt.AddNode(node); err != nil {
			t.Logf("Info: Failed to add node %d: %v", i, err)
		}
	}

	if rt.NodeCount() == 0 {
		t.Fatal("Expected nodes in the routing table")
	}

	target := make([]byte, IDLength)
	rand.Read(target)
	closest := rt.GetClosestNodes(target, K)

	if len(closest) > K {
		t.Errorf("Expected at most %d closest nodes, got %d", K, len(closest))
	}

	// Results come back ordered by XOR distance
	for i := 1; i < len(closest); i++ {
		prev := xorDistance(target, closest[i-1].ID)
		cur := xorDistance(target, closest[i].ID)
		if bytes.Compare(prev, cur) > 0 {
			t.Errorf("Node %d is closer than node %d", i, i-1)
		}
	}

	// Bucket distribution
	bucketCounts := make(map[int]int)
	for i := range rt.buckets {
		count := len(rt.buckets[i].nodes)
		if count > 0 {
			bucketCounts[i] = count
		}
	}

	if len(bucketCounts) < 2 {
		t.Error("Expected nodes to be distributed across multiple buckets")
	}
}

func TestRemoveNode(t *testing.T) {
	self := testNode(t, 8000)
	rt := NewRoutingTable(self)

	node := testNode(t, 8001)
	if err := rt.AddNode(node); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if rt.NodeCount() != 1 {
		t.Fatalf("Expected 1 node, got %d", rt.NodeCount())
	}

	rt.RemoveNode(node.ID)
	if rt.NodeCount() != 0 {
		t.Errorf("Expected empty table after removal, got %d", rt.NodeCount())
	}
}
