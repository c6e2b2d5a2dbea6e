package dht

import (
	"bytes"
	"errors"
	"math/bits"
	"sort"
	"sync"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

const (
	// BucketCount is the keyspace width in bits (sha256 node IDs).
	BucketCount = 256
	// IDLength is the node/key ID size in bytes.
	IDLength = 32
	// K is the bucket capacity and the replication fan-out.
	K = 20
	// ALPHA is the number of parallel queries per lookup round.
	ALPHA = 3
)

type Bucket struct {
	nodes []*types.Node
	mu    sync.RWMutex
}

func (b *Bucket) addNode(node *types.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, n := range b.nodes {
		if bytes.Equal(n.ID, node.ID) {
			b.nodes[i] = node
			return nil
		}
	}

	if len(b.nodes) < K {
		b.nodes = append(b.nodes, node)
		return nil
	}

	return errors.New("bucket full")
}

func (b *Bucket) removeNode(nodeID []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, node := range b.nodes {
		if bytes.Equal(node.ID, nodeID) {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

func (b *Bucket) getNodes() []*types.Node {
	b.mu.RLock()
	defer b.mu.RUnlock()

	nodes := make([]*types.Node, len(b.nodes))
	copy(nodes, b.nodes)
	return nodes
}

type RoutingTable struct {
	buckets [BucketCount]*Bucket
	self    *types.Node
}

func NewRoutingTable(self *types.Node) *RoutingTable {
	rt := &RoutingTable{
		self: self,
	}

	for i := range rt.buckets {
		rt.buckets[i] = &Bucket{}
	}

	return rt
}

func (rt *RoutingTable) Self() *types.Node {
	return rt.self
}

func (rt *RoutingTable) AddNode(node *types.Node) error {
	if len(node.ID) != IDLength {
		return errors.New("malformed node ID")
	}
	if bytes.Equal(node.ID, rt.self.ID) {
		return errors.New("cannot add self to routing table")
	}

	bucketIndex := rt.getBucketIndex(node.ID)
	return rt.buckets[bucketIndex].addNode(node)
}

func (rt *RoutingTable) RemoveNode(nodeID []byte) {
	if len(nodeID) != IDLength {
		return
	}
	bucketIndex := rt.getBucketIndex(nodeID)
	rt.buckets[bucketIndex].removeNode(nodeID)
}

// GetClosestNodes returns up to count known nodes ordered by XOR distance
// to target.
func (rt *RoutingTable) GetClosestNodes(target []byte, count int) []*types.Node {
	all := make([]*types.Node, 0, count)
	for _, bucket := range rt.buckets {
		all = append(all, bucket.getNodes()...)
	}

	sort.Slice(all, func(i, j int) bool {
		return bytes.Compare(xorDistance(target, all[i].ID), xorDistance(target, all[j].ID)) < 0
	})

	if len(all) > count {
		all = all[:count]
	}
	return all
}

// NodeCount reports how many peers the table currently holds.
func (rt *RoutingTable) NodeCount() int {
	total := 0
	for _, bucket := range rt.buckets {
		bucket.mu.RLock()
		total += len(bucket.nodes)
		bucket.mu.RUnlock()
	}
	return total
}

func (rt *RoutingTable) getBucketIndex(nodeID []byte) int {
	distance := xorDistance(rt.self.ID, nodeID)

	for i := 0; i < len(distance); i++ {
		if distance[i] == 0 {
			continue
		}
		return i*8 + bits.LeadingZeros8(distance[i])
	}

	return BucketCount - 1
}

func xorDistance(a, b []byte) []byte {
	dist := make([]byte, len(a))
	for i := range a {
		if i >= len(b) {
			break
		}
		dist[i] = a[i] ^ b[i]
	}
	return dist
}
