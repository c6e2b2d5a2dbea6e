// pkg/dht/dht.go
package dht

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

// lookupRounds bounds how many times a lookup widens its shortlist before
// settling for what it has.
const lookupRounds = 3

// NetworkFinder issues a FindNode query to one remote node.
type NetworkFinder interface {
	FindNode(ctx context.Context, target *types.Node, targetID []byte) ([]*types.Node, error)
}

type DHT struct {
	routingTable *RoutingTable
	network      NetworkFinder
	log          *logrus.Entry
}

func NewDHT(self *types.Node, network NetworkFinder, logger *logrus.Logger) *DHT {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DHT{
		routingTable: NewRoutingTable(self),
		network:      network,
		log:          logger.WithField("component", "dht"),
	}
}

func (dht *DHT) RoutingTable() *RoutingTable {
	return dht.routingTable
}

// Bootstrap seeds the routing table and runs lookups against our own ID and
// random targets to spread it out. An empty seed list is not an error; the
// first node of a network starts alone.
func (dht *DHT) Bootstrap(ctx context.Context, seeds []*types.Node) {
	added := 0
	for _, node := range seeds {
		if err := dht.routingTable.AddNode(node); err != nil {
			continue
		}
		added++
	}
	if added == 0 {
		dht.log.Info("starting with an empty routing table")
		return
	}

	if _, err := dht.FindNode(ctx, dht.routingTable.self.ID); err != nil {
		dht.log.WithError(err).Debug("self lookup during bootstrap failed")
	}
	for i := 0; i < 2; i++ {
		target := make([]byte, IDLength)
		rand.Read(target)
		dht.FindNode(ctx, target)
	}
}

// FindNode runs an iterative lookup: each round queries the ALPHA closest
// unvisited nodes, merges their neighbors into the shortlist, and stops when
// the rounds are spent or nothing new turns up. Every node learned along the
// way lands in the routing table.
func (dht *DHT) FindNode(ctx context.Context, targetID []byte) ([]*types.Node, error) {
	shortlist := dht.routingTable.GetClosestNodes(targetID, K)
	if len(shortlist) == 0 {
		return nil, errors.New("no nodes available")
	}

	visited := make(map[string]bool)
	for round := 0; round < lookupRounds; round++ {
		batch := make([]*types.Node, 0, ALPHA)
		for _, node := range shortlist {
			if visited[string(node.ID)] || bytes.Equal(node.ID, dht.routingTable.self.ID) {
				continue
			}
			batch = append(batch, node)
			if len(batch) == ALPHA {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		var (
			mu    sync.Mutex
			wg    sync.WaitGroup
			found []*types.Node
		)
		for _, node := range batch {
			visited[string(node.ID)] = true
			wg.Add(1)
			go func(n *types.Node) {
				defer wg.Done()
				neighbors, err := dht.network.FindNode(ctx, n, targetID)
				if err != nil {
					dht.log.WithError(err).Debugf("lookup query to %s failed", n.ShortID())
					return
				}
				mu.Lock()
				found = append(found, neighbors...)
				mu.Unlock()
			}(node)
		}
		wg.Wait()

		for _, node := range found {
			dht.routingTable.AddNode(node)
		}
		shortlist = mergeClosest(targetID, shortlist, found, K)

		if ctx.Err() != nil {
			return shortlist, ctx.Err()
		}
	}

	return shortlist, nil
}

// mergeClosest combines two node lists, drops duplicates, and keeps the count
// nodes closest to target.
func mergeClosest(target []byte, a, b []*types.Node, count int) []*types.Node {
	seen := make(map[string]bool, len(a)+len(b))
	merged := make([]*types.Node, 0, len(a)+len(b))
	for _, node := range append(a, b...) {
		if node == nil || seen[string(node.ID)] {
			continue
		}
		seen[string(node.ID)] = true
		merged = append(merged, node)
	}

	sort.Slice(merged, func(i, j int) bool {
		return bytes.Compare(xorDistance(target, merged[i].ID), xorDistance(target, merged[j].ID)) < 0
	})
	if len(merged) > count {
		merged = merged[:count]
	}
	return merged
}
