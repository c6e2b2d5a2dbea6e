// pkg/dht/kv.go
package dht

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ErrValueNotFound reports that no queried node held the key.
var ErrValueNotFound = errors.New("dht: value not found")

// Querier sends one lookup sub-protocol request to a remote node and waits
// for its reply.
type Querier interface {
	Query(ctx context.Context, node *types.Node, msg *Message) (*Message, error)
}

// Client replicates key/value pairs across the nodes closest to each key.
// Writes land locally first; the network push is best effort.
type Client struct {
	dht   *DHT
	rpc   Querier
	local Storage
	log   *logrus.Entry
}

func NewClient(dht *DHT, rpc Querier, local Storage, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		dht:   dht,
		rpc:   rpc,
		local: local,
		log:   logger.WithField("component", "dht"),
	}
}

// Put stores the value locally and replicates it to the K nodes closest to
// key. Remote failures only log; the local copy is the durability floor.
func (c *Client) Put(ctx context.Context, key, value []byte) error {
	if len(key) != IDLength {
		return errors.New("dht: key must be a 32-byte digest")
	}
	if err := c.local.Store(key, value); err != nil {
		return err
	}

	targets, err := c.dht.FindNode(ctx, key)
	if err != nil {
		c.log.WithError(err).Debug("no replication targets for put")
		return nil
	}

	var wg sync.WaitGroup
	for _, node := range targets {
		if bytes.Equal(node.ID, c.dht.routingTable.self.ID) {
			continue
		}
		wg.Add(1)
		go func(n *types.Node) {
			defer wg.Done()
			req := &Message{
				Type:     Store,
				Sender:   c.dht.routingTable.self,
				TargetID: key,
				Value:    value,
			}
			if _, err := c.rpc.Query(ctx, n, req); err != nil {
				c.log.WithError(err).Debugf("store on %s failed", n.ShortID())
			}
		}(node)
	}
	wg.Wait()
	return nil
}

// Delete drops the local copy of key only. There is no remote delete;
// replicas on other nodes age out via record TTLs.
func (c *Client) Delete(ctx context.Context, key []byte) error {
	if len(key) != IDLength {
		return errors.New("dht: key must be a 32-byte digest")
	}
	if d, ok := c.local.(interface{ Delete(key []byte) }); ok {
		d.Delete(key)
	}
	return nil
}

// Get returns the value for key, from local storage when present, otherwise
// by walking toward the key and asking each hop for the value.
func (c *Client) Get(ctx context.Context, key []byte) ([]byte, error) {
	if len(key) != IDLength {
		return nil, errors.New("dht: key must be a 32-byte digest")
	}
	if value, err := c.local.Retrieve(key); err == nil {
		return value, nil
	}

	candidates := c.dht.routingTable.GetClosestNodes(key, ALPHA)
	visited := make(map[string]bool)

	for round := 0; round < lookupRounds && len(candidates) > 0; round++ {
		var next []*types.Node
		for _, node := range candidates {
			if visited[string(node.ID)] {
				continue
			}
			visited[string(node.ID)] = true

			req := &Message{
				Type:     FindValue,
				Sender:   c.dht.routingTable.self,
				TargetID: key,
			}
			reply, err := c.rpc.Query(ctx, node, req)
			if err != nil {
				c.log.WithError(err).Debugf("find value on %s failed", node.ShortID())
				continue
			}
			if len(reply.Value) > 0 {
				// Cache it so the next hit is local.
				c.local.Store(key, reply.Value)
				return reply.Value, nil
			}
			next = append(next, reply.Neighbors...)

			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		candidates = mergeClosest(key, nil, next, ALPHA)
	}

	return nil, ErrValueNotFound
}
