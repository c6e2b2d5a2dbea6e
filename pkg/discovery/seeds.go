// pkg/discovery/seeds.go
package discovery

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net"
	"strings"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

// ParseSeed turns a static seed of the form <hex public key>@<host:port>
// into a node.
func ParseSeed(seed string) (*types.Node, error) {
	at := strings.IndexByte(seed, '@')
	if at < 0 {
		return nil, fmt.Errorf("discovery: seed %q missing key@address separator", seed)
	}

	pk, err := hex.DecodeString(seed[:at])
	if err != nil || len(pk) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("discovery: seed %q has an invalid public key", seed)
	}

	addr, err := net.ResolveTCPAddr("tcp", seed[at+1:])
	if err != nil {
		return nil, fmt.Errorf("discovery: seed %q has an invalid address: %w", seed, err)
	}

	return types.NewNode(ed25519.PublicKey(pk), addr), nil
}

// AddSeeds loads static seeds into the registry, skipping malformed entries,
// and reports how many were accepted.
func (r *Registry) AddSeeds(seeds []string) (int, error) {
	added := 0
	var firstErr error
	for _, seed := range seeds {
		seed = strings.TrimSpace(seed)
		if seed == "" {
			continue
		}
		node, err := ParseSeed(seed)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		r.Add(node)
		added++
	}
	return added, firstErr
}
