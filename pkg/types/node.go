// pkg/types/node.go
package types

import (
	"crypto/ed25519"
	"crypto/sha256"
	"net"
	"time"

	"github.com/mr-tron/base58"
)

// Node identifies one relay peer on the network.
type Node struct {
	ID        []byte            `json:"id"`
	PublicKey ed25519.PublicKey `json:"publicKey"`
	Address   *net.TCPAddr      `json:"address"`
	LastSeen  time.Time         `json:"lastSeen"`
}

func NewNode(publicKey ed25519.PublicKey, addr *net.TCPAddr) *Node {
	// Node ID is the SHA-256 hash of the public key
	var hash [32]byte
	if publicKey != nil {
		hash = sha256.Sum256(publicKey)
	}
	return &Node{
		ID:        hash[:],
		PublicKey: publicKey,
		Address:   addr,
		LastSeen:  time.Now(),
	}
}

// ShortID renders the node ID in base58 for logs and discovery TXT records.
func (n *Node) ShortID() string {
	if len(n.ID) == 0 {
		return ""
	}
	return base58.Encode(n.ID)
}
