// pkg/pkarr/name.go
package pkarr

import (
	"crypto/ed25519"
	"encoding/base32"
	"regexp"
	"strings"

	"github.com/xtoazt/paper-sub000/pkg/crypto"
)

// TLD is the pseudo top-level domain every name ends with.
const TLD = "paper"

// Self-certifying names are the base32 form of a truncated key hash:
// ^[a-z2-7]{16,64}\.paper$. Human-registered names use a looser label.
var (
	selfCertifyingRe = regexp.MustCompile(`^[a-z2-7]{16,64}\.` + TLD + `$`)
	nameRe           = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}\.` + TLD + `$`)
)

var nameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NameFromPublicKey derives the self-certifying name for a key:
// lowercase unpadded base32 of sha256(publicKey)[0:16], plus the TLD.
// The same key always yields the same name.
func NameFromPublicKey(publicKey ed25519.PublicKey) string {
	digest := crypto.Hash(publicKey)
	label := strings.ToLower(nameEncoding.EncodeToString(digest[:16]))
	return label + "." + TLD
}

// IsSelfCertifying reports whether name has the derived-from-a-key shape.
// Shape alone does not prove certification; Resolve still re-derives the
// name from the record's owner key.
func IsSelfCertifying(name string) bool {
	return selfCertifyingRe.MatchString(name)
}

// ValidName accepts both self-certifying and human-registered names.
func ValidName(name string) bool {
	return nameRe.MatchString(name) || selfCertifyingRe.MatchString(name)
}

// StorageKey maps a name to its 32-byte key/value network key.
func StorageKey(name string) []byte {
	return crypto.Hash([]byte(name))
}
