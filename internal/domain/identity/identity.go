// Package identity defines the opaque ledger address used to identify
// patients and providers. An address is derived from a public key and
// carries no other meaning; two addresses are equal only when byte-equal.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// AddressLen is the length of a ledger address in hex characters
// (20 bytes of the SHA-256 digest of the public key).
const AddressLen = 40

var ErrInvalidAddress = errors.New("invalid ledger address")

// ID is an opaque, immutable ledger address.
type ID string

// Parse validates s as a ledger address and returns it as an ID.
func Parse(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != AddressLen {
		return "", ErrInvalidAddress
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", ErrInvalidAddress
	}
	return ID(s), nil
}

// FromPublicKey derives the ledger address for a public key.
func FromPublicKey(pub []byte) ID {
	sum := sha256.Sum256(pub)
	return ID(hex.EncodeToString(sum[:AddressLen/2]))
}

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id == "" }
