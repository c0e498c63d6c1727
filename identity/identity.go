// Package identity implements the protocol identities that callers and
// account rows are keyed by.
//
// An identity is an opaque 32-byte value. For accounts synchronized from the
// external identity provider, the identity is derived deterministically from
// the OIDC issuer URL and the membership number, so the same account always
// maps to the same identity without coordination between the sync path and
// the login path.
package identity

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Identity is an opaque caller/account identity.
type Identity [32]byte

// Zero is the anonymous identity, used for unauthenticated callers. It is
// never an admin and never matches an account row.
var Zero Identity

// FromClaims derives the identity for a token subject at an issuer. The
// derivation is a keyed-less blake2b-256 over the issuer and subject with a
// separator that cannot occur in a URL, so distinct (issuer, subject) pairs
// cannot collide by concatenation.
func FromClaims(issuer, subject string) Identity {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for invalid key sizes, and we pass no key.
		panic(fmt.Sprintf("blake2b: %v", err))
	}
	h.Write([]byte(issuer))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	var id Identity
	h.Sum(id[:0])
	return id
}

// ParseHex parses a 64-character hex string into an Identity.
func ParseHex(s string) (Identity, error) {
	var id Identity
	if len(s) != 2*len(id) {
		return Identity{}, fmt.Errorf("identity must be %d hex chars, got %d", 2*len(id), len(s))
	}
	buf, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing identity: %v", err)
	}
	copy(id[:], buf)
	return id, nil
}

// String returns the lower-case hex form.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns whether id is the anonymous identity.
func (id Identity) IsZero() bool {
	return id == Zero
}
