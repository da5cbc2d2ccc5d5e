// This package defines the identity key type used throughout session-core. Identities
// are hex-encoded x25519 public keys carrying a two-character network prefix.
package pubkey

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// PrefixStandard marks a key routable on the swarm network.
	PrefixStandard = "05"
	// PrefixBlinded marks a key blinded for an open group server.
	PrefixBlinded = "15"

	// Length of a prefixed key in hex characters.
	PrefixedLen = 66
	// Length of a bare key in hex characters.
	BareLen = 64
)

// Strip removes the network prefix from a key, returning the canonical
// conversation identity. Keys without a recognized prefix are returned as-is.
func Strip(key string) string {
	if len(key) == PrefixedLen && hasKnownPrefix(key) {
		return key[2:]
	}
	return key
}

// Valid reports whether key is a well-formed identity, prefixed or bare.
func Valid(key string) bool {
	switch len(key) {
	case PrefixedLen:
		if !hasKnownPrefix(key) {
			return false
		}
		key = key[2:]
	case BareLen:
	default:
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// Parse strips and validates in one step.
func Parse(key string) (string, error) {
	if !Valid(key) {
		return "", fmt.Errorf("pubkey: malformed key %q", key)
	}
	return Strip(key), nil
}

// Equal compares two keys modulo their network prefix.
func Equal(a, b string) bool {
	return Strip(a) == Strip(b)
}

func hasKnownPrefix(key string) bool {
	return strings.HasPrefix(key, PrefixStandard) || strings.HasPrefix(key, PrefixBlinded)
}
