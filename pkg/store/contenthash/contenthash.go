// Package contenthash provides a concrete HashProvider for operation
// header bytes, built on go-ethereum's Keccak256 — the teacher's own
// hash primitive, repurposed here from its original on-chain role.
// cmd/dcgka-node's sync command passes Hash as logsync.Options.HashHeader;
// the package tests hash with sha256 instead. Signing itself stays out of
// scope; Signer is a collaborator interface production callers supply.
package contenthash

import (
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/p2panda/dcgka-core/pkg/store"
)

// Hash returns the Keccak256 digest of headerBytes. Byte-exactness of
// headerBytes, not of this function, is what makes the result
// reproducible across peers.
func Hash(headerBytes []byte) store.Hash {
	var h store.Hash
	copy(h[:], crypto.Keccak256(headerBytes))
	return h
}

// Signer is the signing collaborator the store and DCGKA operations
// presume but do not implement themselves (spec's Signer/HashProvider
// boundary). Production deployments supply their own.
type Signer interface {
	Sign(message []byte) (signature []byte, err error)
	Verify(message, signature []byte, publicKey []byte) (bool, error)
}
