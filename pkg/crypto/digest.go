// Package crypto implements the signing scheme of the mandate protocol:
// Ed25519 keys, sha256-derived principal addresses, and domain-separated
// SHA3-256 signing digests.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"golang.org/x/crypto/sha3"
)

// ExecDigest is the message a principal signs to authorize execution of a
// payload under a given nonce.
func ExecDigest(payloadHash contracts.Hash, nonce uint64) [32]byte {
	h := sha3.New256()
	h.Write([]byte(contracts.ExecDomainTag))
	h.Write(payloadHash[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// CancelDigest is the message a principal signs to authorize incrementing
// their nonce. Binding the current nonce makes the request single-use.
func CancelDigest(initiator contracts.Address, nonce uint64) [32]byte {
	h := sha3.New256()
	h.Write([]byte(contracts.CancelDomainTag))
	h.Write(initiator[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	h.Write(n[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// DeriveAddress maps an Ed25519 public key to its principal address:
// the last 20 bytes of sha256(pubkey).
func DeriveAddress(pub ed25519.PublicKey) contracts.Address {
	sum := sha256.Sum256(pub)
	var a contracts.Address
	copy(a[:], sum[32-contracts.AddressLen:])
	return a
}
