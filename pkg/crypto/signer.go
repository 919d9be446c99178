package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

// Signer holds a principal's Ed25519 key pair and signs payloads and
// cancellation requests on their behalf.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh key pair.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromSeed reconstructs a signer from a 32-byte Ed25519 seed.
func NewSignerFromSeed(seed []byte, keyID string) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}, nil
}

// Address returns the principal address derived from the public key.
func (s *Signer) Address() contracts.Address {
	return DeriveAddress(s.pub)
}

// PublicKey returns the raw public key bytes.
func (s *Signer) PublicKey() []byte {
	return append([]byte(nil), s.pub...)
}

// PublicKeyHex returns the public key as hex.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Seed returns the 32-byte private seed, for keyset persistence.
func (s *Signer) Seed() []byte {
	return s.priv.Seed()
}

// SignPayload fills Initiator, PublicKey, and Signature on p. The payload
// hash in the instruction header must already be set.
func (s *Signer) SignPayload(p *contracts.SignedPayload) error {
	if err := p.Instruction.Validate(); err != nil {
		return fmt.Errorf("refusing to sign invalid instruction: %w", err)
	}
	p.Initiator = s.Address()
	p.PublicKey = s.PublicKey()
	digest := ExecDigest(p.Instruction.Header.PayloadHash, p.Nonce)
	p.Signature = ed25519.Sign(s.priv, digest[:])
	return nil
}

// SignCancellation fills Initiator, PublicKey, and Signature on req.
func (s *Signer) SignCancellation(req *contracts.CancellationRequest) {
	req.Initiator = s.Address()
	req.PublicKey = s.PublicKey()
	digest := CancelDigest(req.Initiator, req.Nonce)
	req.Signature = ed25519.Sign(s.priv, digest[:])
}
