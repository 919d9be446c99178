package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
)

// Authorization errors. Always fatal: a payload failing any of these checks
// is rejected with zero economic effect.
var (
	ErrBadSignature    = errors.New("signature verification failed")
	ErrAddressMismatch = errors.New("initiator does not derive from public key")
	ErrBadPublicKey    = errors.New("malformed public key")
)

// VerifyPayload checks a submitted payload's authorization: the instruction
// hash is internally consistent, the initiator derives from the public key,
// and the signature covers (payloadHash, nonce). Nonce equality against the
// stored counter is the processor's job, not this package's.
func VerifyPayload(p *contracts.SignedPayload) error {
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	if err := p.Instruction.Validate(); err != nil {
		return fmt.Errorf("instruction invalid: %w", err)
	}
	if DeriveAddress(p.PublicKey) != p.Initiator {
		return ErrAddressMismatch
	}
	digest := ExecDigest(p.Instruction.Header.PayloadHash, p.Nonce)
	if !ed25519.Verify(ed25519.PublicKey(p.PublicKey), digest[:], p.Signature) {
		return ErrBadSignature
	}
	return nil
}

// VerifyCancellation checks a cancellation request's authorization.
func VerifyCancellation(req *contracts.CancellationRequest) error {
	if len(req.PublicKey) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	if DeriveAddress(req.PublicKey) != req.Initiator {
		return ErrAddressMismatch
	}
	digest := CancelDigest(req.Initiator, req.Nonce)
	if !ed25519.Verify(ed25519.PublicKey(req.PublicKey), digest[:], req.Signature) {
		return ErrBadSignature
	}
	return nil
}
