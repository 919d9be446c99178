package contracts

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Codec errors.
var (
	ErrTruncated     = errors.New("payload truncated")
	ErrValueTooLarge = errors.New("value exceeds 32 bytes")
	ErrInputTooLarge = errors.New("input exceeds maximum length")
	ErrOpCountBounds = errors.New("operation count out of bounds")
	ErrHashMismatch  = errors.New("declared payload hash does not match payload")
)

// EncodePayload serializes operations and inputs in the deterministic
// big-endian wire form. The payload hash commits to exactly these bytes.
func EncodePayload(ops []Operation, inputs [][]byte) ([]byte, error) {
	if len(ops) != len(inputs) {
		return nil, fmt.Errorf("%w: %d operations, %d inputs", ErrOpCountBounds, len(ops), len(inputs))
	}
	var buf []byte
	for i := range ops {
		b, err := encodeOperation(&ops[i])
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		buf = append(buf, b...)
	}
	for i, in := range inputs {
		if len(in) > MaxInputLen {
			return nil, fmt.Errorf("input %d: %w", i, ErrInputTooLarge)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(in)))
		buf = append(buf, in...)
	}
	return buf, nil
}

// HashPayload returns sha3_256 over the encoded payload.
func HashPayload(ops []Operation, inputs [][]byte) (Hash, error) {
	raw, err := EncodePayload(ops, inputs)
	if err != nil {
		return Hash{}, err
	}
	return sha3.Sum256(raw), nil
}

// NewInstruction builds an Instruction with its header hash computed.
func NewInstruction(sequence uint64, ops []Operation, inputs [][]byte) (*Instruction, error) {
	if len(ops) == 0 || len(ops) > int(^uint16(0)) {
		return nil, ErrOpCountBounds
	}
	h, err := HashPayload(ops, inputs)
	if err != nil {
		return nil, err
	}
	return &Instruction{
		Header:     Header{Sequence: sequence, OpCount: uint16(len(ops)), PayloadHash: h},
		Operations: ops,
		Inputs:     inputs,
	}, nil
}

// Validate recomputes the payload hash and checks it against the header.
func (in *Instruction) Validate() error {
	if int(in.Header.OpCount) != len(in.Operations) || len(in.Operations) != len(in.Inputs) {
		return ErrOpCountBounds
	}
	h, err := HashPayload(in.Operations, in.Inputs)
	if err != nil {
		return err
	}
	if h != in.Header.PayloadHash {
		return ErrHashMismatch
	}
	return nil
}

// EncodeInstruction serializes header then payload.
func EncodeInstruction(in *Instruction) ([]byte, error) {
	payload, err := EncodePayload(in.Operations, in.Inputs)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 8+2+32+len(payload))
	buf = binary.BigEndian.AppendUint64(buf, in.Header.Sequence)
	buf = binary.BigEndian.AppendUint16(buf, in.Header.OpCount)
	buf = append(buf, in.Header.PayloadHash[:]...)
	return append(buf, payload...), nil
}

// DecodeInstruction parses an encoded instruction and verifies the declared
// payload hash against the decoded payload.
func DecodeInstruction(raw []byte) (*Instruction, error) {
	in, rest, err := decodeInstruction(raw)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing %d bytes after instruction", len(rest))
	}
	return in, nil
}

// EncodeSignedPayload serializes the full submission envelope.
func EncodeSignedPayload(p *SignedPayload) ([]byte, error) {
	if len(p.PublicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	if len(p.Signature) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature must be %d bytes", ed25519.SignatureSize)
	}
	inst, err := EncodeInstruction(&p.Instruction)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(inst)+AddressLen+ed25519.PublicKeySize+8+ed25519.SignatureSize)
	buf = append(buf, inst...)
	buf = append(buf, p.Initiator[:]...)
	buf = append(buf, p.PublicKey...)
	buf = binary.BigEndian.AppendUint64(buf, p.Nonce)
	return append(buf, p.Signature...), nil
}

// DecodeSignedPayload parses a submission envelope.
func DecodeSignedPayload(raw []byte) (*SignedPayload, error) {
	in, rest, err := decodeInstruction(raw)
	if err != nil {
		return nil, err
	}
	need := AddressLen + ed25519.PublicKeySize + 8 + ed25519.SignatureSize
	if len(rest) != need {
		return nil, fmt.Errorf("%w: envelope wants %d trailing bytes, has %d", ErrTruncated, need, len(rest))
	}
	p := &SignedPayload{Instruction: *in}
	copy(p.Initiator[:], rest[:AddressLen])
	rest = rest[AddressLen:]
	p.PublicKey = append([]byte(nil), rest[:ed25519.PublicKeySize]...)
	rest = rest[ed25519.PublicKeySize:]
	p.Nonce = binary.BigEndian.Uint64(rest[:8])
	p.Signature = append([]byte(nil), rest[8:]...)
	return p, nil
}

func encodeOperation(op *Operation) ([]byte, error) {
	value := bigBytes(op.Value)
	fee := bigBytes(op.FeeBudget)
	if len(value) > MaxValueBytes || len(fee) > MaxValueBytes {
		return nil, ErrValueTooLarge
	}
	buf := make([]byte, 0, 4+2+1+len(value)+AddressLen+2+1+len(fee))
	buf = binary.BigEndian.AppendUint32(buf, op.Network)
	buf = binary.BigEndian.AppendUint16(buf, op.Handler)
	buf = append(buf, byte(len(value)))
	buf = append(buf, value...)
	buf = append(buf, op.DirectTarget[:]...)
	buf = binary.BigEndian.AppendUint16(buf, op.Flags)
	buf = append(buf, byte(len(fee)))
	return append(buf, fee...), nil
}

func decodeOperation(raw []byte) (Operation, []byte, error) {
	var op Operation
	if len(raw) < 4+2+1 {
		return op, nil, ErrTruncated
	}
	op.Network = binary.BigEndian.Uint32(raw[:4])
	op.Handler = binary.BigEndian.Uint16(raw[4:6])
	raw = raw[6:]

	var err error
	op.Value, raw, err = decodeBig(raw)
	if err != nil {
		return op, nil, err
	}
	if len(raw) < AddressLen+2+1 {
		return op, nil, ErrTruncated
	}
	copy(op.DirectTarget[:], raw[:AddressLen])
	op.Flags = binary.BigEndian.Uint16(raw[AddressLen : AddressLen+2])
	raw = raw[AddressLen+2:]
	op.FeeBudget, raw, err = decodeBig(raw)
	if err != nil {
		return op, nil, err
	}
	return op, raw, nil
}

func decodeInstruction(raw []byte) (*Instruction, []byte, error) {
	if len(raw) < 8+2+32 {
		return nil, nil, ErrTruncated
	}
	in := &Instruction{}
	in.Header.Sequence = binary.BigEndian.Uint64(raw[:8])
	in.Header.OpCount = binary.BigEndian.Uint16(raw[8:10])
	copy(in.Header.PayloadHash[:], raw[10:42])
	raw = raw[42:]
	if in.Header.OpCount == 0 {
		return nil, nil, ErrOpCountBounds
	}

	payloadStart := raw
	for i := 0; i < int(in.Header.OpCount); i++ {
		op, rest, err := decodeOperation(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("operation %d: %w", i, err)
		}
		in.Operations = append(in.Operations, op)
		raw = rest
	}
	for i := 0; i < int(in.Header.OpCount); i++ {
		if len(raw) < 4 {
			return nil, nil, ErrTruncated
		}
		n := binary.BigEndian.Uint32(raw[:4])
		if n > MaxInputLen {
			return nil, nil, fmt.Errorf("input %d: %w", i, ErrInputTooLarge)
		}
		raw = raw[4:]
		if len(raw) < int(n) {
			return nil, nil, ErrTruncated
		}
		in.Inputs = append(in.Inputs, append([]byte(nil), raw[:n]...))
		raw = raw[n:]
	}

	payloadLen := len(payloadStart) - len(raw)
	got := sha3.Sum256(payloadStart[:payloadLen])
	if Hash(got) != in.Header.PayloadHash {
		return nil, nil, ErrHashMismatch
	}
	return in, raw, nil
}

func decodeBig(raw []byte) (*big.Int, []byte, error) {
	if len(raw) < 1 {
		return nil, nil, ErrTruncated
	}
	n := int(raw[0])
	if n > MaxValueBytes {
		return nil, nil, ErrValueTooLarge
	}
	raw = raw[1:]
	if len(raw) < n {
		return nil, nil, ErrTruncated
	}
	if n == 0 {
		return nil, raw, nil
	}
	// Minimal encoding only: a leading zero byte would make two distinct
	// wire forms decode to the same value.
	if raw[0] == 0 {
		return nil, nil, errors.New("non-minimal value encoding")
	}
	return new(big.Int).SetBytes(raw[:n]), raw[n:], nil
}

func bigBytes(v *big.Int) []byte {
	if v == nil || v.Sign() == 0 {
		return nil
	}
	return v.Bytes()
}

// Selector splits a handler input into its 4-byte sub-operation selector and
// body.
func Selector(input []byte) (uint32, []byte, error) {
	if len(input) < SelectorLen {
		return 0, nil, fmt.Errorf("%w: input shorter than selector", ErrTruncated)
	}
	return binary.BigEndian.Uint32(input[:SelectorLen]), input[SelectorLen:], nil
}

// WithSelector prefixes body with a 4-byte sub-operation selector.
func WithSelector(sel uint32, body []byte) []byte {
	buf := make([]byte, 0, SelectorLen+len(body))
	buf = binary.BigEndian.AppendUint32(buf, sel)
	return append(buf, body...)
}
