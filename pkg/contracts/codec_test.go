package contracts

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleInstruction(t *testing.T) *Instruction {
	t.Helper()
	ops := []Operation{
		{Network: 0, Handler: 7, Value: big.NewInt(1500), Flags: FlagRepeat, FeeBudget: big.NewInt(21000)},
		{Network: 3, Handler: 2, DirectTarget: Address{0xAA, 0x01}},
	}
	inputs := [][]byte{
		WithSelector(1, []byte(`{"amount":"1500"}`)),
		WithSelector(2, []byte{0xDE, 0xAD}),
	}
	in, err := NewInstruction(42, ops, inputs)
	require.NoError(t, err)
	return in
}

func TestInstructionRoundTrip(t *testing.T) {
	in := sampleInstruction(t)

	raw, err := EncodeInstruction(in)
	require.NoError(t, err)

	got, err := DecodeInstruction(raw)
	require.NoError(t, err)

	assert.Equal(t, in.Header, got.Header)
	require.Len(t, got.Operations, 2)
	assert.Equal(t, uint16(7), got.Operations[0].Handler)
	assert.Equal(t, int64(1500), got.Operations[0].Value.Int64())
	assert.Nil(t, got.Operations[1].Value)
	assert.Equal(t, in.Inputs, got.Inputs)
	require.NoError(t, got.Validate())
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	in := sampleInstruction(t)
	raw, err := EncodeInstruction(in)
	require.NoError(t, err)

	// Flip one byte inside the payload region (after the 42-byte header).
	raw[50] ^= 0xFF
	_, err = DecodeInstruction(raw)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncation(t *testing.T) {
	in := sampleInstruction(t)
	raw, err := EncodeInstruction(in)
	require.NoError(t, err)

	for _, cut := range []int{1, 10, 41, len(raw) / 2, len(raw) - 1} {
		_, err := DecodeInstruction(raw[:cut])
		assert.Error(t, err, "cut at %d", cut)
	}
}

func TestSignedPayloadRoundTrip(t *testing.T) {
	in := sampleInstruction(t)
	p := &SignedPayload{
		Instruction: *in,
		Initiator:   Address{0x01, 0x02},
		PublicKey:   make([]byte, 32),
		Nonce:       9,
		Signature:   make([]byte, 64),
	}
	p.PublicKey[0] = 0x42
	p.Signature[63] = 0x99

	raw, err := EncodeSignedPayload(p)
	require.NoError(t, err)

	got, err := DecodeSignedPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, p.Initiator, got.Initiator)
	assert.Equal(t, p.PublicKey, got.PublicKey)
	assert.Equal(t, uint64(9), got.Nonce)
	assert.Equal(t, p.Signature, got.Signature)
	assert.Equal(t, in.Header.PayloadHash, got.Instruction.Header.PayloadHash)
}

func TestHashPayloadIsOrderSensitive(t *testing.T) {
	ops := []Operation{{Handler: 1}, {Handler: 2}}
	inputs := [][]byte{{0, 0, 0, 1}, {0, 0, 0, 2}}

	h1, err := HashPayload(ops, inputs)
	require.NoError(t, err)

	ops[0], ops[1] = ops[1], ops[0]
	h2, err := HashPayload(ops, inputs)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestSelector(t *testing.T) {
	sel, body, err := Selector(WithSelector(0xDEADBEEF, []byte("params")))
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), sel)
	assert.Equal(t, []byte("params"), body)

	_, _, err = Selector([]byte{1, 2})
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPauseSentinel(t *testing.T) {
	assert.True(t, IsPauseSentinel(PauseSentinel[:]))
	assert.False(t, IsPauseSentinel([]byte("not the sentinel")))
	assert.False(t, IsPauseSentinel(nil))

	other := PauseSentinel
	other[0] ^= 1
	assert.False(t, IsPauseSentinel(other[:]))
}

func TestAddressParse(t *testing.T) {
	a := Address{0xAB, 0xCD}
	parsed, err := ParseAddress(a.Hex())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)

	_, err = ParseAddress("0x1234")
	assert.Error(t, err)
	_, err = ParseAddress("zz")
	assert.Error(t, err)
}
