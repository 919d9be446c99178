package capability

import (
	"context"
	"testing"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct{}

func (echoHandler) ID() uint16   { return 1 }
func (echoHandler) Name() string { return "echo" }
func (echoHandler) Execute(_ context.Context, call *Call) (*Result, error) {
	return Completed(call.Params), nil
}
func (echoHandler) EstimateFee(context.Context, *FeeRequest) (*FeeQuote, error) {
	return &FeeQuote{}, nil
}

func TestHostBindResolve(t *testing.T) {
	h := NewHost()
	addr := BindingFor(1)

	_, err := h.Resolve(addr)
	assert.ErrorIs(t, err, ErrNotBound)

	h.Bind(addr, echoHandler{})
	got, err := h.Resolve(addr)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Name())
}

func TestBindingForIsDistinctPerID(t *testing.T) {
	assert.NotEqual(t, BindingFor(1), BindingFor(2))
	assert.NotEqual(t, BindingFor(1), BindingFor(256))
	assert.Equal(t, BindingFor(7), BindingFor(7))
}

func TestCallSelector(t *testing.T) {
	call := &Call{Params: contracts.WithSelector(3, []byte("body"))}
	sel, body, err := call.Selector()
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sel)
	assert.Equal(t, []byte("body"), body)
}
