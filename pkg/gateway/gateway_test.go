package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Mindburn-Labs/mandate/pkg/adapters"
	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/crypto"
	"github.com/Mindburn-Labs/mandate/pkg/nonce"
	"github.com/Mindburn-Labs/mandate/pkg/processor"
	"github.com/Mindburn-Labs/mandate/pkg/registry"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
	"github.com/Mindburn-Labs/mandate/pkg/workflow"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ownerToken = "admin-token"
	jwtSecret  = "test-secret"
	jwtIssuer  = "mandate"

	assetID uint16 = 1
)

type fixture struct {
	srv    *Server
	book   *treasury.Book
	signer *crypto.Signer
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	reg := registry.NewDirectory(ownerToken)
	book := treasury.NewBook()
	host := capability.NewHost()
	proc := processor.New(reg, host, nonce.NewMemoryStore(), 0)

	asset := adapters.NewAssetAdapter(assetID, book)
	addr := capability.BindingFor(assetID)
	host.Bind(addr, asset)
	require.NoError(t, reg.SetAdapter(ownerToken, assetID, addr, nil))

	signer, err := crypto.NewSigner("test-key")
	require.NoError(t, err)
	require.NoError(t, book.Mint(ctx, "USD", signer.Address(), big.NewInt(10_000)))

	if cfg.OwnerToken == "" {
		cfg.OwnerToken = ownerToken
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = jwtSecret
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = jwtIssuer
	}
	srv := NewServer(proc, reg, workflow.NewMemoryStore(), cfg)
	return &fixture{srv: srv, book: book, signer: signer}
}

func (f *fixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) transfer(t *testing.T, n uint64, to contracts.Address, amount int64) *contracts.SignedPayload {
	t.Helper()
	body, err := json.Marshal(adapters.TransferParams{Asset: "USD", To: to, Amount: big.NewInt(amount)})
	require.NoError(t, err)
	inst, err := contracts.NewInstruction(1,
		[]contracts.Operation{{Handler: assetID}},
		[][]byte{contracts.WithSelector(adapters.AssetSubTransfer, body)})
	require.NoError(t, err)
	p := &contracts.SignedPayload{Instruction: *inst, Nonce: n}
	require.NoError(t, f.signer.SignPayload(p))
	return p
}

func addrOf(b byte) contracts.Address {
	var a contracts.Address
	a[0] = b
	return a
}

func adminToken(t *testing.T) http.Header {
	t.Helper()
	claims := adminClaims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    jwtIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return http.Header{"Authorization": {"Bearer " + token}}
}

func TestExecuteEndpoint(t *testing.T) {
	f := newFixture(t, Config{})
	bob := addrOf(2)

	w := f.do(t, http.MethodPost, "/v1/execute", f.transfer(t, 0, bob, 250), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var receipt contracts.Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.True(t, receipt.Success)
	assert.Equal(t, big.NewInt(250), f.book.BalanceOf("USD", bob))

	w = f.do(t, http.MethodGet, "/v1/nonce/"+f.signer.Address().Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Nonce uint64 `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, uint64(1), got.Nonce)
}

func TestExecuteReplayConflict(t *testing.T) {
	f := newFixture(t, Config{})
	p := f.transfer(t, 0, addrOf(2), 10)

	w := f.do(t, http.MethodPost, "/v1/execute", p, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/v1/execute", p, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	var prob Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prob))
	assert.Equal(t, http.StatusConflict, prob.Status)
}

func TestExecuteFailedStepReturnsReceipt(t *testing.T) {
	f := newFixture(t, Config{})

	// Overdraw: execution fails but the submission is answered with the
	// audit receipt, not a problem.
	w := f.do(t, http.MethodPost, "/v1/execute", f.transfer(t, 0, addrOf(2), 999_999), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var receipt contracts.Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.False(t, receipt.Success)
	require.Len(t, receipt.Steps, 1)
	assert.Equal(t, contracts.StepFailed, receipt.Steps[0].Status)
}

func TestExecuteMalformedBody(t *testing.T) {
	f := newFixture(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/v1/execute", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExecuteBatchEndpoint(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodPost, "/v1/execute/batch", batchRequest{
		Payloads: []*contracts.SignedPayload{
			f.transfer(t, 0, addrOf(2), 100),
			f.transfer(t, 1, addrOf(3), 200),
		},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []batchItem `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].Receipt.Success)
	assert.True(t, resp.Results[1].Receipt.Success)
}

func TestNonceIncrementEndpoint(t *testing.T) {
	f := newFixture(t, Config{})

	req := &contracts.CancellationRequest{Nonce: 0}
	req.Initiator = f.signer.Address()
	req.PublicKey = f.signer.PublicKey()
	f.signer.SignCancellation(req)

	w := f.do(t, http.MethodPost, "/v1/nonce/increment", req, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got struct {
		Nonce uint64 `json:"nonce"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, uint64(1), got.Nonce)
}

func TestAdminAuthGating(t *testing.T) {
	f := newFixture(t, Config{})
	body := setChainRequest{Index: 7, ChainID: "eip155:42161"}

	w := f.do(t, http.MethodPost, "/v1/admin/chains", body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	bad := http.Header{"Authorization": {"Bearer not-a-token"}}
	w = f.do(t, http.MethodPost, "/v1/admin/chains", body, bad)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/v1/admin/chains", body, adminToken(t))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/chains/7", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		ChainID string `json:"chain_id"`
		Frozen  bool   `json:"frozen"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "eip155:42161", got.ChainID)
	assert.False(t, got.Frozen)
}

func TestAdminAdapterLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	hdr := adminToken(t)

	w := f.do(t, http.MethodPost, "/v1/admin/adapters", setAdapterRequest{
		ID:       9,
		Address:  addrOf(0x30),
		Manifest: &registry.Manifest{Name: "custom", Version: "1.0.0"},
	}, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodPost, "/v1/admin/adapters/freeze", freezeAdaptersRequest{IDs: []uint16{9}}, hdr)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/v1/adapters/9", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Frozen   bool               `json:"frozen"`
		Manifest *registry.Manifest `json:"manifest"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Frozen)
	require.NotNil(t, got.Manifest)
	assert.Equal(t, "custom", got.Manifest.Name)

	// Frozen binding cannot be replaced, even by the owner.
	w = f.do(t, http.MethodPost, "/v1/admin/adapters", setAdapterRequest{
		ID: 9, Address: addrOf(0x31),
	}, hdr)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUnknownAdapterAndWorkflow(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodGet, "/v1/adapters/200", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var id contracts.Hash
	id[0] = 0xAB
	w = f.do(t, http.MethodGet, "/v1/workflows/"+id.Hex(), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEstimateFeeEndpoint(t *testing.T) {
	f := newFixture(t, Config{})

	w := f.do(t, http.MethodPost, "/v1/estimate-fee", estimateRequest{
		Handler: assetID,
		Value:   big.NewInt(5000),
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var quote capability.FeeQuote
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quote))
	assert.NotNil(t, quote.Fee)
}

func TestPerIPRateLimit(t *testing.T) {
	f := newFixture(t, Config{PerIPRate: 1, PerIPBurst: 2})

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		p := f.transfer(t, uint64(i), addrOf(2), 1)
		w := f.do(t, http.MethodPost, "/v1/execute", p, nil)
		codes = append(codes, w.Code)
	}
	// Burst of 2 admits the first requests, the tail is throttled.
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusOK, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(context.Context, string) (bool, error) { return false, nil }

func TestTriggerLimiter(t *testing.T) {
	f := newFixture(t, Config{Triggers: denyAllLimiter{}})

	w := f.do(t, http.MethodPost, "/v1/execute", f.transfer(t, 0, addrOf(2), 1), nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.do(t, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"status":"ok"}`, string(bytes.TrimSpace(w.Body.Bytes())))
}

func TestProblemTypeURI(t *testing.T) {
	f := newFixture(t, Config{})
	w := f.do(t, http.MethodGet, "/v1/adapters/200", nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	var prob Problem
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prob))
	assert.Equal(t, fmt.Sprintf("https://github.com/Mindburn-Labs/mandate/errors/%d", http.StatusNotFound), prob.Type)
	assert.Equal(t, "/v1/adapters/200", prob.Instance)
}
