// Package gateway is the HTTP surface of the engine. Triggers are
// untrusted: every submission re-verifies the principal's signature, so the
// gateway only shapes requests, throttles them, and reports outcomes as
// RFC 7807 problems. Admin routes mutate the registry and are JWT-gated.
package gateway

import (
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/processor"
	"github.com/Mindburn-Labs/mandate/pkg/registry"
	"github.com/Mindburn-Labs/mandate/pkg/workflow"
)

// Config carries the gateway's own knobs; engine wiring comes in as
// constructor arguments.
type Config struct {
	OwnerToken string
	JWTSecret  string
	JWTIssuer  string
	PerIPRate  float64
	PerIPBurst int
	// Triggers is the shared per-principal limiter, nil to disable.
	Triggers TriggerLimiter
}

type Server struct {
	proc     *processor.Processor
	reg      registry.Registry
	flows    workflow.Store
	auth     *authenticator
	ips      *ipLimiter
	triggers TriggerLimiter
	owner    string
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewServer(proc *processor.Processor, reg registry.Registry, flows workflow.Store, cfg Config) *Server {
	s := &Server{
		proc:     proc,
		reg:      reg,
		flows:    flows,
		auth:     newAuthenticator(cfg.JWTSecret, cfg.JWTIssuer),
		triggers: cfg.Triggers,
		owner:    cfg.OwnerToken,
		logger:   slog.Default().With("component", "gateway"),
	}
	if cfg.PerIPRate > 0 {
		s.ips = newIPLimiter(cfg.PerIPRate, cfg.PerIPBurst)
	}
	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/execute", s.rateLimit(s.handleExecute))
	s.mux.HandleFunc("POST /v1/execute/batch", s.rateLimit(s.handleExecuteBatch))
	s.mux.HandleFunc("POST /v1/nonce/increment", s.rateLimit(s.handleIncrementNonce))
	s.mux.HandleFunc("GET /v1/nonce/{addr}", s.handleNonce)
	s.mux.HandleFunc("GET /v1/adapters/{id}", s.handleAdapter)
	s.mux.HandleFunc("GET /v1/chains/{index}", s.handleChain)
	s.mux.HandleFunc("POST /v1/estimate-fee", s.handleEstimateFee)
	s.mux.HandleFunc("GET /v1/workflows/{id}", s.handleWorkflow)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /v1/admin/adapters", s.requireAdmin(s.handleSetAdapter))
	s.mux.HandleFunc("POST /v1/admin/adapters/freeze", s.requireAdmin(s.handleFreezeAdapters))
	s.mux.HandleFunc("POST /v1/admin/chains", s.requireAdmin(s.handleSetChain))
	s.mux.HandleFunc("POST /v1/admin/chains/freeze", s.requireAdmin(s.handleFreezeChains))
}

func (s *Server) Handler() http.Handler { return s.mux }

func decode[T any](w http.ResponseWriter, r *http.Request) (*T, bool) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Malformed Request", err.Error())
		return nil, false
	}
	return &v, true
}

// handleExecute runs one signed payload. Execution outcomes, including
// failed and paused runs, come back as receipts with 200: the submission
// itself succeeded and the receipt is the answer. Only authorization
// failures (bad signature, nonce mismatch) map to problem responses.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	payload, ok := decode[contracts.SignedPayload](w, r)
	if !ok {
		return
	}
	if !s.limitTrigger(r.Context(), w, r, payload.Initiator.Hex()) {
		return
	}
	receipt, err := s.proc.Execute(r.Context(), payload)
	if receipt == nil && err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

type batchRequest struct {
	Payloads []*contracts.SignedPayload `json:"payloads"`
}

type batchItem struct {
	Receipt *contracts.Receipt `json:"receipt,omitempty"`
	Error   string             `json:"error,omitempty"`
}

func (s *Server) handleExecuteBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[batchRequest](w, r)
	if !ok {
		return
	}
	if len(req.Payloads) == 0 {
		writeProblem(w, r, http.StatusBadRequest, "Malformed Request", "payloads must be non-empty")
		return
	}
	results := s.proc.ExecuteBatch(r.Context(), req.Payloads)
	items := make([]batchItem, len(results))
	for i, res := range results {
		items[i].Receipt = res.Receipt
		if res.Err != nil {
			items[i].Error = res.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": items})
}

func (s *Server) handleIncrementNonce(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[contracts.CancellationRequest](w, r)
	if !ok {
		return
	}
	n, err := s.proc.IncrementNonce(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"initiator": req.Initiator, "nonce": n})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	addr, err := contracts.ParseAddress(r.PathValue("addr"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	n, err := s.proc.Nonce(r.Context(), addr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "nonce": n})
}

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 16)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Malformed Request", "adapter id must be a uint16")
		return
	}
	addr, err := s.reg.GetAdapter(uint16(id))
	if err != nil {
		writeError(w, r, err)
		return
	}
	manifest, _ := s.reg.AdapterManifest(uint16(id))
	writeJSON(w, http.StatusOK, map[string]any{
		"id":       id,
		"address":  addr,
		"frozen":   s.reg.IsAdapterFrozen(uint16(id)),
		"manifest": manifest,
	})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(r.PathValue("index"), 10, 32)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Malformed Request", "chain index must be a uint32")
		return
	}
	chainID, err := s.reg.GetChain(uint32(index))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index":    index,
		"chain_id": chainID,
		"frozen":   s.reg.IsChainFrozen(uint32(index)),
	})
}

type estimateRequest struct {
	Handler   uint16   `json:"handler"`
	Network   uint32   `json:"network"`
	Value     *big.Int `json:"value,omitempty"`
	FeeBudget *big.Int `json:"fee_budget,omitempty"`
}

func (s *Server) handleEstimateFee(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[estimateRequest](w, r)
	if !ok {
		return
	}
	quote, err := s.proc.EstimateFee(r.Context(), req.Handler, req.Network, req.Value, req.FeeBudget)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := contracts.ParseHash(r.PathValue("id"))
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	inst, err := s.flows.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setAdapterRequest struct {
	ID       uint16             `json:"id"`
	Address  contracts.Address  `json:"address"`
	Manifest *registry.Manifest `json:"manifest"`
}

func (s *Server) handleSetAdapter(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[setAdapterRequest](w, r)
	if !ok {
		return
	}
	if err := s.reg.SetAdapter(s.owner, req.ID, req.Address, req.Manifest); err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info("adapter bound", "id", req.ID, "address", req.Address)
	writeJSON(w, http.StatusOK, map[string]any{"id": req.ID, "address": req.Address})
}

type freezeAdaptersRequest struct {
	IDs []uint16 `json:"ids"`
}

func (s *Server) handleFreezeAdapters(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[freezeAdaptersRequest](w, r)
	if !ok {
		return
	}
	if err := s.reg.FreezeAdapters(s.owner, req.IDs); err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info("adapters frozen", "ids", req.IDs)
	writeJSON(w, http.StatusOK, map[string]any{"frozen": req.IDs})
}

type setChainRequest struct {
	Index   uint32 `json:"index"`
	ChainID string `json:"chain_id"`
}

func (s *Server) handleSetChain(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[setChainRequest](w, r)
	if !ok {
		return
	}
	if err := s.reg.SetChain(s.owner, req.Index, req.ChainID); err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info("chain bound", "index", req.Index, "chain_id", req.ChainID)
	writeJSON(w, http.StatusOK, map[string]any{"index": req.Index, "chain_id": req.ChainID})
}

type freezeChainsRequest struct {
	Indexes []uint32 `json:"indexes"`
}

func (s *Server) handleFreezeChains(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[freezeChainsRequest](w, r)
	if !ok {
		return
	}
	if err := s.reg.FreezeChains(s.owner, req.Indexes); err != nil {
		writeError(w, r, err)
		return
	}
	s.logger.Info("chains frozen", "indexes", req.Indexes)
	writeJSON(w, http.StatusOK, map[string]any{"frozen": req.Indexes})
}
