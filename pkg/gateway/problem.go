package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Mindburn-Labs/mandate/pkg/crypto"
	"github.com/Mindburn-Labs/mandate/pkg/processor"
	"github.com/Mindburn-Labs/mandate/pkg/registry"
	"github.com/Mindburn-Labs/mandate/pkg/workflow"
)

// Problem implements RFC 7807 problem details; every gateway error response
// uses this shape.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &Problem{
		Type:     fmt.Sprintf("https://github.com/Mindburn-Labs/mandate/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// writeError maps the engine's error taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, crypto.ErrBadSignature),
		errors.Is(err, crypto.ErrAddressMismatch),
		errors.Is(err, crypto.ErrBadPublicKey):
		writeProblem(w, r, http.StatusUnauthorized, "Authorization Failed", err.Error())
	case errors.Is(err, processor.ErrNonceMismatch):
		writeProblem(w, r, http.StatusConflict, "Nonce Mismatch", err.Error())
	case errors.Is(err, registry.ErrNotRegistered):
		writeProblem(w, r, http.StatusNotFound, "Not Registered", err.Error())
	case errors.Is(err, registry.ErrFrozen):
		writeProblem(w, r, http.StatusConflict, "Frozen", err.Error())
	case errors.Is(err, registry.ErrNotOwner):
		writeProblem(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, registry.ErrBatchLengthMismatch):
		writeProblem(w, r, http.StatusBadRequest, "Bad Batch", err.Error())
	case errors.Is(err, workflow.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "Unknown Workflow", err.Error())
	default:
		writeProblem(w, r, http.StatusUnprocessableEntity, "Execution Failed", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
