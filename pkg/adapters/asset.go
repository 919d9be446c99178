// Package adapters contains exemplar capability handlers at the protocol
// boundary: an asset adapter over the treasury book, a swap adapter over a
// constant-product venue, and a WASM-hosted adapter for externally supplied
// handler code. Each is plumbing over the uniform capability contract; the
// engine knows none of them specifically.
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/Mindburn-Labs/mandate/pkg/capability"
	"github.com/Mindburn-Labs/mandate/pkg/contracts"
	"github.com/Mindburn-Labs/mandate/pkg/treasury"
)

// Asset adapter sub-operations.
const (
	AssetSubTransfer uint32 = iota + 1
	AssetSubApprove
	AssetSubTransferFrom
)

var ErrUnknownSubOp = errors.New("unknown adapter sub-operation")

// TransferParams is the body of AssetSubTransfer and AssetSubTransferFrom.
// From is ignored on plain transfers (the initiator pays).
type TransferParams struct {
	Asset  string            `json:"asset"`
	From   contracts.Address `json:"from,omitempty"`
	To     contracts.Address `json:"to"`
	Amount *big.Int          `json:"amount"`
}

// ApproveParams is the body of AssetSubApprove.
type ApproveParams struct {
	Asset   string            `json:"asset"`
	Spender contracts.Address `json:"spender"`
	Amount  *big.Int          `json:"amount"`
}

// AssetAdapter moves funds on the treasury book on behalf of the initiator.
type AssetAdapter struct {
	id   uint16
	book *treasury.Book
}

// NewAssetAdapter creates the adapter.
func NewAssetAdapter(id uint16, book *treasury.Book) *AssetAdapter {
	return &AssetAdapter{id: id, book: book}
}

func (a *AssetAdapter) ID() uint16   { return a.id }
func (a *AssetAdapter) Name() string { return "asset" }

func (a *AssetAdapter) Execute(ctx context.Context, call *capability.Call) (*capability.Result, error) {
	sel, body, err := call.Selector()
	if err != nil {
		return nil, err
	}
	switch sel {
	case AssetSubTransfer:
		var p TransferParams
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("transfer body: %w", err)
		}
		if err := a.book.Transfer(ctx, p.Asset, call.Initiator, p.To, p.Amount); err != nil {
			return nil, err
		}
		return capability.Completed(nil), nil

	case AssetSubApprove:
		var p ApproveParams
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("approve body: %w", err)
		}
		if err := a.book.Approve(ctx, p.Asset, call.Initiator, p.Spender, p.Amount); err != nil {
			return nil, err
		}
		return capability.Completed(nil), nil

	case AssetSubTransferFrom:
		var p TransferParams
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("transfer-from body: %w", err)
		}
		if err := a.book.TransferFrom(ctx, p.Asset, call.Initiator, p.From, p.To, p.Amount); err != nil {
			return nil, err
		}
		return capability.Completed(nil), nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubOp, sel)
	}
}

// EstimateFee quotes a flat unit per moved value byte; advisory only.
func (a *AssetAdapter) EstimateFee(_ context.Context, req *capability.FeeRequest) (*capability.FeeQuote, error) {
	fee := big.NewInt(1)
	if req.Value != nil {
		fee = new(big.Int).Add(fee, big.NewInt(int64(len(req.Value.Bytes()))))
	}
	return &capability.FeeQuote{Fee: fee}, nil
}
