package request

import (
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/pool"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownRequest   = errors.New("unknown request")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrNotYetExpired    = errors.New("request not yet expired")
	ErrNotOwner         = errors.New("caller is not the request owner")
	ErrInvalidRequest   = errors.New("invalid request")
)

// Registry stores pending requests. Presence in the map is the Pending
// state; execution and cancellation both remove the entry.
// Not thread-safe; the engine serializes access.
type Registry struct {
	requests            map[common.Hash]*Request
	nonce               uint64
	minTimeToExpiration time.Duration
}

func NewRegistry(minTimeToExpiration time.Duration) *Registry {
	return &Registry{
		requests:            make(map[common.Hash]*Request),
		minTimeToExpiration: minTimeToExpiration,
	}
}

// Create stores a new pending request bound to block and expiring at
// now + minTimeToExpiration.
func (r *Registry) Create(p CreateParams, block uint64, now time.Time) (*Request, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	nonce := r.nonce + 1
	key := DeriveKey(p.Kind, p.Owner, p.Asset, p.Amount, block, nonce)
	if _, exists := r.requests[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, key.Hex())
	}

	req := &Request{
		Key:                 key,
		Kind:                p.Kind,
		Owner:               p.Owner,
		Asset:               p.Asset,
		Amount:              p.Amount.Clone(),
		MaxSlippage:         p.MaxSlippage,
		ExecutionFee:        fpmath.OrZero(p.ExecutionFee).Clone(),
		BindingBlock:        block,
		ExpirationTimestamp: now.Add(r.minTimeToExpiration),
		Nonce:               nonce,
		CreatedAt:           now,
	}
	r.nonce = nonce
	r.requests[key] = req
	return req.Clone(), nil
}

// Get returns a copy of a pending request
func (r *Registry) Get(key common.Hash) (*Request, error) {
	req, ok := r.requests[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, key.Hex())
	}
	return req.Clone(), nil
}

// Take removes and returns a pending request of the given kind. It is the
// first effect of execution; on failure the caller must Restore it.
func (r *Registry) Take(key common.Hash, kind Kind) (*Request, error) {
	req, ok := r.requests[key]
	if !ok || req.Kind != kind {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownRequest, kind, key.Hex())
	}
	delete(r.requests, key)
	return req, nil
}

// Abort undoes a Create whose escrow failed. The nonce is returned when the
// request was the latest one created.
func (r *Registry) Abort(key common.Hash) {
	req, ok := r.requests[key]
	if !ok {
		return
	}
	delete(r.requests, key)
	if req.Nonce == r.nonce {
		r.nonce--
	}
}

// Restore puts back a request removed by Take or Cancel
func (r *Registry) Restore(req *Request) error {
	if _, exists := r.requests[req.Key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.Key.Hex())
	}
	r.requests[req.Key] = req
	return nil
}

// Cancel removes a pending request on behalf of its owner once it has expired.
func (r *Registry) Cancel(key common.Hash, kind Kind, caller common.Address, now time.Time) (*Request, error) {
	req, ok := r.requests[key]
	if !ok || req.Kind != kind {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownRequest, kind, key.Hex())
	}
	if caller != req.Owner {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, caller.Hex())
	}
	if !req.Expired(now) {
		return nil, fmt.Errorf("%w: expires at %s", ErrNotYetExpired, req.ExpirationTimestamp.Format(time.RFC3339))
	}
	delete(r.requests, key)
	return req, nil
}

// List returns pending requests in creation order. A zero owner lists all.
func (r *Registry) List(owner common.Address) []*Request {
	out := make([]*Request, 0, len(r.requests))
	for _, req := range r.requests {
		if owner != (common.Address{}) && req.Owner != owner {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Nonce < out[j].Nonce })
	return out
}

func (r *Registry) Len() int {
	return len(r.requests)
}

func (r *Registry) Nonce() uint64 {
	return r.nonce
}

// Digest returns canonical bytes of the registry (for state hashing)
func (r *Registry) Digest() []byte {
	pending := r.List(common.Address{})
	digest := make([]byte, 0, 8+len(pending)*common.HashLength)
	digest = binary.BigEndian.AppendUint64(digest, r.nonce)
	for _, req := range pending {
		digest = append(digest, req.Key.Bytes()...)
	}
	return digest
}

// === Export / Import (snapshots) ===

// RequestExport is the serializable form of a Request
type RequestExport struct {
	Key                 string `json:"key"`
	Kind                string `json:"kind"`
	Owner               string `json:"owner"`
	Asset               string `json:"asset"`
	Amount              string `json:"amount"`
	MaxSlippage         string `json:"max_slippage"`
	ExecutionFee        string `json:"execution_fee"`
	BindingBlock        uint64 `json:"binding_block"`
	ExpirationTimestamp int64  `json:"expiration_timestamp"` // Unix micros
	Nonce               uint64 `json:"nonce"`
	CreatedAt           int64  `json:"created_at"` // Unix micros
}

type RegistryExport struct {
	Nonce    uint64          `json:"nonce"`
	Requests []RequestExport `json:"requests"`
}

func ExportRequest(req *Request) RequestExport {
	return RequestExport{
		Key:                 req.Key.Hex(),
		Kind:                req.Kind.String(),
		Owner:               req.Owner.Hex(),
		Asset:               req.Asset.String(),
		Amount:              req.Amount.Dec(),
		MaxSlippage:         req.MaxSlippage.String(),
		ExecutionFee:        req.ExecutionFee.Dec(),
		BindingBlock:        req.BindingBlock,
		ExpirationTimestamp: req.ExpirationTimestamp.UnixMicro(),
		Nonce:               req.Nonce,
		CreatedAt:           req.CreatedAt.UnixMicro(),
	}
}

func importRequest(e RequestExport) (*Request, error) {
	kind, err := ParseKind(e.Kind)
	if err != nil {
		return nil, err
	}
	asset, err := pool.ParseAsset(e.Asset)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(e.Owner) {
		return nil, fmt.Errorf("invalid owner %q", e.Owner)
	}
	amount, err := fpmath.ParseAmount(e.Amount)
	if err != nil {
		return nil, err
	}
	execFee, err := fpmath.ParseAmount(e.ExecutionFee)
	if err != nil {
		return nil, err
	}
	slippage, err := decimal.NewFromString(e.MaxSlippage)
	if err != nil {
		return nil, fmt.Errorf("max_slippage: %w", err)
	}

	req := &Request{
		Key:                 common.HexToHash(e.Key),
		Kind:                kind,
		Owner:               common.HexToAddress(e.Owner),
		Asset:               asset,
		Amount:              amount,
		MaxSlippage:         slippage,
		ExecutionFee:        execFee,
		BindingBlock:        e.BindingBlock,
		ExpirationTimestamp: time.UnixMicro(e.ExpirationTimestamp).UTC(),
		Nonce:               e.Nonce,
		CreatedAt:           time.UnixMicro(e.CreatedAt).UTC(),
	}
	if want := DeriveKey(req.Kind, req.Owner, req.Asset, req.Amount, req.BindingBlock, req.Nonce); want != req.Key {
		return nil, fmt.Errorf("request %s: key does not match contents", e.Key)
	}
	return req, nil
}

func (r *Registry) Export() RegistryExport {
	pending := r.List(common.Address{})
	out := RegistryExport{Nonce: r.nonce, Requests: make([]RequestExport, 0, len(pending))}
	for _, req := range pending {
		out.Requests = append(out.Requests, ExportRequest(req))
	}
	return out
}

// Import replaces the registry contents with an export
func (r *Registry) Import(e RegistryExport) error {
	requests := make(map[common.Hash]*Request, len(e.Requests))
	for _, re := range e.Requests {
		req, err := importRequest(re)
		if err != nil {
			return fmt.Errorf("import request: %w", err)
		}
		if req.Nonce > e.Nonce {
			return fmt.Errorf("import request %s: nonce %d beyond registry nonce %d", re.Key, req.Nonce, e.Nonce)
		}
		if _, dup := requests[req.Key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, re.Key)
		}
		requests[req.Key] = req
	}
	r.requests = requests
	r.nonce = e.Nonce
	return nil
}

// Replay re-adds a request recorded in the event log and advances the nonce
// past it.
func (r *Registry) Replay(e RequestExport) error {
	req, err := importRequest(e)
	if err != nil {
		return fmt.Errorf("replay request: %w", err)
	}
	if err := r.Restore(req); err != nil {
		return err
	}
	if req.Nonce > r.nonce {
		r.nonce = req.Nonce
	}
	return nil
}
