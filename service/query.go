package service

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"marketbook/domain/order"
	"marketbook/domain/orderbook"
	"marketbook/infra/store"
)

// ──────────────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────────────

type ListRequest struct {
	ChainID uint64
	Filter  orderbook.Filter
	// Owner, when set, restricts a resource order listing to the
	// resources it owns.
	Owner *common.Address
	Page  orderbook.Pagination
}

// GetOrder returns an order by hash, whatever its status.
func (s *OrderService) GetOrder(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash) (*order.Order, error) {
	if chainID == 0 {
		return nil, order.NewValidationError("chainId is a required field")
	}
	o, err := s.store.Get(ctx, chainID, kind, hash)
	if errors.Is(err, store.ErrNotFound) {
		return nil, order.NewNotFoundError("%s not found", kind.OrderName())
	}
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}
	return o, nil
}

// ListOrders returns one page of the open orders matching req, in
// book order.
func (s *OrderService) ListOrders(ctx context.Context, req ListRequest) (orderbook.Page, error) {
	f := req.Filter
	if req.ChainID == 0 {
		return orderbook.Page{}, order.NewValidationError("chainId is a required field")
	}
	if !f.Kind.Valid() {
		return orderbook.Page{}, order.NewValidationError("unknown order kind")
	}
	if err := req.Page.Validate(); err != nil {
		return orderbook.Page{}, err
	}

	d := f.Kind.Descriptor()
	if d.SellSide && f.Resources == nil && req.Owner == nil {
		return orderbook.Page{}, order.NewValidationError("%s or %s is required", d.ResourceField, d.OwnerParam)
	}

	if req.Owner != nil {
		owned, err := s.chain.OwnedResources(ctx, req.ChainID, f.Kind, *req.Owner)
		if err != nil {
			return orderbook.Page{}, errors.Wrapf(err, "resolve %s", d.OwnerParam)
		}
		f.Resources = intersect(f.Resources, owned)
	}

	open, err := s.store.ListOpen(ctx, req.ChainID, f.Kind)
	if err != nil {
		return orderbook.Page{}, errors.Wrap(err, "list orders")
	}

	matched := f.Compile().Select(open)
	orderbook.Sort(matched)
	return orderbook.Paginate(matched, req.Page), nil
}

// intersect keeps the owned addresses also in filter; a nil filter
// keeps all of them. The result is never nil.
func intersect(filter, owned []common.Address) []common.Address {
	out := make([]common.Address, 0, len(owned))
	if filter == nil {
		return append(out, owned...)
	}
	keep := make(map[common.Address]struct{}, len(filter))
	for _, a := range filter {
		keep[a] = struct{}{}
	}
	for _, a := range owned {
		if _, ok := keep[a]; ok {
			out = append(out, a)
		}
	}
	return out
}
