package service

import (
	"context"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"marketbook/domain/order"
	"marketbook/infra/store"
)

// Target selects which orders a withdrawal retires.
type Target uint8

const (
	TargetOrderHash Target = iota
	TargetLast
	TargetAll
)

// ParseTarget accepts "orderHash", "last" and "all", with or without
// the "unpublish_" prefix.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "", "orderHash", "unpublish_orderHash":
		return TargetOrderHash, nil
	case "last", "unpublish_last":
		return TargetLast, nil
	case "all", "unpublish_all":
		return TargetAll, nil
	}
	return 0, order.NewValidationError("target must be one of [unpublish_orderHash, unpublish_last, unpublish_all]")
}

type UnpublishRequest struct {
	ChainID uint64
	Kind    order.Kind
	// Caller is the authenticated address; only its own orders match.
	Caller common.Address

	Target    Target
	OrderHash common.Hash
	// Resource narrows last/all to one resource, or one requester for
	// request orders. Zero means the caller for request orders.
	Resource common.Address
}

// Unpublish cancels the selected open orders of the caller and returns
// their hashes. Dependent request orders are re-validated afterwards
// in the background.
func (s *OrderService) Unpublish(ctx context.Context, req UnpublishRequest) ([]common.Hash, error) {
	if req.ChainID == 0 {
		return nil, order.NewValidationError("chainId is a required field")
	}
	if !req.Kind.Valid() {
		return nil, order.NewValidationError("unknown order kind")
	}

	candidates, err := s.selectWithdrawal(ctx, req)
	if err != nil {
		return nil, err
	}

	hashes := make([]common.Hash, 0, len(candidates))
	for _, c := range candidates {
		o, err := s.store.Transition(ctx, c.ChainID, c.Kind, c.OrderHash, order.StatusOpen, order.StatusCanceled)
		if errors.Is(err, store.ErrConflict) {
			// a concurrent withdrawal or fill got there first
			continue
		}
		if err != nil {
			return hashes, errors.Wrap(err, "cancel order")
		}

		hashes = append(hashes, o.OrderHash)
		unpublishedCounter.WithLabelValues(o.Kind.String(), string(order.StatusCanceled)).Inc()
		s.emitUnpublished(ctx, o)
		s.schedule(o)
	}

	if len(hashes) == 0 {
		return nil, notPublished(req)
	}

	s.log.Info().
		Uint64("chainId", req.ChainID).
		Str("kind", req.Kind.String()).
		Int("count", len(hashes)).
		Msg("orders unpublished")
	return hashes, nil
}

func notPublished(req UnpublishRequest) error {
	name := req.Kind.OrderName()
	if req.Target == TargetOrderHash {
		return order.NewBusinessError("%s with orderHash %s is not published", name, req.OrderHash.Hex())
	}
	return order.NewBusinessError("no open %s published by signer %s for %s %s",
		name, req.Caller.Hex(), req.Kind.Descriptor().SelectorField, selectorValue(req).Hex())
}

func selectorValue(req UnpublishRequest) common.Address {
	if req.Kind == order.KindRequest && req.Resource == (common.Address{}) {
		return req.Caller
	}
	return req.Resource
}

func (s *OrderService) selectWithdrawal(ctx context.Context, req UnpublishRequest) ([]*order.Order, error) {
	if req.Target == TargetOrderHash {
		o, err := s.store.Get(ctx, req.ChainID, req.Kind, req.OrderHash)
		if errors.Is(err, store.ErrNotFound) {
			return nil, notPublished(req)
		}
		if err != nil {
			return nil, errors.Wrap(err, "load order")
		}
		if o.Status != order.StatusOpen || o.Signer != req.Caller {
			return nil, notPublished(req)
		}
		return []*order.Order{o}, nil
	}

	if req.Kind != order.KindRequest && req.Resource == (common.Address{}) {
		return nil, order.NewValidationError("%s is a required field", req.Kind.Descriptor().ResourceField)
	}

	open, err := s.store.ListOpen(ctx, req.ChainID, req.Kind)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}

	field := req.Kind.Descriptor().SelectorField
	want := selectorValue(req)
	var matched []*order.Order
	for _, o := range open {
		if o.Signer == req.Caller && o.Payload.Address(field) == want {
			matched = append(matched, o)
		}
	}
	if len(matched) == 0 {
		return nil, notPublished(req)
	}

	if req.Target == TargetLast {
		last := slices.MaxFunc(matched, func(a, b *order.Order) int {
			if c := a.PublicationTimestamp.Compare(b.PublicationTimestamp); c != 0 {
				return c
			}
			return a.OrderHash.Cmp(b.OrderHash)
		})
		return []*order.Order{last}, nil
	}
	return matched, nil
}
