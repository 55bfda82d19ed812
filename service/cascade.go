package service

import (
	"context"

	"github.com/pkg/errors"

	"marketbook/domain/order"
	"marketbook/domain/orderbook"
	"marketbook/infra/store"
)

// Revalidate kills the open request orders that relied on t's
// resource and can no longer be served by any open order for it.
// It only ever moves orders from open to dead, so running it again on
// unchanged state does nothing. It returns how many orders died.
func (s *OrderService) Revalidate(ctx context.Context, t Trigger) (int, error) {
	requests, err := s.store.ListOpen(ctx, t.ChainID, order.KindRequest)
	if err != nil {
		return 0, errors.Wrap(err, "list requestorders")
	}

	var dependents []*order.Order
	for _, r := range requests {
		if orderbook.DependsOn(&r.Payload, t.Kind, t.Resource) {
			dependents = append(dependents, r)
		}
	}
	if len(dependents) == 0 {
		return 0, nil
	}

	resources, err := s.store.ListOpen(ctx, t.ChainID, t.Kind)
	if err != nil {
		return 0, errors.Wrapf(err, "list %s", t.Kind.OrderName())
	}

	killed := 0
	for _, r := range dependents {
		if served(resources, &r.Payload) {
			continue
		}

		o, err := s.store.Transition(ctx, r.ChainID, r.Kind, r.OrderHash, order.StatusOpen, order.StatusDead)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return killed, errors.Wrapf(err, "kill %s", r.OrderHash.Hex())
		}

		killed++
		unpublishedCounter.WithLabelValues(o.Kind.String(), string(order.StatusDead)).Inc()
		s.log.Info().
			Uint64("chainId", o.ChainID).
			Str("orderHash", o.OrderHash.Hex()).
			Str("cause", t.Resource.Hex()).
			Msg("requestorder dead")
		s.emitUnpublished(ctx, o)
	}
	return killed, nil
}

func served(resources []*order.Order, req *order.Payload) bool {
	for _, o := range resources {
		if orderbook.Serves(o, req) {
			return true
		}
	}
	return false
}
