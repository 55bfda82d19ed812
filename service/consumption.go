package service

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"marketbook/domain/order"
	"marketbook/infra/store"
)

// ApplyConsumption mirrors an on-chain match. consumed is the absolute
// matched volume of the order; stale or repeated confirmations are
// no-ops. An order whose volume is exhausted becomes filled and leaves
// the book, which re-validates its dependents like a withdrawal.
func (s *OrderService) ApplyConsumption(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash, consumed uint64) error {
	o, changed, err := s.store.Consume(ctx, chainID, kind, hash, consumed)
	if errors.Is(err, store.ErrNotFound) {
		return order.NewNotFoundError("%s not found", kind.OrderName())
	}
	if err != nil {
		return errors.Wrap(err, "consume order")
	}
	if !changed {
		return nil
	}

	switch o.Status {
	case order.StatusOpen:
		s.emitUpdated(ctx, o)
		return nil
	case order.StatusFilled:
	default:
		// retired orders only track the volume
		return nil
	}

	unpublishedCounter.WithLabelValues(o.Kind.String(), string(order.StatusFilled)).Inc()
	s.log.Info().
		Uint64("chainId", chainID).
		Str("kind", kind.String()).
		Str("orderHash", hash.Hex()).
		Msg("order filled")
	s.emitUnpublished(ctx, o)
	s.schedule(o)
	return nil
}
