package service

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"marketbook/domain/order"
)

// OrderStore persists orders with single-document atomic writes.
type OrderStore interface {
	Insert(ctx context.Context, o *order.Order) (*order.Order, error)
	Get(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash) (*order.Order, error)
	Transition(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash, from, to order.Status) (*order.Order, error)
	Consume(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash, consumed uint64) (*order.Order, bool, error)
	ListOpen(ctx context.Context, chainID uint64, kind order.Kind) ([]*order.Order, error)
}

// Chain reads the on-chain state the book mirrors.
type Chain interface {
	StakeOf(ctx context.Context, chainID uint64, account common.Address) (*uint256.Int, error)
	Consumed(ctx context.Context, chainID uint64, hash common.Hash) (uint64, error)
	OwnerOf(ctx context.Context, chainID uint64, resource common.Address) (common.Address, error)
	OwnedResources(ctx context.Context, chainID uint64, kind order.Kind, owner common.Address) ([]common.Address, error)
}

// Signer computes order hashes and checks order signatures.
type Signer interface {
	Hash(chainID uint64, kind order.Kind, p *order.Payload) (common.Hash, error)
	Verify(chainID uint64, kind order.Kind, p *order.Payload, hash common.Hash, signer common.Address) error
}

// Emitter is the notification sink.
type Emitter interface {
	Emit(ctx context.Context, channel, event string, payload any) error
}

// Trigger names a resource whose orders changed availability.
type Trigger struct {
	ChainID  uint64
	Kind     order.Kind
	Resource common.Address
}

// Scheduler runs cascade re-validation in the background.
type Scheduler interface {
	Schedule(t Trigger)
}
