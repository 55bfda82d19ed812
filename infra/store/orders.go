package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"marketbook/domain/order"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrExists   = errors.New("store: already exists")
	ErrConflict = errors.New("store: status changed concurrently")
)

const lockStripes = 64

// Orders is the order collection. Every kind lives in its own key
// range; documents are unique on (chainId, kind, orderHash).
//
// Layout:
//
//	order/<chain>/<kind>/<hash> -> document
//	open/<chain>/<kind>/<hash>  -> document, present iff status is open
//
// Conditional writes hold the stripe lock of their key for the read
// and the batch commit, which makes them single-document atomic.
type Orders struct {
	db    *pebble.DB
	locks [lockStripes]sync.Mutex
}

func NewOrders(db *pebble.DB) *Orders {
	return &Orders{db: db}
}

func docKey(chainID uint64, kind order.Kind, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("order/%020d/%s/%s", chainID, kind, hash.Hex()))
}

func openKey(chainID uint64, kind order.Kind, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("open/%020d/%s/%s", chainID, kind, hash.Hex()))
}

func openPrefix(chainID uint64, kind order.Kind) []byte {
	return []byte(fmt.Sprintf("open/%020d/%s/", chainID, kind))
}

func (s *Orders) lock(hash common.Hash) func() {
	m := &s.locks[int(hash[len(hash)-1])%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *Orders) get(chainID uint64, kind order.Kind, hash common.Hash) (*order.Order, error) {
	val, closer, err := s.db.Get(docKey(chainID, kind, hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var o order.Order
	if err := json.Unmarshal(val, &o); err != nil {
		return nil, errors.Wrap(err, "decode order")
	}
	return &o, nil
}

func (s *Orders) put(o *order.Order) error {
	val, err := json.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "encode order")
	}

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(docKey(o.ChainID, o.Kind, o.OrderHash), val, nil); err != nil {
		return err
	}
	ok := openKey(o.ChainID, o.Kind, o.OrderHash)
	if o.Status == order.StatusOpen {
		err = b.Set(ok, val, nil)
	} else {
		err = b.Delete(ok, nil)
	}
	if err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// Get reads an order of any status.
func (s *Orders) Get(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.get(chainID, kind, hash)
}

// Insert stores o unless a document with the same key exists that
// is still open or filled; retired documents are replaced. On
// ErrExists the existing document is returned.
func (s *Orders) Insert(ctx context.Context, o *order.Order) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.lock(o.OrderHash)()

	existing, err := s.get(o.ChainID, o.Kind, o.OrderHash)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	case !existing.Status.Retired():
		return existing, ErrExists
	}

	if err := s.put(o); err != nil {
		return nil, errors.Wrap(err, "insert order")
	}
	return nil, nil
}

// Transition moves an order from one status to another, only if it
// is still in from. ErrConflict reports a lost race.
func (s *Orders) Transition(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash, from, to order.Status) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer s.lock(hash)()

	o, err := s.get(chainID, kind, hash)
	if err != nil {
		return nil, err
	}
	if o.Status != from || !from.CanTransition(to) {
		return o, ErrConflict
	}

	o.Status = to
	if err := s.put(o); err != nil {
		return nil, errors.Wrap(err, "transition order")
	}
	return o, nil
}

// Consume records the absolute consumed volume of an order. Remaining
// only decreases, so replays and out-of-order confirmations are
// harmless. An open order whose remaining reaches zero becomes filled.
// changed is false when the update had no effect.
func (s *Orders) Consume(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash, consumed uint64) (o *order.Order, changed bool, err error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	defer s.lock(hash)()

	o, err = s.get(chainID, kind, hash)
	if err != nil {
		return nil, false, err
	}

	remaining := uint64(0)
	if consumed < o.Payload.Volume {
		remaining = o.Payload.Volume - consumed
	}
	if remaining >= o.Remaining {
		return o, false, nil
	}

	o.Remaining = remaining
	if remaining == 0 && o.Status == order.StatusOpen {
		o.Status = order.StatusFilled
	}
	if err := s.put(o); err != nil {
		return nil, false, errors.Wrap(err, "consume order")
	}
	return o, true, nil
}

// ListOpen returns every open order of a kind on a chain, in key order.
func (s *Orders) ListOpen(ctx context.Context, chainID uint64, kind order.Kind) ([]*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := openPrefix(chainID, kind)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*order.Order
	for iter.First(); iter.Valid(); iter.Next() {
		var o order.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, errors.Wrapf(err, "decode %s", iter.Key())
		}
		out = append(out, &o)
	}
	return out, iter.Error()
}

// upperBound is the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
