package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// ErrConsumed is returned when a challenge was already used.
var ErrConsumed = errors.New("store: challenge consumed")

type Challenge struct {
	ChainID uint64         `json:"chainId"`
	Hash    common.Hash    `json:"hash"`
	Value   string         `json:"value"`
	Address common.Address `json:"address"`

	IssuedAt   time.Time  `json:"issuedAt"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
}

// Challenges holds issued nonces. A challenge goes Issued -> Consumed
// exactly once.
type Challenges struct {
	db *pebble.DB
	mu sync.Mutex
}

func NewChallenges(db *pebble.DB) *Challenges {
	return &Challenges{db: db}
}

func challengeKey(chainID uint64, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("challenge/%020d/%s", chainID, hash.Hex()))
}

func (s *Challenges) Put(ctx context.Context, c *Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode challenge")
	}
	return s.db.Set(challengeKey(c.ChainID, c.Hash), val, pebble.Sync)
}

func (s *Challenges) get(key []byte) (*Challenge, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var c Challenge
	if err := json.Unmarshal(val, &c); err != nil {
		return nil, errors.Wrap(err, "decode challenge")
	}
	return &c, nil
}

// Consume marks the challenge used and returns it as it was before.
// Of two concurrent callers only one gets a nil error.
func (s *Challenges) Consume(ctx context.Context, chainID uint64, hash common.Hash, now time.Time) (*Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := challengeKey(chainID, hash)
	c, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if c.ConsumedAt != nil {
		return c, ErrConsumed
	}

	issued := *c
	at := now.UTC()
	c.ConsumedAt = &at
	val, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "encode challenge")
	}
	if err := s.db.Set(key, val, pebble.Sync); err != nil {
		return nil, errors.Wrap(err, "consume challenge")
	}
	return &issued, nil
}

// Prune removes consumed challenges and those issued before cutoff.
func (s *Challenges) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := []byte("challenge/")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		var c Challenge
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return 0, errors.Wrapf(err, "decode %s", iter.Key())
		}
		if c.ConsumedAt == nil && !c.IssuedAt.Before(cutoff) {
			continue
		}
		if err := b.Delete(iter.Key(), nil); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return n, b.Commit(pebble.Sync)
}
