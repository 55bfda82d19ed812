package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"marketbook/domain/order"
)

// Fill is an on-chain consumption confirmation. Consumed is the
// absolute matched volume of the order, not a delta.
type Fill struct {
	ChainID   uint64      `json:"chainId"`
	Kind      order.Kind  `json:"kind"`
	OrderHash common.Hash `json:"orderHash"`
	Consumed  uint64      `json:"consumed"`
}

// Applier records a fill.
type Applier interface {
	ApplyConsumption(ctx context.Context, chainID uint64, kind order.Kind, hash common.Hash, consumed uint64) error
}

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type FillConsumer struct {
	reader  MessageReader
	applier Applier
	log     zerolog.Logger
	backoff time.Duration
}

func NewFillReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  500 * time.Millisecond,
	})
}

func NewFillConsumer(reader MessageReader, applier Applier, log zerolog.Logger) *FillConsumer {
	return &FillConsumer{
		reader:  reader,
		applier: applier,
		log:     log.With().Str("module", "fills").Logger(),
		backoff: time.Second,
	}
}

// Run consumes until ctx is done. A message is committed once it was
// applied or found to be malformed; transient failures are retried.
func (c *FillConsumer) Run(ctx context.Context) error {
	c.log.Info().Msg("started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "fetch fill")
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "commit fill")
		}
	}
}

func (c *FillConsumer) handle(ctx context.Context, msg kafka.Message) error {
	var f Fill
	if err := json.Unmarshal(msg.Value, &f); err != nil || !f.Kind.Valid() {
		c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("skipping malformed fill")
		return nil
	}

	for {
		err := c.applier.ApplyConsumption(ctx, f.ChainID, f.Kind, f.OrderHash, f.Consumed)
		if err == nil || order.IsNotFound(err) {
			return nil
		}
		c.log.Error().Err(err).
			Str("orderHash", f.OrderHash.Hex()).
			Msg("apply fill failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

func (c *FillConsumer) Close() error {
	return c.reader.Close()
}
