package broadcaster

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"marketbook/infra/notify"
	"marketbook/infra/outbox"
)

const DefaultInterval = 250 * time.Millisecond

// Broadcaster relays outbox records to a Kafka topic. Records are
// keyed by channel so every event of a chain lands on one partition in
// emission order.
type Broadcaster struct {
	box      *outbox.Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	log      zerolog.Logger
}

// ------------------------------------------------
// CONSTRUCTOR
// ------------------------------------------------

// NewProducer builds the sync producer used in production.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "kafka producer")
	}
	return producer, nil
}

func New(
	box *outbox.Outbox,
	producer sarama.SyncProducer,
	topic string,
	interval time.Duration,
	log zerolog.Logger,
) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Broadcaster{
		box:      box,
		producer: producer,
		topic:    topic,
		interval: interval,
		log:      log.With().Str("module", "broadcaster").Logger(),
	}
}

// ------------------------------------------------
// LOOP
// ------------------------------------------------

// Run relays pending records every interval until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) error {
	b.log.Info().Str("topic", b.topic).Msg("started")

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.RelayOnce(ctx); err != nil {
				b.log.Error().Err(err).Msg("relay pass failed")
			}
		}
	}
}

// ------------------------------------------------
// RELAY
// ------------------------------------------------

// RelayOnce sends every pending record once and returns how many were
// acknowledged. A failed send leaves the record FAILED for the next
// pass and stops this one, so later events never overtake it. Records
// left SENT by an interrupted pass are sent again.
func (b *Broadcaster) RelayOnce(ctx context.Context) (int, error) {
	acked := 0
	errStop := errors.New("stop")

	err := b.box.ScanPending(func(rec *outbox.Record) error {
		if ctx.Err() != nil {
			return errStop
		}

		// 1️⃣ Mark SENT
		if err := b.box.UpdateState(rec.Seq, outbox.StateSent, rec.Retries); err != nil {
			return errors.Wrapf(err, "mark sent %d", rec.Seq)
		}

		// 2️⃣ Publish to Kafka
		value, err := json.Marshal(notify.Message{
			Channel: rec.Channel,
			Event:   rec.Event,
			Data:    rec.Payload,
		})
		if err != nil {
			return errors.Wrapf(err, "encode %d", rec.Seq)
		}

		_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
			Topic: b.topic,
			Key:   sarama.StringEncoder(rec.Channel),
			Value: sarama.ByteEncoder(value),
		})
		if err != nil {
			b.log.Warn().Err(err).Uint64("seq", rec.Seq).Uint32("retries", rec.Retries+1).Msg("send failed")
			if err := b.box.UpdateState(rec.Seq, outbox.StateFailed, rec.Retries+1); err != nil {
				return errors.Wrapf(err, "mark failed %d", rec.Seq)
			}
			return errStop
		}

		// 3️⃣ Acked: nothing left to keep
		if err := b.box.Delete(rec.Seq); err != nil {
			return errors.Wrapf(err, "delete %d", rec.Seq)
		}
		acked++
		return nil
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return acked, err
}

// ------------------------------------------------
// SHUTDOWN
// ------------------------------------------------

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
