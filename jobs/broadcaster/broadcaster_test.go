package broadcaster

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"marketbook/infra/notify"
	"marketbook/infra/outbox"
)

func newOutbox(t *testing.T) *outbox.Outbox {
	t.Helper()
	db, err := pebble.Open("outbox", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	box, err := outbox.Open(db)
	require.NoError(t, err)
	return box
}

func pending(t *testing.T, box *outbox.Outbox) map[uint64]*outbox.Record {
	t.Helper()
	out := map[uint64]*outbox.Record{}
	require.NoError(t, box.ScanPending(func(rec *outbox.Record) error {
		out[rec.Seq] = rec
		return nil
	}))
	return out
}

func TestRelayOnceDeliversAndDeletes(t *testing.T) {
	box := newOutbox(t)
	_, err := box.Append("1:orders", "apporder_published", []byte(`{"orderHash":"0x01"}`))
	require.NoError(t, err)
	_, err = box.Append("1:orders", "apporder_unpublished", []byte(`"0x01"`))
	require.NoError(t, err)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var m notify.Message
		if err := json.Unmarshal(val, &m); err != nil {
			return err
		}
		if m.Event != "apporder_published" || m.Channel != "1:orders" {
			return errors.Errorf("unexpected first message %s", val)
		}
		return nil
	})
	producer.ExpectSendMessageAndSucceed()

	b := New(box, producer, "orderbook-events", 0, zerolog.Nop())
	n, err := b.RelayOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, pending(t, box))
	require.NoError(t, b.Close())
}

func TestRelayOnceKeepsFailedRecords(t *testing.T) {
	box := newOutbox(t)
	for i := 0; i < 3; i++ {
		_, err := box.Append("1:orders", "requestorder_published", []byte(`{}`))
		require.NoError(t, err)
	}

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	b := New(box, producer, "orderbook-events", 0, zerolog.Nop())
	n, err := b.RelayOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// the failed record blocks the one behind it
	left := pending(t, box)
	require.Len(t, left, 2)
	require.Equal(t, outbox.StateFailed, left[2].State)
	require.EqualValues(t, 1, left[2].Retries)
	require.Equal(t, outbox.StateNew, left[3].State)

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	n, err = b.RelayOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, pending(t, box))
	require.NoError(t, b.Close())
}

func TestRelayOnceResendsInterruptedRecord(t *testing.T) {
	box := newOutbox(t)
	for i := 0; i < 2; i++ {
		_, err := box.Append("1:orders", "apporder_published", []byte(`{}`))
		require.NoError(t, err)
	}
	// a previous process died between marking and the broker ack
	require.NoError(t, box.UpdateState(1, outbox.StateSent, 0))

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	b := New(box, producer, "orderbook-events", 0, zerolog.Nop())
	n, err := b.RelayOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Empty(t, pending(t, box))
	require.NoError(t, b.Close())
}

func TestRelayOnceStopsOnCanceledContext(t *testing.T) {
	box := newOutbox(t)
	_, err := box.Append("1:orders", "apporder_published", []byte(`{}`))
	require.NoError(t, err)

	producer := mocks.NewSyncProducer(t, nil)
	b := New(box, producer, "orderbook-events", 0, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := b.RelayOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, pending(t, box), 1)
	require.NoError(t, b.Close())
}
