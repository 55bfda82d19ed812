package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"

	"marketbook/infra/outbox"
)

// Emitter delivers one event on a channel.
type Emitter interface {
	Emit(ctx context.Context, channel, event string, payload any) error
}

// Outbox persists events for the broadcaster to relay.
type Outbox struct {
	box *outbox.Outbox
}

func NewOutbox(box *outbox.Outbox) *Outbox {
	return &Outbox{box: box}
}

func (o *Outbox) Emit(ctx context.Context, channel, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	_, err = o.box.Append(channel, event, data)
	return err
}

// Multi emits to every sink in order. All sinks are tried; the first
// error is returned.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, channel, event string, payload any) error {
	var first error
	for _, e := range m {
		if err := e.Emit(ctx, channel, event, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Channel is the room order events of a chain are emitted on.
func Channel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10) + ":orders"
}
