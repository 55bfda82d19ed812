package outbox

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	"marketbook/infra/sequence"
)

// -------------------- State --------------------

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Pending reports whether a record still has to reach the broker. A
// SENT record was never acknowledged, so it is relayed again.
func (s State) Pending() bool {
	return s == StateNew || s == StateSent || s == StateFailed
}

// -------------------- Record --------------------

// Record is one notification waiting for relay.
type Record struct {
	Seq     uint64          `json:"seq"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`

	State       State  `json:"state"`
	Retries     uint32 `json:"retries"`
	LastAttempt int64  `json:"lastAttempt"`
}

// -------------------- Outbox --------------------

type Outbox struct {
	db  *pebble.DB
	seq *sequence.Sequencer
}

// Open resumes the sequence after the highest stored record.
func Open(db *pebble.DB) (*Outbox, error) {
	last, err := lastSeq(db)
	if err != nil {
		return nil, errors.Wrap(err, "outbox: recover sequence")
	}
	return &Outbox{db: db, seq: sequence.New(last)}, nil
}

// -------------------- API --------------------

// Append stores a NEW record and returns its sequence.
func (o *Outbox) Append(channel, event string, payload []byte) (uint64, error) {
	rec := Record{
		Seq:     o.seq.Next(),
		Channel: channel,
		Event:   event,
		Payload: payload,
		State:   StateNew,
	}
	if err := o.put(&rec); err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

// UpdateState records the outcome of a relay attempt.
func (o *Outbox) UpdateState(seq uint64, state State, retries uint32) error {
	rec, err := o.Get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries = retries
	rec.LastAttempt = time.Now().UnixNano()
	return o.put(rec)
}

// Delete removes an ACKED record.
func (o *Outbox) Delete(seq uint64) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

func (o *Outbox) Get(seq uint64) (*Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, errors.Wrapf(err, "outbox: decode %d", seq)
	}
	return &rec, nil
}

func (o *Outbox) put(rec *Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "outbox: encode")
	}
	return o.db.Set(keyFor(rec.Seq), val, pebble.Sync)
}

// -------------------- Scan --------------------

// ScanPending visits NEW, SENT and FAILED records in sequence order.
// Returning an error from fn stops the scan.
func (o *Outbox) ScanPending(fn func(rec *Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return errors.Wrapf(err, "outbox: decode %s", iter.Key())
		}
		if !rec.State.Pending() {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// -------------------- Helpers --------------------

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("event/%020d", seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte("event/"))), "%d", &seq)
	return seq, err
}

func lastSeq(db *pebble.DB) (uint64, error) {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("event/"),
		UpperBound: []byte("event/~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(iter.Key())
}
