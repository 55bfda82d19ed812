package order

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"marketbook/domain/tag"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusFilled   Status = "filled"
	StatusCanceled Status = "canceled"
	StatusDead     Status = "dead"
)

// Terminal reports whether s can never change again.
func (s Status) Terminal() bool {
	return s != StatusOpen
}

// Retired reports whether the order left the book without being
// consumed, which makes its hash publishable again.
func (s Status) Retired() bool {
	return s == StatusCanceled || s == StatusDead
}

// CanTransition enforces open -> {filled, canceled, dead}.
func (s Status) CanTransition(to Status) bool {
	return s == StatusOpen && to != StatusOpen
}

// Order is the stored projection of a signed order.
type Order struct {
	ChainID   uint64
	Kind      Kind
	OrderHash common.Hash
	Payload   Payload

	// TagPositions always equals tag.ToArray(Payload.Tag).
	TagPositions []int
	Remaining    uint64
	Status       Status

	PublicationTimestamp time.Time
	Signer               common.Address
}

// New builds a freshly published open order.
func New(chainID uint64, kind Kind, hash common.Hash, p Payload, signer common.Address, consumed uint64, now time.Time) *Order {
	remaining := uint64(0)
	if consumed < p.Volume {
		remaining = p.Volume - consumed
	}
	return &Order{
		ChainID:              chainID,
		Kind:                 kind,
		OrderHash:            hash,
		Payload:              p,
		TagPositions:         tag.ToArray(p.Tag),
		Remaining:            remaining,
		Status:               StatusOpen,
		PublicationTimestamp: now.UTC(),
		Signer:               signer,
	}
}

// Resource returns the resource address a sell-side order offers.
func (o *Order) Resource() common.Address {
	return o.Payload.Address(o.Kind.Descriptor().ResourceField)
}

// Price returns the primary sort key of the order.
func (o *Order) Price() uint64 {
	return o.Payload.Amount(o.Kind.Descriptor().PriceField)
}

type orderJSON struct {
	ChainID              uint64          `json:"chainId"`
	Kind                 Kind            `json:"kind"`
	OrderHash            common.Hash     `json:"orderHash"`
	Order                json.RawMessage `json:"order"`
	TagArray             []int           `json:"tagArray"`
	Remaining            uint64          `json:"remaining"`
	Status               Status          `json:"status"`
	PublicationTimestamp time.Time       `json:"publicationTimestamp"`
	Signer               common.Address  `json:"signer"`
}

func (o Order) MarshalJSON() ([]byte, error) {
	body, err := o.Payload.Encode(o.Kind)
	if err != nil {
		return nil, err
	}
	positions := o.TagPositions
	if positions == nil {
		positions = []int{}
	}
	return json.Marshal(orderJSON{
		ChainID:              o.ChainID,
		Kind:                 o.Kind,
		OrderHash:            o.OrderHash,
		Order:                body,
		TagArray:             positions,
		Remaining:            o.Remaining,
		Status:               o.Status,
		PublicationTimestamp: o.PublicationTimestamp,
		Signer:               o.Signer,
	})
}

func (o *Order) UnmarshalJSON(b []byte) error {
	var raw orderJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	var p Payload
	if len(raw.Order) > 0 {
		if err := json.Unmarshal(raw.Order, &p); err != nil {
			return errors.Wrap(err, "decode payload")
		}
	}
	*o = Order{
		ChainID:              raw.ChainID,
		Kind:                 raw.Kind,
		OrderHash:            raw.OrderHash,
		Payload:              p,
		TagPositions:         tag.ToArray(p.Tag),
		Remaining:            raw.Remaining,
		Status:               raw.Status,
		PublicationTimestamp: raw.PublicationTimestamp,
		Signer:               raw.Signer,
	}
	return nil
}
