package orderbook

import (
	"github.com/ethereum/go-ethereum/common"

	"marketbook/domain/order"
	"marketbook/domain/tag"
)

// AddressFilter matches an address member equal to Address or, unless
// Strict, equal to the zero (unrestricted) address.
type AddressFilter struct {
	Address common.Address
	Strict  bool
}

func (f AddressFilter) match(v common.Address) bool {
	if v == f.Address {
		return true
	}
	return !f.Strict && v == (common.Address{})
}

// Filter selects orders of one kind. Nil members are not applied.
type Filter struct {
	Kind order.Kind

	// Resources restricts the resource member to a set of addresses.
	// A non-nil empty set matches nothing.
	Resources []common.Address

	Restrictions map[order.Field]AddressFilter
	Exact        map[order.Field]common.Address

	MinTag *tag.Tag
	MaxTag *tag.Tag

	MinVolume *uint64
	MinTrust  *uint64
	MaxTrust  *uint64
	Category  *uint64
	MaxPrice  *uint64
}

// Matcher is a Filter with its tag bounds expanded to positions.
type Matcher struct {
	f         Filter
	resources map[common.Address]struct{}
	required  []int
	forbidden [tag.Size + 1]bool
}

// Compile expands the tag bounds once so Match stays cheap.
func (f Filter) Compile() *Matcher {
	m := &Matcher{f: f}
	if f.Resources != nil {
		m.resources = make(map[common.Address]struct{}, len(f.Resources))
		for _, a := range f.Resources {
			m.resources[a] = struct{}{}
		}
	}
	if f.MinTag != nil {
		m.required = tag.ToArray(*f.MinTag)
	}
	if f.MaxTag != nil {
		for _, p := range tag.ExcludeArray(tag.ToArray(*f.MaxTag)) {
			m.forbidden[p] = true
		}
	}
	return m
}

// Match reports whether o passes every configured predicate.
// Status is not considered here; listings only feed open orders.
func (m *Matcher) Match(o *order.Order) bool {
	f := &m.f
	if o.Kind != f.Kind {
		return false
	}

	if m.resources != nil {
		if _, ok := m.resources[o.Resource()]; !ok {
			return false
		}
	}
	for field, af := range f.Restrictions {
		if !af.match(o.Payload.Address(field)) {
			return false
		}
	}
	for field, addr := range f.Exact {
		if o.Payload.Address(field) != addr {
			return false
		}
	}

	if !m.matchTag(o.TagPositions) {
		return false
	}

	if f.MinVolume != nil && o.Remaining < *f.MinVolume {
		return false
	}
	if f.MinTrust != nil && o.Payload.Trust < *f.MinTrust {
		return false
	}
	if f.MaxTrust != nil && o.Payload.Trust > *f.MaxTrust {
		return false
	}
	if f.Category != nil && o.Payload.Category != *f.Category {
		return false
	}
	if f.MaxPrice != nil && o.Price() > *f.MaxPrice {
		return false
	}
	return true
}

func (m *Matcher) matchTag(positions []int) bool {
	if len(m.required) > 0 {
		have := make(map[int]struct{}, len(positions))
		for _, p := range positions {
			have[p] = struct{}{}
		}
		for _, p := range m.required {
			if _, ok := have[p]; !ok {
				return false
			}
		}
	}
	if m.f.MaxTag != nil {
		for _, p := range positions {
			if p >= 1 && p <= tag.Size && m.forbidden[p] {
				return false
			}
		}
	}
	return true
}

// Select returns the matching orders, preserving input order.
func (m *Matcher) Select(orders []*order.Order) []*order.Order {
	out := make([]*order.Order, 0, len(orders))
	for _, o := range orders {
		if m.Match(o) {
			out = append(out, o)
		}
	}
	return out
}
