package orderbook

import (
	"bytes"
	"slices"

	"marketbook/domain/order"
)

// Compare is the total book order: best price first (lowest ask,
// highest bid), then oldest publication, then order hash.
func Compare(a, b *order.Order) int {
	pa, pb := a.Price(), b.Price()
	if pa != pb {
		asc := pa < pb
		if a.Kind.Descriptor().SellSide == asc {
			return -1
		}
		return 1
	}
	if c := a.PublicationTimestamp.Compare(b.PublicationTimestamp); c != 0 {
		return c
	}
	return bytes.Compare(a.OrderHash[:], b.OrderHash[:])
}

// Sort orders in place by Compare.
func Sort(orders []*order.Order) {
	slices.SortFunc(orders, Compare)
}
