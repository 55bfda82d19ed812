package orderbook

import (
	"marketbook/domain/order"
)

const (
	MinPageSize     = 10
	MaxPageSize     = 1000
	DefaultPageSize = 20

	// LegacyPageSize is the fixed size of cursor pagination.
	LegacyPageSize = 20
)

// Page is one slice of a sorted listing.
type Page struct {
	Count  int
	Orders []*order.Order
	// NextPage is set in cursor mode while more results remain.
	NextPage *int
}

// Pagination selects index/size mode or, when Cursor is set, the
// legacy cursor mode.
type Pagination struct {
	PageIndex int
	PageSize  int
	Cursor    *int
}

func (p Pagination) Validate() error {
	if p.Cursor != nil {
		if *p.Cursor < 0 {
			return order.NewValidationError("page must be greater than or equal to 0")
		}
		return nil
	}
	if p.PageSize < MinPageSize {
		return order.NewValidationError("pageSize must be greater than or equal to %d", MinPageSize)
	}
	if p.PageSize > MaxPageSize {
		return order.NewValidationError("pageSize must be less than or equal to %d", MaxPageSize)
	}
	if p.PageIndex < 0 {
		return order.NewValidationError("pageIndex must be greater than or equal to 0")
	}
	return nil
}

// Paginate cuts a sorted listing. Pages past the end are empty but
// still report the total count.
func Paginate(sorted []*order.Order, p Pagination) Page {
	page := Page{Count: len(sorted)}

	if p.Cursor != nil {
		start := *p.Cursor
		page.Orders = window(sorted, start, LegacyPageSize)
		if start < len(sorted)-LegacyPageSize {
			next := start + LegacyPageSize
			page.NextPage = &next
		}
		return page
	}

	// compare before multiplying, huge indexes would overflow
	if p.PageSize <= 0 || p.PageIndex > len(sorted)/p.PageSize {
		page.Orders = []*order.Order{}
		return page
	}
	page.Orders = window(sorted, p.PageIndex*p.PageSize, p.PageSize)
	return page
}

func window(s []*order.Order, start, size int) []*order.Order {
	if start < 0 || start >= len(s) {
		return []*order.Order{}
	}
	end := len(s)
	if size < end-start {
		end = start + size
	}
	return s[start:end]
}
