package orderbook

import (
	"fmt"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"marketbook/domain/order"
	"marketbook/domain/tag"
)

var (
	app1     = common.HexToAddress("0xa1")
	app2     = common.HexToAddress("0xa2")
	dataset1 = common.HexToAddress("0xd1")
	pool1    = common.HexToAddress("0xc1")
	pool2    = common.HexToAddress("0xc2")
	req1     = common.HexToAddress("0xb1")
	req2     = common.HexToAddress("0xb2")
	t0       = time.Unix(1_700_000_000, 0).UTC()
)

func appOrder(n int, price uint64, tg string, mutate ...func(*order.Payload)) *order.Order {
	p := order.Payload{
		App:      app1,
		AppPrice: price,
		Volume:   10,
		Tag:      tag.MustParse(tg),
		Sign:     []byte{1},
	}
	for _, m := range mutate {
		m(&p)
	}
	return order.New(1, order.KindApp, hashN(n),
		p, app1, 0, t0.Add(time.Duration(n)*time.Second))
}

func hashes(orders []*order.Order) []int {
	out := make([]int, 0, len(orders))
	for _, o := range orders {
		out = append(out, int(o.OrderHash.Big().Int64()))
	}
	return out
}

func ptr[T any](v T) *T { return &v }

func hashN(n int) common.Hash {
	return common.BigToHash(big.NewInt(int64(n)))
}

func TestMinTagSelectsSupersets(t *testing.T) {
	book := []*order.Order{
		appOrder(1, 1, "0x0"),
		appOrder(2, 1, "0x1"),
		appOrder(3, 1, "0x3"),
		appOrder(4, 1, "0x103"),
		appOrder(5, 1, "0x100"),
	}

	got := Filter{Kind: order.KindApp, MinTag: ptr(tag.MustParse("0x3"))}.Compile().Select(book)
	require.Equal(t, []int{3, 4}, hashes(got))

	got = Filter{Kind: order.KindApp, MinTag: ptr(tag.Zero)}.Compile().Select(book)
	require.Len(t, got, len(book))
}

func TestMaxTagSelectsSubsets(t *testing.T) {
	book := []*order.Order{
		appOrder(1, 1, "0x0"),
		appOrder(2, 1, "0x1"),
		appOrder(3, 1, "0x100"),
		appOrder(4, 1, "0x101"),
	}

	got := Filter{Kind: order.KindApp, MaxTag: ptr(tag.MustParse("0x100"))}.Compile().Select(book)
	require.Equal(t, []int{1, 3}, hashes(got))

	got = Filter{Kind: order.KindApp, MaxTag: ptr(tag.Zero)}.Compile().Select(book)
	require.Equal(t, []int{1}, hashes(got))
}

func TestMinAndMaxTagIntersection(t *testing.T) {
	book := []*order.Order{
		appOrder(1, 1, "0x1"),
		appOrder(2, 1, "0x3"),
		appOrder(3, 1, "0x7"),
	}

	got := Filter{
		Kind:   order.KindApp,
		MinTag: ptr(tag.MustParse("0x1")),
		MaxTag: ptr(tag.MustParse("0x3")),
	}.Compile().Select(book)
	require.Equal(t, []int{1, 2}, hashes(got))

	got = Filter{
		Kind:   order.KindApp,
		MinTag: ptr(tag.MustParse("0x4")),
		MaxTag: ptr(tag.MustParse("0x3")),
	}.Compile().Select(book)
	require.Empty(t, got)
}

func TestRestrictionFilter(t *testing.T) {
	book := []*order.Order{
		appOrder(1, 1, "0x0"),
		appOrder(2, 1, "0x0", func(p *order.Payload) { p.RequesterRestrict = req1 }),
		appOrder(3, 1, "0x0", func(p *order.Payload) { p.RequesterRestrict = req2 }),
		appOrder(4, 1, "0x0", func(p *order.Payload) { p.App = app2 }),
	}

	f := Filter{
		Kind:      order.KindApp,
		Resources: []common.Address{app1},
		Restrictions: map[order.Field]AddressFilter{
			order.FieldRequesterRestrict: {Address: req1},
		},
	}
	require.Equal(t, []int{1, 2}, hashes(f.Compile().Select(book)))

	f.Restrictions[order.FieldRequesterRestrict] = AddressFilter{Address: req1, Strict: true}
	require.Equal(t, []int{2}, hashes(f.Compile().Select(book)))

	f.Resources = []common.Address{}
	require.Empty(t, f.Compile().Select(book))
}

func TestNumericFilters(t *testing.T) {
	pool := func(n int, trust, category uint64, remaining uint64) *order.Order {
		o := order.New(1, order.KindWorkerpool, hashN(n), order.Payload{
			Workerpool: pool1, WorkerpoolPrice: 1, Volume: 10, Trust: trust, Category: category, Sign: []byte{1},
		}, pool1, 0, t0)
		o.Remaining = remaining
		return o
	}
	book := []*order.Order{pool(1, 0, 0, 10), pool(2, 5, 0, 1), pool(3, 10, 1, 10)}

	got := Filter{Kind: order.KindWorkerpool, MinVolume: ptr(uint64(5))}.Compile().Select(book)
	require.Equal(t, []int{1, 3}, hashes(got))

	got = Filter{Kind: order.KindWorkerpool, MinTrust: ptr(uint64(1)), MaxTrust: ptr(uint64(5))}.Compile().Select(book)
	require.Equal(t, []int{2}, hashes(got))

	got = Filter{Kind: order.KindWorkerpool, Category: ptr(uint64(1))}.Compile().Select(book)
	require.Equal(t, []int{3}, hashes(got))
}

func TestSortSellSideAscending(t *testing.T) {
	book := []*order.Order{
		appOrder(3, 5, "0x0"),
		appOrder(1, 7, "0x0"),
		appOrder(2, 5, "0x0"),
	}
	// same price and timestamp, hash breaks the tie
	tie := appOrder(4, 5, "0x0")
	tie.PublicationTimestamp = book[2].PublicationTimestamp
	book = append(book, tie)

	Sort(book)
	require.Equal(t, []int{2, 4, 3, 1}, hashes(book))
}

func TestSortBuySideDescending(t *testing.T) {
	mk := func(n int, maxPrice uint64) *order.Order {
		return order.New(1, order.KindRequest, hashN(n), order.Payload{
			App: app1, Requester: req1, WorkerpoolMaxPrice: maxPrice, Volume: 1, Sign: []byte{1},
		}, req1, 0, t0.Add(time.Duration(n)*time.Second))
	}
	book := []*order.Order{mk(1, 1), mk(2, 9), mk(3, 9), mk(4, 4)}

	Sort(book)
	require.Equal(t, []int{2, 3, 4, 1}, hashes(book))
}

func TestPaginationMonotonic(t *testing.T) {
	var book []*order.Order
	for i := 1; i <= 45; i++ {
		book = append(book, appOrder(i, uint64(i%7), "0x0"))
	}
	Sort(book)

	var all []*order.Order
	for idx := 0; ; idx++ {
		p := Paginate(book, Pagination{PageIndex: idx, PageSize: 10})
		require.Equal(t, 45, p.Count)
		if len(p.Orders) == 0 {
			break
		}
		all = append(all, p.Orders...)
	}
	require.Len(t, all, 45)
	for i := 1; i < len(all); i++ {
		require.LessOrEqual(t, Compare(all[i-1], all[i]), 0, fmt.Sprintf("boundary %d", i))
	}

	past := Paginate(book, Pagination{PageIndex: 10, PageSize: 10})
	require.Equal(t, 45, past.Count)
	require.NotNil(t, past.Orders)
	require.Empty(t, past.Orders)
}

func TestCursorPagination(t *testing.T) {
	var book []*order.Order
	for i := 1; i <= 45; i++ {
		book = append(book, appOrder(i, 1, "0x0"))
	}

	p := Paginate(book, Pagination{Cursor: ptr(0)})
	require.Len(t, p.Orders, LegacyPageSize)
	require.Equal(t, 20, *p.NextPage)

	p = Paginate(book, Pagination{Cursor: ptr(40)})
	require.Len(t, p.Orders, 5)
	require.Nil(t, p.NextPage)
}

func TestPaginationHugeIndexes(t *testing.T) {
	var book []*order.Order
	for i := 1; i <= 45; i++ {
		book = append(book, appOrder(i, 1, "0x0"))
	}

	p := Paginate(book, Pagination{PageIndex: math.MaxInt64 / 100, PageSize: MaxPageSize})
	require.Equal(t, 45, p.Count)
	require.NotNil(t, p.Orders)
	require.Empty(t, p.Orders)

	p = Paginate(book, Pagination{PageIndex: math.MaxInt64, PageSize: MinPageSize})
	require.Empty(t, p.Orders)

	p = Paginate(book, Pagination{Cursor: ptr(math.MaxInt64 - 5)})
	require.Equal(t, 45, p.Count)
	require.Empty(t, p.Orders)
	require.Nil(t, p.NextPage)
}

func TestPaginationValidate(t *testing.T) {
	err := Pagination{PageSize: 9}.Validate()
	require.EqualError(t, err, "pageSize must be greater than or equal to 10")
	err = Pagination{PageSize: 1001}.Validate()
	require.EqualError(t, err, "pageSize must be less than or equal to 1000")
	err = Pagination{PageSize: 10, PageIndex: -1}.Validate()
	require.EqualError(t, err, "pageIndex must be greater than or equal to 0")
	require.True(t, order.IsValidation(err))
	require.NoError(t, Pagination{PageSize: 1000}.Validate())
}

func TestDependencyFilter(t *testing.T) {
	req := &order.Payload{
		App: app1, AppMaxPrice: 5,
		Workerpool: pool1, WorkerpoolMaxPrice: 10,
		Requester: req1, Volume: 1, Tag: tag.MustParse("0x3"), Category: 2, Trust: 1,
	}

	require.Equal(t, []Dependency{
		{Kind: order.KindApp, Resource: app1},
		{Kind: order.KindWorkerpool, Resource: pool1},
	}, Dependencies(req))
	require.True(t, DependsOn(req, order.KindWorkerpool, pool1))
	require.False(t, DependsOn(req, order.KindDataset, dataset1))

	cheap := appOrder(1, 5, "0x1")
	pricey := appOrder(2, 6, "0x1")
	noTee := appOrder(3, 1, "0x0")
	private := appOrder(4, 1, "0x1", func(p *order.Payload) { p.RequesterRestrict = req2 })
	wrongPool := appOrder(5, 1, "0x1", func(p *order.Payload) { p.WorkerpoolRestrict = pool2 })

	require.True(t, Serves(cheap, req))
	require.False(t, Serves(pricey, req))
	require.False(t, Serves(noTee, req))
	require.False(t, Serves(private, req))
	require.False(t, Serves(wrongPool, req))

	loose := DependencyFilter(req, order.KindApp, false).Compile()
	require.True(t, loose.Match(noTee))

	mkPool := func(tg string, category, trust uint64) *order.Order {
		return order.New(1, order.KindWorkerpool, common.Hash{}, order.Payload{
			Workerpool: pool1, WorkerpoolPrice: 10, Volume: 1, Tag: tag.MustParse(tg),
			Category: category, Trust: trust, Sign: []byte{1},
		}, pool1, 0, t0)
	}
	require.True(t, Serves(mkPool("0x3", 2, 1), req))
	require.True(t, Serves(mkPool("0x7", 2, 5), req))
	require.False(t, Serves(mkPool("0x1", 2, 1), req))
	require.False(t, Serves(mkPool("0x3", 3, 1), req))
	require.False(t, Serves(mkPool("0x3", 2, 0), req))

	dead := mkPool("0x3", 2, 1)
	dead.Status = order.StatusCanceled
	require.False(t, Serves(dead, req))
}
