package service

import (
	"context"
	"crypto/ecdsa"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"marketbook/domain/order"
	"marketbook/domain/tag"
	"marketbook/infra/eip712"
	"marketbook/infra/store"
)

const chainID = 1

var (
	app1  = common.HexToAddress("0xa1")
	app2  = common.HexToAddress("0xa2")
	pool1 = common.HexToAddress("0xc1")
	t0    = time.Unix(1_700_000_000, 0).UTC()
)

type actor struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newActor(t *testing.T) actor {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return actor{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

type fakeChain struct {
	mu       sync.Mutex
	stakes   map[common.Address]uint64
	consumed map[common.Hash]uint64
	owners   map[common.Address]common.Address
	owned    map[common.Address][]common.Address
}

func (c *fakeChain) StakeOf(_ context.Context, _ uint64, account common.Address) (*uint256.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint256.NewInt(c.stakes[account]), nil
}

func (c *fakeChain) Consumed(_ context.Context, _ uint64, hash common.Hash) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumed[hash], nil
}

func (c *fakeChain) OwnerOf(_ context.Context, _ uint64, resource common.Address) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.owners[resource]
	if !ok {
		return common.Address{}, errors.New("execution reverted")
	}
	return o, nil
}

func (c *fakeChain) OwnedResources(_ context.Context, _ uint64, _ order.Kind, owner common.Address) ([]common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owned[owner], nil
}

type event struct {
	Channel string
	Name    string
	Payload any
}

type captured struct {
	mu     sync.Mutex
	events []event
}

func (c *captured) Emit(_ context.Context, channel, name string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{channel, name, payload})
	return nil
}

func (c *captured) named(name string) []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

type recorded struct {
	mu       sync.Mutex
	triggers []Trigger
}

func (r *recorded) Schedule(t Trigger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
}

type fixture struct {
	svc    *OrderService
	chain  *fakeChain
	events *captured
	sched  *recorded
	orders *store.Orders
	domain eip712.Domain

	appOwner  actor
	poolOwner actor
	requester actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := pebble.Open("orders", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		events:    &captured{},
		sched:     &recorded{},
		orders:    store.NewOrders(db),
		domain:    eip712.Domain{ChainID: chainID, Hub: common.HexToAddress("0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f")},
		appOwner:  newActor(t),
		poolOwner: newActor(t),
		requester: newActor(t),
	}
	f.chain = &fakeChain{
		stakes:   map[common.Address]uint64{f.requester.addr: 1000, f.poolOwner.addr: 1000},
		consumed: map[common.Hash]uint64{},
		owners: map[common.Address]common.Address{
			app1:  f.appOwner.addr,
			app2:  f.appOwner.addr,
			pool1: f.poolOwner.addr,
		},
		owned: map[common.Address][]common.Address{
			f.appOwner.addr: {app1, app2},
		},
	}

	f.svc = NewOrderService(Config{}, f.orders, f.chain, eip712.NewVerifier(f.domain), f.events, zerolog.Nop())
	f.svc.SetScheduler(f.sched)

	var tick atomic.Int64
	f.svc.now = func() time.Time {
		return t0.Add(time.Duration(tick.Add(1)) * time.Second)
	}
	return f
}

func (f *fixture) sign(t *testing.T, k order.Kind, p order.Payload, by actor) order.Payload {
	t.Helper()
	h, err := f.domain.Hash(k, &p)
	require.NoError(t, err)
	sig, err := crypto.Sign(h.Bytes(), by.key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27
	p.Sign = sig
	return p
}

func (f *fixture) publish(t *testing.T, k order.Kind, p order.Payload, by actor) (*order.Order, error) {
	t.Helper()
	return f.svc.Publish(context.Background(), PublishRequest{
		ChainID: chainID,
		Kind:    k,
		Order:   f.sign(t, k, p, by),
		Caller:  by.addr,
	})
}

func (f *fixture) mustPublish(t *testing.T, k order.Kind, p order.Payload, by actor) *order.Order {
	t.Helper()
	o, err := f.publish(t, k, p, by)
	require.NoError(t, err)
	return o
}

func appPayload(app common.Address, price uint64, tg string) order.Payload {
	return order.Payload{
		App:      app,
		AppPrice: price,
		Volume:   10,
		Tag:      tag.MustParse(tg),
		Salt:     common.BigToHash(common.Big1),
	}
}

func (f *fixture) requestPayload(maxPrice uint64, tg string) order.Payload {
	return order.Payload{
		App:         app1,
		AppMaxPrice: maxPrice,
		Requester:   f.requester.addr,
		Volume:      1,
		Tag:         tag.MustParse(tg),
		Category:    0,
	}
}

func (f *fixture) status(t *testing.T, o *order.Order) order.Status {
	t.Helper()
	got, err := f.orders.Get(context.Background(), o.ChainID, o.Kind, o.OrderHash)
	require.NoError(t, err)
	return got.Status
}

func requireBusiness(t *testing.T, err error, msg string) {
	t.Helper()
	require.Error(t, err)
	require.True(t, order.IsBusiness(err), "want business error, got %T: %v", err, err)
	require.EqualError(t, err, msg)
}
