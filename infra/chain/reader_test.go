package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"marketbook/domain/order"
)

var (
	hub      = common.HexToAddress("0x3eca1B216A7DF1C7689aEb259fFB83ADFB894E7f")
	appReg   = common.HexToAddress("0xa0")
	owner    = common.HexToAddress("0x0e")
	app1     = common.HexToAddress("0xa1")
	app2     = common.HexToAddress("0xa2")
	account1 = common.HexToAddress("0xb1")
)

type handler func(args []any) []any

// fakeChain answers eth_call by dispatching on contract and selector.
type fakeChain struct {
	contracts map[common.Address]struct {
		contract abi.ABI
		handlers map[string]handler
	}
	calls int
}

func newFakeChain() *fakeChain {
	return &fakeChain{contracts: map[common.Address]struct {
		contract abi.ABI
		handlers map[string]handler
	}{}}
}

func (f *fakeChain) on(addr common.Address, contract abi.ABI, method string, h handler) {
	c, ok := f.contracts[addr]
	if !ok {
		c.contract = contract
		c.handlers = map[string]handler{}
	}
	c.handlers[method] = h
	f.contracts[addr] = c
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	c, ok := f.contracts[*msg.To]
	if !ok {
		return nil, errors.Errorf("no contract at %s", msg.To.Hex())
	}
	m, err := c.contract.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	h, ok := c.handlers[m.Name]
	if !ok {
		return nil, errors.Errorf("unhandled %s", m.Name)
	}
	args, err := m.Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(h(args)...)
}

func TestStakeAndConsumed(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain()
	fc.on(hub, hubSpec, "viewAccount", func(args []any) []any {
		require.Equal(t, account1, args[0])
		return []any{big.NewInt(1000), big.NewInt(5)}
	})
	fc.on(hub, hubSpec, "viewConsumed", func(args []any) []any {
		require.Equal(t, [32]byte(common.Hash{1}), args[0])
		return []any{big.NewInt(3)}
	})

	r := NewReader()
	r.Add(1, hub, fc)

	stake, err := r.StakeOf(ctx, 1, account1)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), stake.Uint64())

	consumed, err := r.Consumed(ctx, 1, common.Hash{1})
	require.NoError(t, err)
	require.Equal(t, uint64(3), consumed)

	_, err = r.StakeOf(ctx, 2, account1)
	require.ErrorIs(t, err, ErrUnknownChain)
}

func TestOwnership(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain()
	fc.on(hub, hubSpec, "appregistry", func([]any) []any { return []any{appReg} })
	fc.on(appReg, registrySpec, "balanceOf", func(args []any) []any {
		require.Equal(t, owner, args[0])
		return []any{big.NewInt(2)}
	})
	owned := []common.Address{app1, app2}
	fc.on(appReg, registrySpec, "tokenOfOwnerByIndex", func(args []any) []any {
		i := args[1].(*big.Int).Int64()
		return []any{new(big.Int).SetBytes(owned[i].Bytes())}
	})
	fc.on(app1, resourceSpec, "owner", func([]any) []any { return []any{owner} })

	r := NewReader()
	r.Add(1, hub, fc)

	got, err := r.OwnedResources(ctx, 1, order.KindApp, owner)
	require.NoError(t, err)
	require.Equal(t, owned, got)

	// registry address is cached
	calls := fc.calls
	_, err = r.OwnedResources(ctx, 1, order.KindApp, owner)
	require.NoError(t, err)
	require.Equal(t, calls+3, fc.calls)

	o, err := r.OwnerOf(ctx, 1, app1)
	require.NoError(t, err)
	require.Equal(t, owner, o)

	_, err = r.OwnerOf(ctx, 1, app2)
	require.Error(t, err)
}
