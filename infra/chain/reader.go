package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"marketbook/domain/order"
)

var ErrUnknownChain = errors.New("chain: unknown chain")

const hubABI = `[
 {"type":"function","name":"viewAccount","stateMutability":"view",
  "inputs":[{"name":"account","type":"address"}],
  "outputs":[{"name":"stake","type":"uint256"},{"name":"locked","type":"uint256"}]},
 {"type":"function","name":"viewConsumed","stateMutability":"view",
  "inputs":[{"name":"id","type":"bytes32"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"appregistry","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"datasetregistry","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"address"}]},
 {"type":"function","name":"workerpoolregistry","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"address"}]}
]`

const registryABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"tokenOfOwnerByIndex","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"index","type":"uint256"}],
  "outputs":[{"name":"","type":"uint256"}]}
]`

const resourceABI = `[
 {"type":"function","name":"owner","stateMutability":"view","inputs":[],
  "outputs":[{"name":"","type":"address"}]}
]`

var (
	hubSpec      = mustABI(hubABI)
	registrySpec = mustABI(registryABI)
	resourceSpec = mustABI(resourceABI)
)

func mustABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// Caller is the read half of an RPC client; *ethclient.Client
// satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Endpoint is one chain the reader talks to.
type Endpoint struct {
	ChainID uint64
	RPC     string
	Hub     common.Address
}

type backend struct {
	caller Caller
	hub    common.Address

	mu         sync.Mutex
	registries map[order.Kind]common.Address
}

// Reader answers the on-chain questions the order book needs:
// account stake, consumed volume and resource ownership.
type Reader struct {
	chains map[uint64]*backend
	closer []func()
}

// Dial connects to every endpoint.
func Dial(ctx context.Context, endpoints []Endpoint) (*Reader, error) {
	r := &Reader{chains: make(map[uint64]*backend, len(endpoints))}
	for _, ep := range endpoints {
		c, err := ethclient.DialContext(ctx, ep.RPC)
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "dial chain %d", ep.ChainID)
		}
		r.closer = append(r.closer, c.Close)
		r.Add(ep.ChainID, ep.Hub, c)
	}
	return r, nil
}

func NewReader() *Reader {
	return &Reader{chains: make(map[uint64]*backend)}
}

// Add registers a chain served by caller.
func (r *Reader) Add(chainID uint64, hub common.Address, caller Caller) {
	r.chains[chainID] = &backend{
		caller:     caller,
		hub:        hub,
		registries: make(map[order.Kind]common.Address),
	}
}

func (r *Reader) Close() {
	for _, c := range r.closer {
		c()
	}
	r.closer = nil
}

func (r *Reader) backend(chainID uint64) (*backend, error) {
	b, ok := r.chains[chainID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownChain, "chain %d", chainID)
	}
	return b, nil
}

func call(ctx context.Context, c Caller, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "pack %s", method)
	}
	res, err := c.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", method)
	}
	out, err := contract.Unpack(method, res)
	if err != nil {
		return nil, errors.Wrapf(err, "unpack %s", method)
	}
	return out, nil
}

func toUint256(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, errors.Errorf("unexpected %T", v)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, errors.New("value overflows uint256")
	}
	return u, nil
}

// StakeOf returns the free stake of account on the hub.
func (r *Reader) StakeOf(ctx context.Context, chainID uint64, account common.Address) (*uint256.Int, error) {
	b, err := r.backend(chainID)
	if err != nil {
		return nil, err
	}
	out, err := call(ctx, b.caller, b.hub, hubSpec, "viewAccount", account)
	if err != nil {
		return nil, err
	}
	return toUint256(out[0])
}

// Consumed returns how much of an order's volume was matched on-chain.
func (r *Reader) Consumed(ctx context.Context, chainID uint64, hash common.Hash) (uint64, error) {
	b, err := r.backend(chainID)
	if err != nil {
		return 0, err
	}
	out, err := call(ctx, b.caller, b.hub, hubSpec, "viewConsumed", [32]byte(hash))
	if err != nil {
		return 0, err
	}
	v, err := toUint256(out[0])
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return ^uint64(0), nil
	}
	return v.Uint64(), nil
}

// OwnerOf returns the owner of a resource contract.
func (r *Reader) OwnerOf(ctx context.Context, chainID uint64, resource common.Address) (common.Address, error) {
	b, err := r.backend(chainID)
	if err != nil {
		return common.Address{}, err
	}
	out, err := call(ctx, b.caller, resource, resourceSpec, "owner")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.Errorf("owner: unexpected %T", out[0])
	}
	return addr, nil
}

func (b *backend) registry(ctx context.Context, k order.Kind) (common.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr, ok := b.registries[k]; ok {
		return addr, nil
	}
	out, err := call(ctx, b.caller, b.hub, hubSpec, k.String()+"registry")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, errors.Errorf("registry: unexpected %T", out[0])
	}
	b.registries[k] = addr
	return addr, nil
}

// OwnedResources lists the resources of kind k registered to owner.
// Registries are ERC-721 collections whose token ids are the resource
// addresses.
func (r *Reader) OwnedResources(ctx context.Context, chainID uint64, k order.Kind, owner common.Address) ([]common.Address, error) {
	b, err := r.backend(chainID)
	if err != nil {
		return nil, err
	}
	reg, err := b.registry(ctx, k)
	if err != nil {
		return nil, err
	}

	out, err := call(ctx, b.caller, reg, registrySpec, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	count, err := toUint256(out[0])
	if err != nil {
		return nil, err
	}

	n := count.Uint64()
	resources := make([]common.Address, 0, n)
	for i := uint64(0); i < n; i++ {
		out, err := call(ctx, b.caller, reg, registrySpec, "tokenOfOwnerByIndex", owner, new(big.Int).SetUint64(i))
		if err != nil {
			return nil, err
		}
		id, ok := out[0].(*big.Int)
		if !ok {
			return nil, errors.Errorf("tokenOfOwnerByIndex: unexpected %T", out[0])
		}
		resources = append(resources, common.BigToAddress(id))
	}
	return resources, nil
}
