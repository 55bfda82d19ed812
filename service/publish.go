package service

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"

	"marketbook/domain/order"
	"marketbook/domain/orderbook"
	"marketbook/infra/store"
)

const (
	msgAlreadyPublished = "order already published"
	msgAlreadyConsumed  = "order already consumed"
	msgInvalidSign      = "invalid sign"
)

type PublishRequest struct {
	ChainID uint64
	Kind    order.Kind
	Order   order.Payload
	// Caller is the authenticated address relaying the order.
	Caller common.Address
}

// Publish validates a signed order and adds it to the book.
func (s *OrderService) Publish(ctx context.Context, req PublishRequest) (*order.Order, error) {
	if req.ChainID == 0 {
		return nil, order.NewValidationError("chainId is a required field")
	}
	if !req.Kind.Valid() {
		return nil, order.NewValidationError("unknown order kind")
	}
	p := req.Order
	if err := p.Validate(req.Kind); err != nil {
		return nil, err
	}

	hash, err := s.signer.Hash(req.ChainID, req.Kind, &p)
	if err != nil {
		return nil, errors.Wrap(err, "hash order")
	}

	// 1️⃣ Uniqueness
	existing, err := s.store.Get(ctx, req.ChainID, req.Kind, hash)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, errors.Wrap(err, "load order")
	default:
		if err := rejectExisting(existing); err != nil {
			return nil, err
		}
	}

	// 2️⃣ Dependencies of request orders
	if req.Kind == order.KindRequest {
		if err := s.checkDependencies(ctx, req.ChainID, &p); err != nil {
			return nil, err
		}
	}

	// 3️⃣ Signature
	signer, err := s.expectedSigner(ctx, req.ChainID, req.Kind, &p)
	if err != nil {
		return nil, err
	}
	if err := s.signer.Verify(req.ChainID, req.Kind, &p, hash, signer); err != nil {
		s.log.Debug().Err(err).Str("orderHash", hash.Hex()).Msg("signature rejected")
		return nil, order.NewBusinessError(msgInvalidSign)
	}

	// 4️⃣ Consumption and stake
	consumed, err := s.chain.Consumed(ctx, req.ChainID, hash)
	if err != nil {
		return nil, errors.Wrap(err, "read consumed volume")
	}
	if consumed >= p.Volume {
		return nil, order.NewBusinessError(msgAlreadyConsumed)
	}
	if err := s.checkStake(ctx, req.ChainID, req.Kind, &p, signer); err != nil {
		return nil, err
	}

	// 5️⃣ Atomic insert
	o := order.New(req.ChainID, req.Kind, hash, p, signer, consumed, s.now())
	existing, err = s.store.Insert(ctx, o)
	if errors.Is(err, store.ErrExists) {
		return nil, rejectExisting(existing)
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	publishedCounter.WithLabelValues(req.Kind.String()).Inc()
	s.log.Info().
		Uint64("chainId", req.ChainID).
		Str("kind", req.Kind.String()).
		Str("orderHash", hash.Hex()).
		Str("caller", req.Caller.Hex()).
		Msg("order published")

	s.emitPublished(ctx, o)
	return o, nil
}

func rejectExisting(o *order.Order) error {
	switch o.Status {
	case order.StatusFilled:
		return order.NewBusinessError(msgAlreadyConsumed)
	case order.StatusCanceled, order.StatusDead:
		return nil
	}
	return order.NewBusinessError(msgAlreadyPublished)
}

// checkDependencies requires, for each resource a request names, an
// open resource order able to serve it.
func (s *OrderService) checkDependencies(ctx context.Context, chainID uint64, req *order.Payload) error {
	for _, dep := range orderbook.Dependencies(req) {
		open, err := s.store.ListOpen(ctx, chainID, dep.Kind)
		if err != nil {
			return errors.Wrapf(err, "list %s", dep.Kind.OrderName())
		}

		candidates := orderbook.DependencyFilter(req, dep.Kind, false).Compile().Select(open)
		if len(candidates) == 0 {
			return order.NewBusinessError("No %s published for %s", dep.Kind.OrderName(), dep.Resource.Hex())
		}
		if !anyMatch(orderbook.DependencyFilter(req, dep.Kind, true).Compile(), candidates) {
			return order.NewBusinessError("No tee enabled %s published for %s", dep.Kind.OrderName(), dep.Resource.Hex())
		}
	}
	return nil
}

func anyMatch(m *orderbook.Matcher, orders []*order.Order) bool {
	for _, o := range orders {
		if m.Match(o) {
			return true
		}
	}
	return false
}

// expectedSigner is the resource owner for sell-side orders and the
// requester for request orders.
func (s *OrderService) expectedSigner(ctx context.Context, chainID uint64, k order.Kind, p *order.Payload) (common.Address, error) {
	if k == order.KindRequest {
		return p.Requester, nil
	}
	resource := p.Address(k.Descriptor().ResourceField)
	owner, err := s.chain.OwnerOf(ctx, chainID, resource)
	if err != nil {
		s.log.Debug().Err(err).Str("resource", resource.Hex()).Msg("owner lookup failed")
		return common.Address{}, order.NewBusinessError(msgInvalidSign)
	}
	return owner, nil
}

// checkStake makes sure the paying party can cover the order on-chain.
func (s *OrderService) checkStake(ctx context.Context, chainID uint64, k order.Kind, p *order.Payload, signer common.Address) error {
	var (
		account  common.Address
		required *uint256.Int
		msg      string
	)
	switch k {
	case order.KindRequest:
		account = p.Requester
		required = RequestStake(p)
		msg = "requester stake is too low to cover requestorder payment, minimum stake required is %s"
	case order.KindWorkerpool:
		account = signer
		required = WorkerpoolStake(p, s.cfg.WorkerpoolStakeRatio)
		msg = "workerpool owner stake is too low to cover required workerpool lock, minimum stake required is %s"
	default:
		return nil
	}

	stake, err := s.chain.StakeOf(ctx, chainID, account)
	if err != nil {
		return errors.Wrap(err, "read stake")
	}
	if stake.Lt(required) {
		return order.NewBusinessError(msg, required.Dec())
	}
	return nil
}

// RequestStake is (appmaxprice + datasetmaxprice + workerpoolmaxprice) * volume.
func RequestStake(p *order.Payload) *uint256.Int {
	sum := uint256.NewInt(p.AppMaxPrice)
	sum.Add(sum, uint256.NewInt(p.DatasetMaxPrice))
	sum.Add(sum, uint256.NewInt(p.WorkerpoolMaxPrice))
	return sum.Mul(sum, uint256.NewInt(p.Volume))
}

// WorkerpoolStake is ceil(workerpoolprice * ratio / 100) * volume.
func WorkerpoolStake(p *order.Payload, ratio uint64) *uint256.Int {
	lock := uint256.NewInt(p.WorkerpoolPrice)
	lock.Mul(lock, uint256.NewInt(ratio))
	lock.Add(lock, uint256.NewInt(99))
	lock.Div(lock, uint256.NewInt(100))
	return lock.Mul(lock, uint256.NewInt(p.Volume))
}
