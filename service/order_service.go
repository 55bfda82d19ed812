package service

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"marketbook/domain/order"
	"marketbook/infra/notify"
)

const DefaultWorkerpoolStakeRatio = 30

var (
	publishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbook_orders_published_total",
		Help: "Orders accepted into the book.",
	}, []string{"kind"})

	unpublishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketbook_orders_unpublished_total",
		Help: "Orders that left the book.",
	}, []string{"kind", "reason"})
)

type Config struct {
	// WorkerpoolStakeRatio is the percentage of the workerpool price
	// its owner must keep staked per unit of volume.
	WorkerpoolStakeRatio uint64
}

/*
OrderService is the only write entry point into the book.

Every state change goes through one conditional store write; the
event for it is emitted right after the write commits.
*/
type OrderService struct {
	cfg       Config
	store     OrderStore
	chain     Chain
	signer    Signer
	emitter   Emitter
	scheduler Scheduler
	log       zerolog.Logger
	now       func() time.Time
}

// NewOrderService wires all dependencies.
func NewOrderService(
	cfg Config,
	store OrderStore,
	chain Chain,
	signer Signer,
	emitter Emitter,
	log zerolog.Logger,
) *OrderService {
	if cfg.WorkerpoolStakeRatio == 0 {
		cfg.WorkerpoolStakeRatio = DefaultWorkerpoolStakeRatio
	}
	return &OrderService{
		cfg:     cfg,
		store:   store,
		chain:   chain,
		signer:  signer,
		emitter: emitter,
		log:     log.With().Str("module", "service").Logger(),
		now:     time.Now,
	}
}

// SetScheduler installs the cascade runner. The scheduler usually
// needs the service itself, hence the late binding.
func (s *OrderService) SetScheduler(sch Scheduler) {
	s.scheduler = sch
}

// emit runs after the write committed, so a caller that went away must
// not stop the event.
func (s *OrderService) emit(ctx context.Context, chainID uint64, event string, payload any) {
	if s.emitter == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.emitter.Emit(ctx, notify.Channel(chainID), event, payload); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("emit failed")
	}
}

func (s *OrderService) emitPublished(ctx context.Context, o *order.Order) {
	s.emit(ctx, o.ChainID, o.Kind.OrderName()+"_published", o)
}

func (s *OrderService) emitUnpublished(ctx context.Context, o *order.Order) {
	s.emit(ctx, o.ChainID, o.Kind.OrderName()+"_unpublished", o.OrderHash)
}

func (s *OrderService) emitUpdated(ctx context.Context, o *order.Order) {
	s.emit(ctx, o.ChainID, o.Kind.OrderName()+"_updated", o)
}

// schedule queues re-validation of requests depending on resource
// orders of o's resource. Request orders have no dependents.
func (s *OrderService) schedule(o *order.Order) {
	if o.Kind == order.KindRequest || s.scheduler == nil {
		return
	}
	s.scheduler.Schedule(Trigger{ChainID: o.ChainID, Kind: o.Kind, Resource: o.Resource()})
}
