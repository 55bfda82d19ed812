package cascade

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"marketbook/service"
)

var runsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "marketbook_cascade_runs_total",
	Help: "Cascade re-validation passes by outcome.",
}, []string{"result"})

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
	maxAttempts      = 3
)

type Config struct {
	Workers   int
	QueueSize int
	// Backoff is the pause between failed attempts.
	Backoff time.Duration
}

type Revalidator interface {
	Revalidate(ctx context.Context, t service.Trigger) (int, error)
}

// Worker runs cascade re-validation off the request path. A trigger
// already waiting in the queue is not queued twice; the pass that
// eventually runs sees the latest state anyway.
type Worker struct {
	cfg   Config
	rv    Revalidator
	log   zerolog.Logger
	queue chan service.Trigger
	done  chan struct{}

	mu      sync.Mutex
	pending map[service.Trigger]struct{}
	stopped bool
}

func New(rv Revalidator, cfg Config, log zerolog.Logger) *Worker {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Worker{
		cfg:     cfg,
		rv:      rv,
		log:     log.With().Str("module", "cascade").Logger(),
		queue:   make(chan service.Trigger, cfg.QueueSize),
		done:    make(chan struct{}),
		pending: make(map[service.Trigger]struct{}),
	}
}

// Schedule queues t. It only blocks while the queue is full, and
// returns immediately once the worker stopped.
func (w *Worker) Schedule(t service.Trigger) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if _, ok := w.pending[t]; ok {
		w.mu.Unlock()
		return
	}
	w.pending[t] = struct{}{}
	w.mu.Unlock()

	select {
	case w.queue <- t:
	case <-w.done:
	}
}

// Run processes triggers until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("workers", w.cfg.Workers).Msg("started")
	defer w.stop()

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t := <-w.queue:
					w.release(t)
					w.process(ctx, t)
				}
			}
		})
	}
	return group.Wait()
}

func (w *Worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.done)
	}
}

func (w *Worker) release(t service.Trigger) {
	w.mu.Lock()
	delete(w.pending, t)
	w.mu.Unlock()
}

func (w *Worker) process(ctx context.Context, t service.Trigger) {
	log := w.log.With().
		Uint64("chainId", t.ChainID).
		Str("kind", t.Kind.String()).
		Str("resource", t.Resource.Hex()).
		Logger()

	for attempt := 1; ; attempt++ {
		killed, err := w.rv.Revalidate(ctx, t)
		if err == nil {
			runsCounter.WithLabelValues("ok").Inc()
			if killed > 0 {
				log.Info().Int("killed", killed).Msg("cascade done")
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt == maxAttempts {
			runsCounter.WithLabelValues("failed").Inc()
			log.Error().Err(err).Int("attempts", attempt).Msg("cascade failed")
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("cascade failed, retrying")

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.Backoff):
		}
	}
}
