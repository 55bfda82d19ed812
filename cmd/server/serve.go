package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"marketbook/api/grpcserver"
	"marketbook/api/httpserver"
	"marketbook/auth"
	"marketbook/config"
	"marketbook/infra/chain"
	"marketbook/infra/eip712"
	"marketbook/infra/kafka"
	"marketbook/infra/notify"
	"marketbook/infra/outbox"
	"marketbook/infra/store"
	"marketbook/jobs/broadcaster"
	"marketbook/jobs/cascade"
	"marketbook/service"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the order book REST and gRPC servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			log, err := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			return runUntilSignal(cmd.Context(), func(ctx context.Context) error {
				return serve(ctx, cfg, log)
			})
		},
	}
	config.AddFlags(cmd.Flags())
	return cmd
}

func newLogger(out io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, errors.Wrapf(err, "log level %q", level)
	}
	if format == "plain" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger(), nil
}

func serve(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	// ---------------- Storage ----------------

	pool := store.NewPool(store.Config{Dir: cfg.StoreDir, InMemory: cfg.StoreInMemory})
	defer func() {
		if err := pool.Close(); err != nil {
			log.Error().Err(err).Msg("close store")
		}
	}()

	ordersDB, err := pool.Get("orders")
	if err != nil {
		return err
	}
	challengesDB, err := pool.Get("challenges")
	if err != nil {
		return err
	}
	outboxDB, err := pool.Get("outbox")
	if err != nil {
		return err
	}

	orders := store.NewOrders(ordersDB)
	challenges := store.NewChallenges(challengesDB)
	box, err := outbox.Open(outboxDB)
	if err != nil {
		return err
	}

	// ---------------- Chain ----------------

	endpoints := cfg.Endpoints()
	reader, err := chain.Dial(ctx, endpoints)
	if err != nil {
		return err
	}
	defer reader.Close()

	domains := make([]eip712.Domain, 0, len(endpoints))
	for _, ep := range endpoints {
		domains = append(domains, eip712.Domain{ChainID: ep.ChainID, Hub: ep.Hub})
	}
	verifier := eip712.NewVerifier(domains...)

	// ---------------- Service ----------------

	hub := notify.NewHub(log)
	defer func() { _ = hub.Close() }()

	svc := service.NewOrderService(
		service.Config{WorkerpoolStakeRatio: cfg.WorkerpoolStakeRatio},
		orders,
		reader,
		verifier,
		notify.Multi{hub, notify.NewOutbox(box)},
		log,
	)
	worker := cascade.New(svc, cascade.Config{
		Workers:   cfg.CascadeWorkers,
		QueueSize: cfg.CascadeQueueSize,
	}, log)
	svc.SetScheduler(worker)

	gate := auth.NewGate(challenges, cfg.ChallengeTTL, log)

	// ---------------- Background Jobs ----------------

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return worker.Run(ctx)
	})

	group.Go(func() error {
		return pruneChallenges(ctx, challenges, cfg.ChallengeTTL, log)
	})

	if cfg.Kafka.Enabled() {
		producer, err := broadcaster.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		bc := broadcaster.New(box, producer, cfg.Kafka.EventsTopic, cfg.BroadcasterInterval, log)
		defer func() { _ = bc.Close() }()
		group.Go(func() error {
			return bc.Run(ctx)
		})

		fills := kafka.NewFillConsumer(
			kafka.NewFillReader(cfg.Kafka.Brokers, cfg.Kafka.FillsTopic, cfg.Kafka.GroupID),
			svc,
			log,
		)
		defer func() { _ = fills.Close() }()
		group.Go(func() error {
			return fills.Run(ctx)
		})
	} else {
		log.Warn().Msg("no kafka brokers configured, events stay in the outbox")
	}

	// ---------------- REST ----------------

	rest := httpserver.NewServer(ctx, log, cfg.HTTPAddr, httpserver.Deps{
		Orders: svc,
		Auth:   gate,
		Events: hub,
	})
	group.Go(rest.ListenAndServe)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rest.Shutdown(shutdownCtx)
	})

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return errors.Wrap(err, "grpc listen")
	}
	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcserver.Recover(log)))
	grpcserver.NewServer(svc, gate, log).Register(grpcSrv)
	group.Go(func() error {
		return grpcSrv.Serve(lis)
	})
	group.Go(func() error {
		<-ctx.Done()
		grpcSrv.GracefulStop()
		return nil
	})

	log.Info().
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Int("chains", len(endpoints)).
		Msg("marketbook running")

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// pruneChallenges drops spent and expired challenges once per ttl.
func pruneChallenges(ctx context.Context, c *store.Challenges, ttl time.Duration, log zerolog.Logger) error {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := c.Prune(ctx, now.Add(-ttl))
			if err != nil {
				log.Error().Err(err).Msg("prune challenges")
				continue
			}
			if n > 0 {
				log.Debug().Int("pruned", n).Msg("challenges pruned")
			}
		}
	}
}
