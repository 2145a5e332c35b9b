package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/omni/settlement-coordinator/bridge"
	"github.com/omni/settlement-coordinator/bridge/amb"
	"github.com/omni/settlement-coordinator/bridge/relayer"
	"github.com/omni/settlement-coordinator/bus"
	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/compliance"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/dedup"
	"github.com/omni/settlement-coordinator/ethclient"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/presenter"
	"github.com/omni/settlement-coordinator/reconcile"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
	"github.com/omni/settlement-coordinator/settlement"
	"github.com/omni/settlement-coordinator/signer"
	"github.com/omni/settlement-coordinator/watcher"
)

var configPath = flag.String("config", "config.yml", "path to the yaml config, ${ENV} references are expanded")

func main() {
	flag.Parse()

	logger := logging.New()

	blob, err := os.ReadFile(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("can't read config file")
	}
	cfg, err := config.ReadConfigWithEnv(blob)
	if err != nil {
		logger.WithError(err).Fatal("can't read config")
	}
	logger.SetLevel(cfg.LogLevel)

	policy := func(name string) retry.Policy {
		return retry.FromConfig(name, cfg.RetryPolicy(name))
	}

	var repo *repository.Repo
	switch cfg.Storage {
	case "memory":
		logger.Warn("using in-memory storage, checkpoints and settlements are lost on restart")
		repo = repository.NewMemoryRepo()
	default:
		dbConn, err2 := db.ConnectToDBAndMigrate(cfg.DBConfig)
		if err2 != nil {
			logger.WithError(err2).Fatal("can't connect to database and apply migrations")
		}
		defer dbConn.Close()
		repo = repository.NewRepo(dbConn)
	}

	clients := make(map[string]ethclient.Client, len(cfg.Chains))
	for name, chainCfg := range cfg.Chains {
		client, err2 := ethclient.NewClient(chainCfg)
		if err2 != nil {
			logger.WithError(err2).WithField("chain", name).Fatal("can't dial rpc client")
		}
		clients[chainCfg.ChainID] = client
	}

	oracle := compliance.AllowAll()
	if cfg.Compliance != nil {
		oracle = compliance.NewClient(cfg.Compliance)
	} else {
		logger.Warn("compliance oracle is not configured, every transfer is allowed")
	}
	var gateway signer.Gateway
	if cfg.Signer != nil {
		gateway = signer.NewClient(cfg.Signer)
	}

	registry := bridge.NewRegistry()
	for name, protocolCfg := range cfg.Protocols {
		switch protocolCfg.Type {
		case config.ProtocolTypeAMB:
			if gateway == nil {
				logger.WithField("protocol", name).Fatal("amb protocol requires a signing gateway")
			}
			adapter, err2 := amb.NewAdapter(protocolCfg, cfg.Chains, clients, gateway)
			if err2 != nil {
				logger.WithError(err2).WithField("protocol", name).Fatal("can't initialize amb adapter")
			}
			registry.Register(adapter)
		case config.ProtocolTypeRelayer:
			registry.Register(relayer.NewAdapter(protocolCfg))
		}
	}

	tracker := bridge.NewTracker(logger.WithField("service", "bridge_tracker"), repo, registry, cfg.Protocols, policy("bridge"))
	processor := settlement.NewProcessor(
		logger.WithField("service", "settlement_processor"),
		repo,
		oracle,
		tracker,
		cfg,
		settlement.Policies{Ledger: policy("ledger"), Compliance: policy("compliance")},
		cfg.Settlement.MaxWriteAttempts,
	)

	var (
		eventBus canonical.Bus
		consumer *bus.Consumer
	)
	if cfg.Kafka != nil {
		producer, err2 := bus.NewProducer(cfg.Kafka)
		if err2 != nil {
			logger.WithError(err2).Fatal("can't create kafka producer")
		}
		defer producer.Close()
		eventBus = producer

		consumer, err2 = bus.NewConsumer(cfg.Kafka, processor.HandleMessage, policy("ledger"), logger.WithField("service", "consumer"))
		if err2 != nil {
			logger.WithError(err2).Fatal("can't create kafka consumer")
		}
		defer consumer.Close()
	} else {
		logger.Warn("kafka is not configured, events are handed to the processor in-process")
		eventBus = bus.NewLocal(processor.HandleMessage, logger.WithField("service", "local_bus"))
	}
	publisher := canonical.NewPublisher(eventBus, policy("publish"), logger.WithField("service", "publisher"))

	var redisClient *redis.Client
	if cfg.Redis != nil {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	watchers := make([]*watcher.Watcher, 0, len(cfg.Watchers))
	for id, watcherCfg := range cfg.Watchers {
		seen := dedup.NewLRU(watcherCfg.DedupCapacity)
		if redisClient != nil {
			seen = dedup.NewRedis(redisClient, "dedup:"+id+":", cfg.Redis.TTL)
		}
		watchers = append(watchers, watcher.NewWatcher(
			logger.WithField("watcher", id),
			watcherCfg,
			clients[watcherCfg.Chain.ChainID],
			repo,
			seen,
			publisher,
			policy("rpc"),
			policy("checkpoint"),
		))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveMetrics(ctx, cfg.Metrics.Host)
	})
	g.Go(func() error {
		return tracker.Run(ctx)
	})
	g.Go(func() error {
		return processor.Run(ctx, tracker.Updates())
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}
	for _, w := range watchers {
		w := w
		g.Go(func() error {
			// a halted watcher needs an operator, the rest of the process keeps serving
			if err2 := w.Run(ctx); err2 != nil {
				logger.WithError(err2).WithField("watcher", w.ID()).Error("watcher halted")
			}
			return nil
		})
	}
	if cfg.Reconciliation != nil {
		handles := make([]reconcile.Watcher, len(watchers))
		for i, w := range watchers {
			handles[i] = w
		}
		sweeper := reconcile.NewSweeper(logger.WithField("service", "reconcile"), cfg.Reconciliation, repo, handles, clients, tracker, processor)
		g.Go(func() error {
			return sweeper.Run(ctx)
		})
	}
	if cfg.Presenter != nil {
		statuses := make([]presenter.WatcherStatus, len(watchers))
		for i, w := range watchers {
			statuses[i] = w
		}
		pr := presenter.NewPresenter(logger.WithField("service", "presenter"), repo, processor, tracker, statuses)
		g.Go(func() error {
			return pr.Serve(ctx, cfg.Presenter.Host)
		})
	}

	if err = g.Wait(); err != nil {
		logger.WithError(err).Fatal("coordinator stopped")
	}
	logger.Info("coordinator stopped")
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
