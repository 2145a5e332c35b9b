package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/bus"
	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
)

const batchSize = 100

var (
	configPath = flag.String("config", "config.yml", "path to the yaml config")
	watcherID  = flag.String("watcherId", "", "watcher whose stored events are republished")
	fromBlock  = flag.Uint("fromBlock", 0, "starting block")
	toBlock    = flag.Uint("toBlock", 0, "ending block, defaults to the watcher checkpoint")
)

// republish_chain_events sends chain events already stored in the database to the bus again,
// without querying the chain. Consumers drop the ones they have applied before.
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

	watcherCfg, ok := cfg.Watchers[*watcherID]
	if !ok || watcherCfg == nil {
		logger.WithField("watcher", *watcherID).Fatal("watcher config for given watcherId is not found")
	}
	if cfg.Kafka == nil {
		logger.Fatal("kafka is not configured")
	}

	dbConn, err := db.ConnectToDBAndMigrate(cfg.DBConfig)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to database and apply migrations")
	}
	defer dbConn.Close()
	repo := repository.NewRepo(dbConn)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	chainID := watcherCfg.Chain.ChainID
	fields := logrus.Fields{
		"watcher":  watcherCfg.ID,
		"chain_id": chainID,
	}
	if *toBlock == 0 {
		checkpoint, err2 := repo.Checkpoints.Get(ctx, chainID, watcherCfg.Address)
		if errors.Is(err2, db.ErrNotFound) {
			logger.WithFields(fields).Fatal("watcher has no checkpoint, specify toBlock")
		}
		if err2 != nil {
			logger.WithFields(fields).WithError(err2).Fatal("can't get watcher checkpoint")
		}
		toBlock = &checkpoint.LastBlock
	}

	events, err := repo.ChainEvents.FindByBlockRange(ctx, chainID, watcherCfg.Address, *fromBlock, *toBlock)
	if err != nil {
		logger.WithFields(fields).WithError(err).Fatal("can't find stored chain events")
	}
	logger.WithFields(fields).WithField("count", len(events)).Info("found stored chain events to republish")

	producer, err := bus.NewProducer(cfg.Kafka)
	if err != nil {
		logger.WithError(err).Fatal("can't create kafka producer")
	}
	defer producer.Close()
	publisher := canonical.NewPublisher(producer, retry.FromConfig("publish", cfg.RetryPolicy("publish")), logger)

	batch := make([]*canonical.SettlementEvent, 0, batchSize)
	published := 0
	flush := func() {
		n, err2 := publisher.Publish(ctx, batch)
		published += n
		if err2 != nil {
			logger.WithFields(fields).WithError(err2).WithField("published", published).Fatal("can't publish events")
		}
		logger.WithFields(fields).WithFields(logrus.Fields{
			"current": published,
			"total":   len(events),
		}).Info("republishing chain events")
		batch = batch[:0]
	}
	for _, e := range events {
		ce, err2 := canonical.Canonicalize(e)
		if err2 != nil {
			logger.WithFields(fields).WithError(err2).WithField("event_key", e.Key()).Warn("skipping event without canonical form")
			continue
		}
		batch = append(batch, ce)
		if len(batch) == batchSize {
			flush()
		}
	}
	if len(batch) > 0 {
		flush()
	}
	logger.WithFields(fields).WithField("published", published).Info("stored chain events republished")
}
