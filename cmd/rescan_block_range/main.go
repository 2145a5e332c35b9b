package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/omni/settlement-coordinator/bus"
	"github.com/omni/settlement-coordinator/canonical"
	"github.com/omni/settlement-coordinator/config"
	"github.com/omni/settlement-coordinator/db"
	"github.com/omni/settlement-coordinator/dedup"
	"github.com/omni/settlement-coordinator/ethclient"
	"github.com/omni/settlement-coordinator/logging"
	"github.com/omni/settlement-coordinator/repository"
	"github.com/omni/settlement-coordinator/retry"
	"github.com/omni/settlement-coordinator/watcher"
)

var (
	configPath = flag.String("config", "config.yml", "path to the yaml config")
	watcherID  = flag.String("watcherId", "", "watcher to rescan events of")
	fromBlock  = flag.Uint("fromBlock", 0, "starting block")
	toBlock    = flag.Uint("toBlock", 0, "ending block")
)

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

	if *watcherID == "" {
		logger.Fatal("watcherId is not specified")
	}
	watcherCfg, ok := cfg.Watchers[*watcherID]
	if !ok || watcherCfg == nil {
		logger.WithField("watcher", *watcherID).Fatal("watcher config for given watcherId is not found")
	}
	if *fromBlock < watcherCfg.StartBlock {
		fromBlock = &watcherCfg.StartBlock
	}
	if *toBlock == 0 {
		logger.Fatal("toBlock is not specified")
	}
	if *toBlock < *fromBlock {
		logger.WithFields(logrus.Fields{
			"from_block": *fromBlock,
			"to_block":   *toBlock,
		}).Fatal("toBlock < fromBlock")
	}
	if cfg.Kafka == nil {
		logger.Fatal("rescan republishes events to kafka, but kafka is not configured")
	}

	dbConn, err := db.ConnectToDBAndMigrate(cfg.DBConfig)
	if err != nil {
		logger.WithError(err).Fatal("can't connect to database and apply migrations")
	}
	defer dbConn.Close()
	repo := repository.NewRepo(dbConn)

	producer, err := bus.NewProducer(cfg.Kafka)
	if err != nil {
		logger.WithError(err).Fatal("can't create kafka producer")
	}
	defer producer.Close()

	client, err := ethclient.NewClient(watcherCfg.Chain)
	if err != nil {
		logger.WithError(err).Fatal("can't dial rpc client")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	publishPolicy := retry.FromConfig("publish", cfg.RetryPolicy("publish"))
	publisher := canonical.NewPublisher(producer, publishPolicy, logger)
	w := watcher.NewWatcher(
		logger.WithField("watcher", *watcherID),
		watcherCfg,
		client,
		repo,
		dedup.NewLRU(watcherCfg.DedupCapacity),
		publisher,
		retry.FromConfig("rpc", cfg.RetryPolicy("rpc")),
		retry.FromConfig("checkpoint", cfg.RetryPolicy("checkpoint")),
	)

	n, err := w.Rescan(ctx, *fromBlock, *toBlock)
	if err != nil {
		logger.WithError(err).WithField("published", n).Fatal("can't rescan block range")
	}
	logger.WithFields(logrus.Fields{
		"from_block": *fromBlock,
		"to_block":   *toBlock,
		"published":  n,
	}).Info("block range rescanned")
}
