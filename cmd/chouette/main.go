// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Chouette is a small Datadog-compatible metrics and logs shipping agent
// for IoT fleets. Producer applications put raw records into durable
// queues in Redis or SQLite; the agent aggregates, wraps and dispatches
// them to the Datadog intake with at-least-once semantics.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chouette-iot/chouette/pkg/aggregator"
	"github.com/chouette-iot/chouette/pkg/collector"
	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/scheduler"
	"github.com/chouette-iot/chouette/pkg/sender"
	"github.com/chouette-iot/chouette/pkg/storage"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

const version = "1.0.0"

func main() {
	rootCmd := &cobra.Command{
		Use:          "chouette",
		Short:        "A Datadog-compatible metrics and logs shipping agent",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the agent",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run()
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("chouette %s\n", version)
			},
		},
	)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Chouette
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := log.Setup(cfg.GetString("log_level")); err != nil {
		return fmt.Errorf("could not set up logging: %w", err)
	}
	defer log.Flush()

	engine, err := newEngine(cfg)
	if err != nil {
		return err
	}
	store := storage.New(engine)
	store.Start()

	aggregatorActor := aggregator.New(cfg, store)
	aggregatorActor.Start()
	metricsSender := sender.NewMetricsSender(cfg, store)
	metricsSender.Start()
	logsSender := sender.NewLogsSender(cfg, store)
	logsSender.Start()

	plugins := config.CollectorPlugins(cfg)
	var collectorActor *collector.Collector
	if len(plugins) > 0 {
		collectorActor = collector.New(cfg, store)
		collectorActor.Start()
	}

	timers := scheduler.New()
	var cancellables []*scheduler.Cancellable
	schedule := func(intervalKey string, task func()) {
		interval := time.Duration(cfg.GetInt64(intervalKey)) * time.Second
		// First firing on the next wall clock boundary of the interval,
		// so ticks cluster on clean second boundaries.
		initialDelay := interval - time.Duration(time.Now().UnixNano())%interval
		cancellables = append(cancellables, timers.ScheduleAtFixedRate(initialDelay, interval, task))
	}
	schedule("aggregate_interval", aggregatorActor.Tick)
	schedule("release_interval", metricsSender.Tick)
	schedule("release_interval", logsSender.Tick)
	if collectorActor != nil {
		schedule("capture_interval", collectorActor.Tick)
	}
	log.Infof("Chouette %s started with plugins %v.", version, plugins)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	received := <-signals
	log.Infof("Received %s, shutting down.", received)

	for _, cancellable := range cancellables {
		cancellable.Cancel()
	}
	if collectorActor != nil {
		collectorActor.Stop()
	}
	logsSender.Stop()
	metricsSender.Stop()
	aggregatorActor.Stop()
	store.Stop()
	return nil
}

func newEngine(cfg config.Config) (storage.Engine, error) {
	switch storageType := cfg.GetString("storage_type"); storageType {
	case "redis":
		return storage.NewRedisEngine(cfg.GetString("redis_host"), cfg.GetInt("redis_port")), nil
	case "sqlite":
		return storage.NewSqliteEngine(cfg.GetString("sqlite_db_path"))
	default:
		return nil, fmt.Errorf("unknown storage type %q", storageType)
	}
}
