// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package aggregator turns raw producer metrics into wire-ready wrapped
// metrics. Every aggregate_interval it takes a snapshot of the raw
// metrics queue, buckets it by flush interval, merges records sharing an
// identity and hands them to the configured wrapper.
package aggregator

import (
	"context"

	"go.uber.org/atomic"

	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/metrics/wrappers"
	"github.com/chouette-iot/chouette/pkg/storage"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// Aggregator is the actor owning the raw → wrapped transformation. Ticks
// queue behind an in-flight aggregation, so there is never more than one
// aggregation running and the store-then-delete order is preserved over
// long catch-ups.
type Aggregator struct {
	storage       *storage.Storage
	wrapper       wrappers.Wrapper
	flushInterval int64
	metricTTL     int64

	inbox   chan struct{}
	stopped chan struct{}
	running *atomic.Bool
}

// New builds an Aggregator from the global configuration. The wrapper may
// be nil when metrics_wrapper names no known wrapper; aggregation is then
// limited to TTL cleanups.
func New(cfg config.Config, store *storage.Storage) *Aggregator {
	wrapperName := cfg.GetString("metrics_wrapper")
	wrapper := wrappers.ForName(wrapperName, cfg)
	if wrapper == nil {
		log.Warnf("Unknown metrics wrapper %q, raw metrics won't be aggregated.", wrapperName)
	}
	return &Aggregator{
		storage:       store,
		wrapper:       wrapper,
		flushInterval: cfg.GetInt64("aggregate_interval"),
		metricTTL:     cfg.GetInt64("metric_ttl"),
		inbox:         make(chan struct{}, 1),
		stopped:       make(chan struct{}),
		running:       atomic.NewBool(false),
	}
}

// Start launches the actor goroutine.
func (a *Aggregator) Start() {
	if !a.running.CompareAndSwap(false, true) {
		return
	}
	go a.loop()
}

// Stop terminates the actor after the in-flight aggregation, if any.
func (a *Aggregator) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	close(a.stopped)
}

// Tick asks the actor to run one aggregation. The inbox holds a single
// pending tick; ticks arriving while one is already pending collapse into
// it, there is nothing a second queued tick would pick up.
func (a *Aggregator) Tick() {
	select {
	case a.inbox <- struct{}{}:
	default:
	}
}

func (a *Aggregator) loop() {
	for {
		select {
		case <-a.stopped:
			return
		case <-a.inbox:
			a.Aggregate(context.Background())
		}
	}
}

// Aggregate runs one aggregation pass and reports whether every bucket
// was stored and cleaned up successfully. Raw records are never deleted
// before their wrapped counterparts are confirmed stored, so a failure
// leaves data to retry, never loses it.
func (a *Aggregator) Aggregate(ctx context.Context) bool {
	a.storage.CleanupOutdated(ctx, storage.Metrics, storage.Raw, a.metricTTL)
	if a.wrapper == nil {
		return true
	}
	keys := a.storage.CollectKeys(ctx, storage.Metrics, storage.Raw, 0)
	if len(keys) == 0 {
		return true
	}
	success := true
	for _, bucket := range groupKeys(keys, a.flushInterval) {
		if !a.aggregateBucket(ctx, bucket) {
			success = false
		}
	}
	return success
}

func (a *Aggregator) aggregateBucket(ctx context.Context, keys []string) bool {
	payloads := a.storage.CollectValues(ctx, storage.Metrics, storage.Raw, keys)
	merged := mergeRecords(payloads, a.flushInterval)
	wrapped := a.wrapper.Wrap(merged)
	records := make([]storage.Record, len(wrapped))
	for i, metric := range wrapped {
		records[i] = metric
	}
	if !a.storage.StoreRecords(ctx, storage.Metrics, storage.Wrapped, records) {
		log.Errorf("Could not store %d wrapped metrics, keeping %d raw records for a retry.", len(records), len(keys))
		return false
	}
	if !a.storage.DeleteRecords(ctx, storage.Metrics, storage.Raw, keys) {
		log.Warnf("Could not delete %d processed raw metrics, duplicates may be dispatched.", len(keys))
		return false
	}
	return true
}
