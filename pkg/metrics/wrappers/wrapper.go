// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package wrappers contains the strategies that turn MergedMetrics into
// wire-ready WrappedMetrics. The wrapper defines the aggregation semantics
// of the whole agent, so it is pluggable: the simple wrapper suits ad-hoc
// dashboards, the datadog wrapper mirrors the Datadog agent behaviour.
package wrappers

import (
	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/metrics"
)

// Wrapper turns a list of MergedMetrics into a list of WrappedMetrics.
type Wrapper interface {
	Wrap(merged []*metrics.MergedMetric) []*metrics.WrappedMetric
}

// ForName returns a wrapper by its configuration name. Unknown names,
// including an empty one, resolve to nil: the aggregator then only runs
// TTL cleanups and no raw metrics are aggregated.
func ForName(name string, cfg config.Config) Wrapper {
	switch name {
	case "simple":
		return &SimpleWrapper{}
	case "datadog":
		return NewDatadogWrapper(config.HistogramAggregates(cfg), config.HistogramPercentiles(cfg))
	default:
		return nil
	}
}
