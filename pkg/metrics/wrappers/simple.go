// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package wrappers

import (
	"github.com/chouette-iot/chouette/pkg/metrics"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// SimpleWrapper knows only two kinds of metrics. A `count` becomes a single
// count point with the sum of the values. Anything else becomes a pair of
// points: a gauge with the average value and a `<name>.count` count with the
// number of samples the average was calculated from.
type SimpleWrapper struct{}

// Wrap implements Wrapper.
func (w *SimpleWrapper) Wrap(merged []*metrics.MergedMetric) []*metrics.WrappedMetric {
	var wrapped []*metrics.WrappedMetric
	for _, metric := range merged {
		wrapped = append(wrapped, w.wrapMetric(metric)...)
	}
	return wrapped
}

func (w *SimpleWrapper) wrapMetric(merged *metrics.MergedMetric) []*metrics.WrappedMetric {
	values, ok := merged.FloatValues()
	if !ok || len(values) == 0 {
		log.Warnf("SimpleWrapper: dropping metric %s with non-numeric values.", merged.Metric)
		return nil
	}
	if merged.Type == "count" {
		return w.wrapCount(merged, values)
	}
	return w.wrapAverage(merged, values)
}

func (w *SimpleWrapper) wrapCount(merged *metrics.MergedMetric, values []float64) []*metrics.WrappedMetric {
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric(merged.Metric, merged.Type, merged.MaxTimestamp(), sum(values), merged.STags, merged.Interval),
	}
}

func (w *SimpleWrapper) wrapAverage(merged *metrics.MergedMetric, values []float64) []*metrics.WrappedMetric {
	count := float64(len(values))
	timestamp := merged.MaxTimestamp()
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric(merged.Metric, "gauge", timestamp, sum(values)/count, merged.STags, 0),
		metrics.NewWrappedMetric(merged.Metric+".count", "count", timestamp, count, merged.STags, merged.Interval),
	}
}

func sum(values []float64) float64 {
	var total float64
	for _, value := range values {
		total += value
	}
	return total
}
