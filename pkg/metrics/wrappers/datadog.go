// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package wrappers

import (
	"fmt"
	"math"
	"sort"

	"github.com/chouette-iot/chouette/pkg/metrics"
)

// DatadogWrapper follows the aggregation strategy of the Datadog agent
// described in https://docs.datadoghq.com/developers/metrics/types/.
//
// COUNT sends the sum of the values received during a flush interval.
// GAUGE sends the last received value.
// RATE sends the number of events per one second of the flush interval.
// SET sends the number of unique elements received during the interval.
// HISTOGRAM sends a set of metrics controlled by the histogram_aggregates
// and histogram_percentiles configuration.
//
// The DISTRIBUTION metric type is not supported. Unknown types produce
// nothing.
type DatadogWrapper struct {
	aggregates  map[string]bool
	percentiles []float64
}

// NewDatadogWrapper builds a DatadogWrapper with the given histogram
// configuration.
func NewDatadogWrapper(aggregates []string, percentiles []float64) *DatadogWrapper {
	selected := make(map[string]bool, len(aggregates))
	for _, aggregate := range aggregates {
		selected[aggregate] = true
	}
	return &DatadogWrapper{aggregates: selected, percentiles: percentiles}
}

// Wrap implements Wrapper.
func (w *DatadogWrapper) Wrap(merged []*metrics.MergedMetric) []*metrics.WrappedMetric {
	var wrapped []*metrics.WrappedMetric
	for _, metric := range merged {
		wrapped = append(wrapped, w.wrapMetric(metric)...)
	}
	return wrapped
}

func (w *DatadogWrapper) wrapMetric(merged *metrics.MergedMetric) []*metrics.WrappedMetric {
	switch merged.Type {
	case "count":
		return w.wrapCount(merged)
	case "rate":
		return w.wrapRate(merged)
	case "gauge":
		return w.wrapGauge(merged)
	case "set":
		return w.wrapSet(merged)
	case "histogram":
		return w.wrapHistogram(merged)
	default:
		return nil
	}
}

func (w *DatadogWrapper) wrapCount(merged *metrics.MergedMetric) []*metrics.WrappedMetric {
	values, ok := merged.FloatValues()
	if !ok {
		return nil
	}
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric(merged.Metric, merged.Type, merged.MinTimestamp(), sum(values), merged.STags, merged.Interval),
	}
}

func (w *DatadogWrapper) wrapRate(merged *metrics.MergedMetric) []*metrics.WrappedMetric {
	values, ok := merged.FloatValues()
	if !ok {
		return nil
	}
	rate := sum(values) / float64(merged.Interval)
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric(merged.Metric, merged.Type, merged.MinTimestamp(), rate, merged.STags, merged.Interval),
	}
}

func (w *DatadogWrapper) wrapGauge(merged *metrics.MergedMetric) []*metrics.WrappedMetric {
	values, ok := merged.FloatValues()
	if !ok {
		return nil
	}
	// The value is the latest received one, the timestamp is the earliest.
	latest := 0
	for i, timestamp := range merged.Timestamps {
		if timestamp >= merged.Timestamps[latest] {
			latest = i
		}
	}
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric(merged.Metric, merged.Type, merged.MinTimestamp(), values[latest], merged.STags, 0),
	}
}

// wrapSet counts unique elements over all the received lists. Values of a
// set metric must be lists; if any of them is not, nothing is produced.
func (w *DatadogWrapper) wrapSet(merged *metrics.MergedMetric) []*metrics.WrappedMetric {
	unique := map[string]bool{}
	for _, value := range merged.Values {
		list, ok := value.([]interface{})
		if !ok {
			return nil
		}
		for _, element := range list {
			unique[fmt.Sprintf("%v", element)] = true
		}
	}
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric(merged.Metric, "count", merged.MinTimestamp(), float64(len(unique)), merged.STags, merged.Interval),
	}
}

func (w *DatadogWrapper) wrapHistogram(merged *metrics.MergedMetric) []*metrics.WrappedMetric {
	values, ok := merged.FloatValues()
	if !ok || len(values) == 0 {
		return nil
	}
	timestamp := merged.MinTimestamp()
	count := float64(len(values))
	interval := float64(merged.Interval)
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	type candidate struct {
		suffix   string
		mType    string
		value    float64
		interval int64
	}
	candidates := []candidate{
		{"avg", "gauge", sum(values) / count, 0},
		{"count", "rate", count / interval, merged.Interval},
		{"sum", "gauge", sum(values), 0},
		{"min", "gauge", sorted[0], 0},
		{"max", "gauge", sorted[len(sorted)-1], 0},
		{"median", "gauge", percentile(sorted, 0.5), 0},
	}

	var wrapped []*metrics.WrappedMetric
	for _, c := range candidates {
		if !w.aggregates[c.suffix] {
			continue
		}
		name := fmt.Sprintf("%s.%s", merged.Metric, c.suffix)
		wrapped = append(wrapped, metrics.NewWrappedMetric(name, c.mType, timestamp, c.value, merged.STags, c.interval))
	}
	for _, p := range w.percentiles {
		name := fmt.Sprintf("%s.%dpercentile", merged.Metric, int(p*100))
		wrapped = append(wrapped, metrics.NewWrappedMetric(name, "gauge", timestamp, percentile(sorted, p), merged.STags, 0))
	}
	return wrapped
}

// percentile computes a percentile of a sorted data set using linear
// interpolation between the closest ranks. It matches numpy's default
// behaviour without depending on anything heavier than the standard
// library.
func percentile(sorted []float64, percent float64) float64 {
	index := float64(len(sorted)-1) * percent
	lower := math.Floor(index)
	upper := math.Ceil(index)
	if lower == upper {
		return sorted[int(index)]
	}
	left := sorted[int(lower)] * (upper - index)
	right := sorted[int(upper)] * (index - lower)
	return left + right
}
