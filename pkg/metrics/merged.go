// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// MergedMetric aggregates the values and timestamps of raw metrics sharing
// the same name, type and tags, collected during one flush interval. It is
// the input of a Wrapper and never leaves the aggregator.
//
// Its ID is the identity of the metric: only MergedMetrics with equal IDs
// may be merged together.
type MergedMetric struct {
	Metric     string
	Type       string
	Values     []interface{}
	Timestamps []float64
	Tags       map[string]string
	// STags are the Tags as sorted "key:value" strings, the form
	// WrappedMetrics carry on the wire.
	STags    []string
	ID       string
	Interval int64
}

// NewMergedMetric builds a single-sample MergedMetric. The value stays an
// interface{} because set metrics carry lists instead of scalars.
func NewMergedMetric(metric string, metricType string, timestamp float64, value interface{}, tags map[string]string, interval int64) *MergedMetric {
	sTags := StringifyTags(tags)
	return &MergedMetric{
		Metric:     metric,
		Type:       metricType,
		Values:     []interface{}{value},
		Timestamps: []float64{timestamp},
		Tags:       tags,
		STags:      sTags,
		ID:         fmt.Sprintf("%s_%s_%s", metric, metricType, strings.Join(sTags, "_")),
		Interval:   interval,
	}
}

// StringifyTags casts a tags map into a deterministic sorted list of
// "key:value" strings.
func StringifyTags(tags map[string]string) []string {
	sTags := make([]string, 0, len(tags))
	for name, value := range tags {
		sTags = append(sTags, fmt.Sprintf("%s:%s", name, value))
	}
	sort.Strings(sTags)
	return sTags
}

// Merge folds another metric with the same identity into this one,
// concatenating values and timestamps. Metrics with different identities
// cannot be merged.
func (m *MergedMetric) Merge(other *MergedMetric) error {
	if m.ID != other.ID {
		return fmt.Errorf("can't merge metric %q into %q", other.ID, m.ID)
	}
	m.Values = append(m.Values, other.Values...)
	m.Timestamps = append(m.Timestamps, other.Timestamps...)
	return nil
}

// FloatValues returns the values as floats. The second return value is
// false if any value is not a number, which happens when a set metric
// carrying lists ends up in a scalar aggregation.
func (m *MergedMetric) FloatValues() ([]float64, bool) {
	values := make([]float64, 0, len(m.Values))
	for _, value := range m.Values {
		number, ok := value.(float64)
		if !ok {
			return nil, false
		}
		values = append(values, number)
	}
	return values, true
}

// MinTimestamp returns the earliest timestamp of the merged samples.
func (m *MergedMetric) MinTimestamp() float64 {
	min := m.Timestamps[0]
	for _, timestamp := range m.Timestamps[1:] {
		if timestamp < min {
			min = timestamp
		}
	}
	return min
}

// MaxTimestamp returns the latest timestamp of the merged samples.
func (m *MergedMetric) MaxTimestamp() float64 {
	max := m.Timestamps[0]
	for _, timestamp := range m.Timestamps[1:] {
		if timestamp > max {
			max = timestamp
		}
	}
	return max
}
