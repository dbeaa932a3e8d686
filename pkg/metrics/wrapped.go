// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package metrics

import (
	"encoding/json"
	"sort"
)

// WrappedMetric is a single wire-ready data point. Its timestamp and value
// are already calculated, its tags are canonical "key:value" strings. One
// MergedMetric processed by a Wrapper can produce a number of WrappedMetrics.
type WrappedMetric struct {
	Metric    string
	Type      string
	Timestamp float64
	Value     float64
	Tags      []string
	// Interval is attached to count and rate points; 0 means "not set".
	Interval int64
}

// NewWrappedMetric returns a WrappedMetric with its tags sorted.
func NewWrappedMetric(metric string, metricType string, timestamp float64, value float64, tags []string, interval int64) *WrappedMetric {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	return &WrappedMetric{
		Metric:    metric,
		Type:      metricType,
		Timestamp: timestamp,
		Value:     value,
		Tags:      sorted,
		Interval:  interval,
	}
}

type wrappedMetricPayload struct {
	Metric   string       `json:"metric"`
	Tags     []string     `json:"tags"`
	Points   [][2]float64 `json:"points"`
	Type     string       `json:"type"`
	Interval int64        `json:"interval,omitempty"`
}

// Time implements storage.Record.
func (m *WrappedMetric) Time() float64 {
	return m.Timestamp
}

// Payload returns the JSON document stored in the wrapped queue:
// {"metric": ..., "tags": [...], "points": [[ts, value]], "type": ..., "interval": ...}
func (m *WrappedMetric) Payload() ([]byte, error) {
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return json.Marshal(wrappedMetricPayload{
		Metric:   m.Metric,
		Tags:     tags,
		Points:   [][2]float64{{m.Timestamp, m.Value}},
		Type:     m.Type,
		Interval: m.Interval,
	})
}
