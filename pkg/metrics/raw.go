// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package metrics

import "encoding/json"

// RawMetric is a single unaggregated data point waiting in the raw queue
// for the next aggregator run. The agent itself produces RawMetrics for its
// own telemetry; producer applications write the same JSON shape directly.
type RawMetric struct {
	Metric    string
	Type      string
	Timestamp float64
	Value     float64
	Tags      map[string]string
}

type rawMetricPayload struct {
	Metric    string            `json:"metric"`
	Tags      map[string]string `json:"tags"`
	Timestamp float64           `json:"timestamp"`
	Value     float64           `json:"value"`
	Type      string            `json:"type"`
}

// Time implements storage.Record.
func (m *RawMetric) Time() float64 {
	return m.Timestamp
}

// Payload returns the JSON document stored in the raw queue.
func (m *RawMetric) Payload() ([]byte, error) {
	tags := m.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	return json.Marshal(rawMetricPayload{
		Metric:    m.Metric,
		Tags:      tags,
		Timestamp: m.Timestamp,
		Value:     m.Value,
		Type:      m.Type,
	})
}
