// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMergedMetricIdentity(t *testing.T) {
	tags := map[string]string{"host": "pi", "env": "dev"}
	metric := NewMergedMetric("ram.used", "gauge", 100, 42.0, tags, 10)

	assert.Equal(t, []string{"env:dev", "host:pi"}, metric.STags)
	assert.Equal(t, "ram.used_gauge_env:dev_host:pi", metric.ID)
	assert.Equal(t, []interface{}{42.0}, metric.Values)
	assert.Equal(t, []float64{100}, metric.Timestamps)
}

func TestIdentityIgnoresTagOrder(t *testing.T) {
	first := NewMergedMetric("m", "count", 1, 1.0, map[string]string{"a": "1", "b": "2"}, 10)
	second := NewMergedMetric("m", "count", 2, 2.0, map[string]string{"b": "2", "a": "1"}, 10)

	assert.Equal(t, first.ID, second.ID)
}

func TestMergeConcatenatesSamples(t *testing.T) {
	first := NewMergedMetric("m", "count", 1, 1.0, nil, 10)
	second := NewMergedMetric("m", "count", 2, 2.0, nil, 10)

	require.NoError(t, first.Merge(second))
	assert.Equal(t, []interface{}{1.0, 2.0}, first.Values)
	assert.Equal(t, []float64{1, 2}, first.Timestamps)
}

func TestMergeRejectsDifferentIdentities(t *testing.T) {
	gauge := NewMergedMetric("m", "gauge", 1, 1.0, nil, 10)
	count := NewMergedMetric("m", "count", 2, 2.0, nil, 10)

	assert.Error(t, gauge.Merge(count))
	assert.Equal(t, []interface{}{1.0}, gauge.Values, "a failed merge must not modify the metric")
}

func TestFloatValues(t *testing.T) {
	metric := NewMergedMetric("m", "count", 1, 1.5, nil, 10)
	require.NoError(t, metric.Merge(NewMergedMetric("m", "count", 2, 2.5, nil, 10)))

	values, ok := metric.FloatValues()
	require.True(t, ok)
	assert.Equal(t, []float64{1.5, 2.5}, values)
}

func TestFloatValuesRejectsLists(t *testing.T) {
	metric := NewMergedMetric("m", "set", 1, []interface{}{"a", "b"}, nil, 10)

	_, ok := metric.FloatValues()
	assert.False(t, ok)
}

func TestTimestampBounds(t *testing.T) {
	metric := NewMergedMetric("m", "gauge", 20, 1.0, nil, 10)
	require.NoError(t, metric.Merge(NewMergedMetric("m", "gauge", 5, 2.0, nil, 10)))
	require.NoError(t, metric.Merge(NewMergedMetric("m", "gauge", 15, 3.0, nil, 10)))

	assert.Equal(t, 5.0, metric.MinTimestamp())
	assert.Equal(t, 20.0, metric.MaxTimestamp())
}

func TestWrappedMetricPayload(t *testing.T) {
	metric := NewWrappedMetric("ram.used", "gauge", 100.5, 42.0, []string{"host:pi"}, 0)

	payload, err := metric.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"metric":"ram.used","tags":["host:pi"],"points":[[100.5,42]],"type":"gauge"}`, string(payload))
}

func TestWrappedMetricPayloadWithInterval(t *testing.T) {
	metric := NewWrappedMetric("requests", "count", 100, 7, nil, 10)

	payload, err := metric.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"metric":"requests","tags":[],"points":[[100,7]],"type":"count","interval":10}`, string(payload))
}

func TestRawMetricPayload(t *testing.T) {
	metric := &RawMetric{Metric: "requests", Type: "count", Timestamp: 100, Value: 3, Tags: map[string]string{"env": "dev"}}

	payload, err := metric.Payload()
	require.NoError(t, err)
	assert.JSONEq(t, `{"metric":"requests","tags":{"env":"dev"},"timestamp":100,"value":3,"type":"count"}`, string(payload))
}
