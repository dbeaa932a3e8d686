// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, int64(10), cfg.GetInt64("aggregate_interval"))
	assert.Equal(t, int64(30), cfg.GetInt64("capture_interval"))
	assert.Equal(t, int64(60), cfg.GetInt64("release_interval"))
	assert.Equal(t, int64(14400), cfg.GetInt64("metric_ttl"))
	assert.Equal(t, int64(64800), cfg.GetInt64("log_ttl"))
	assert.Equal(t, int64(10000), cfg.GetInt64("metrics_bulk_size"))
	assert.Equal(t, int64(500), cfg.GetInt64("logs_bulk_size"))
	assert.Equal(t, "datadog", cfg.GetString("metrics_wrapper"))
	assert.Equal(t, "redis", cfg.GetString("storage_type"))
	assert.Equal(t, "https://api.datadoghq.com/api", cfg.GetString("datadog_url"))
	assert.True(t, cfg.GetBool("send_self_metrics"))
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("AGGREGATE_INTERVAL", "5")
	t.Setenv("METRICS_WRAPPER", "simple")
	cfg := New()

	assert.Equal(t, int64(5), cfg.GetInt64("aggregate_interval"))
	assert.Equal(t, "simple", cfg.GetString("metrics_wrapper"))
}

func TestValidateRequiresAPIKey(t *testing.T) {
	cfg := New()
	require.Error(t, Validate(cfg))

	cfg.Set("api_key", "testkey")
	assert.NoError(t, Validate(cfg))
}

func TestValidateRejectsBadIntervals(t *testing.T) {
	cfg := New()
	cfg.Set("api_key", "testkey")
	cfg.Set("release_interval", 0)

	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBrokenLists(t *testing.T) {
	cfg := New()
	cfg.Set("api_key", "testkey")
	cfg.Set("global_tags", "env:dev")

	assert.Error(t, Validate(cfg), "tags must be a JSON array, not a bare string")
}

func TestListAccessors(t *testing.T) {
	cfg := New()
	cfg.Set("global_tags", `["env:dev", "fleet:test"]`)
	cfg.Set("collector_plugins", `["host"]`)

	assert.Equal(t, []string{"env:dev", "fleet:test"}, GlobalTags(cfg))
	assert.Equal(t, []string{"host"}, CollectorPlugins(cfg))
	assert.Equal(t, []string{"max", "median", "avg", "count"}, HistogramAggregates(cfg))
	assert.Equal(t, []float64{0.95}, HistogramPercentiles(cfg))
	assert.Equal(t, []string{"cpu", "fs", "la", "ram"}, HostCollectorMetrics(cfg))
}

func TestK8sMetricsSelection(t *testing.T) {
	cfg := New()

	selection := K8sMetrics(cfg)
	assert.Equal(t, []string{"memory", "cpu"}, selection["pods"])
	assert.Equal(t, []string{"inodes"}, selection["node"])

	cfg.Set("k8s_metrics", "broken")
	assert.Empty(t, K8sMetrics(cfg))
}

func TestSenderTimeout(t *testing.T) {
	cfg := New()
	assert.Equal(t, 48*time.Second, SenderTimeout(cfg))

	cfg.Set("release_interval", 10)
	assert.Equal(t, 8*time.Second, SenderTimeout(cfg))
}
