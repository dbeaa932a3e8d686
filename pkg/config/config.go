// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package config holds the global agent configuration. Everything is read
// from environment variables; there is no configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Chouette is the global configuration object.
var Chouette Config

// Config is a subset of the viper interface the agent relies on.
type Config interface {
	Set(key string, value interface{})
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetString(key string) string
	IsSet(key string) bool
}

func init() {
	Chouette = New()
}

// New returns a fresh Config carrying the defaults. The agent uses the
// global Chouette instance; tests build their own to stay independent of
// the environment.
func New() Config {
	config := viper.New()

	config.SetDefault("api_key", "")
	config.SetDefault("global_tags", "[]")
	config.SetDefault("collector_plugins", "[]")
	config.SetDefault("aggregate_interval", 10)
	config.SetDefault("capture_interval", 30)
	config.SetDefault("release_interval", 60)
	config.SetDefault("datadog_url", "https://api.datadoghq.com/api")
	config.SetDefault("datadog_logs_url", "https://http-intake.logs.datadoghq.com")
	config.SetDefault("host", "")
	config.SetDefault("log_level", "info")
	config.SetDefault("log_ttl", 64800)
	config.SetDefault("metric_ttl", 14400)
	config.SetDefault("logs_bulk_size", 500)
	config.SetDefault("metrics_bulk_size", 10000)
	config.SetDefault("metrics_wrapper", "datadog")
	config.SetDefault("send_self_metrics", true)
	config.SetDefault("storage_type", "redis")
	config.SetDefault("redis_host", "redis")
	config.SetDefault("redis_port", 6379)
	config.SetDefault("sqlite_db_path", "/chouette/chouette.sqlite")
	config.SetDefault("histogram_aggregates", `["max", "median", "avg", "count"]`)
	config.SetDefault("histogram_percentiles", "[0.95]")
	config.SetDefault("host_collector_metrics", `["cpu", "fs", "la", "ram"]`)
	config.SetDefault("k8s_stats_service_ip", "")
	config.SetDefault("k8s_stats_service_port", 10250)
	config.SetDefault("k8s_cert_path", "")
	config.SetDefault("k8s_key_path", "")
	config.SetDefault("k8s_metrics", `{"pods": ["memory", "cpu"], "node": ["inodes"]}`)

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	return config
}

// Validate checks the invariants a running agent depends on. It is called
// once at startup; any error here is fatal.
func Validate(config Config) error {
	if config.GetString("api_key") == "" {
		return errors.New("API_KEY is not set")
	}
	for _, key := range []string{"aggregate_interval", "capture_interval", "release_interval"} {
		if config.GetInt64(key) <= 0 {
			return fmt.Errorf("%s must be a positive number of seconds", strings.ToUpper(key))
		}
	}
	if _, err := stringList(config, "global_tags"); err != nil {
		return err
	}
	if _, err := stringList(config, "collector_plugins"); err != nil {
		return err
	}
	if _, err := stringList(config, "histogram_aggregates"); err != nil {
		return err
	}
	if _, err := floatList(config, "histogram_percentiles"); err != nil {
		return err
	}
	return nil
}

// GlobalTags returns the tags appended to every dispatched metric and log.
func GlobalTags(config Config) []string {
	tags, _ := stringList(config, "global_tags")
	return tags
}

// CollectorPlugins returns the list of configured collector plugin names.
func CollectorPlugins(config Config) []string {
	plugins, _ := stringList(config, "collector_plugins")
	return plugins
}

// HistogramAggregates returns the aggregates the datadog wrapper produces
// for histogram metrics.
func HistogramAggregates(config Config) []string {
	aggregates, _ := stringList(config, "histogram_aggregates")
	return aggregates
}

// HistogramPercentiles returns the percentiles the datadog wrapper produces
// for histogram metrics.
func HistogramPercentiles(config Config) []float64 {
	percentiles, _ := floatList(config, "histogram_percentiles")
	return percentiles
}

// HostCollectorMetrics returns the metric groups the host plugin collects.
func HostCollectorMetrics(config Config) []string {
	groups, _ := stringList(config, "host_collector_metrics")
	return groups
}

// K8sMetrics returns the node and pod metric selections of the k8s plugin.
func K8sMetrics(config Config) map[string][]string {
	raw := config.GetString("k8s_metrics")
	selection := map[string][]string{}
	if err := json.Unmarshal([]byte(raw), &selection); err != nil {
		return map[string][]string{}
	}
	return selection
}

// SenderTimeout returns the per-request HTTP timeout of the senders:
// 80% of the release interval.
func SenderTimeout(config Config) time.Duration {
	releaseInterval := config.GetInt64("release_interval")
	return time.Duration(float64(releaseInterval)*0.8) * time.Second
}

func stringList(config Config, key string) ([]string, error) {
	raw := config.GetString(key)
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array of strings: %w", strings.ToUpper(key), err)
	}
	return values, nil
}

func floatList(config Config, key string) ([]float64, error) {
	raw := config.GetString(key)
	if raw == "" {
		return nil, nil
	}
	var values []float64
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("%s must be a JSON array of numbers: %w", strings.ToUpper(key), err)
	}
	return values, nil
}
