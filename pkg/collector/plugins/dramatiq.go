// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/metrics"
)

// dramatiqNowFunc is overridden in tests.
var dramatiqNowFunc = func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

// dramatiqPlugin measures the backlog of Dramatiq task queues. Dramatiq
// keeps every queue as a Redis hash named `dramatiq:<queue>.msgs`, so the
// queue size is the hash length.
type dramatiqPlugin struct {
	client *redis.Client
}

func newDramatiqPlugin(cfg config.Config) Plugin {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.GetString("redis_host"), cfg.GetInt("redis_port")),
	})
	plugin := &dramatiqPlugin{client: client}
	return newPluginActor("dramatiq", plugin.collect)
}

func (p *dramatiqPlugin) collect() ([]*metrics.WrappedMetric, error) {
	ctx := context.Background()
	queues, err := p.client.Keys(ctx, "dramatiq:*.msgs").Result()
	if err != nil {
		return nil, fmt.Errorf("could not list dramatiq queues: %w", err)
	}
	timestamp := dramatiqNowFunc()
	var stats []*metrics.WrappedMetric
	for _, queue := range queues {
		size, err := p.client.HLen(ctx, queue).Result()
		if err != nil {
			return nil, fmt.Errorf("could not get the size of the dramatiq queue %s: %w", queue, err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(queue, "dramatiq:"), ".msgs")
		stats = append(stats, metrics.NewWrappedMetric(
			"Chouette.dramatiq.queue.size", "gauge", timestamp, float64(size), []string{"queue:" + name}, 0,
		))
	}
	return stats, nil
}
