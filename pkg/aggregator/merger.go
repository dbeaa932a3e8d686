// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package aggregator

import (
	"encoding/json"
	"math"

	"github.com/chouette-iot/chouette/pkg/metrics"
	"github.com/chouette-iot/chouette/pkg/storage"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// rawMetricDocument is the JSON shape producer applications put into the
// raw metrics queue. Tags are optional.
type rawMetricDocument struct {
	Metric    *string           `json:"metric"`
	Type      *string           `json:"type"`
	Timestamp *float64          `json:"timestamp"`
	Value     interface{}       `json:"value"`
	Tags      map[string]string `json:"tags"`
}

// groupKeys partitions queue keys into per-flush-interval buckets by
// floor(timestamp / interval). Keys arrive oldest first and keep their
// storage order inside a bucket; buckets come out in ascending order.
func groupKeys(keys []storage.KeyTimestamp, interval int64) [][]string {
	var buckets [][]string
	var bucket []string
	var bucketIndex float64
	for _, key := range keys {
		index := math.Floor(key.Timestamp / float64(interval))
		if bucket != nil && index != bucketIndex {
			buckets = append(buckets, bucket)
			bucket = nil
		}
		bucketIndex = index
		bucket = append(bucket, key.Key)
	}
	if bucket != nil {
		buckets = append(buckets, bucket)
	}
	return buckets
}

// mergeRecords parses raw metric payloads and folds them into
// MergedMetrics by identity. Records that are not valid raw metrics are
// dropped. The first-seen order of identities is preserved so that the
// output is deterministic.
func mergeRecords(payloads [][]byte, interval int64) []*metrics.MergedMetric {
	merged := map[string]*metrics.MergedMetric{}
	var order []string
	for _, payload := range payloads {
		var document rawMetricDocument
		if err := json.Unmarshal(payload, &document); err != nil {
			log.Warnf("Dropping a raw metric that is not valid JSON: %v.", err)
			continue
		}
		if document.Metric == nil || document.Type == nil || document.Timestamp == nil || document.Value == nil {
			log.Warnf("Dropping a raw metric with missing fields: %s.", payload)
			continue
		}
		metric := metrics.NewMergedMetric(*document.Metric, *document.Type, *document.Timestamp, document.Value, document.Tags, interval)
		existing, ok := merged[metric.ID]
		if !ok {
			merged[metric.ID] = metric
			order = append(order, metric.ID)
			continue
		}
		if err := existing.Merge(metric); err != nil {
			log.Warnf("Could not merge a raw metric: %v.", err)
		}
	}
	result := make([]*metrics.MergedMetric, 0, len(order))
	for _, id := range order {
		result = append(result, merged[id])
	}
	return result
}
