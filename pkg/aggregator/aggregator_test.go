// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/storage"
)

func TestGroupKeys(t *testing.T) {
	keys := []storage.KeyTimestamp{
		{Key: "a", Timestamp: 5},
		{Key: "b", Timestamp: 9},
		{Key: "c", Timestamp: 15},
		{Key: "d", Timestamp: 21},
		{Key: "e", Timestamp: 29},
	}

	buckets := groupKeys(keys, 10)

	assert.Equal(t, [][]string{{"a", "b"}, {"c"}, {"d", "e"}}, buckets)
}

func TestGroupKeysEmpty(t *testing.T) {
	assert.Empty(t, groupKeys(nil, 10))
}

func TestMergeRecords(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"metric":"requests","type":"count","timestamp":11,"value":1,"tags":{"env":"dev"}}`),
		[]byte(`{"metric":"requests","type":"count","timestamp":13,"value":2,"tags":{"env":"dev"}}`),
		[]byte(`{"metric":"requests","type":"count","timestamp":12,"value":5,"tags":{"env":"prod"}}`),
	}

	merged := mergeRecords(payloads, 10)

	require.Len(t, merged, 2)
	assert.Equal(t, []interface{}{1.0, 2.0}, merged[0].Values)
	assert.Equal(t, []string{"env:dev"}, merged[0].STags)
	assert.Equal(t, []interface{}{5.0}, merged[1].Values)
	assert.Equal(t, int64(10), merged[0].Interval)
}

func TestMergeRecordsDropsBrokenPayloads(t *testing.T) {
	payloads := [][]byte{
		[]byte(`this is not json`),
		[]byte(`{"metric":"no.timestamp","type":"count","value":1}`),
		[]byte(`{"metric":"good","type":"count","timestamp":11,"value":1}`),
	}

	merged := mergeRecords(payloads, 10)

	require.Len(t, merged, 1)
	assert.Equal(t, "good", merged[0].Metric)
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	server := miniredis.RunT(t)
	port, err := strconv.Atoi(server.Port())
	require.NoError(t, err)
	store := storage.New(storage.NewRedisEngine(server.Host(), port))
	store.Start()
	t.Cleanup(store.Stop)
	return store
}

func storeRaw(t *testing.T, store *storage.Storage, metric string, metricType string, timestamp float64, value float64) {
	t.Helper()
	record := rawJSON{
		payload: fmt.Sprintf(`{"metric":%q,"type":%q,"timestamp":%f,"value":%f,"tags":{}}`, metric, metricType, timestamp, value),
		ts:      timestamp,
	}
	require.True(t, store.StoreRecords(context.Background(), storage.Metrics, storage.Raw, []storage.Record{record}))
}

type rawJSON struct {
	payload string
	ts      float64
}

func (r rawJSON) Time() float64            { return r.ts }
func (r rawJSON) Payload() ([]byte, error) { return []byte(r.payload), nil }

// bucketBase returns a fresh timestamp aligned to the flush interval, so
// the test records are neither outdated nor split across surprise buckets.
func bucketBase(interval int64) float64 {
	return math.Floor(float64(time.Now().Unix())/float64(interval)) * float64(interval)
}

func TestAggregateBucketsByFlushInterval(t *testing.T) {
	store := newTestStorage(t)
	cfg := config.New()
	cfg.Set("metrics_wrapper", "datadog")
	aggregator := New(cfg, store)
	ctx := context.Background()

	base := bucketBase(10)
	storeRaw(t, store, "ram.used", "gauge", base+1, 100)
	storeRaw(t, store, "ram.used", "gauge", base+5, 200)
	storeRaw(t, store, "ram.used", "gauge", base+11, 300)

	require.True(t, aggregator.Aggregate(ctx))

	assert.Equal(t, int64(0), store.QueueSize(ctx, storage.Metrics, storage.Raw))
	keys := store.CollectKeys(ctx, storage.Metrics, storage.Wrapped, 0)
	require.Len(t, keys, 2, "each flush interval produces its own point")

	values := store.CollectValues(ctx, storage.Metrics, storage.Wrapped, []string{keys[0].Key, keys[1].Key})
	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal(values[0], &first))
	require.NoError(t, json.Unmarshal(values[1], &second))
	assert.Equal(t, [][2]float64{{base + 1, 200}}, points(t, first), "a gauge keeps the latest value at the earliest timestamp")
	assert.Equal(t, [][2]float64{{base + 11, 300}}, points(t, second))
}

func points(t *testing.T, document map[string]interface{}) [][2]float64 {
	t.Helper()
	raw, ok := document["points"].([]interface{})
	require.True(t, ok)
	result := make([][2]float64, len(raw))
	for i, point := range raw {
		pair := point.([]interface{})
		result[i] = [2]float64{pair[0].(float64), pair[1].(float64)}
	}
	return result
}

func TestAggregateMergesIdentities(t *testing.T) {
	store := newTestStorage(t)
	cfg := config.New()
	cfg.Set("metrics_wrapper", "datadog")
	aggregator := New(cfg, store)
	ctx := context.Background()

	base := bucketBase(10)
	storeRaw(t, store, "requests", "count", base+1, 1)
	storeRaw(t, store, "requests", "count", base+3, 2)
	storeRaw(t, store, "requests", "count", base+5, 4)

	require.True(t, aggregator.Aggregate(ctx))

	keys := store.CollectKeys(ctx, storage.Metrics, storage.Wrapped, 0)
	require.Len(t, keys, 1)
	values := store.CollectValues(ctx, storage.Metrics, storage.Wrapped, []string{keys[0].Key})
	var document map[string]interface{}
	require.NoError(t, json.Unmarshal(values[0], &document))
	assert.Equal(t, [][2]float64{{base + 1, 7}}, points(t, document), "counts sharing an identity are summed")
}

func TestAggregateSimpleWrapperCount(t *testing.T) {
	store := newTestStorage(t)
	cfg := config.New()
	cfg.Set("metrics_wrapper", "simple")
	aggregator := New(cfg, store)
	ctx := context.Background()

	base := bucketBase(10)
	for i, value := range []float64{1, 2} {
		record := rawJSON{
			payload: fmt.Sprintf(`{"metric":"metric-test","type":"count","timestamp":%f,"value":%f,"tags":{"test":"test"}}`,
				base+float64(i)+1, value),
			ts: base + float64(i) + 1,
		}
		require.True(t, store.StoreRecords(ctx, storage.Metrics, storage.Raw, []storage.Record{record}))
	}

	require.True(t, aggregator.Aggregate(ctx))

	assert.Equal(t, int64(0), store.QueueSize(ctx, storage.Metrics, storage.Raw))
	keys := store.CollectKeys(ctx, storage.Metrics, storage.Wrapped, 0)
	require.Len(t, keys, 1)
	values := store.CollectValues(ctx, storage.Metrics, storage.Wrapped, []string{keys[0].Key})
	expected := fmt.Sprintf(`{"metric":"metric-test","type":"count","tags":["test:test"],"points":[[%f,3]],"interval":10}`, base+2)
	assert.JSONEq(t, expected, string(values[0]))
}

func TestAggregateWithoutWrapper(t *testing.T) {
	store := newTestStorage(t)
	cfg := config.New()
	cfg.Set("metrics_wrapper", "nonexistent")
	aggregator := New(cfg, store)
	ctx := context.Background()

	base := bucketBase(10)
	storeRaw(t, store, "ram.used", "gauge", base+1, 100)

	require.True(t, aggregator.Aggregate(ctx))

	assert.Equal(t, int64(1), store.QueueSize(ctx, storage.Metrics, storage.Raw), "without a wrapper raw records stay put")
	assert.Equal(t, int64(0), store.QueueSize(ctx, storage.Metrics, storage.Wrapped))
}

func TestAggregateCleansUpOutdatedRecords(t *testing.T) {
	store := newTestStorage(t)
	cfg := config.New()
	cfg.Set("metrics_wrapper", "nonexistent")
	aggregator := New(cfg, store)
	ctx := context.Background()

	outdated := float64(time.Now().Unix()) - float64(cfg.GetInt64("metric_ttl")) - 100
	storeRaw(t, store, "ancient", "gauge", outdated, 1)
	storeRaw(t, store, "fresh", "gauge", float64(time.Now().Unix()), 2)

	require.True(t, aggregator.Aggregate(ctx))

	assert.Equal(t, int64(1), store.QueueSize(ctx, storage.Metrics, storage.Raw))
}

// brokenWrappedEngine fails every store into a wrapped queue.
type brokenWrappedEngine struct {
	storage.Engine
}

func (e brokenWrappedEngine) StoreRecords(ctx context.Context, dataType storage.DataType, kind storage.Kind, records []storage.Record) bool {
	if kind == storage.Wrapped {
		return false
	}
	return e.Engine.StoreRecords(ctx, dataType, kind, records)
}

func TestAggregateKeepsRawRecordsWhenStoreFails(t *testing.T) {
	server := miniredis.RunT(t)
	port, err := strconv.Atoi(server.Port())
	require.NoError(t, err)
	engine := brokenWrappedEngine{Engine: storage.NewRedisEngine(server.Host(), port)}
	store := storage.New(engine)
	store.Start()
	t.Cleanup(store.Stop)

	cfg := config.New()
	cfg.Set("metrics_wrapper", "datadog")
	aggregator := New(cfg, store)
	ctx := context.Background()

	base := bucketBase(10)
	storeRaw(t, store, "ram.used", "gauge", base+1, 100)

	assert.False(t, aggregator.Aggregate(ctx))
	assert.Equal(t, int64(1), store.QueueSize(ctx, storage.Metrics, storage.Raw),
		"raw records must survive a failed wrapped store")
}
