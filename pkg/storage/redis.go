// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package storage

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/chouette-iot/chouette/pkg/util/log"
)

// RedisEngine keeps every queue as a pair of Redis structures sharing a
// name prefix: a sorted set `<queue>.keys` whose scores are record
// timestamps and a hash `<queue>.values` mapping keys to payloads. The
// layout is shared with producer applications that push raw records
// directly.
type RedisEngine struct {
	client *redis.Client
}

// NewRedisEngine connects to the Redis server described by the
// configuration.
func NewRedisEngine(host string, port int) *RedisEngine {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	return &RedisEngine{client: client}
}

func queueName(dataType DataType, kind Kind) string {
	return fmt.Sprintf("chouette:%s:%s", dataType, kind)
}

// StoreRecords implements Engine. All records are stored in a single
// transaction, so either the whole batch lands or none of it does.
func (e *RedisEngine) StoreRecords(ctx context.Context, dataType DataType, kind Kind, records []Record) bool {
	queue := queueName(dataType, kind)
	var members []*redis.Z
	values := map[string]interface{}{}
	for _, record := range records {
		payload, err := record.Payload()
		if err != nil {
			log.Warnf("Could not serialize a record for the queue %s: %v.", queue, err)
			continue
		}
		key := uuid.NewString()
		members = append(members, &redis.Z{Score: record.Time(), Member: key})
		values[key] = payload
	}
	if len(members) == 0 {
		return true
	}
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, queue+".keys", members...)
		pipe.HSet(ctx, queue+".values", values)
		return nil
	})
	if err != nil {
		log.Errorf("Could not store %d records to the queue %s: %v.", len(members), queue, err)
		return false
	}
	return true
}

// CollectKeys implements Engine.
func (e *RedisEngine) CollectKeys(ctx context.Context, dataType DataType, kind Kind, amount int64) []KeyTimestamp {
	queue := queueName(dataType, kind)
	stop := amount - 1
	if amount == 0 {
		stop = -1
	}
	members, err := e.client.ZRangeWithScores(ctx, queue+".keys", 0, stop).Result()
	if err != nil {
		log.Errorf("Could not collect keys from the queue %s: %v.", queue, err)
		return nil
	}
	keys := make([]KeyTimestamp, 0, len(members))
	for _, member := range members {
		keys = append(keys, KeyTimestamp{Key: member.Member.(string), Timestamp: member.Score})
	}
	return keys
}

// CollectValues implements Engine. HMGET preserves the requested order and
// returns nil for missing fields, which are skipped.
func (e *RedisEngine) CollectValues(ctx context.Context, dataType DataType, kind Kind, keys []string) [][]byte {
	if len(keys) == 0 {
		return nil
	}
	queue := queueName(dataType, kind)
	raw, err := e.client.HMGet(ctx, queue+".values", keys...).Result()
	if err != nil {
		log.Errorf("Could not collect values from the queue %s: %v.", queue, err)
		return nil
	}
	values := make([][]byte, 0, len(raw))
	for _, value := range raw {
		payload, ok := value.(string)
		if !ok {
			continue
		}
		values = append(values, []byte(payload))
	}
	return values
}

// DeleteRecords implements Engine.
func (e *RedisEngine) DeleteRecords(ctx context.Context, dataType DataType, kind Kind, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	queue := queueName(dataType, kind)
	members := make([]interface{}, len(keys))
	for i, key := range keys {
		members[i] = key
	}
	_, err := e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, queue+".keys", members...)
		pipe.HDel(ctx, queue+".values", keys...)
		return nil
	})
	if err != nil {
		log.Errorf("Could not delete %d records from the queue %s: %v.", len(keys), queue, err)
		return false
	}
	return true
}

// CleanupOutdated implements Engine. Records whose timestamp is exactly
// ttl seconds old are considered outdated too.
func (e *RedisEngine) CleanupOutdated(ctx context.Context, dataType DataType, kind Kind, ttl int64) bool {
	queue := queueName(dataType, kind)
	threshold := nowFunc() - float64(ttl)
	limit := strconv.FormatFloat(threshold, 'f', -1, 64)
	outdated, err := e.client.ZRangeByScore(ctx, queue+".keys", &redis.ZRangeBy{Min: "-inf", Max: limit}).Result()
	if err != nil {
		log.Errorf("Could not find outdated records in the queue %s: %v.", queue, err)
		return false
	}
	if len(outdated) == 0 {
		return true
	}
	_, err = e.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, queue+".keys", "-inf", limit)
		pipe.HDel(ctx, queue+".values", outdated...)
		return nil
	})
	if err != nil {
		log.Errorf("Could not clean up %d outdated records in the queue %s: %v.", len(outdated), queue, err)
		return false
	}
	log.Infof("Cleaned up %d records older than %d seconds from the queue %s.", len(outdated), ttl, queue)
	return true
}

// QueueSize implements Engine.
func (e *RedisEngine) QueueSize(ctx context.Context, dataType DataType, kind Kind) int64 {
	queue := queueName(dataType, kind)
	size, err := e.client.HLen(ctx, queue+".values").Result()
	if err != nil {
		log.Errorf("Could not get the size of the queue %s: %v.", queue, err)
		return -1
	}
	return size
}

// Stop implements Engine.
func (e *RedisEngine) Stop() error {
	return e.client.Close()
}
