// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package storage owns the durable queues shared with producer
// applications. All access goes through a single Storage actor, so per
// queue every operation is totally ordered; consumers that depend on the
// order of their own operations (aggregator, senders) use the blocking ask
// methods, the collector uses fire-and-forget tells.
package storage

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// nowFunc is overridden in tests to make TTL cleanups deterministic.
var nowFunc = func() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// DataType identifies what kind of records a queue holds.
type DataType string

// Kind separates unprocessed records from dispatch-ready ones.
type Kind string

const (
	// Metrics queues hold metric records.
	Metrics DataType = "metrics"
	// Logs queues hold log records.
	Logs DataType = "logs"

	// Raw records are unaggregated producer samples.
	Raw Kind = "raw"
	// Wrapped records are wire-ready and wait for dispatch.
	Wrapped Kind = "wrapped"
)

// Record is anything that can be persisted into a queue.
type Record interface {
	// Time is the record timestamp in Unix seconds.
	Time() float64
	// Payload is the JSON document stored for the record. A Payload
	// error means the record is silently skipped on store.
	Payload() ([]byte, error)
}

// KeyTimestamp is a queue key together with the record's timestamp.
type KeyTimestamp struct {
	Key       string
	Timestamp float64
}

// Engine is the coupling point to the backing store. Implementations must
// make every multi-key mutation atomic.
type Engine interface {
	StoreRecords(ctx context.Context, dataType DataType, kind Kind, records []Record) bool
	CollectKeys(ctx context.Context, dataType DataType, kind Kind, amount int64) []KeyTimestamp
	CollectValues(ctx context.Context, dataType DataType, kind Kind, keys []string) [][]byte
	DeleteRecords(ctx context.Context, dataType DataType, kind Kind, keys []string) bool
	CleanupOutdated(ctx context.Context, dataType DataType, kind Kind, ttl int64) bool
	QueueSize(ctx context.Context, dataType DataType, kind Kind) int64
	Stop() error
}

// Messages of the storage actor.

type storeRecordsMsg struct {
	ctx      context.Context
	dataType DataType
	kind     Kind
	records  []Record
	reply    chan bool // nil for tells
}

type collectKeysMsg struct {
	ctx      context.Context
	dataType DataType
	kind     Kind
	amount   int64
	reply    chan []KeyTimestamp
}

type collectValuesMsg struct {
	ctx      context.Context
	dataType DataType
	kind     Kind
	keys     []string
	reply    chan [][]byte
}

type deleteRecordsMsg struct {
	ctx      context.Context
	dataType DataType
	kind     Kind
	keys     []string
	reply    chan bool
}

type cleanupOutdatedMsg struct {
	ctx      context.Context
	dataType DataType
	kind     Kind
	ttl      int64
	reply    chan bool
}

type queueSizeMsg struct {
	ctx      context.Context
	dataType DataType
	kind     Kind
	reply    chan int64
}

const inboxSize = 128

// Storage serializes queue operations over a single Engine.
type Storage struct {
	engine  Engine
	inbox   chan interface{}
	stopped chan struct{}
	running *atomic.Bool
}

// New returns an unstarted Storage actor for the given engine.
func New(engine Engine) *Storage {
	return &Storage{
		engine:  engine,
		inbox:   make(chan interface{}, inboxSize),
		stopped: make(chan struct{}),
		running: atomic.NewBool(false),
	}
}

// Start launches the actor goroutine. It is a no-op on a running actor.
func (s *Storage) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

// Stop terminates the actor and closes the engine. Pending asks receive
// zero values.
func (s *Storage) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopped)
	s.engine.Stop() //nolint:errcheck
}

func (s *Storage) loop() {
	for {
		select {
		case <-s.stopped:
			return
		case message := <-s.inbox:
			s.handle(message)
		}
	}
}

func (s *Storage) handle(message interface{}) {
	switch msg := message.(type) {
	case storeRecordsMsg:
		stored := s.engine.StoreRecords(msg.ctx, msg.dataType, msg.kind, msg.records)
		if msg.reply != nil {
			msg.reply <- stored
		}
	case collectKeysMsg:
		msg.reply <- s.engine.CollectKeys(msg.ctx, msg.dataType, msg.kind, msg.amount)
	case collectValuesMsg:
		msg.reply <- s.engine.CollectValues(msg.ctx, msg.dataType, msg.kind, msg.keys)
	case deleteRecordsMsg:
		msg.reply <- s.engine.DeleteRecords(msg.ctx, msg.dataType, msg.kind, msg.keys)
	case cleanupOutdatedMsg:
		msg.reply <- s.engine.CleanupOutdated(msg.ctx, msg.dataType, msg.kind, msg.ttl)
	case queueSizeMsg:
		msg.reply <- s.engine.QueueSize(msg.ctx, msg.dataType, msg.kind)
	}
}

// post delivers a message to the actor unless it is stopped.
func (s *Storage) post(message interface{}) bool {
	select {
	case <-s.stopped:
		return false
	default:
	}
	select {
	case s.inbox <- message:
		return true
	case <-s.stopped:
		return false
	}
}

// await reads a reply, giving up if the actor stops first. Replies are
// buffered, so an abandoned handler never blocks on its send.
func await[T any](s *Storage, reply chan T) T {
	select {
	case value := <-reply:
		return value
	default:
	}
	select {
	case value := <-reply:
		return value
	case <-s.stopped:
		var zero T
		return zero
	}
}

// StoreRecords persists records into a queue and waits for confirmation.
// Records that cannot produce a payload are skipped; an empty input
// succeeds.
func (s *Storage) StoreRecords(ctx context.Context, dataType DataType, kind Kind, records []Record) bool {
	reply := make(chan bool, 1)
	if !s.post(storeRecordsMsg{ctx: ctx, dataType: dataType, kind: kind, records: records, reply: reply}) {
		return false
	}
	return await(s, reply)
}

// TellStoreRecords persists records without waiting for the result.
func (s *Storage) TellStoreRecords(ctx context.Context, dataType DataType, kind Kind, records []Record) {
	s.post(storeRecordsMsg{ctx: ctx, dataType: dataType, kind: kind, records: records})
}

// CollectKeys returns up to amount keys with their timestamps, oldest
// first. amount = 0 returns all of them.
func (s *Storage) CollectKeys(ctx context.Context, dataType DataType, kind Kind, amount int64) []KeyTimestamp {
	reply := make(chan []KeyTimestamp, 1)
	if !s.post(collectKeysMsg{ctx: ctx, dataType: dataType, kind: kind, amount: amount, reply: reply}) {
		return nil
	}
	return await(s, reply)
}

// CollectValues returns the payloads of the given keys, preserving the
// submission order and skipping missing keys.
func (s *Storage) CollectValues(ctx context.Context, dataType DataType, kind Kind, keys []string) [][]byte {
	reply := make(chan [][]byte, 1)
	if !s.post(collectValuesMsg{ctx: ctx, dataType: dataType, kind: kind, keys: keys, reply: reply}) {
		return nil
	}
	return await(s, reply)
}

// DeleteRecords removes the given keys from a queue. An empty keys list is
// a successful no-op.
func (s *Storage) DeleteRecords(ctx context.Context, dataType DataType, kind Kind, keys []string) bool {
	reply := make(chan bool, 1)
	if !s.post(deleteRecordsMsg{ctx: ctx, dataType: dataType, kind: kind, keys: keys, reply: reply}) {
		return false
	}
	return await(s, reply)
}

// CleanupOutdated removes every record older than ttl seconds from a
// queue. It returns true when the cleanup executed, even if nothing was
// deleted.
func (s *Storage) CleanupOutdated(ctx context.Context, dataType DataType, kind Kind, ttl int64) bool {
	reply := make(chan bool, 1)
	if !s.post(cleanupOutdatedMsg{ctx: ctx, dataType: dataType, kind: kind, ttl: ttl, reply: reply}) {
		return false
	}
	return await(s, reply)
}

// QueueSize returns the number of records in a queue, or -1 on a store
// error.
func (s *Storage) QueueSize(ctx context.Context, dataType DataType, kind Kind) int64 {
	reply := make(chan int64, 1)
	if !s.post(queueSizeMsg{ctx: ctx, dataType: dataType, kind: kind, reply: reply}) {
		return -1
	}
	return await(s, reply)
}
