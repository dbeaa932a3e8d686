// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package sender dispatches wrapped records to Datadog. There is one
// sender instance per data type; metrics and logs share the whole
// pipeline and differ only in endpoint, envelope, tag merging, TTL and
// bulk size.
package sender

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/atomic"

	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/metrics"
	"github.com/chouette-iot/chouette/pkg/storage"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// nowFunc is overridden in tests to pin self-metric timestamps.
var nowFunc = func() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Sender dispatches one wrapped queue to one Datadog intake endpoint.
// Dispatched records are deleted only after the intake confirmed the
// batch, so a failed or timed out POST redelivers on the next tick.
type Sender struct {
	storage         *storage.Storage
	client          *http.Client
	dataType        storage.DataType
	url             string
	ttl             int64
	bulkSize        int64
	host            string
	globalTags      []string
	sendSelfMetrics bool
	envelope        func(documents []map[string]interface{}) interface{}
	mergeTags       func(document map[string]interface{}, globalTags []string)

	inbox   chan struct{}
	stopped chan struct{}
	running *atomic.Bool
}

// NewMetricsSender builds the sender of the wrapped metrics queue,
// posting `{"series": [...]}` envelopes to the v1/series endpoint.
func NewMetricsSender(cfg config.Config, store *storage.Storage) *Sender {
	sender := newSender(cfg, store)
	sender.dataType = storage.Metrics
	sender.url = intakeURL(cfg.GetString("datadog_url"), "v1/series", cfg.GetString("api_key"))
	sender.ttl = cfg.GetInt64("metric_ttl")
	sender.bulkSize = cfg.GetInt64("metrics_bulk_size")
	sender.envelope = func(documents []map[string]interface{}) interface{} {
		return map[string]interface{}{"series": documents}
	}
	sender.mergeTags = mergeTagsList
	return sender
}

// NewLogsSender builds the sender of the wrapped logs queue, posting
// bare lists to the v1/input endpoint.
func NewLogsSender(cfg config.Config, store *storage.Storage) *Sender {
	sender := newSender(cfg, store)
	sender.dataType = storage.Logs
	sender.url = intakeURL(cfg.GetString("datadog_logs_url"), "v1/input", cfg.GetString("api_key"))
	sender.ttl = cfg.GetInt64("log_ttl")
	sender.bulkSize = cfg.GetInt64("logs_bulk_size")
	sender.envelope = func(documents []map[string]interface{}) interface{} {
		return documents
	}
	sender.mergeTags = mergeTagsDdtags
	return sender
}

func newSender(cfg config.Config, store *storage.Storage) *Sender {
	return &Sender{
		storage:         store,
		client:          &http.Client{Timeout: config.SenderTimeout(cfg)},
		host:            cfg.GetString("host"),
		globalTags:      config.GlobalTags(cfg),
		sendSelfMetrics: cfg.GetBool("send_self_metrics"),
		inbox:           make(chan struct{}, 1),
		stopped:         make(chan struct{}),
		running:         atomic.NewBool(false),
	}
}

func intakeURL(baseURL string, endpoint string, apiKey string) string {
	return fmt.Sprintf("%s/%s?api_key=%s", strings.TrimSuffix(baseURL, "/"), endpoint, apiKey)
}

// Start launches the actor goroutine.
func (s *Sender) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.loop()
}

// Stop terminates the actor after the in-flight dispatch, if any.
func (s *Sender) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopped)
}

// Tick asks the actor to run one dispatch. A tick arriving while another
// one is pending collapses into it.
func (s *Sender) Tick() {
	select {
	case s.inbox <- struct{}{}:
	default:
	}
}

func (s *Sender) loop() {
	for {
		select {
		case <-s.stopped:
			return
		case <-s.inbox:
			s.Send(context.Background())
		}
	}
}

// Send runs one dispatch pass: cleanup, collect a batch of the oldest
// wrapped records, POST it and delete the batch on a confirmed intake.
// It reports whether the dispatched batch, if any, was accepted.
func (s *Sender) Send(ctx context.Context) bool {
	s.storage.CleanupOutdated(ctx, s.dataType, storage.Wrapped, s.ttl)
	keys := s.storage.CollectKeys(ctx, s.dataType, storage.Wrapped, s.bulkSize)
	if len(keys) == 0 {
		return true
	}
	if s.sendSelfMetrics && s.dataType == storage.Metrics {
		queued := s.storage.QueueSize(ctx, s.dataType, storage.Wrapped)
		if queued >= 0 {
			s.emitSelfMetric(ctx, "chouette.queued.metrics", "gauge", float64(queued))
		}
	}
	payloads := s.storage.CollectValues(ctx, s.dataType, storage.Wrapped, keyNames(keys))
	documents := s.prepareDocuments(payloads)
	body, err := json.Marshal(s.envelope(documents))
	if err != nil {
		log.Errorf("Could not serialize a batch of %d %s: %v.", len(documents), s.dataType, err)
		return false
	}
	compressed, err := deflate(body)
	if err != nil {
		log.Errorf("Could not compress a batch of %d %s: %v.", len(documents), s.dataType, err)
		return false
	}
	if !s.post(ctx, compressed) {
		return false
	}
	if !s.storage.DeleteRecords(ctx, s.dataType, storage.Wrapped, keyNames(keys)) {
		log.Warnf("Could not delete %d dispatched %s, duplicates may be dispatched.", len(keys), s.dataType)
		return false
	}
	log.Infof("Dispatched %d %s in %d bytes.", len(documents), s.dataType, len(compressed))
	if s.sendSelfMetrics {
		s.emitSelfMetric(ctx, fmt.Sprintf("chouette.dispatched.%s.number", s.dataType), "count", float64(len(documents)))
		s.emitSelfMetric(ctx, fmt.Sprintf("chouette.dispatched.%s.bytes", s.dataType), "count", float64(len(compressed)))
	}
	return true
}

// prepareDocuments parses the stored payloads, merges global tags in and
// sets the configured host. Unparseable payloads are dropped; they would
// be rejected by the intake anyway.
func (s *Sender) prepareDocuments(payloads [][]byte) []map[string]interface{} {
	documents := make([]map[string]interface{}, 0, len(payloads))
	for _, payload := range payloads {
		var document map[string]interface{}
		if err := json.Unmarshal(payload, &document); err != nil {
			log.Warnf("Dropping a stored %s record that is not valid JSON: %v.", s.dataType, err)
			continue
		}
		if len(s.globalTags) > 0 {
			s.mergeTags(document, s.globalTags)
		}
		if s.host != "" {
			document["host"] = s.host
		}
		documents = append(documents, document)
	}
	return documents
}

func (s *Sender) post(ctx context.Context, body []byte) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		log.Errorf("Could not build a %s dispatch request: %v.", s.dataType, err)
		return false
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Content-Encoding", "deflate")
	response, err := s.client.Do(request)
	if err != nil {
		log.Errorf("Could not dispatch %s: %v.", s.dataType, err)
		return false
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusAccepted {
		log.Errorf("Could not dispatch %s: the intake responded with %s.", s.dataType, response.Status)
		return false
	}
	return true
}

// emitSelfMetric pushes an agent telemetry metric through the raw metrics
// queue, so it travels the same pipeline as any producer metric.
func (s *Sender) emitSelfMetric(ctx context.Context, metric string, metricType string, value float64) {
	record := &metrics.RawMetric{
		Metric:    metric,
		Type:      metricType,
		Timestamp: nowFunc(),
		Value:     value,
	}
	s.storage.TellStoreRecords(ctx, storage.Metrics, storage.Raw, []storage.Record{record})
}

// mergeTagsList appends global tags to the "tags" list of a metric
// document.
func mergeTagsList(document map[string]interface{}, globalTags []string) {
	tags, _ := document["tags"].([]interface{})
	for _, tag := range globalTags {
		tags = append(tags, tag)
	}
	document["tags"] = tags
}

// mergeTagsDdtags folds the tags of a log document together with the
// global tags into the comma-separated "ddtags" string the logs intake
// expects. Stored logs may carry their tags as a list or as an already
// joined string.
func mergeTagsDdtags(document map[string]interface{}, globalTags []string) {
	var tags []string
	switch stored := document["ddtags"].(type) {
	case string:
		if stored != "" {
			tags = append(tags, stored)
		}
	case []interface{}:
		for _, tag := range stored {
			tags = append(tags, fmt.Sprintf("%v", tag))
		}
	}
	tags = append(tags, globalTags...)
	document["ddtags"] = strings.Join(tags, ",")
}

func keyNames(keys []storage.KeyTimestamp) []string {
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = key.Key
	}
	return names
}

func deflate(body []byte) ([]byte, error) {
	var compressed bytes.Buffer
	writer := zlib.NewWriter(&compressed)
	if _, err := writer.Write(body); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return compressed.Bytes(), nil
}
