// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package collector gathers stats about the host the agent runs on and
// about the services around it. On every tick it fans a StatsRequest out
// to the configured plugins; responses come back asynchronously and are
// persisted straight into the wrapped metrics queue, bypassing the
// aggregator.
package collector

import (
	"context"

	"go.uber.org/atomic"

	"github.com/chouette-iot/chouette/pkg/collector/plugins"
	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/storage"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// Collector is the actor coordinating the stats plugins. It never blocks
// on a plugin: requests are tells and a plugin that produces no response
// simply contributes nothing until the next tick.
type Collector struct {
	cfg     config.Config
	storage *storage.Storage
	names   []string

	inbox   chan interface{}
	stopped chan struct{}
	running *atomic.Bool
}

type tickMsg struct{}

// New builds a Collector for the plugin names in collector_plugins.
func New(cfg config.Config, store *storage.Storage) *Collector {
	return &Collector{
		cfg:     cfg,
		storage: store,
		names:   config.CollectorPlugins(cfg),
		inbox:   make(chan interface{}, 32),
		stopped: make(chan struct{}),
		running: atomic.NewBool(false),
	}
}

// Start launches the actor goroutine.
func (c *Collector) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	go c.loop()
}

// Stop terminates the actor. Responses still in flight are dropped.
func (c *Collector) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopped)
}

// Tick asks the actor to run one collection round.
func (c *Collector) Tick() {
	c.post(tickMsg{})
}

// Tell implements plugins.Receiver.
func (c *Collector) Tell(response plugins.StatsResponse) {
	c.post(response)
}

func (c *Collector) post(message interface{}) {
	select {
	case c.inbox <- message:
	case <-c.stopped:
	}
}

func (c *Collector) loop() {
	for {
		select {
		case <-c.stopped:
			return
		case message := <-c.inbox:
			switch msg := message.(type) {
			case tickMsg:
				c.requestStats()
			case plugins.StatsResponse:
				c.storeStats(msg)
			}
		}
	}
}

func (c *Collector) requestStats() {
	for _, name := range c.names {
		plugin, ok := plugins.Get(name, c.cfg)
		if !ok {
			log.Warnf("Unknown collector plugin %q.", name)
			continue
		}
		plugin.Request(plugins.StatsRequest{Sender: c})
	}
}

func (c *Collector) storeStats(response plugins.StatsResponse) {
	if len(response.Stats) == 0 {
		return
	}
	log.Debugf("Storing %d stats collected by the plugin %s.", len(response.Stats), response.Producer)
	records := make([]storage.Record, len(response.Stats))
	for i, stat := range response.Stats {
		records[i] = stat
	}
	c.storage.TellStoreRecords(context.Background(), storage.Metrics, storage.Wrapped, records)
}
