// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

// Package plugins contains the stats collection plugins and their
// contract with the collector. Plugins are singleton actors that receive
// StatsRequests and answer, asynchronously and only on success, with a
// StatsResponse addressed to the request sender.
package plugins

import (
	"sync"

	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/metrics"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// StatsRequest asks a plugin for a fresh set of stats. Sender is where
// the response goes.
type StatsRequest struct {
	Sender Receiver
}

// StatsResponse carries collected stats back to the collector. Producer
// names the plugin for logging.
type StatsResponse struct {
	Producer string
	Stats    []*metrics.WrappedMetric
}

// Receiver accepts plugin responses. The collector implements it.
type Receiver interface {
	Tell(response StatsResponse)
}

// Plugin accepts stats requests. Request never blocks the caller.
type Plugin interface {
	Request(request StatsRequest)
}

// collectFunc gathers one round of stats. An error means this round
// produces no response at all.
type collectFunc func() ([]*metrics.WrappedMetric, error)

// pluginActor is the common actor shell of all the plugins: a goroutine
// draining an inbox of requests, one collection at a time.
type pluginActor struct {
	name    string
	collect collectFunc
	inbox   chan StatsRequest
}

func newPluginActor(name string, collect collectFunc) *pluginActor {
	actor := &pluginActor{
		name:    name,
		collect: collect,
		inbox:   make(chan StatsRequest, 8),
	}
	go actor.loop()
	return actor
}

// Request implements Plugin. A full inbox drops the request: the
// collector will ask again on its next tick anyway.
func (p *pluginActor) Request(request StatsRequest) {
	select {
	case p.inbox <- request:
	default:
		log.Warnf("Plugin %s is not keeping up, dropping a stats request.", p.name)
	}
}

func (p *pluginActor) loop() {
	for request := range p.inbox {
		stats, err := p.collect()
		if err != nil {
			log.Warnf("Plugin %s could not collect stats: %v.", p.name, err)
			continue
		}
		if request.Sender == nil {
			continue
		}
		request.Sender.Tell(StatsResponse{Producer: p.name, Stats: stats})
	}
}

var (
	registryMu sync.Mutex
	registry   = map[string]Plugin{}

	factories = map[string]func(cfg config.Config) Plugin{
		"host":     newHostPlugin,
		"dramatiq": newDramatiqPlugin,
		"k8s":      newK8sPlugin,
	}
)

// Register adds a plugin factory under name, replacing any previous one.
// The singleton built from the old factory, if any, is forgotten.
func Register(name string, factory func(cfg config.Config) Plugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
	delete(registry, name)
}

// Get returns the singleton plugin registered under name, starting it on
// first use. Unknown names resolve to absent.
func Get(name string, cfg config.Config) (Plugin, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if plugin, ok := registry[name]; ok {
		return plugin, true
	}
	factory, ok := factories[name]
	if !ok {
		return nil, false
	}
	plugin := factory(cfg)
	registry[name] = plugin
	return plugin, true
}
