// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package plugins

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/metrics"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// Test seams.
var (
	cpuPercent     = cpu.Percent
	loadAvg        = load.Avg
	virtualMemory  = mem.VirtualMemory
	diskPartitions = disk.Partitions
	diskUsage      = disk.Usage
	netIOCounters  = net.IOCounters
	hostNowFunc    = func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }
)

// hostPlugin reads local host statistics. The metric groups it collects
// are selected by the host_collector_metrics configuration; a group that
// fails to collect is skipped with a warning, the others still make it
// into the response.
type hostPlugin struct {
	groups []string
}

func newHostPlugin(cfg config.Config) Plugin {
	plugin := &hostPlugin{groups: config.HostCollectorMetrics(cfg)}
	return newPluginActor("host", plugin.collect)
}

func (p *hostPlugin) collect() ([]*metrics.WrappedMetric, error) {
	collectors := map[string]func(timestamp float64) []*metrics.WrappedMetric{
		"cpu":     p.collectCPU,
		"fs":      p.collectFilesystem,
		"la":      p.collectLoadAverage,
		"network": p.collectNetwork,
		"ram":     p.collectMemory,
	}
	timestamp := hostNowFunc()
	var stats []*metrics.WrappedMetric
	for _, group := range p.groups {
		collector, ok := collectors[group]
		if !ok {
			log.Warnf("Plugin host does not know the metric group %q.", group)
			continue
		}
		stats = append(stats, collector(timestamp)...)
	}
	return stats, nil
}

func (p *hostPlugin) collectCPU(timestamp float64) []*metrics.WrappedMetric {
	percentages, err := cpuPercent(0, false)
	if err != nil || len(percentages) == 0 {
		log.Warnf("Plugin host could not collect CPU stats: %v.", err)
		return nil
	}
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric("Chouette.host.cpu.percentage", "gauge", timestamp, percentages[0], nil, 0),
	}
}

func (p *hostPlugin) collectLoadAverage(timestamp float64) []*metrics.WrappedMetric {
	average, err := loadAvg()
	if err != nil {
		log.Warnf("Plugin host could not collect load average: %v.", err)
		return nil
	}
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric("Chouette.host.la", "gauge", timestamp, average.Load1, []string{"period:1m"}, 0),
	}
}

func (p *hostPlugin) collectMemory(timestamp float64) []*metrics.WrappedMetric {
	memory, err := virtualMemory()
	if err != nil {
		log.Warnf("Plugin host could not collect RAM stats: %v.", err)
		return nil
	}
	return []*metrics.WrappedMetric{
		metrics.NewWrappedMetric("Chouette.host.memory.used", "gauge", timestamp, float64(memory.Used), nil, 0),
		metrics.NewWrappedMetric("Chouette.host.memory.available", "gauge", timestamp, float64(memory.Available), nil, 0),
	}
}

func (p *hostPlugin) collectFilesystem(timestamp float64) []*metrics.WrappedMetric {
	partitions, err := diskPartitions(false)
	if err != nil {
		log.Warnf("Plugin host could not list disk partitions: %v.", err)
		return nil
	}
	var stats []*metrics.WrappedMetric
	for _, partition := range partitions {
		usage, err := diskUsage(partition.Mountpoint)
		if err != nil {
			log.Warnf("Plugin host could not collect disk stats for %s: %v.", partition.Mountpoint, err)
			continue
		}
		tags := []string{"device:" + partition.Device}
		stats = append(stats,
			metrics.NewWrappedMetric("Chouette.host.fs.used", "gauge", timestamp, float64(usage.Used), tags, 0),
			metrics.NewWrappedMetric("Chouette.host.fs.free", "gauge", timestamp, float64(usage.Free), tags, 0),
		)
	}
	return stats
}

func (p *hostPlugin) collectNetwork(timestamp float64) []*metrics.WrappedMetric {
	counters, err := netIOCounters(true)
	if err != nil {
		log.Warnf("Plugin host could not collect network stats: %v.", err)
		return nil
	}
	var stats []*metrics.WrappedMetric
	for _, counter := range counters {
		tags := []string{"iface:" + counter.Name}
		stats = append(stats,
			metrics.NewWrappedMetric("Chouette.host.network.bytes.sent", "gauge", timestamp, float64(counter.BytesSent), tags, 0),
			metrics.NewWrappedMetric("Chouette.host.network.bytes.recv", "gauge", timestamp, float64(counter.BytesRecv), tags, 0),
		)
	}
	return stats
}
