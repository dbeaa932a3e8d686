// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Chouette-IoT.
// Copyright 2020-present Chouette-IoT.

package plugins

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chouette-iot/chouette/pkg/config"
	"github.com/chouette-iot/chouette/pkg/metrics"
	"github.com/chouette-iot/chouette/pkg/util/log"
)

// k8sNowFunc is overridden in tests.
var k8sNowFunc = func() float64 { return float64(time.Now().UnixNano()) / float64(time.Second) }

// Kubelet Stats Summary shapes, reduced to the fields the plugin reads.

type k8sStatsSummary struct {
	Node k8sNodeStats  `json:"node"`
	Pods []k8sPodStats `json:"pods"`
}

type k8sNodeStats struct {
	Fs *k8sFsStats `json:"fs"`
}

type k8sFsStats struct {
	UsedBytes  float64 `json:"usedBytes"`
	InodesUsed float64 `json:"inodesUsed"`
}

type k8sPodStats struct {
	PodRef struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
	} `json:"podRef"`
	CPU *struct {
		UsageNanoCores float64 `json:"usageNanoCores"`
	} `json:"cpu"`
	Memory *struct {
		WorkingSetBytes float64 `json:"workingSetBytes"`
	} `json:"memory"`
}

// k8sPlugin reads the Stats Summary endpoint of a kubelet. The kubelet
// requires a TLS client certificate; its own certificate is self-signed,
// so server verification is off.
type k8sPlugin struct {
	url       string
	client    *http.Client
	selection map[string][]string
}

func newK8sPlugin(cfg config.Config) Plugin {
	plugin := &k8sPlugin{
		url: fmt.Sprintf("https://%s:%d/stats/summary",
			cfg.GetString("k8s_stats_service_ip"), cfg.GetInt("k8s_stats_service_port")),
		selection: config.K8sMetrics(cfg),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
	certificate, err := tls.LoadX509KeyPair(cfg.GetString("k8s_cert_path"), cfg.GetString("k8s_key_path"))
	if err != nil {
		log.Errorf("Plugin k8s could not load its client certificate: %v.", err)
	} else {
		plugin.client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates:       []tls.Certificate{certificate},
				InsecureSkipVerify: true,
			},
		}
	}
	return newPluginActor("k8s", plugin.collect)
}

func (p *k8sPlugin) collect() ([]*metrics.WrappedMetric, error) {
	summary, err := p.fetchSummary()
	if err != nil {
		return nil, err
	}
	timestamp := k8sNowFunc()
	stats := p.nodeStats(summary, timestamp)
	return append(stats, p.podsStats(summary, timestamp)...), nil
}

func (p *k8sPlugin) fetchSummary() (*k8sStatsSummary, error) {
	response, err := p.client.Get(p.url)
	if err != nil {
		return nil, fmt.Errorf("could not fetch the kubelet stats summary: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("the kubelet responded with %s", response.Status)
	}
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read the kubelet stats summary: %w", err)
	}
	var summary k8sStatsSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return nil, fmt.Errorf("could not parse the kubelet stats summary: %w", err)
	}
	return &summary, nil
}

// nodeStats produces node filesystem metrics per the "node" selection of
// k8s_metrics. Zero values mean the kubelet had nothing to report and are
// skipped.
func (p *k8sPlugin) nodeStats(summary *k8sStatsSummary, timestamp float64) []*metrics.WrappedMetric {
	fs := summary.Node.Fs
	if fs == nil {
		return nil
	}
	var stats []*metrics.WrappedMetric
	for _, selected := range p.selection["node"] {
		switch selected {
		case "inodes":
			if fs.InodesUsed > 0 {
				stats = append(stats, metrics.NewWrappedMetric(
					"Chouette.k8s.node.inodes.used", "gauge", timestamp, fs.InodesUsed, nil, 0))
			}
		case "fs":
			if fs.UsedBytes > 0 {
				stats = append(stats, metrics.NewWrappedMetric(
					"Chouette.k8s.node.fs.used", "gauge", timestamp, fs.UsedBytes, nil, 0))
			}
		}
	}
	return stats
}

// podsStats produces per-pod metrics per the "pods" selection of
// k8s_metrics, tagged with the pod name and namespace.
func (p *k8sPlugin) podsStats(summary *k8sStatsSummary, timestamp float64) []*metrics.WrappedMetric {
	var stats []*metrics.WrappedMetric
	for _, pod := range summary.Pods {
		tags := []string{
			"namespace:" + pod.PodRef.Namespace,
			"pod_name:" + pod.PodRef.Name,
		}
		for _, selected := range p.selection["pods"] {
			switch selected {
			case "memory":
				if pod.Memory != nil && pod.Memory.WorkingSetBytes > 0 {
					stats = append(stats, metrics.NewWrappedMetric(
						"Chouette.k8s.pod.memory.used", "gauge", timestamp, pod.Memory.WorkingSetBytes, tags, 0))
				}
			case "cpu":
				if pod.CPU != nil && pod.CPU.UsageNanoCores > 0 {
					stats = append(stats, metrics.NewWrappedMetric(
						"Chouette.k8s.pod.cpu.usage", "gauge", timestamp, pod.CPU.UsageNanoCores, tags, 0))
				}
			}
		}
	}
	return stats
}
