// Cluster metrics collection from the Prometheus HTTP API.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/nodefleet/fleet-autoscaler/pkg/logger"
)

// Metric names returned by Collect. A query that fails or returns no data
// yields 0.0 for its metric rather than failing the whole collection.
const (
	MetricCPUUsage        = "cpu_usage"
	MetricMemoryUsage     = "memory_usage"
	MetricPendingPods     = "pending_pods"
	MetricNodeCount       = "node_count"
	MetricNetworkRxMbps   = "network_receive_mbps"
	MetricNetworkTxMbps   = "network_transmit_mbps"
	MetricDiskReadMbps    = "disk_read_mbps"
	MetricDiskWriteMbps   = "disk_write_mbps"
)

// queries maps metric names to the PromQL producing them.
var queries = map[string]string{
	MetricCPUUsage:      `avg(rate(node_cpu_seconds_total{mode!="idle"}[5m])) * 100`,
	MetricMemoryUsage:   `(1 - avg(node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes)) * 100`,
	MetricPendingPods:   `sum(kube_pod_status_phase{phase="Pending"})`,
	MetricNodeCount:     `count(kube_node_info)`,
	MetricNetworkRxMbps: `sum(rate(node_network_receive_bytes_total{device!~"lo|veth.*"}[5m])) / 1024 / 1024`,
	MetricNetworkTxMbps: `sum(rate(node_network_transmit_bytes_total{device!~"lo|veth.*"}[5m])) / 1024 / 1024`,
	MetricDiskReadMbps:  `sum(rate(node_disk_read_bytes_total[5m])) / 1024 / 1024`,
	MetricDiskWriteMbps: `sum(rate(node_disk_written_bytes_total[5m])) / 1024 / 1024`,
}

// Values is a flat map of collected metric values.
type Values map[string]float64

func (v Values) CPUUsage() float64    { return v[MetricCPUUsage] }
func (v Values) MemoryUsage() float64 { return v[MetricMemoryUsage] }
func (v Values) PendingPods() int     { return int(v[MetricPendingPods]) }
func (v Values) NodeCount() int       { return int(v[MetricNodeCount]) }

// Querier runs a single instant query. Satisfied by the Prometheus v1 API
// client; faked in tests.
type Querier interface {
	Query(ctx context.Context, query string, ts time.Time, opts ...promv1.Option) (model.Value, promv1.Warnings, error)
}

// Collector queries Prometheus for the current cluster metrics, with a
// short-TTL read-through cache in front of it.
type Collector struct {
	api   Querier
	cache *cache
	log   logger.Logger
}

// NewCollector builds a collector against the given Prometheus base URL.
// Username/password enable basic auth when both are non-empty.
func NewCollector(promURL, username, password string, cacheTTL time.Duration, log logger.Logger) (*Collector, error) {
	rt := promapi.DefaultRoundTripper
	if username != "" && password != "" {
		rt = &basicAuthRoundTripper{username: username, password: password, next: rt}
	}

	client, err := promapi.NewClient(promapi.Config{
		Address:      promURL,
		RoundTripper: rt,
	})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}

	return &Collector{
		api:   promv1.NewAPI(client),
		cache: newCache(cacheTTL, time.Now),
		log:   log,
	}, nil
}

// NewCollectorWithQuerier wires a collector directly to a Querier. For tests.
func NewCollectorWithQuerier(q Querier, cacheTTL time.Duration, now func() time.Time, log logger.Logger) *Collector {
	return &Collector{api: q, cache: newCache(cacheTTL, now), log: log}
}

// Querier exposes the underlying query client so other collectors can share
// the same Prometheus connection.
func (c *Collector) Querier() Querier { return c.api }

// Collect returns the current cluster metrics. A fresh cached reading is
// returned without querying; on total upstream failure a stale cached
// reading is returned as a fallback. Individual query failures degrade to
// 0.0 for that metric only.
func (c *Collector) Collect(ctx context.Context) (Values, error) {
	if cached, ok := c.cache.get(); ok {
		c.log.Debugf("returning cached metrics (age within ttl)")
		return cached, nil
	}

	values := make(Values, len(queries))
	failures := 0

	for name, query := range queries {
		value, err := c.queryScalar(ctx, query)
		if err != nil {
			c.log.Warnf("query %s failed, defaulting to 0: %v", name, err)
			values[name] = 0.0
			failures++
			continue
		}
		values[name] = value
	}

	if failures == len(queries) {
		if stale, ok := c.cache.getStale(); ok {
			c.log.Warnf("prometheus unavailable, falling back to stale cached metrics")
			return stale, nil
		}
		return nil, fmt.Errorf("all %d metric queries failed and no cached reading available", failures)
	}

	c.cache.put(values)
	return values, nil
}

func (c *Collector) queryScalar(ctx context.Context, query string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, warnings, err := c.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	for _, w := range warnings {
		c.log.Debugf("prometheus warning: %s", w)
	}

	vector, ok := result.(model.Vector)
	if !ok || len(vector) == 0 {
		return 0, fmt.Errorf("no data")
	}
	return float64(vector[0].Value), nil
}

type basicAuthRoundTripper struct {
	username string
	password string
	next     http.RoundTripper
}

func (rt *basicAuthRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(rt.username, rt.password)
	return rt.next.RoundTrip(req)
}
