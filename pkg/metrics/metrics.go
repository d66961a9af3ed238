package metrics

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/driftdb/drift/pkg/version"
)

type NodeMetrics struct {
	ProbesSent          metric.Int64Counter
	ProbesFailed        metric.Int64Counter
	CrawlsRun           metric.Int64Counter
	NodesDiscovered     metric.Int64Counter
	TombstonesRecorded  metric.Int64Counter
	TombstonesPurged    metric.Int64Counter
	AdminRequestsServed metric.Int64Counter
}

var (
	nodeMetrics     *NodeMetrics
	nodeMetricsLock sync.Mutex
)

func GetNodeMetrics() *NodeMetrics {
	nodeMetricsLock.Lock()

	if nodeMetrics != nil {
		nodeMetricsLock.Unlock()
		return nodeMetrics
	}

	nodeMetrics = newNodeMetrics()

	nodeMetricsLock.Unlock()
	return nodeMetrics
}

func newNodeMetrics() *NodeMetrics {
	meter := otel.Meter(
		"io.driftdb.drift",
		metric.WithInstrumentationVersion(version.Version))

	probesSent, _ := meter.Int64Counter("replication_probes_total")
	probesFailed, _ := meter.Int64Counter("replication_probe_transport_failures_total")
	crawlsRun, _ := meter.Int64Counter("topology_crawls_total")
	nodesDiscovered, _ := meter.Int64Counter("topology_nodes_discovered_total")
	tombstonesRecorded, _ := meter.Int64Counter("tombstones_recorded_total")
	tombstonesPurged, _ := meter.Int64Counter("tombstones_purged_total")
	adminRequestsServed, _ := meter.Int64Counter("admin_requests_total")

	return &NodeMetrics{
		ProbesSent:          probesSent,
		ProbesFailed:        probesFailed,
		CrawlsRun:           crawlsRun,
		NodesDiscovered:     nodesDiscovered,
		TombstonesRecorded:  tombstonesRecorded,
		TombstonesPurged:    tombstonesPurged,
		AdminRequestsServed: adminRequestsServed,
	}
}
