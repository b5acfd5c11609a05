package adapter

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quietrtt/pping/domain"
)

// MetricsExporter implements usecase.MetricsSink with a Prometheus
// SummaryVec, built and registered through promauto like any other
// self-registering collector.
type MetricsExporter struct {
	rtt *prometheus.SummaryVec
}

// NewMetricsExporter builds the pping_service_rtt summary with its
// three target quantiles. maxAgeSeconds sets the sliding window over
// which observations count toward each series' quantiles; it does not
// remove idle series. A reaped flow's series is removed by Forget.
func NewMetricsExporter(reg prometheus.Registerer, maxAgeSeconds float64) *MetricsExporter {
	factory := promauto.With(reg)
	rtt := factory.NewSummaryVec(
		prometheus.SummaryOpts{
			Name: "pping_service_rtt",
			Help: "Per-flow RTT from source IP to a given destination IP/port, in milliseconds.",
			Objectives: map[float64]float64{
				0.5:  0.05,
				0.9:  0.01,
				0.99: 0.001,
			},
			MaxAge: secondsToDuration(maxAgeSeconds),
		},
		[]string{"src_ip", "dst_ip", "dst_port"},
	)
	return &MetricsExporter{rtt: rtt}
}

// Observe records one RTT sample, in milliseconds, under the
// (src_ip, dst_ip, dst_port) label set.
func (m *MetricsExporter) Observe(srcIP, dstIP net.IP, dstPort uint16, rttMillis float64) {
	m.rtt.WithLabelValues(srcIP.String(), dstIP.String(), strconv.Itoa(int(dstPort))).Observe(rttMillis)
}

// Forget deletes the label set for a reaped flow, so idle flows don't
// occupy metric cardinality forever.
func (m *MetricsExporter) Forget(flow domain.FlowKey) {
	m.rtt.DeleteLabelValues(
		flow.Src.IP.String(),
		flow.Dst.IP.String(),
		strconv.Itoa(int(flow.Dst.Port)),
	)
}

// HandlerFor returns the HTTP handler to serve on the metrics
// listener, scraping the given registry rather than the global
// default one.
func HandlerFor(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
