package httpserv

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/bridge"
	"github.com/yukebrillianth/ioh-robodog-rtsp/internal/health"
)

// NewRegistry builds a Prometheus registry over the pipeline's existing
// atomic counters. All collectors are Func variants, so scraping never adds
// a second accounting path next to the health tracker. The bridge may be
// nil in push mode.
func NewRegistry(tracker *health.Tracker, b *bridge.Bridge) *prometheus.Registry {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "restream_frames_total",
			Help: "Encoded frames produced since the last pipeline (re)start",
		}, func() float64 { return float64(tracker.FrameCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "restream_bytes_total",
			Help: "Encoded bytes produced since the last pipeline (re)start",
		}, func() float64 { return float64(tracker.BytesOut()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "restream_reconnects_total",
			Help: "Stream errors observed over the process lifetime",
		}, func() float64 { return float64(tracker.ReconnectCount()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "restream_restarts_total",
			Help: "Pipeline rebuild attempts over the process lifetime",
		}, func() float64 { return float64(tracker.RestartCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "restream_last_frame_age_seconds",
			Help: "Seconds since the last encoded frame was observed",
		}, func() float64 { return tracker.SinceLastFrame().Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "restream_uptime_seconds",
			Help: "Seconds since process start",
		}, func() float64 { return tracker.Uptime().Seconds() }),
	)

	if b != nil {
		registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "restream_clients",
				Help: "Connected stream clients",
			}, func() float64 { return float64(b.ClientCount()) }),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "restream_delivery_dropped_total",
				Help: "Samples dropped across all client sessions",
			}, func() float64 { return float64(b.Dropped()) }),
		)
	}

	return registry
}
