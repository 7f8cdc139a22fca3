// Package metrics holds the Prometheus collectors shared by the session
// controller, the attachment resolver and the timeline mirror.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	StreamChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashchat_stream_chunks_total",
			Help: "Stream chunks applied to the timeline, by chunk type.",
		},
		[]string{"type"},
	)

	StreamParseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dashchat_stream_parse_failures_total",
			Help: "Stream records skipped because they could not be parsed.",
		},
	)

	ActiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dashchat_active_streams",
			Help: "Send operations currently reading a response stream.",
		},
	)

	AttachmentFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashchat_attachment_fetches_total",
			Help: "Attachment and media fetches, by result (hit, fetched, error).",
		},
		[]string{"result"},
	)

	Hydrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dashchat_hydrations_total",
			Help: "Session history loads, by result (ok, running, error).",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(StreamChunks)
	prometheus.MustRegister(StreamParseFailures)
	prometheus.MustRegister(ActiveStreams)
	prometheus.MustRegister(AttachmentFetches)
	prometheus.MustRegister(Hydrations)
}
