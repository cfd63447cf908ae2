package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinkOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evsync_link_opens_total",
		Help: "Subscriptions opened, by chain level.",
	}, []string{"level"})
	LinkCancels = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evsync_link_cancels_total",
		Help: "Subscriptions cancelled, by chain level.",
	}, []string{"level"})
	Pushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evsync_pushes_total",
		Help: "Values pushed by the store and accepted, by chain level.",
	}, []string{"level"})
	StalePushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "evsync_stale_pushes_total",
		Help: "Pushes discarded because their subscription had been replaced.",
	})
	LinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evsync_link_errors_total",
		Help: "Subscription errors, by classified kind.",
	}, []string{"kind"})
	MalformedPayloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evsync_malformed_payloads_total",
		Help: "Payloads that failed decoding and were treated as absent.",
	}, []string{"level"})
	ActiveStations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "evsync_active_stations",
		Help: "Station controllers currently running.",
	})
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evsync_ingest_messages_total",
		Help: "Device frames consumed from the ingest queue, by result.",
	}, []string{"result"})
	ArchivedSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evsync_archived_sessions_total",
		Help: "Completed sessions handed to the archive, by result.",
	}, []string{"result"})
)
