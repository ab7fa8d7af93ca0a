package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bonding core.
type Metrics struct {
	// Scheduler metrics
	PacketsSentTotal      *prometheus.CounterVec // per link
	PacketsDuplicated     prometheus.Counter
	PacketsShedTotal      prometheus.Counter
	RetransmitsTotal      *prometheus.CounterVec // by reason
	PacketsAbandonedTotal prometheus.Counter
	LinkStateTransitions  *prometheus.CounterVec // from,to
	LinksActive           prometheus.Gauge

	// Health monitor metrics
	LinkHealthScore         prometheus.GaugeVec
	LinkRTTMillis           prometheus.GaugeVec
	BandSwitchesRecommended prometheus.Counter

	// Receiver metrics
	PacketsReceivedTotal *prometheus.CounterVec // per link
	DuplicatesDiscarded  prometheus.Counter
	DecodeErrorsTotal    prometheus.Counter
	ChecksumErrorsTotal  prometheus.Counter
	NacksSentTotal       prometheus.Counter
	ReorderBufferDepth   prometheus.Gauge
	SequencesLostTotal   prometheus.Counter

	// FEC metrics
	FecRepairsSentTotal prometheus.Counter
	FecRecoveriesTotal  prometheus.Counter
	FecGroupsLostTotal  prometheus.Counter
	FecRedundancyShards prometheus.Gauge

	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsEndedTotal *prometheus.CounterVec // by reason
}

// NewMetrics creates and registers all Prometheus metrics on reg. Passing
// nil uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PacketsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondcast_packets_sent_total",
				Help: "Data packets handed to a link for transmission",
			},
			[]string{"link_id"},
		),
		PacketsDuplicated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_packets_duplicated_total",
				Help: "Top-priority packets duplicated across live links",
			},
		),
		PacketsShedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_packets_shed_total",
				Help: "Droppable packets shed under congestion",
			},
		),
		RetransmitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondcast_retransmits_total",
				Help: "Retransmissions scheduled",
			},
			[]string{"reason"},
		),
		PacketsAbandonedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_packets_abandoned_total",
				Help: "Packets abandoned after exhausting retransmits",
			},
		),
		LinkStateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondcast_link_state_transitions_total",
				Help: "Link state machine transitions",
			},
			[]string{"from", "to"},
		),
		LinksActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bondcast_links_active",
				Help: "Links currently in rotation",
			},
		),
		LinkHealthScore: *factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bondcast_link_health_score",
				Help: "Smoothed per-link health score in [0,1]",
			},
			[]string{"link_id"},
		),
		LinkRTTMillis: *factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bondcast_link_rtt_millis",
				Help: "Smoothed per-link round trip time",
			},
			[]string{"link_id"},
		),
		BandSwitchesRecommended: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_band_switches_recommended_total",
				Help: "Band-lock switch recommendations emitted",
			},
		),
		PacketsReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondcast_packets_received_total",
				Help: "Data packets received",
			},
			[]string{"link_id"},
		),
		DuplicatesDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_duplicates_discarded_total",
				Help: "Already-delivered sequence numbers discarded",
			},
		),
		DecodeErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_decode_errors_total",
				Help: "Datagrams dropped for failing to decode",
			},
		),
		ChecksumErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_checksum_errors_total",
				Help: "Data packets dropped for payload checksum mismatch",
			},
		),
		NacksSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_nacks_sent_total",
				Help: "Nack messages emitted after gap timeout",
			},
		),
		ReorderBufferDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bondcast_reorder_buffer_depth",
				Help: "Entries held in the reorder buffer",
			},
		),
		SequencesLostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_sequences_lost_total",
				Help: "Sequence numbers declared permanently lost",
			},
		),
		FecRepairsSentTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_fec_repairs_sent_total",
				Help: "FEC repair shards emitted",
			},
		),
		FecRecoveriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_fec_recoveries_total",
				Help: "Packets reconstructed from parity",
			},
		),
		FecGroupsLostTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bondcast_fec_groups_lost_total",
				Help: "FEC groups declared unrecoverable",
			},
		),
		FecRedundancyShards: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bondcast_fec_redundancy_shards",
				Help: "Current parity shard count per group",
			},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bondcast_sessions_active",
				Help: "Bonded sessions currently open",
			},
		),
		SessionsEndedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bondcast_sessions_ended_total",
				Help: "Sessions torn down",
			},
			[]string{"reason"},
		),
	}
}

// NewTestMetrics returns metrics on a private registry, for tests that
// construct multiple components in one process.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ServeMetrics starts the metrics endpoint on addr. Blocks.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
