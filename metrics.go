package sshtrans

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	packetsRead = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sshtrans",
		Name:      "packets_read_total",
		Help:      "Packets read from all sessions.",
	})
	packetsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sshtrans",
		Name:      "packets_written_total",
		Help:      "Packets written to all sessions.",
	})
	kexCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sshtrans",
		Name:      "key_exchanges_total",
		Help:      "Completed key exchanges, initial and rekey.",
	})
	unimplementedSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sshtrans",
		Name:      "unimplemented_sent_total",
		Help:      "UNIMPLEMENTED replies sent for unknown packet types.",
	})
	openChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sshtrans",
		Name:      "open_channels",
		Help:      "Channels currently allocated.",
	})
	sessionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sshtrans",
		Name:      "session_errors_total",
		Help:      "Sessions ended by a fatal error.",
	})
)
