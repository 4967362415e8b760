package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "envelopes_published_total",
		Help:      "Envelopes accepted by the transport, by envelope type.",
	}, []string{"type"})

	envelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "envelopes_received_total",
		Help:      "Inbound envelopes that passed validation, by envelope type.",
	}, []string{"type"})

	envelopesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "envelopes_dropped_total",
		Help:      "Inbound envelopes dropped, by reason.",
	}, []string{"reason"})

	publishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "publish_failures_total",
		Help:      "Publish attempts rejected by the transport, by envelope type.",
	}, []string{"type"})

	retransmissions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "a2a",
		Name:      "task_retransmissions_total",
		Help:      "Task envelopes re-published because no ack arrived in time.",
	})

	directoryPeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "a2a",
		Name:      "directory_peers",
		Help:      "Peers currently held in the directory of the most recently updated node.",
	})
)

const (
	dropMalformed  = "malformed"
	dropSignature  = "signature"
	dropDuplicate  = "duplicate"
	dropMisrouted  = "misrouted"
	dropBlocked    = "blocked"
	dropUnencrypt  = "unencrypted"
	dropDecryption = "decryption"
	dropInboxFull  = "inbox_full"
	dropRejected   = "rejected"
	dropPanic      = "panic"
)
