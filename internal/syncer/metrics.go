package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Chunk actions reported in chunksTotal.
const (
	actionCompressed    = "compressed"
	actionUploaded      = "uploaded"
	actionDroppedLocal  = "dropped_local"
	actionDroppedRemote = "dropped_remote"
	actionAbandoned     = "abandoned"
	actionSwept         = "swept"
)

var (
	// chunksTotal counts chunk work items by outcome.
	// Labels: action (compressed, uploaded, dropped_local, dropped_remote, abandoned, swept)
	chunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chirri",
		Subsystem: "sync",
		Name:      "chunks_total",
		Help:      "Chunks processed by the syncer by action",
	}, []string{"action"})

	// uploadRetries counts chunk uploads requeued after a transient failure.
	uploadRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chirri",
		Subsystem: "sync",
		Name:      "upload_retries_total",
		Help:      "Chunk uploads requeued after a transient backend error",
	})

	// bytesUploaded counts bytes sent to the backend (chunks, descriptions, configs).
	bytesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chirri",
		Subsystem: "sync",
		Name:      "bytes_uploaded_total",
		Help:      "Bytes uploaded to the backend",
	})
)
