package chunk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// compressTotal counts compression decisions.
	// Labels: result (applied, rejected, skipped)
	compressTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chirri",
		Subsystem: "chunk",
		Name:      "compress_total",
		Help:      "Chunk compression decisions by result",
	}, []string{"result"})

	// storedBytes counts payload bytes copied into the chunk directory.
	storedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chirri",
		Subsystem: "chunk",
		Name:      "stored_bytes_total",
		Help:      "Bytes copied into the local chunk store",
	})
)
