package nbd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vblk_requests",
		Help: "The total number of requests served, by command",
	}, []string{"command"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vblk_request_errors",
		Help: "The total number of requests answered with an error, by command",
	}, []string{"command"})

	requestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vblk_request_time",
		Help:    "Time spent in the backend per request",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	bytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vblk_bytes_read",
		Help: "The total number of bytes returned by reads",
	})

	bytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vblk_bytes_written",
		Help: "The total number of bytes accepted by writes",
	})

	sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vblk_sessions_active",
		Help: "The number of sessions currently serving requests",
	})
)
