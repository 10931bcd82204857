package vblk

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vblk_cache_hits",
		Help: "Number of blocks served from the read cache",
	})

	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vblk_cache_miss",
		Help: "Number of times the read cache did not contain the block",
	})

	blocksStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vblk_blocks_stored",
		Help: "The total number of blocks written to the block store",
	})

	blocksCompressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vblk_blocks_compressed",
		Help: "The total number of stored blocks that were compressed",
	})

	blocksSparse = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vblk_blocks_sparse",
		Help: "The total number of zero blocks dropped from the block store",
	})
)
