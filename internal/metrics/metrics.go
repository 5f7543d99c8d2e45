// Package metrics exposes Prometheus collectors for the download pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PagesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mango_pages_downloaded_total",
		Help: "Pages written into archives, by source.",
	}, []string{"source"})

	PageCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mango_page_cache_hits_total",
		Help: "Page fetches served from the disk cache.",
	})

	PageCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mango_page_cache_misses_total",
		Help: "Page fetches that had to go to the network.",
	})

	// Retries is labelled by kind: "transient" or "rate_limited".
	Retries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mango_download_retries_total",
		Help: "Retried download units, by failure kind.",
	}, []string{"kind"})

	MirrorSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mango_mirror_switches_total",
		Help: "Mirror failovers, by source.",
	}, []string{"source"})

	ChaptersFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mango_chapters_flushed_total",
		Help: "Chapters committed into an archive index.",
	})

	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mango_active_downloads",
		Help: "Downloads currently running.",
	})
)
