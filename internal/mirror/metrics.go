package mirror

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks run-level counters for a sync. Serving a mirror over
// HTTP is a Non-goal, so nothing here exposes a /metrics endpoint;
// Registry is exported so an embedding operator can wire its own
// scrape handler if it chooses to.
type Metrics struct {
	Registry *prometheus.Registry

	ProjectsProcessed prometheus.Counter
	ProjectsFailed    prometheus.Counter
	ProjectsDropped   prometheus.Counter
	FilesDownloaded   prometheus.Counter
	FilesReused       prometheus.Counter
	BytesDownloaded   prometheus.Counter
	DownloadRetries   prometheus.Counter
}

// NewMetrics constructs a fresh, independent registry and counter set
// for one sync run.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ProjectsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pypimirror_projects_processed_total",
			Help: "Projects the pipeline completed successfully.",
		}),
		ProjectsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pypimirror_projects_failed_total",
			Help: "Projects whose pipeline run returned an error.",
		}),
		ProjectsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pypimirror_projects_dropped_total",
			Help: "Projects removed by the filter chain or upstream deletion.",
		}),
		FilesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pypimirror_files_downloaded_total",
			Help: "Release files fetched from upstream.",
		}),
		FilesReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pypimirror_files_reused_total",
			Help: "Release files already present on disk and left untouched.",
		}),
		BytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pypimirror_bytes_downloaded_total",
			Help: "Bytes of artifact payload fetched from upstream.",
		}),
		DownloadRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pypimirror_download_retries_total",
			Help: "Registered for retried requests; the client does not report its retries here, so it stays at zero.",
		}),
	}
	reg.MustRegister(
		m.ProjectsProcessed,
		m.ProjectsFailed,
		m.ProjectsDropped,
		m.FilesDownloaded,
		m.FilesReused,
		m.BytesDownloaded,
		m.DownloadRetries,
	)
	return m
}
