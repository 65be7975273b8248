package mirror

import "github.com/cheggaaa/pb/v3"

// ProgressReporter renders a single byte-count progress bar for the
// artifacts a sync run downloads. It's a no-op when the configured log
// level doesn't warrant one (LogConfig.ShouldShowProgress), so callers
// never need to branch on configuration themselves.
type ProgressReporter struct {
	bar *pb.ProgressBar
}

// NewProgressReporter starts a progress bar tracking totalBytes of
// planned downloads, or returns a no-op reporter if show is false.
func NewProgressReporter(show bool, totalBytes int64) *ProgressReporter {
	if !show {
		return &ProgressReporter{}
	}
	bar := pb.New64(totalBytes)
	bar.Set(pb.Bytes, true)
	bar.Start()
	return &ProgressReporter{bar: bar}
}

// Add advances the bar by n bytes.
func (r *ProgressReporter) Add(n int64) {
	if r.bar != nil {
		r.bar.Add64(n)
	}
}

// Finish completes and clears the bar.
func (r *ProgressReporter) Finish() {
	if r.bar != nil {
		r.bar.Finish()
	}
}
