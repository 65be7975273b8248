package mirror

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"log/slog"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

// diffRecorder collects the created/updated paths a run touches, per
// spec.md §4.4 step 9: an in-memory list the controller flushes to the
// diff file at FINALIZE. Safe for concurrent use by pool workers.
type diffRecorder struct {
	mu    sync.Mutex
	paths []string
}

func newDiffRecorder() *diffRecorder { return &diffRecorder{} }

func (d *diffRecorder) add(path string) {
	d.mu.Lock()
	d.paths = append(d.paths, path)
	d.mu.Unlock()
}

// snapshot returns a sorted copy of the paths recorded so far.
func (d *diffRecorder) snapshot() []string {
	d.mu.Lock()
	out := append([]string(nil), d.paths...)
	d.mu.Unlock()
	sort.Strings(out)
	return out
}

// staleMetadataRetries is the default N referenced by spec.md §4.4 step
// 2: the number of times a regressed last_serial is retried before the
// project is failed.
const staleMetadataRetries = 3

// Pipeline is the Package Pipeline (C4): it processes one project
// end-to-end, from metadata fetch through published index documents.
// Grounded on the teacher's mirror.go Update/updateSuite, which fetches
// Release metadata, downloads indices and items, and only then commits
// via storage.Save + replaceLink; this keeps that fetch-then-commit
// shape but replaces APT's suite/component/package model with PyPI's
// project/release/file model and adds the filter chain APT's mirror.go
// never needed.
type Pipeline struct {
	client  *Client
	storage *Storage
	filters *FilterChain
	index   *IndexWriter
	sigs    *SignatureVerifier
	metrics *Metrics

	progress      *ProgressReporter
	compareMethod CompareMethod
	jsonMirror    bool
	hashIndex     bool

	diff *diffRecorder
}

// PipelineDeps bundles the collaborators a Pipeline needs, built once
// per sync run and shared across every worker.
type PipelineDeps struct {
	Client   *Client
	Storage  *Storage
	Filters  *FilterChain
	Index    *IndexWriter
	Sigs     *SignatureVerifier
	Metrics  *Metrics
	Progress *ProgressReporter
}

// NewPipeline builds a Pipeline from the mirror configuration and its
// collaborators.
func NewPipeline(mc *MirrorConfig, deps PipelineDeps) *Pipeline {
	return &Pipeline{
		client:        deps.Client,
		storage:       deps.Storage,
		filters:       deps.Filters,
		index:         deps.Index,
		sigs:          deps.Sigs,
		metrics:       deps.Metrics,
		progress:      deps.Progress,
		compareMethod: mc.CompareMethod,
		jsonMirror:    mc.JSON,
		hashIndex:     mc.HashIndex,
		diff:          newDiffRecorder(),
	}
}

// DiffPaths returns every path this Pipeline has created or updated
// since it was built, sorted. The controller reads this once at
// FINALIZE to write the optional diff file; it is never reset mid-run.
func (pl *Pipeline) DiffPaths() []string {
	return pl.diff.snapshot()
}

// Process implements PipelineFunc.
func (pl *Pipeline) Process(ctx context.Context, project string, expectedSerial int64) (err error) {
	defer func() {
		if err != nil {
			pl.metrics.ProjectsFailed.Inc()
		}
	}()
	doc, err := pl.fetchMetadataWithStaleRetry(ctx, project, expectedSerial)
	if errors.Is(err, ErrUpstreamNotFound) {
		slog.Info("project no longer exists upstream", "project", project)
		pl.metrics.ProjectsDropped.Inc()
		return pl.removeProject(project)
	}
	if err != nil {
		return errors.Wrapf(err, "Process(%s): fetch metadata", project)
	}

	p, err := pypi.FromWarehouse(doc)
	if err != nil {
		return errors.Wrapf(err, "Process(%s): parse metadata", project)
	}

	if !pl.filters.Apply(p) {
		slog.Info("project dropped by filter chain", "project", project)
		pl.metrics.ProjectsDropped.Inc()
		return pl.removeProject(p.NormalizedName)
	}

	if err := pl.syncFiles(ctx, p); err != nil {
		return errors.Wrapf(err, "Process(%s): sync files", project)
	}

	if err := pl.index.PublishProject(p, expectedSerial); err != nil {
		return errors.Wrapf(err, "Process(%s): publish index", project)
	}
	pl.diff.add(projectIndexDir(pl.hashIndex, p.NormalizedName))

	if pl.jsonMirror {
		raw, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrapf(err, "Process(%s): marshal metadata json", project)
		}
		if err := pl.index.PublishProjectMetadataJSON(p.NormalizedName, raw); err != nil {
			return errors.Wrapf(err, "Process(%s): publish metadata json", project)
		}
		pl.diff.add(path.Join("web", "json", p.NormalizedName))
	}

	pl.metrics.ProjectsProcessed.Inc()
	return nil
}

// fetchMetadataWithStaleRetry implements spec.md §4.4 step 2's "if
// StaleMetadata (serial regressed), retry up to N times" policy: C2
// itself doesn't classify staleness (it doesn't know what serial the
// caller expects), so the pipeline compares the returned last_serial
// against expectedSerial and re-fetches on a mismatch.
func (pl *Pipeline) fetchMetadataWithStaleRetry(ctx context.Context, project string, expectedSerial int64) (*pypi.WarehouseProject, error) {
	var lastErr error
	for attempt := 0; attempt <= staleMetadataRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff(attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		_, doc, err := pl.client.FetchProjectMetadata(ctx, project)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrUpstreamNotFound) {
				return nil, err
			}
			continue
		}
		if expectedSerial > 0 && doc.LastSerial < expectedSerial {
			lastErr = errors.Wrapf(ErrStaleMetadata, "project %s: got serial %d, want >= %d", project, doc.LastSerial, expectedSerial)
			continue
		}
		return doc, nil
	}
	return nil, lastErr
}

// syncFiles implements spec.md §4.4 steps 4-6: plan the file set,
// diff it against disk, and download whatever doesn't match.
func (pl *Pipeline) syncFiles(ctx context.Context, p *pypi.Project) error {
	for _, f := range p.AllFiles() {
		storagePath, err := f.StoragePath()
		if err != nil {
			slog.Warn("release file has no usable digest, skipping", "project", p.NormalizedName, "filename", f.Filename)
			continue
		}

		want := pypi.NewFileInfo(storagePath, f.Size, f.Checksums)
		same, err := pl.storage.CompareFiles(storagePath, want, pl.compareMethod)
		if err == nil && same {
			pl.metrics.FilesReused.Inc()
			continue
		}

		if err := pl.downloadAndStore(ctx, p, f); err != nil {
			return err
		}
	}
	return nil
}

func (pl *Pipeline) downloadAndStore(ctx context.Context, p *pypi.Project, f *pypi.ReleaseFile) error {
	tempPath, fi, err := pl.client.DownloadArtifact(ctx, f)
	if err != nil {
		return errors.Wrapf(err, "download %s", f.Filename)
	}

	if pl.sigs.Enabled() && f.HasSig {
		if err := pl.verifySignature(ctx, f, tempPath); err != nil {
			os.Remove(tempPath)
			return errors.Wrapf(err, "signature for %s", f.Filename)
		}
	}

	if err := pl.storage.StoreContentAddressed(fi, tempPath); err != nil {
		return errors.Wrapf(err, "store %s", f.Filename)
	}
	pl.diff.add(fi.Path())

	pl.metrics.FilesDownloaded.Inc()
	pl.metrics.BytesDownloaded.Add(float64(f.Size))
	pl.progress.Add(int64(f.Size))
	return nil
}

func (pl *Pipeline) verifySignature(ctx context.Context, f *pypi.ReleaseFile, tempPath string) error {
	data, err := os.ReadFile(tempPath) // #nosec G304 - our own just-written temp file
	if err != nil {
		return errors.Wrap(err, "read downloaded artifact")
	}
	sig, err := pl.client.FetchSignature(ctx, f.URL)
	if err != nil {
		return errors.Wrap(err, "fetch signature")
	}
	return pl.sigs.VerifyDetached(data, sig)
}

// removeProject deletes a project's index documents and JSON metadata
// pointer. Content-addressed artifact bytes are left untouched: they
// may still be referenced by another release, and orphan reclamation
// is Verify/Repair's (C7) job, not the pipeline's.
func (pl *Pipeline) removeProject(normalizedName string) error {
	return removeProjectTree(pl.storage, pl.hashIndex, normalizedName)
}

// RemoveProject is removeProject's exported form, used by the `delete`
// command to drop a project directly, outside of any upstream-404 or
// filter-chain decision.
func (pl *Pipeline) RemoveProject(normalizedName string) error {
	return pl.removeProject(normalizedName)
}

// removeProjectTree is the shared implementation behind Pipeline's
// upstream-404 cleanup and Verify/Repair's --delete orphan removal:
// both drop a project's index documents and JSON pointer, never its
// content-addressed bytes (those are reclaimed, if ever, by a separate
// garbage-collection pass that isn't part of this spec).
func removeProjectTree(storage *Storage, hashIndex bool, normalizedName string) error {
	dir := projectIndexDir(hashIndex, normalizedName)
	if err := storage.RemoveTree(dir); err != nil {
		return errors.Wrapf(err, "removeProjectTree(%s): index", normalizedName)
	}
	_ = storage.Delete(path.Join("web", "json", normalizedName))
	_ = storage.RemoveTree(path.Join("web", "pypi", normalizedName))
	return nil
}
