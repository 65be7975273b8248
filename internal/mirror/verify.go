package mirror

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"log/slog"
	"golang.org/x/sync/errgroup"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

// Verifier is Verify/Repair (C7): it re-derives ground truth from
// upstream for every project already on disk, reconciling hashes and
// optionally reclaiming orphans, independent of and without consulting
// the cursor/todo a normal mirror run uses. Grounded on the teacher's
// reuse of Storage.Lookup/http_client.go's reuse-or-download predicate
// for its own diff-against-disk step; this runs the identical
// CompareFiles/DownloadArtifact pair the Package Pipeline (C4) uses,
// rather than a second, parallel implementation of "does this match".
type Verifier struct {
	client  *Client
	storage *Storage
	index   *IndexWriter
	metrics *Metrics

	compareMethod CompareMethod
	hashIndex     bool
	workers       int

	deleteOrphans bool
	jsonUpdate    bool
	dryRun        bool
}

// NewVerifier builds a Verifier from the mirror configuration.
// deleteOrphans and jsonUpdate correspond to the `verify` command's
// `--delete` and `--json-update` flags. dryRun makes Run report what it
// would reconcile without writing, deleting, or republishing anything.
func NewVerifier(mc *MirrorConfig, client *Client, storage *Storage, index *IndexWriter, metrics *Metrics, deleteOrphans, jsonUpdate, dryRun bool) *Verifier {
	workers := mc.Verifiers
	if workers < 1 {
		workers = 3
	}
	return &Verifier{
		client:        client,
		storage:       storage,
		index:         index,
		metrics:       metrics,
		compareMethod: mc.CompareMethod,
		hashIndex:     mc.HashIndex,
		workers:       workers,
		deleteOrphans: deleteOrphans,
		jsonUpdate:    jsonUpdate,
		dryRun:        dryRun,
	}
}

// Run walks every project directory on disk and reconciles it against
// upstream, bounded by `verifiers` concurrency, per spec.md §4.7. It
// never touches the cursor or todo file: a verify run and a mirror run
// are independent of each other. The root index is regenerated once at
// the end regardless of per-project outcomes. A non-nil return error
// means at least one project failed to reconcile; RunResult still
// reports everything that succeeded.
func (v *Verifier) Run(ctx context.Context) (*RunResult, error) {
	names, err := listMirroredProjects(v.storage, v.hashIndex)
	if err != nil {
		return nil, errors.Wrap(err, "Verify: list projects")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.workers)

	var mu sync.Mutex
	var succeeded []string
	var failed int

	for _, name := range names {
		name := name
		g.Go(func() error {
			err := v.verifyProject(gctx, name)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				slog.Error("verify failed for project", "project", name, "error", err)
				return nil // one project's failure never aborts the sweep
			}
			succeeded = append(succeeded, name)
			return nil
		})
	}
	_ = g.Wait() // per-project errors are recorded above, not propagated

	remaining, err := listMirroredProjects(v.storage, v.hashIndex)
	if err != nil {
		return nil, errors.Wrap(err, "Verify: relist projects")
	}
	if !v.dryRun {
		if err := v.index.PublishRoot(remaining, 0); err != nil {
			return nil, errors.Wrap(err, "Verify: publish root index")
		}
	}

	rr := &RunResult{Succeeded: succeeded, Failed: failed}
	if failed > 0 {
		return rr, errors.Newf("verify: %d project(s) failed", failed)
	}
	return rr, nil
}

// verifyProject fetches authoritative JSON for one project and
// reconciles it against what's on disk.
func (v *Verifier) verifyProject(ctx context.Context, name string) error {
	_, doc, err := v.client.FetchProjectMetadata(ctx, name)
	if errors.Is(err, ErrUpstreamNotFound) {
		if !v.deleteOrphans {
			slog.Warn("project no longer exists upstream, leaving in place (pass --delete to remove)", "project", name)
			return nil
		}
		if v.dryRun {
			slog.Info("dry-run: would remove orphaned project", "project", name)
			return nil
		}
		slog.Info("removing orphaned project", "project", name)
		return removeProjectTree(v.storage, v.hashIndex, name)
	}
	if err != nil {
		return errors.Wrapf(err, "verifyProject(%s): fetch metadata", name)
	}

	p, err := pypi.FromWarehouse(doc)
	if err != nil {
		return errors.Wrapf(err, "verifyProject(%s): parse metadata", name)
	}

	for _, f := range p.AllFiles() {
		if err := v.reconcileFile(ctx, f); err != nil {
			return errors.Wrapf(err, "verifyProject(%s): reconcile %s", name, f.Filename)
		}
	}

	if v.jsonUpdate && !v.dryRun {
		raw, err := json.Marshal(doc)
		if err != nil {
			return errors.Wrapf(err, "verifyProject(%s): marshal metadata json", name)
		}
		if err := v.index.PublishProjectMetadataJSON(p.NormalizedName, raw); err != nil {
			return errors.Wrapf(err, "verifyProject(%s): publish metadata json", name)
		}
	}
	return nil
}

// reconcileFile verifies one release file's on-disk hash against its
// declared metadata, and if it's missing or corrupt, re-downloads and
// overwrites it in place — ReplaceContentAddressed rather than
// StoreContentAddressed, since a file already sitting at the expected
// content-addressed path is exactly the corruption case this exists to
// repair.
func (v *Verifier) reconcileFile(ctx context.Context, f *pypi.ReleaseFile) error {
	storagePath, err := f.StoragePath()
	if err != nil {
		slog.Warn("release file has no usable digest, skipping", "filename", f.Filename)
		return nil
	}

	want := pypi.NewFileInfo(storagePath, f.Size, f.Checksums)
	same, err := v.storage.CompareFiles(storagePath, want, v.compareMethod)
	if err == nil && same {
		return nil
	}

	if v.dryRun {
		slog.Info("dry-run: would re-download mismatched file", "filename", f.Filename)
		return nil
	}

	tempPath, fi, err := v.client.DownloadArtifact(ctx, f)
	if err != nil {
		return errors.Wrapf(err, "download %s", f.Filename)
	}
	if err := v.storage.ReplaceContentAddressed(fi, tempPath); err != nil {
		return errors.Wrapf(err, "replace %s", f.Filename)
	}

	if v.metrics != nil {
		v.metrics.FilesDownloaded.Inc()
		v.metrics.BytesDownloaded.Add(float64(f.Size))
	}
	return nil
}
