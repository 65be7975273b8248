package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"log/slog"

	"github.com/pypimirror/pypimirror/internal/pypi"
)

// todoCheckpointInterval is the K in spec.md §4.6 DRAIN's "rewrite the
// file atomically every K completions": how often the todo file is
// flushed mid-run so a crash loses at most this many projects' worth
// of already-done work.
const todoCheckpointInterval = 20

// Controller is the Mirror Controller (C6): it drives one run through
// spec.md §4.6's state machine, owning the durable cursor and todo
// list across ACQUIRE_LOCK, LOAD_CURSOR, DISCOVER, the operator-gated
// LEGACY_CLEANUP phase, DRAIN, and FINALIZE. Grounded on the teacher's
// Run/updateMirrors (lock-then-defer-unlock, errgroup-wrapped fan-out,
// post-run gc), generalized from APT's fixed named-mirror list to
// PyPI's serial-cursor-discovered, crash-resumable todo list.
type Controller struct {
	cfg      *Config
	storage  *Storage
	client   *Client
	pipeline *Pipeline
	index    *IndexWriter
	pool     *Pool
}

// NewController wires a Controller from its collaborators, each built
// once per process and shared across every run.
func NewController(cfg *Config, storage *Storage, client *Client, pipeline *Pipeline, index *IndexWriter) *Controller {
	return &Controller{
		cfg:      cfg,
		storage:  storage,
		client:   client,
		pipeline: pipeline,
		index:    index,
		pool:     NewPool(cfg.Mirror.Workers, cfg.Mirror.StopOnError),
	}
}

// RunResult summarizes a completed or aborted run for the CLI layer to
// report and pick an exit code from.
type RunResult struct {
	TargetSerial int64
	Succeeded    []string
	Failed       int
	Aborted      bool
}

// Run executes one full ACQUIRE_LOCK → ... → FINALIZE cycle. forceCheck
// implements `mirror --force-check`: it clears the cursor's status
// before DISCOVER, forcing a complete re-diff against the current
// upstream serial regardless of any resumable todo on disk. A non-nil
// error means FINALIZE took the failure branch (todo preserved) or the
// run never got past ACQUIRE_LOCK/LOAD_CURSOR/DISCOVER; callers should
// map errors.Is(err, ErrLocked) to a distinct exit code from any other
// failure.
func (ctl *Controller) Run(ctx context.Context, forceCheck bool) (*RunResult, error) {
	lock, err := ctl.storage.AcquireMirrorLock()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release mirror lock", "error", err)
		}
	}()

	cursor, err := LoadCursorState(ctl.storage)
	if err != nil {
		return nil, errors.Wrap(err, "Run: load cursor")
	}
	if cursor.NeedsFullSync() {
		slog.Info("cursor generation mismatch, forcing full sync",
			"stored_generation", cursor.Generation, "compiled_generation", cursorGeneration)
		cursor = &CursorState{Generation: cursorGeneration}
	}

	todo, err := ctl.discover(ctx, cursor, forceCheck)
	if err != nil {
		return nil, errors.Wrap(err, "Run: discover")
	}
	slog.Info("discovery complete", "target_serial", todo.TargetSerial, "projects", len(todo.Items))

	if ctl.cfg.Mirror.Cleanup {
		if err := ctl.legacyCleanup(); err != nil {
			return nil, errors.Wrap(err, "Run: legacy cleanup")
		}
	}

	completions := 0
	result := ctl.pool.Run(ctx, todo.Items, ctl.pipeline.Process, func(project string) {
		todo.Remove(project)
		completions++
		if completions%todoCheckpointInterval == 0 {
			if err := todo.Save(ctl.storage); err != nil {
				slog.Warn("failed to checkpoint todo", "error", err)
			}
		}
	})

	// Always flush the latest state, win or lose: DRAIN may have made
	// progress past the last checkpoint even on an aborted run.
	if err := todo.Save(ctl.storage); err != nil {
		slog.Warn("failed to persist todo after drain", "error", err)
	}

	rr := &RunResult{
		TargetSerial: todo.TargetSerial,
		Succeeded:    result.Succeeded,
		Failed:       len(todo.Items),
		Aborted:      result.Aborted,
	}

	if result.FirstErr != nil {
		slog.Error("mirror run failed, todo preserved for resume",
			"error", result.FirstErr, "remaining", len(todo.Items), "aborted", result.Aborted)
		return rr, result.FirstErr
	}

	if err := ctl.finalize(cursor, todo); err != nil {
		return rr, errors.Wrap(err, "Run: finalize")
	}
	return rr, nil
}

// Plan runs ACQUIRE_LOCK, LOAD_CURSOR and DISCOVER only, returning the
// todo that a real Run would drain, without touching any project's
// files or index documents. It still persists the discovered todo (so
// a subsequent real `mirror` run can resume it), per `mirror
// --dry-run`'s "compute the planned set without downloading or
// writing" contract: DISCOVER's own bookkeeping is the one exception,
// since it's how the plan becomes resumable at all.
func (ctl *Controller) Plan(ctx context.Context, forceCheck bool) (*Todo, error) {
	lock, err := ctl.storage.AcquireMirrorLock()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to release mirror lock", "error", err)
		}
	}()

	cursor, err := LoadCursorState(ctl.storage)
	if err != nil {
		return nil, errors.Wrap(err, "Plan: load cursor")
	}
	if cursor.NeedsFullSync() {
		cursor = &CursorState{Generation: cursorGeneration}
	}
	return ctl.discover(ctx, cursor, forceCheck)
}

// discover implements DISCOVER: resume a well-formed todo left by a
// prior failed run, unless forceCheck overrides resumption, or ask C2
// for a fresh changelog delta since the cursor's status and persist the
// resulting todo atomically.
func (ctl *Controller) discover(ctx context.Context, cursor *CursorState, forceCheck bool) (*Todo, error) {
	if !forceCheck {
		existing, err := LoadTodo(ctl.storage)
		switch {
		case err == nil && existing != nil:
			slog.Info("resuming todo from prior run", "remaining", len(existing.Items))
			return existing, nil
		case err == nil:
			// no todo file: fall through to fresh discovery
		case errors.Is(err, ErrMalformedTodo):
			slog.Warn("discarding malformed todo, performing full discovery", "error", err)
			if delErr := DeleteTodo(ctl.storage); delErr != nil {
				return nil, errors.Wrap(delErr, "discover: delete malformed todo")
			}
		default:
			return nil, errors.Wrap(err, "discover: load todo")
		}
	}

	since := cursor.Status
	if forceCheck {
		since = 0
	}

	target, entries, err := ctl.client.ChangelogSince(ctx, since)
	if err != nil {
		return nil, errors.Wrap(err, "discover: changelog")
	}
	projects := pypi.AffectedProjects(entries)
	todo := NewTodo(target, projects)
	if err := todo.Save(ctl.storage); err != nil {
		return nil, errors.Wrap(err, "discover: persist todo")
	}
	return todo, nil
}

// legacyCleanup removes PEP 503 non-normalized project directories,
// per spec.md §9's resolution inserting this as its own phase between
// DISCOVER and DRAIN rather than running it opportunistically. Gated
// on `mirror.cleanup`, the operator opt-in spec.md's Lifecycles
// paragraph describes.
func (ctl *Controller) legacyCleanup() error {
	if ctl.cfg.Mirror.HashIndex {
		return ctl.legacyCleanupHashed()
	}
	return ctl.legacyCleanupFlat("simple")
}

func (ctl *Controller) legacyCleanupFlat(simpleDir string) error {
	entries, err := ctl.storage.Scandir(simpleDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "legacyCleanup")
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if e.Name() == pypi.NormalizeName(e.Name()) {
			continue
		}
		dir := path.Join(simpleDir, e.Name())
		slog.Info("removing legacy non-normalized project directory", "path", dir)
		if err := ctl.storage.RemoveTree(dir); err != nil {
			return errors.Wrapf(err, "legacyCleanup: %s", dir)
		}
	}
	return nil
}

func (ctl *Controller) legacyCleanupHashed() error {
	letters, err := ctl.storage.Scandir("simple")
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "legacyCleanup")
	}
	for _, letter := range letters {
		if !letter.IsDir() {
			continue
		}
		if err := ctl.legacyCleanupFlat(path.Join("simple", letter.Name())); err != nil {
			return err
		}
	}
	return nil
}

// finalize implements FINALIZE's success branch: advance the cursor,
// drop the now-empty todo, regenerate the root index from the actual
// on-disk project set, and optionally emit the diff file.
func (ctl *Controller) finalize(cursor *CursorState, todo *Todo) error {
	cursor.Status = todo.TargetSerial
	if err := cursor.Save(ctl.storage); err != nil {
		return errors.Wrap(err, "save cursor")
	}
	if err := DeleteTodo(ctl.storage); err != nil {
		return errors.Wrap(err, "delete todo")
	}

	names, err := listMirroredProjects(ctl.storage, ctl.cfg.Mirror.HashIndex)
	if err != nil {
		return errors.Wrap(err, "list mirrored projects")
	}
	if err := ctl.index.PublishRoot(names, todo.TargetSerial); err != nil {
		return errors.Wrap(err, "publish root index")
	}

	if ctl.cfg.Mirror.DiffFile != "" {
		if err := ctl.writeDiffFile(); err != nil {
			slog.Warn("failed to write diff file", "error", err, "path", ctl.cfg.Mirror.DiffFile)
		}
	}
	return nil
}

// writeDiffFile flushes the pipeline's in-memory diff list (spec.md
// §4.4 step 9) to mirror.diff_file, optionally epoch-suffixed per
// mirror.diff_append_epoch. The diff file lives outside the mirror
// directory by convention, so it's written directly rather than
// through Storage's root-confined path validation.
func (ctl *Controller) writeDiffFile() error {
	name := ctl.cfg.Mirror.DiffFile
	if ctl.cfg.Mirror.DiffAppendEpoch {
		name = fmt.Sprintf("%s.%d", name, time.Now().UTC().Unix())
	}

	var b strings.Builder
	for _, p := range ctl.pipeline.DiffPaths() {
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return errors.Wrap(os.WriteFile(name, []byte(b.String()), 0644), "writeDiffFile") // #nosec G306 - diff file is a report, not sensitive
}

// ListMirroredProjects is listMirroredProjects' exported form, used by
// the `delete` command to rebuild the root index after removing
// projects outside of a full controller run.
func ListMirroredProjects(storage *Storage, hashIndex bool) ([]string, error) {
	return listMirroredProjects(storage, hashIndex)
}

// listMirroredProjects walks the simple index tree and returns every
// normalized project name currently present on disk, used to rebuild
// the root index from ground truth rather than from only the projects
// this run happened to touch.
func listMirroredProjects(storage *Storage, hashIndex bool) ([]string, error) {
	if !hashIndex {
		return scanProjectNames(storage, "simple")
	}

	letters, err := storage.Scandir("simple")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, letter := range letters {
		if !letter.IsDir() {
			continue
		}
		sub, err := scanProjectNames(storage, path.Join("simple", letter.Name()))
		if err != nil {
			return nil, err
		}
		names = append(names, sub...)
	}
	return names, nil
}

func scanProjectNames(storage *Storage, dir string) ([]string, error) {
	entries, err := storage.Scandir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
