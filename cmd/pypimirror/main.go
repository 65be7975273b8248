// Package main implements the pypimirror command-line tool for mirroring
// a PyPI-compatible package index.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/pypimirror/pypimirror/internal/mirror"
	"github.com/pypimirror/pypimirror/internal/pypi"
)

const defaultConfigPath = "/etc/pypimirror/mirror.toml"

// Exit codes per the command surface's documented contract: 0 success,
// 1 partial failure (some projects failed but the run completed), 2
// usage/configuration error, 3 lock contention.
const (
	exitSuccess        = 0
	exitPartialFailure = 1
	exitUsage          = 2
	exitLockContention = 3
)

var (
	version = "dev"
	commit  = "unknown"

	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "pypimirror",
	Short: "Mirror a PyPI-compatible package index",
	Long: `pypimirror maintains a local, PEP 503/691-compatible mirror of a PyPI-style
package index, replicated incrementally from upstream's changelog serial.

Find more information at: https://github.com/pypimirror/pypimirror`,
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Run one full replication cycle",
	Long: `Discovers everything that changed upstream since the last run and
replicates it: acquires the mirror lock, loads the cursor, diffs against the
upstream changelog (or resumes a todo left by a prior failed run), drains the
affected projects through the worker pool, then regenerates the root index.`,
	Run: runMirrorCmd,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Reconcile on-disk state against upstream",
	Long: `Walks every project already present on disk, re-fetches its
authoritative metadata, and reconciles file hashes independently of the
cursor or todo a mirror run uses. Pass --delete to remove projects no longer
known upstream, and --json-update to regenerate each project's JSON metadata
mirror.`,
	Run: runVerifyCmd,
}

var syncCmd = &cobra.Command{
	Use:   "sync <project>",
	Short: "Process one named project immediately",
	Args:  cobra.ExactArgs(1),
	Run:   runSyncCmd,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <project>...",
	Short: "Remove one or more named projects and their index entries",
	Args:  cobra.MinimumNArgs(1),
	Run:   runDeleteCmd,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("pypimirror %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.AddCommand(mirrorCmd, verifyCmd, syncCmd, deleteCmd, versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and full error detail")

	mirrorCmd.Flags().Bool("force-check", false, "clear the stored cursor and force a complete re-diff against upstream")
	mirrorCmd.Flags().Bool("dry-run", false, "compute the set of projects that would be processed without changing anything on disk")

	verifyCmd.Flags().Bool("delete", false, "remove projects no longer known upstream")
	verifyCmd.Flags().Bool("json-update", false, "regenerate each project's JSON metadata mirror")
	verifyCmd.Flags().Bool("dry-run", false, "report what would be reconciled without writing anything")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
}

// formatError returns a human-friendly error message, optionally with a
// full stack trace under --debug.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	if flattened := errors.FlattenDetails(err); flattened != "" {
		return flattened
	}
	return err.Error()
}

// formatUndecodedError builds a user-friendly error message for TOML keys
// that didn't match any known configuration field, almost always a typo'd
// section or key name.
func formatUndecodedError(undecoded []toml.Key) string {
	var msg string
	for i, key := range undecoded {
		if i > 0 {
			msg += ", "
		}
		msg += key.String()
	}
	return "configuration contains unknown keys: " + msg
}

// loadConfig decodes, env-overlays, logging-configures and validates the
// configuration file shared by every subcommand.
func loadConfig() (*mirror.Config, error) {
	cfg := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "configuration file not found: %s", configPath)
		}
		return nil, errors.Wrap(err, "decode configuration")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.New(formatUndecodedError(undecoded))
	}

	if err := cfg.ApplyEnvironmentVariables(); err != nil {
		return nil, errors.Wrap(err, "apply environment variables")
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "apply log configuration")
	}
	if err := cfg.Check(); err != nil {
		return nil, errors.Wrap(err, "validate configuration")
	}
	return cfg, nil
}

// components bundles every collaborator a run needs, built once per
// invocation from a validated configuration.
type components struct {
	storage  *mirror.Storage
	client   *mirror.Client
	index    *mirror.IndexWriter
	metrics  *mirror.Metrics
	pipeline *mirror.Pipeline
}

func build(cfg *mirror.Config) (*components, error) {
	storage, err := mirror.NewStorage(cfg.Mirror.Directory)
	if err != nil {
		return nil, errors.Wrap(err, "open storage")
	}
	if err := storage.Load(); err != nil {
		return nil, errors.Wrap(err, "load file index")
	}

	client, err := mirror.NewClient(&cfg.Mirror, storage)
	if err != nil {
		return nil, errors.Wrap(err, "build upstream client")
	}

	filters, err := mirror.BuildFilterChain(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build filter chain")
	}

	index := mirror.NewIndexWriter(&cfg.Mirror, storage)

	sigs, err := mirror.NewSignatureVerifier(&cfg.Mirror)
	if err != nil {
		return nil, errors.Wrap(err, "build signature verifier")
	}

	metrics := mirror.NewMetrics()
	progress := mirror.NewProgressReporter(cfg.Log.ShouldShowProgress(), 0)

	pipeline := mirror.NewPipeline(&cfg.Mirror, mirror.PipelineDeps{
		Client:   client,
		Storage:  storage,
		Filters:  filters,
		Index:    index,
		Sigs:     sigs,
		Metrics:  metrics,
		Progress: progress,
	})

	return &components{
		storage:  storage,
		client:   client,
		index:    index,
		metrics:  metrics,
		pipeline: pipeline,
	}, nil
}

// rootContext returns a context cancelled on SIGINT/SIGTERM, so a run in
// DRAIN gets a chance to checkpoint its todo before the process dies.
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func exitOnError(err error) {
	verbose := debug
	fmt.Fprintln(os.Stderr, "Error:", formatError(err, verbose))
	if !verbose {
		fmt.Fprintln(os.Stderr, "run with --debug for a full stack trace")
	}
	os.Exit(exitUsage)
}

func runMirrorCmd(cmd *cobra.Command, _ []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitOnError(err)
	}

	c, err := build(cfg)
	if err != nil {
		exitOnError(err)
	}

	ctl := mirror.NewController(cfg, c.storage, c.client, c.pipeline, c.index)

	forceCheck, _ := cmd.Flags().GetBool("force-check")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	ctx, cancel := rootContext()
	defer cancel()

	if dryRun {
		todo, err := ctl.Plan(ctx, forceCheck)
		if err != nil {
			if errors.Is(err, mirror.ErrLocked) {
				slog.Error("another mirror run holds the lock", "error", err)
				os.Exit(exitLockContention)
			}
			exitOnError(err)
		}
		fmt.Printf("target serial: %d\n", todo.TargetSerial)
		fmt.Printf("projects that would be processed: %d\n", len(todo.Items))
		for _, item := range todo.Items {
			fmt.Printf("  %s\n", item.Project)
		}
		os.Exit(exitSuccess)
	}

	result, err := ctl.Run(ctx, forceCheck)

	if saveErr := c.storage.Save(); saveErr != nil {
		slog.Warn("failed to persist file index", "error", saveErr)
	}

	if err != nil {
		if errors.Is(err, mirror.ErrLocked) {
			slog.Error("another mirror run holds the lock", "error", err)
			os.Exit(exitLockContention)
		}
		slog.Error("mirror run failed", "error", formatError(err, debug))
		if result != nil && len(result.Succeeded) > 0 {
			os.Exit(exitPartialFailure)
		}
		os.Exit(exitUsage)
	}

	slog.Info("mirror run complete",
		"target_serial", result.TargetSerial,
		"succeeded", len(result.Succeeded),
		"failed", result.Failed,
	)
	if result.Failed > 0 {
		os.Exit(exitPartialFailure)
	}
	os.Exit(exitSuccess)
}

func runVerifyCmd(cmd *cobra.Command, _ []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitOnError(err)
	}

	c, err := build(cfg)
	if err != nil {
		exitOnError(err)
	}

	deleteOrphans, _ := cmd.Flags().GetBool("delete")
	jsonUpdate, _ := cmd.Flags().GetBool("json-update")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	v := mirror.NewVerifier(&cfg.Mirror, c.client, c.storage, c.index, c.metrics, deleteOrphans, jsonUpdate, dryRun)

	ctx, cancel := rootContext()
	defer cancel()

	result, err := v.Run(ctx)

	if saveErr := c.storage.Save(); saveErr != nil {
		slog.Warn("failed to persist file index", "error", saveErr)
	}

	if err != nil {
		slog.Error("verify run failed", "error", formatError(err, debug))
		os.Exit(exitPartialFailure)
	}

	slog.Info("verify run complete", "succeeded", len(result.Succeeded), "failed", result.Failed)
	os.Exit(exitSuccess)
}

func runSyncCmd(_ *cobra.Command, args []string) {
	project := args[0]

	cfg, err := loadConfig()
	if err != nil {
		exitOnError(err)
	}

	c, err := build(cfg)
	if err != nil {
		exitOnError(err)
	}

	lock, err := c.storage.AcquireMirrorLock()
	if err != nil {
		if errors.Is(err, mirror.ErrLocked) {
			slog.Error("another mirror run holds the lock", "error", err)
			os.Exit(exitLockContention)
		}
		exitOnError(err)
	}
	defer lock.Unlock() //nolint:errcheck

	ctx, cancel := rootContext()
	defer cancel()

	if err := c.pipeline.Process(ctx, project, 0); err != nil {
		if saveErr := c.storage.Save(); saveErr != nil {
			slog.Warn("failed to persist file index", "error", saveErr)
		}
		slog.Error("sync failed", "project", project, "error", formatError(err, debug))
		os.Exit(exitPartialFailure)
	}

	if err := c.storage.Save(); err != nil {
		slog.Warn("failed to persist file index", "error", err)
	}
	slog.Info("sync complete", "project", project)
	os.Exit(exitSuccess)
}

func runDeleteCmd(_ *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitOnError(err)
	}

	c, err := build(cfg)
	if err != nil {
		exitOnError(err)
	}

	lock, err := c.storage.AcquireMirrorLock()
	if err != nil {
		if errors.Is(err, mirror.ErrLocked) {
			slog.Error("another mirror run holds the lock", "error", err)
			os.Exit(exitLockContention)
		}
		exitOnError(err)
	}
	defer lock.Unlock() //nolint:errcheck

	var failed int
	for _, project := range args {
		name := pypi.NormalizeName(project)
		if err := c.pipeline.RemoveProject(name); err != nil {
			slog.Error("delete failed", "project", project, "error", formatError(err, debug))
			failed++
			continue
		}
		slog.Info("project removed", "project", name)
	}

	names, err := mirror.ListMirroredProjects(c.storage, cfg.Mirror.HashIndex)
	if err != nil {
		slog.Error("failed to relist projects for root index", "error", formatError(err, debug))
		os.Exit(exitPartialFailure)
	}
	if err := c.index.PublishRoot(names, 0); err != nil {
		slog.Error("failed to republish root index", "error", formatError(err, debug))
		os.Exit(exitPartialFailure)
	}

	if err := c.storage.Save(); err != nil {
		slog.Warn("failed to persist file index", "error", err)
	}

	if failed > 0 {
		os.Exit(exitPartialFailure)
	}
	os.Exit(exitSuccess)
}
