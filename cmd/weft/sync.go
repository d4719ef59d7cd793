package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/backend"
	"github.com/weftlabs/weft/internal/baseline"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/resolve"
	"github.com/weftlabs/weft/internal/retry"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/telemetry"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the record store with its remote backends",
	Long: `Run one sync pass: authenticate, fetch remote state, three-way merge
every correlated record, collapse duplicates, and execute the resulting
plan. Per-record failures are reported and the run continues; auth and
infrastructure failures abort.

Exit status: 0 clean, 1 conflicts flagged for review, 2 errors, 3 aborted.`,
	Run: func(cmd *cobra.Command, _ []string) {
		os.Exit(runSync(cmd))
	},
}

func init() {
	syncCmd.Flags().StringSlice("backend", nil, "Backend(s) to sync (default: sync.backend from config, else all configured)")
	syncCmd.Flags().Bool("dry-run", false, "Plan only; write nothing locally or remotely")
	syncCmd.Flags().Bool("force-local", false, "Settle every conflict in favor of the local value")
	syncCmd.Flags().Bool("force-remote", false, "Settle every conflict in favor of the remote value")
	syncCmd.Flags().Bool("full", false, "Ignore incremental fetch marks and fetch everything")
	syncCmd.Flags().Bool("no-dedupe", false, "Skip duplicate detection")
	syncCmd.Flags().Bool("delete", false, "Delete remote copies of collapsed duplicates instead of transferring links")
	syncCmd.Flags().Int("jobs", 0, "Concurrent workers for fetch and execute (default: sync.jobs from config)")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command) int {
	weftDir, ws := requireWorkspace()
	cfg := loadConfig(weftDir)

	forceLocal, _ := cmd.Flags().GetBool("force-local")
	forceRemote, _ := cmd.Flags().GetBool("force-remote")
	if forceLocal && forceRemote {
		FatalError("--force-local and --force-remote are mutually exclusive")
	}
	force := resolve.ForceNone
	switch {
	case forceLocal:
		force = resolve.ForceLocal
	case forceRemote:
		force = resolve.ForceRemote
	}

	names, _ := cmd.Flags().GetStringSlice("backend")
	if len(names) == 0 && cfg.Sync.Backend != "" {
		names = []string{cfg.Sync.Backend}
	}
	if len(names) == 0 {
		names = configuredBackends(cfg)
	}
	if len(names) == 0 {
		FatalErrorWithHint("no backends configured",
			"Set github.owner/github.repo or peer.path in .weft/config.yaml, or pass --backend")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "weft", Version); err != nil {
		WarnError("telemetry disabled: %v", err)
	}
	defer telemetry.Shutdown(context.Background())

	lock := store.NewLock(weftDir)
	ok, err := lock.TryAcquire()
	if err != nil {
		FatalError("%v", err)
	}
	if !ok {
		FatalErrorWithHint("another sync is running",
			"Wait for it to finish, or remove "+config.LockPath(weftDir)+" if it is stale")
	}
	defer func() { _ = lock.Release() }()

	recordsPath := ws.RecordsPath(weftDir)
	st, err := store.Load(recordsPath)
	if err != nil {
		FatalError("%v", err)
	}
	debug.Logf("sync: loaded %d records from %s", st.Len(), recordsPath)

	backends := make([]backend.Backend, 0, len(names))
	defer func() {
		for _, b := range backends {
			_ = b.Close()
		}
	}()
	for _, name := range names {
		b, err := backend.New(ctx, name, cfg)
		if err != nil {
			FatalError("%v", err)
		}
		backends = append(backends, telemetry.WrapBackend(b))
	}

	baselines := baseline.New(recordsPath)
	defer baselines.Close()

	jobs, _ := cmd.Flags().GetInt("jobs")
	if jobs <= 0 {
		jobs = cfg.Sync.Jobs
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	full, _ := cmd.Flags().GetBool("full")
	noDedupe, _ := cmd.Flags().GetBool("no-dedupe")
	deleteRemote, _ := cmd.Flags().GetBool("delete")

	opts := engine.Options{
		DryRun:    dryRun,
		Force:     force,
		Full:      full,
		NoDedupe:  noDedupe || !cfg.Dedupe.Enabled,
		Delete:    deleteRemote,
		Jobs:      jobs,
		Threshold: cfg.Dedupe.Threshold,
	}

	orch := engine.New(st, baselines, backends, retryConfig(cfg), ws.Prefix, weftDir)
	report, err := orch.Sync(ctx, opts)
	if report == nil {
		FatalError("%v", err)
	}
	if err != nil {
		debug.Logf("sync: aborted: %v", err)
	}
	telemetry.RecordRun(context.Background(), report)

	if jsonOutput {
		if err := report.WriteJSON(os.Stdout); err != nil {
			FatalError("%v", err)
		}
	} else if !quietFlag {
		report.Render(os.Stdout, verboseFlag)
	}
	return report.ExitCode()
}

func retryConfig(cfg *config.Config) retry.Config {
	return retry.Config{
		InitialInterval:  cfg.Retry.InitialInterval,
		MaxInterval:      cfg.Retry.MaxInterval,
		MaxElapsedTime:   cfg.Retry.MaxElapsedTime,
		BreakerThreshold: cfg.Retry.BreakerThreshold,
		BreakerCooldown:  cfg.Retry.BreakerCooldown,
	}
}
