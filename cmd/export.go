// File: cmd/export.go
package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/config"
	"github.com/xkilldash9x/osimpipe/internal/engine"
	"github.com/xkilldash9x/osimpipe/internal/observability"
	"github.com/xkilldash9x/osimpipe/internal/project"
	"github.com/xkilldash9x/osimpipe/internal/reporting"
	"github.com/xkilldash9x/osimpipe/internal/resolver"
	"github.com/xkilldash9x/osimpipe/internal/store"
	"github.com/xkilldash9x/osimpipe/internal/trial"
	"github.com/xkilldash9x/osimpipe/internal/worker"
)

// recorderProvider creates the optional run recorder. This abstraction lets
// tests run batches without a database.
type recorderProvider interface {
	// Create returns nil without error when recording is not configured.
	Create(ctx context.Context, cfg config.Interface) (engine.Recorder, func(), error)
}

// defaultRecorderProvider records runs in PostgreSQL when database.url is set.
type defaultRecorderProvider struct{}

// NewRecorderProvider is a factory function that creates the production provider.
func NewRecorderProvider() recorderProvider {
	return &defaultRecorderProvider{}
}

func (p *defaultRecorderProvider) Create(ctx context.Context, cfg config.Interface) (engine.Recorder, func(), error) {
	if cfg.Database().URL == "" {
		return nil, func() {}, nil
	}
	logger := observability.GetLogger()

	pool, err := pgxpool.New(ctx, cfg.Database().URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	storeService, err := store.New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to initialize store service: %w", err)
	}
	if err := storeService.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Close()
		logger.Debug("Database connection pool closed.")
	}
	return storeService, cleanup, nil
}

func newExportCmd(provider recorderProvider) *cobra.Command {
	var participant string
	var concurrency int
	var report reportFlags

	cmd := &cobra.Command{
		Use:   "export <markers|emg|analogs>",
		Short: "Resolve the channels of every trial of a data kind",
		Long: `Discovers the trials listed in each participant's <kind>.data directories,
resolves their channel assignment and records the column mapping next to the
output file. Exits non-zero when any trial fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.SetEngineWorkerConcurrency(concurrency)
			}
			kind, err := resolver.ParseKind(args[0])
			if err != nil {
				return err
			}
			return runExport(cmd, cfg, logger, kind, participant, report, provider)
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "only export this participant")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "trials processed in parallel (default engine.worker_concurrency)")
	report.register(cmd)
	return cmd
}

// runExport contains the core, testable logic of the export command.
func runExport(cmd *cobra.Command, cfg config.Interface, logger *zap.Logger, kind resolver.Kind, participant string, report reportFlags, provider recorderProvider) error {
	p, err := project.Open(cfg.Project().Root, logger)
	if err != nil {
		return err
	}
	jobs, err := exportJobs(p, cfg.Project().TrialPattern, kind, participant, logger)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No %s trials found.\n", kind)
		return nil
	}

	r, err := newResolver(cfg.Resolver(), logger)
	if err != nil {
		return err
	}
	w, err := worker.New(logger, worker.WithExport(r, worker.ManifestSink{}))
	if err != nil {
		return err
	}
	return runJobs(cmd, cfg, logger, w, jobs, report, provider)
}

// runJobs executes a batch on the engine, recording it when configured, and
// fails when any job failed.
func runJobs(cmd *cobra.Command, cfg config.Interface, logger *zap.Logger, processor engine.JobProcessor, jobs []worker.Job, flags reportFlags, provider recorderProvider) error {
	ctx := cmd.Context()

	reporter, err := reporting.New(flags.format, flags.output, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer reporter.Close()

	var opts []engine.Option
	if provider != nil {
		recorder, cleanup, err := provider.Create(ctx, cfg)
		if err != nil {
			return err
		}
		if cleanup != nil {
			defer cleanup()
		}
		if recorder != nil {
			opts = append(opts, engine.WithRecorder(recorder))
		}
	}

	e, err := engine.New(cfg.Engine(), logger, processor, opts...)
	if err != nil {
		return err
	}
	report := e.Run(ctx, jobs)
	if err := reporter.Write(report); err != nil {
		logger.Error("Failed to write run report.", zap.Error(err))
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if failed := report.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d jobs failed: %w", len(failed), len(report.Results), report.Err())
	}
	return nil
}

// exportJobs builds one job per discovered trial. Participants without data
// directories for the kind are skipped with a warning; other document problems
// abort before anything runs.
func exportJobs(p *project.Project, pattern string, kind resolver.Kind, only string, logger *zap.Logger) ([]worker.Job, error) {
	participants, err := selectParticipants(p, only)
	if err != nil {
		return nil, err
	}

	var jobs []worker.Job
	for _, name := range participants {
		doc, err := p.Document(name)
		if err != nil {
			return nil, err
		}
		dirs, err := trialDirectories(p, doc, kind)
		if err != nil {
			if isMissingField(err) {
				logger.Warn("Participant has no data directories.", zap.String("participant", name), zap.String("kind", string(kind)))
				continue
			}
			return nil, &project.ParticipantError{Participant: name, Err: err}
		}
		attempts, err := resolver.AttemptsFromDocument(doc, kind)
		if err != nil {
			return nil, &project.ParticipantError{Participant: name, Err: err}
		}
		targets, err := resolver.TargetsFromDocument(doc, kind)
		if err != nil {
			return nil, &project.ParticipantError{Participant: name, Err: err}
		}

		for _, dir := range dirs {
			trials, err := trial.Discover(dir, pattern)
			if err != nil {
				return nil, &project.ParticipantError{Participant: name, Err: err}
			}
			for _, path := range trials {
				jobs = append(jobs, worker.Job{
					Type:           worker.ExportTask(kind),
					Participant:    name,
					Trial:          path,
					ParticipantDir: p.ParticipantDir(name),
					Kind:           kind,
					Attempts:       attempts,
					Targets:        targets,
					Document:       doc,
				})
			}
		}
	}
	return jobs, nil
}
