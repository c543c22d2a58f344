// File: cmd/tool.go
package cmd

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
	"github.com/xkilldash9x/osimpipe/internal/config"
	"github.com/xkilldash9x/osimpipe/internal/observability"
	"github.com/xkilldash9x/osimpipe/internal/project"
	"github.com/xkilldash9x/osimpipe/internal/trial"
	"github.com/xkilldash9x/osimpipe/internal/worker"
)

func newToolCmd() *cobra.Command {
	var participant string
	var templates string
	var model string
	var concurrency int
	var report reportFlags

	cmd := &cobra.Command{
		Use:   "tool <scale|ik|id|so|ma|jr>",
		Short: "Run a step of the external tool on every trial",
		Long: `Renders a setup file per trial from <templates>/<model>_<step>.xml, with the
trial's onset window when the participant document has one, and runs the
external tool on it. Inputs come from the previous step's output directory.

The scale step runs once per participant on its static marker trial and
writes <participant>/_models/<model>_scaled.osim.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.SetEngineWorkerConcurrency(concurrency)
			}
			task, err := worker.ParseTaskType(args[0])
			if err != nil {
				return err
			}
			return runTool(cmd, cfg, logger, task, participant, templates, model, report)
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "only process this participant")
	cmd.Flags().StringVar(&templates, "templates", "", "setup template directory (default <project>/_templates)")
	cmd.Flags().StringVar(&model, "model", "", "model name used in template and model file names")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "trials processed in parallel (default engine.worker_concurrency)")
	report.register(cmd)
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func runTool(cmd *cobra.Command, cfg config.Interface, logger *zap.Logger, task worker.TaskType, participant, templates, model string, report reportFlags) error {
	p, err := project.Open(cfg.Project().Root, logger)
	if err != nil {
		return err
	}
	if templates == "" {
		templates = filepath.Join(p.Root(), "_templates")
	}
	tools := cfg.Tools()

	var build func(name string, doc confdoc.Value) ([]worker.Job, error)
	var option func(runner worker.ToolRunner) worker.Option
	if task == worker.TaskScale {
		spec := worker.DefaultScaleSpec(p.Root(), templates, model)
		build = func(name string, doc confdoc.Value) ([]worker.Job, error) {
			static, err := worker.StaticTrial(p.ParticipantDir(name), doc)
			if errors.Is(err, worker.ErrNoStaticTrial) {
				logger.Warn("No static trial, participant skipped.", zap.String("participant", name))
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return []worker.Job{newToolJob(p, task, name, static, doc)}, nil
		}
		option = func(runner worker.ToolRunner) worker.Option {
			return worker.WithScale(spec, runner, logger)
		}
	} else {
		spec, ok := worker.DefaultToolSpecs(templates, model)[task]
		if !ok {
			return &unsupportedTaskError{task: task}
		}
		spec.OnsetPadding = tools.OnsetPadding
		build = func(name string, doc confdoc.Value) ([]worker.Job, error) {
			inputs, err := trial.Discover(filepath.Join(p.ParticipantDir(name), spec.InputDir), "*"+spec.InputExt)
			if err != nil {
				return nil, err
			}
			jobs := make([]worker.Job, 0, len(inputs))
			for _, in := range inputs {
				jobs = append(jobs, newToolJob(p, task, name, in, doc))
			}
			return jobs, nil
		}
		option = func(runner worker.ToolRunner) worker.Option {
			return worker.WithTools(map[worker.TaskType]worker.ToolSpec{task: spec}, runner, logger)
		}
	}

	participants, err := selectParticipants(p, participant)
	if err != nil {
		return err
	}
	var jobs []worker.Job
	for _, name := range participants {
		doc, err := p.Document(name)
		if err != nil {
			return err
		}
		found, err := build(name, doc)
		if err != nil {
			return &project.ParticipantError{Participant: name, Err: err}
		}
		jobs = append(jobs, found...)
	}
	if len(jobs) == 0 {
		logger.Warn("No tool inputs found.", zap.String("task", string(task)))
		return nil
	}

	runner := worker.NewExecRunner(tools.OpensimCmd, tools.LaunchRate, tools.LaunchBurst, logger)
	w, err := worker.New(logger, option(runner))
	if err != nil {
		return err
	}
	return runJobs(cmd, cfg, logger, w, jobs, report, NewRecorderProvider())
}

func newToolJob(p *project.Project, task worker.TaskType, participant, input string, doc confdoc.Value) worker.Job {
	return worker.Job{
		Type:           task,
		Participant:    participant,
		Trial:          input,
		ParticipantDir: p.ParticipantDir(participant),
		Document:       doc,
	}
}

type unsupportedTaskError struct {
	task worker.TaskType
}

func (e *unsupportedTaskError) Error() string {
	return "task " + string(e.task) + " is not an analysis step"
}
