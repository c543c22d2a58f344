package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/osimpipe/internal/setupxml"
	"github.com/xkilldash9x/osimpipe/internal/trial"
)

// ToolRunner executes an external tool on a rendered setup file.
type ToolRunner interface {
	Run(ctx context.Context, setup string) error
}

// ToolError reports a failed tool invocation with the tail of its output.
type ToolError struct {
	Setup  string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("tool run for %s failed: %v", e.Setup, e.Err)
	}
	return fmt.Sprintf("tool run for %s failed: %v: %s", e.Setup, e.Err, e.Output)
}

func (e *ToolError) Unwrap() error { return e.Err }

// maxToolOutput bounds how much tool output is kept in errors.
const maxToolOutput = 2048

// ExecRunner runs "<command> run-tool <setup>" as a child process. The process
// is killed when the context ends.
type ExecRunner struct {
	command string
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewExecRunner creates a runner. A positive launchRate caps process launches
// per second across all workers sharing the runner.
func NewExecRunner(command string, launchRate float64, burst int, logger *zap.Logger) *ExecRunner {
	r := &ExecRunner{
		command: command,
		logger:  logger.With(zap.String("component", "ExecRunner")),
	}
	if launchRate > 0 {
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(launchRate), burst)
	}
	return r
}

func (r *ExecRunner) Run(ctx context.Context, setup string) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	cmd := exec.CommandContext(ctx, r.command, "run-tool", setup)
	cmd.Dir = filepath.Dir(setup)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger.Debug("Launching tool.", zap.String("setup", setup))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		tail := out.Bytes()
		if len(tail) > maxToolOutput {
			tail = tail[len(tail)-maxToolOutput:]
		}
		return &ToolError{Setup: setup, Output: string(bytes.TrimSpace(tail)), Err: err}
	}
	return nil
}

// ToolSpec describes one analysis step: where its inputs live, which template
// it renders and where its results go. Relative directories are below the
// participant directory.
type ToolSpec struct {
	Template  string
	Suffix    string
	InputDir  string
	InputExt  string
	OutputDir string
	OutputExt string
	// Model is the model file handed to the tool. A relative path is resolved
	// against the participant's _models directory.
	Model         string
	LowpassCutoff float64
	// OnsetPadding widens the trial's onset window on each side, in seconds.
	OnsetPadding float64
	// WindowFromInput uses the input file's first and last time when the
	// trial has no onsets.
	WindowFromInput bool
	// LoadsTemplate is an ExternalLoads template rendered per trial with the
	// force data <ForcesDir>/<stem>.sto. Empty for steps without external loads.
	LoadsTemplate string
	ForcesDir     string
}

// DefaultToolSpecs returns the usual chain of analysis steps for a model
// whose templates are named <model>_<step>.xml in templatesDir.
func DefaultToolSpecs(templatesDir, model string) map[TaskType]ToolSpec {
	scaled := model + "_scaled.osim"
	tpl := func(step string) string { return filepath.Join(templatesDir, model+"_"+step+".xml") }
	return map[TaskType]ToolSpec{
		TaskInverseKinematics: {
			Template: tpl("ik"), Suffix: "_ik",
			InputDir: "0_markers", InputExt: ".trc",
			OutputDir: "1_inverse_kinematic", OutputExt: ".mot",
			Model: scaled,
		},
		TaskInverseDynamics: {
			Template: tpl("id"), Suffix: "_id",
			InputDir: "1_inverse_kinematic", InputExt: ".mot",
			OutputDir: "2_inverse_dynamic", OutputExt: ".sto",
			Model: scaled, LowpassCutoff: 6, WindowFromInput: true,
			LoadsTemplate: filepath.Join(templatesDir, "forces_sensor.xml"),
			ForcesDir:     "0_forces",
		},
		TaskStaticOptimization: {
			Template: tpl("so"), Suffix: "_so",
			InputDir: "1_inverse_kinematic", InputExt: ".mot",
			OutputDir: "3_static_optimization", OutputExt: ".sto",
			Model: scaled, LowpassCutoff: 6, WindowFromInput: true,
		},
		TaskMuscleAnalysis: {
			Template: tpl("ma"), Suffix: "_ma",
			InputDir: "1_inverse_kinematic", InputExt: ".mot",
			OutputDir: "4_muscle_analysis", OutputExt: ".sto",
			Model: scaled, LowpassCutoff: 6, WindowFromInput: true,
		},
		TaskJointReaction: {
			Template: tpl("jr"), Suffix: "_jr",
			InputDir: "1_inverse_kinematic", InputExt: ".mot",
			OutputDir: "5_joint_reaction_force", OutputExt: ".sto",
			Model: scaled, LowpassCutoff: 6, WindowFromInput: true,
		},
	}
}

// ToolProcessor renders a per-trial setup file and runs the external tool on it.
type ToolProcessor struct {
	spec   ToolSpec
	runner ToolRunner
	logger *zap.Logger
}

func NewToolProcessor(spec ToolSpec, runner ToolRunner, logger *zap.Logger) *ToolProcessor {
	return &ToolProcessor{
		spec:   spec,
		runner: runner,
		logger: logger.With(zap.String("component", "ToolProcessor")),
	}
}

func (p *ToolProcessor) Name() string { return "ToolProcessor" + p.spec.Suffix }

func (p *ToolProcessor) Process(ctx context.Context, job Job) (Outcome, error) {
	stem := trial.Stem(job.Trial)
	outDir := filepath.Join(job.ParticipantDir, p.spec.OutputDir)
	output := filepath.Join(outDir, stem+p.spec.OutputExt)

	model := p.spec.Model
	if model != "" && !filepath.IsAbs(model) {
		model = filepath.Join(job.ParticipantDir, "_models", model)
	}

	params := setupxml.Params{
		Name:             stem,
		ModelFile:        model,
		MarkerFile:       job.Trial,
		CoordinatesFile:  job.Trial,
		OutputMotionFile: output,
		ResultsDirectory: outDir,
		LowpassCutoff:    p.spec.LowpassCutoff,
	}
	window, err := p.window(job, stem)
	if err != nil {
		return Outcome{}, err
	}
	params.TimeRange = window
	if p.spec.LoadsTemplate != "" {
		loads, err := p.renderLoads(job, stem)
		if err != nil {
			return Outcome{}, err
		}
		params.ExternalLoadsFile = loads
	}

	doc, err := setupxml.Render(p.spec.Template, params)
	if err != nil {
		return Outcome{}, err
	}
	setup := filepath.Join(job.ParticipantDir, "_xml", stem+p.spec.Suffix+".xml")
	if err := setupxml.Write(doc, setup); err != nil {
		return Outcome{}, err
	}

	if err := p.runner.Run(ctx, setup); err != nil {
		return Outcome{}, err
	}
	p.logger.Info("Tool finished.", zap.String("job", job.ID()), zap.String("output", output))
	return Outcome{Output: output}, nil
}

// window is the padded onset window of the trial, or the span of its input
// file when allowed, or nil to keep the template's range.
func (p *ToolProcessor) window(job Job, stem string) (*setupxml.TimeRange, error) {
	w, ok, err := setupxml.TimeRangeFromOnsets(job.Document, stem)
	if err != nil {
		return nil, err
	}
	if ok {
		w = w.Pad(p.spec.OnsetPadding)
		return &w, nil
	}
	if !p.spec.WindowFromInput {
		return nil, nil
	}
	first, last, err := trial.TimeSpan(job.Trial)
	if err != nil {
		return nil, err
	}
	return &setupxml.TimeRange{Start: first, End: last}, nil
}

// renderLoads writes the trial's external loads file and returns its path.
func (p *ToolProcessor) renderLoads(job Job, stem string) (string, error) {
	data := filepath.Join(job.ParticipantDir, p.spec.ForcesDir, stem+".sto")
	if _, err := os.Stat(data); err != nil {
		return "", fmt.Errorf("force data for %s: %w", stem, err)
	}
	doc, err := setupxml.Render(p.spec.LoadsTemplate, setupxml.Params{
		DataFile:            data,
		LoadsKinematicsFile: job.Trial,
	})
	if err != nil {
		return "", err
	}
	path := filepath.Join(job.ParticipantDir, "_xml", stem+p.spec.Suffix+"_loads.xml")
	if err := setupxml.Write(doc, path); err != nil {
		return "", err
	}
	return path, nil
}

// WithTools registers a tool processor per spec, all sharing one runner.
func WithTools(specs map[TaskType]ToolSpec, runner ToolRunner, logger *zap.Logger) Option {
	return func(w *Worker) {
		for t, spec := range specs {
			w.registry[t] = NewToolProcessor(spec, runner, logger)
		}
	}
}
