package worker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
	"github.com/xkilldash9x/osimpipe/internal/resolver"
	"github.com/xkilldash9x/osimpipe/internal/trial"
)

// TaskType identifies what a job does with its trial.
type TaskType string

const (
	TaskExportMarkers      TaskType = "export_markers"
	TaskExportEMG          TaskType = "export_emg"
	TaskExportAnalogs      TaskType = "export_analogs"
	TaskScale              TaskType = "scale"
	TaskInverseKinematics  TaskType = "inverse_kinematics"
	TaskInverseDynamics    TaskType = "inverse_dynamics"
	TaskStaticOptimization TaskType = "static_optimization"
	TaskMuscleAnalysis     TaskType = "muscle_analysis"
	TaskJointReaction      TaskType = "joint_reaction"
)

// ExportTask returns the export task for a data kind.
func ExportTask(kind resolver.Kind) TaskType {
	return TaskType("export_" + string(kind))
}

// ParseTaskType accepts a task name or its usual abbreviation (ik, id, so, ma, jr).
func ParseTaskType(s string) (TaskType, error) {
	switch strings.ToLower(s) {
	case string(TaskScale), "scaling":
		return TaskScale, nil
	case "ik", string(TaskInverseKinematics):
		return TaskInverseKinematics, nil
	case "id", string(TaskInverseDynamics):
		return TaskInverseDynamics, nil
	case "so", string(TaskStaticOptimization):
		return TaskStaticOptimization, nil
	case "ma", string(TaskMuscleAnalysis):
		return TaskMuscleAnalysis, nil
	case "jr", string(TaskJointReaction):
		return TaskJointReaction, nil
	}
	for _, k := range resolver.Kinds {
		if s == string(ExportTask(k)) {
			return ExportTask(k), nil
		}
	}
	return "", fmt.Errorf("unknown task type %q", s)
}

// Job is one trial of one participant. Document and Attempts are shared
// read-only between jobs of the same participant.
type Job struct {
	Type        TaskType
	Participant string
	Trial       string
	// ParticipantDir is where outputs are written.
	ParticipantDir string
	Kind           resolver.Kind
	Attempts       []resolver.Attempt
	Targets        []string
	Document       confdoc.Value
}

// ID names the job for logs and reports.
func (j Job) ID() string {
	return j.Participant + "/" + string(j.Type) + "/" + trial.Stem(j.Trial)
}

// Outcome describes what a processor produced.
type Outcome struct {
	Output       string
	AttemptIndex int
	Placeholders []int
	Frames       int
}

// Processor handles one task type.
type Processor interface {
	Name() string
	Process(ctx context.Context, job Job) (Outcome, error)
}

// Worker dispatches jobs to the processor registered for their task type.
type Worker struct {
	logger   *zap.Logger
	registry map[TaskType]Processor
}

// Option is a function that configures a Worker.
type Option func(*Worker)

// WithProcessors registers processors, replacing any already set for the same task types.
func WithProcessors(processors map[TaskType]Processor) Option {
	return func(w *Worker) {
		for t, p := range processors {
			w.registry[t] = p
		}
	}
}

// WithExport registers export processors for every data kind.
func WithExport(r Resolver, sink Sink) Option {
	return func(w *Worker) {
		for _, k := range resolver.Kinds {
			w.registry[ExportTask(k)] = NewExportProcessor(r, sink)
		}
	}
}

// New creates a worker. At least one processor must be registered.
func New(logger *zap.Logger, opts ...Option) (*Worker, error) {
	w := &Worker{
		logger:   logger.With(zap.String("component", "worker")),
		registry: make(map[TaskType]Processor),
	}
	for _, opt := range opts {
		opt(w)
	}
	if len(w.registry) == 0 {
		return nil, fmt.Errorf("worker requires at least one registered processor")
	}
	return w, nil
}

// ProcessJob runs a job through its processor.
func (w *Worker) ProcessJob(ctx context.Context, job Job) (Outcome, error) {
	p, ok := w.registry[job.Type]
	if !ok {
		return Outcome{}, fmt.Errorf("no processor registered for task type '%s'", job.Type)
	}

	w.logger.Debug("Dispatching job.", zap.String("job", job.ID()), zap.String("processor", p.Name()))
	out, err := p.Process(ctx, job)
	if err != nil {
		return out, fmt.Errorf("processor '%s' failed on %s: %w", p.Name(), job.ID(), err)
	}
	return out, nil
}

