package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
	"github.com/xkilldash9x/osimpipe/internal/setupxml"
	"github.com/xkilldash9x/osimpipe/internal/trial"
)

// ErrNoStaticTrial is returned when a participant has no static marker trial.
var ErrNoStaticTrial = errors.New("no static trial")

// ScaleSpec describes the scaling of a generic model to one participant.
type ScaleSpec struct {
	// Model names the outputs: <model>_scaled.osim and <model>_scaled.xml.
	Model        string
	Template     string
	GenericModel string
}

// DefaultScaleSpec scales <root>/_models/<model>.osim with the template
// <templatesDir>/<model>_scaling.xml.
func DefaultScaleSpec(root, templatesDir, model string) ScaleSpec {
	return ScaleSpec{
		Model:        model,
		Template:     filepath.Join(templatesDir, model+"_scaling.xml"),
		GenericModel: filepath.Join(root, "_models", model+".osim"),
	}
}

// StaticTrial picks the static marker trial of a participant: the document's
// "static" field when set (relative to 0_markers), otherwise the first
// 0_markers/*0.trc.
func StaticTrial(participantDir string, doc confdoc.Value) (string, error) {
	markers := filepath.Join(participantDir, "0_markers")
	name, err := confdoc.GetString(doc, "static")
	if err == nil {
		if filepath.IsAbs(name) {
			return name, nil
		}
		return filepath.Join(markers, name), nil
	}
	var mf *confdoc.MissingFieldError
	if !errors.As(err, &mf) {
		return "", err
	}
	found, err := trial.Discover(markers, "*0.trc")
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", fmt.Errorf("%s: %w", markers, ErrNoStaticTrial)
	}
	return found[0], nil
}

// ScaleProcessor renders the scaling setup of a participant from its static
// trial and anthropometry, then runs the external tool on it.
type ScaleProcessor struct {
	spec   ScaleSpec
	runner ToolRunner
	logger *zap.Logger
}

func NewScaleProcessor(spec ScaleSpec, runner ToolRunner, logger *zap.Logger) *ScaleProcessor {
	return &ScaleProcessor{
		spec:   spec,
		runner: runner,
		logger: logger.With(zap.String("component", "ScaleProcessor")),
	}
}

func (p *ScaleProcessor) Name() string { return "ScaleProcessor" }

// Process scales the model for job.Participant. job.Trial is the static trial.
// Height is recorded in centimetres and handed to the tool in millimetres.
func (p *ScaleProcessor) Process(ctx context.Context, job Job) (Outcome, error) {
	mass, err := anthropometry(job.Document, "mass")
	if err != nil {
		return Outcome{}, err
	}
	height, err := anthropometry(job.Document, "height")
	if err != nil {
		return Outcome{}, err
	}
	first, last, err := trial.TimeSpan(job.Trial)
	if err != nil {
		return Outcome{}, err
	}
	window := setupxml.TimeRange{Start: first, End: last}.String()

	models := filepath.Join(job.ParticipantDir, "_models")
	xmlDir := filepath.Join(job.ParticipantDir, "_xml")
	output := filepath.Join(models, p.spec.Model+"_scaled.osim")
	setup := filepath.Join(xmlDir, p.spec.Model+"_scaled.xml")

	doc, err := setupxml.Render(p.spec.Template, setupxml.Params{
		Name: job.Participant,
		Overrides: map[string]string{
			"mass":                           formatNumber(mass),
			"height":                         formatNumber(height * 10),
			"GenericModelMaker/model_file":   p.spec.GenericModel,
			"ModelScaler/marker_file":        job.Trial,
			"ModelScaler/time_range":         window,
			"ModelScaler/output_model_file":  output,
			"ModelScaler/output_scale_file":  filepath.Join(xmlDir, p.spec.Model+"_scaled_scaling_factor.xml"),
			"MarkerPlacer/marker_file":       job.Trial,
			"MarkerPlacer/time_range":        window,
			"MarkerPlacer/output_model_file": filepath.Join(models, p.spec.Model+"_scaled_markers.osim"),
		},
	})
	if err != nil {
		return Outcome{}, err
	}
	if err := setupxml.Write(doc, setup); err != nil {
		return Outcome{}, err
	}
	if err := p.runner.Run(ctx, setup); err != nil {
		return Outcome{}, err
	}
	p.logger.Info("Model scaled.", zap.String("job", job.ID()), zap.String("output", output))
	return Outcome{Output: output}, nil
}

func anthropometry(doc confdoc.Value, field string) (float64, error) {
	v, err := confdoc.GetField(doc, field)
	if err != nil {
		return 0, err
	}
	f, err := v.AsFloat()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %g", field, f)
	}
	return f, nil
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// WithScale registers the scaling processor.
func WithScale(spec ScaleSpec, runner ToolRunner, logger *zap.Logger) Option {
	return func(w *Worker) {
		w.registry[TaskScale] = NewScaleProcessor(spec, runner, logger)
	}
}
