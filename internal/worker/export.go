package worker

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/mat"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
	"github.com/xkilldash9x/osimpipe/internal/resolver"
	"github.com/xkilldash9x/osimpipe/internal/trial"
)

// Resolver is the part of the channel resolver export needs.
type Resolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error)
}

// Sink persists a resolved trial. target is the file the trial belongs in; the
// sink returns the path it actually wrote.
type Sink interface {
	Write(ctx context.Context, target string, res *resolver.Result) (string, error)
}

// Layout returns the participant subdirectory and file extension of a kind's output.
func Layout(kind resolver.Kind) (dir, ext string) {
	switch kind {
	case resolver.KindMarkers:
		return "0_markers", ".trc"
	case resolver.KindEMG:
		return "0_emg", ".sto"
	default:
		return "0_forces", ".sto"
	}
}

// OutputPath is the deterministic output file of an export job.
func OutputPath(job Job) string {
	dir, ext := Layout(job.Kind)
	return filepath.Join(job.ParticipantDir, dir, trial.Stem(job.Trial)+ext)
}

// ExportProcessor resolves a trial's channels and hands the result to a sink.
type ExportProcessor struct {
	resolver Resolver
	sink     Sink
}

func NewExportProcessor(r Resolver, sink Sink) *ExportProcessor {
	return &ExportProcessor{resolver: r, sink: sink}
}

func (p *ExportProcessor) Name() string { return "ExportProcessor" }

func (p *ExportProcessor) Process(ctx context.Context, job Job) (Outcome, error) {
	res, err := p.resolver.Resolve(ctx, resolver.Request{
		Participant: job.Participant,
		Kind:        job.Kind,
		Trial:       job.Trial,
		Attempts:    job.Attempts,
		Targets:     job.Targets,
	})
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		AttemptIndex: res.AttemptIndex,
		Placeholders: res.Placeholders(),
		Frames:       res.Frames(),
	}
	written, err := p.sink.Write(ctx, OutputPath(job), res)
	if err != nil {
		return out, fmt.Errorf("failed to write %s: %w", OutputPath(job), err)
	}
	out.Output = written
	return out, nil
}

// ManifestSink records the effective column mapping of each resolved trial as
// JSON next to the target, for the external format writer to consume.
type ManifestSink struct{}

// ManifestSuffix is appended to the target path.
const ManifestSuffix = ".columns.json"

type manifest struct {
	Trial            string     `json:"trial"`
	Participant      string     `json:"participant"`
	Kind             string     `json:"kind"`
	Attempt          int        `json:"attempt"`
	Labels           []string   `json:"labels"`
	Sources          []string   `json:"sources"`
	Placeholders     []int      `json:"placeholders"`
	Rate             float64    `json:"rate"`
	Frames           int        `json:"frames"`
	IncompleteFrames int        `json:"incomplete_frames"`
	ColumnMeans      []*float64 `json:"column_means"`
}

func (ManifestSink) Write(ctx context.Context, target string, res *resolver.Result) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m := manifest{
		Trial:            res.Trial,
		Participant:      res.Participant,
		Kind:             string(res.Kind),
		Attempt:          res.AttemptIndex,
		Labels:           res.Labels(),
		Sources:          make([]string, len(res.Columns)),
		Placeholders:     res.Placeholders(),
		Rate:             res.Rate,
		Frames:           res.Frames(),
		IncompleteFrames: len(res.IncompleteFrames()),
		ColumnMeans:      columnMeans(res),
	}
	for i, c := range res.Columns {
		m.Sources[i] = c.Source
	}

	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", err
	}
	path := target + ManifestSuffix
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := confdoc.WriteFileAtomic(path, append(data, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// columnMeans averages each column over the frames where it has a sample.
// Columns without any sample have a null mean.
func columnMeans(res *resolver.Result) []*float64 {
	out := make([]*float64, len(res.Columns))
	if res.Samples == nil {
		return out
	}
	for j := range res.Columns {
		col := mat.Col(nil, j, res.Samples)
		var sum float64
		var n int
		for _, v := range col {
			if !math.IsNaN(v) {
				sum += v
				n++
			}
		}
		if n > 0 {
			mean := sum / float64(n)
			out[j] = &mean
		}
	}
	return out
}
