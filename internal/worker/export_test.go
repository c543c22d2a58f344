package worker_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/xkilldash9x/osimpipe/internal/resolver"
	"github.com/xkilldash9x/osimpipe/internal/worker"
)

type fakeResolver struct {
	res *resolver.Result
	err error
	got []resolver.Request
}

func (f *fakeResolver) Resolve(_ context.Context, req resolver.Request) (*resolver.Result, error) {
	f.got = append(f.got, req)
	return f.res, f.err
}

type fakeSink struct {
	targets []string
	err     error
}

func (f *fakeSink) Write(_ context.Context, target string, _ *resolver.Result) (string, error) {
	f.targets = append(f.targets, target)
	if f.err != nil {
		return "", f.err
	}
	return target, nil
}

func emgResult() *resolver.Result {
	nan := math.NaN()
	return &resolver.Result{
		Participant:  "dapo",
		Trial:        "/raw/dapo/walk1.csv",
		Kind:         resolver.KindEMG,
		AttemptIndex: 1,
		Columns: []resolver.Column{
			{Label: "deltant", Source: "EMG1"},
			{Label: "deltmed", Placeholder: true},
			{Label: "deltpost", Source: "EMG3"},
		},
		Samples: mat.NewDense(3, 3, []float64{
			1, nan, 10,
			2, nan, nan,
			3, nan, 20,
		}),
		Rate: 1000,
	}
}

func TestLayout(t *testing.T) {
	dir, ext := worker.Layout(resolver.KindMarkers)
	assert.Equal(t, "0_markers", dir)
	assert.Equal(t, ".trc", ext)

	dir, ext = worker.Layout(resolver.KindEMG)
	assert.Equal(t, "0_emg", dir)
	assert.Equal(t, ".sto", ext)

	dir, ext = worker.Layout(resolver.KindAnalogs)
	assert.Equal(t, "0_forces", dir)
	assert.Equal(t, ".sto", ext)

	job := worker.Job{Kind: resolver.KindEMG, ParticipantDir: "/p/dapo", Trial: "/raw/walk1.csv"}
	assert.Equal(t, filepath.Join("/p/dapo", "0_emg", "walk1.sto"), worker.OutputPath(job))
}

func TestExportProcessor(t *testing.T) {
	job := worker.Job{
		Type:           worker.TaskExportEMG,
		Participant:    "dapo",
		Trial:          "/raw/dapo/walk1.csv",
		ParticipantDir: "/p/dapo",
		Kind:           resolver.KindEMG,
		Attempts:       []resolver.Attempt{{"A", "B", "C"}, {"EMG1", "", "EMG3"}},
		Targets:        []string{"deltant", "deltmed", "deltpost"},
	}

	t.Run("should resolve and hand the result to the sink", func(t *testing.T) {
		r := &fakeResolver{res: emgResult()}
		sink := &fakeSink{}
		p := worker.NewExportProcessor(r, sink)

		out, err := p.Process(context.Background(), job)
		require.NoError(t, err)

		require.Len(t, r.got, 1)
		assert.Equal(t, job.Attempts, r.got[0].Attempts)
		assert.Equal(t, job.Targets, r.got[0].Targets)
		assert.Equal(t, []string{filepath.Join("/p/dapo", "0_emg", "walk1.sto")}, sink.targets)
		assert.Equal(t, 1, out.AttemptIndex)
		assert.Equal(t, []int{1}, out.Placeholders)
		assert.Equal(t, 3, out.Frames)
		assert.Equal(t, sink.targets[0], out.Output)
	})

	t.Run("should not write when resolution fails", func(t *testing.T) {
		r := &fakeResolver{err: &resolver.NoAssignmentMatchedError{Participant: "dapo", Trial: job.Trial, Kind: resolver.KindEMG}}
		sink := &fakeSink{}

		_, err := worker.NewExportProcessor(r, sink).Process(context.Background(), job)
		var nm *resolver.NoAssignmentMatchedError
		require.ErrorAs(t, err, &nm)
		assert.Empty(t, sink.targets)
	})

	t.Run("should report sink failures with the resolution outcome", func(t *testing.T) {
		r := &fakeResolver{res: emgResult()}
		sink := &fakeSink{err: os.ErrPermission}

		out, err := worker.NewExportProcessor(r, sink).Process(context.Background(), job)
		require.ErrorIs(t, err, os.ErrPermission)
		assert.Equal(t, 1, out.AttemptIndex)
		assert.Empty(t, out.Output)
	})
}

func TestManifestSink(t *testing.T) {
	target := filepath.Join(t.TempDir(), "dapo", "0_emg", "walk1.sto")

	path, err := worker.ManifestSink{}.Write(context.Background(), target, emgResult())
	require.NoError(t, err)
	assert.Equal(t, target+worker.ManifestSuffix, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var got struct {
		Kind             string     `json:"kind"`
		Attempt          int        `json:"attempt"`
		Labels           []string   `json:"labels"`
		Sources          []string   `json:"sources"`
		Placeholders     []int      `json:"placeholders"`
		Frames           int        `json:"frames"`
		IncompleteFrames int        `json:"incomplete_frames"`
		ColumnMeans      []*float64 `json:"column_means"`
	}
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &got))

	assert.Equal(t, "emg", got.Kind)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, []string{"deltant", "deltmed", "deltpost"}, got.Labels)
	assert.Equal(t, []string{"EMG1", "", "EMG3"}, got.Sources)
	assert.Equal(t, []int{1}, got.Placeholders)
	assert.Equal(t, 3, got.Frames)
	assert.Equal(t, 1, got.IncompleteFrames)
	require.Len(t, got.ColumnMeans, 3)
	require.NotNil(t, got.ColumnMeans[0])
	assert.InDelta(t, 2.0, *got.ColumnMeans[0], 1e-9)
	assert.Nil(t, got.ColumnMeans[1])
	assert.InDelta(t, 15.0, *got.ColumnMeans[2], 1e-9)
}

func TestManifestSink_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := worker.ManifestSink{}.Write(ctx, filepath.Join(t.TempDir(), "x.sto"), emgResult())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExport_EndToEndWithManifest(t *testing.T) {
	r := &fakeResolver{res: emgResult()}
	w, err := worker.New(zap.NewNop(), worker.WithExport(r, worker.ManifestSink{}))
	require.NoError(t, err)

	dir := t.TempDir()
	out, err := w.ProcessJob(context.Background(), worker.Job{
		Type:           worker.TaskExportEMG,
		Participant:    "dapo",
		Trial:          "walk1.csv",
		ParticipantDir: dir,
		Kind:           resolver.KindEMG,
	})
	require.NoError(t, err)
	assert.FileExists(t, out.Output)
	assert.Equal(t, filepath.Join(dir, "0_emg", "walk1.sto"+worker.ManifestSuffix), out.Output)
}
