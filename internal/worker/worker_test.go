// internal/worker/worker_test.go
package worker_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/resolver"
	"github.com/xkilldash9x/osimpipe/internal/trial"
	"github.com/xkilldash9x/osimpipe/internal/worker"
)

// mockProcessor is a testify mock of worker.Processor.
type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Name() string { return "mockProcessor" }

func (m *mockProcessor) Process(ctx context.Context, job worker.Job) (worker.Outcome, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(worker.Outcome), args.Error(1)
}

func TestNew_RequiresProcessor(t *testing.T) {
	_, err := worker.New(zap.NewNop())
	assert.Error(t, err)
}

func TestWithExport_RegistersEveryKind(t *testing.T) {
	w, err := worker.New(zap.NewNop(), worker.WithExport(&fakeResolver{err: errors.New("boom")}, &fakeSink{}))
	require.NoError(t, err)

	for _, k := range resolver.Kinds {
		t.Run(string(k), func(t *testing.T) {
			_, err := w.ProcessJob(context.Background(), worker.Job{Type: worker.ExportTask(k), Kind: k, Trial: "walk1.csv"})
			require.Error(t, err)
			assert.NotContains(t, err.Error(), "no processor registered")
			assert.Contains(t, err.Error(), "boom")
		})
	}
}

func TestProcessJob(t *testing.T) {
	job := worker.Job{Type: worker.TaskExportEMG, Participant: "dapo", Trial: "/data/walk1.csv"}

	t.Run("should dispatch to the registered processor", func(t *testing.T) {
		p := new(mockProcessor)
		p.On("Process", mock.Anything, job).Return(worker.Outcome{Output: "out.sto", Frames: 10}, nil).Once()

		w, err := worker.New(zap.NewNop(), worker.WithProcessors(map[worker.TaskType]worker.Processor{worker.TaskExportEMG: p}))
		require.NoError(t, err)

		out, err := w.ProcessJob(context.Background(), job)
		require.NoError(t, err)
		assert.Equal(t, "out.sto", out.Output)
		assert.Equal(t, 10, out.Frames)
		p.AssertExpectations(t)
	})

	t.Run("should wrap processor errors with the job id", func(t *testing.T) {
		cause := errors.New("disk full")
		p := new(mockProcessor)
		p.On("Process", mock.Anything, job).Return(worker.Outcome{}, cause).Once()

		w, err := worker.New(zap.NewNop(), worker.WithProcessors(map[worker.TaskType]worker.Processor{worker.TaskExportEMG: p}))
		require.NoError(t, err)

		_, err = w.ProcessJob(context.Background(), job)
		require.ErrorIs(t, err, cause)
		assert.Contains(t, err.Error(), "dapo/export_emg/walk1")
	})

	t.Run("should reject an unknown task type", func(t *testing.T) {
		p := new(mockProcessor)
		w, err := worker.New(zap.NewNop(), worker.WithProcessors(map[worker.TaskType]worker.Processor{worker.TaskExportEMG: p}))
		require.NoError(t, err)

		_, err = w.ProcessJob(context.Background(), worker.Job{Type: "NON_EXISTENT_TASK"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no processor registered for task type 'NON_EXISTENT_TASK'")
		p.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
	})
}

func TestParseTaskType(t *testing.T) {
	cases := map[string]worker.TaskType{
		"ik":                  worker.TaskInverseKinematics,
		"ID":                  worker.TaskInverseDynamics,
		"so":                  worker.TaskStaticOptimization,
		"muscle_analysis":     worker.TaskMuscleAnalysis,
		"jr":                  worker.TaskJointReaction,
		"export_markers":      worker.TaskExportMarkers,
		"export_analogs":      worker.TaskExportAnalogs,
		"static_optimization": worker.TaskStaticOptimization,
		"scale":               worker.TaskScale,
		"Scaling":             worker.TaskScale,
	}
	for in, want := range cases {
		got, err := worker.ParseTaskType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := worker.ParseTaskType("scaling_factor")
	assert.Error(t, err)
}

func TestJobID(t *testing.T) {
	job := worker.Job{Type: worker.TaskInverseKinematics, Participant: "yoda", Trial: "/p/yoda/0_markers/run.2.trc"}
	assert.Equal(t, "yoda/inverse_kinematics/run.2", job.ID())
	assert.Equal(t, "run.2", trial.Stem(job.Trial))
}
