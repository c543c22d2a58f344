package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osimpipe/internal/confdoc"
	"github.com/xkilldash9x/osimpipe/internal/worker"
)

const ikSetup = `<?xml version="1.0" encoding="UTF-8" ?>
<OpenSimDocument Version="30000">
	<InverseKinematicsTool name="generic">
		<model_file>Unassigned</model_file>
		<marker_file>Unassigned</marker_file>
		<output_motion_file>Unassigned</output_motion_file>
		<time_range> 0 1</time_range>
	</InverseKinematicsTool>
</OpenSimDocument>
`

type recordingRunner struct {
	setups []string
	err    error
}

func (r *recordingRunner) Run(_ context.Context, setup string) error {
	r.setups = append(r.setups, setup)
	return r.err
}

func writeSetupTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wu_ik.xml"), []byte(ikSetup), 0o644))
	return dir
}

func TestDefaultToolSpecs(t *testing.T) {
	specs := worker.DefaultToolSpecs("/templates", "wu")
	require.Len(t, specs, 5)

	ik := specs[worker.TaskInverseKinematics]
	assert.Equal(t, filepath.Join("/templates", "wu_ik.xml"), ik.Template)
	assert.Equal(t, "0_markers", ik.InputDir)
	assert.Equal(t, ".trc", ik.InputExt)
	assert.Equal(t, "1_inverse_kinematic", ik.OutputDir)
	assert.Equal(t, "wu_scaled.osim", ik.Model)

	for _, tt := range []worker.TaskType{worker.TaskInverseDynamics, worker.TaskStaticOptimization, worker.TaskMuscleAnalysis, worker.TaskJointReaction} {
		assert.Equal(t, "1_inverse_kinematic", specs[tt].InputDir, tt)
	}
	assert.Equal(t, "5_joint_reaction_force", specs[worker.TaskJointReaction].OutputDir)

	id := specs[worker.TaskInverseDynamics]
	assert.Equal(t, filepath.Join("/templates", "forces_sensor.xml"), id.LoadsTemplate)
	assert.Equal(t, "0_forces", id.ForcesDir)
	assert.True(t, id.WindowFromInput)
	assert.False(t, ik.WindowFromInput)
	assert.Empty(t, ik.LoadsTemplate)
}

func TestToolProcessor(t *testing.T) {
	templates := writeSetupTemplate(t)
	spec := worker.DefaultToolSpecs(templates, "wu")[worker.TaskInverseKinematics]
	pdir := filepath.Join(t.TempDir(), "dapo")
	trial := filepath.Join(pdir, "0_markers", "walk1.trc")

	doc, err := confdoc.Parse([]byte(`{"onset": {"walk1": [0.5, 2]}}`))
	require.NoError(t, err)
	job := worker.Job{
		Type:           worker.TaskInverseKinematics,
		Participant:    "dapo",
		Trial:          trial,
		ParticipantDir: pdir,
		Document:       doc,
	}

	t.Run("should render the setup and run the tool", func(t *testing.T) {
		runner := &recordingRunner{}
		out, err := worker.NewToolProcessor(spec, runner, zap.NewNop()).Process(context.Background(), job)
		require.NoError(t, err)

		setup := filepath.Join(pdir, "_xml", "walk1_ik.xml")
		assert.Equal(t, []string{setup}, runner.setups)
		assert.Equal(t, filepath.Join(pdir, "1_inverse_kinematic", "walk1.mot"), out.Output)

		written := etree.NewDocument()
		require.NoError(t, written.ReadFromFile(setup))
		assert.Equal(t, trial, written.FindElement("//marker_file").Text())
		assert.Equal(t, filepath.Join(pdir, "_models", "wu_scaled.osim"), written.FindElement("//model_file").Text())
		assert.Equal(t, "0.5 2", written.FindElement("//time_range").Text())
		assert.Equal(t, "walk1", written.FindElement("//InverseKinematicsTool").SelectAttrValue("name", ""))
	})

	t.Run("should surface runner failures", func(t *testing.T) {
		cause := errors.New("exit status 1")
		runner := &recordingRunner{err: cause}
		_, err := worker.NewToolProcessor(spec, runner, zap.NewNop()).Process(context.Background(), job)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("should not run on invalid onsets", func(t *testing.T) {
		bad, err := confdoc.Parse([]byte(`{"onset": {"walk1": [3, 1]}}`))
		require.NoError(t, err)
		badJob := job
		badJob.Document = bad

		runner := &recordingRunner{}
		_, err = worker.NewToolProcessor(spec, runner, zap.NewNop()).Process(context.Background(), badJob)
		assert.Error(t, err)
		assert.Empty(t, runner.setups)
	})

	t.Run("should be registered through WithTools", func(t *testing.T) {
		runner := &recordingRunner{}
		w, err := worker.New(zap.NewNop(), worker.WithTools(map[worker.TaskType]worker.ToolSpec{worker.TaskInverseKinematics: spec}, runner, zap.NewNop()))
		require.NoError(t, err)

		_, err = w.ProcessJob(context.Background(), job)
		require.NoError(t, err)
		assert.Len(t, runner.setups, 1)
	})
}

const idSetup = `<?xml version="1.0" encoding="UTF-8" ?>
<OpenSimDocument Version="30000">
	<InverseDynamicsTool name="generic">
		<model_file>Unassigned</model_file>
		<time_range> 0 1</time_range>
		<external_loads_file>generic_loads.xml</external_loads_file>
		<coordinates_file>Unassigned</coordinates_file>
		<lowpass_cutoff_frequency_for_coordinates>-1</lowpass_cutoff_frequency_for_coordinates>
		<results_directory>./</results_directory>
	</InverseDynamicsTool>
</OpenSimDocument>
`

const loadsTemplate = `<?xml version="1.0" encoding="UTF-8" ?>
<OpenSimDocument Version="30000">
	<ExternalLoads name="sensor">
		<objects />
		<datafile>Unassigned</datafile>
		<external_loads_model_kinematics_file>Unassigned</external_loads_model_kinematics_file>
	</ExternalLoads>
</OpenSimDocument>
`

const ikMotion = `walk1
endheader
time	pelvis_tilt
0.40	1
0.41	1
2.10	1
`

func TestToolProcessor_InverseDynamics(t *testing.T) {
	templates := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templates, "wu_id.xml"), []byte(idSetup), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(templates, "forces_sensor.xml"), []byte(loadsTemplate), 0o644))
	spec := worker.DefaultToolSpecs(templates, "wu")[worker.TaskInverseDynamics]

	pdir := filepath.Join(t.TempDir(), "dapo")
	motion := filepath.Join(pdir, "1_inverse_kinematic", "walk1.mot")
	forces := filepath.Join(pdir, "0_forces", "walk1.sto")
	require.NoError(t, os.MkdirAll(filepath.Dir(motion), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(forces), 0o755))
	require.NoError(t, os.WriteFile(motion, []byte(ikMotion), 0o644))
	require.NoError(t, os.WriteFile(forces, []byte("forces\n"), 0o644))

	job := func(raw string) worker.Job {
		doc, err := confdoc.Parse([]byte(raw))
		require.NoError(t, err)
		return worker.Job{
			Type:           worker.TaskInverseDynamics,
			Participant:    "dapo",
			Trial:          motion,
			ParticipantDir: pdir,
			Document:       doc,
		}
	}
	setup := filepath.Join(pdir, "_xml", "walk1_id.xml")
	readSetup := func(t *testing.T) *etree.Document {
		t.Helper()
		doc := etree.NewDocument()
		require.NoError(t, doc.ReadFromFile(setup))
		return doc
	}

	t.Run("should render per-trial external loads", func(t *testing.T) {
		runner := &recordingRunner{}
		_, err := worker.NewToolProcessor(spec, runner, zap.NewNop()).Process(context.Background(), job(`{}`))
		require.NoError(t, err)

		loadsPath := filepath.Join(pdir, "_xml", "walk1_id_loads.xml")
		assert.Equal(t, loadsPath, readSetup(t).FindElement("//external_loads_file").Text())

		loads := etree.NewDocument()
		require.NoError(t, loads.ReadFromFile(loadsPath))
		assert.Equal(t, forces, loads.FindElement("//datafile").Text())
		assert.Equal(t, motion, loads.FindElement("//external_loads_model_kinematics_file").Text())
	})

	t.Run("should use the motion span without onsets", func(t *testing.T) {
		runner := &recordingRunner{}
		_, err := worker.NewToolProcessor(spec, runner, zap.NewNop()).Process(context.Background(), job(`{}`))
		require.NoError(t, err)
		assert.Equal(t, "0.4 2.1", readSetup(t).FindElement("//time_range").Text())
		assert.Equal(t, "6", readSetup(t).FindElement("//lowpass_cutoff_frequency_for_coordinates").Text())
	})

	t.Run("should pad onset windows", func(t *testing.T) {
		padded := spec
		padded.OnsetPadding = 0.25
		runner := &recordingRunner{}
		_, err := worker.NewToolProcessor(padded, runner, zap.NewNop()).Process(context.Background(), job(`{"onset": {"walk1": [0.5, 2]}}`))
		require.NoError(t, err)
		assert.Equal(t, "0.25 2.25", readSetup(t).FindElement("//time_range").Text())
	})

	t.Run("should fail without force data", func(t *testing.T) {
		other := filepath.Join(pdir, "1_inverse_kinematic", "walk2.mot")
		require.NoError(t, os.WriteFile(other, []byte(ikMotion), 0o644))
		j := job(`{}`)
		j.Trial = other

		runner := &recordingRunner{}
		_, err := worker.NewToolProcessor(spec, runner, zap.NewNop()).Process(context.Background(), j)
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.Empty(t, runner.setups)
	})
}

func TestExecRunner(t *testing.T) {
	setup := filepath.Join(t.TempDir(), "walk1_ik.xml")

	fakeTool := func(t *testing.T, body string) string {
		t.Helper()
		if runtime.GOOS == "windows" {
			t.Skip("fake tool is a shell script")
		}
		path := filepath.Join(t.TempDir(), "fake-opensim")
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
		return path
	}

	t.Run("should run the tool on the setup file", func(t *testing.T) {
		calls := filepath.Join(t.TempDir(), "calls")
		tool := fakeTool(t, `echo "$1 $2" >> `+calls+"\n")

		r := worker.NewExecRunner(tool, 0, 0, zap.NewNop())
		require.NoError(t, r.Run(context.Background(), setup))

		data, err := os.ReadFile(calls)
		require.NoError(t, err)
		assert.Equal(t, "run-tool "+setup+"\n", string(data))
	})

	t.Run("should report the tool output on failure", func(t *testing.T) {
		tool := fakeTool(t, "echo 'model file not found' >&2\nexit 3\n")

		err := worker.NewExecRunner(tool, 0, 0, zap.NewNop()).Run(context.Background(), setup)
		var te *worker.ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, "model file not found", te.Output)
		assert.Contains(t, err.Error(), "exit status 3")
	})

	t.Run("should fail for a missing executable", func(t *testing.T) {
		r := worker.NewExecRunner("osimpipe-no-such-tool", 0, 0, zap.NewNop())
		err := r.Run(context.Background(), setup)
		var te *worker.ToolError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, setup, te.Setup)
	})

	t.Run("should stop waiting for a launch slot when cancelled", func(t *testing.T) {
		r := worker.NewExecRunner("osimpipe-no-such-tool", 0.001, 1, zap.NewNop())
		// the first launch consumes the only token
		_ = r.Run(context.Background(), setup)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := r.Run(ctx, setup)
		require.Error(t, err)
		var te *worker.ToolError
		assert.False(t, errors.As(err, &te))
	})
}
