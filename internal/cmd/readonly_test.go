package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetReadOnly(t *testing.T) {
	t.Helper()
	readOnly = false
	require.NoError(t, rootCmd.PersistentFlags().Set("readonly", "false"))
}

func executeReadOnly(t *testing.T, args ...string) error {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	resetReadOnly(t)
	defer resetReadOnly(t)

	rootCmd.SetArgs(append([]string{"--readonly"}, args...))
	rootCmd.SetContext(context.Background())
	defer rootCmd.SetArgs(nil)
	return rootCmd.Execute()
}

func TestRunPipeline_ReadOnly_BlocksLaunch(t *testing.T) {
	err := executeReadOnly(t, "run", "pipeline", "--dataset", "reef_ab12cd34ef", "--pipe", "detector_fish.pipe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly")
}

func TestConvert_ReadOnly_BlocksExecution(t *testing.T) {
	err := executeReadOnly(t, "convert", "--dataset", "reef_ab12cd34ef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly")
}

func TestImport_ReadOnly_BlocksExecution(t *testing.T) {
	err := executeReadOnly(t, "import", "multicam", "--camera", "left=/data/left", "--display", "left")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly")
}

func TestJobsPublish_ReadOnly_BlocksExecution(t *testing.T) {
	err := executeReadOnly(t, "jobs", "publish", "pipeline_1_x", "--dest", "file:///tmp/out")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "readonly")
}
