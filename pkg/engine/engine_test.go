package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jandresen/hlsdl/internal/config"
	"github.com/jandresen/hlsdl/internal/task"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	e, err := New(cfg, Options{RecoveryDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestNewAssemblesEngineWithDefaultConfig(t *testing.T) {
	e := newTestEngine(t)
	assert.NotNil(t, e.manager)
	assert.NotNil(t, e.bus)
}

func TestNewFallsBackToDefaultConfigWhenNil(t *testing.T) {
	e, err := New(nil, Options{RecoveryDir: t.TempDir()})
	require.NoError(t, err)
	defer e.Close()
	assert.NotNil(t, e.manager)
}

func TestAddTaskRejectsMissingFields(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.AddTask(task.Spec{Name: "no url or output"})
	assert.Error(t, err)
}

func TestAddTaskThenGetAndListRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	tk, err := e.AddTask(task.Spec{SourceURL: "https://cdn.example/p.m3u8", OutputPath: t.TempDir() + "/out.mp4"})
	require.NoError(t, err)

	got, ok := e.GetTask(tk.ID)
	require.True(t, ok)
	assert.Equal(t, tk.ID, got.ID)

	all := e.ListTasks()
	assert.Len(t, all, 1)

	pending := e.ListTasksByStatus(task.StatusPending)
	assert.Len(t, pending, 1)
}

func TestGetTaskReportsMissingID(t *testing.T) {
	e := newTestEngine(t)
	_, ok := e.GetTask("does-not-exist")
	assert.False(t, ok)
}

func TestPauseTaskRejectsNonRunningTask(t *testing.T) {
	e := newTestEngine(t)
	tk, err := e.AddTask(task.Spec{SourceURL: "https://cdn.example/p.m3u8", OutputPath: t.TempDir() + "/out.mp4"})
	require.NoError(t, err)
	assert.Error(t, e.PauseTask(tk.ID))
}

func TestRemoveTaskRejectsUnknownID(t *testing.T) {
	e := newTestEngine(t)
	assert.Error(t, e.RemoveTask("does-not-exist", false))
}
