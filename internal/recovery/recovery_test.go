package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestCreateAndSaveRoundTripsThroughDisk(t *testing.T) {
	s := newTestStore(t)
	s.Create("task-1", "episode 1", "https://cdn.example/playlist.m3u8", "/tmp/out.mp4", 10)

	loaded, err := s.Load("task-1")
	require.NoError(t, err)
	assert.Equal(t, 10, loaded.TotalSegments)
	assert.Equal(t, schemaVersion, loaded.RecoveryVersion)
}

func TestMarkCompletePersistsUnconditionally(t *testing.T) {
	s := newTestStore(t)
	s.Create("task-1", "ep", "https://cdn.example/p.m3u8", "/tmp/out.mp4", 2)

	segPath := filepath.Join(t.TempDir(), "segment_0.ts")
	require.NoError(t, os.WriteFile(segPath, []byte("hello"), 0o600))

	require.NoError(t, s.MarkComplete("task-1", 0, 5, segPath))

	info := s.GetResumeInfo("task-1")
	assert.Equal(t, 1, info.CompletedCount)
	assert.Contains(t, info.CompletedIndices, 0)
	assert.Contains(t, info.ResumableIndices, 1)
}

func TestMarkFailedIncrementsRetryCount(t *testing.T) {
	s := newTestStore(t)
	s.Create("task-1", "ep", "https://cdn.example/p.m3u8", "/tmp/out.mp4", 1)

	s.MarkFailed("task-1", 0)
	s.MarkFailed("task-1", 0)

	h := s.handle("task-1")
	h.mu.Lock()
	seg := h.session.Segments[0]
	h.mu.Unlock()
	assert.Equal(t, 2, seg.RetryCount)
	assert.Equal(t, SegInvalid, seg.State)
}

func TestCanResumeReflectsCompletedSegments(t *testing.T) {
	s := newTestStore(t)
	s.Create("task-1", "ep", "https://cdn.example/p.m3u8", "/tmp/out.mp4", 1)
	assert.False(t, s.CanResume("task-1"))

	segPath := filepath.Join(t.TempDir(), "segment_0.ts")
	require.NoError(t, os.WriteFile(segPath, []byte("hi"), 0o600))
	require.NoError(t, s.MarkComplete("task-1", 0, 2, segPath))
	assert.True(t, s.CanResume("task-1"))
}

func TestLoadMarksCorruptedWhenOnDiskFileMismatches(t *testing.T) {
	s := newTestStore(t)
	s.Create("task-1", "ep", "https://cdn.example/p.m3u8", "/tmp/out.mp4", 1)

	segPath := filepath.Join(t.TempDir(), "segment_0.ts")
	require.NoError(t, os.WriteFile(segPath, []byte("original"), 0o600))
	require.NoError(t, s.MarkComplete("task-1", 0, int64(len("original")), segPath))

	// Truncate the segment file after it was marked complete.
	require.NoError(t, os.WriteFile(segPath, []byte("x"), 0o600))

	loaded, err := s.Load("task-1")
	require.NoError(t, err)
	assert.Equal(t, SegCorrupted, loaded.Segments[0].State)
}

func TestCleanupRemovesRecordAndBackups(t *testing.T) {
	s := newTestStore(t)
	s.Create("task-1", "ep", "https://cdn.example/p.m3u8", "/tmp/out.mp4", 1)
	require.NoError(t, s.Save("task-1"))

	require.NoError(t, s.Cleanup("task-1"))
	_, err := os.Stat(s.path("task-1"))
	assert.True(t, os.IsNotExist(err))
	backups, _ := filepath.Glob(filepath.Join(s.dir, "backups", "task-1-*.yaml"))
	assert.Empty(t, backups)
}

func TestListAllEnumeratesPersistedSessions(t *testing.T) {
	s := newTestStore(t)
	s.Create("task-1", "ep", "https://cdn.example/p.m3u8", "/tmp/out1.mp4", 1)
	s.Create("task-2", "ep", "https://cdn.example/p.m3u8", "/tmp/out2.mp4", 1)

	ids, err := s.ListAll()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, ids)
}

func TestCompletionPercentReflectsCompletedFraction(t *testing.T) {
	rs := &RecoverySession{
		TotalSegments: 4,
		Segments: map[int]*SegmentRecoveryInfo{
			0: {State: SegComplete},
			1: {State: SegComplete},
			2: {State: SegPartial},
		},
	}
	assert.InDelta(t, 50.0, rs.CompletionPercent(), 0.01)
}
