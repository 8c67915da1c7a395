package merge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderSegmentsSortsByNumericSuffix(t *testing.T) {
	in := []string{"/tmp/segment_10.ts", "/tmp/segment_2.ts", "/tmp/segment_1.ts"}
	out := OrderSegments(in)
	assert.Equal(t, []string{"/tmp/segment_1.ts", "/tmp/segment_2.ts", "/tmp/segment_10.ts"}, out)
}

func TestOrderSegmentsFallsBackToLexicographicOnParseFailure(t *testing.T) {
	in := []string{"/tmp/b.ts", "/tmp/a.ts"}
	out := OrderSegments(in)
	assert.Equal(t, []string{"/tmp/a.ts", "/tmp/b.ts"}, out)
}

func TestOrderSegmentsDoesNotMutateInput(t *testing.T) {
	in := []string{"/tmp/segment_2.ts", "/tmp/segment_1.ts"}
	_ = OrderSegments(in)
	assert.Equal(t, "/tmp/segment_2.ts", in[0])
}

func TestHasMuxerFalseForUnknownBinary(t *testing.T) {
	m := New(Config{FFmpegPath: "definitely-not-a-real-binary-xyz"})
	assert.False(t, m.HasMuxer())
}

func TestNewDefaultsFFmpegPath(t *testing.T) {
	m := New(Config{})
	assert.Equal(t, "ffmpeg", m.cfg.FFmpegPath)
}

func TestMergeFallsBackToBinaryConcatWithoutMuxer(t *testing.T) {
	dir := t.TempDir()
	seg0 := filepath.Join(dir, "segment_0.ts")
	seg1 := filepath.Join(dir, "segment_1.ts")
	require.NoError(t, os.WriteFile(seg0, []byte("aaa"), 0o600))
	require.NoError(t, os.WriteFile(seg1, []byte("bbb"), 0o600))

	m := New(Config{FFmpegPath: "definitely-not-a-real-binary-xyz"})
	out := filepath.Join(dir, "final.ts")
	err := m.Merge(t.Context(), []string{seg1, seg0}, out)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "aaabbb", string(got))
}

func TestMergeFailsOnEmptySegmentList(t *testing.T) {
	m := New(Config{FFmpegPath: "definitely-not-a-real-binary-xyz"})
	err := m.Merge(t.Context(), nil, filepath.Join(t.TempDir(), "out.ts"))
	assert.Error(t, err)
}

func TestBinaryConcatAppendsInOrder(t *testing.T) {
	dir := t.TempDir()
	seg0 := filepath.Join(dir, "a.ts")
	seg1 := filepath.Join(dir, "b.ts")
	require.NoError(t, os.WriteFile(seg0, []byte("1"), 0o600))
	require.NoError(t, os.WriteFile(seg1, []byte("2"), 0o600))

	dst := filepath.Join(dir, "out.ts")
	require.NoError(t, binaryConcat([]string{seg0, seg1}, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "12", string(got))
}

func TestWriteConcatListEscapesSingleQuotes(t *testing.T) {
	dir := t.TempDir()
	listPath := filepath.Join(dir, "list.txt")
	seg := filepath.Join(dir, "it's_a_segment.ts")
	require.NoError(t, os.WriteFile(seg, nil, 0o600))

	require.NoError(t, writeConcatList([]string{seg}, listPath))

	content, err := os.ReadFile(listPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), `it'\''s_a_segment.ts`)
}
