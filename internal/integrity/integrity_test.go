package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment.ts")
	require.NoError(t, os.WriteFile(path, contents, 0o600))
	return path
}

func TestVerifyFileBasicOnlyChecksNonEmpty(t *testing.T) {
	path := writeTemp(t, []byte("x"))
	res := VerifyFile(path, 0, "", LevelBasic)
	assert.True(t, res.OK)
}

func TestVerifyFileBasicFailsOnEmptyFile(t *testing.T) {
	path := writeTemp(t, nil)
	res := VerifyFile(path, 0, "", LevelBasic)
	assert.False(t, res.OK)
}

func TestVerifyFileChecksumDetectsSizeMismatch(t *testing.T) {
	path := writeTemp(t, []byte("hello world"))
	res := VerifyFile(path, 999, "", LevelChecksum)
	assert.False(t, res.OK)
	assert.Contains(t, res.Reason, "size mismatch")
}

func TestVerifyFileChecksumMatchesRecordedHash(t *testing.T) {
	data := []byte("segment payload")
	path := writeTemp(t, data)
	sum, err := Checksum(path)
	require.NoError(t, err)

	res := VerifyFile(path, int64(len(data)), sum, LevelChecksum)
	assert.True(t, res.OK)
}

func TestVerifyFileChecksumRejectsWrongHash(t *testing.T) {
	data := []byte("segment payload")
	path := writeTemp(t, data)
	res := VerifyFile(path, int64(len(data)), "deadbeef", LevelChecksum)
	assert.False(t, res.OK)
}

func TestVerifyFileContentDetectsMissingTSSyncByte(t *testing.T) {
	path := writeTemp(t, []byte("not a transport stream"))
	res := VerifyFile(path, 0, "", LevelContent)
	assert.False(t, res.OK)
}

func TestVerifyFileContentAcceptsValidTSSyncByte(t *testing.T) {
	packet := make([]byte, tsPacketSize)
	packet[0] = tsSyncByte
	path := writeTemp(t, packet)
	res := VerifyFile(path, 0, "", LevelContent)
	assert.True(t, res.OK)
}

func TestVerifyFileMissingPathFails(t *testing.T) {
	res := VerifyFile(filepath.Join(t.TempDir(), "missing.ts"), 0, "", LevelBasic)
	assert.False(t, res.OK)
}
