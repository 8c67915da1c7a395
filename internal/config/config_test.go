package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultProducesNonZeroValues(t *testing.T) {
	c := Default()
	assert.Equal(t, 3, c.Download.MaxConcurrentTasks)
	assert.Equal(t, 10, c.Download.MaxWorkersPerTask)
	assert.Equal(t, int64(0), c.Download.BandwidthLimitBytes)
	assert.True(t, c.Network.VerifySSL)
	assert.Equal(t, 20, c.Network.ConnectionPoolSize)
	assert.Equal(t, "ffmpeg", c.Advanced.FFmpegPath)
}

func TestFromMapOverlaysRecognizedKeysOnDefaults(t *testing.T) {
	raw := map[string]any{
		"download.max_concurrent_tasks": 7,
		"download.bandwidth_limit":      int64(1024),
		"download.retry_delay":          2.5,
		"network.proxy":                 "http://proxy.local:8080",
		"network.verify_ssl":            false,
		"advanced.keep_temp_files":      true,
		"unrecognized.key":              "ignored",
	}
	c := FromMap(raw)

	assert.Equal(t, 7, c.Download.MaxConcurrentTasks)
	assert.Equal(t, int64(1024), c.Download.BandwidthLimitBytes)
	assert.Equal(t, time.Duration(2.5*float64(time.Second)), c.Download.RetryDelay)
	assert.Equal(t, "http://proxy.local:8080", c.Network.Proxy)
	assert.False(t, c.Network.VerifySSL)
	assert.True(t, c.Advanced.KeepTempFiles)

	// Untouched fields keep their defaults.
	assert.Equal(t, 10, c.Download.MaxWorkersPerTask)
}

func TestFromMapIgnoresWrongTypedValues(t *testing.T) {
	raw := map[string]any{
		"download.max_concurrent_tasks": "seven", // wrong type, should be ignored
	}
	c := FromMap(raw)
	assert.Equal(t, Default().Download.MaxConcurrentTasks, c.Download.MaxConcurrentTasks)
}
