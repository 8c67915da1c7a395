// Package config defines the read-only configuration surface the engine
// consumes (§6 of the design). A single typed struct replaces the dynamic
// settings-object/dictionary split the original source mixed together
// (§9 open question 1): every component constructor takes a *Config, never
// a map.
package config

import "time"

// Config is the typed configuration surface consumed by the engine. Zero
// values are not valid configuration; use Default() and override fields.
type Config struct {
	Download    DownloadConfig
	Network     NetworkConfig
	Performance PerformanceConfig
	Advanced    AdvancedConfig
}

// DownloadConfig groups the download.* options of §6.
type DownloadConfig struct {
	MaxConcurrentTasks  int
	MaxWorkersPerTask   int
	MaxRetries          int
	RetryDelay          time.Duration
	RequestTimeout      time.Duration
	ChunkSize           int
	BandwidthLimitBytes int64 // 0 disables limiting
}

// NetworkConfig groups the network.* options of §6.
type NetworkConfig struct {
	Proxy                  string
	UserAgent              string
	VerifySSL              bool
	ConnectionPoolSize     int
	MaxConnectionsPerHost  int
	ConnectionTimeout      time.Duration
	ReadTimeout            time.Duration
	DNSCacheTimeout        time.Duration
	KeepAliveTimeout       time.Duration
}

// PerformanceConfig groups the performance.* options of §6.
type PerformanceConfig struct {
	MemoryLimitMB    int
	BufferSizeMin    int
	BufferSizeMax    int
	BufferSizeDefault int
	GCThresholdMB    int
}

// AdvancedConfig groups the advanced.* options of §6.
type AdvancedConfig struct {
	FFmpegPath    string
	KeepTempFiles bool
}

// Default returns the documented default configuration (§4.B-§4.F, §6).
func Default() *Config {
	return &Config{
		Download: DownloadConfig{
			MaxConcurrentTasks:  3,
			MaxWorkersPerTask:   10,
			MaxRetries:          5,
			RetryDelay:          1 * time.Second,
			RequestTimeout:      30 * time.Second,
			ChunkSize:           64 * 1024,
			BandwidthLimitBytes: 0,
		},
		Network: NetworkConfig{
			Proxy:                 "",
			UserAgent:             "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			VerifySSL:             true,
			ConnectionPoolSize:    20,
			MaxConnectionsPerHost: 8,
			ConnectionTimeout:     30 * time.Second,
			ReadTimeout:           60 * time.Second,
			DNSCacheTimeout:       5 * time.Minute,
			KeepAliveTimeout:      90 * time.Second,
		},
		Performance: PerformanceConfig{
			MemoryLimitMB:     512,
			BufferSizeMin:     8 * 1024,
			BufferSizeMax:     1024 * 1024,
			BufferSizeDefault: 64 * 1024,
			GCThresholdMB:     100,
		},
		Advanced: AdvancedConfig{
			FFmpegPath:    "ffmpeg",
			KeepTempFiles: false,
		},
	}
}

// FromMap overlays recognized options (§6) found in raw onto a copy of
// Default(). Unrecognized keys are ignored; missing ones fall back to
// defaults. This is the one supported entry point for dictionary-shaped
// configuration (e.g. loaded from JSON/YAML/env by the caller), matching
// the open-question decision to keep a single settings shape internally
// while still accepting the external map surface named in §6.
func FromMap(raw map[string]any) *Config {
	c := Default()
	getStr := func(k string, dst *string) {
		if v, ok := raw[k]; ok {
			if s, ok := v.(string); ok {
				*dst = s
			}
		}
	}
	getInt := func(k string, dst *int) {
		if v, ok := raw[k]; ok {
			switch n := v.(type) {
			case int:
				*dst = n
			case int64:
				*dst = int(n)
			case float64:
				*dst = int(n)
			}
		}
	}
	getInt64 := func(k string, dst *int64) {
		if v, ok := raw[k]; ok {
			switch n := v.(type) {
			case int:
				*dst = int64(n)
			case int64:
				*dst = n
			case float64:
				*dst = int64(n)
			}
		}
	}
	getDuration := func(k string, dst *time.Duration) {
		if v, ok := raw[k]; ok {
			switch n := v.(type) {
			case time.Duration:
				*dst = n
			case int:
				*dst = time.Duration(n) * time.Second
			case float64:
				*dst = time.Duration(n * float64(time.Second))
			}
		}
	}
	getBool := func(k string, dst *bool) {
		if v, ok := raw[k]; ok {
			if b, ok := v.(bool); ok {
				*dst = b
			}
		}
	}

	getInt("download.max_concurrent_tasks", &c.Download.MaxConcurrentTasks)
	getInt("download.max_workers_per_task", &c.Download.MaxWorkersPerTask)
	getInt("download.max_retries", &c.Download.MaxRetries)
	getDuration("download.retry_delay", &c.Download.RetryDelay)
	getDuration("download.request_timeout", &c.Download.RequestTimeout)
	getInt("download.chunk_size", &c.Download.ChunkSize)
	getInt64("download.bandwidth_limit", &c.Download.BandwidthLimitBytes)

	getStr("network.proxy", &c.Network.Proxy)
	getStr("network.user_agent", &c.Network.UserAgent)
	getBool("network.verify_ssl", &c.Network.VerifySSL)
	getInt("network.connection_pool_size", &c.Network.ConnectionPoolSize)
	getInt("network.max_connections_per_host", &c.Network.MaxConnectionsPerHost)
	getDuration("network.connection_timeout", &c.Network.ConnectionTimeout)
	getDuration("network.read_timeout", &c.Network.ReadTimeout)
	getDuration("network.dns_cache_timeout", &c.Network.DNSCacheTimeout)
	getDuration("network.keep_alive_timeout", &c.Network.KeepAliveTimeout)

	getInt("performance.memory_limit_mb", &c.Performance.MemoryLimitMB)
	getInt("performance.buffer_size_min", &c.Performance.BufferSizeMin)
	getInt("performance.buffer_size_max", &c.Performance.BufferSizeMax)
	getInt("performance.buffer_size_default", &c.Performance.BufferSizeDefault)
	getInt("performance.gc_threshold_mb", &c.Performance.GCThresholdMB)

	getStr("advanced.ffmpeg_path", &c.Advanced.FFmpegPath)
	getBool("advanced.keep_temp_files", &c.Advanced.KeepTempFiles)

	return c
}
