// Package config loads and validates diagen server and client configuration.
package config

import "time"

// Config is the umbrella configuration object returned by Load() and used
// throughout the application.
type Config struct {
	Server   *ServerConfig   `yaml:"server"`
	Registry *RegistryConfig `yaml:"registry"`
	Queue    *QueueConfig    `yaml:"queue"`
	Storage  *StorageConfig  `yaml:"storage"`
	Client   *ClientConfig   `yaml:"client"`
}

// ServerConfig holds HTTP/WebSocket listener settings.
type ServerConfig struct {
	// ListenAddr is the address the HTTP server binds to, e.g. ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// PublicBaseURL is the externally reachable base URL used when issuing
	// presigned upload/download URLs (e.g. "https://diagen.example.com").
	// Empty means URLs are issued relative to the request host.
	PublicBaseURL string `yaml:"public_base_url"`

	// AllowedWSOrigins is the WebSocket origin allowlist. Empty accepts all
	// origins (development mode).
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`

	// WriteTimeout bounds a single WebSocket send.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxFrameBytes is the largest single inbound WebSocket frame accepted.
	// Payloads above this must use the chunked analyze_start/chunk/end triad.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

// RegistryConfig controls the durable connection registry.
type RegistryConfig struct {
	// TTL is the bounded lifetime of a connection record. Records past
	// expiry are eligible for sweep eviction; a record is also considered
	// dead for delivery purposes once expired, even before the sweep runs.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often expired records are evicted.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// QueueConfig contains job queue and worker pool configuration.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica.
	WorkerCount int `yaml:"worker_count"`

	// MaxConcurrentJobs is the global limit of jobs in progress across all
	// replicas, enforced by a database COUNT(*) check.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// PollInterval is the base interval for checking pending jobs.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter"`

	// JobTimeout is the maximum time one job may execute.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// GracefulShutdownTimeout is the max time to wait for active jobs to
	// finish during shutdown.
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
}

// StorageConfig controls the object store and presigned URLs.
type StorageConfig struct {
	// RootDir is the filesystem root of the object store.
	RootDir string `yaml:"root_dir"`

	// PresignSecret signs presigned upload/download URLs. Required.
	PresignSecret string `yaml:"presign_secret"`

	// PresignExpiry is how long an issued presigned URL stays valid.
	PresignExpiry time.Duration `yaml:"presign_expiry"`
}

// ClientConfig holds client-session settings shared by diagenctl and any
// embedding UI.
type ClientConfig struct {
	// ReconnectDelay is the fixed delay before the single reconnect attempt
	// after an abnormal close.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ChunkSliceBytes is the raw-byte size of one analyze_chunk slice.
	ChunkSliceBytes int `yaml:"chunk_slice_bytes"`

	// ChunkSendDelay is the pause between consecutive slices.
	ChunkSendDelay time.Duration `yaml:"chunk_send_delay"`
}

// Default values. The registry TTL and reconnect delay mirror the deployed
// system this service replaces.
const (
	DefaultConnectionTTL  = 2 * time.Hour
	DefaultReconnectDelay = 3 * time.Second
	DefaultPresignExpiry  = time.Hour

	// DefaultMaxFrameBytes matches the transport frame limit observed in
	// production (~32 KiB); larger analyze payloads are chunked.
	DefaultMaxFrameBytes = 32 * 1024

	// DefaultChunkSliceBytes keeps a base64-encoded slice plus its JSON
	// envelope safely under the frame limit (21 KiB raw ≈ 28 KiB encoded).
	DefaultChunkSliceBytes = 21 * 1024
)

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:    ":8080",
		WriteTimeout:  10 * time.Second,
		MaxFrameBytes: DefaultMaxFrameBytes,
	}
}

// DefaultRegistryConfig returns the built-in registry defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		TTL:           DefaultConnectionTTL,
		SweepInterval: 5 * time.Minute,
	}
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		MaxConcurrentJobs:       5,
		PollInterval:            1 * time.Second,
		PollIntervalJitter:      500 * time.Millisecond,
		JobTimeout:              15 * time.Minute,
		GracefulShutdownTimeout: 15 * time.Minute,
	}
}

// DefaultStorageConfig returns the built-in storage defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		RootDir:       "./data/objects",
		PresignExpiry: DefaultPresignExpiry,
	}
}

// DefaultClientConfig returns the built-in client defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ReconnectDelay:  DefaultReconnectDelay,
		ChunkSliceBytes: DefaultChunkSliceBytes,
		ChunkSendDelay:  50 * time.Millisecond,
	}
}
