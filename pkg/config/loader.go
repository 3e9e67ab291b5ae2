package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads diagen.yaml from path, expands environment variables, applies
// defaults, and validates the result. A missing file yields pure defaults
// (the presign secret must then come from the DIAGEN_PRESIGN_SECRET
// environment variable).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = ExpandEnv(data)
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Warn("Config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyDefaults(cfg)

	if cfg.Storage.PresignSecret == "" {
		cfg.Storage.PresignSecret = os.Getenv("DIAGEN_PRESIGN_SECRET")
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	slog.Info("Configuration loaded",
		"path", path,
		"listen_addr", cfg.Server.ListenAddr,
		"connection_ttl", cfg.Registry.TTL,
		"workers", cfg.Queue.WorkerCount)

	return cfg, nil
}

// applyDefaults fills every unset field from the built-in defaults.
// User YAML only needs the values it overrides.
func applyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = DefaultServerConfig()
	} else {
		d := DefaultServerConfig()
		if cfg.Server.ListenAddr == "" {
			cfg.Server.ListenAddr = d.ListenAddr
		}
		if cfg.Server.WriteTimeout == 0 {
			cfg.Server.WriteTimeout = d.WriteTimeout
		}
		if cfg.Server.MaxFrameBytes == 0 {
			cfg.Server.MaxFrameBytes = d.MaxFrameBytes
		}
	}

	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistryConfig()
	} else {
		d := DefaultRegistryConfig()
		if cfg.Registry.TTL == 0 {
			cfg.Registry.TTL = d.TTL
		}
		if cfg.Registry.SweepInterval == 0 {
			cfg.Registry.SweepInterval = d.SweepInterval
		}
	}

	if cfg.Queue == nil {
		cfg.Queue = DefaultQueueConfig()
	} else {
		d := DefaultQueueConfig()
		if cfg.Queue.WorkerCount == 0 {
			cfg.Queue.WorkerCount = d.WorkerCount
		}
		if cfg.Queue.MaxConcurrentJobs == 0 {
			cfg.Queue.MaxConcurrentJobs = d.MaxConcurrentJobs
		}
		if cfg.Queue.PollInterval == 0 {
			cfg.Queue.PollInterval = d.PollInterval
		}
		if cfg.Queue.PollIntervalJitter == 0 {
			cfg.Queue.PollIntervalJitter = d.PollIntervalJitter
		}
		if cfg.Queue.JobTimeout == 0 {
			cfg.Queue.JobTimeout = d.JobTimeout
		}
		if cfg.Queue.GracefulShutdownTimeout == 0 {
			cfg.Queue.GracefulShutdownTimeout = d.GracefulShutdownTimeout
		}
	}

	if cfg.Storage == nil {
		cfg.Storage = DefaultStorageConfig()
	} else {
		d := DefaultStorageConfig()
		if cfg.Storage.RootDir == "" {
			cfg.Storage.RootDir = d.RootDir
		}
		if cfg.Storage.PresignExpiry == 0 {
			cfg.Storage.PresignExpiry = d.PresignExpiry
		}
	}

	if cfg.Client == nil {
		cfg.Client = DefaultClientConfig()
	} else {
		d := DefaultClientConfig()
		if cfg.Client.ReconnectDelay == 0 {
			cfg.Client.ReconnectDelay = d.ReconnectDelay
		}
		if cfg.Client.ChunkSliceBytes == 0 {
			cfg.Client.ChunkSliceBytes = d.ChunkSliceBytes
		}
		if cfg.Client.ChunkSendDelay == 0 {
			cfg.Client.ChunkSendDelay = d.ChunkSendDelay
		}
	}
}

// ValidationError reports a configuration field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func validate(cfg *Config) error {
	if cfg.Storage.PresignSecret == "" {
		return &ValidationError{Field: "storage.presign_secret",
			Message: "required (set in diagen.yaml or DIAGEN_PRESIGN_SECRET)"}
	}
	if cfg.Registry.TTL <= 0 {
		return &ValidationError{Field: "registry.ttl", Message: "must be positive"}
	}
	if cfg.Registry.SweepInterval <= 0 {
		return &ValidationError{Field: "registry.sweep_interval", Message: "must be positive"}
	}
	if cfg.Queue.WorkerCount < 1 {
		return &ValidationError{Field: "queue.worker_count", Message: "must be at least 1"}
	}
	if cfg.Queue.PollIntervalJitter >= cfg.Queue.PollInterval {
		return &ValidationError{Field: "queue.poll_interval_jitter",
			Message: "must be smaller than queue.poll_interval"}
	}
	if cfg.Server.MaxFrameBytes < 1024 {
		return &ValidationError{Field: "server.max_frame_bytes", Message: "must be at least 1024"}
	}
	if cfg.Client.ChunkSliceBytes < 1 {
		return &ValidationError{Field: "client.chunk_slice_bytes", Message: "must be positive"}
	}
	// A raw slice must base64-encode to under the frame limit with headroom
	// for the JSON envelope.
	if int64(cfg.Client.ChunkSliceBytes/3*4) >= cfg.Server.MaxFrameBytes {
		return &ValidationError{Field: "client.chunk_slice_bytes",
			Message: "encoded slice would exceed server.max_frame_bytes"}
	}
	return nil
}
