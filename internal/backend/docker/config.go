package docker

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for Docker driver configuration.
const (
	envSandboxRuntime = "KILN_DOCKER_SANDBOX_RUNTIME"
	envMemoryMB       = "KILN_DOCKER_MEMORY_MB"
	envPidsLimit      = "KILN_DOCKER_PIDS_LIMIT"
	envNetwork        = "KILN_DOCKER_NETWORK"
	envBuildTimeout   = "KILN_DOCKER_BUILD_TIMEOUT"
)

// Defaults applied by LoadConfig.
const (
	DefaultSandboxRuntime = "runsc"
	DefaultMemoryMB       = 256
	DefaultPidsLimit      = 128
	DefaultNetwork        = "none"
	DefaultBuildTimeout   = 5 * time.Minute

	// MaxOutputBytes caps the captured stdout and stderr of a single run.
	MaxOutputBytes = 1 << 20
)

// Config holds configuration shared by both Docker driver variants.
type Config struct {
	// SandboxRuntime is the OCI runtime name the sandboxed variant requests.
	SandboxRuntime string

	// MemoryMB is the memory limit per container. Zero means unlimited.
	MemoryMB int64

	// PidsLimit caps the number of processes per container. Zero means unlimited.
	PidsLimit int64

	// Network is the container network mode.
	Network string

	// BuildTimeout bounds a single image build.
	BuildTimeout time.Duration
}

// LoadConfig reads Docker driver configuration from environment variables,
// applying sensible defaults for values not set.
func LoadConfig() Config {
	cfg := Config{
		SandboxRuntime: DefaultSandboxRuntime,
		MemoryMB:       DefaultMemoryMB,
		PidsLimit:      DefaultPidsLimit,
		Network:        DefaultNetwork,
		BuildTimeout:   DefaultBuildTimeout,
	}

	if v := os.Getenv(envSandboxRuntime); v != "" {
		cfg.SandboxRuntime = v
	}
	if v := os.Getenv(envMemoryMB); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.MemoryMB = n
		}
	}
	if v := os.Getenv(envPidsLimit); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.PidsLimit = n
		}
	}
	if v := os.Getenv(envNetwork); v != "" {
		cfg.Network = v
	}
	if v := os.Getenv(envBuildTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.BuildTimeout = d
		}
	}

	return cfg
}
