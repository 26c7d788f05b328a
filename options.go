package zerofish

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultHashMB          = 16
	defaultMaxMultiPV      = 5
	maxAllowedMultiPV      = 256
	defaultStartTimeout    = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultDrainTimeout    = 500 * time.Millisecond
)

type Config struct {
	// BinaryPath is the primary engine; empty means "stockfish" from PATH.
	BinaryPath string
	// ZeroBinaryPath is the network-driven engine; empty means "lc0" from PATH if present.
	ZeroBinaryPath string
	// WeightsDir receives weight payloads handed to the network-driven engine.
	WeightsDir string

	// PoolSize is the number of workers and therefore of network slots.
	PoolSize                 int
	PerEngineThreads         int
	TotalHashMB              int
	PerEngineHashMB          int
	MaxMultiPV               int
	StartTimeout             time.Duration
	ShutdownTimeout          time.Duration
	DrainTimeout             time.Duration
	AllowUnsafeCPUOvercommit bool

	// Fetcher supplies network weights by key. Required.
	Fetcher Fetcher
	// Factory replaces the built-in process factory.
	Factory Factory
	Logger  *zerolog.Logger
	OnLine  LineObserver
}

type validatedConfig struct {
	binaryPath       string
	zeroBinaryPath   string
	weightsDir       string
	poolSize         int
	perEngineThreads int
	perEngineHashMB  int
	maxMultiPV       int
	startTimeout     time.Duration
	shutdownTimeout  time.Duration
	drainTimeout     time.Duration
	fetcher          Fetcher
	factory          Factory
	logger           zerolog.Logger
	onLine           LineObserver
}

func validateConfig(cfg Config) (validatedConfig, error) {
	poolSize := cfg.PoolSize
	if poolSize < 0 {
		return validatedConfig{}, fmt.Errorf("pool size must be >= 1")
	}
	if poolSize == 0 {
		poolSize = 1
	}

	perEngineThreads := cfg.PerEngineThreads
	if perEngineThreads < 0 {
		return validatedConfig{}, fmt.Errorf("per-engine threads must be >= 1")
	}
	if perEngineThreads == 0 {
		perEngineThreads = 1
	}

	if cfg.Factory == nil && !cfg.AllowUnsafeCPUOvercommit {
		cpuCount := runtime.NumCPU()
		if cpuCount < 1 {
			cpuCount = 1
		}
		if poolSize > cpuCount {
			return validatedConfig{}, fmt.Errorf("pool size %d exceeds CPU count %d", poolSize, cpuCount)
		}
		if poolSize*perEngineThreads > cpuCount {
			return validatedConfig{}, fmt.Errorf("pool_size*per_engine_threads exceeds CPU count (%d > %d)", poolSize*perEngineThreads, cpuCount)
		}
	}

	perEngineHashMB := cfg.PerEngineHashMB
	if cfg.TotalHashMB > 0 {
		perEngineHashMB = cfg.TotalHashMB / poolSize
	}
	if perEngineHashMB <= 0 {
		perEngineHashMB = defaultHashMB
	}

	maxMultiPV := cfg.MaxMultiPV
	if maxMultiPV < 0 {
		return validatedConfig{}, fmt.Errorf("max multipv must be >= 0")
	}
	if maxMultiPV == 0 {
		maxMultiPV = defaultMaxMultiPV
	}
	if maxMultiPV > maxAllowedMultiPV {
		return validatedConfig{}, fmt.Errorf("max multipv must be <= %d", maxAllowedMultiPV)
	}

	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = defaultStartTimeout
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	drainTimeout := cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}

	if cfg.Fetcher == nil {
		return validatedConfig{}, fmt.Errorf("resource fetcher is required")
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	weightsDir := strings.TrimSpace(cfg.WeightsDir)
	if weightsDir == "" {
		weightsDir = os.TempDir()
	}

	normalized := validatedConfig{
		weightsDir:       weightsDir,
		poolSize:         poolSize,
		perEngineThreads: perEngineThreads,
		perEngineHashMB:  perEngineHashMB,
		maxMultiPV:       maxMultiPV,
		startTimeout:     startTimeout,
		shutdownTimeout:  shutdownTimeout,
		drainTimeout:     drainTimeout,
		fetcher:          cfg.Fetcher,
		factory:          cfg.Factory,
		logger:           logger,
		onLine:           cfg.OnLine,
	}

	if normalized.factory == nil {
		binaryPath, err := resolveBinaryPath(cfg.BinaryPath, "stockfish")
		if err != nil {
			return validatedConfig{}, err
		}
		normalized.binaryPath = binaryPath
		if strings.TrimSpace(cfg.ZeroBinaryPath) != "" {
			zeroBinaryPath, err := resolveBinaryPath(cfg.ZeroBinaryPath, "lc0")
			if err != nil {
				return validatedConfig{}, err
			}
			normalized.zeroBinaryPath = zeroBinaryPath
		} else if found, err := exec.LookPath("lc0"); err == nil {
			normalized.zeroBinaryPath = found
		}
		normalized.factory = processFactory(normalized)
	}

	return normalized, nil
}

func resolveBinaryPath(configuredPath, fallback string) (string, error) {
	trimmed := strings.TrimSpace(configuredPath)
	if trimmed != "" {
		if found, err := exec.LookPath(trimmed); err == nil {
			return found, nil
		}
	}

	if found, err := exec.LookPath(fallback); err == nil {
		return found, nil
	}

	if trimmed == "" {
		return "", fmt.Errorf("%s binary not found in PATH", fallback)
	}
	return "", fmt.Errorf("%s binary not found at %q and default lookup failed", fallback, trimmed)
}
