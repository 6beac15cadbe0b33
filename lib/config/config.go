// Package config resolves the environment variables every stamp
// sub-command consumes, following the getEnv/getEnvInt convention used
// throughout hypeman's cmd/api/config package.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the environment-derived knobs shared by every sub-command.
type Config struct {
	// AttrsFile is the path to the JSON attribute record for this
	// invocation, named by NIX_ATTRS_JSON_FILE.
	AttrsFile string
	// SourceDateEpoch stamps every tar entry's mtime and is required
	// wherever tar or gzip runs. It is resolved eagerly and required for
	// every sub-command, including those that never run tar or gzip
	// (nix-packing-plan, patch-oci, patch-diffs).
	SourceDateEpoch int64
	// BuildCores bounds gzip worker parallelism, from NIX_BUILD_CORES.
	BuildCores int
	// MaxLowerdirs overrides the sandbox's empirical overlay fan-in cap.
	MaxLowerdirs int
}

const defaultMaxLowerdirs = 28

// Load resolves Config from the process environment.
func Load() (Config, error) {
	attrsFile := os.Getenv("NIX_ATTRS_JSON_FILE")
	if attrsFile == "" {
		return Config{}, fmt.Errorf("NIX_ATTRS_JSON_FILE is not set")
	}

	epoch, err := getEnvInt64("SOURCE_DATE_EPOCH", -1)
	if err != nil {
		return Config{}, err
	}
	if epoch < 0 {
		return Config{}, fmt.Errorf("SOURCE_DATE_EPOCH is not set")
	}

	cores, err := getEnvInt("NIX_BUILD_CORES", 1)
	if err != nil {
		return Config{}, err
	}
	if cores < 1 {
		cores = 1
	}

	maxLowerdirs, err := getEnvInt("STAMP_MAX_LOWERDIRS", defaultMaxLowerdirs)
	if err != nil {
		return Config{}, err
	}

	return Config{
		AttrsFile:       attrsFile,
		SourceDateEpoch: epoch,
		BuildCores:      cores,
		MaxLowerdirs:    maxLowerdirs,
	}, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q as int64: %w", key, v, err)
	}
	return n, nil
}
