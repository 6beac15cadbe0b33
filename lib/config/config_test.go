package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresAttrsFile(t *testing.T) {
	t.Setenv("NIX_ATTRS_JSON_FILE", "")
	t.Setenv("SOURCE_DATE_EPOCH", "1000")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RequiresSourceDateEpoch(t *testing.T) {
	t.Setenv("NIX_ATTRS_JSON_FILE", "/tmp/attrs.json")
	t.Setenv("SOURCE_DATE_EPOCH", "")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	t.Setenv("NIX_ATTRS_JSON_FILE", "/tmp/attrs.json")
	t.Setenv("SOURCE_DATE_EPOCH", "1700000000")
	t.Setenv("NIX_BUILD_CORES", "")
	t.Setenv("STAMP_MAX_LOWERDIRS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/tmp/attrs.json", cfg.AttrsFile)
	require.EqualValues(t, 1700000000, cfg.SourceDateEpoch)
	require.Equal(t, 1, cfg.BuildCores)
	require.Equal(t, 28, cfg.MaxLowerdirs)

	t.Setenv("NIX_BUILD_CORES", "4")
	t.Setenv("STAMP_MAX_LOWERDIRS", "16")
	cfg, err = Load()
	require.NoError(t, err)
	require.Equal(t, 4, cfg.BuildCores)
	require.Equal(t, 16, cfg.MaxLowerdirs)
}
