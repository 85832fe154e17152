package flowtrace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "flowtrace.jsonl", cfg.LogFile)
	assert.False(t, cfg.Stdout)
	assert.Equal(t, 1000, cfg.TruncateThreshold)
	assert.Equal(t, "flowtrace-segments", cfg.SegmentDir)
	assert.Empty(t, cfg.Include)
	assert.Empty(t, cfg.Exclude)
}

func TestLoadEnvDefaults(t *testing.T) {
	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLOWTRACE_ENABLED", "false")
	t.Setenv("FLOWTRACE_LOGFILE", "/tmp/trace.jsonl")
	t.Setenv("FLOWTRACE_STDOUT", "true")
	t.Setenv("FLOWTRACE_TRUNCATE_THRESHOLD", "250")
	t.Setenv("FLOWTRACE_SEGMENT_DIR", "/tmp/segments")
	t.Setenv("FLOWTRACE_INCLUDE", "calc/**,store/blob")
	t.Setenv("FLOWTRACE_EXCLUDE", "calc/internal/**")

	cfg, err := LoadEnv()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "/tmp/trace.jsonl", cfg.LogFile)
	assert.True(t, cfg.Stdout)
	assert.Equal(t, 250, cfg.TruncateThreshold)
	assert.Equal(t, "/tmp/segments", cfg.SegmentDir)
	assert.Equal(t, []string{"calc/**", "store/blob"}, cfg.Include)
	assert.Equal(t, []string{"calc/internal/**"}, cfg.Exclude)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowtrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logfile: /var/log/trace.jsonl
truncate_threshold: 500
include:
  - calc/**
exclude:
  - calc/internal/**
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled, "unset keys keep their defaults")
	assert.Equal(t, "/var/log/trace.jsonl", cfg.LogFile)
	assert.Equal(t, 500, cfg.TruncateThreshold)
	assert.Equal(t, []string{"calc/**"}, cfg.Include)
	assert.Equal(t, []string{"calc/internal/**"}, cfg.Exclude)
}

func TestLoadFileEnvWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowtrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("truncate_threshold: 500\nstdout: true\n"), 0o644))

	t.Setenv("FLOWTRACE_TRUNCATE_THRESHOLD", "42")

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.TruncateThreshold, "environment overrides the file")
	assert.True(t, cfg.Stdout, "untouched file values survive the env overlay")
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowtrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("truncate_threshold: [not a number\n"), 0o644))

	_, err := LoadFile(path)
	assert.Error(t, err)
}
