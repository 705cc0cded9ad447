package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "orchestrator.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoader_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pools:\n  max_workers: 2\n")

	l := NewLoader(path, nil)
	cfg, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Pools.MaxWorkers)
	require.Equal(t, 3, cfg.Retry.MaxRetries)
	require.Equal(t, "claude-cli", cfg.Backend.Name)
}

func TestLoader_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pools:\n  max_workers: 2\n")

	t.Setenv("MAX_WORKERS", "9")
	l := NewLoader(path, nil)
	cfg, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Pools.MaxWorkers)
}

func TestLoader_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "pools:\n  max_workers: -1\n")

	l := NewLoader(path, nil)
	_, err := l.Load(context.Background())
	require.Error(t, err)
}

func TestResolvePrompts_LiteralAndFile(t *testing.T) {
	dir := t.TempDir()
	fpath := filepath.Join(dir, "pre.txt")
	require.NoError(t, os.WriteFile(fpath, []byte("from file"), 0o644))

	p := PromptsConfig{PreSystem: "@" + fpath, PostSystem: "literal"}
	require.NoError(t, resolvePrompts(&p))
	require.Equal(t, "from file", p.PreSystem)
	require.Equal(t, "literal", p.PostSystem)
}
