package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/provider.go/lib/config"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv(config.EnvSearchPaths, "")
	t.Setenv(config.EnvLogLevel, "")

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand("1.2.3", "abc", "today")
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pluginhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(`
executable: ./echo
plugins:
  - id: demo.echo
    name: Echo
    attributes: {category: demo}
    actions: [{id: shout}]
`), 0o644))

	path := writeConfig(t, `
log: {level: error}
providers:
  - {kind: builtin, name: core}
  - {kind: executable, name: local, search_paths: [`+dir+`]}
  - {kind: native, name: so, search_paths: [/nonexistent/native]}
`)

	stdout, stderr, err := run(t, "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "pluginhost.about")
	assert.Contains(t, stdout, "core")
	assert.Contains(t, stdout, "demo.echo")
	assert.Contains(t, stdout, "local")
	assert.Contains(t, stdout, "shout")
	assert.Contains(t, stdout, "category=demo")
	assert.Contains(t, stderr, "provider so")
}

func TestLoad_Builtin(t *testing.T) {
	path := writeConfig(t, "log: {level: error}\nproviders: [{kind: builtin}]\n")

	stdout, _, err := run(t, "load", "pluginhost.about#version", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "loaded pluginhost.about#version from builtin")
	assert.Contains(t, stdout, "1.2.3")
}

func TestLoad_Unknown(t *testing.T) {
	path := writeConfig(t, "log: {level: error}\nproviders: [{kind: builtin}]\n")

	_, _, err := run(t, "load", "missing.plugin", "--config", path)
	assert.ErrorContains(t, err, "missing.plugin")
}

func TestBadConfig(t *testing.T) {
	path := writeConfig(t, "providers: [{kind: ftp}]\n")
	_, _, err := run(t, "list", "--config", path)
	assert.ErrorIs(t, err, config.ErrUnknownKind)
}

func TestVersion(t *testing.T) {
	stdout, _, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1.2.3 (commit: abc, built: today)")
}
