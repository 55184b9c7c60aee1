package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return stdout.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestResolveCommand(t *testing.T) {
	path := writeConfig(t, `
tls:
  backend: portable
  trust: bundled
`)

	out, err := runCommand(t, "resolve", "wss://gateway.example.com/?v=10", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "address=gateway.example.com:443 backend=portable trust=bundled\n", out)
}

func TestResolveCommand_NoDomain(t *testing.T) {
	path := writeConfig(t, "tls:\n  trust: bundled\n")

	_, err := runCommand(t, "resolve", "wss://192.0.2.10/", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "192.0.2.10")
}

func TestResolveCommand_InvalidConfig(t *testing.T) {
	path := writeConfig(t, "tls:\n  backend: rustls\n")

	_, err := runCommand(t, "resolve", "wss://gateway.example.com/", "--config", path)
	require.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	out, err := runCommand(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version, strings.TrimSpace(out))
}

func TestConnectCommand_RequiresURL(t *testing.T) {
	path := writeConfig(t, "tls:\n  trust: bundled\n")

	_, err := runCommand(t, "connect", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.url")
}

func TestConnectCommand_RejectsPlaintextURL(t *testing.T) {
	_, err := runCommand(t, "connect", "--url", "ws://gateway.example.com/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestExecute_PrintsSuggestions(t *testing.T) {
	path := writeConfig(t, "tls:\n  trust: bundled\n")

	tests := []struct {
		name     string
		args     []string
		wantHint string
	}{
		{
			name:     "config error",
			args:     []string{"connect", "--url", "ws://gateway.example.com/"},
			wantHint: "  hint: Shards only connect over TLS",
		},
		{
			name:     "tls error",
			args:     []string{"resolve", "wss://192.0.2.10/", "--config", path},
			wantHint: "  hint: Use an absolute URL with a DNS host name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			cmd := newRootCmd()
			cmd.SetOut(&bytes.Buffer{})
			cmd.SetErr(&bytes.Buffer{})
			cmd.SetArgs(append(tt.args, "--env-file", ""))

			code := execute(cmd, &stderr)

			assert.Equal(t, 1, code)
			assert.True(t, strings.HasPrefix(stderr.String(), "Error: "), stderr.String())
			assert.Contains(t, stderr.String(), tt.wantHint)
		})
	}
}

func TestExecute_Success(t *testing.T) {
	var stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "--env-file", ""})

	assert.Equal(t, 0, execute(cmd, &stderr))
	assert.Empty(t, stderr.String())
}

func TestLoadEnvFile(t *testing.T) {
	t.Run("missing default file is ignored", func(t *testing.T) {
		t.Chdir(t.TempDir())
		assert.NoError(t, loadEnvFile(defaultEnvFile))
	})

	t.Run("missing explicit file fails", func(t *testing.T) {
		assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
	})

	t.Run("variables are loaded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		require.NoError(t, os.WriteFile(path, []byte("POLIS_SHARD_TEST_VALUE=from-dotenv\n"), 0o600))
		t.Setenv("POLIS_SHARD_TEST_VALUE", "")
		require.NoError(t, os.Unsetenv("POLIS_SHARD_TEST_VALUE"))

		require.NoError(t, loadEnvFile(path))
		assert.Equal(t, "from-dotenv", os.Getenv("POLIS_SHARD_TEST_VALUE"))
	})
}
