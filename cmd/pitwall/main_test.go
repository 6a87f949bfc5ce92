package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pitwall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"--version"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "pitwall version "+Version)
}

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"--help"}, &stdout, &stderr)
	assert.ErrorIs(t, err, flag.ErrHelp)
	assert.Contains(t, stderr.String(), "--validate")
}

func TestRunValidate(t *testing.T) {
	path := writeConfig(t, "node:\n  id: pit-test\ncoordinator:\n  debounce: 20ms\n")

	var stdout, stderr bytes.Buffer
	require.NoError(t, run(context.Background(),
		[]string{"--config", path, "--validate", "--log-format", "text"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Configuration is valid")
	assert.Contains(t, stdout.String(), "service=pitwall")
}

func TestRunRejectsBadInput(t *testing.T) {
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"--log-level", "loud"}, &stdout, &stderr)
	assert.ErrorContains(t, err, "invalid log level")

	err = run(context.Background(), []string{"--config", "missing.yaml"}, &stdout, &stderr)
	assert.ErrorContains(t, err, "config file not found")

	path := writeConfig(t, "persistence:\n  backend: sqlite\n")
	err = run(context.Background(), []string{"--config", path}, &stdout, &stderr)
	assert.ErrorContains(t, err, "memory or jetstream")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	path := writeConfig(t, "node:\n  id: pit-run\n")
	ctx, cancel := context.WithCancel(context.Background())

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, []string{"--config", path, "--http-addr", "127.0.0.1:0", "--shutdown-timeout", "5s"},
			&stdout, &stderr)
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", parseLevel("debug").String())
	assert.Equal(t, "WARN", parseLevel("WARN").String())
	assert.Equal(t, "INFO", parseLevel("bogus").String())
}
