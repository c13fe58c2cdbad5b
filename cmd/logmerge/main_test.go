package main

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/app/merge"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

const mergeConfig = `
environment: dev
merge:
  mode: sync
sources:
  - name: api
    kind: memory
    entries:
      - at: 2024-01-01T00:00:01Z
        msg: api-1
      - at: 2024-01-01T00:00:04Z
        msg: api-2
  - name: worker
    kind: memory
    entries:
      - at: 2024-01-01T00:00:02Z
        msg: worker-1
      - at: 2024-01-01T00:00:03Z
        msg: worker-2
sink:
  kind: jsonl
  path: %OUT%
  filter: 'entry.msg !== "worker-2"'
`

func TestRunMergesConfiguredSources(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	dir := t.TempDir()
	out := filepath.Join(dir, "merged.jsonl")
	cfgPath := filepath.Join(dir, "logmerge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(strings.ReplaceAll(mergeConfig, "%OUT%", out)), 0o600))

	logger := log.New(io.Discard, "", 0)
	require.NoError(t, run(context.Background(), logger, cliOptions{configPath: cfgPath, mode: "pipelined"}))

	file, err := os.Open(out)
	require.NoError(t, err)
	defer file.Close()
	var messages []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry schema.LogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		messages = append(messages, entry.Message)
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, []string{"api-1", "worker-1", "api-2"}, messages)
}

func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("merge:\n  mode: sideways\n"), 0o600))

	err := run(context.Background(), log.New(io.Discard, "", 0), cliOptions{configPath: path})
	require.Equal(t, 2, exitCode(err))
}

func TestRunHonoursCancellation(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "false")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	path := filepath.Join(t.TempDir(), "logmerge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sources:\n  - kind: synthetic\n    count: 10\nsink:\n  kind: discard\n"), 0o600))
	err := run(ctx, log.New(io.Discard, "", 0), cliOptions{configPath: path})
	require.Equal(t, 130, exitCode(err))
}

func TestResolveConfigPath(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	tmp := t.TempDir()
	require.NoError(t, os.Chdir(tmp))
	t.Cleanup(func() { require.NoError(t, os.Chdir(wd)) })
	t.Setenv(configEnvVar, "")

	require.Equal(t, "explicit.yaml", resolveConfigPath("explicit.yaml"))
	require.Equal(t, "", resolveConfigPath(""))

	require.NoError(t, os.MkdirAll("config", 0o750))
	require.NoError(t, os.WriteFile(defaultConfigPath, []byte("{}"), 0o600))
	require.Equal(t, "config/logmerge.yaml", resolveConfigPath(""))

	t.Setenv(configEnvVar, "from-env.yaml")
	require.Equal(t, "from-env.yaml", resolveConfigPath(""))
}

func TestResolveMode(t *testing.T) {
	mode, err := resolveMode("", "sync")
	require.NoError(t, err)
	require.Equal(t, merge.ModeSync, mode)

	mode, err = resolveMode("async", "sync")
	require.NoError(t, err)
	require.Equal(t, merge.ModePipelined, mode)

	_, err = resolveMode("sideways", "sync")
	require.Error(t, err)
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 0, exitCode(nil))
	require.Equal(t, 2, exitCode(errs.New("config", errs.CodeInvalid)))
	require.Equal(t, 130, exitCode(errs.New("merge", errs.CodeCanceled)))
	require.Equal(t, 1, exitCode(errs.New("merge", errs.CodeSource)))
	require.Equal(t, 1, exitCode(errors.New("plain")))
}

func TestParseFlags(t *testing.T) {
	opts := parseFlags([]string{"-config", "a.yaml", "-mode", "sync", "-debug"})
	require.Equal(t, cliOptions{configPath: "a.yaml", mode: "sync", debug: true}, opts)
}
