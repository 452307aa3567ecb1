package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "lithair", cmd.Use, "Root command should be 'lithair'")
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 4, "Should have 4 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}

	assert.True(t, commandNames["serve"], "Should have 'serve' command")
	assert.True(t, commandNames["replay"], "Should have 'replay' command")
	assert.True(t, commandNames["verify"], "Should have 'verify' command")
	assert.True(t, commandNames["snapshot"], "Should have 'snapshot' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	assert.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildServeCommand(t *testing.T) {
	cmd := buildServeCommand()

	assert.Equal(t, "serve", cmd.Use)
	assert.NotNil(t, cmd.RunE)
	dirFlag := cmd.Flags().Lookup("dir")
	assert.NotNil(t, dirFlag)
	assert.Equal(t, "d", dirFlag.Shorthand)
}

func TestBuildReplayCommand(t *testing.T) {
	cmd := buildReplayCommand()
	assert.Equal(t, "replay", cmd.Use)
	assert.Contains(t, cmd.Short, "Replay")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildVerifyCommand(t *testing.T) {
	cmd := buildVerifyCommand()
	assert.Equal(t, "verify", cmd.Use)
	assert.Contains(t, cmd.Short, "Verify")
	assert.NotNil(t, cmd.RunE)
}

func TestBuildSnapshotCommand(t *testing.T) {
	cmd := buildSnapshotCommand()
	assert.Equal(t, "snapshot", cmd.Use)
	assert.NotNil(t, cmd.RunE)
}

func writeTestConfig(t *testing.T, dataDir string) string {
	t.Helper()
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "node.yaml")
	content := `
storage:
  dir: "` + dataDir + `"
  multi_file: false

wal:
  enabled: true
  flush_interval_ms: 5
  max_buffer_size: 100

snapshot:
  threshold: 3

metrics:
  enabled: false
  port: 9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunReplayOnEmptyStoreSucceeds(t *testing.T) {
	dataDir := t.TempDir()
	configFile = writeTestConfig(t, dataDir)

	err := runReplay("")
	assert.NoError(t, err)
}

func TestRunVerifyOnEmptyStoreReportsValid(t *testing.T) {
	dataDir := t.TempDir()
	configFile = writeTestConfig(t, dataDir)

	err := runVerify("")
	assert.NoError(t, err)
}

func TestRunSnapshotOnEmptyStoreDoesNotError(t *testing.T) {
	dataDir := t.TempDir()
	configFile = writeTestConfig(t, dataDir)

	err := runSnapshot("")
	assert.NoError(t, err)
}

func TestRunReplayMissingConfigFileFails(t *testing.T) {
	configFile = "/nonexistent/config.yaml"
	err := runReplay("")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestDirFlagOverridesConfiguredStorageDir(t *testing.T) {
	configuredDir := t.TempDir()
	overrideDir := t.TempDir()
	configFile = writeTestConfig(t, configuredDir)

	err := runReplay(overrideDir)
	assert.NoError(t, err)

	// The override dir, not the configured one, should now hold the lock
	// file created by opening the event store.
	_, statErr := os.Stat(filepath.Join(overrideDir, ".lithair.lock"))
	assert.NoError(t, statErr)
}
