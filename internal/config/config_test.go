package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMigratesMissingSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"accounts":[{"name":"alice"}],"customThing":"keep-me"}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	require.FileExists(t, path+".bak")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Contains(t, m, "customThing")
}

func TestSaveRoundTripsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schemaVersion":1,"accounts":[],"futureField":{"x":1}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	cfg.Theme = "dark"
	require.NoError(t, cfg.Save())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Contains(t, m, "futureField")

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "dark", reloaded.Theme)
}

func TestLoadOrDefaultForMissingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.json")

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, cfg.SchemaVersion)
	require.Equal(t, 5, cfg.Launcher.MaxSpawnsPerMinute)
}

func TestVerifyTokenFilePermissionsRejectsBroadened(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alice.token")
	require.NoError(t, os.WriteFile(path, []byte("secret\n"), 0o644))

	err := VerifyTokenFilePermissions(path)
	require.Error(t, err)
}

func TestWriteTokenFileIsOwnerOnly(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTCTL_DIR", dir)

	require.NoError(t, WriteTokenFile("bob", "s3cr3t"))
	info, err := os.Stat(TokenPath("bob"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestBaseDirHonorsAgentctlDir(t *testing.T) {
	t.Setenv("AGENTCTL_DIR", "/tmp/custom-agentctl")
	require.Equal(t, "/tmp/custom-agentctl", BaseDir())
	require.Equal(t, "/tmp/custom-agentctl/hub.sock", SocketPath())
}

func TestLoadOrDefaultAppliesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	overridesYAML := "sla:\n  criticalPingMinutes: 1\nlauncher:\n  maxSpawnsPerMinute: 99\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "overrides.yaml"), []byte(overridesYAML), 0o644))

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.SLA.CriticalPingMinutes)
	require.Equal(t, 99, cfg.Launcher.MaxSpawnsPerMinute)
}

func TestLoadOrDefaultWithoutOverridesFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Launcher.MaxSpawnsPerMinute)
}
