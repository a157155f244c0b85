// Package config loads and persists the daemon's JSON configuration file
// (spec.md §6) and resolves the ambient environment variables that
// govern where the daemon keeps its state.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v2"

	"github.com/ocx/hubd/internal/apierr"
)

// CurrentSchemaVersion is the schemaVersion this daemon writes; a config
// file loaded without schemaVersion is implicitly migrated to it.
const CurrentSchemaVersion = 1

// QuotaPolicy describes the default spend/rate ceiling applied to a
// newly launched agent.
type QuotaPolicy struct {
	Plan           string `json:"plan,omitempty"`
	WindowMs       int64  `json:"windowMs,omitempty"`
	EstimatedLimit int64  `json:"estimatedLimit,omitempty"`
	Source         string `json:"source,omitempty"`
}

// Defaults holds daemon-wide defaults applied when an account doesn't
// override them.
type Defaults struct {
	LaunchInNewWindow bool        `json:"launchInNewWindow,omitempty"`
	QuotaPolicy       QuotaPolicy `json:"quotaPolicy,omitempty"`
}

// EntireConfig configures the (out-of-scope) "entire" checkpoint
// subsystem through its public surface only.
type EntireConfig struct {
	AutoEnable bool `json:"autoEnable,omitempty"`
}

// AccountConfig is the on-disk record for one account (spec.md §3).
type AccountConfig struct {
	Name          string   `json:"name"`
	ConfigDir     string   `json:"configDir,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	Color         string   `json:"color,omitempty"`
	Label         string   `json:"label,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
	MaxConcurrent int      `json:"maxConcurrent,omitempty"`
	Excluded      bool     `json:"excluded,omitempty"`
}

// SLAThresholds lets an operator override the graduated escalation
// lattice of spec.md §4.F without recompiling.
type SLAThresholds struct {
	CriticalPingMinutes     int `json:"criticalPingMinutes,omitempty"`
	CriticalReassignMinutes int `json:"criticalReassignMinutes,omitempty"`
	CriticalEscalateMinutes int `json:"criticalEscalateMinutes,omitempty"`
	HighPingMinutes         int `json:"highPingMinutes,omitempty"`
	HighReassignMinutes     int `json:"highReassignMinutes,omitempty"`
	HighEscalateMinutes     int `json:"highEscalateMinutes,omitempty"`
	MediumPingMinutes       int `json:"mediumPingMinutes,omitempty"`
	MediumReassignMinutes   int `json:"mediumReassignMinutes,omitempty"`
	LowPingMinutes          int `json:"lowPingMinutes,omitempty"`
}

// LauncherPolicy configures the auto-launcher (spec.md §4.I).
type LauncherPolicy struct {
	MaxSpawnsPerMinute     int   `json:"maxSpawnsPerMinute,omitempty"`
	DeduplicationWindowMs  int64 `json:"deduplicationWindowMs,omitempty"`
	FailureThreshold       int   `json:"failureThreshold,omitempty"`
	CooldownMs             int64 `json:"cooldownMs,omitempty"`
	SelfHandoffBlocked     bool  `json:"selfHandoffBlocked,omitempty"`
}

// Features toggles optional surfaces.
type Features struct {
	HTTPDebugAddr string `json:"httpDebugAddr,omitempty"`
	MaxDepth      int    `json:"maxDepth,omitempty"`
}

// Config is the daemon's config file (spec.md §6): top-level
// {schemaVersion, accounts[], entire{autoEnable}, defaults{...},
// features{...}, theme?}. Unknown top-level fields are preserved
// round-trip via extra.
type Config struct {
	SchemaVersion int             `json:"schemaVersion"`
	Accounts      []AccountConfig `json:"accounts"`
	Entire        EntireConfig    `json:"entire,omitempty"`
	Defaults      Defaults        `json:"defaults,omitempty"`
	Features      Features        `json:"features,omitempty"`
	Theme         string          `json:"theme,omitempty"`
	SLA           SLAThresholds   `json:"sla,omitempty"`
	Launcher      LauncherPolicy  `json:"launcher,omitempty"`

	// extra carries any top-level JSON fields this struct doesn't know
	// about, so they survive a load-modify-save round trip unchanged.
	extra map[string]json.RawMessage `json:"-"`

	mu   sync.RWMutex `json:"-"`
	path string       `json:"-"`
}

// Load reads and parses the config file at path. A missing
// schemaVersion triggers an implicit migration: the original file is
// backed up to path+".bak" before the migrated version is written back.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "read config file", err)
	}

	var extra map[string]json.RawMessage
	if err := json.Unmarshal(raw, &extra); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "corrupt config file", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, apierr.Wrap(apierr.KindValidation, "corrupt config file", err)
	}
	cfg.path = path

	delete(extra, "schemaVersion")
	delete(extra, "accounts")
	delete(extra, "entire")
	delete(extra, "defaults")
	delete(extra, "features")
	delete(extra, "theme")
	delete(extra, "sla")
	delete(extra, "launcher")
	cfg.extra = extra

	if cfg.SchemaVersion == 0 {
		if err := os.WriteFile(path+".bak", raw, 0o600); err != nil {
			return nil, apierr.Wrap(apierr.KindIO, "backup config before migration", err)
		}
		cfg.SchemaVersion = CurrentSchemaVersion
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	if err := cfg.applyOverrides(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads the config file at path, returning a fresh default
// Config (not yet saved) if the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{SchemaVersion: CurrentSchemaVersion, path: path}
		cfg.applyDefaults()
		if err := cfg.applyOverrides(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return Load(path)
}

// overrides is the shape of the optional YAML file an operator can drop
// next to the JSON config to tune launcher/SLA policy without touching
// the daemon-managed config.json.
type overrides struct {
	SLA      *SLAThresholds  `json:"sla"`
	Launcher *LauncherPolicy `json:"launcher"`
}

// overridesPath returns <dir of path>/overrides.yaml.
func overridesPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "overrides.yaml")
}

// applyOverrides merges an optional overrides.yaml next to c.path into
// c's SLA/Launcher policy. A missing file is not an error.
func (c *Config) applyOverrides() error {
	if c.path == "" {
		return nil
	}
	raw, err := os.ReadFile(overridesPath(c.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apierr.Wrap(apierr.KindIO, "read overrides.yaml", err)
	}

	// Keys use the JSON config's names; fields absent from the file keep
	// their current values.
	var generic map[string]map[string]interface{}
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return apierr.Wrap(apierr.KindValidation, "corrupt overrides.yaml", err)
	}
	data, err := json.Marshal(generic)
	if err != nil {
		return apierr.Wrap(apierr.KindValidation, "corrupt overrides.yaml", err)
	}
	if err := json.Unmarshal(data, &overrides{SLA: &c.SLA, Launcher: &c.Launcher}); err != nil {
		return apierr.Wrap(apierr.KindValidation, "corrupt overrides.yaml", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Launcher.MaxSpawnsPerMinute == 0 {
		c.Launcher.MaxSpawnsPerMinute = 5
	}
	if c.Launcher.DeduplicationWindowMs == 0 {
		c.Launcher.DeduplicationWindowMs = 30_000
	}
	if c.Launcher.FailureThreshold == 0 {
		c.Launcher.FailureThreshold = 3
	}
	if c.Launcher.CooldownMs == 0 {
		c.Launcher.CooldownMs = 60_000
	}
	if c.SLA.CriticalPingMinutes == 0 {
		c.SLA.CriticalPingMinutes = 5
	}
	if c.SLA.CriticalReassignMinutes == 0 {
		c.SLA.CriticalReassignMinutes = 15
	}
	if c.SLA.CriticalEscalateMinutes == 0 {
		c.SLA.CriticalEscalateMinutes = 30
	}
	if c.SLA.HighPingMinutes == 0 {
		c.SLA.HighPingMinutes = 15
	}
	if c.SLA.HighReassignMinutes == 0 {
		c.SLA.HighReassignMinutes = 60
	}
	if c.SLA.HighEscalateMinutes == 0 {
		c.SLA.HighEscalateMinutes = 120
	}
	if c.SLA.MediumPingMinutes == 0 {
		c.SLA.MediumPingMinutes = 60
	}
	if c.SLA.MediumReassignMinutes == 0 {
		c.SLA.MediumReassignMinutes = 240
	}
	if c.SLA.LowPingMinutes == 0 {
		c.SLA.LowPingMinutes = 240
	}
}

// Save atomically writes the config back to its source path, merging
// the known fields back over the preserved unknown top-level fields.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	merged := make(map[string]json.RawMessage, len(c.extra)+7)
	for k, v := range c.extra {
		merged[k] = v
	}

	type alias Config
	known, err := json.MarshalIndent((*alias)(c), "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal config", err)
	}
	var knownMap map[string]json.RawMessage
	if err := json.Unmarshal(known, &knownMap); err != nil {
		return apierr.Wrap(apierr.KindInternal, "remarshal config", err)
	}
	for k, v := range knownMap {
		merged[k] = v
	}

	out, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "marshal merged config", err)
	}
	return atomicWrite(c.path, out)
}

// atomicWrite is a small local copy of the storage package's atomic
// replace so that config does not need to import internal/storage and
// create an import cycle with components that depend on config.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "create temp config file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "write temp config file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "fsync temp config file", err)
	}
	if err := tmp.Close(); err != nil {
		return apierr.Wrap(apierr.KindIO, "close temp config file", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return apierr.Wrap(apierr.KindIO, "rename temp config file", err)
	}
	return nil
}

// BaseDir resolves the daemon's state directory: $AGENTCTL_DIR if set,
// else $HOME/.agentctl. AGENTCTL_DIR is the sole canonical env var
// (spec.md §9); compatibility aliases are out of the core's scope.
func BaseDir() string {
	if dir := os.Getenv("AGENTCTL_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".agentctl")
}

// SocketPath returns <base>/hub.sock.
func SocketPath() string { return filepath.Join(BaseDir(), "hub.sock") }

// PIDPath returns <base>/daemon.pid.
func PIDPath() string { return filepath.Join(BaseDir(), "daemon.pid") }

// TokenPath returns <base>/tokens/<account>.token.
func TokenPath(account string) string {
	return filepath.Join(BaseDir(), "tokens", account+".token")
}

// OpenRouterAPIKey reads the optional council-caller credential.
func OpenRouterAPIKey() string { return os.Getenv("OPENROUTER_API_KEY") }

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

// ApplyEnvOverrides layers a handful of environment-variable overrides
// on top of the loaded config, following the same getEnv/getEnvInt
// convention used throughout the daemon.
func (c *Config) ApplyEnvOverrides() {
	c.Features.HTTPDebugAddr = getEnv("HUBD_HTTP_DEBUG_ADDR", c.Features.HTTPDebugAddr)
	c.Features.MaxDepth = getEnvInt("HUBD_MAX_DEPTH", c.Features.MaxDepth)
	c.Launcher.SelfHandoffBlocked = getEnvBool("HUBD_SELF_HANDOFF_BLOCKED", c.Launcher.SelfHandoffBlocked)
}

// ReloadedSummary is returned from config_reload.
type ReloadedSummary struct {
	Reloaded bool     `json:"reloaded"`
	Accounts []string `json:"accounts"`
}

// Reload re-reads the config file in place, replacing c's fields. It is
// safe to call concurrently with Save.
func (c *Config) Reload() (ReloadedSummary, error) {
	fresh, err := Load(c.path)
	if err != nil {
		return ReloadedSummary{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.SchemaVersion = fresh.SchemaVersion
	c.Accounts = fresh.Accounts
	c.Entire = fresh.Entire
	c.Defaults = fresh.Defaults
	c.Features = fresh.Features
	c.Theme = fresh.Theme
	c.SLA = fresh.SLA
	c.Launcher = fresh.Launcher
	c.extra = fresh.extra
	c.ApplyEnvOverrides()

	names := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		names = append(names, a.Name)
	}
	return ReloadedSummary{Reloaded: true, Accounts: names}, nil
}

// VerifyTokenFilePermissions refuses to honor a token file whose
// permission bits have been broadened beyond owner-read/write
// (spec.md §5's shared-resource policy).
func VerifyTokenFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "stat token file", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return apierr.Newf(apierr.KindUnauthorized, "token file %s has broadened permissions %s", path, info.Mode().Perm())
	}
	return nil
}

// WriteTokenFile atomically creates a fresh account token with
// owner-read/write-only permissions.
func WriteTokenFile(account, token string) error {
	path := TokenPath(account)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apierr.Wrap(apierr.KindIO, "create tokens directory", err)
	}
	return atomicWriteMode(path, []byte(token), 0o600)
}

func atomicWriteMode(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "create temp token file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "chmod temp token file", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "write temp token file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apierr.Wrap(apierr.KindIO, "fsync temp token file", err)
	}
	if err := tmp.Close(); err != nil {
		return apierr.Wrap(apierr.KindIO, "close temp token file", err)
	}
	return os.Rename(tmpPath, path)
}

// WritePIDFile writes the current process id to path, single line.
func WritePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apierr.Wrap(apierr.KindIO, "create base directory", err)
	}
	return atomicWrite(path, []byte(fmt.Sprintf("%d\n", pid)))
}

// RemovePIDFile deletes the PID file, ignoring a not-exist error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.KindIO, "remove pid file", err)
	}
	return nil
}
