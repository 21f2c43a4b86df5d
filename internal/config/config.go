// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Recordings RecordingsConfig `mapstructure:"recordings"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Export     ExportConfig     `mapstructure:"export"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Audit      AuditConfig      `mapstructure:"audit"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RecordingsConfig locates the source recordings.
type RecordingsConfig struct {
	BaseDir   string `mapstructure:"base_dir"`
	Extension string `mapstructure:"extension"`
}

// WorkspaceConfig controls where job workspaces live and how stale ones are swept.
type WorkspaceConfig struct {
	Root         string        `mapstructure:"root"`
	Prefix       string        `mapstructure:"prefix"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	SweepOnStart bool          `mapstructure:"sweep_on_start"`
}

// RecoveryConfig describes the external repair tool.
type RecoveryConfig struct {
	Mode           string        `mapstructure:"mode"`
	Binary         string        `mapstructure:"binary"`
	Args           []string      `mapstructure:"args"`
	OutputSuffix   string        `mapstructure:"output_suffix"`
	OutputArea     string        `mapstructure:"output_area"`
	Timeout        time.Duration `mapstructure:"timeout"`
	KillGrace      time.Duration `mapstructure:"kill_grace"`
	Env            []string      `mapstructure:"env"`
	Parallelism    int           `mapstructure:"parallelism"`
	FailurePolicy  string        `mapstructure:"failure_policy"`
	MaxStderrBytes int           `mapstructure:"max_stderr_bytes"`
}

// LimitsConfig bounds a single request.
type LimitsConfig struct {
	MaxFiles      int     `mapstructure:"max_files"`
	MaxTotalBytes int64   `mapstructure:"max_total_bytes"`
	JobsPerSecond float64 `mapstructure:"jobs_per_second"`
	JobBurst      int     `mapstructure:"job_burst"`
}

// ExportConfig selects where finished archives are copied.
type ExportConfig struct {
	Backend   string            `mapstructure:"backend"`
	Prefix    string            `mapstructure:"prefix"`
	Local     LocalExportConfig `mapstructure:"local"`
	GCSBucket string            `mapstructure:"gcs_bucket"`
}

// LocalExportConfig configures the filesystem export backend.
type LocalExportConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for job event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// AuditConfig selects the job audit log backend.
type AuditConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// Recovery modes, failure policies and backends accepted by Validate.
const (
	ModePerFile = "per_file"
	ModeBatch   = "batch"

	BackendNone     = "none"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// legacyEnv maps keys to the unprefixed variables older deployments set.
var legacyEnv = map[string]string{
	"recordings.base_dir":    "BASE_DIR",
	"recovery.binary":        "SCRIPT_PATH",
	"workspace.root":         "TMP_DIR",
	"limits.max_files":       "MAX_FILES",
	"limits.max_total_bytes": "MAX_TOTAL_BYTES",
}

// LoadDotEnv loads the given .env files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECOVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		envKey := "RECOVER_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, envKey, legacy); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if legacyScriptDeployment(v) {
		v.Set("recovery.mode", ModeBatch)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// legacyScriptDeployment reports whether the binary comes only from
// SCRIPT_PATH and no mode was chosen. Such deployments ran a wrapper script
// over the whole input directory.
func legacyScriptDeployment(v *viper.Viper) bool {
	if os.Getenv(legacyEnv["recovery.binary"]) == "" {
		return false
	}
	if _, ok := os.LookupEnv("RECOVER_RECOVERY_BINARY"); ok || v.InConfig("recovery.binary") {
		return false
	}
	_, modeSet := os.LookupEnv("RECOVER_RECOVERY_MODE")
	return !modeSet && !v.InConfig("recovery.mode")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("recordings.base_dir", "recordings")
	v.SetDefault("recordings.extension", ".mcap")
	v.SetDefault("workspace.root", "")
	v.SetDefault("workspace.prefix", "recoverjob-")
	v.SetDefault("workspace.stale_after", 6*time.Hour)
	v.SetDefault("workspace.sweep_on_start", true)
	v.SetDefault("recovery.mode", ModePerFile)
	v.SetDefault("recovery.binary", "")
	v.SetDefault("recovery.args", []string{})
	v.SetDefault("recovery.output_suffix", "-rec")
	v.SetDefault("recovery.output_area", "input")
	v.SetDefault("recovery.timeout", time.Duration(0))
	v.SetDefault("recovery.kill_grace", 5*time.Second)
	v.SetDefault("recovery.parallelism", 1)
	v.SetDefault("recovery.failure_policy", "abort")
	v.SetDefault("recovery.max_stderr_bytes", 64*1024)
	v.SetDefault("limits.max_files", 200)
	v.SetDefault("limits.max_total_bytes", int64(5)<<30)
	v.SetDefault("limits.jobs_per_second", 0.0)
	v.SetDefault("limits.job_burst", 4)
	v.SetDefault("export.backend", BackendNone)
	v.SetDefault("export.prefix", "archives")
	v.SetDefault("export.local.base_dir", "archives")
	v.SetDefault("pubsub.topic_name", "recover-jobs")
	v.SetDefault("audit.backend", BackendNone)
	v.SetDefault("audit.table", "recovery_jobs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Recordings.BaseDir) == "" {
		return fmt.Errorf("recordings.base_dir must be set")
	}
	if !strings.HasPrefix(c.Recordings.Extension, ".") {
		return fmt.Errorf("recordings.extension must start with a dot")
	}
	if strings.ContainsAny(c.Workspace.Prefix, `/\`) {
		return fmt.Errorf("workspace.prefix must not contain path separators")
	}
	if c.Workspace.SweepOnStart && c.Workspace.StaleAfter <= 0 {
		return fmt.Errorf("workspace.stale_after must be > 0 when workspace.sweep_on_start is enabled")
	}
	if err := c.Recovery.validate(); err != nil {
		return err
	}
	if c.Limits.MaxFiles <= 0 {
		return fmt.Errorf("limits.max_files must be > 0")
	}
	if c.Limits.MaxTotalBytes < 0 {
		return fmt.Errorf("limits.max_total_bytes must be >= 0")
	}
	if c.Limits.JobsPerSecond < 0 {
		return fmt.Errorf("limits.jobs_per_second must be >= 0")
	}
	if c.Limits.JobsPerSecond > 0 && c.Limits.JobBurst <= 0 {
		return fmt.Errorf("limits.job_burst must be > 0 when limits.jobs_per_second is set")
	}
	switch c.Export.Backend {
	case BackendNone:
	case BackendLocal:
		if c.Export.Local.BaseDir == "" {
			return fmt.Errorf("export.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Export.GCSBucket == "" {
			return fmt.Errorf("export.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("export.backend %q is not one of none, local, gcs", c.Export.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	switch c.Audit.Backend {
	case BackendNone:
	case BackendSQLite, BackendPostgres:
		if c.Audit.DSN == "" {
			return fmt.Errorf("audit.dsn must be set for the %s backend", c.Audit.Backend)
		}
		if c.Audit.Table == "" {
			return fmt.Errorf("audit.table must be set")
		}
	default:
		return fmt.Errorf("audit.backend %q is not one of none, sqlite, postgres", c.Audit.Backend)
	}
	return nil
}

func (r RecoveryConfig) validate() error {
	switch r.Mode {
	case ModePerFile, ModeBatch:
	default:
		return fmt.Errorf("recovery.mode %q is not one of per_file, batch", r.Mode)
	}
	if r.Mode == ModeBatch && strings.TrimSpace(r.Binary) == "" {
		return fmt.Errorf("recovery.binary must be set for batch mode")
	}
	switch r.OutputArea {
	case "input", "output":
	default:
		return fmt.Errorf("recovery.output_area %q is not one of input, output", r.OutputArea)
	}
	switch r.FailurePolicy {
	case "abort", "skip":
	default:
		return fmt.Errorf("recovery.failure_policy %q is not one of abort, skip", r.FailurePolicy)
	}
	if r.Parallelism <= 0 {
		return fmt.Errorf("recovery.parallelism must be > 0")
	}
	if r.Timeout < 0 {
		return fmt.Errorf("recovery.timeout must be >= 0")
	}
	if r.KillGrace <= 0 {
		return fmt.Errorf("recovery.kill_grace must be > 0")
	}
	if r.MaxStderrBytes <= 0 {
		return fmt.Errorf("recovery.max_stderr_bytes must be > 0")
	}
	if _, err := r.EnvOverrides(); err != nil {
		return err
	}
	return nil
}

// EnvOverrides parses recovery.env entries of the form NAME=value. Viper
// lowercases map keys, so the overrides are kept as a list to preserve case.
func (r RecoveryConfig) EnvOverrides() (map[string]string, error) {
	out := make(map[string]string, len(r.Env))
	for _, kv := range r.Env {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("recovery.env entry %q must look like NAME=value", kv)
		}
		out[name] = value
	}
	return out, nil
}

// ToolBinary returns the configured binary or the mode default.
func (r RecoveryConfig) ToolBinary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "mcap"
}

// ToolArgs returns the configured argument template or the mode default.
func (r RecoveryConfig) ToolArgs() []string {
	if len(r.Args) > 0 {
		return r.Args
	}
	if r.Mode == ModeBatch {
		return []string{"{input_dir}"}
	}
	return []string{"recover", "{input}", "-o", "{output}"}
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
