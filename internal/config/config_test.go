package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8000 {
		t.Fatalf("expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Recovery.Mode != ModePerFile || cfg.Recovery.ToolBinary() != "mcap" {
		t.Fatalf("expected per-file mcap defaults, got %+v", cfg.Recovery)
	}
	if got := strings.Join(cfg.Recovery.ToolArgs(), " "); got != "recover {input} -o {output}" {
		t.Fatalf("unexpected default args %q", got)
	}
	if cfg.Limits.MaxFiles != 200 || cfg.Limits.MaxTotalBytes != 5<<30 || cfg.Limits.JobsPerSecond != 0 || cfg.Limits.JobBurst != 4 {
		t.Fatalf("unexpected limits %+v", cfg.Limits)
	}
	if cfg.Workspace.Prefix != "recoverjob-" || cfg.Workspace.StaleAfter != 6*time.Hour {
		t.Fatalf("unexpected workspace defaults %+v", cfg.Workspace)
	}
	if cfg.Export.Backend != BackendNone || cfg.Audit.Backend != BackendNone {
		t.Fatalf("expected optional backends disabled")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  shutdown_timeout: 5s
logging:
  development: false
recordings:
  base_dir: /srv/recordings
workspace:
  root: /scratch
  stale_after: 30m
recovery:
  mode: batch
  binary: /opt/mcap_recover.sh
  output_area: input
  timeout: 10m
  parallelism: 4
  failure_policy: skip
  env:
    - MCAP_LOG=debug
limits:
  max_files: 20
export:
  backend: gcs
  gcs_bucket: recovered-archives
audit:
  backend: sqlite
  dsn: /var/lib/recover/audit.db
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.ShutdownTimeout != 5*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
	if cfg.Recordings.BaseDir != "/srv/recordings" || cfg.Workspace.Root != "/scratch" {
		t.Fatalf("expected path overrides, got %+v %+v", cfg.Recordings, cfg.Workspace)
	}
	if got := cfg.Recovery.ToolArgs(); len(got) != 1 || got[0] != "{input_dir}" {
		t.Fatalf("expected batch default args, got %v", got)
	}
	if cfg.Recovery.Timeout != 10*time.Minute || cfg.Recovery.Parallelism != 4 {
		t.Fatalf("unexpected recovery overrides %+v", cfg.Recovery)
	}
	env, err := cfg.Recovery.EnvOverrides()
	if err != nil || env["MCAP_LOG"] != "debug" {
		t.Fatalf("expected recovery env override, got %v (%v)", env, err)
	}
	if cfg.Export.GCSBucket != "recovered-archives" || cfg.Audit.DSN != "/var/lib/recover/audit.db" {
		t.Fatalf("expected backend overrides")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RECOVER_SERVER_PORT", "8123")
	t.Setenv("RECOVER_RECOVERY_ARGS", "recover,{input},--output,{output}")
	t.Setenv("BASE_DIR", "/legacy/recordings")
	t.Setenv("MAX_FILES", "7")
	t.Setenv("RECOVER_LIMITS_MAX_TOTAL_BYTES", "1024")
	t.Setenv("MAX_TOTAL_BYTES", "99")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8123 {
		t.Fatalf("expected port from env, got %d", cfg.Server.Port)
	}
	if got := strings.Join(cfg.Recovery.ToolArgs(), " "); got != "recover {input} --output {output}" {
		t.Fatalf("unexpected args from env %q", got)
	}
	if cfg.Recordings.BaseDir != "/legacy/recordings" || cfg.Limits.MaxFiles != 7 {
		t.Fatalf("expected legacy variables to apply, got %+v %+v", cfg.Recordings, cfg.Limits)
	}
	if cfg.Limits.MaxTotalBytes != 1024 {
		t.Fatalf("expected prefixed variable to win, got %d", cfg.Limits.MaxTotalBytes)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env.local")
	if err := os.WriteFile(envFile, []byte("RECOVER_DOTENV_PROBE=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("RECOVER_DOTENV_PROBE", "")
	if err := os.Unsetenv("RECOVER_DOTENV_PROBE"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(filepath.Join(dir, ".env"), envFile); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	if got := os.Getenv("RECOVER_DOTENV_PROBE"); got != "from-file" {
		t.Fatalf("expected value from .env.local, got %q", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Recordings: RecordingsConfig{BaseDir: "/rec", Extension: ".mcap"},
		Workspace:  WorkspaceConfig{Prefix: "recoverjob-", StaleAfter: time.Hour, SweepOnStart: true},
		Recovery: RecoveryConfig{
			Mode:           ModePerFile,
			OutputArea:     "input",
			FailurePolicy:  "abort",
			Parallelism:    1,
			KillGrace:      time.Second,
			MaxStderrBytes: 1024,
		},
		Limits: LimitsConfig{MaxFiles: 10},
		Export: ExportConfig{Backend: BackendNone},
		Audit:  AuditConfig{Backend: BackendNone, Table: "recovery_jobs"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "missing base dir", mutate: func(c *Config) { c.Recordings.BaseDir = " " }, want: "recordings.base_dir"},
		{name: "bad extension", mutate: func(c *Config) { c.Recordings.Extension = "mcap" }, want: "recordings.extension"},
		{name: "prefix separator", mutate: func(c *Config) { c.Workspace.Prefix = "a/b" }, want: "workspace.prefix"},
		{name: "stale after", mutate: func(c *Config) { c.Workspace.StaleAfter = 0 }, want: "workspace.stale_after"},
		{name: "mode", mutate: func(c *Config) { c.Recovery.Mode = "stream" }, want: "recovery.mode"},
		{name: "batch needs binary", mutate: func(c *Config) { c.Recovery.Mode = ModeBatch }, want: "recovery.binary"},
		{name: "output area", mutate: func(c *Config) { c.Recovery.OutputArea = "tmp" }, want: "recovery.output_area"},
		{name: "failure policy", mutate: func(c *Config) { c.Recovery.FailurePolicy = "retry" }, want: "recovery.failure_policy"},
		{name: "parallelism", mutate: func(c *Config) { c.Recovery.Parallelism = 0 }, want: "recovery.parallelism"},
		{name: "timeout", mutate: func(c *Config) { c.Recovery.Timeout = -time.Second }, want: "recovery.timeout"},
		{name: "kill grace", mutate: func(c *Config) { c.Recovery.KillGrace = 0 }, want: "recovery.kill_grace"},
		{name: "stderr cap", mutate: func(c *Config) { c.Recovery.MaxStderrBytes = 0 }, want: "recovery.max_stderr_bytes"},
		{name: "env entry", mutate: func(c *Config) { c.Recovery.Env = []string{"NOEQUALS"} }, want: "recovery.env"},
		{name: "max files", mutate: func(c *Config) { c.Limits.MaxFiles = 0 }, want: "limits.max_files"},
		{name: "max bytes", mutate: func(c *Config) { c.Limits.MaxTotalBytes = -1 }, want: "limits.max_total_bytes"},
		{name: "job rate", mutate: func(c *Config) { c.Limits.JobsPerSecond = -1 }, want: "limits.jobs_per_second"},
		{name: "job burst", mutate: func(c *Config) { c.Limits.JobsPerSecond = 1 }, want: "limits.job_burst"},
		{name: "export backend", mutate: func(c *Config) { c.Export.Backend = "s3" }, want: "export.backend"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Export.Backend = BackendGCS }, want: "export.gcs_bucket"},
		{name: "local dir", mutate: func(c *Config) { c.Export.Backend = BackendLocal }, want: "export.local.base_dir"},
		{name: "pubsub topic", mutate: func(c *Config) { c.PubSub.ProjectID = "proj" }, want: "pubsub.topic_name"},
		{name: "audit dsn", mutate: func(c *Config) { c.Audit.Backend = BackendPostgres }, want: "audit.dsn"},
		{name: "audit backend", mutate: func(c *Config) { c.Audit.Backend = "mysql" }, want: "audit.backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestAddr(t *testing.T) {
	t.Parallel()
	if got := (Config{Server: ServerConfig{Port: 8000}}).Addr(); got != ":8000" {
		t.Fatalf("expected :8000, got %s", got)
	}
}

func TestLoadLegacyScriptPathSelectsBatch(t *testing.T) {
	t.Setenv("SCRIPT_PATH", "/opt/mcap_recover.sh")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Recovery.Mode != ModeBatch || cfg.Recovery.ToolBinary() != "/opt/mcap_recover.sh" {
		t.Fatalf("expected batch mode for a SCRIPT_PATH deployment, got %+v", cfg.Recovery)
	}
	if got := cfg.Recovery.ToolArgs(); len(got) != 1 || got[0] != "{input_dir}" {
		t.Fatalf("expected batch default args, got %v", got)
	}
}

func TestLoadLegacyScriptPathKeepsExplicitMode(t *testing.T) {
	t.Setenv("SCRIPT_PATH", "/opt/mcap_recover.sh")
	t.Setenv("RECOVER_RECOVERY_MODE", "per_file")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Recovery.Mode != ModePerFile {
		t.Fatalf("explicit mode must win, got %q", cfg.Recovery.Mode)
	}
}
