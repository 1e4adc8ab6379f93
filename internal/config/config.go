// Package config defines the daemon's configuration surface: defaults,
// applied over a TOML file on disk, applied over environment variables.
// The TOML decode call itself is the only external dependency; the
// layering is conduit's own. Values are not validated.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Daemon    DaemonConfig    `toml:"daemon"`
	Queue     QueueConfig     `toml:"queue"`
	Poll      PollConfig      `toml:"poll"`
	Runner    RunnerConfig    `toml:"runner"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	IPC       IPCConfig       `toml:"ipc"`
	Mount     MountConfig     `toml:"mount"`
	Policy    PolicyConfig    `toml:"policy"`
	Database  DatabaseConfig  `toml:"database"`
	Bridge    BridgeConfig    `toml:"bridge"`
}

type DaemonConfig struct {
	MainGroupFolder string `toml:"main_group_folder"`
	AssistantName   string `toml:"assistant_name"`
}

type QueueConfig struct {
	MaxConcurrentContainers int `toml:"max_concurrent_containers"`
}

type PollConfig struct {
	IntervalMs int `toml:"message_poll_interval_ms"`
}

type RunnerConfig struct {
	Binary           string   `toml:"binary"` // agent CLI invoked per run, e.g. "claude"
	Args             []string `toml:"args"`
	IdleTimeoutMs    int      `toml:"idle_timeout_ms"`
	HardTimeoutMs    int      `toml:"hard_timeout_ms"`
	MaxOutputBytes   int      `toml:"max_output_bytes"`
	ContainerRuntime string   `toml:"container_runtime"` // "" (subprocess) or "docker"
	ContainerImage   string   `toml:"container_image"`
}

type SchedulerConfig struct {
	PollIntervalMs int    `toml:"scheduler_poll_interval_ms"`
	Timezone       string `toml:"scheduler_timezone"`
}

type IPCConfig struct {
	PollIntervalMs int    `toml:"ipc_poll_interval_ms"`
	BaseDir        string `toml:"ipc_base_dir"`
}

type MountConfig struct {
	ProjectRoot   string `toml:"project_root"`
	AllowlistPath string `toml:"allowlist_path"`
	SkillsDir     string `toml:"skills_dir"`
	SecretsFile   string `toml:"secrets_file"`
}

type PolicyConfig struct {
	Binary              string   `toml:"binary"`
	ReadAllowlist       []string `toml:"read_allowlist"`
	WriteAllowlist      []string `toml:"write_allowlist"`
	MainGroupOnlyWrites bool     `toml:"main_group_only_writes"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"` // "sqlite" | "postgres"
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type BridgeConfig struct {
	Provider string `toml:"provider"` // "telegram"
	Token    string `toml:"token"`
}

// Default returns a Config with every interval/timeout at its documented
// fallback value.
func Default() Config {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Daemon: DaemonConfig{MainGroupFolder: "main", AssistantName: "Assistant"},
		Queue:  QueueConfig{MaxConcurrentContainers: 4},
		Poll:   PollConfig{IntervalMs: 2000},
		Runner: RunnerConfig{
			Binary:         "claude",
			Args:           []string{"--print", "--output-format", "stream-json"},
			IdleTimeoutMs:  5 * 60 * 1000,
			MaxOutputBytes: 1 << 20,
		},
		Scheduler: SchedulerConfig{PollIntervalMs: 30_000, Timezone: "UTC"},
		IPC:       IPCConfig{PollIntervalMs: 1000, BaseDir: filepath.Join(home, "conduit-ipc")},
		Database:  DatabaseConfig{Driver: "sqlite", Path: filepath.Join(home, "conduit.db")},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins). A
// missing file at path is not an error; the TOML layer is simply skipped.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "conduit.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("CONDUIT_BRIDGE_TOKEN"); v != "" {
		cfg.Bridge.Token = v
	}
	if v := os.Getenv("CONDUIT_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CONDUIT_MAIN_GROUP_FOLDER"); v != "" {
		cfg.Daemon.MainGroupFolder = v
	}

	return cfg, nil
}

func msOrDefault(ms, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// IdleTimeout is the runner's inactivity grace period.
func (r RunnerConfig) IdleTimeout() time.Duration { return msOrDefault(r.IdleTimeoutMs, 5*60*1000) }

// HardTimeout resolves the watchdog's wall-clock bound per the Open
// Question decision recorded in DESIGN.md: the configured value if it
// exceeds idle+30s, else idle+30s.
func (r RunnerConfig) HardTimeout() time.Duration {
	idlePlus := r.IdleTimeout() + 30*time.Second
	configured := time.Duration(r.HardTimeoutMs) * time.Millisecond
	if configured > idlePlus {
		return configured
	}
	return idlePlus
}

func (r RunnerConfig) MaxOutput() int {
	if r.MaxOutputBytes <= 0 {
		return 1 << 20
	}
	return r.MaxOutputBytes
}

func (p PollConfig) IntervalDuration() time.Duration      { return msOrDefault(p.IntervalMs, 2000) }
func (s SchedulerConfig) IntervalDuration() time.Duration { return msOrDefault(s.PollIntervalMs, 30_000) }
func (i IPCConfig) IntervalDuration() time.Duration       { return msOrDefault(i.PollIntervalMs, 1000) }

// Location resolves the scheduler's configured timezone, defaulting to UTC.
func (s SchedulerConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}
