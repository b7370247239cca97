package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/silobase/silo/pkg/store"
)

// Registry modes.
const (
	ModeLocal       = "local"
	ModeDistributed = "distributed"
)

// Scheduler backends.
const (
	BackendPoll        = "poll"
	BackendExternalJob = "external_job"
)

// Key conversion policies for loaded state documents.
const (
	KeysStrings         = "strings"
	KeysExistingSymbols = "existing-symbols"
	KeysCreateSymbols   = "create-symbols"
)

// Duration is a time.Duration that unmarshals from "30s"-style YAML
// strings.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full runtime configuration. Zero values fall back to
// the defaults in Default.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Entity    EntityConfig    `yaml:"entity"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Invoke    InvokeConfig    `yaml:"invoke"`
}

type NodeConfig struct {
	// ID must be unique per cluster member. Empty generates one.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	// Driver is "sqlite" or "postgres". Empty means no store: entities
	// live in memory only and the poll scheduler is unavailable.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// Prefix scopes table names; it is passed through unchanged on
	// every store and scheduler call.
	Prefix string `yaml:"prefix"`

	AutoMigrate bool `yaml:"auto_migrate"`
}

// Enabled reports whether a persistence backend is configured.
func (s StoreConfig) Enabled() bool { return s.Driver != "" || s.DSN != "" }

type RegistryConfig struct {
	Mode          string   `yaml:"mode"`
	BindAddr      string   `yaml:"bind_addr"`
	AdvertiseAddr string   `yaml:"advertise_addr"`
	GRPCAddr      string   `yaml:"grpc_addr"`
	Members       []string `yaml:"members"`
}

type SchedulerConfig struct {
	Backend         string   `yaml:"backend"`
	PollingInterval Duration `yaml:"polling_interval"`
	ClaimTTL        Duration `yaml:"claim_ttl"`

	// Queue names the external-job backend's tag namespace.
	Queue string `yaml:"queue"`
}

type EntityConfig struct {
	HibernateAfter Duration `yaml:"hibernate_after"`
	ShutdownAfter  Duration `yaml:"shutdown_after"`

	// ObjectKeys is the process-wide key conversion policy; per-type
	// options override it.
	ObjectKeys string `yaml:"object_keys"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Stdout   bool   `yaml:"stdout"`
	Endpoint string `yaml:"endpoint"`
}

type MetricsConfig struct {
	// Addr serves prometheus metrics and health endpoints when set.
	Addr string `yaml:"addr"`
}

type InvokeConfig struct {
	Deadline Duration `yaml:"deadline"`
	Mailbox  int      `yaml:"mailbox"`
}

// Default returns the configuration a bare node runs with.
func Default() Config {
	return Config{
		Node: NodeConfig{DataDir: "./data"},
		Log:  LogConfig{Level: "info"},
		Registry: RegistryConfig{
			Mode: ModeLocal,
		},
		Scheduler: SchedulerConfig{
			PollingInterval: Duration(30 * time.Second),
			ClaimTTL:        Duration(60 * time.Second),
			Queue:           "silo",
		},
		Entity: EntityConfig{
			HibernateAfter: Duration(5 * time.Minute),
			ObjectKeys:     KeysStrings,
		},
		Invoke: InvokeConfig{
			Deadline: Duration(5 * time.Second),
			Mailbox:  64,
		},
		Store: StoreConfig{AutoMigrate: true},
	}
}

// Load reads a YAML config file over the defaults. A missing path is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects combinations the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Registry.Mode {
	case "", ModeLocal:
	case ModeDistributed:
		if c.Registry.BindAddr == "" {
			return fmt.Errorf("config: distributed mode requires registry.bind_addr")
		}
		if c.Registry.GRPCAddr == "" {
			return fmt.Errorf("config: distributed mode requires registry.grpc_addr")
		}
	default:
		return fmt.Errorf("config: unknown registry mode %q", c.Registry.Mode)
	}

	switch c.Scheduler.Backend {
	case "", BackendPoll, BackendExternalJob:
	default:
		return fmt.Errorf("config: unknown scheduler backend %q", c.Scheduler.Backend)
	}
	if c.Scheduler.PollingInterval < 0 {
		return fmt.Errorf("config: polling_interval must be positive")
	}
	if c.Scheduler.ClaimTTL < 0 {
		return fmt.Errorf("config: claim_ttl must be positive")
	}

	if c.Store.Enabled() {
		switch c.Store.Driver {
		case "", store.DriverSQLite, store.DriverPostgres:
		default:
			return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
		}
	} else if c.Scheduler.Backend == BackendPoll {
		// Poll needs the alarm table. A storeless node must use the
		// in-process backend; an unset backend degrades to it.
		return fmt.Errorf("config: the poll scheduler requires a store; set scheduler.backend to %q or configure store.driver", BackendExternalJob)
	}

	switch c.Entity.ObjectKeys {
	case "", KeysStrings, KeysExistingSymbols, KeysCreateSymbols:
	default:
		return fmt.Errorf("config: unknown object_keys policy %q", c.Entity.ObjectKeys)
	}

	if c.Invoke.Deadline < 0 {
		return fmt.Errorf("config: invoke deadline must be positive")
	}
	return nil
}
