// Package config holds the configuration surface shared by the manager and bridge binaries.
//
// Values resolve in this order, later sources winning: built-in defaults, the
// optional YAML file, environment variables, then explicitly set command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvConfigFile        = "CONFIG_FILE"
	EnvAllowedNamespaces = "ALLOWED_NAMESPACES"
	EnvPollInterval      = "POLL_INTERVAL"
	EnvFailureThreshold  = "FAILURE_THRESHOLD"
	EnvGracePeriod       = "GRACE_PERIOD"
	EnvListenAddr        = "LISTEN_ADDR"
	EnvLogLevel          = "LOG_LEVEL"
)

// Duration is a time.Duration that unmarshals from strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: parsing duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete configuration.
type Config struct {
	// Namespaces restricts discovery and bridging. Empty means all namespaces.
	Namespaces []string         `yaml:"namespaces"`
	Controller ControllerConfig `yaml:"controller"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	LogLevel   string           `yaml:"logLevel"`
}

// ControllerConfig tunes the discovery controller.
type ControllerConfig struct {
	LabelSelector    string `yaml:"labelSelector"`
	WorkloadGroup    string `yaml:"workloadGroup"`
	WorkloadVersion  string `yaml:"workloadVersion"`
	WorkloadResource string `yaml:"workloadResource"`
	WorkloadKind     string `yaml:"workloadKind"`
	ManifestPath     string `yaml:"manifestPath"`

	PollInterval        Duration `yaml:"pollInterval"`
	PollJitter          float64  `yaml:"pollJitter"`
	FetchTimeout        Duration `yaml:"fetchTimeout"`
	FailureThreshold    int      `yaml:"failureThreshold"`
	GracePeriod         Duration `yaml:"gracePeriod"`
	BackoffBase         Duration `yaml:"backoffBase"`
	BackoffMax          Duration `yaml:"backoffMax"`
	SyncRefreshInterval Duration `yaml:"syncRefreshInterval"`
	Workers             int      `yaml:"workers"`
	ConflictRetries     int      `yaml:"conflictRetries"`
	EventBuffer         int      `yaml:"eventBuffer"`

	MetricsAddr    string `yaml:"metricsAddr"`
	ProbeAddr      string `yaml:"probeAddr"`
	LeaderElection bool   `yaml:"leaderElection"`
}

// BridgeConfig tunes the protocol bridge.
type BridgeConfig struct {
	Addr             string   `yaml:"addr"`
	MetricsAddr      string   `yaml:"metricsAddr"`
	DefaultNamespace string   `yaml:"defaultNamespace"`
	RequestTimeout   Duration `yaml:"requestTimeout"`
	// StreamCancelGrace bounds how long an upstream stream may linger after the caller goes away.
	StreamCancelGrace     Duration `yaml:"streamCancelGrace"`
	ClientCacheTTL        Duration `yaml:"clientCacheTTL"`
	MaxConcurrentPerAgent int32    `yaml:"maxConcurrentPerAgent"`
	MaxQueuePerAgent      int32    `yaml:"maxQueuePerAgent"`
	QueueTimeout          Duration `yaml:"queueTimeout"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			LabelSelector:       "kagenti.io/type=agent",
			WorkloadGroup:       "apps",
			WorkloadVersion:     "v1",
			WorkloadResource:    "deployments",
			WorkloadKind:        "Deployment",
			ManifestPath:        "/.well-known/agent.json",
			PollInterval:        Duration(30 * time.Second),
			PollJitter:          0.2,
			FetchTimeout:        Duration(5 * time.Second),
			FailureThreshold:    3,
			GracePeriod:         Duration(2 * time.Minute),
			BackoffBase:         Duration(time.Second),
			BackoffMax:          Duration(5 * time.Minute),
			SyncRefreshInterval: Duration(10 * time.Minute),
			Workers:             4,
			ConflictRetries:     5,
			EventBuffer:         256,
			MetricsAddr:         ":8080",
			ProbeAddr:           ":8081",
		},
		Bridge: BridgeConfig{
			Addr:                  ":8000",
			MetricsAddr:           ":9090",
			DefaultNamespace:      "default",
			RequestTimeout:        Duration(5 * time.Minute),
			StreamCancelGrace:     Duration(2 * time.Second),
			ClientCacheTTL:        Duration(5 * time.Minute),
			MaxConcurrentPerAgent: 16,
			MaxQueuePerAgent:      32,
			QueueTimeout:          Duration(30 * time.Second),
		},
		LogLevel: "info",
	}
}

// Load reads a YAML file on top of the defaults. ${VAR} references are
// expanded from the environment before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

// ApplyEnv overrides cfg with the environment variables that are set.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvAllowedNamespaces); ok {
		c.Namespaces = splitList(v)
	}
	if v, ok := os.LookupEnv(EnvPollInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPollInterval, err)
		}
		c.Controller.PollInterval = Duration(d)
	}
	if v, ok := os.LookupEnv(EnvFailureThreshold); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvFailureThreshold, err)
		}
		c.Controller.FailureThreshold = n
	}
	if v, ok := os.LookupEnv(EnvGracePeriod); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvGracePeriod, err)
		}
		c.Controller.GracePeriod = Duration(d)
	}
	if v, ok := os.LookupEnv(EnvListenAddr); ok && v != "" {
		c.Bridge.Addr = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	cc := c.Controller
	if cc.PollInterval.Std() <= 0 {
		errs = append(errs, errors.New("controller.pollInterval must be positive"))
	}
	if cc.PollJitter < 0 || cc.PollJitter > 1 {
		errs = append(errs, errors.New("controller.pollJitter must be within [0,1]"))
	}
	if cc.FetchTimeout.Std() <= 0 {
		errs = append(errs, errors.New("controller.fetchTimeout must be positive"))
	}
	if cc.FailureThreshold < 1 {
		errs = append(errs, errors.New("controller.failureThreshold must be at least 1"))
	}
	if cc.GracePeriod.Std() < 0 {
		errs = append(errs, errors.New("controller.gracePeriod must not be negative"))
	}
	if cc.BackoffBase.Std() <= 0 || cc.BackoffMax.Std() < cc.BackoffBase.Std() {
		errs = append(errs, errors.New("controller.backoffMax must be >= backoffBase > 0"))
	}
	if cc.Workers < 1 {
		errs = append(errs, errors.New("controller.workers must be at least 1"))
	}
	if cc.ConflictRetries < 1 {
		errs = append(errs, errors.New("controller.conflictRetries must be at least 1"))
	}
	if cc.WorkloadVersion == "" || cc.WorkloadResource == "" {
		errs = append(errs, errors.New("controller.workloadVersion and workloadResource are required"))
	}
	if c.Bridge.Addr == "" {
		errs = append(errs, errors.New("bridge.addr is required"))
	}
	if c.Bridge.RequestTimeout.Std() <= 0 {
		errs = append(errs, errors.New("bridge.requestTimeout must be positive"))
	}
	if c.Bridge.ClientCacheTTL.Std() <= 0 {
		errs = append(errs, errors.New("bridge.clientCacheTTL must be positive"))
	}
	return errors.Join(errs...)
}

// NamespaceAllowed reports whether ns is inside the configured restriction.
func (c *Config) NamespaceAllowed(ns string) bool {
	if len(c.Namespaces) == 0 {
		return true
	}
	for _, allowed := range c.Namespaces {
		if allowed == ns {
			return true
		}
	}
	return false
}

// Resolve builds the final configuration. fs must already be parsed and must
// have been populated by bind against a throwaway Config; flags the user set
// explicitly are replayed on top of file and environment values. A nil fs
// skips the replay.
func Resolve(path string, fs *flag.FlagSet, bind func(*flag.FlagSet, *Config)) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if fs != nil && bind != nil {
		if err := replayFlags(cfg, fs, bind); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func replayFlags(cfg *Config, fs *flag.FlagSet, bind func(*flag.FlagSet, *Config)) error {
	replay := flag.NewFlagSet("replay", flag.ContinueOnError)
	bind(replay, cfg)

	var setErr error
	fs.Visit(func(f *flag.Flag) {
		if setErr != nil || replay.Lookup(f.Name) == nil {
			return
		}
		if err := replay.Set(f.Name, f.Value.String()); err != nil {
			setErr = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	return setErr
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
