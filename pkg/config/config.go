package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/rollout/pkg/deploy"
	"github.com/cuemby/rollout/pkg/ecs"
	"github.com/cuemby/rollout/pkg/monitor"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "ROLLOUT"

// ErrInvalid is wrapped by every validation error
var ErrInvalid = errors.New("invalid configuration")

// Configuration keys. Flags use the same names with dashes.
const (
	KeyService           = "service"
	KeyCluster           = "cluster"
	KeyTaskDefinition    = "task_definition"
	KeyFailureThreshold  = "failure_threshold"
	KeyContinueService   = "continue_service"
	KeyPollInterval      = "poll_interval"
	KeyMaxPollFailures   = "max_poll_failures"
	KeyRollbackPollLimit = "rollback_poll_limit"
	KeyRegion            = "region"
	KeyProfile           = "profile"
	KeyAssumeRole        = "assume_role"
	KeyHistoryDB         = "history_db"
	KeyMetricsAddr       = "metrics_addr"
	KeyLogLevel          = "log_level"
	KeyLogJSON           = "log_json"
)

// Config holds everything a rollout run needs
type Config struct {
	Service           string        `mapstructure:"service" yaml:"service"`
	Cluster           string        `mapstructure:"cluster" yaml:"cluster,omitempty"`
	TaskDefinition    string        `mapstructure:"task_definition" yaml:"task_definition"`
	FailureThreshold  int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ContinueService   bool          `mapstructure:"continue_service" yaml:"continue_service"`
	PollInterval      time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxPollFailures   int           `mapstructure:"max_poll_failures" yaml:"max_poll_failures"`
	RollbackPollLimit int           `mapstructure:"rollback_poll_limit" yaml:"rollback_poll_limit"`

	Region     string `mapstructure:"region" yaml:"region,omitempty"`
	Profile    string `mapstructure:"profile" yaml:"profile,omitempty"`
	AssumeRole string `mapstructure:"assume_role" yaml:"assume_role,omitempty"`

	HistoryDB   string `mapstructure:"history_db" yaml:"history_db,omitempty"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level,omitempty"`
	LogJSON     bool   `mapstructure:"log_json" yaml:"log_json,omitempty"`
}

// SetDefaults registers the default of every key. Keys without a default
// are registered empty so that environment variables reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyService, "")
	v.SetDefault(KeyCluster, "")
	v.SetDefault(KeyTaskDefinition, "")
	v.SetDefault(KeyFailureThreshold, 0)
	v.SetDefault(KeyContinueService, false)
	v.SetDefault(KeyPollInterval, monitor.DefaultInterval)
	v.SetDefault(KeyMaxPollFailures, monitor.DefaultMaxConsecutiveFailures)
	v.SetDefault(KeyRollbackPollLimit, deploy.DefaultRollbackPollLimit)
	v.SetDefault(KeyRegion, "")
	v.SetDefault(KeyProfile, "")
	v.SetDefault(KeyAssumeRole, "")
	v.SetDefault(KeyHistoryDB, "")
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogJSON, false)
}

// NewViper returns a viper instance with defaults and ROLLOUT_ environment
// lookup configured
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// FlagName returns the command line flag bound to a key
func FlagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// Load reads the configuration from v, reading the config file first when
// one is set
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields a rollout needs
func (c *Config) Validate() error {
	var problems []string
	if c.Service == "" {
		problems = append(problems, "service is required")
	}
	if c.TaskDefinition == "" {
		problems = append(problems, "task definition is required")
	}
	if c.FailureThreshold < 0 {
		problems = append(problems, fmt.Sprintf("failure threshold must not be negative, got %d", c.FailureThreshold))
	}
	if c.PollInterval < 0 {
		problems = append(problems, fmt.Sprintf("poll interval must not be negative, got %s", c.PollInterval))
	}
	if c.MaxPollFailures < 0 {
		problems = append(problems, fmt.Sprintf("max poll failures must not be negative, got %d", c.MaxPollFailures))
	}
	if c.RollbackPollLimit < 0 {
		problems = append(problems, fmt.Sprintf("rollback poll limit must not be negative, got %d", c.RollbackPollLimit))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Descriptor returns the service the configuration targets
func (c *Config) Descriptor() types.ServiceDescriptor {
	return types.ServiceDescriptor{ServiceName: c.Service, ClusterARN: c.Cluster}
}

// DeployConfig converts to the controller configuration
func (c *Config) DeployConfig() deploy.Config {
	return deploy.Config{
		Service: c.Descriptor(),
		Spec: types.DeploymentSpec{
			TaskDefinitionARN: c.TaskDefinition,
			FailureThreshold:  c.FailureThreshold,
			ContinueOnFailure: c.ContinueService,
		},
		PollInterval:               c.PollInterval,
		MaxConsecutivePollFailures: c.MaxPollFailures,
		RollbackPollLimit:          c.RollbackPollLimit,
	}
}

// ECSConfig converts to the AWS connection settings
func (c *Config) ECSConfig() ecs.Config {
	return ecs.Config{
		Region:     c.Region,
		Profile:    c.Profile,
		AssumeRole: c.AssumeRole,
	}
}
