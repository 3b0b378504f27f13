// Copyright The ScyllaDB Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the construction parameters of the load balancer:
// the seed node list, the optional datacenter/rack affinity, the pooled
// transport settings and the membership refresh tuning.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	config_util "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v2"
)

// DefaultConfig is the configuration with all tunables at their defaults.
// Credentials default to the conventional Alternator dummies; Alternator
// does not verify them unless authorization is enabled on the cluster.
var DefaultConfig = Config{
	Port:               8000,
	Scheme:             "http",
	MaxPoolConnections: 10,
	IdleTimeout:        model.Duration(1 * time.Hour),
	UpdateInterval:     model.Duration(30 * time.Second),
	RequestTimeout:     model.Duration(10 * time.Second),
	Retry:              DefaultRetryConfig,
	Region:             "us-east-1",
	AccessKeyID:        "alternator",
	SecretAccessKey:    "alternator-secret",
}

// DefaultRetryConfig is the default backoff applied to the initial
// synchronous discovery.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialInterval: model.Duration(1 * time.Second),
	MaxInterval:     model.Duration(30 * time.Second),
	Multiplier:      2.0,
}

// RetryConfig configures the bounded retry of the initial discovery.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// InitialInterval is the backoff before the second attempt.
	InitialInterval model.Duration `yaml:"initial_interval,omitempty"`
	// MaxInterval caps the backoff between attempts.
	MaxInterval model.Duration `yaml:"max_interval,omitempty"`
	// Multiplier grows the backoff after each failed attempt.
	Multiplier float64 `yaml:"multiplier,omitempty"`
}

// Config is the load balancer configuration.
type Config struct {
	// Nodes are the seed hosts used to bootstrap discovery. At least one
	// is required; the live list is refreshed from the cluster itself.
	Nodes []string `yaml:"nodes"`
	// Port is the Alternator port used for every node.
	Port int `yaml:"port,omitempty"`
	// Scheme is "http" or "https".
	Scheme string `yaml:"scheme,omitempty"`
	// Datacenter restricts routing to one datacenter when set.
	Datacenter string `yaml:"datacenter,omitempty"`
	// Rack restricts routing to one rack; requires Datacenter.
	Rack string `yaml:"rack,omitempty"`

	// MaxPoolConnections bounds the pooled connections kept per node.
	MaxPoolConnections int `yaml:"max_pool_connections,omitempty"`
	// IdleTimeout closes pooled connections idle for longer than this.
	IdleTimeout model.Duration `yaml:"idle_timeout,omitempty"`

	// UpdateInterval is the period of the background membership refresh.
	// Zero disables the background task; the node set then only holds the
	// result of the initial discovery.
	UpdateInterval model.Duration `yaml:"update_interval,omitempty"`
	// RequestTimeout bounds each membership query.
	RequestTimeout model.Duration `yaml:"request_timeout,omitempty"`
	// Retry tunes the initial discovery backoff.
	Retry RetryConfig `yaml:"retry,omitempty"`

	// Region, AccessKeyID and SecretAccessKey are handed to the AWS SDK.
	Region          string             `yaml:"region,omitempty"`
	AccessKeyID     string             `yaml:"access_key_id,omitempty"`
	SecretAccessKey config_util.Secret `yaml:"secret_access_key,omitempty"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(any) error) error {
	*c = DefaultConfig
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks the configuration for operator mistakes that cannot be
// papered over with defaults.
func (c *Config) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("at least one seed node is required")
	}
	for _, n := range c.Nodes {
		if n == "" {
			return errors.New("seed node must not be empty")
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Scheme != "http" && c.Scheme != "https" {
		return fmt.Errorf("scheme must be 'http' or 'https', got %q", c.Scheme)
	}
	if c.Rack != "" && c.Datacenter == "" {
		return errors.New("rack requires a datacenter")
	}
	if c.MaxPoolConnections <= 0 {
		return fmt.Errorf("max_pool_connections must be positive, got %d", c.MaxPoolConnections)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry max_attempts must be at least 1")
	}
	if c.Retry.InitialInterval <= 0 {
		return errors.New("retry initial_interval must be greater than 0")
	}
	if c.Retry.MaxInterval <= 0 {
		return errors.New("retry max_interval must be greater than 0")
	}
	if c.Retry.Multiplier <= 0 {
		return errors.New("retry multiplier must be greater than 0")
	}
	return nil
}

// Load parses a YAML configuration.
func Load(b []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(b)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return cfg, nil
}
