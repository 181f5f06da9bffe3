// Package config loads nodeguard configuration and workflow definitions
// from YAML.
//
// A file is checked against an embedded JSON schema before it is decoded,
// and ${VAR} references are expanded from the environment. Retry settings
// left out of the file keep the values of retry.DefaultConfig.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"
	"github.com/xeipuuv/gojsonschema"

	"github.com/agentstation/nodeguard/execlog"
	"github.com/agentstation/nodeguard/retry"
)

//go:embed schema.json
var schemaJSON string

var schema = gojsonschema.NewStringLoader(schemaJSON)

// File is the top-level configuration document.
type File struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Retry    RetrySpec      `yaml:"retry"`
	Executor ExecutorConfig `yaml:"executor"`
	Workflow Workflow       `yaml:"workflow"`
}

// LoggerConfig configures the execution logger.
type LoggerConfig struct {
	MinLevel string `yaml:"min_level"`
}

// RetrySpec overrides retry defaults. Nil fields keep the base value.
type RetrySpec struct {
	MaxRetries        *int     `yaml:"max_retries"`
	InitialDelayMs    *int64   `yaml:"initial_delay_ms"`
	MaxDelayMs        *int64   `yaml:"max_delay_ms"`
	BackoffMultiplier *float64 `yaml:"backoff_multiplier"`
}

// ExecutorConfig configures graph execution.
type ExecutorConfig struct {
	AgentType  string `yaml:"agent_type"`
	UserID     string `yaml:"user_id"`
	OutputPath string `yaml:"output_path"`
}

// Workflow describes a graph of scripted nodes.
type Workflow struct {
	Name     string     `yaml:"name"`
	Entry    string     `yaml:"entry"`
	MaxSteps int        `yaml:"max_steps"`
	Nodes    []NodeSpec `yaml:"nodes"`
	Edges    []EdgeSpec `yaml:"edges"`
}

// NodeSpec describes one node.
type NodeSpec struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Script       string         `yaml:"script"`
	ScriptFile   string         `yaml:"script_file"`
	Retry        *RetrySpec     `yaml:"retry"`
	TimeoutMs    int64          `yaml:"timeout_ms"`
	OutputSchema map[string]any `yaml:"output_schema"`
}

// EdgeSpec connects two nodes. When is an optional condition expression.
type EdgeSpec struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
	When string `yaml:"when"`
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse validates and decodes a YAML document.
func Parse(data []byte) (*File, error) {
	data = []byte(os.ExpandEnv(string(data)))
	if err := Validate(data); err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := execlog.ParseLevel(f.Logger.MinLevel); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks a YAML document against the configuration schema.
func Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// MinLevel returns the configured execution log level.
func (f *File) MinLevel() execlog.Level {
	level, _ := execlog.ParseLevel(f.Logger.MinLevel)
	return level
}

// RetryConfig returns the file-wide retry configuration.
func (f *File) RetryConfig() retry.Config {
	return f.Retry.Apply(retry.DefaultConfig())
}

// Apply overlays the set fields of r onto base.
func (r RetrySpec) Apply(base retry.Config) retry.Config {
	opts := []retry.Option{func(c *retry.Config) { *c = base }}
	if r.MaxRetries != nil {
		opts = append(opts, retry.WithMaxRetries(*r.MaxRetries))
	}
	if r.InitialDelayMs != nil {
		opts = append(opts, retry.WithInitialDelay(time.Duration(*r.InitialDelayMs)*time.Millisecond))
	}
	if r.MaxDelayMs != nil {
		opts = append(opts, retry.WithMaxDelay(time.Duration(*r.MaxDelayMs)*time.Millisecond))
	}
	if r.BackoffMultiplier != nil {
		opts = append(opts, retry.WithBackoffMultiplier(*r.BackoffMultiplier))
	}
	return retry.NewConfig(opts...)
}

// Inherit fills the unset fields of r from parent. Fields set on r win,
// explicit zeros included. Neither spec is modified.
func (r RetrySpec) Inherit(parent RetrySpec) (RetrySpec, error) {
	merged := r
	if err := mergo.Merge(&merged, parent, mergo.WithoutDereference); err != nil {
		return r, fmt.Errorf("inherit retry settings: %w", err)
	}
	return merged, nil
}

// RetryConfig returns the node's retry configuration: its own retry block,
// then the file-wide one, then retry.DefaultConfig.
func (n NodeSpec) RetryConfig(file RetrySpec) (retry.Config, error) {
	if n.Retry == nil {
		return file.Apply(retry.DefaultConfig()), nil
	}
	spec, err := n.Retry.Inherit(file)
	if err != nil {
		return retry.Config{}, fmt.Errorf("node %s: %w", n.Name, err)
	}
	return spec.Apply(retry.DefaultConfig()), nil
}

// Timeout returns the per-attempt timeout.
func (n NodeSpec) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}
