// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

// Package config loads platform configuration files. Files follow the
// Kubernetes-style apiVersion/kind pattern under the agentflow.io group;
// environment variables override the values that operators most often
// change per deployment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlatformFile represents a complete platform configuration file.
type PlatformFile struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   PlatformMetadata `yaml:"metadata"`
	Spec       PlatformSpec     `yaml:"spec"`
}

// PlatformMetadata identifies the configuration.
type PlatformMetadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// PlatformSpec holds the per-component configuration sections.
type PlatformSpec struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Registry     RegistryConfig     `yaml:"registry"`
	Scorer       ScorerConfig       `yaml:"scorer"`
	LLM          LLMConfig          `yaml:"llm"`
	Memory       MemoryConfig       `yaml:"memory"`
	Server       ServerConfig       `yaml:"server"`
	Audit        AuditConfig        `yaml:"audit"`
	Agents       []AgentDef         `yaml:"agents"`
}

// OrchestratorConfig tunes delegation, retry, and breaker behavior.
type OrchestratorConfig struct {
	MaxRetries             int     `yaml:"maxRetries"`
	BaseDelayMs            int     `yaml:"baseDelayMs"`
	BackoffMultiplier      float64 `yaml:"backoffMultiplier"`
	MaxRedelegations       int     `yaml:"maxRedelegations"`
	BreakerThreshold       int     `yaml:"breakerThreshold"`
	BreakerResetSeconds    int     `yaml:"breakerResetSeconds"`
	MaxConcurrentTasks     int     `yaml:"maxConcurrentTasks"`
	ShutdownTimeoutSeconds int     `yaml:"shutdownTimeoutSeconds"`
}

// RegistryConfig tunes the agent health sweep.
type RegistryConfig struct {
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`
}

// ScorerConfig overrides the agent-selection weights. Zero values fall
// back to the built-in defaults.
type ScorerConfig struct {
	RoleMatch    float64 `yaml:"roleMatch"`
	KeywordMatch float64 `yaml:"keywordMatch"`
	Performance  float64 `yaml:"performance"`
	LoadBalance  float64 `yaml:"loadBalance"`
	Availability float64 `yaml:"availability"`
	Experience   float64 `yaml:"experience"`
	ResponseTime float64 `yaml:"responseTime"`
}

// LLMConfig selects the generation provider.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // mock, bedrock
	Region      string  `yaml:"region"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"maxTokens"`
}

// MemoryConfig selects the global-memory backend.
type MemoryConfig struct {
	Store string      `yaml:"store"` // memory, redis
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig points at the Redis backend when memory.store is redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ServerConfig tunes the HTTP observability surface.
type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// AuditConfig points at the audit database. Empty disables auditing.
type AuditConfig struct {
	DatabaseURL string `yaml:"databaseUrl"`
}

// AgentDef declares one agent the platform registers at startup.
type AgentDef struct {
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Description  string   `yaml:"description"`
	Goals        []string `yaml:"goals,omitempty"`
	Instructions []string `yaml:"instructions,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Temperature  float64  `yaml:"temperature,omitempty"`
	MaxTokens    int      `yaml:"maxTokens,omitempty"`
}

// Configuration constants
const (
	// MaxTemperature is the maximum allowed generation temperature.
	MaxTemperature = 2.0

	// DefaultPort is the HTTP port when none is configured.
	DefaultPort = "8080"
)

// ValidProviders lists the allowed llm.provider values.
var ValidProviders = map[string]bool{
	"":        true,
	"mock":    true,
	"bedrock": true,
}

// ValidStores lists the allowed memory.store values.
var ValidStores = map[string]bool{
	"":       true,
	"memory": true,
	"redis":  true,
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Default returns a configuration that runs entirely in-process: mock
// provider, in-memory store, no audit database.
func Default() *PlatformFile {
	return &PlatformFile{
		APIVersion: "agentflow.io/v1",
		Kind:       "Platform",
		Metadata:   PlatformMetadata{Name: "agentflow"},
		Spec: PlatformSpec{
			LLM:    LLMConfig{Provider: "mock"},
			Memory: MemoryConfig{Store: "memory"},
			Server: ServerConfig{Port: DefaultPort},
		},
	}
}

// Load reads and parses a platform configuration file.
func Load(path string) (*PlatformFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses YAML data into a PlatformFile and validates it.
func Parse(data []byte) (*PlatformFile, error) {
	var cfg PlatformFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks a platform configuration for correctness.
func Validate(cfg *PlatformFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if !strings.HasPrefix(cfg.APIVersion, "agentflow.io/") {
		return fmt.Errorf("invalid apiVersion: must start with 'agentflow.io/', got '%s'", cfg.APIVersion)
	}

	if cfg.Kind != "Platform" {
		return fmt.Errorf("invalid kind: expected 'Platform', got '%s'", cfg.Kind)
	}

	if err := validateMetadata(&cfg.Metadata); err != nil {
		return fmt.Errorf("metadata validation failed: %w", err)
	}

	if err := validateSpec(&cfg.Spec); err != nil {
		return fmt.Errorf("spec validation failed: %w", err)
	}

	return nil
}

func validateMetadata(metadata *PlatformMetadata) error {
	if metadata.Name == "" {
		return fmt.Errorf("name is required")
	}

	if !identifierPattern.MatchString(metadata.Name) {
		return fmt.Errorf("name '%s' is invalid: must be lowercase alphanumeric with hyphens", metadata.Name)
	}

	return nil
}

func validateSpec(spec *PlatformSpec) error {
	if err := validateOrchestrator(&spec.Orchestrator); err != nil {
		return fmt.Errorf("orchestrator config invalid: %w", err)
	}

	if spec.Registry.SweepIntervalSeconds < 0 {
		return fmt.Errorf("registry config invalid: sweepIntervalSeconds cannot be negative")
	}

	if err := validateScorer(&spec.Scorer); err != nil {
		return fmt.Errorf("scorer config invalid: %w", err)
	}

	if err := validateLLM(&spec.LLM); err != nil {
		return fmt.Errorf("llm config invalid: %w", err)
	}

	if err := validateMemory(&spec.Memory); err != nil {
		return fmt.Errorf("memory config invalid: %w", err)
	}

	agentNames := make(map[string]bool)
	for i, agent := range spec.Agents {
		if err := validateAgent(&agent); err != nil {
			return fmt.Errorf("agent %d (%s) invalid: %w", i, agent.Name, err)
		}

		if agentNames[agent.Name] {
			return fmt.Errorf("duplicate agent name: %s", agent.Name)
		}
		agentNames[agent.Name] = true
	}

	return nil
}

func validateOrchestrator(cfg *OrchestratorConfig) error {
	if cfg.MaxRetries < 0 {
		return fmt.Errorf("maxRetries cannot be negative")
	}
	if cfg.BaseDelayMs < 0 {
		return fmt.Errorf("baseDelayMs cannot be negative")
	}
	if cfg.BackoffMultiplier < 0 {
		return fmt.Errorf("backoffMultiplier cannot be negative")
	}
	if cfg.BreakerThreshold < 0 {
		return fmt.Errorf("breakerThreshold cannot be negative")
	}
	if cfg.BreakerResetSeconds < 0 {
		return fmt.Errorf("breakerResetSeconds cannot be negative")
	}
	if cfg.MaxConcurrentTasks < 0 {
		return fmt.Errorf("maxConcurrentTasks cannot be negative")
	}
	if cfg.ShutdownTimeoutSeconds < 0 {
		return fmt.Errorf("shutdownTimeoutSeconds cannot be negative")
	}
	return nil
}

func validateScorer(cfg *ScorerConfig) error {
	weights := map[string]float64{
		"roleMatch":    cfg.RoleMatch,
		"keywordMatch": cfg.KeywordMatch,
		"performance":  cfg.Performance,
		"loadBalance":  cfg.LoadBalance,
		"availability": cfg.Availability,
		"experience":   cfg.Experience,
		"responseTime": cfg.ResponseTime,
	}
	for name, w := range weights {
		if w < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	return nil
}

func validateLLM(cfg *LLMConfig) error {
	if !ValidProviders[cfg.Provider] {
		return fmt.Errorf("invalid provider '%s': must be one of mock, bedrock", cfg.Provider)
	}
	if cfg.Temperature < 0 || cfg.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %.2f out of range [0, %.1f]", cfg.Temperature, MaxTemperature)
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("maxTokens cannot be negative")
	}
	return nil
}

func validateMemory(cfg *MemoryConfig) error {
	if !ValidStores[cfg.Store] {
		return fmt.Errorf("invalid store '%s': must be one of memory, redis", cfg.Store)
	}
	if cfg.Store == "redis" && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis store requires redis.addr")
	}
	return nil
}

func validateAgent(agent *AgentDef) error {
	if agent.Name == "" {
		return fmt.Errorf("name is required")
	}

	if !identifierPattern.MatchString(agent.Name) {
		return fmt.Errorf("name '%s' is invalid: must be lowercase alphanumeric with hyphens", agent.Name)
	}

	if agent.Role == "" {
		return fmt.Errorf("role is required")
	}

	if agent.Temperature < 0 || agent.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %.2f out of range [0, %.1f]", agent.Temperature, MaxTemperature)
	}

	return nil
}

// ApplyEnvOverrides layers deployment environment variables over the
// loaded file. Called after Load, before the config is consumed.
func (cfg *PlatformFile) ApplyEnvOverrides() {
	cfg.Spec.Server.Port = getEnv("AGENTFLOW_PORT", cfg.Spec.Server.Port)
	cfg.Spec.LLM.Provider = getEnv("AGENTFLOW_LLM_PROVIDER", cfg.Spec.LLM.Provider)
	cfg.Spec.LLM.Region = getEnv("AGENTFLOW_BEDROCK_REGION", cfg.Spec.LLM.Region)
	cfg.Spec.LLM.Model = getEnv("AGENTFLOW_BEDROCK_MODEL", cfg.Spec.LLM.Model)
	cfg.Spec.Memory.Store = getEnv("AGENTFLOW_MEMORY_STORE", cfg.Spec.Memory.Store)
	cfg.Spec.Memory.Redis.Addr = getEnv("AGENTFLOW_REDIS_ADDR", cfg.Spec.Memory.Redis.Addr)
	cfg.Spec.Memory.Redis.Password = getEnv("AGENTFLOW_REDIS_PASSWORD", cfg.Spec.Memory.Redis.Password)
	if db := os.Getenv("AGENTFLOW_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Spec.Memory.Redis.DB = n
		}
	}
	cfg.Spec.Audit.DatabaseURL = getEnv("DATABASE_URL", cfg.Spec.Audit.DatabaseURL)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
