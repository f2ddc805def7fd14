// Package config loads agentciv configuration from an optional TOML
// file with environment-variable overrides (AGENTCIV_* prefix).
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/agentciv/agentciv/pkg/llm"
	"github.com/agentciv/agentciv/pkg/sandbox"
)

// Sandbox holds per-agent container resource ceilings.
type Sandbox struct {
	Image          string  `toml:"image"`
	MemoryMB       int64   `toml:"memory_mb"`
	CPUFraction    float64 `toml:"cpu_fraction"`
	PidsLimit      int64   `toml:"pids_limit"`
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

// Web holds the dashboard listen address.
type Web struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Pricing is the per-million-token cost table for budget estimates.
type Pricing struct {
	InputPerMTok  float64 `toml:"input_per_mtok"`
	OutputPerMTok float64 `toml:"output_per_mtok"`
}

// Config is the full runtime configuration.
type Config struct {
	GeminiAPIKey     string `toml:"gemini_api_key"`
	Model            string `toml:"model"`
	MaxTokensPerTurn int    `toml:"max_tokens_per_turn"`

	MaxAgentDepth     int `toml:"max_agent_depth"`
	MaxAgents         int `toml:"max_agents"`
	MaxLoopIterations int `toml:"max_loop_iterations"`

	DataDir string `toml:"data_dir"`

	Sandbox Sandbox `toml:"sandbox"`

	ToolificationThreshold int `toml:"toolification_threshold"`

	Web Web `toml:"web"`

	MaxCostPerSessionUSD float64 `toml:"max_cost_per_session_usd"`
	Pricing              Pricing `toml:"pricing"`

	LogLevel string `toml:"log_level"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Model:             "gemini-2.0-flash",
		MaxTokensPerTurn:  4096,
		MaxAgentDepth:     10,
		MaxAgents:         50,
		MaxLoopIterations: 20,
		DataDir:           "data/civilizations",
		Sandbox: Sandbox{
			Image:          "python:3.12-slim",
			MemoryMB:       256,
			CPUFraction:    0.5,
			PidsLimit:      64,
			TimeoutSeconds: 30,
		},
		ToolificationThreshold: 3,
		Web: Web{
			Host: "127.0.0.1",
			Port: 8420,
		},
		MaxCostPerSessionUSD: 10.0,
		Pricing: Pricing{
			InputPerMTok:  3.0,
			OutputPerMTok: 15.0,
		},
		LogLevel: "info",
	}
}

// SandboxLimits converts the sandbox section to the manager's limits.
func (c *Config) SandboxLimits() sandbox.Limits {
	return sandbox.Limits{
		Image:          c.Sandbox.Image,
		MemoryMB:       c.Sandbox.MemoryMB,
		CPUFraction:    c.Sandbox.CPUFraction,
		PidsLimit:      c.Sandbox.PidsLimit,
		TimeoutSeconds: c.Sandbox.TimeoutSeconds,
	}
}

// LLMPricing converts the pricing section to the meter's cost table.
func (c *Config) LLMPricing() llm.Pricing {
	return llm.Pricing{
		InputPerMTok:  c.Pricing.InputPerMTok,
		OutputPerMTok: c.Pricing.OutputPerMTok,
	}
}

// Load reads the TOML file at path (missing file is not an error) over
// the defaults and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTCIV_GEMINI_API_KEY"); v != "" {
		cfg.GeminiAPIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && cfg.GeminiAPIKey == "" {
		cfg.GeminiAPIKey = v
	}
	if v := os.Getenv("AGENTCIV_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AGENTCIV_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTCIV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTCIV_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("AGENTCIV_MAX_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.MaxCostPerSessionUSD = f
		}
	}
	if v := os.Getenv("AGENTCIV_MAX_LOOP_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxLoopIterations = n
		}
	}
}
