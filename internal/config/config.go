package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const DefaultFileName = "storyline.yml"

type Config struct {
	// Repository is the path to the git repository stories are executed in.
	Repository string `yaml:"repository"`
	// MainBranch is the branch new story branches fork from.
	MainBranch string `yaml:"main_branch"`
	// Worktrees is the directory story worktrees are created under.
	Worktrees string `yaml:"worktrees"`

	Agent   AgentConfig   `yaml:"agent"`
	Planner PlannerConfig `yaml:"planner"`
	Server  ServerConfig  `yaml:"server"`
}

type AgentConfig struct {
	// Bin is the coding agent executable.
	Bin string `yaml:"bin"`
	// TimeoutMinutes bounds a single story execution.
	TimeoutMinutes int `yaml:"timeout_minutes"`
	// SkipPermissions passes the agent's non-interactive permission flag.
	SkipPermissions bool `yaml:"skip_permissions"`
}

type PlannerConfig struct {
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

func Default() Config {
	return Config{
		Repository: ".",
		MainBranch: "main",
		Worktrees:  ".storyline/worktrees",
		Agent: AgentConfig{
			Bin:             "claude",
			TimeoutMinutes:  30,
			SkipPermissions: true,
		},
		Planner: PlannerConfig{
			Model:     "claude-sonnet-4-5",
			MaxTokens: 8192,
		},
		Server: ServerConfig{
			Addr: ":8335",
		},
	}
}

func FromYAML(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Repository == "" {
		return fmt.Errorf("repository must not be empty")
	}
	if c.MainBranch == "" {
		return fmt.Errorf("main_branch must not be empty")
	}
	if c.Worktrees == "" {
		return fmt.Errorf("worktrees must not be empty")
	}
	if c.Agent.Bin == "" {
		return fmt.Errorf("agent.bin must not be empty")
	}
	if c.Agent.TimeoutMinutes <= 0 {
		return fmt.Errorf("agent.timeout_minutes must be positive")
	}
	if c.Planner.MaxTokens <= 0 {
		return fmt.Errorf("planner.max_tokens must be positive")
	}
	return nil
}

// Load reads the workspace config file, falling back to defaults when the
// file does not exist.
func Load(workspace string) (Config, error) {
	path := filepath.Join(workspace, DefaultFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}
