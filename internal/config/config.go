package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models ctoflow.yml.
type Config struct {
	Swarm struct {
		Enabled bool   `yaml:"enabled"`
		EpicID  string `yaml:"epic_id"`
	} `yaml:"swarm"`
	Scoring struct {
		Weights struct {
			Capability     float64 `yaml:"capability"`
			Performance    float64 `yaml:"performance"`
			Availability   float64 `yaml:"availability"`
			Specialization float64 `yaml:"specialization"`
			Experience     float64 `yaml:"experience"`
		} `yaml:"weights"`
		MinScore float64 `yaml:"min_score"`
	} `yaml:"scoring"`
	Balancer struct {
		MatchWeight    float64 `yaml:"match_weight"`
		FairnessWeight float64 `yaml:"fairness_weight"`
		MaxWorkload    float64 `yaml:"max_workload"`
		Overloaded     float64 `yaml:"overloaded"`
		Underloaded    float64 `yaml:"underloaded"`
	} `yaml:"balancer"`
	Review struct {
		ApprovalThreshold float64 `yaml:"approval_threshold"`
		ReviewerMinScore  float64 `yaml:"reviewer_min_score"`
		CapabilityOverlap float64 `yaml:"capability_overlap"`
		RepeatPairPenalty float64 `yaml:"repeat_pair_penalty"`
		Consensus         struct {
			Default    float64 `yaml:"default"`
			Critical   float64 `yaml:"critical"`
			LeadWeight float64 `yaml:"lead_weight"`
		} `yaml:"consensus"`
	} `yaml:"review"`
	Stall struct {
		IntervalSeconds   int            `yaml:"interval_seconds"`
		ThresholdsMinutes map[string]int `yaml:"thresholds_minutes"`
		ErrorFailureRatio float64        `yaml:"error_failure_ratio"`
		ResourceFloor     float64        `yaml:"resource_floor"`
	} `yaml:"stall"`
	Sync struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		MaxRetries          int `yaml:"max_retries"`
		BackoffBaseMillis   int `yaml:"backoff_base_ms"`
	} `yaml:"sync"`
	Coordinator struct {
		LockWaitSeconds int `yaml:"lock_wait_seconds"`
	} `yaml:"coordinator"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ctoflow epic create to seed defaults", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	w := c.Scoring.Weights
	sum := w.Capability + w.Performance + w.Availability + w.Specialization + w.Experience
	if sum != 100 {
		return fmt.Errorf("config.scoring.weights must sum to 100, got %v", sum)
	}
	if c.Scoring.MinScore < 0 || c.Scoring.MinScore > 100 {
		return fmt.Errorf("config.scoring.min_score must be in [0,100]")
	}
	if c.Balancer.MatchWeight+c.Balancer.FairnessWeight != 1 {
		return fmt.Errorf("config.balancer match_weight + fairness_weight must equal 1")
	}
	if c.Balancer.MaxWorkload <= 0 || c.Balancer.MaxWorkload > 1 {
		return fmt.Errorf("config.balancer.max_workload must be in (0,1]")
	}
	if c.Review.ApprovalThreshold <= 0 || c.Review.ApprovalThreshold > 1 {
		return fmt.Errorf("config.review.approval_threshold must be in (0,1]")
	}
	if c.Review.Consensus.Default <= 0 || c.Review.Consensus.Default > 1 {
		return fmt.Errorf("config.review.consensus.default must be in (0,1]")
	}
	if c.Review.Consensus.Critical < c.Review.Consensus.Default {
		return fmt.Errorf("config.review.consensus.critical must be >= default")
	}
	if c.Review.Consensus.LeadWeight < 1 {
		return fmt.Errorf("config.review.consensus.lead_weight must be >= 1")
	}
	for _, p := range []string{"critical", "high", "medium", "low"} {
		if c.Stall.ThresholdsMinutes[p] <= 0 {
			return fmt.Errorf("config.stall.thresholds_minutes.%s is required", p)
		}
	}
	if c.Stall.ErrorFailureRatio <= 0 || c.Stall.ErrorFailureRatio > 1 {
		return fmt.Errorf("config.stall.error_failure_ratio must be in (0,1]")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ctoflow.yml")
}

// Default returns the default Config struct for an epic.
func Default(epicID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, epicID))).Decode(&cfg)
	cfg.Swarm.EpicID = epicID
	return &cfg
}

// Seed writes the default config file for an epic unless one already
// exists; the commented template beats re-marshalling the struct.
func Seed(workspace, epicID string) error {
	path := Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf(defaultTemplate, epicID)), 0o644)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// StallThreshold returns the stall threshold in minutes for a priority,
// falling back to the medium threshold for unknown values.
func (c *Config) StallThreshold(priority string) int {
	if m, ok := c.Stall.ThresholdsMinutes[priority]; ok {
		return m
	}
	return c.Stall.ThresholdsMinutes["medium"]
}

const defaultTemplate = `swarm:
  enabled: false
  epic_id: %s

scoring:
  weights:
    capability: 40
    performance: 20
    availability: 20
    specialization: 10
    experience: 10
  min_score: 50

balancer:
  match_weight: 0.7
  fairness_weight: 0.3
  max_workload: 0.9
  overloaded: 0.9
  underloaded: 0.3

review:
  approval_threshold: 0.85
  reviewer_min_score: 40
  capability_overlap: 0.5
  repeat_pair_penalty: 0.9
  consensus:
    default: 0.6
    critical: 0.66
    lead_weight: 3

stall:
  interval_seconds: 60
  thresholds_minutes:
    critical: 15
    high: 30
    medium: 60
    low: 120
  error_failure_ratio: 0.6
  resource_floor: 0.3

sync:
  poll_interval_seconds: 30
  max_retries: 5
  backoff_base_ms: 200

coordinator:
  lock_wait_seconds: 10
`
