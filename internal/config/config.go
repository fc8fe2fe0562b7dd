// Package config provides configuration types and loading for botfactory.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration struct.
// Top-level groups: Paths, Factory, Governance, Analysis, Federation, Notify.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Factory    FactoryConfig    `json:"factory"`
	Governance GovernanceConfig `json:"governance"`
	Analysis   AnalysisConfig   `json:"analysis"`
	Federation FederationConfig `json:"federation"`
	Notify     NotifyConfig     `json:"notify"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings. Relative and ~ paths
// are resolved against the botfactory home directory.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// StateDB is the bot state database path.
func (p PathsConfig) StateDB() string { return p.DataDir + "/state.db" }

// GovernanceDB is the governance database path.
func (p PathsConfig) GovernanceDB() string { return p.DataDir + "/governance.db" }

// KnowledgeDB is the knowledge store database path.
func (p PathsConfig) KnowledgeDB() string { return p.DataDir + "/knowledge.db" }

// ---------------------------------------------------------------------------
// Factory – the bot fleet
// ---------------------------------------------------------------------------

// FactoryConfig describes the fleet this process runs.
type FactoryConfig struct {
	Name string      `json:"name" envconfig:"NAME"`
	Bots []BotConfig `json:"bots"`
}

// BotConfig configures one bot instance.
type BotConfig struct {
	BotID                          string   `json:"botId"`
	Kind                           string   `json:"kind"`
	PollIntervalSeconds            int      `json:"pollIntervalSeconds"`
	ErrorThreshold                 int      `json:"errorThreshold"`
	AutoApproveConfidenceThreshold float64  `json:"autoApproveConfidenceThreshold"`
	Reviewers                      []string `json:"reviewers"`
}

// PollInterval returns the bot's poll interval as a duration.
func (b BotConfig) PollInterval() time.Duration {
	return time.Duration(b.PollIntervalSeconds) * time.Second
}

// ---------------------------------------------------------------------------
// Governance
// ---------------------------------------------------------------------------

// GovernanceConfig tunes the review pipeline.
type GovernanceConfig struct {
	// ApprovalPolicy is "unanimous" or "single-critical".
	ApprovalPolicy string `json:"approvalPolicy" envconfig:"APPROVAL_POLICY"`
	// CriticalReviewers are the reviewers whose single approval settles a
	// review under the single-critical policy.
	CriticalReviewers []string `json:"criticalReviewers"`
	// IntegrationExceptions are "A:B" domain pairs allowed to connect
	// directly without going through the hub.
	IntegrationExceptions []string `json:"integrationExceptions"`
}

// ---------------------------------------------------------------------------
// Analysis – external code analysis service
// ---------------------------------------------------------------------------

// AnalysisConfig configures the external analysis service client.
type AnalysisConfig struct {
	BaseURL        string `json:"baseUrl" envconfig:"BASE_URL"`
	APIKey         string `json:"apiKey" envconfig:"API_KEY"`
	TimeoutSeconds int    `json:"timeoutSeconds" envconfig:"TIMEOUT_SECONDS"`
	Retries        int    `json:"retries" envconfig:"RETRIES"`
}

// ---------------------------------------------------------------------------
// Federation – cross-factory event mirroring over Kafka
// ---------------------------------------------------------------------------

// FederationConfig configures the optional Kafka event mirror.
type FederationConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Brokers string `json:"brokers" envconfig:"BROKERS"`
	// Peers are remote factory names whose topics this factory consumes.
	Peers []string `json:"peers"`
}

// ---------------------------------------------------------------------------
// Notify – stakeholder notifications
// ---------------------------------------------------------------------------

// NotifyConfig configures Slack notifications. Disabled without a token.
type NotifyConfig struct {
	SlackToken   string `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths:   PathsConfig{DataDir: "~/.botfactory/data"},
		Factory: FactoryConfig{Name: "default"},
		Governance: GovernanceConfig{
			ApprovalPolicy: "unanimous",
		},
		Analysis: AnalysisConfig{
			TimeoutSeconds: 30,
			Retries:        5,
		},
	}
}

// Validate checks the loaded configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Factory.Name == "" {
		return fmt.Errorf("factory.name must not be empty")
	}
	switch c.Governance.ApprovalPolicy {
	case "unanimous", "single-critical":
	default:
		return fmt.Errorf("governance.approvalPolicy %q unknown", c.Governance.ApprovalPolicy)
	}
	if c.Governance.ApprovalPolicy == "single-critical" && len(c.Governance.CriticalReviewers) == 0 {
		return fmt.Errorf("governance.criticalReviewers required for single-critical policy")
	}
	seen := map[string]bool{}
	for i, b := range c.Factory.Bots {
		if b.BotID == "" {
			return fmt.Errorf("factory.bots[%d].botId must not be empty", i)
		}
		if seen[b.BotID] {
			return fmt.Errorf("factory.bots: duplicate bot id %q", b.BotID)
		}
		seen[b.BotID] = true
		if b.Kind == "" {
			return fmt.Errorf("factory.bots[%d].kind must not be empty", i)
		}
		if b.PollIntervalSeconds < 0 {
			return fmt.Errorf("factory.bots[%d].pollIntervalSeconds must not be negative", i)
		}
		if b.AutoApproveConfidenceThreshold < 0 || b.AutoApproveConfidenceThreshold > 1 {
			return fmt.Errorf("factory.bots[%d].autoApproveConfidenceThreshold must be in [0,1]", i)
		}
	}
	if c.Federation.Enabled && c.Federation.Brokers == "" {
		return fmt.Errorf("federation.brokers required when federation is enabled")
	}
	return nil
}

// Normalize fills per-bot defaults after loading.
func (c *Config) Normalize() {
	for i := range c.Factory.Bots {
		b := &c.Factory.Bots[i]
		if b.PollIntervalSeconds == 0 {
			b.PollIntervalSeconds = 60
		}
		if b.ErrorThreshold == 0 {
			b.ErrorThreshold = 5
		}
		if b.AutoApproveConfidenceThreshold == 0 {
			b.AutoApproveConfidenceThreshold = 0.85
		}
	}
}
