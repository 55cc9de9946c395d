package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "pmos.yml"

// Config models pmos.yml.
type Config struct {
	Vault        Vault        `yaml:"vault"`
	Data         Data         `yaml:"data"`
	Gate         Gate         `yaml:"gate"`
	RuleOfThree  RuleOfThree  `yaml:"rule_of_three"`
	Revalidation Revalidation `yaml:"revalidation"`
	Deepening    Deepening    `yaml:"deepening"`
	IDs          struct {
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"ids"`
	Lock struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"lock"`
	RBAC     RBAC      `yaml:"rbac"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Vault locates the human-readable document tree. Folder entries are
// relative to Root.
type Vault struct {
	Root           string `yaml:"root"`
	Signals        string `yaml:"signals"`
	Decisions      string `yaml:"decisions"`
	Cases          string `yaml:"cases"`
	InsightDrafts  string `yaml:"insight_drafts"`
	InsightFinal   string `yaml:"insight_final"`
	ProposalDrafts string `yaml:"proposal_drafts"`
	ProposalFinal  string `yaml:"proposal_final"`
	WeeklyReview   string `yaml:"weekly_review"`
	Index          string `yaml:"index"`
}

// Data locates the machine-readable logs. An empty Dir means <workspace>/.pmos.
type Data struct {
	Dir string `yaml:"dir"`
}

type Gate struct {
	DefaultReason string              `yaml:"default_reason"`
	NextActions   map[string][]string `yaml:"next_actions"`
}

type RuleOfThree struct {
	Threshold     int `yaml:"threshold"`
	FreshnessDays int `yaml:"freshness_days"`
}

type Revalidation struct {
	WindowDays int `yaml:"window_days"`
}

type Deepening struct {
	Limit        int           `yaml:"limit"`
	Timeout      time.Duration `yaml:"timeout"`
	MinInterval  time.Duration `yaml:"min_interval"`
	MaxBytes     int64         `yaml:"max_bytes"`
	ExcerptChars int           `yaml:"excerpt_chars"`
	UserAgent    string        `yaml:"user_agent"`
	ArxivAPI     string        `yaml:"arxiv_api"`
}

// RBAC maps actors to roles and roles to permissions. Actors without an
// entry get DefaultRole.
type RBAC struct {
	DefaultRole string              `yaml:"default_role"`
	Roles       map[string]RBACRole `yaml:"roles"`
	Actors      map[string][]string `yaml:"actors"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled treats a missing flag as enabled.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pmos config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.RuleOfThree.Threshold < 1 {
		return fmt.Errorf("config.rule_of_three.threshold must be at least 1")
	}
	if c.RuleOfThree.FreshnessDays < 0 {
		return fmt.Errorf("config.rule_of_three.freshness_days must not be negative")
	}
	if c.Revalidation.WindowDays < 1 {
		return fmt.Errorf("config.revalidation.window_days must be at least 1")
	}
	if c.IDs.MaxAttempts < 1 {
		return fmt.Errorf("config.ids.max_attempts must be at least 1")
	}
	if c.Deepening.Timeout <= 0 {
		return fmt.Errorf("config.deepening.timeout must be positive")
	}
	if c.Deepening.ExcerptChars < 1 {
		return fmt.Errorf("config.deepening.excerpt_chars must be at least 1")
	}
	folders := map[string]string{
		"signals":         c.Vault.Signals,
		"decisions":       c.Vault.Decisions,
		"cases":           c.Vault.Cases,
		"insight_drafts":  c.Vault.InsightDrafts,
		"insight_final":   c.Vault.InsightFinal,
		"proposal_drafts": c.Vault.ProposalDrafts,
		"proposal_final":  c.Vault.ProposalFinal,
		"weekly_review":   c.Vault.WeeklyReview,
		"index":           c.Vault.Index,
	}
	for name, dir := range folders {
		if dir == "" {
			return fmt.Errorf("config.vault.%s is required", name)
		}
		if filepath.IsAbs(dir) {
			return fmt.Errorf("config.vault.%s must be relative to vault.root", name)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
		if c.RBAC.DefaultRole != "" {
			if _, ok := c.RBAC.Roles[c.RBAC.DefaultRole]; !ok {
				return fmt.Errorf("config.rbac.default_role references unknown role %s", c.RBAC.DefaultRole)
			}
		}
		for actor, roles := range c.RBAC.Actors {
			for _, role := range roles {
				if _, ok := c.RBAC.Roles[role]; !ok {
					return fmt.Errorf("config.rbac.actors.%s references unknown role %s", actor, role)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// NextActions returns the configured default follow-ups for a decision kind.
func (c *Config) NextActions(decision string) []string {
	actions := c.Gate.NextActions[decision]
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `vault:
  root: ""
  signals: 95_Signals
  decisions: 97_Gate_Decisions
  cases: 06_Archive/COS
  insight_drafts: 96_Weekly_Review/_LTI_Drafts
  insight_final: 02_LTI
  proposal_drafts: 97_Decisions/_RTI_Proposals
  proposal_final: RTI
  weekly_review: 96_Weekly_Review
  index: 00_Index

data:
  dir: ""

gate:
  default_reason: "No reason provided."
  next_actions:
    approved:
      - "Deepen evidence (L3 full fetch)"
      - "Draft LTI insight note"
    needs_more_info:
      - "Fetch additional evidence"
      - "Re-evaluate at next gate review"
    deferred:
      - "Re-evaluate next cycle"
    reject:
      - "Archive signal"

rule_of_three:
  threshold: 3
  freshness_days: 90

revalidation:
  window_days: 28

deepening:
  limit: 5
  timeout: 25s
  min_interval: 1500ms
  max_bytes: 10485760
  excerpt_chars: 1200
  user_agent: "pmos-deepening/0.1 (+https://github.com/pmos)"
  arxiv_api: "https://export.arxiv.org/api/query"

ids:
  max_attempts: 3

lock:
  timeout: 5s

rbac:
  default_role: owner
  roles:
    owner:
      description: "Full access"
      permissions: ["*"]
    reviewer:
      description: "Gate signals and review drafts"
      permissions:
        - signals.read
        - gate.decide
        - drafts.read
        - drafts.review
        - patterns.read
        - patterns.write
        - events.read
    analyst:
      description: "Ingest and deepen signals"
      permissions:
        - signals.read
        - signals.write
        - deepening.run
        - actions.write
        - drafts.read
        - patterns.read
  actors: {}

webhooks: []
`
