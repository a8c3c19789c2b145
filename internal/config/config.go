package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"orderline/internal/domain"
)

// Precondition kinds a transition edge may require.
const (
	RequireNotes    = "notes"
	RequireAssigned = "assigned"
	RequirePriced   = "priced"
)

// Notification recipient selectors.
const (
	RecipientCreator  = "creator"
	RecipientAssignee = "assignee"
	RecipientActor    = "actor"
)

// Config models lifecycle.yml.
type Config struct {
	SchemaVersion int `yaml:"schema_version"`
	Statuses      struct {
		Initial  domain.Status   `yaml:"initial"`
		Values   []domain.Status `yaml:"values"`
		Terminal []domain.Status `yaml:"terminal"`
	} `yaml:"statuses"`
	Transitions   []Transition       `yaml:"transitions"`
	Notifications []NotificationRule `yaml:"notifications"`
}

// Transition is one allowed edge of the status table.
type Transition struct {
	From       domain.Status `yaml:"from"`
	To         domain.Status `yaml:"to"`
	Permission string        `yaml:"permission"`
	Requires   []string      `yaml:"requires"`
}

// NotificationRule fires when an item reaches one of the On statuses.
type NotificationRule struct {
	On     []domain.Status `yaml:"on"`
	Type   string          `yaml:"type"`
	Notify []string        `yaml:"notify"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.SchemaVersion != domain.AttributesSchemaVersion {
		return fmt.Errorf("config.schema_version %d not supported (want %d)", c.SchemaVersion, domain.AttributesSchemaVersion)
	}
	if len(c.Statuses.Values) == 0 {
		return fmt.Errorf("config.statuses.values is required")
	}
	known := make(map[domain.Status]bool, len(c.Statuses.Values))
	for _, s := range c.Statuses.Values {
		if s == "" {
			return fmt.Errorf("config.statuses.values contains empty status")
		}
		if known[s] {
			return fmt.Errorf("status %s declared twice", s)
		}
		known[s] = true
	}
	if !known[c.Statuses.Initial] {
		return fmt.Errorf("config.statuses.initial %q is not a declared status", c.Statuses.Initial)
	}
	terminal := map[domain.Status]bool{}
	for _, s := range c.Statuses.Terminal {
		if !known[s] {
			return fmt.Errorf("terminal status %s is not declared", s)
		}
		terminal[s] = true
	}
	if terminal[c.Statuses.Initial] {
		return fmt.Errorf("initial status %s cannot be terminal", c.Statuses.Initial)
	}
	seen := map[[2]domain.Status]bool{}
	for i, t := range c.Transitions {
		if !known[t.From] || !known[t.To] {
			return fmt.Errorf("transition %d references unknown status (%s -> %s)", i, t.From, t.To)
		}
		if t.From == t.To {
			return fmt.Errorf("transition %d is a self loop on %s", i, t.From)
		}
		if terminal[t.From] {
			return fmt.Errorf("transition %d leaves terminal status %s", i, t.From)
		}
		key := [2]domain.Status{t.From, t.To}
		if seen[key] {
			return fmt.Errorf("transition %s -> %s declared twice", t.From, t.To)
		}
		seen[key] = true
		for _, req := range t.Requires {
			switch req {
			case RequireNotes, RequireAssigned, RequirePriced:
			default:
				return fmt.Errorf("transition %s -> %s has unknown precondition %q", t.From, t.To, req)
			}
		}
	}
	for i, rule := range c.Notifications {
		if rule.Type == "" {
			return fmt.Errorf("notification rule %d missing type", i)
		}
		if len(rule.On) == 0 {
			return fmt.Errorf("notification rule %s has no statuses", rule.Type)
		}
		for _, s := range rule.On {
			if !known[s] {
				return fmt.Errorf("notification rule %s references unknown status %s", rule.Type, s)
			}
		}
		for _, r := range rule.Notify {
			switch r {
			case RecipientCreator, RecipientAssignee, RecipientActor:
			default:
				return fmt.Errorf("notification rule %s has unknown recipient %q", rule.Type, r)
			}
		}
	}
	return nil
}

// IsTerminal reports whether s is declared terminal.
func (c *Config) IsTerminal(s domain.Status) bool {
	for _, t := range c.Statuses.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

// RulesFor returns the notification rules triggered by reaching status s.
func (c *Config) RulesFor(s domain.Status) []NotificationRule {
	var out []NotificationRule
	for _, rule := range c.Notifications {
		for _, on := range rule.On {
			if on == s {
				out = append(out, rule)
				break
			}
		}
	}
	return out
}

// Default returns the built-in lifecycle.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default lifecycle config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	for i := range cfg.Transitions {
		if cfg.Transitions[i].Permission == "" {
			cfg.Transitions[i].Permission = domain.PermItemUpdate
		}
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

// LoadOptional returns the default lifecycle when path is empty.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return FromFile(path)
}

const defaultTemplate = `schema_version: 1

statuses:
  initial: Open
  values: [Open, InProgress, Completed, Closed, Cancelled]
  terminal: [Closed, Cancelled]

# Only listed edges are legal; skipping an intermediate status requires its own edge.
transitions:
  - {from: Open, to: InProgress}
  - {from: Open, to: Cancelled}
  - {from: InProgress, to: Completed}
  - {from: InProgress, to: Cancelled}
  - {from: Completed, to: Closed}
  - {from: Completed, to: Cancelled}
  - {from: Completed, to: InProgress, requires: [notes]}

notifications:
  - type: workitem.completed
    on: [Completed]
    notify: [creator]
  - type: workitem.finished
    on: [Closed, Cancelled]
    notify: [creator, assignee]
`
