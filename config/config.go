// Package config loads craftkit settings from YAML or JSON files.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/craftkit/log"
	"github.com/deepnoodle-ai/craftkit/prompt"
	"github.com/deepnoodle-ai/craftkit/region"
	"github.com/deepnoodle-ai/craftkit/retry"
	"github.com/goccy/go-yaml"
)

// DefaultPromptCategory is the prompts key whose templates replace the
// built-in defaults for every category.
const DefaultPromptCategory = "default"

// Providers lists the accepted provider names.
var Providers = []string{"google", "openai"}

// Models selects provider models. Empty values use provider defaults.
type Models struct {
	Image    string `yaml:"image,omitempty" json:"image,omitempty"`
	Analysis string `yaml:"analysis,omitempty" json:"analysis,omitempty"`
}

// RateLimit configures the process-wide sliding window limiter.
type RateLimit struct {
	MaxCalls int    `yaml:"max_calls" json:"max_calls"`
	Window   string `yaml:"window" json:"window"`
}

// WindowDuration parses Window.
func (r RateLimit) WindowDuration() (time.Duration, error) {
	return parseDuration("rate_limit.window", r.Window)
}

// Retry configures the retrying client.
type Retry struct {
	MaxAttempts int    `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   string `yaml:"base_delay" json:"base_delay"`
	MaxDelay    string `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
}

// BaseDelayDuration parses BaseDelay.
func (r Retry) BaseDelayDuration() (time.Duration, error) {
	return parseDuration("retry.base_delay", r.BaseDelay)
}

// MaxDelayDuration parses MaxDelay. An empty value means the client default.
func (r Retry) MaxDelayDuration() (time.Duration, error) {
	if r.MaxDelay == "" {
		return retry.DefaultMaxDelay, nil
	}
	return parseDuration("retry.max_delay", r.MaxDelay)
}

// Pipeline configures step grouping and region extraction.
type Pipeline struct {
	MaxGroups   int     `yaml:"max_groups" json:"max_groups"`
	Padding     float64 `yaml:"padding" json:"padding"`
	ContextMode string  `yaml:"context_mode" json:"context_mode"`
}

// Mode parses ContextMode.
func (p Pipeline) Mode() (region.ContextMode, error) {
	return region.ParseContextMode(p.ContextMode)
}

// PromptSet overrides the templates of one category.
type PromptSet struct {
	Master   string `yaml:"master,omitempty" json:"master,omitempty"`
	Analysis string `yaml:"analysis,omitempty" json:"analysis,omitempty"`
	Step     string `yaml:"step,omitempty" json:"step,omitempty"`
}

func (p PromptSet) byStage() map[prompt.Stage]string {
	out := map[prompt.Stage]string{}
	if p.Master != "" {
		out[prompt.StageMaster] = p.Master
	}
	if p.Analysis != "" {
		out[prompt.StageAnalysis] = p.Analysis
	}
	if p.Step != "" {
		out[prompt.StageStep] = p.Step
	}
	return out
}

// Config represents global configuration settings
type Config struct {
	LogLevel    string               `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	Provider    string               `yaml:"provider,omitempty" json:"provider,omitempty"`
	Models      Models               `yaml:"models,omitempty" json:"models,omitempty"`
	RateLimit   RateLimit            `yaml:"rate_limit" json:"rate_limit"`
	Retry       Retry                `yaml:"retry" json:"retry"`
	Pipeline    Pipeline             `yaml:"pipeline" json:"pipeline"`
	SnapshotDir string               `yaml:"snapshot_dir,omitempty" json:"snapshot_dir,omitempty"`
	Prompts     map[string]PromptSet `yaml:"prompts,omitempty" json:"prompts,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Provider: "google",
		RateLimit: RateLimit{
			MaxCalls: 10,
			Window:   "60s",
		},
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   "1s",
			MaxDelay:    "30s",
		},
		Pipeline: Pipeline{
			MaxGroups:   6,
			Padding:     region.DefaultPadding,
			ContextMode: region.FullRegion.String(),
		},
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.LogLevel != "" && !log.IsValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log_level %q", c.LogLevel))
	}
	if !contains(Providers, c.Provider) {
		errs = append(errs, fmt.Errorf("unknown provider %q (expected one of %s)", c.Provider, strings.Join(Providers, ", ")))
	}
	if c.RateLimit.MaxCalls < 0 {
		errs = append(errs, fmt.Errorf("rate_limit.max_calls cannot be negative"))
	}
	if window, err := c.RateLimit.WindowDuration(); err != nil {
		errs = append(errs, err)
	} else if window <= 0 {
		errs = append(errs, fmt.Errorf("rate_limit.window must be positive"))
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > retry.MaxAttemptsLimit {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be between 1 and %d", retry.MaxAttemptsLimit))
	}
	baseDelay, err := c.Retry.BaseDelayDuration()
	if err != nil {
		errs = append(errs, err)
	} else if baseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay cannot be negative"))
	}
	if maxDelay, err := c.Retry.MaxDelayDuration(); err != nil {
		errs = append(errs, err)
	} else if maxDelay < baseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay cannot be shorter than retry.base_delay"))
	}
	if c.Pipeline.MaxGroups < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_groups must be at least 1"))
	}
	if c.Pipeline.Padding < 0 || c.Pipeline.Padding > 1 {
		errs = append(errs, fmt.Errorf("pipeline.padding must be between 0 and 1"))
	}
	if _, err := c.Pipeline.Mode(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline.context_mode: %w", err))
	}
	if err := prompt.New(c.PromptOptions()...).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("prompts: %w", err))
	}
	return errors.Join(errs...)
}

// PromptOptions converts the prompts section to template options. The
// "default" category replaces the built-in templates.
func (c *Config) PromptOptions() []prompt.Option {
	categories := make([]string, 0, len(c.Prompts))
	for category := range c.Prompts {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var opts []prompt.Option
	for _, category := range categories {
		for stage, text := range c.Prompts[category].byStage() {
			if category == DefaultPromptCategory {
				opts = append(opts, prompt.WithDefault(stage, text))
			} else {
				opts = append(opts, prompt.WithCategory(category, stage, text))
			}
		}
	}
	return opts
}

// Save writes the configuration as YAML or JSON, chosen by the file
// extension.
func (c *Config) Save(path string) error {
	f, err := formatOf(path)
	if err != nil {
		return err
	}
	var data []byte
	if f == formatJSON {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return d, nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
