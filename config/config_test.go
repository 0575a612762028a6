package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/craftkit/prompt"
	"github.com/deepnoodle-ai/craftkit/region"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	window, err := c.RateLimit.WindowDuration()
	require.NoError(t, err)
	require.Equal(t, 60*time.Second, window)
	require.Equal(t, 10, c.RateLimit.MaxCalls)

	delay, err := c.Retry.BaseDelayDuration()
	require.NoError(t, err)
	require.Equal(t, time.Second, delay)
	require.Equal(t, 3, c.Retry.MaxAttempts)
	maxDelay, err := c.Retry.MaxDelayDuration()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, maxDelay)

	mode, err := c.Pipeline.Mode()
	require.NoError(t, err)
	require.Equal(t, region.FullRegion, mode)
	require.Equal(t, 6, c.Pipeline.MaxGroups)
	require.InDelta(t, 0.20, c.Pipeline.Padding, 1e-9)
	require.Equal(t, "google", c.Provider)
}

func TestParseYAML(t *testing.T) {
	c, err := ParseYAML([]byte(`
log_level: debug
provider: openai
models:
  image: gpt-image-1
rate_limit:
  max_calls: 0
pipeline:
  max_groups: 4
  context_mode: mask
snapshot_dir: /tmp/snapshots
prompts:
  origami:
    master: "Fold {{.Prompt}}"
`))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	require.Equal(t, "debug", c.LogLevel)
	require.Equal(t, "openai", c.Provider)
	require.Equal(t, "gpt-image-1", c.Models.Image)
	require.Equal(t, 0, c.RateLimit.MaxCalls)
	require.Equal(t, "60s", c.RateLimit.Window)
	require.Equal(t, 3, c.Retry.MaxAttempts)
	require.Equal(t, 4, c.Pipeline.MaxGroups)
	require.InDelta(t, 0.20, c.Pipeline.Padding, 1e-9)
	require.Equal(t, "/tmp/snapshots", c.SnapshotDir)

	mode, err := c.Pipeline.Mode()
	require.NoError(t, err)
	require.Equal(t, region.MaskOnly, mode)

	text, err := prompt.New(c.PromptOptions()...).Build(prompt.StageMaster, "origami", prompt.Data{Prompt: "a crane"})
	require.NoError(t, err)
	require.Equal(t, "Fold a crane", text)
}

func TestParseYAML_Strict(t *testing.T) {
	_, err := ParseYAML([]byte("unknown_key: 1\n"))
	require.Error(t, err)
}

func TestParseJSON(t *testing.T) {
	c, err := ParseJSON([]byte(`{"retry": {"max_attempts": 5, "base_delay": "250ms"}}`))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	require.Equal(t, 5, c.Retry.MaxAttempts)
	delay, err := c.Retry.BaseDelayDuration()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, delay)
	require.Equal(t, 10, c.RateLimit.MaxCalls)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "invalid log_level"},
		{"provider", func(c *Config) { c.Provider = "midjourney" }, "unknown provider"},
		{"max calls", func(c *Config) { c.RateLimit.MaxCalls = -1 }, "max_calls cannot be negative"},
		{"window", func(c *Config) { c.RateLimit.Window = "soon" }, "invalid rate_limit.window"},
		{"zero window", func(c *Config) { c.RateLimit.Window = "0s" }, "window must be positive"},
		{"attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "max_attempts must be between 1 and 10"},
		{"too many attempts", func(c *Config) { c.Retry.MaxAttempts = 40 }, "max_attempts must be between 1 and 10"},
		{"base delay", func(c *Config) { c.Retry.BaseDelay = "-1s" }, "base_delay cannot be negative"},
		{"max delay", func(c *Config) { c.Retry.MaxDelay = "never" }, "invalid retry.max_delay"},
		{"max delay below base", func(c *Config) { c.Retry.MaxDelay = "500ms" }, "max_delay cannot be shorter"},
		{"max groups", func(c *Config) { c.Pipeline.MaxGroups = 0 }, "max_groups must be at least 1"},
		{"padding", func(c *Config) { c.Pipeline.Padding = 1.5 }, "padding must be between 0 and 1"},
		{"context mode", func(c *Config) { c.Pipeline.ContextMode = "crop" }, "context_mode"},
		{"prompts", func(c *Config) {
			c.Prompts = map[string]PromptSet{"x": {Step: "{{.Prompt"}}
		}, "prompts:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(c)
			require.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	c := Default()
	c.Provider = ""
	c.Pipeline.MaxGroups = 0
	err := c.Validate()
	require.ErrorContains(t, err, "unknown provider")
	require.ErrorContains(t, err, "max_groups")
}

func TestPromptOptions_DefaultCategory(t *testing.T) {
	c := Default()
	c.Prompts = map[string]PromptSet{
		DefaultPromptCategory: {Step: "Every step: {{.Prompt}}"},
	}
	text, err := prompt.New(c.PromptOptions()...).Build(prompt.StageStep, "anything", prompt.Data{Prompt: "p"})
	require.NoError(t, err)
	require.Equal(t, "Every step: p", text)
	require.Empty(t, prompt.New(c.PromptOptions()...).Categories())
}

func TestSaveAndParseFile(t *testing.T) {
	dir := t.TempDir()
	c := Default()
	c.Provider = "openai"
	c.Pipeline.MaxGroups = 3

	for _, name := range []string{"config.yaml", "config.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, c.Save(path))
		loaded, err := ParseFile(path)
		require.NoError(t, err)
		require.Equal(t, c, loaded)
	}

	require.ErrorContains(t, c.Save(filepath.Join(dir, "config.toml")), "unsupported file extension")

	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	_, err := ParseFile(path)
	require.ErrorContains(t, err, "unsupported file extension")
}

func TestParseBatch(t *testing.T) {
	batch, err := ParseBatch([]byte(`
items:
  - prompt: a red potion bottle
    category: potions
    analyze: true
  - prompt: a paper crane
    hint: crane
`))
	require.NoError(t, err)
	require.Len(t, batch.Items, 2)
	require.True(t, batch.Items[0].Analyze)
	require.Equal(t, "crane", batch.Items[1].Hint)

	_, err = ParseBatch([]byte("items: []\n"))
	require.ErrorContains(t, err, "no items")

	_, err = ParseBatch([]byte("items:\n  - category: x\n"))
	require.ErrorContains(t, err, "batch item 1: prompt is required")
}

func TestParseJSON_Strict(t *testing.T) {
	_, err := ParseJSON([]byte(`{"pipeline": {"max_group": 2}}`))
	require.Error(t, err)
}

func TestParseBatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"items": [{"prompt": "a lantern", "mask": "lantern.png"}]}`), 0644))

	batch, err := ParseBatchFile(path)
	require.NoError(t, err)
	require.Equal(t, []BatchItem{{Prompt: "a lantern", Mask: "lantern.png"}}, batch.Items)

	bad := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("items:\n  - prompt: x\n    colour: red\n"), 0644))
	_, err = ParseBatchFile(bad)
	require.ErrorContains(t, err, "parsing batch.yaml")
}
