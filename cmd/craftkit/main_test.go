package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/craftkit/config"
	"github.com/deepnoodle-ai/craftkit/internal/mocks"
	"github.com/deepnoodle-ai/craftkit/log"
	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/node"
	"github.com/deepnoodle-ai/craftkit/pipeline"
	"github.com/deepnoodle-ai/craftkit/retry"
	"github.com/deepnoodle-ai/craftkit/snapshot"
	"github.com/deepnoodle-ai/craftkit/steps"
	"github.com/disintegration/imaging"
	fcolor "github.com/fatih/color"
	"github.com/stretchr/testify/require"
)

func init() {
	fcolor.NoColor = true
}

func twoStepAnalysis() *media.Analysis {
	return &media.Analysis{
		Materials: []string{"yarn", "needles"},
		Steps: []steps.Step{
			{Number: 1, Title: "Cast on", Text: "Cast on 20 stitches"},
			{Number: 2, Title: "Knit", Text: "Knit every row"},
		},
	}
}

func newTestOrchestrator(t *testing.T, generator media.Generator, store snapshot.Store) *pipeline.Orchestrator {
	t.Helper()
	orch, err := pipeline.New(pipeline.Options{
		Generator: generator,
		Analyzer:  &mocks.MockAnalyzer{Result: twoStepAnalysis()},
		Retry:     retry.NewClient(retry.WithMaxAttempts(1)),
		Store:     store,
	})
	require.NoError(t, err)
	return orch
}

// rejectSteps fails every call that carries a reference image, which is how
// step calls differ from the master call.
func rejectSteps() *mocks.MockGenerator {
	return &mocks.MockGenerator{
		GenerateFunc: func(ctx context.Context, req *media.GenerateRequest) (*media.Image, error) {
			if len(req.ReferenceImages) > 0 {
				return nil, &media.ProviderError{Provider: "mock", Code: 400, Message: "blocked"}
			}
			img := media.NewImage([]byte{1}, "image/png")
			return &img, nil
		},
	}
}

func TestLoadItems(t *testing.T) {
	t.Run("single prompt", func(t *testing.T) {
		items, err := loadItems(options{prompt: "a scarf", category: "knitting"})
		require.NoError(t, err)
		require.Equal(t, []config.BatchItem{{Prompt: "a scarf", Category: "knitting"}}, items)
	})

	t.Run("selection implies analysis", func(t *testing.T) {
		items, err := loadItems(options{prompt: "a scarf", hint: "the fringe"})
		require.NoError(t, err)
		require.True(t, items[0].Analyze)
		require.Equal(t, "the fringe", items[0].Hint)
	})

	t.Run("prompt required", func(t *testing.T) {
		_, err := loadItems(options{prompt: "  "})
		require.ErrorContains(t, err, "a prompt is required")
	})

	t.Run("batch and prompt conflict", func(t *testing.T) {
		_, err := loadItems(options{prompt: "a scarf", batch: "batch.yaml"})
		require.ErrorContains(t, err, "cannot be combined")
	})

	t.Run("batch file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "batch.yaml")
		data := "items:\n  - prompt: a scarf\n    analyze: true\n  - prompt: a hat\n"
		require.NoError(t, os.WriteFile(path, []byte(data), 0644))

		items, err := loadItems(options{batch: path})
		require.NoError(t, err)
		require.Len(t, items, 2)
		require.True(t, items[0].Analyze)
		require.Equal(t, "a hat", items[1].Prompt)
	})
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "craftkit.yaml")
	data := "provider: google\nlog_level: warn\nrate_limit:\n  max_calls: 5\n  window: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := loadConfig(options{configPath: path, provider: "OpenAI"})
	require.NoError(t, err)
	require.Equal(t, "openai", cfg.Provider)
	require.Equal(t, "warn", cfg.LogLevel)
	require.Equal(t, 5, cfg.RateLimit.MaxCalls)

	_, err = loadConfig(options{logLevel: "loud"})
	require.ErrorContains(t, err, "invalid config")

	_, err = loadConfig(options{configPath: filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, err, "loading config")
}

func TestNewRetryClient(t *testing.T) {
	cfg := config.Default()
	client, err := newRetryClient(cfg, log.NewNullLogger())
	require.NoError(t, err)
	require.Equal(t, time.Second, client.Backoff(2))
	require.Equal(t, 2*time.Second, client.Backoff(3))

	cfg.Retry.MaxDelay = "3s"
	client, err = newRetryClient(cfg, log.NewNullLogger())
	require.NoError(t, err)
	require.Equal(t, 3*time.Second, client.Backoff(9))
}

func TestLoadSelection(t *testing.T) {
	sel, err := loadSelection(config.BatchItem{Prompt: "a scarf"})
	require.NoError(t, err)
	require.Nil(t, sel)

	canvas := image.NewNRGBA(image.Rect(0, 0, 20, 10))
	for y := 2; y < 5; y++ {
		for x := 4; x < 8; x++ {
			canvas.SetNRGBA(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	path := filepath.Join(t.TempDir(), "mask.png")
	require.NoError(t, imaging.Save(canvas, path))

	sel, err = loadSelection(config.BatchItem{Prompt: "a scarf", Mask: path, Hint: "fringe"})
	require.NoError(t, err)
	require.NotNil(t, sel.Mask)
	require.Equal(t, 20, sel.Mask.Width)
	require.Equal(t, 12, sel.Mask.Count())
	require.True(t, sel.Mask.Occupied(4, 2))
	require.False(t, sel.Mask.Occupied(0, 0))
	require.Equal(t, "fringe", sel.Hint)

	_, err = loadSelection(config.BatchItem{Mask: filepath.Join(t.TempDir(), "missing.png")})
	require.ErrorContains(t, err, "opening mask")
}

func TestRunBatch(t *testing.T) {
	generator := &mocks.MockGenerator{}
	orch := newTestOrchestrator(t, generator, nil)
	outDir := t.TempDir()

	items := []config.BatchItem{
		{Prompt: "a scarf", Category: "knitting", Analyze: true},
		{Prompt: "a hat"},
	}
	results := runBatch(context.Background(), orch, items, 2, outDir)
	require.Len(t, results, 2)
	require.NoError(t, joinResults(results))

	// master + two step groups for the analyzed item, master only for the other
	require.Equal(t, 4, generator.Calls())

	analyzed := results[0]
	var names []string
	for _, f := range analyzed.files {
		names = append(names, filepath.Base(f))
	}
	require.ElementsMatch(t, []string{"master.png", "materials.txt", "step-01.png", "step-02.png"}, names)
	require.Equal(t, filepath.Join(outDir, analyzed.gen.ID), analyzed.dir)

	materials, err := os.ReadFile(filepath.Join(analyzed.dir, "materials.txt"))
	require.NoError(t, err)
	require.Equal(t, "yarn\nneedles\n", string(materials))

	require.Len(t, results[1].files, 1)
	require.Equal(t, "master.png", filepath.Base(results[1].files[0]))
}

func TestRunBatchReportsStepFailures(t *testing.T) {
	orch := newTestOrchestrator(t, rejectSteps(), nil)
	results := runBatch(context.Background(), orch, []config.BatchItem{{Prompt: "a scarf", Analyze: true}}, 1, t.TempDir())

	err := joinResults(results)
	require.ErrorContains(t, err, "2 of 2 steps failed")
	// the master image is still saved
	require.Contains(t, filepath.Base(results[0].files[0]), "master")
}

func TestRunItemInvalidMask(t *testing.T) {
	orch := newTestOrchestrator(t, &mocks.MockGenerator{}, nil)
	res := runItem(context.Background(), orch, config.BatchItem{Prompt: "a scarf", Mask: "missing.png"}, t.TempDir())
	require.ErrorContains(t, res.err, "opening mask")
	require.Nil(t, res.gen)
}

func TestResumeRetriesFailedGroups(t *testing.T) {
	ctx := context.Background()
	store := snapshot.NewMemoryStore()

	first := newTestOrchestrator(t, rejectSteps(), store)
	results := runBatch(ctx, first, []config.BatchItem{{Prompt: "a scarf", Analyze: true}}, 1, t.TempDir())
	require.Error(t, joinResults(results))
	genID := results[0].gen.ID

	generator := &mocks.MockGenerator{}
	second := newTestOrchestrator(t, generator, store)
	res := resumeGeneration(ctx, second, store, genID, t.TempDir())
	require.NoError(t, res.err)
	require.Equal(t, 2, generator.Calls())

	for _, rec := range second.Model().Children(res.gen.MasterID) {
		require.Equal(t, node.StatusSucceeded, rec.Status)
		if rec.Kind == node.KindStep {
			require.Equal(t, 1, rec.RetryCount)
		}
	}
	require.Len(t, res.files, 4)
}

func TestResumeErrors(t *testing.T) {
	orch := newTestOrchestrator(t, &mocks.MockGenerator{}, nil)

	res := resumeGeneration(context.Background(), orch, nil, "gen", t.TempDir())
	require.ErrorIs(t, res.err, errNoSnapshotDir)

	res = resumeGeneration(context.Background(), orch, snapshot.NewMemoryStore(), "gen", t.TempDir())
	require.ErrorIs(t, res.err, snapshot.ErrNotFound)
}

func TestFormatTransition(t *testing.T) {
	master := node.Record{ID: "0123456789abcdef", Kind: node.KindMaster}
	step := node.Record{
		ID:         "fedcba9876543210",
		Kind:       node.KindStep,
		ParentID:   master.ID,
		Step:       &steps.Step{Number: 3, Title: "Bind off"},
		RetryCount: 2,
		ErrorKind:  node.ErrorRejected,
		Error:      "blocked",
	}
	analysisFailed := master
	analysisFailed.Analysis = &node.Analysis{Status: node.AnalysisFailed, ErrorKind: node.ErrorServiceUnavailable, Error: "down"}

	tests := []struct {
		name       string
		transition node.Transition
		want       string
	}{
		{"created", node.Transition{Type: node.EventTypeCreated, Record: master}, "[01234567] • master queued"},
		{"dispatched", node.Transition{Type: node.EventTypeDispatched, Record: step}, "[01234567] ⏳ step 3 (Bind off) generating"},
		{"succeeded", node.Transition{Type: node.EventTypeSucceeded, Record: master}, "[01234567] ✓ master done"},
		{"failed", node.Transition{Type: node.EventTypeFailed, Record: step}, "[01234567] ✗ step 3 (Bind off) failed (rejected): blocked"},
		{"rearmed", node.Transition{Type: node.EventTypeRearmed, Record: step}, "[01234567] → step 3 (Bind off) retry #2"},
		{"analysis failed", node.Transition{Type: node.EventTypeAnalysisFailed, Record: analysisFailed}, "[01234567] ✗ master analysis failed (service_unavailable): down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, formatTransition(tt.transition))
		})
	}
}

func TestRendererConsume(t *testing.T) {
	var buf bytes.Buffer
	ch := make(chan node.Transition, 2)
	ch <- node.Transition{Type: node.EventTypeCreated, Record: node.Record{ID: "m1", Kind: node.KindMaster}}
	ch <- node.Transition{Type: node.EventTypeDispatched, Record: node.Record{ID: "m1", Kind: node.KindMaster}}
	close(ch)

	newRenderer(&buf, nil).consume(ch)
	require.Equal(t, "[m1] • master queued\n[m1] ⏳ master generating\n", buf.String())
}

func TestRendererResyncsAfterMissedTransitions(t *testing.T) {
	model := node.NewModel()
	master, err := model.Create(node.KindMaster, "", nil)
	require.NoError(t, err)
	_, err = model.Dispatch(master.ID)
	require.NoError(t, err)
	current, err := model.Get(master.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	ch := make(chan node.Transition, 1)
	ch <- node.Transition{Type: node.EventTypeDispatched, Record: current, Missed: 3}
	close(ch)

	newRenderer(&buf, model).consume(ch)
	id := shortID(master.ID)
	require.Equal(t, "["+id+"] 3 updates missed, current state:\n["+id+"]   master in_flight\n", buf.String())
}

func TestRenderSummary(t *testing.T) {
	orch := newTestOrchestrator(t, rejectSteps(), nil)
	results := runBatch(context.Background(), orch, []config.BatchItem{{Prompt: "a scarf", Analyze: true}}, 1, t.TempDir())

	var buf bytes.Buffer
	renderSummary(&buf, orch.Model(), results)
	out := buf.String()
	require.Contains(t, out, "| Generation")
	require.Contains(t, out, "step 1 (Cast on)")
	require.Contains(t, out, "rejected: ")
	require.Contains(t, out, "2 materials")
	require.Contains(t, out, "files saved to "+results[0].dir)

	buf.Reset()
	renderSummary(&buf, orch.Model(), []*result{{err: errNoSnapshotDir}})
	require.Empty(t, buf.String())
}

func TestListGenerations(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	require.ErrorIs(t, listGenerations(ctx, nil, &buf), errNoSnapshotDir)

	store := snapshot.NewMemoryStore()
	require.NoError(t, listGenerations(ctx, store, &buf))
	require.Equal(t, "No saved generations\n", buf.String())

	long := strings.Repeat("very long prompt ", 10)
	require.NoError(t, store.Save(ctx, &snapshot.Generation{
		ID:        "gen-1",
		Prompt:    long,
		MasterID:  "m1",
		Nodes:     node.Snapshot{Records: []node.Record{{ID: "m1", Kind: node.KindMaster, Status: node.StatusFailed}}},
		UpdatedAt: time.Now(),
	}))
	buf.Reset()
	require.NoError(t, listGenerations(ctx, store, &buf))
	out := buf.String()
	require.Contains(t, out, "gen-1")
	require.Contains(t, out, "…")
	require.NotContains(t, out, long)
}
