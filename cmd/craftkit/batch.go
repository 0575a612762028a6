package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/craftkit/config"
	"github.com/deepnoodle-ai/craftkit/log"
	"github.com/deepnoodle-ai/craftkit/node"
	"github.com/deepnoodle-ai/craftkit/pipeline"
	"github.com/deepnoodle-ai/craftkit/region"
	"github.com/deepnoodle-ai/craftkit/snapshot"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

// maskThreshold is the alpha and luminance a mask pixel must exceed to be
// part of the selection.
const maskThreshold = 127

// result is the outcome of one generation run by the command.
type result struct {
	item  config.BatchItem
	gen   *pipeline.Generation
	dir   string
	files []string
	err   error
}

// runBatch runs every item as an independent generation, at most parallel at
// a time. A failing item does not stop the others.
func runBatch(ctx context.Context, orch *pipeline.Orchestrator, items []config.BatchItem, parallel int, outDir string) []*result {
	if parallel < 1 {
		parallel = 1
	}
	results := make([]*result, len(items))
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, item := range items {
		g.Go(func() error {
			results[i] = runItem(ctx, orch, item, outDir)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func runItem(ctx context.Context, orch *pipeline.Orchestrator, item config.BatchItem, outDir string) *result {
	res := &result{item: item}
	sel, err := loadSelection(item)
	if err != nil {
		res.err = err
		return res
	}
	gen, err := orch.Submit(pipeline.Request{Prompt: item.Prompt, Category: item.Category})
	if err != nil {
		res.err = err
		return res
	}
	res.gen = gen

	if item.Analyze {
		res.err = orch.Run(ctx, gen, sel)
	} else {
		res.err = orch.Generate(ctx, gen)
	}
	if res.err == nil {
		res.err = stepFailures(orch.Model(), gen)
	}
	res.save(ctx, orch.Model(), outDir)
	return res
}

// resumeGeneration loads a saved generation and finishes it: a failed master
// is regenerated, a failed analysis is repeated on the region it was given,
// failed step groups are retried and groups that never ran are rendered.
func resumeGeneration(ctx context.Context, orch *pipeline.Orchestrator, store snapshot.Store, id, outDir string) *result {
	res := &result{}
	if store == nil {
		res.err = errNoSnapshotDir
		return res
	}
	saved, err := store.Load(ctx, id)
	if err != nil {
		res.err = fmt.Errorf("loading generation %s: %w", id, err)
		return res
	}
	res.item = config.BatchItem{Prompt: saved.Prompt, Category: saved.Category}
	gen, err := orch.Resume(saved)
	if err != nil {
		res.err = err
		return res
	}
	res.gen = gen
	res.err = finish(ctx, orch, gen)
	if res.err == nil {
		res.err = stepFailures(orch.Model(), gen)
	}
	res.save(ctx, orch.Model(), outDir)
	return res
}

func finish(ctx context.Context, orch *pipeline.Orchestrator, gen *pipeline.Generation) error {
	model := orch.Model()
	master, err := model.Get(gen.MasterID)
	if err != nil {
		return err
	}
	switch master.Status {
	case node.StatusFailed:
		return orch.RetryNode(ctx, gen, gen.MasterID)
	case node.StatusPending:
		return orch.Generate(ctx, gen)
	case node.StatusInFlight:
		return fmt.Errorf("master node %s was interrupted while in flight", master.ID)
	}

	if master.Analysis != nil && master.Analysis.Status == node.AnalysisFailed {
		if _, err := orch.Analyze(ctx, gen, gen.Selection()); err != nil {
			return err
		}
	}
	if gen.MaterialsID() == "" {
		return nil
	}

	var errs []error
	for i, group := range gen.Groups() {
		if !groupFailed(model, gen, group.Members) {
			continue
		}
		if err := orch.RetryGroup(ctx, gen, i); err != nil {
			errs = append(errs, fmt.Errorf("retrying group %d: %w", i+1, err))
		}
	}
	if err := orch.RunSteps(ctx, gen); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func groupFailed(model *node.Model, gen *pipeline.Generation, members []int) bool {
	for _, number := range members {
		id, ok := gen.StepNodeID(number)
		if !ok {
			continue
		}
		if rec, err := model.Get(id); err == nil && rec.Status == node.StatusFailed {
			return true
		}
	}
	return false
}

// stepFailures reports failed step nodes. Step groups fail independently, so
// the orchestrator records them on the nodes instead of returning an error.
func stepFailures(model *node.Model, gen *pipeline.Generation) error {
	var failed, total int
	for _, rec := range model.Children(gen.MasterID) {
		if rec.Kind != node.KindStep {
			continue
		}
		total++
		if rec.Status == node.StatusFailed {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("generation %s: %d of %d steps failed", gen.ID, failed, total)
}

// loadSelection returns the region selection of item, or nil when the whole
// master image should be analyzed.
func loadSelection(item config.BatchItem) (*pipeline.Selection, error) {
	if item.Mask == "" && item.Hint == "" {
		return nil, nil
	}
	sel := &pipeline.Selection{Hint: item.Hint}
	if item.Mask != "" {
		img, err := imaging.Open(item.Mask)
		if err != nil {
			return nil, fmt.Errorf("opening mask %s: %w", item.Mask, err)
		}
		sel.Mask = region.MaskFromImage(img, maskThreshold)
	}
	return sel, nil
}

// save writes the images and materials produced so far under
// outDir/<generation id>. Write errors are joined into r.err.
func (r *result) save(ctx context.Context, model *node.Model, outDir string) {
	dir, files, err := writeOutputs(model, r.gen, outDir)
	r.dir = dir
	r.files = files
	if err != nil {
		r.err = errors.Join(r.err, err)
		return
	}
	log.Ctx(ctx).Debug("outputs written",
		"generation_id", r.gen.ID,
		"dir", dir,
		"files", len(files))
}

func writeOutputs(model *node.Model, gen *pipeline.Generation, outDir string) (string, []string, error) {
	dir := filepath.Join(outDir, gen.ID)
	var files []string
	write := func(name string, data []byte) error {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		files = append(files, path)
		return nil
	}

	master, err := model.Get(gen.MasterID)
	if err != nil {
		return dir, nil, err
	}
	if master.Payload != nil && master.Payload.Image != nil {
		if err := write("master"+master.Payload.Image.Extension(), master.Payload.Image.Data); err != nil {
			return dir, files, err
		}
	}
	for _, rec := range model.Children(gen.MasterID) {
		if rec.Payload == nil {
			continue
		}
		switch rec.Kind {
		case node.KindMaterials:
			data := strings.Join(rec.Payload.Materials, "\n") + "\n"
			if err := write("materials.txt", []byte(data)); err != nil {
				return dir, files, err
			}
		case node.KindStep:
			if rec.Step == nil || rec.Payload.Image == nil {
				continue
			}
			name := fmt.Sprintf("step-%02d%s", rec.Step.Number, rec.Payload.Image.Extension())
			if err := write(name, rec.Payload.Image.Data); err != nil {
				return dir, files, err
			}
		}
	}
	return dir, files, nil
}

func joinResults(results []*result) error {
	var errs []error
	for _, res := range results {
		if res != nil && res.err != nil {
			errs = append(errs, res.err)
		}
	}
	return errors.Join(errs...)
}
