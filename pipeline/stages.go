package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/node"
	"github.com/deepnoodle-ai/craftkit/prompt"
	"github.com/deepnoodle-ai/craftkit/region"
	"github.com/deepnoodle-ai/craftkit/retry"
	"github.com/deepnoodle-ai/craftkit/steps"
)

// AnalysisResult is what Analyze produced for a generation.
type AnalysisResult struct {
	Analysis *media.Analysis
	Groups   []steps.Group

	// Region is set when the analysis ran on a selected region.
	Region *region.Result
}

// Generate runs the master stage: the master node goes InFlight, the master
// asset is requested, and the node ends Succeeded with the image or Failed.
// If the generation is cancelled before the call resolves, the result is
// discarded, the node fails with kind cancelled and ErrCancelled is returned.
func (o *Orchestrator) Generate(ctx context.Context, gen *Generation) error {
	gen.mu.Lock()
	defer gen.mu.Unlock()
	return o.generateMaster(ctx, gen)
}

// generateMaster must be called with gen.mu held.
func (o *Orchestrator) generateMaster(ctx context.Context, gen *Generation) error {
	logger := o.logger.With("generation_id", gen.ID, "node_id", gen.MasterID, "stage", prompt.StageMaster)

	if _, err := o.model.Dispatch(gen.MasterID); err != nil {
		return err
	}
	img, err := o.masterCall(ctx, gen)
	if gen.Cancelled() {
		err = ErrCancelled
	}
	if err != nil {
		kind := failureKind(err)
		logger.Error("master generation failed", "error_kind", kind, "error", err)
		if _, ferr := o.model.Fail(gen.MasterID, kind, err.Error()); ferr != nil {
			return ferr
		}
		o.persist(ctx, gen)
		if errors.Is(err, ErrCancelled) {
			return ErrCancelled
		}
		return fmt.Errorf("generating master asset: %w", err)
	}
	if _, err := o.model.Succeed(gen.MasterID, node.Payload{Image: img}); err != nil {
		return err
	}
	logger.Info("master generation succeeded")
	o.persist(ctx, gen)
	return nil
}

func (o *Orchestrator) masterCall(ctx context.Context, gen *Generation) (*media.Image, error) {
	if gen.Cancelled() {
		return nil, ErrCancelled
	}
	text, err := o.prompts.Build(prompt.StageMaster, gen.Category, prompt.Data{
		Prompt:   gen.Prompt,
		Category: gen.Category,
	})
	if err != nil {
		return nil, fmt.Errorf("building master prompt: %w", err)
	}
	return o.generate(ctx, gen, &media.GenerateRequest{Prompt: text})
}

// Analyze runs the analysis stage on a Succeeded master. With a selection,
// the region extractor crops the master image first and an empty selection
// fails before any call is made. On success the materials node is created
// Succeeded and one Pending step node is created per step; on failure the
// error is recorded on the master's analysis state and the master keeps its
// image.
func (o *Orchestrator) Analyze(ctx context.Context, gen *Generation, sel *Selection) (*AnalysisResult, error) {
	gen.mu.Lock()
	defer gen.mu.Unlock()

	if o.analyzer == nil {
		return nil, fmt.Errorf("no analyzer configured")
	}
	if gen.Cancelled() {
		return nil, ErrCancelled
	}
	master, err := o.model.Get(gen.MasterID)
	if err != nil {
		return nil, err
	}
	if master.Status != node.StatusSucceeded {
		return nil, fmt.Errorf("%w: master node is %s", ErrNotReady, master.Status)
	}
	if _, err := o.model.StartAnalysis(gen.MasterID); err != nil {
		return nil, err
	}
	gen.selection = nil
	if sel != nil {
		kept := *sel
		gen.selection = &kept
	}
	logger := o.logger.With("generation_id", gen.ID, "node_id", gen.MasterID, "stage", prompt.StageAnalysis)

	fail := func(err error) (*AnalysisResult, error) {
		kind := failureKind(err)
		logger.Error("analysis failed", "error_kind", kind, "error", err)
		if _, ferr := o.model.FailAnalysis(gen.MasterID, kind, err.Error()); ferr != nil {
			return nil, ferr
		}
		o.persist(ctx, gen)
		return nil, fmt.Errorf("analyzing master asset: %w", err)
	}

	input := *master.Payload.Image
	var selected *region.Result
	if sel != nil {
		selected, err = o.selectRegion(ctx, input, sel)
		if err != nil {
			return fail(err)
		}
		if selected.Suspect() {
			logger.Warn("selection size looks unintended",
				"advisory", selected.Advisory,
				"coverage", selected.Coverage)
		}
		input, err = media.EncodePNG(selected.Image)
		if err != nil {
			return fail(err)
		}
	}

	text, err := o.prompts.Build(prompt.StageAnalysis, gen.Category, prompt.Data{
		Prompt:   gen.Prompt,
		Category: gen.Category,
		Region:   selected != nil,
	})
	if err != nil {
		return fail(fmt.Errorf("building analysis prompt: %w", err))
	}
	stopCtx, release := gen.bind(ctx)
	analysis, err := retry.Call(stopCtx, o.retry, func(context.Context) (*media.Analysis, error) {
		return o.analyzer.Analyze(ctx, &media.AnalyzeRequest{Image: input, Prompt: text})
	}, o.classify)
	release()
	if err == nil && analysis == nil {
		err = fmt.Errorf("analyzer returned no result")
	}
	if err != nil {
		return fail(err)
	}
	analysis.Normalize()

	if _, err := o.model.CompleteAnalysis(gen.MasterID); err != nil {
		return nil, err
	}
	if err := o.createChildren(gen, analysis); err != nil {
		return nil, err
	}
	logger.Info("analysis completed",
		"materials", len(analysis.Materials),
		"steps", len(analysis.Steps),
		"groups", len(gen.groups))
	o.persist(ctx, gen)

	return &AnalysisResult{
		Analysis: analysis,
		Groups:   append([]steps.Group{}, gen.groups...),
		Region:   selected,
	}, nil
}

func (o *Orchestrator) selectRegion(ctx context.Context, master media.Image, sel *Selection) (*region.Result, error) {
	img, err := master.Decode()
	if err != nil {
		return nil, fmt.Errorf("decoding master image: %w", err)
	}
	mask := sel.Mask
	if mask == nil {
		if sel.Hint == "" {
			return nil, fmt.Errorf("%w: selection has neither mask nor hint", region.ErrInvalidSelection)
		}
		if o.segmenter == nil {
			return nil, fmt.Errorf("%w: no segmenter configured for hint %q", region.ErrInvalidSelection, sel.Hint)
		}
		mask, err = o.segmenter.Segment(ctx, img, sel.Hint)
		if err != nil {
			return nil, fmt.Errorf("segmenting %q: %w", sel.Hint, err)
		}
	}
	return region.Extract(img, mask, o.padding, o.contextMode)
}

// createChildren adds the materials node, already Succeeded, and a Pending
// node per step. The caller must hold gen.mu.
func (o *Orchestrator) createChildren(gen *Generation, analysis *media.Analysis) error {
	materials, err := o.model.Create(node.KindMaterials, gen.MasterID, nil)
	if err != nil {
		return err
	}
	if _, err := o.model.Dispatch(materials.ID); err != nil {
		return err
	}
	if _, err := o.model.Succeed(materials.ID, node.Payload{Materials: analysis.Materials}); err != nil {
		return err
	}
	gen.materialsID = materials.ID
	gen.materials = append([]string{}, analysis.Materials...)

	gen.stepIDs = make(map[int]string, len(analysis.Steps))
	for i := range analysis.Steps {
		rec, err := o.model.Create(node.KindStep, gen.MasterID, &analysis.Steps[i])
		if err != nil {
			return err
		}
		gen.stepIDs[analysis.Steps[i].Number] = rec.ID
	}
	gen.groups = steps.Partition(analysis.Steps, o.maxGroups)
	return nil
}

// RunSteps issues one image call per step group, in order and one at a time.
// A group's failure is recorded on its step nodes and the next group still
// runs. After Cancel, or when ctx is done, no further group is dispatched and
// ErrCancelled is returned; the remaining step nodes stay Pending.
func (o *Orchestrator) RunSteps(ctx context.Context, gen *Generation) error {
	gen.mu.Lock()
	defer gen.mu.Unlock()

	if gen.materialsID == "" {
		return fmt.Errorf("%w: analysis has not completed", ErrNotReady)
	}
	master, err := o.masterImage(gen)
	if err != nil {
		return err
	}
	for i := range gen.groups {
		if gen.Cancelled() || ctx.Err() != nil {
			o.logger.Info("step generation cancelled",
				"generation_id", gen.ID,
				"remaining_groups", len(gen.groups)-i)
			return ErrCancelled
		}
		if !o.groupPending(gen, i) {
			continue
		}
		o.runGroup(ctx, gen, i, master)
		o.persist(ctx, gen)
	}
	return nil
}

// groupPending reports whether any member of group i is Pending.
func (o *Orchestrator) groupPending(gen *Generation, i int) bool {
	for _, n := range gen.groups[i].Members {
		rec, err := o.model.Get(gen.stepIDs[n])
		if err == nil && rec.Status == node.StatusPending {
			return true
		}
	}
	return false
}

// runGroup dispatches the Pending members of group i, issues the group's
// image call and settles every dispatched member with the outcome. The
// caller must hold gen.mu.
func (o *Orchestrator) runGroup(ctx context.Context, gen *Generation, i int, master *media.Image) {
	group := gen.groups[i]
	logger := o.logger.With("generation_id", gen.ID, "stage", prompt.StageStep, "group", i)

	var dispatched []string
	for _, n := range group.Members {
		id := gen.stepIDs[n]
		rec, err := o.model.Get(id)
		if err != nil || rec.Status != node.StatusPending {
			continue
		}
		if _, err := o.model.Dispatch(id); err != nil {
			logger.Error("failed to dispatch step node", "node_id", id, "error", err)
			continue
		}
		dispatched = append(dispatched, id)
	}
	if len(dispatched) == 0 {
		return
	}

	img, err := o.groupCall(ctx, gen, group, master)
	if err != nil {
		kind := failureKind(err)
		logger.Error("step group failed",
			"members", group.Members,
			"error_kind", kind,
			"error", err)
		for _, id := range dispatched {
			if _, ferr := o.model.Fail(id, kind, err.Error()); ferr != nil {
				logger.Error("failed to record step failure", "node_id", id, "error", ferr)
			}
		}
		return
	}
	for _, id := range dispatched {
		if _, serr := o.model.Succeed(id, node.Payload{Image: img}); serr != nil {
			logger.Error("failed to record step image", "node_id", id, "error", serr)
		}
	}
	logger.Info("step group succeeded", "members", group.Members)
}

func (o *Orchestrator) groupCall(ctx context.Context, gen *Generation, group steps.Group, master *media.Image) (*media.Image, error) {
	text, err := o.prompts.Build(prompt.StageStep, gen.Category, prompt.Data{
		Prompt:    gen.Prompt,
		Category:  gen.Category,
		Group:     &group,
		Materials: gen.materials,
	})
	if err != nil {
		return nil, fmt.Errorf("building step prompt: %w", err)
	}
	return o.generate(ctx, gen, &media.GenerateRequest{
		Prompt:          text,
		ReferenceImages: []media.Image{*master},
	})
}

// masterImage returns the image of the Succeeded master node.
func (o *Orchestrator) masterImage(gen *Generation) (*media.Image, error) {
	master, err := o.model.Get(gen.MasterID)
	if err != nil {
		return nil, err
	}
	if master.Status != node.StatusSucceeded || master.Payload == nil || master.Payload.Image == nil {
		return nil, fmt.Errorf("%w: master node is %s", ErrNotReady, master.Status)
	}
	return master.Payload.Image, nil
}

// generate issues one image call through the retrying client. Cancelling
// gen stops the backoff waits and further attempts; the attempt in flight
// keeps ctx and completes.
func (o *Orchestrator) generate(ctx context.Context, gen *Generation, req *media.GenerateRequest) (*media.Image, error) {
	stopCtx, release := gen.bind(ctx)
	defer release()
	return retry.Call(stopCtx, o.retry, func(context.Context) (*media.Image, error) {
		img, err := o.generator.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		if img == nil || len(img.Data) == 0 {
			return nil, retry.MarkPermanent(fmt.Errorf("%s returned no image", o.generator.ProviderName()))
		}
		return img, nil
	}, o.classify)
}
