// Package pipeline drives a generation from the user's prompt to the
// per-step images.
//
// The Orchestrator runs three stages against the node model:
//
//  1. Generate: the master asset. Failure is terminal for the generation.
//  2. Analyze: user triggered. Decomposes the master image, optionally a
//     selected region of it, into materials and steps. Failure is recorded
//     on the master node without touching its image.
//  3. RunSteps: one image call per step group, strictly one after another.
//     A failed group marks only its own step nodes Failed.
//
// Every external call goes through a retry.Client, which waits on the shared
// rate limiter before each attempt. Failed nodes are re-run with RetryNode.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/craftkit/internal/clock"
	"github.com/deepnoodle-ai/craftkit/log"
	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/node"
	"github.com/deepnoodle-ai/craftkit/prompt"
	"github.com/deepnoodle-ai/craftkit/ratelimit"
	"github.com/deepnoodle-ai/craftkit/region"
	"github.com/deepnoodle-ai/craftkit/retry"
	"github.com/deepnoodle-ai/craftkit/snapshot"
	"github.com/deepnoodle-ai/craftkit/steps"
	"github.com/google/uuid"
)

// DefaultMaxGroups is the default ceiling on step image calls per generation.
const DefaultMaxGroups = 6

var (
	// ErrCancelled is returned when an operation stops because the
	// generation was cancelled.
	ErrCancelled = errors.New("generation cancelled")

	// ErrNotReady is returned when an operation runs before the stage it
	// depends on has succeeded.
	ErrNotReady = errors.New("generation not ready")
)

// Options configures an Orchestrator. Generator is required; Analyzer is
// required for Analyze.
type Options struct {
	Generator media.Generator
	Analyzer  media.Analyzer

	// Segmenter resolves hint-only selections. Optional.
	Segmenter region.Segmenter

	// Prompts builds the text of each call. Defaults to prompt.New().
	Prompts prompt.Builder

	// Model receives every node transition. Defaults to a new model.
	Model *node.Model

	// Retry runs every external call. It should carry the process-wide
	// rate limiter. Defaults to retry.NewClient().
	Retry *retry.Client

	// Classifier decides which errors are retried. Defaults to
	// retry.Classify.
	Classifier retry.Classifier

	// Store receives a snapshot after every settled stage. Optional.
	Store snapshot.Store

	// MaxGroups caps the number of step image calls. Defaults to
	// DefaultMaxGroups.
	MaxGroups int

	// Padding is the fraction of the selection size added on each side of
	// a selected region. Zero means no padding.
	Padding float64

	// ContextMode selects full-context or mask-only crops.
	ContextMode region.ContextMode

	// Clock stamps generations. Defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to a null logger.
	Logger log.Logger
}

// Orchestrator runs generations. It is safe for concurrent use by multiple
// generations; each Generation runs its own operations one at a time.
type Orchestrator struct {
	generator   media.Generator
	analyzer    media.Analyzer
	segmenter   region.Segmenter
	prompts     prompt.Builder
	model       *node.Model
	retry       *retry.Client
	classify    retry.Classifier
	store       snapshot.Store
	maxGroups   int
	padding     float64
	contextMode region.ContextMode
	clock       clock.Clock
	logger      log.Logger
}

// New returns an Orchestrator for opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if opts.Padding < 0 {
		return nil, fmt.Errorf("padding cannot be negative")
	}
	o := &Orchestrator{
		generator:   opts.Generator,
		analyzer:    opts.Analyzer,
		segmenter:   opts.Segmenter,
		prompts:     opts.Prompts,
		model:       opts.Model,
		retry:       opts.Retry,
		classify:    opts.Classifier,
		store:       opts.Store,
		maxGroups:   opts.MaxGroups,
		padding:     opts.Padding,
		contextMode: opts.ContextMode,
		clock:       opts.Clock,
		logger:      opts.Logger,
	}
	if o.prompts == nil {
		o.prompts = prompt.New()
	}
	if o.clock == nil {
		o.clock = clock.Real{}
	}
	if o.model == nil {
		o.model = node.NewModel(node.WithClock(o.clock))
	}
	if o.retry == nil {
		o.retry = retry.NewClient()
	}
	if o.classify == nil {
		o.classify = retry.Classify
	}
	if o.maxGroups < 1 {
		o.maxGroups = DefaultMaxGroups
	}
	if o.logger == nil {
		o.logger = log.NewNullLogger()
	}
	return o, nil
}

// Model returns the node model the orchestrator writes to. Readers should
// treat it as read-only and use Subscribe for updates.
func (o *Orchestrator) Model() *node.Model {
	return o.model
}

// Submit creates a generation with its master node in Pending.
func (o *Orchestrator) Submit(req Request) (*Generation, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	master, err := o.model.Create(node.KindMaster, "", nil)
	if err != nil {
		return nil, err
	}
	gen := &Generation{
		ID:        uuid.NewString(),
		Prompt:    req.Prompt,
		Category:  req.Category,
		MasterID:  master.ID,
		CreatedAt: o.clock.Now(),
		stepIDs:   map[int]string{},
	}
	o.logger.Info("generation submitted",
		"generation_id", gen.ID,
		"master_id", master.ID,
		"category", req.Category)
	return gen, nil
}

// Run generates the master asset, analyzes it and renders every step group.
// It is the non-interactive form of calling Generate, Analyze and RunSteps in
// turn.
func (o *Orchestrator) Run(ctx context.Context, gen *Generation, sel *Selection) error {
	if err := o.Generate(ctx, gen); err != nil {
		return err
	}
	if _, err := o.Analyze(ctx, gen, sel); err != nil {
		return err
	}
	return o.RunSteps(ctx, gen)
}

// Resume rebuilds a generation from a saved snapshot and loads its records
// into the model, so failed nodes can be retried in a new process.
func (o *Orchestrator) Resume(saved *snapshot.Generation) (*Generation, error) {
	if saved == nil || saved.MasterID == "" {
		return nil, fmt.Errorf("snapshot has no master node")
	}
	if err := o.model.Restore(saved.Nodes); err != nil {
		return nil, fmt.Errorf("restoring generation %s: %w", saved.ID, err)
	}
	gen := &Generation{
		ID:        saved.ID,
		Prompt:    saved.Prompt,
		Category:  saved.Category,
		MasterID:  saved.MasterID,
		CreatedAt: saved.CreatedAt,
		groups:    append([]steps.Group{}, saved.Groups...),
		stepIDs:   map[int]string{},
	}
	if saved.Selection != nil {
		gen.selection = &Selection{Mask: saved.Selection.Mask, Hint: saved.Selection.Hint}
	}
	for _, rec := range saved.Nodes.Records {
		switch rec.Kind {
		case node.KindMaterials:
			gen.materialsID = rec.ID
			if rec.Payload != nil {
				gen.materials = append([]string{}, rec.Payload.Materials...)
			}
		case node.KindStep:
			if rec.Step != nil {
				gen.stepIDs[rec.Step.Number] = rec.ID
			}
		}
	}
	return gen, nil
}

// RetryNode re-arms a Failed node and re-runs the stage that produced it:
// the master generation for the master node, or the node's step group for a
// step node. A retry clears an earlier cancellation.
func (o *Orchestrator) RetryNode(ctx context.Context, gen *Generation, nodeID string) error {
	rec, err := o.model.Get(nodeID)
	if err != nil {
		return err
	}
	if rec.Status != node.StatusFailed {
		return fmt.Errorf("%w: node %s is %s, only failed nodes can be retried",
			node.ErrInvalidTransition, nodeID, rec.Status)
	}
	switch {
	case rec.ID == gen.MasterID:
		gen.mu.Lock()
		defer gen.mu.Unlock()
		gen.cancelled.Store(false)
		if _, err := o.model.Rearm(nodeID); err != nil {
			return err
		}
		return o.generateMaster(ctx, gen)

	case rec.Kind == node.KindStep && rec.ParentID == gen.MasterID && rec.Step != nil:
		gen.mu.Lock()
		index := gen.groupOf(rec.Step.Number)
		gen.mu.Unlock()
		if index < 0 {
			return fmt.Errorf("step %d of node %s is not in any group", rec.Step.Number, nodeID)
		}
		return o.RetryGroup(ctx, gen, index)

	default:
		return fmt.Errorf("node %s does not belong to generation %s", nodeID, gen.ID)
	}
}

// RetryGroup re-arms the failed step nodes of the group at index and issues
// the group's image call again. Members that already succeeded keep their
// image.
func (o *Orchestrator) RetryGroup(ctx context.Context, gen *Generation, index int) error {
	gen.mu.Lock()
	defer gen.mu.Unlock()

	if index < 0 || index >= len(gen.groups) {
		return fmt.Errorf("%w: no step group %d", ErrNotReady, index)
	}
	gen.cancelled.Store(false)
	var rearmed int
	for _, n := range gen.groups[index].Members {
		id := gen.stepIDs[n]
		rec, err := o.model.Get(id)
		if err != nil {
			return err
		}
		if rec.Status != node.StatusFailed {
			continue
		}
		if _, err := o.model.Rearm(id); err != nil {
			return err
		}
		rearmed++
	}
	if rearmed == 0 {
		return fmt.Errorf("%w: step group %d has no failed nodes", node.ErrInvalidTransition, index)
	}
	master, err := o.masterImage(gen)
	if err != nil {
		return err
	}
	o.runGroup(ctx, gen, index, master)
	o.persist(ctx, gen)
	return nil
}

// failureKind maps an error to the kind recorded on a failed node.
func failureKind(err error) node.ErrorKind {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return node.ErrorCancelled
	case errors.Is(err, region.ErrInvalidSelection), errors.Is(err, region.ErrMaskMismatch):
		return node.ErrorInvalidSelection
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ratelimit.ErrNoCapacity):
		return node.ErrorServiceUnavailable
	}
	var apiErr *retry.Error
	if errors.As(err, &apiErr) && apiErr.Kind == retry.Transient {
		return node.ErrorServiceUnavailable
	}
	return node.ErrorRejected
}

// persist saves the generation's snapshot. Failures are logged: the node
// model stays authoritative.
func (o *Orchestrator) persist(ctx context.Context, gen *Generation) {
	if o.store == nil {
		return
	}
	saved := &snapshot.Generation{
		ID:        gen.ID,
		Prompt:    gen.Prompt,
		Category:  gen.Category,
		MasterID:  gen.MasterID,
		Nodes:     o.model.Snapshot(gen.MasterID),
		Groups:    append([]steps.Group{}, gen.groups...),
		CreatedAt: gen.CreatedAt,
		UpdatedAt: o.clock.Now(),
	}
	if gen.selection != nil {
		saved.Selection = &snapshot.Selection{Mask: gen.selection.Mask, Hint: gen.selection.Hint}
	}
	if err := o.store.Save(context.WithoutCancel(ctx), saved); err != nil {
		o.logger.Warn("failed to save snapshot",
			"generation_id", gen.ID,
			"error", err)
	}
}
