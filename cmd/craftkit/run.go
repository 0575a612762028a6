package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deepnoodle-ai/craftkit/config"
	"github.com/deepnoodle-ai/craftkit/log"
	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/media/providers"
	"github.com/deepnoodle-ai/craftkit/node"
	"github.com/deepnoodle-ai/craftkit/pipeline"
	"github.com/deepnoodle-ai/craftkit/prompt"
	"github.com/deepnoodle-ai/craftkit/ratelimit"
	"github.com/deepnoodle-ai/craftkit/retry"
	"github.com/deepnoodle-ai/craftkit/snapshot"
	"github.com/deepnoodle-ai/wonton/cli"
)

// transitionBuffer sizes the renderer subscription so a burst of group
// results is not dropped while the terminal catches up.
const transitionBuffer = 256

// options holds the parsed command line.
type options struct {
	prompt     string
	category   string
	analyze    bool
	mask       string
	hint       string
	batch      string
	parallel   int
	resume     string
	list       bool
	configPath string
	output     string
	provider   string
	logLevel   string
}

func run(ctx *cli.Context) error {
	opts := options{
		prompt:     ctx.String("prompt"),
		category:   ctx.String("category"),
		analyze:    ctx.Bool("analyze"),
		mask:       ctx.String("mask"),
		hint:       ctx.String("hint"),
		batch:      ctx.String("batch"),
		parallel:   ctx.Int("parallel"),
		resume:     ctx.String("resume"),
		list:       ctx.Bool("list"),
		configPath: ctx.String("config"),
		output:     ctx.String("output"),
		provider:   ctx.String("provider"),
		logLevel:   ctx.String("log-level"),
	}

	goCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(goCtx, opts, os.Stdout); err != nil {
		return cli.Errorf("%v", err)
	}
	return nil
}

func execute(ctx context.Context, opts options, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := log.New(log.LevelFromString(cfg.LogLevel))
	ctx = log.WithLogger(ctx, logger)

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	if opts.list {
		return listGenerations(ctx, store, out)
	}

	var items []config.BatchItem
	if opts.resume == "" {
		if items, err = loadItems(opts); err != nil {
			return err
		}
	}

	generator, analyzer, err := newProviders(ctx, cfg, logger)
	if err != nil {
		return err
	}
	retryClient, err := newRetryClient(cfg, logger)
	if err != nil {
		return err
	}
	contextMode, err := cfg.Pipeline.Mode()
	if err != nil {
		return err
	}

	model := node.NewModel(node.WithSubscriberBuffer(transitionBuffer))
	defer model.Close()

	orch, err := pipeline.New(pipeline.Options{
		Generator:   generator,
		Analyzer:    analyzer,
		Prompts:     prompt.New(cfg.PromptOptions()...),
		Model:       model,
		Retry:       retryClient,
		Store:       store,
		MaxGroups:   cfg.Pipeline.MaxGroups,
		Padding:     cfg.Pipeline.Padding,
		ContextMode: contextMode,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	transitions, unsubscribe := model.Subscribe()
	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		newRenderer(out, model).consume(transitions)
	}()

	var results []*result
	if opts.resume != "" {
		results = []*result{resumeGeneration(ctx, orch, store, opts.resume, opts.output)}
	} else {
		results = runBatch(ctx, orch, items, opts.parallel, opts.output)
	}

	unsubscribe()
	<-rendered
	renderSummary(out, model, results)
	return joinResults(results)
}

// loadConfig reads the configuration file, applies flag overrides and
// validates the result.
func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		if cfg, err = config.ParseFile(opts.configPath); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", opts.configPath, err)
		}
	}
	if opts.provider != "" {
		cfg.Provider = strings.ToLower(opts.provider)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadItems builds the list of generations to run from either a batch file
// or the single-request flags.
func loadItems(opts options) ([]config.BatchItem, error) {
	if opts.batch != "" {
		if opts.prompt != "" {
			return nil, fmt.Errorf("--prompt and --batch cannot be combined")
		}
		batch, err := config.ParseBatchFile(opts.batch)
		if err != nil {
			return nil, fmt.Errorf("loading batch %s: %w", opts.batch, err)
		}
		return batch.Items, nil
	}
	if strings.TrimSpace(opts.prompt) == "" {
		return nil, fmt.Errorf("a prompt is required (use --prompt or --batch)")
	}
	return []config.BatchItem{{
		Prompt:   opts.prompt,
		Category: opts.category,
		Analyze:  opts.analyze || opts.mask != "" || opts.hint != "",
		Mask:     opts.mask,
		Hint:     opts.hint,
	}}, nil
}

func newStore(cfg *config.Config) (snapshot.Store, error) {
	if cfg.SnapshotDir == "" {
		return nil, nil
	}
	store, err := snapshot.NewFileStore(cfg.SnapshotDir)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot directory: %w", err)
	}
	return store, nil
}

// newProviders creates the configured generator. The analyzer is the
// generator itself when it supports analysis, otherwise the first provider
// in the environment that does.
func newProviders(ctx context.Context, cfg *config.Config, logger log.Logger) (media.Generator, media.Analyzer, error) {
	models := providers.Models{Image: cfg.Models.Image, Analysis: cfg.Models.Analysis}
	generator, err := providers.CreateProvider(ctx, cfg.Provider, models)
	if err != nil {
		return nil, nil, fmt.Errorf("creating provider %s: %w", cfg.Provider, err)
	}
	if analyzer, ok := generator.(media.Analyzer); ok {
		return generator, analyzer, nil
	}
	registry, err := providers.DefaultRegistry(ctx, models)
	if err != nil {
		return nil, nil, err
	}
	if name, analyzer, ok := registry.FirstAnalyzer(); ok {
		logger.Debug("using separate analysis provider", "generator", cfg.Provider, "analyzer", name)
		return generator, analyzer, nil
	}
	logger.Warn("no provider supports analysis", "available", registry.List())
	return generator, nil, nil
}

// newRetryClient builds the retrying client shared by every generation. All
// of them draw from one limiter because they talk to the same backend.
func newRetryClient(cfg *config.Config, logger log.Logger) (*retry.Client, error) {
	window, err := cfg.RateLimit.WindowDuration()
	if err != nil {
		return nil, err
	}
	baseDelay, err := cfg.Retry.BaseDelayDuration()
	if err != nil {
		return nil, err
	}
	maxDelay, err := cfg.Retry.MaxDelayDuration()
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(cfg.RateLimit.MaxCalls, window)
	return retry.NewClient(
		retry.WithLimiter(limiter),
		retry.WithMaxAttempts(cfg.Retry.MaxAttempts),
		retry.WithBaseDelay(baseDelay),
		retry.WithMaxDelay(maxDelay),
		retry.WithLogger(logger),
	), nil
}

func listGenerations(ctx context.Context, store snapshot.Store, out io.Writer) error {
	if store == nil {
		return errNoSnapshotDir
	}
	gens, err := store.List(ctx)
	if err != nil {
		return err
	}
	if len(gens) == 0 {
		fmt.Fprintln(out, "No saved generations")
		return nil
	}
	renderGenerations(out, gens)
	return nil
}

var errNoSnapshotDir = errors.New("snapshot_dir is not configured")
