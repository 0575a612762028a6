package providers

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/media/providers/google"
	"github.com/deepnoodle-ai/craftkit/media/providers/openai"
	openaiapi "github.com/openai/openai-go"
	"google.golang.org/genai"
)

// Registry holds the available generation and analysis providers
type Registry struct {
	generators map[string]media.Generator
	analyzers  map[string]media.Analyzer
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		generators: make(map[string]media.Generator),
		analyzers:  make(map[string]media.Analyzer),
	}
}

// Register registers a generator with the given name. If the generator also
// implements media.Analyzer it is registered as an analyzer too.
func (r *Registry) Register(name string, generator media.Generator) {
	r.generators[name] = generator
	if analyzer, ok := generator.(media.Analyzer); ok {
		r.analyzers[name] = analyzer
	}
}

// RegisterAnalyzer registers a standalone analyzer with the given name
func (r *Registry) RegisterAnalyzer(name string, analyzer media.Analyzer) {
	r.analyzers[name] = analyzer
}

// Generator returns a generator by name
func (r *Registry) Generator(name string) (media.Generator, error) {
	generator, exists := r.generators[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return generator, nil
}

// Analyzer returns an analyzer by name
func (r *Registry) Analyzer(name string) (media.Analyzer, error) {
	analyzer, exists := r.analyzers[name]
	if !exists {
		if _, ok := r.generators[name]; ok {
			return nil, fmt.Errorf("provider %s does not support analysis", name)
		}
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return analyzer, nil
}

// FirstAnalyzer returns the first analyzer in name order. It is used when
// the selected generator cannot analyze images.
func (r *Registry) FirstAnalyzer() (string, media.Analyzer, bool) {
	names := make([]string, 0, len(r.analyzers))
	for name := range r.analyzers {
		names = append(names, name)
	}
	if len(names) == 0 {
		return "", nil, false
	}
	sort.Strings(names)
	return names[0], r.analyzers[names[0]], true
}

// List returns all registered generator names, sorted
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsAvailable checks if a generator is registered under the name
func (r *Registry) IsAvailable(name string) bool {
	_, exists := r.generators[name]
	return exists
}

// Models selects the models used by providers created from the environment.
// Empty fields keep each provider's defaults.
type Models struct {
	Image    string
	Analysis string
}

// DefaultRegistry creates a registry with the providers whose credentials
// are present in the environment.
func DefaultRegistry(ctx context.Context, models Models) (*Registry, error) {
	registry := NewRegistry()

	if os.Getenv("OPENAI_API_KEY") != "" {
		provider, err := CreateProvider(ctx, "openai", models)
		if err != nil {
			return nil, err
		}
		registry.Register("openai", provider)
	}

	if hasGoogleCredentials() {
		provider, err := CreateProvider(ctx, "google", models)
		if err != nil {
			return nil, err
		}
		registry.Register("google", provider)
	}

	return registry, nil
}

// CreateProvider creates a provider with the given name using credentials
// from the environment.
func CreateProvider(ctx context.Context, name string, models Models) (media.Generator, error) {
	switch name {
	case "openai":
		client := openaiapi.NewClient()
		return openai.NewProvider(&client, models.Image), nil

	case "google":
		client, err := genai.NewClient(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Google GenAI client: %w", err)
		}
		var opts []google.Option
		if models.Image != "" {
			opts = append(opts, google.WithImageModel(models.Image))
		}
		if models.Analysis != "" {
			opts = append(opts, google.WithAnalysisModel(models.Analysis))
		}
		return google.NewProvider(client, opts...), nil

	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

// hasGoogleCredentials checks if Google GenAI credentials are available
func hasGoogleCredentials() bool {
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return true
	}
	if os.Getenv("GOOGLE_GENAI_USE_VERTEXAI") != "" && os.Getenv("GOOGLE_CLOUD_PROJECT") != "" {
		return true
	}
	return false
}

// AvailableProviders returns the providers that can be initialized from the
// environment
func AvailableProviders() []string {
	var providers []string
	if os.Getenv("OPENAI_API_KEY") != "" {
		providers = append(providers, "openai")
	}
	if hasGoogleCredentials() {
		providers = append(providers, "google")
	}
	return providers
}
