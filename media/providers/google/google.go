package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/steps"
	"google.golang.org/genai"
)

const (
	DefaultImageModel    = "gemini-2.5-flash-image"
	DefaultAnalysisModel = "gemini-2.5-flash"
)

// Provider implements media.Generator and media.Analyzer for Google GenAI.
// Imagen models are used for text-only prompts; Gemini image models accept
// reference images.
type Provider struct {
	client        *genai.Client
	imageModel    string
	analysisModel string
}

// Option configures a Provider.
type Option func(*Provider)

// WithImageModel sets the default generation model.
func WithImageModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.imageModel = model
		}
	}
}

// WithAnalysisModel sets the default analysis model.
func WithAnalysisModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.analysisModel = model
		}
	}
}

// NewProvider creates a new Google GenAI media provider
func NewProvider(client *genai.Client, opts ...Option) *Provider {
	p := &Provider{
		client:        client,
		imageModel:    DefaultImageModel,
		analysisModel: DefaultAnalysisModel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProviderName returns the name of this provider
func (p *Provider) ProviderName() string {
	return "google"
}

// SupportedModels returns the list of supported models for image generation
func (p *Provider) SupportedModels() []string {
	return []string{
		"gemini-2.5-flash-image",
		"gemini-2.5-flash-image-preview",
		"imagen-4.0-generate-001",
		"imagen-4.0-ultra-generate-001",
		"imagen-4.0-fast-generate-001",
	}
}

func isImagenModel(model string) bool {
	return strings.HasPrefix(model, "imagen-")
}

// Generate generates one image from the prompt and reference images
func (p *Provider) Generate(ctx context.Context, req *media.GenerateRequest) (*media.Image, error) {
	if err := media.ValidateGenerateRequest(req); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = p.imageModel
	}
	if isImagenModel(model) && len(req.ReferenceImages) > 0 {
		return nil, fmt.Errorf("model %s does not accept reference images", model)
	}
	if p.client == nil {
		return nil, fmt.Errorf("google genai client is not initialized")
	}
	if isImagenModel(model) {
		return p.generateImagen(ctx, model, req)
	}

	parts := []*genai.Part{genai.NewPartFromText(req.Prompt)}
	for _, ref := range req.ReferenceImages {
		parts = append(parts, genai.NewPartFromBytes(ref.Data, ref.MIMEType))
	}
	contents := []*genai.Content{{Role: string(genai.RoleUser), Parts: parts}}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("error generating image: %w", convertError(err))
	}
	return imageFromResponse(resp)
}

func (p *Provider) generateImagen(ctx context.Context, model string, req *media.GenerateRequest) (*media.Image, error) {
	config := &genai.GenerateImagesConfig{
		IncludeRAIReason: true,
		OutputMIMEType:   "image/png",
		NumberOfImages:   1,
	}
	if req.ProviderSpecific != nil {
		if outputMIMEType, ok := req.ProviderSpecific["output_mime_type"].(string); ok {
			config.OutputMIMEType = outputMIMEType
		}
		if aspectRatio, ok := req.ProviderSpecific["aspect_ratio"].(string); ok {
			config.AspectRatio = aspectRatio
		}
	}

	resp, err := p.client.Models.GenerateImages(ctx, model, req.Prompt, config)
	if err != nil {
		return nil, fmt.Errorf("error generating image: %w", convertError(err))
	}
	if len(resp.GeneratedImages) == 0 {
		return nil, fmt.Errorf("no images were generated")
	}
	generated := resp.GeneratedImages[0]
	if generated.Image == nil || len(generated.Image.ImageBytes) == 0 {
		if generated.RAIFilteredReason != "" {
			return nil, &media.ProviderError{
				Provider: "google",
				Code:     400,
				Message:  "image filtered: " + generated.RAIFilteredReason,
			}
		}
		return nil, fmt.Errorf("generated image has no data")
	}
	img := media.NewImage(generated.Image.ImageBytes, generated.Image.MIMEType)
	img.RevisedPrompt = generated.EnhancedPrompt
	return &img, nil
}

// imageFromResponse returns the first inline image part of the first candidate.
func imageFromResponse(resp *genai.GenerateContentResponse) (*media.Image, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return nil, &media.ProviderError{
				Provider: "google",
				Code:     400,
				Message:  "prompt blocked: " + string(resp.PromptFeedback.BlockReason),
			}
		}
		return nil, fmt.Errorf("empty response from Google GenAI")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return nil, fmt.Errorf("no content in response (finish reason %s)", candidate.FinishReason)
	}
	for _, part := range candidate.Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			img := media.NewImage(part.InlineData.Data, part.InlineData.MIMEType)
			return &img, nil
		}
	}
	return nil, fmt.Errorf("response contains no image data")
}

// analysisSchema constrains the model output to the Analysis shape.
var analysisSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"materials": {
			Type:  genai.TypeArray,
			Items: &genai.Schema{Type: genai.TypeString},
		},
		"steps": {
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"number":  {Type: genai.TypeInteger},
					"title":   {Type: genai.TypeString},
					"text":    {Type: genai.TypeString},
					"warning": {Type: genai.TypeString},
				},
				Required: []string{"number", "title", "text"},
			},
		},
	},
	Required: []string{"materials", "steps"},
}

// Analyze decomposes the request image into materials and steps
func (p *Provider) Analyze(ctx context.Context, req *media.AnalyzeRequest) (*media.Analysis, error) {
	if err := media.ValidateAnalyzeRequest(req); err != nil {
		return nil, err
	}
	if p.client == nil {
		return nil, fmt.Errorf("google genai client is not initialized")
	}
	model := req.Model
	if model == "" {
		model = p.analysisModel
	}

	contents := []*genai.Content{{
		Role: string(genai.RoleUser),
		Parts: []*genai.Part{
			genai.NewPartFromBytes(req.Image.Data, req.Image.MIMEType),
			genai.NewPartFromText(req.Prompt),
		},
	}}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   analysisSchema,
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("error analyzing image: %w", convertError(err))
	}
	return ParseAnalysis(resp.Text())
}

// ParseAnalysis parses the JSON analysis document returned by the model.
// Markdown code fences around the document are tolerated.
func ParseAnalysis(text string) (*media.Analysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty analysis response")
	}

	var result struct {
		Materials []string     `json:"materials"`
		Steps     []steps.Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, fmt.Errorf("error parsing analysis: %w", err)
	}
	analysis := &media.Analysis{Materials: result.Materials, Steps: result.Steps}
	analysis.Normalize()
	return analysis, nil
}

// convertError maps genai.APIError to media.ProviderError so that the retry
// classifier can read its status code.
func convertError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &media.ProviderError{Provider: "google", Code: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &media.ProviderError{Provider: "google", Code: apiErrPtr.Code, Message: apiErrPtr.Message, Err: err}
	}
	return err
}
