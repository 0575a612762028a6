package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/deepnoodle-ai/craftkit/media"
	openaiapi "github.com/openai/openai-go"
)

// Provider implements media.Generator for OpenAI image models.
type Provider struct {
	client *openaiapi.Client
	model  string
}

// NewProvider creates a new OpenAI media provider. An empty model selects
// gpt-image-1.
func NewProvider(client *openaiapi.Client, model string) *Provider {
	if model == "" {
		model = "gpt-image-1"
	}
	return &Provider{
		client: client,
		model:  model,
	}
}

// ProviderName returns the name of this provider
func (p *Provider) ProviderName() string {
	return "openai"
}

// SupportedModels returns the list of supported models for image generation
func (p *Provider) SupportedModels() []string {
	return []string{"dall-e-2", "dall-e-3", "gpt-image-1"}
}

func imageModel(name string) (openaiapi.ImageModel, error) {
	switch name {
	case "dall-e-2":
		return openaiapi.ImageModelDallE2, nil
	case "dall-e-3":
		return openaiapi.ImageModelDallE3, nil
	case "gpt-image-1":
		return openaiapi.ImageModelGPTImage1, nil
	default:
		return "", fmt.Errorf("unsupported model: %s", name)
	}
}

// Generate generates one image. With reference images the request goes to
// the edits endpoint using the first reference as the input image.
func (p *Provider) Generate(ctx context.Context, req *media.GenerateRequest) (*media.Image, error) {
	if err := media.ValidateGenerateRequest(req); err != nil {
		return nil, err
	}
	name := req.Model
	if name == "" {
		name = p.model
	}
	model, err := imageModel(name)
	if err != nil {
		return nil, err
	}
	if len(req.ReferenceImages) > 0 {
		if model == openaiapi.ImageModelDallE3 {
			return nil, fmt.Errorf("model %s does not accept reference images", name)
		}
		return p.edit(ctx, model, req)
	}

	params := openaiapi.ImageGenerateParams{
		Prompt: req.Prompt,
		Model:  model,
		N:      openaiapi.Int(1),
	}
	if req.Size != "" {
		params.Size = openaiapi.ImageGenerateParamsSize(req.Size)
	} else if model == openaiapi.ImageModelGPTImage1 {
		params.Size = openaiapi.ImageGenerateParamsSizeAuto
	} else {
		params.Size = openaiapi.ImageGenerateParamsSize1024x1024
	}
	// gpt-image-1 always returns base64 and rejects response_format
	if model != openaiapi.ImageModelGPTImage1 {
		params.ResponseFormat = openaiapi.ImageGenerateParamsResponseFormatB64JSON
	}
	if req.ProviderSpecific != nil {
		if moderation, ok := req.ProviderSpecific["moderation"].(string); ok {
			params.Moderation = openaiapi.ImageGenerateParamsModeration(moderation)
		}
		if outputFormat, ok := req.ProviderSpecific["output_format"].(string); ok && model == openaiapi.ImageModelGPTImage1 {
			params.OutputFormat = openaiapi.ImageGenerateParamsOutputFormat(outputFormat)
		}
	}

	response, err := p.client.Images.Generate(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("error generating image: %w", convertError(err))
	}
	return firstImage(response)
}

func (p *Provider) edit(ctx context.Context, model openaiapi.ImageModel, req *media.GenerateRequest) (*media.Image, error) {
	var image io.Reader = bytes.NewReader(req.ReferenceImages[0].Data)
	params := openaiapi.ImageEditParams{
		Image:  openaiapi.ImageEditParamsImageUnion{OfFile: image},
		Prompt: req.Prompt,
		Model:  model,
		N:      openaiapi.Int(1),
	}
	if model == openaiapi.ImageModelDallE2 {
		params.ResponseFormat = openaiapi.ImageEditParamsResponseFormatB64JSON
	}

	response, err := p.client.Images.Edit(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("error editing image: %w", convertError(err))
	}
	return firstImage(response)
}

func firstImage(response *openaiapi.ImagesResponse) (*media.Image, error) {
	if response == nil || len(response.Data) == 0 {
		return nil, fmt.Errorf("no images were generated")
	}
	data := response.Data[0]
	if data.B64JSON == "" {
		return nil, fmt.Errorf("image returned without base64 data")
	}
	img, err := media.ImageFromBase64(data.B64JSON)
	if err != nil {
		return nil, err
	}
	img.RevisedPrompt = data.RevisedPrompt
	return &img, nil
}

// convertError maps *openai.Error to media.ProviderError.
func convertError(err error) error {
	var apiErr *openaiapi.Error
	if errors.As(err, &apiErr) {
		return &media.ProviderError{
			Provider: "openai",
			Code:     apiErr.StatusCode,
			Message:  apiErr.Message,
			Err:      err,
		}
	}
	return err
}
