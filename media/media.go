package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"net/http"
	"strings"

	"github.com/deepnoodle-ai/craftkit/steps"
	"github.com/disintegration/imaging"
)

// MaxReferenceImages bounds the reference images sent with one request.
const MaxReferenceImages = 4

// Generator produces an image from a prompt and optional reference images.
type Generator interface {
	// Generate returns exactly one image for the request
	Generate(ctx context.Context, req *GenerateRequest) (*Image, error)

	// ProviderName returns the name of the provider
	ProviderName() string
}

// Analyzer decomposes an image into a materials list and ordered steps.
type Analyzer interface {
	Analyze(ctx context.Context, req *AnalyzeRequest) (*Analysis, error)
}

// Image is encoded image data as returned by a provider.
type Image struct {
	// Data holds the encoded bytes (PNG, JPEG, WEBP)
	Data []byte `json:"data"`

	// MIMEType of Data
	MIMEType string `json:"mime_type"`

	// RevisedPrompt contains any prompt revisions made by the provider
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// GenerateRequest represents a request to generate one image
type GenerateRequest struct {
	// Prompt is the text description of the desired image
	Prompt string `json:"prompt"`

	// ReferenceImages are passed to the model in order
	ReferenceImages []Image `json:"-"`

	// Model specifies which model to use for generation
	Model string `json:"model,omitempty"`

	// Size specifies the dimensions of the generated image
	Size string `json:"size,omitempty"`

	// ProviderSpecific allows passing provider-specific parameters
	ProviderSpecific map[string]any `json:"provider_specific,omitempty"`
}

// AnalyzeRequest asks for the decomposition of Image.
type AnalyzeRequest struct {
	Image  Image  `json:"-"`
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
}

// Analysis is the decomposition of an asset.
type Analysis struct {
	Materials []string     `json:"materials"`
	Steps     []steps.Step `json:"steps"`
}

// ValidateGenerateRequest validates an image generation request
func ValidateGenerateRequest(req *GenerateRequest) error {
	if req == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("prompt is required and cannot be empty")
	}
	if len(req.ReferenceImages) > MaxReferenceImages {
		return fmt.Errorf("reference images cannot exceed %d", MaxReferenceImages)
	}
	for i, ref := range req.ReferenceImages {
		if len(ref.Data) == 0 {
			return fmt.Errorf("reference image %d is empty", i)
		}
	}
	return nil
}

// ValidateAnalyzeRequest validates an analysis request
func ValidateAnalyzeRequest(req *AnalyzeRequest) error {
	if req == nil {
		return fmt.Errorf("request cannot be nil")
	}
	if len(req.Image.Data) == 0 {
		return fmt.Errorf("image is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return fmt.Errorf("prompt is required and cannot be empty")
	}
	return nil
}

// Normalize fills in steps numbering when the provider left it out and drops
// empty materials. Step numbers start at 1 and follow list order. If the
// provider repeated a number, every step is renumbered by position so that
// numbers identify steps uniquely.
func (a *Analysis) Normalize() {
	materials := []string{}
	for _, m := range a.Materials {
		if m = strings.TrimSpace(m); m != "" {
			materials = append(materials, m)
		}
	}
	a.Materials = materials
	seen := make(map[int]bool, len(a.Steps))
	unique := true
	for i := range a.Steps {
		if a.Steps[i].Number <= 0 {
			a.Steps[i].Number = i + 1
		}
		if seen[a.Steps[i].Number] {
			unique = false
		}
		seen[a.Steps[i].Number] = true
	}
	if !unique {
		for i := range a.Steps {
			a.Steps[i].Number = i + 1
		}
	}
}

// NewImage wraps raw encoded bytes, sniffing the MIME type when empty.
func NewImage(data []byte, mimeType string) Image {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return Image{Data: data, MIMEType: mimeType}
}

// ImageFromBase64 decodes a base64 payload such as an OpenAI b64_json field.
func ImageFromBase64(b64Data string) (Image, error) {
	data, err := base64.StdEncoding.DecodeString(b64Data)
	if err != nil {
		return Image{}, fmt.Errorf("error decoding image: %w", err)
	}
	return NewImage(data, ""), nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) (Image, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return Image{}, fmt.Errorf("error encoding png: %w", err)
	}
	return Image{Data: buf.Bytes(), MIMEType: "image/png"}, nil
}

// Decode decodes the image data.
func (i Image) Decode() (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(i.Data))
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}
	return img, nil
}

// Base64 returns the standard base64 encoding of the image data.
func (i Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// Extension returns a file extension for the MIME type.
func (i Image) Extension() string {
	switch i.MIMEType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// ProviderError is a provider API failure normalized to an HTTP status.
type ProviderError struct {
	Provider string
	Code     int
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.Code, e.Message)
}

// StatusCode returns the HTTP status reported by the provider.
func (e *ProviderError) StatusCode() int { return e.Code }

func (e *ProviderError) Unwrap() error { return e.Err }
