package google

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/craftkit/media"
	"github.com/deepnoodle-ai/craftkit/retry"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestProvider_ProviderName(t *testing.T) {
	// A nil client is enough for everything that happens before a request
	provider := NewProvider(nil)
	require.Equal(t, "google", provider.ProviderName())
	require.Contains(t, provider.SupportedModels(), DefaultImageModel)
}

func TestProvider_Generate_ValidationErrors(t *testing.T) {
	provider := NewProvider(nil)
	ctx := context.Background()

	resp, err := provider.Generate(ctx, &media.GenerateRequest{})
	require.Nil(t, resp)
	require.ErrorContains(t, err, "prompt is required")

	resp, err = provider.Generate(ctx, &media.GenerateRequest{
		Prompt:          "a red potion bottle",
		Model:           "imagen-4.0-generate-001",
		ReferenceImages: []media.Image{{Data: []byte{1}, MIMEType: "image/png"}},
	})
	require.Nil(t, resp)
	require.ErrorContains(t, err, "does not accept reference images")

	resp, err = provider.Generate(ctx, &media.GenerateRequest{Prompt: "a red potion bottle"})
	require.Nil(t, resp)
	require.ErrorContains(t, err, "client is not initialized")
}

func TestProvider_Analyze_ValidationErrors(t *testing.T) {
	provider := NewProvider(nil, WithAnalysisModel("gemini-2.5-pro"))
	require.Equal(t, "gemini-2.5-pro", provider.analysisModel)

	_, err := provider.Analyze(context.Background(), &media.AnalyzeRequest{Prompt: "x"})
	require.ErrorContains(t, err, "image is required")
}

func TestParseAnalysis(t *testing.T) {
	text := "```json\n" + `{
		"materials": ["glass bottle", " ", "red dye"],
		"steps": [
			{"number": 1, "title": "Shape", "text": "blow the glass"},
			{"number": 2, "title": "Fill", "text": "pour the dye", "warning": "stains"}
		]
	}` + "\n```"

	analysis, err := ParseAnalysis(text)
	require.NoError(t, err)
	require.Equal(t, []string{"glass bottle", "red dye"}, analysis.Materials)
	require.Len(t, analysis.Steps, 2)
	require.Equal(t, "stains", analysis.Steps[1].Warning)
}

func TestParseAnalysisErrors(t *testing.T) {
	_, err := ParseAnalysis("  ")
	require.ErrorContains(t, err, "empty analysis")

	_, err = ParseAnalysis("{not json")
	require.ErrorContains(t, err, "error parsing analysis")
}

func TestImageFromResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				genai.NewPartFromText("here you go"),
				genai.NewPartFromBytes([]byte("png-bytes"), "image/png"),
			}},
		}},
	}
	img, err := imageFromResponse(resp)
	require.NoError(t, err)
	require.Equal(t, []byte("png-bytes"), img.Data)
	require.Equal(t, "image/png", img.MIMEType)

	_, err = imageFromResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText("no")}}}},
	})
	require.ErrorContains(t, err, "no image data")

	_, err = imageFromResponse(nil)
	require.Error(t, err)
}

func TestConvertErrorClassification(t *testing.T) {
	overloaded := convertError(fmt.Errorf("call: %w", genai.APIError{Code: 503, Message: "overloaded"}))
	var providerErr *media.ProviderError
	require.True(t, errors.As(overloaded, &providerErr))
	require.Equal(t, 503, providerErr.StatusCode())
	require.Equal(t, retry.Transient, retry.Classify(overloaded))

	rejected := convertError(genai.APIError{Code: 400, Message: "invalid argument"})
	require.Equal(t, retry.Permanent, retry.Classify(rejected))

	plain := errors.New("boom")
	require.Equal(t, plain, convertError(plain))
}
