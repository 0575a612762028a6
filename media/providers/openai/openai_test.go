package openai

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/craftkit/media"
	openaiapi "github.com/openai/openai-go"
	"github.com/stretchr/testify/require"
)

func TestProvider_ProviderName(t *testing.T) {
	client := openaiapi.NewClient()
	provider := NewProvider(&client, "")

	require.Equal(t, "openai", provider.ProviderName())
	require.Equal(t, "gpt-image-1", provider.model)
	require.Contains(t, provider.SupportedModels(), "dall-e-3")
}

func TestProvider_Generate_ValidationErrors(t *testing.T) {
	client := openaiapi.NewClient()
	provider := NewProvider(&client, "")
	ctx := context.Background()

	resp, err := provider.Generate(ctx, &media.GenerateRequest{})
	require.Nil(t, resp)
	require.ErrorContains(t, err, "prompt is required")

	resp, err = provider.Generate(ctx, &media.GenerateRequest{
		Prompt: "Test prompt",
		Model:  "unsupported-model",
	})
	require.Nil(t, resp)
	require.ErrorContains(t, err, "unsupported model")

	resp, err = provider.Generate(ctx, &media.GenerateRequest{
		Prompt:          "Test prompt",
		Model:           "dall-e-3",
		ReferenceImages: []media.Image{{Data: []byte{1}}},
	})
	require.Nil(t, resp)
	require.ErrorContains(t, err, "does not accept reference images")
}

func TestFirstImage(t *testing.T) {
	_, err := firstImage(&openaiapi.ImagesResponse{})
	require.ErrorContains(t, err, "no images")

	img, err := firstImage(&openaiapi.ImagesResponse{
		Data: []openaiapi.Image{{B64JSON: "dGVzdA==", RevisedPrompt: "revised"}},
	})
	require.NoError(t, err)
	require.Equal(t, []byte("test"), img.Data)
	require.Equal(t, "revised", img.RevisedPrompt)
}
