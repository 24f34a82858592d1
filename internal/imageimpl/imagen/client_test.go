package imagen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"storycomic/pkg/llm/llmerrors"
)

func TestAspectRatio(t *testing.T) {
	tests := map[string]string{
		"1024x1024": "1:1",
		"1792x1024": "16:9",
		"1024x1792": "9:16",
		"1024x768":  "4:3",
		"768x1024":  "3:4",
		"garbage":   "1:1",
		"":          "1:1",
	}
	for size, want := range tests {
		assert.Equal(t, want, aspectRatio(size), size)
	}
}

func TestToResult(t *testing.T) {
	t.Run("gcs uri", func(t *testing.T) {
		res, err := toResult(&genai.GenerateImagesResponse{GeneratedImages: []*genai.GeneratedImage{
			{Image: &genai.Image{GCSURI: "gs://bucket/comic.png"}},
		}})
		require.NoError(t, err)
		assert.Equal(t, "gs://bucket/comic.png", res.Reference)
	})

	t.Run("inline bytes", func(t *testing.T) {
		res, err := toResult(&genai.GenerateImagesResponse{GeneratedImages: []*genai.GeneratedImage{
			{Image: &genai.Image{ImageBytes: []byte("png"), MIMEType: "image/jpeg"}},
		}})
		require.NoError(t, err)
		assert.Equal(t, "data:image/jpeg;base64,cG5n", res.Reference)
	})

	t.Run("filtered", func(t *testing.T) {
		_, err := toResult(&genai.GenerateImagesResponse{GeneratedImages: []*genai.GeneratedImage{
			{RAIFilteredReason: "violence"},
		}})
		assert.True(t, llmerrors.Is(err, llmerrors.KindProviderRejected))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := toResult(&genai.GenerateImagesResponse{})
		assert.True(t, llmerrors.Is(err, llmerrors.KindProviderUnavailable))
	})
}
