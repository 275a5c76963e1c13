package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/tryonhub/internal/ai/gemini"
	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_RequestShapeAndResponse(t *testing.T) {
	imgBytes := []byte{0x89, 'P', 'N', 'G'}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "gem-key", r.Header.Get("x-goog-api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		gen := body["generationConfig"].(map[string]any)
		assert.Equal(t, []any{"IMAGE"}, gen["responseModalities"])
		imgCfg := gen["imageConfig"].(map[string]any)
		assert.Equal(t, "9:16", imgCfg["aspectRatio"])
		assert.Equal(t, "1K", imgCfg["imageSize"])

		parts := body["contents"].([]any)[0].(map[string]any)["parts"].([]any)
		require.Len(t, parts, 2)
		assert.Equal(t, "make it a beach", parts[0].(map[string]any)["text"])
		inline := parts[1].(map[string]any)["inlineData"].(map[string]any)
		assert.Equal(t, "image/png", inline["mimeType"])
		assert.Equal(t, base64.StdEncoding.EncodeToString(imgBytes), inline["data"])

		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"inlineData":{"mimeType":"image/png","data":"` +
			base64.StdEncoding.EncodeToString([]byte("out")) + `"}}]}}]}`))
	}))
	defer srv.Close()

	c := gemini.NewClient(config.GeminiConfig{
		BaseURL: srv.URL + "/v1beta/", APIKey: "gem-key", Model: "gemini-test", ImageSize: "1K",
	})
	assert.Equal(t, "gemini", c.Name())

	resp, err := c.Generate(context.Background(), models.GenerationRequest{
		Prompt: "make it a beach",
		Images: []models.InputImage{{Data: imgBytes}},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Parts)
	require.Len(t, resp.Candidates, 1)
	require.NotNil(t, resp.Candidates[0].Content.Parts[0].InlineData)
	assert.Equal(t, []byte("out"), resp.Candidates[0].Content.Parts[0].InlineData.Data)
}

func TestGenerate_RateLimitedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := gemini.NewClient(config.GeminiConfig{BaseURL: srv.URL, Model: "m"})
	_, err := c.Generate(context.Background(), models.GenerationRequest{Images: []models.InputImage{{Data: []byte("x")}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestGenerate_RequiresImage(t *testing.T) {
	c := gemini.NewClient(config.GeminiConfig{BaseURL: "http://unused", Model: "m"})
	_, err := c.Generate(context.Background(), models.GenerationRequest{Prompt: "p"})
	require.Error(t, err)
}
