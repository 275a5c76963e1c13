// Package gemini generates scene images through the Gemini generateContent REST API.
package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/tryonhub/internal/ai/remote"
	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

const vendor = "gemini"

// Client implements models.ImageGenerator. It sets no HTTP timeout of its
// own; the retrying wrapper bounds each call.
type Client struct {
	baseURL   string
	apiKey    string
	model     string
	imageSize string
	http      *http.Client
}

func NewClient(cfg config.GeminiConfig) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		imageSize: cfg.ImageSize,
		http:      &http.Client{},
	}
}

func (c *Client) Name() string { return vendor }

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string                `json:"role"`
	Parts []models.ResponsePart `json:"parts"`
}

type generationConfig struct {
	ResponseModalities []string    `json:"responseModalities"`
	ImageConfig        imageConfig `json:"imageConfig"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// Generate sends the prompt followed by every input image and returns the
// candidates layout of the reply.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("%s: at least one input image is required", vendor)
	}

	parts := make([]models.ResponsePart, 0, len(req.Images)+1)
	parts = append(parts, models.ResponsePart{Text: req.Prompt})
	for _, im := range req.Images {
		parts = append(parts, models.ResponsePart{
			InlineData: &models.InlineData{MimeType: mimeOrPNG(im.MimeType), Data: im.Data},
		})
	}

	body := generateRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"IMAGE"},
			ImageConfig:        imageConfig{AspectRatio: "9:16", ImageSize: c.imageSize},
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	var out models.GenerationResponse
	if err := remote.PostJSON(ctx, c.http, vendor, url, map[string]string{"x-goog-api-key": c.apiKey}, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func mimeOrPNG(m string) string {
	if m == "" {
		return "image/png"
	}
	return m
}

var _ models.ImageGenerator = (*Client)(nil)
