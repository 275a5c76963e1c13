// Package vertex runs virtual try-on through the Vertex AI predict REST API.
package vertex

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/tryonhub/internal/ai/remote"
	"github.com/kiranshivaraju/tryonhub/internal/config"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

const vendor = "vertex"

// Client implements models.ImageGenerator. The first request image is the
// person; the remaining images are garments.
type Client struct {
	endpoint    string
	accessToken string
	baseSteps   int
	http        *http.Client
}

func NewClient(cfg config.VertexConfig) *Client {
	endpoint := fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:predict",
		strings.TrimRight(cfg.BaseURL, "/"), cfg.Project, cfg.Location, cfg.Model)
	return &Client{
		endpoint:    endpoint,
		accessToken: cfg.AccessToken,
		baseSteps:   cfg.BaseSteps,
		http:        &http.Client{},
	}
}

func (c *Client) Name() string { return vendor }

type encodedImage struct {
	BytesBase64Encoded []byte `json:"bytesBase64Encoded"`
}

type imageRef struct {
	Image encodedImage `json:"image"`
}

type instance struct {
	PersonImage   imageRef   `json:"personImage"`
	ProductImages []imageRef `json:"productImages"`
}

type parameters struct {
	SampleCount  int  `json:"sampleCount"`
	BaseSteps    int  `json:"baseSteps,omitempty"`
	AddWatermark bool `json:"addWatermark"`
}

type predictRequest struct {
	Instances  []instance `json:"instances"`
	Parameters parameters `json:"parameters"`
}

type prediction struct {
	MimeType           string `json:"mimeType"`
	BytesBase64Encoded []byte `json:"bytesBase64Encoded"`
}

type predictResponse struct {
	Predictions []prediction `json:"predictions"`
}

// Generate requests a single try-on sample. Predictions are returned in the
// direct parts layout.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	if len(req.Images) < 2 {
		return nil, fmt.Errorf("%s: a person image and at least one garment image are required", vendor)
	}

	inst := instance{PersonImage: imageRef{Image: encodedImage{BytesBase64Encoded: req.Images[0].Data}}}
	for _, g := range req.Images[1:] {
		inst.ProductImages = append(inst.ProductImages, imageRef{Image: encodedImage{BytesBase64Encoded: g.Data}})
	}

	body := predictRequest{
		Instances:  []instance{inst},
		Parameters: parameters{SampleCount: 1, BaseSteps: c.baseSteps, AddWatermark: false},
	}

	headers := map[string]string{}
	if c.accessToken != "" {
		headers["Authorization"] = "Bearer " + c.accessToken
	}

	var out predictResponse
	if err := remote.PostJSON(ctx, c.http, vendor, c.endpoint, headers, body, &out); err != nil {
		return nil, err
	}

	resp := &models.GenerationResponse{}
	for _, p := range out.Predictions {
		mime := p.MimeType
		if mime == "" {
			mime = "image/png"
		}
		resp.Parts = append(resp.Parts, models.ResponsePart{
			InlineData: &models.InlineData{MimeType: mime, Data: p.BytesBase64Encoded},
		})
	}
	return resp, nil
}

var _ models.ImageGenerator = (*Client)(nil)
