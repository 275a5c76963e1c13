package mock

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// MockGenerator satisfies models.ImageGenerator for testing.
type MockGenerator struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error)

	mu    sync.Mutex
	calls int
}

func (m *MockGenerator) Name() string { return m.Name_ }

func (m *MockGenerator) Generate(ctx context.Context, req models.GenerationRequest) (*models.GenerationResponse, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &models.GenerationResponse{}, nil
}

// Calls returns how many times Generate ran.
func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// PNG returns a solid w x h PNG image.
func PNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 20, G: 120, B: 220, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// PartsResponse wraps data in the direct parts layout.
func PartsResponse(data []byte) *models.GenerationResponse {
	return &models.GenerationResponse{Parts: []models.ResponsePart{
		{InlineData: &models.InlineData{MimeType: "image/png", Data: data}},
	}}
}

// CandidatesResponse wraps data in the nested candidates layout.
func CandidatesResponse(data []byte) *models.GenerationResponse {
	return &models.GenerationResponse{Candidates: []models.ResponseCandidate{
		{Content: models.ResponseContent{Parts: []models.ResponsePart{
			{InlineData: &models.InlineData{MimeType: "image/png", Data: data}},
		}}},
	}}
}

// NewMockGenerator returns a MockGenerator that answers with a 90x160 image.
func NewMockGenerator() *MockGenerator {
	data := PNG(90, 160)
	return &MockGenerator{
		Name_: "mock",
		GenerateFunc: func(_ context.Context, _ models.GenerationRequest) (*models.GenerationResponse, error) {
			return PartsResponse(data), nil
		},
	}
}

// NewFailingGenerator returns a MockGenerator that always returns the given error.
func NewFailingGenerator(err error) *MockGenerator {
	return &MockGenerator{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ models.GenerationRequest) (*models.GenerationResponse, error) {
			return nil, err
		},
	}
}

// NewHangingGenerator returns a MockGenerator that never returns until release is closed.
// It ignores ctx, like a remote call without cancellation support.
func NewHangingGenerator(release <-chan struct{}) *MockGenerator {
	return &MockGenerator{
		Name_: "mock-hanging",
		GenerateFunc: func(_ context.Context, _ models.GenerationRequest) (*models.GenerationResponse, error) {
			<-release
			return nil, context.Canceled
		},
	}
}

// Compile-time check that MockGenerator implements ImageGenerator.
var _ models.ImageGenerator = (*MockGenerator)(nil)
