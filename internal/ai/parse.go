package ai

import (
	"errors"
	"image"

	"github.com/kiranshivaraju/tryonhub/internal/img"
	"github.com/kiranshivaraju/tryonhub/pkg/models"
)

// layout extracts candidate image parts from one response shape.
type layout struct {
	name  string
	parts func(*models.GenerationResponse) []models.ResponsePart
}

// layouts are tried in order: the direct part list, then the first candidate.
var layouts = []layout{
	{name: "parts", parts: func(r *models.GenerationResponse) []models.ResponsePart {
		return r.Parts
	}},
	{name: "candidates", parts: func(r *models.GenerationResponse) []models.ResponsePart {
		if len(r.Candidates) == 0 {
			return nil
		}
		return r.Candidates[0].Content.Parts
	}},
}

// ExtractImage returns the first decodable inline image of resp and the
// name of the layout it came from.
func ExtractImage(resp *models.GenerationResponse) (image.Image, string, error) {
	if resp == nil {
		return nil, "", errors.New("remote call returned no response")
	}
	for _, l := range layouts {
		for _, part := range l.parts(resp) {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			decoded, err := img.Decode(part.InlineData.Data)
			if err != nil {
				continue
			}
			return decoded, l.name, nil
		}
	}
	return nil, "", ErrNoImage
}
