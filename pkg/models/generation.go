package models

import "context"

// ImageGenerator is implemented by every remote generative-image integration.
// Never call a vendor client directly; inject this interface.
type ImageGenerator interface {
	// Generate submits the images and prompt and returns the raw response.
	// It may block for minutes and is not required to honour ctx promptly.
	Generate(ctx context.Context, req GenerationRequest) (*GenerationResponse, error)
	// Name returns the integration identifier (e.g. "gemini", "vertex").
	Name() string
}

// InputImage is an encoded image handed to a generator.
type InputImage struct {
	Data     []byte
	MimeType string
}

// GenerationRequest is the input to a single remote generation call.
type GenerationRequest struct {
	Images []InputImage
	Prompt string
}

// GenerationResponse holds whichever of the two result layouts the remote
// returned. Parts is the direct layout; Candidates the nested one.
type GenerationResponse struct {
	Parts      []ResponsePart      `json:"parts,omitempty"`
	Candidates []ResponseCandidate `json:"candidates,omitempty"`
}

type ResponseCandidate struct {
	Content ResponseContent `json:"content"`
}

type ResponseContent struct {
	Parts []ResponsePart `json:"parts"`
}

// ResponsePart is a single part of a response. Image parts carry InlineData.
type ResponsePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
}

// InlineData is an image payload. Data is base64 on the wire.
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}
