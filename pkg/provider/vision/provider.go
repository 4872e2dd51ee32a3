// Package vision defines the Provider interface for image-captioning backends.
//
// A vision provider wraps a multimodal model endpoint that accepts raw image
// bytes plus a text prompt and returns a natural-language description. It is
// used by the Extraction Workers to caption Discord message attachments
// before they are folded into a message's composite embedding text.
//
// Implementations must be safe for concurrent use.
package vision

import "context"

// Usage holds token accounting for a single captioning call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CaptionResult is the output of a single Caption call.
type CaptionResult struct {
	// Description is the model's natural-language description of the image.
	Description string

	Usage Usage
}

// Provider is the abstraction over any image-captioning backend.
type Provider interface {
	// Caption sends imageBytes (raw, already-decoded-and-validated image
	// data) along with prompt to the model and returns its description.
	//
	// contentType is the image's MIME type (e.g. "image/png", "image/jpeg"),
	// as determined by the caller after decoding — Provider implementations
	// do not sniff or re-validate image bytes.
	Caption(ctx context.Context, imageBytes []byte, contentType, prompt string) (CaptionResult, error)

	// Ping performs the cheapest possible round trip against the backend
	// (e.g. a negligible prompt with a 1x1 pixel) to verify availability
	// and warm the model, without the cost of a full captioning call.
	Ping(ctx context.Context) error

	// ModelID returns the provider-specific vision model identifier.
	ModelID() string
}
