// Package mock provides a test double for the vision.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/felixsoderstrom/indexbot/pkg/provider/vision"
)

// CaptionCall records a single invocation of Caption.
type CaptionCall struct {
	ImageBytes  []byte
	ContentType string
	Prompt      string
}

// Provider is a mock implementation of vision.Provider.
type Provider struct {
	mu sync.Mutex

	// CaptionResult is returned by Caption.
	CaptionResult vision.CaptionResult
	// CaptionErr, if non-nil, is returned as the error from Caption.
	CaptionErr error

	// PingErr, if non-nil, is returned as the error from Ping.
	PingErr error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// CaptionCalls records every invocation of Caption in order.
	CaptionCalls []CaptionCall
	// PingCalls counts invocations of Ping.
	PingCalls int
}

func (p *Provider) Caption(ctx context.Context, imageBytes []byte, contentType, prompt string) (vision.CaptionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CaptionCalls = append(p.CaptionCalls, CaptionCall{ImageBytes: imageBytes, ContentType: contentType, Prompt: prompt})
	if p.CaptionErr != nil {
		return vision.CaptionResult{}, p.CaptionErr
	}
	return p.CaptionResult, nil
}

func (p *Provider) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PingCalls++
	return p.PingErr
}

func (p *Provider) ModelID() string {
	return p.ModelIDValue
}
