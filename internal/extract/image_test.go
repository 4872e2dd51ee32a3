package extract_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/felixsoderstrom/indexbot/internal/extract"
	"github.com/felixsoderstrom/indexbot/pkg/provider/llm"
	"github.com/felixsoderstrom/indexbot/pkg/provider/vision"
	visionmock "github.com/felixsoderstrom/indexbot/pkg/provider/vision/mock"
)

func encodeTestPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test PNG: %v", err)
	}
	return buf.Bytes()
}

func TestCaptionImage_Success(t *testing.T) {
	data := encodeTestPNG(t, 4, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	vis := &visionmock.Provider{CaptionResult: vision.CaptionResult{Description: "a small colorful square"}}
	gw := &gatewayStub{vis: vis}
	e := extract.New(gw, extract.WithRateLimit(1000, 10))

	caption, err := e.CaptionImage(context.Background(), "server-1", srv.URL)
	if err != nil {
		t.Fatalf("CaptionImage: %v", err)
	}
	if caption != "a small colorful square" {
		t.Errorf("caption: got %q", caption)
	}
}

func TestCaptionImage_RejectsNonImageContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("not an image"))
	}))
	defer srv.Close()

	e := extract.New(&gatewayStub{vis: &visionmock.Provider{}}, extract.WithRateLimit(1000, 10))
	_, err := e.CaptionImage(context.Background(), "server-1", srv.URL)
	if err == nil {
		t.Fatal("expected error for non-image content-type, got nil")
	}
}

func TestCaptionImage_RejectsOversizedPayload(t *testing.T) {
	data := encodeTestPNG(t, 64, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	e := extract.New(&gatewayStub{vis: &visionmock.Provider{}}, extract.WithRateLimit(1000, 10), extract.WithImageLimits(8, 0))
	_, err := e.CaptionImage(context.Background(), "server-1", srv.URL)
	if err == nil {
		t.Fatal("expected error for payload over the size cap, got nil")
	}
}

func TestCaptionImage_NonTwoxxIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	e := extract.New(&gatewayStub{vis: &visionmock.Provider{}}, extract.WithRateLimit(1000, 10))
	_, err := e.CaptionImage(context.Background(), "server-1", srv.URL)
	if err == nil {
		t.Fatal("expected error for 404 response, got nil")
	}
}

// gatewayStub satisfies extract.ModelGateway, delegating Caption to a
// visionmock.Provider without needing the full gateway.Gateway facade.
type gatewayStub struct {
	vis *visionmock.Provider
}

func (g *gatewayStub) Chat(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, nil
}

func (g *gatewayStub) Caption(ctx context.Context, imageBytes []byte, contentType, prompt string) (string, error) {
	result, err := g.vis.Caption(ctx, imageBytes, contentType, prompt)
	if err != nil {
		return "", err
	}
	return result.Description, nil
}
