package extract

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// maxImageDimension guards against decompression-bomb attachments: an
// image claiming to be larger than this on either axis is rejected before
// it reaches the vision model.
const maxImageDimension = 8192

// decodeAndValidateImage decodes raw image bytes, sanity-checks their
// dimensions, and re-encodes them to a normalized format so the vision
// endpoint never receives a malformed or adversarially-crafted payload
// straight from an attachment URL. It returns the re-encoded bytes and the
// content-type to report alongside them.
func decodeAndValidateImage(raw []byte, contentType string) ([]byte, string, error) {
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxImageDimension || bounds.Dy() > maxImageDimension {
		return nil, "", fmt.Errorf("image dimensions %dx%d exceed the %dpx cap", bounds.Dx(), bounds.Dy(), maxImageDimension)
	}
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, "", fmt.Errorf("image has zero dimension")
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, "", fmt.Errorf("re-encode image: %w", err)
	}

	return buf.Bytes(), "image/png", nil
}
