package vision

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Downscale shrinks an image so neither side exceeds maxDim, preserving the
// aspect ratio, and re-encodes it as PNG. Images already within bounds are
// returned unchanged. The input must decode as JPEG or PNG.
func Downscale(data []byte, mimeType string, maxDim int) ([]byte, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}
	if mimeType == "" {
		mimeType = "image/" + format
	}
	if maxDim <= 0 || (cfg.Width <= maxDim && cfg.Height <= maxDim) {
		return data, mimeType, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodableImage, err)
	}

	w, h := scaledSize(cfg.Width, cfg.Height, maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, "", fmt.Errorf("encoding scaled image: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}

func scaledSize(w, h, maxDim int) (int, int) {
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}
