// Package codec normalizes uploaded photographs into a bounded, compressed
// representation suitable for storage and computes the content hash used for
// duplicate detection.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"

	xdraw "golang.org/x/image/draw"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode marks input bytes that could not be decoded as a raster image.
var ErrDecode = errors.New("unable to decode image")

// Normalized is the result of running raw upload bytes through the codec.
type Normalized struct {
	Data   []byte
	Hash   string // SHA-256 hex digest over Data
	Width  int
	Height int
}

// Normalizer converts arbitrary raster input into RGB JPEG bytes bounded by
// MaxDimension on the longer side. Encoding retries at progressively lower
// quality while the payload exceeds TargetBytes (when set) or the input size;
// at QualityFloor the smallest achieved result is returned rather than an
// error. Normalize is a pure function of its input and configuration.
type Normalizer struct {
	MaxDimension int
	Quality      int
	QualityFloor int
	QualityStep  int
	TargetBytes  int
}

func (n *Normalizer) Normalize(raw []byte) (*Normalized, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	slog.Debug("codec: decoded image",
		"format", format,
		"width", bounds.Dx(),
		"height", bounds.Dy(),
		"input_size_bytes", len(raw))

	// Flatten alpha and palette modes onto a white background. The rule is
	// deterministic since the content hash depends on the flattened bytes.
	rgb := flattenToRGB(img)

	scaledWidth, scaledHeight := boundedDimensions(rgb.Bounds().Dx(), rgb.Bounds().Dy(), n.MaxDimension)
	if scaledWidth != rgb.Bounds().Dx() || scaledHeight != rgb.Bounds().Dy() {
		rgb = downscale(rgb, scaledWidth, scaledHeight)
		slog.Debug("codec: downscaled image", "width", scaledWidth, "height", scaledHeight)
	}

	data, err := n.encodeWithinBudget(rgb, len(raw))
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(data)
	return &Normalized{
		Data:   data,
		Hash:   hex.EncodeToString(digest[:]),
		Width:  scaledWidth,
		Height: scaledHeight,
	}, nil
}

// encodeWithinBudget encodes to JPEG, stepping quality down toward the floor
// while the result exceeds the byte budget. The input size acts as an implicit
// budget so re-encoding an already well-compressed upload cannot inflate it.
func (n *Normalizer) encodeWithinBudget(img *image.RGBA, inputSize int) ([]byte, error) {
	quality := n.Quality
	var smallest []byte

	for {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("failed to encode JPEG at quality %d: %w", quality, err)
		}
		out := buf.Bytes()
		if smallest == nil || len(out) < len(smallest) {
			smallest = out
		}

		withinTarget := n.TargetBytes <= 0 || len(out) <= n.TargetBytes
		if withinTarget && len(out) <= inputSize {
			return out, nil
		}
		if quality <= n.QualityFloor {
			// Budget unreachable; keep the smallest result instead of failing.
			slog.Debug("codec: quality floor reached above byte budget",
				"size_bytes", len(smallest), "target_bytes", n.TargetBytes,
				"input_size_bytes", inputSize)
			return smallest, nil
		}
		quality -= n.QualityStep
		if quality < n.QualityFloor {
			quality = n.QualityFloor
		}
	}
}

// Thumbnail re-encodes a stored JPEG payload with the longer side capped at
// maxDimension, for review listings. Payloads already within bounds are
// returned unchanged.
func Thumbnail(data []byte, maxDimension int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	width, height := boundedDimensions(bounds.Dx(), bounds.Dy(), maxDimension)
	if width == bounds.Dx() && height == bounds.Dy() {
		return data, nil
	}

	scaled := downscale(flattenToRGB(img), width, height)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// flattenToRGB composites the source over an opaque white canvas.
func flattenToRGB(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	white := image.NewUniform(color.RGBA{255, 255, 255, 255})
	xdraw.Draw(dst, dst.Bounds(), white, image.Point{}, xdraw.Src)
	xdraw.Draw(dst, dst.Bounds(), img, bounds.Min, xdraw.Over)
	return dst
}

// boundedDimensions preserves aspect ratio while capping the longer side at
// maxDimension. Dimensions are never rounded below one pixel.
func boundedDimensions(width, height, maxDimension int) (int, int) {
	if maxDimension <= 0 || (width <= maxDimension && height <= maxDimension) {
		return width, height
	}
	if width >= height {
		scaled := height * maxDimension / width
		if scaled < 1 {
			scaled = 1
		}
		return maxDimension, scaled
	}
	scaled := width * maxDimension / height
	if scaled < 1 {
		scaled = 1
	}
	return scaled, maxDimension
}

func downscale(src *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return dst
}
