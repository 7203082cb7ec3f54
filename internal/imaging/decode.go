// Package imaging decodes uploads into rasters and runs the OpenCV primitives
// (grayscale, Canny, Filter2D, resize) the validators build on.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrEmptyImage is returned for rasters with a zero dimension.
var ErrEmptyImage = errors.New("image has no pixels")

// Decode parses raw file bytes into an opaque 8-bit RGB raster.
func Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot identify image file: %w", ErrEmptyImage)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("cannot identify image file: %w", err)
	}
	return ToRGB(img)
}

var extensions = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"bmp":  ".bmp",
	"tiff": ".tiff",
	"webp": ".webp",
}

// Extension sniffs the container format from the header bytes and returns
// the file extension it is stored under. Client-supplied names play no part.
func Extension(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("cannot identify image file: %w", ErrEmptyImage)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("cannot identify image file: %w", err)
	}
	ext, ok := extensions[format]
	if !ok {
		return "", fmt.Errorf("unsupported image format %q", format)
	}
	return ext, nil
}

// ToRGB copies img into an NRGBA raster with the alpha channel discarded,
// the same way a plain RGB conversion drops transparency.
func ToRGB(img image.Image) (*image.NRGBA, error) {
	b := img.Bounds()
	if b.Dx() < 1 || b.Dy() < 1 {
		return nil, ErrEmptyImage
	}
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := out.PixOffset(x, y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xFF
		}
	}
	return out, nil
}

// EncodePNG serializes a raster losslessly for transfer to the face worker.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
