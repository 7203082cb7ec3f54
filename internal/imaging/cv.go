package imaging

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Processor runs the pixel primitives on OpenCV. It is a value so callers
// can swap in another backend, or a failing one in tests.
type Processor struct{}

// Grayscale converts img to 8-bit luma with OpenCV's BT.601 weights.
func (Processor) Grayscale(img *image.NRGBA) (*image.Gray, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	// ImageToMatRGB lays channels out in OpenCV's BGR order.
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("grayscale: %w", err)
	}
	defer src.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)
	return matToGray(gray)
}

// Canny runs OpenCV's edge detector with a 3x3 aperture. Edge pixels are 255
// in the result, everything else 0.
func (Processor) Canny(gray *image.Gray, low, high float64) (*image.Gray, error) {
	src, err := grayToMat(gray)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(src, &edges, float32(low), float32(high))
	return matToGray(edges)
}

// CountNonZero counts the lit pixels of an edge map or mask.
func (Processor) CountNonZero(gray *image.Gray) (int, error) {
	src, err := grayToMat(gray)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	return gocv.CountNonZero(src), nil
}

// Filter2D correlates gray with k using the default reflect-101 border.
// Results are saturated back to 8 bits.
func (Processor) Filter2D(gray *image.Gray, k Kernel) (*image.Gray, error) {
	if err := k.validate(); err != nil {
		return nil, err
	}
	src, err := grayToMat(gray)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	kernel := gocv.NewMatWithSize(k.Size, k.Size, gocv.MatTypeCV32F)
	defer kernel.Close()
	for r := 0; r < k.Size; r++ {
		for c := 0; c < k.Size; c++ {
			kernel.SetFloatAt(r, c, float32(k.Values[r*k.Size+c]))
		}
	}

	filtered := gocv.NewMat()
	defer filtered.Close()
	gocv.Filter2D(src, &filtered, gocv.MatTypeCV8U, kernel, image.Pt(-1, -1), 0, gocv.BorderDefault)
	return matToGray(filtered)
}

// Downscale shrinks img so neither side exceeds maxSide, keeping the aspect
// ratio. Images already within bounds are returned unchanged.
func Downscale(img *image.NRGBA, maxSide int) (*image.NRGBA, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxSide < 1 || (w <= maxSide && h <= maxSide) {
		return img, nil
	}
	scale := float64(maxSide) / float64(max(w, h))
	nw, nh := max(int(float64(w)*scale), 1), max(int(float64(h)*scale), 1)

	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("downscale: %w", err)
	}
	defer src.Close()

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(nw, nh), 0, 0, gocv.InterpolationLinear)

	out, err := resized.ToImage()
	if err != nil {
		return nil, fmt.Errorf("downscale: %w", err)
	}
	return ToRGB(out)
}

func grayToMat(gray *image.Gray) (gocv.Mat, error) {
	if gray == nil || gray.Bounds().Empty() {
		return gocv.Mat{}, ErrEmptyImage
	}
	m, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("gray raster: %w", err)
	}
	return m, nil
}

func matToGray(m gocv.Mat) (*image.Gray, error) {
	if m.Empty() {
		return nil, ErrEmptyImage
	}
	if m.Type() != gocv.MatTypeCV8UC1 {
		return nil, fmt.Errorf("expected 8-bit single channel, got %v", m.Type())
	}
	return &image.Gray{
		Pix:    m.ToBytes(),
		Stride: m.Cols(),
		Rect:   image.Rect(0, 0, m.Cols(), m.Rows()),
	}, nil
}
