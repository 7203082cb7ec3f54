// Package synthetic flags cartoons, sketches and animation frames so only
// camera photographs reach face matching.
package synthetic

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/faceguard/internal/imaging"
	"go.uber.org/zap"
)

// Empirical thresholds. They are fixed; nothing adapts them at runtime.
const (
	MaxEdgeRatio       = 0.10
	MinColorRatio      = 0.01
	MinTextureVariance = 100.0

	cannyLow  = 100
	cannyHigh = 200
)

// Processor is the pixel-level capability the detector depends on.
type Processor interface {
	Grayscale(img *image.NRGBA) (*image.Gray, error)
	Canny(gray *image.Gray, low, high float64) (*image.Gray, error)
	CountNonZero(gray *image.Gray) (int, error)
	Filter2D(gray *image.Gray, k imaging.Kernel) (*image.Gray, error)
}

// Signal names the heuristic that decided an analysis.
type Signal int

const (
	SignalNone Signal = iota
	SignalEdgeDensity
	SignalColorDiversity
	SignalTextureVariance
	SignalFailure
)

func (s Signal) String() string {
	switch s {
	case SignalEdgeDensity:
		return "edge_density"
	case SignalColorDiversity:
		return "color_diversity"
	case SignalTextureVariance:
		return "texture_variance"
	case SignalFailure:
		return "failure"
	}
	return "none"
}

// Analysis is the outcome of one detector run. Measurements after the
// deciding signal are left at zero because evaluation stops there.
type Analysis struct {
	Synthetic       bool
	Signal          Signal
	EdgeRatio       float64
	ColorRatio      float64
	TextureVariance float64
	Err             error
}

// Detector combines three independent heuristics; any one of them is enough
// to call an image synthetic.
type Detector struct {
	proc Processor
	log  *zap.Logger
}

// NewDetector builds a detector. A nil processor selects the OpenCV one.
func NewDetector(proc Processor, log *zap.Logger) *Detector {
	if proc == nil {
		proc = imaging.Processor{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{proc: proc, log: log}
}

// IsSynthetic reports whether img looks artificial. Internal failures count
// as synthetic.
func (d *Detector) IsSynthetic(img *image.NRGBA) bool {
	return d.Analyze(img).Synthetic
}

// Analyze evaluates edge density, color diversity and texture variance in
// that order, stopping at the first signal that fires.
func (d *Detector) Analyze(img *image.NRGBA) (a Analysis) {
	defer func() {
		if r := recover(); r != nil {
			a = d.fail(fmt.Errorf("panic: %v", r))
		}
	}()

	if img == nil || img.Bounds().Dx() < 1 || img.Bounds().Dy() < 1 {
		return d.fail(errors.New("empty raster"))
	}

	gray, err := d.proc.Grayscale(img)
	if err != nil {
		return d.fail(fmt.Errorf("grayscale: %w", err))
	}

	// 1. Edge density
	edges, err := d.proc.Canny(gray, cannyLow, cannyHigh)
	if err != nil {
		return d.fail(fmt.Errorf("edge detection: %w", err))
	}
	lit, err := d.proc.CountNonZero(edges)
	if err != nil {
		return d.fail(fmt.Errorf("edge count: %w", err))
	}
	a.EdgeRatio = float64(lit) / float64(edges.Bounds().Dx()*edges.Bounds().Dy())
	if a.EdgeRatio > MaxEdgeRatio {
		d.log.Info("high edge ratio detected", zap.Float64("edge_ratio", a.EdgeRatio))
		return a.decide(SignalEdgeDensity)
	}

	// 2. Color diversity
	a.ColorRatio = colorRatio(img)
	if a.ColorRatio < MinColorRatio {
		d.log.Info("low color diversity detected", zap.Float64("color_ratio", a.ColorRatio))
		return a.decide(SignalColorDiversity)
	}

	// 3. Texture
	blurred, err := d.proc.Filter2D(gray, imaging.MeanKernel(3))
	if err != nil {
		return d.fail(fmt.Errorf("texture filter: %w", err))
	}
	a.TextureVariance, err = textureVariance(gray, blurred)
	if err != nil {
		return d.fail(err)
	}
	if a.TextureVariance < MinTextureVariance {
		d.log.Info("low texture variance detected", zap.Float64("texture_variance", a.TextureVariance))
		return a.decide(SignalTextureVariance)
	}

	return a
}

func (a Analysis) decide(s Signal) Analysis {
	a.Synthetic = true
	a.Signal = s
	return a
}

func (d *Detector) fail(err error) Analysis {
	d.log.Error("synthetic image detection failed", zap.Error(err))
	return Analysis{Synthetic: true, Signal: SignalFailure, Err: err}
}

// colorRatio is the number of distinct RGB triples over the pixel count.
func colorRatio(img *image.NRGBA) float64 {
	b := img.Bounds()
	seen := make(map[uint32]struct{})
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			seen[uint32(img.Pix[i])<<16|uint32(img.Pix[i+1])<<8|uint32(img.Pix[i+2])] = struct{}{}
		}
	}
	return float64(len(seen)) / float64(b.Dx()*b.Dy())
}

// textureVariance is the population variance of the per-pixel difference
// between gray and blurred. The difference wraps modulo 256 like unsigned
// 8-bit arithmetic, which is what MinTextureVariance was calibrated against.
func textureVariance(gray, blurred *image.Gray) (float64, error) {
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	if blurred.Bounds().Dx() != w || blurred.Bounds().Dy() != h {
		return 0, fmt.Errorf("texture: blurred size %v does not match %v", blurred.Bounds().Size(), gray.Bounds().Size())
	}
	n := float64(w * h)
	var sum, sumSq float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(gray.Pix[y*gray.Stride+x] - blurred.Pix[y*blurred.Stride+x])
			sum += v
			sumSq += v * v
		}
	}
	mean := sum / n
	return sumSq/n - mean*mean, nil
}
