package imaging

import "fmt"

// Kernel is a square convolution kernel stored row-major.
type Kernel struct {
	Size   int
	Values []float64
}

// MeanKernel returns a size x size box kernel whose weights sum to one.
func MeanKernel(size int) Kernel {
	vals := make([]float64, size*size)
	for i := range vals {
		vals[i] = 1 / float64(size*size)
	}
	return Kernel{Size: size, Values: vals}
}

func (k Kernel) validate() error {
	if k.Size < 1 || k.Size%2 == 0 || len(k.Values) != k.Size*k.Size {
		return fmt.Errorf("invalid kernel: size %d with %d values", k.Size, len(k.Values))
	}
	return nil
}
