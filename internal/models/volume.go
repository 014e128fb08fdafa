package models

import "fmt"

// Volume holds a 4D diffusion-weighted acquisition: a 3D grid of voxels
// with one signal measurement per gradient direction. The data is stored
// flat in voxel-major order, so the measurements of a voxel are contiguous.
type Volume struct {
	// Data is the signal, NumVoxels x Directions values, voxel-major.
	Data []float64

	// Width, Height and Depth are the spatial grid dimensions in voxels.
	Width  int
	Height int
	Depth  int

	// Directions is the number of diffusion-weighted measurements per
	// voxel.
	Directions int

	// VoxelSize is the physical size of each voxel in mm.
	VoxelSize struct {
		X, Y, Z float64
	}
}

// NewVolume validates the grid dimensions against the data length and wraps
// the flat signal into a Volume.
func NewVolume(data []float64, width, height, depth, directions int) (*Volume, error) {
	if width <= 0 || height <= 0 || depth <= 0 || directions <= 0 {
		return nil, fmt.Errorf("invalid volume dimensions %dx%dx%dx%d", width, height, depth, directions)
	}
	if len(data) != width*height*depth*directions {
		return nil, fmt.Errorf("data length %d does not match dimensions %dx%dx%dx%d",
			len(data), width, height, depth, directions)
	}
	return &Volume{
		Data:       data,
		Width:      width,
		Height:     height,
		Depth:      depth,
		Directions: directions,
	}, nil
}

// NumVoxels returns the number of spatial grid positions.
func (v *Volume) NumVoxels() int {
	return v.Width * v.Height * v.Depth
}

// Index maps spatial grid coordinates to the flat voxel index.
func (v *Volume) Index(x, y, z int) int {
	return (z*v.Height+y)*v.Width + x
}

// Voxel returns the signal of flat voxel i across all directions. The
// returned slice aliases the volume data.
func (v *Volume) Voxel(i int) []float64 {
	return v.Data[i*v.Directions : (i+1)*v.Directions]
}

// MeanB0Mask builds a foreground mask by thresholding each voxel's mean
// signal over the measurements selected by b0 at the given fraction of the
// global maximum mean. It is a cheap stand-in for a proper brain mask.
func (v *Volume) MeanB0Mask(b0 []bool, fraction float64) []bool {
	n := v.NumVoxels()
	means := make([]float64, n)
	maxMean := 0.0

	count := 0
	for _, is := range b0 {
		if is {
			count++
		}
	}
	// Without any baseline measurement, fall back to averaging the whole
	// signal.
	useAll := count == 0
	if useAll {
		count = v.Directions
	}

	for i := 0; i < n; i++ {
		sig := v.Voxel(i)
		sum := 0.0
		for j, s := range sig {
			if !useAll && j < len(b0) && !b0[j] {
				continue
			}
			sum += s
		}
		means[i] = sum / float64(count)
		if means[i] > maxMean {
			maxMean = means[i]
		}
	}

	mask := make([]bool, n)
	thr := fraction * maxMean
	for i, m := range means {
		mask[i] = m > thr
	}
	return mask
}
