// Package features detects binary keypoint descriptors, spreads detection
// over a tile grid for large rasters, and matches descriptors between images
// with an LSH index and a ratio test.
package features

import (
	"fmt"

	"hexagon-gcp/internal/raster"
	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
)

// Keypoint is a detected feature in global image pixel coordinates.
type Keypoint struct {
	X, Y       float64
	Size       float64
	Angle      float64
	Response   float64
	Octave     int
	Descriptor []byte // nil when descriptors were not requested
}

// Point returns the keypoint location.
func (k Keypoint) Point() geometry.Point2D {
	return geometry.Point2D{X: k.X, Y: k.Y}
}

// Detector finds keypoints and computes their descriptors in img, restricted
// to non-zero mask pixels (an empty mask means the whole image).
// Implementations are not safe for concurrent use.
type Detector interface {
	Detect(img, mask gocv.Mat) ([]Keypoint, error)
	Close() error
}

// DetectorFactory creates a fresh Detector; tiled extraction gives each
// tile its own.
type DetectorFactory func() Detector

// ORBParams configures the ORB detector.
type ORBParams struct {
	MaxFeatures   int     `yaml:"max_features"`
	ScaleFactor   float64 `yaml:"scale_factor"`
	Levels        int     `yaml:"levels"`
	EdgeThreshold int     `yaml:"edge_threshold"`
	FirstLevel    int     `yaml:"first_level"`
	WTAK          int     `yaml:"wta_k"`
	PatchSize     int     `yaml:"patch_size"`
	FastThreshold int     `yaml:"fast_threshold"`
}

// DefaultORBParams returns the stock OpenCV ORB settings.
func DefaultORBParams() ORBParams {
	return ORBParams{
		MaxFeatures:   500,
		ScaleFactor:   1.2,
		Levels:        8,
		EdgeThreshold: 31,
		FirstLevel:    0,
		WTAK:          2,
		PatchSize:     31,
		FastThreshold: 20,
	}
}

// ORBDetector wraps gocv's ORB feature detector.
type ORBDetector struct {
	orb gocv.ORB
}

// NewORB creates an ORB detector.
func NewORB(p ORBParams) *ORBDetector {
	return &ORBDetector{
		orb: gocv.NewORBWithParams(p.MaxFeatures, float32(p.ScaleFactor), p.Levels,
			p.EdgeThreshold, p.FirstLevel, p.WTAK, gocv.ORBScoreTypeHarris, p.PatchSize, p.FastThreshold),
	}
}

// ORBFactory returns a DetectorFactory producing ORB detectors.
func ORBFactory(p ORBParams) DetectorFactory {
	return func() Detector { return NewORB(p) }
}

// Detect runs ORB detection and description.
func (d *ORBDetector) Detect(img, mask gocv.Mat) ([]Keypoint, error) {
	if err := raster.CheckMask(img, mask); err != nil {
		return nil, err
	}
	if img.Type() != gocv.MatTypeCV8UC1 {
		return nil, fmt.Errorf("%w: detector needs CV8UC1 input", raster.ErrInputShape)
	}

	kps, desc := d.orb.DetectAndCompute(img, mask)
	defer desc.Close()

	if len(kps) == 0 {
		return nil, nil
	}
	if desc.Rows() != len(kps) {
		return nil, fmt.Errorf("descriptor rows %d != keypoints %d", desc.Rows(), len(kps))
	}

	width := desc.Cols()
	raw := desc.ToBytes()

	out := make([]Keypoint, len(kps))
	for i, kp := range kps {
		row := make([]byte, width)
		copy(row, raw[i*width:(i+1)*width])
		out[i] = Keypoint{
			X:          kp.X,
			Y:          kp.Y,
			Size:       kp.Size,
			Angle:      kp.Angle,
			Response:   kp.Response,
			Octave:     kp.Octave,
			Descriptor: row,
		}
	}
	return out, nil
}

// Close releases the underlying ORB instance.
func (d *ORBDetector) Close() error {
	return d.orb.Close()
}
