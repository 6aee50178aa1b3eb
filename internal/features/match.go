package features

import (
	"fmt"
	"log"

	"gocv.io/x/gocv"
)

// Correspondence pairs a query keypoint (first image) with its accepted
// nearest train keypoint (second image).
type Correspondence struct {
	Query    Keypoint
	Train    Keypoint
	QueryIdx int
	TrainIdx int
	Distance float64 // Hamming distance of the descriptors
}

// MatchOptions configures Match.
type MatchOptions struct {
	Ratio float64   `yaml:"ratio"` // Lowe ratio test threshold
	ORB   ORBParams `yaml:"orb"`
	LSH   LSHParams `yaml:"lsh"`
	Debug bool      `yaml:"debug"`

	// TilePixels > 0 detects in tiles of that size through ExtractTiled,
	// for scenes too large for one detector pass.
	TilePixels int `yaml:"tile_pixels"`
	Workers    int `yaml:"workers"` // concurrent tiles when TilePixels > 0

	// NewDetector overrides the ORB detector built from ORB.
	NewDetector DetectorFactory `yaml:"-"`
}

// DefaultMatchOptions returns ratio 0.75 with default ORB and LSH settings.
func DefaultMatchOptions() MatchOptions {
	return MatchOptions{
		Ratio: 0.75,
		ORB:   DefaultORBParams(),
		LSH:   DefaultLSHParams(),
	}
}

func (o MatchOptions) factory() DetectorFactory {
	if o.NewDetector != nil {
		return o.NewDetector
	}
	return ORBFactory(o.ORB)
}

// Match detects keypoints on img1 and img2 (each restricted to its mask; an
// empty Mat means no mask) and pairs img1 descriptors with their nearest
// img2 descriptors that pass the ratio test.
func Match(img1, img2, mask1, mask2 gocv.Mat, opts MatchOptions) (kp1, kp2 []Keypoint, matches []Correspondence, err error) {
	kp1, err = detectFull(opts, img1, mask1)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("detect first image: %w", err)
	}
	kp2, err = detectFull(opts, img2, mask2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("detect second image: %w", err)
	}

	matches, err = MatchDescriptors(kp1, kp2, opts.Ratio, opts.LSH)
	if err != nil {
		return nil, nil, nil, err
	}

	if opts.Debug {
		log.Printf("[Match] %d / %d keypoints, %d correspondences (ratio %.2f)",
			len(kp1), len(kp2), len(matches), opts.Ratio)
	}
	return kp1, kp2, matches, nil
}

func detectFull(opts MatchOptions, img, mask gocv.Mat) ([]Keypoint, error) {
	if opts.TilePixels > 0 {
		return ExtractTiled(img, mask, opts.factory(), TileOptions{
			TilePixels:  opts.TilePixels,
			Workers:     opts.Workers,
			Descriptors: true,
			Debug:       opts.Debug,
		})
	}
	det := opts.factory()()
	defer det.Close()
	return det.Detect(img, mask)
}

// MatchDescriptors indexes train descriptors in an LSH index, takes the two
// nearest neighbours of every query descriptor and keeps the pair when the
// best distance is below ratio times the second best. Queries with fewer
// than two candidates are dropped.
func MatchDescriptors(query, train []Keypoint, ratio float64, p LSHParams) ([]Correspondence, error) {
	if len(query) == 0 || len(train) == 0 {
		return nil, nil
	}

	descs := make([][]byte, len(train))
	for i, kp := range train {
		if len(kp.Descriptor) == 0 {
			return nil, fmt.Errorf("train keypoint %d has no descriptor", i)
		}
		descs[i] = kp.Descriptor
	}
	index, err := NewLSHIndex(descs, p)
	if err != nil {
		return nil, err
	}

	var out []Correspondence
	for qi, q := range query {
		if len(q.Descriptor) == 0 {
			return nil, fmt.Errorf("query keypoint %d has no descriptor", qi)
		}
		nn := index.KNN(q.Descriptor, 2)
		if len(nn) < 2 {
			continue
		}
		best, second := float64(nn[0].Distance), float64(nn[1].Distance)
		if best >= ratio*second {
			continue
		}
		out = append(out, Correspondence{
			Query:    q,
			Train:    train[nn[0].Index],
			QueryIdx: qi,
			TrainIdx: nn[0].Index,
			Distance: best,
		})
	}
	return out, nil
}
