// Package alignment estimates the rigid transform between a scanned image
// and a reference raster from feature correspondences, and checks the fit
// by correlating the warped scan against the reference.
package alignment

import (
	"fmt"
	"image"
	"log"

	"hexagon-gcp/internal/correlation"
	"hexagon-gcp/internal/features"
	"hexagon-gcp/internal/mask"
	"hexagon-gcp/internal/raster"
	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
)

// Options configures the alignment workflows.
type Options struct {
	PixelSize float64 `yaml:"pixel_size"` // reference resampling target; <= 0 keeps the native grid
	ClipLimit float64 `yaml:"clip_limit"` // CLAHE clip as a fraction of tile pixels per bin (RoughGeotransform)
	ClipGrid  int     `yaml:"clip_grid"`  // CLAHE tiles per axis (RoughGeotransform)

	Match    features.MatchOptions `yaml:"match"`
	RANSAC   RANSACOptions         `yaml:"ransac"`
	Validate ValidateOptions       `yaml:"validate"`

	LandMask   [][]geometry.Point2D `yaml:"land_mask"`  // world-coordinate polygons kept in the reference
	Footprints []mask.Scene         `yaml:"footprints"` // scene strip restricting the reference

	Debug bool `yaml:"debug"`
}

// DefaultOptions returns default alignment options.
func DefaultOptions() Options {
	return Options{
		PixelSize: 800,
		ClipLimit: 0.03,
		ClipGrid:  8,
		Match:     features.DefaultMatchOptions(),
		RANSAC:    DefaultRANSACOptions(),
		Validate:  DefaultValidateOptions(),
	}
}

// WithPixelSize returns a copy of the options resampling to pixelSize.
func (o Options) WithPixelSize(pixelSize float64) Options {
	o.PixelSize = pixelSize
	return o
}

// WithSeed returns a copy of the options with a fixed estimator seed.
func (o Options) WithSeed(seed int64) Options {
	o.RANSAC.Seed = seed
	return o
}

// Result holds the outcome of an alignment workflow.
type Result struct {
	Transform       geometry.RigidTransform // scan pixel -> reference pixel
	Success         bool                    // validation passed
	Score           float64                 // validation correlation score
	OutputShape     image.Point             // reference frame size (X = cols, Y = rows)
	Inliers         []bool                  // per correspondence
	NInliers        int
	RMS             float64
	Correspondences []features.Correspondence

	// Affine is an affine fit of the rigid inliers, exposing scale and shear
	// the rigid model leaves in the residuals. Nil when it cannot be fitted.
	Affine *AffineResult

	// Warped is the scan resampled into the reference frame. Only
	// RoughGeotransform fills it; otherwise it is an empty Mat.
	Warped gocv.Mat
}

// Close releases the warped image.
func (r *Result) Close() error {
	return r.Warped.Close()
}

type equalizer func(ref *raster.Raster, scan, scanMask, refMask gocv.Mat) (gocv.Mat, error)

// InitialTransformation estimates the transform from scan to the reference
// after matching the reference histogram to the scan.
func InitialTransformation(scan gocv.Mat, ref *raster.Raster, opts Options) (*Result, error) {
	eq := func(r *raster.Raster, scan, scanMask, refMask gocv.Mat) (gocv.Mat, error) {
		return correlation.MatchHistogram(r.Mat, scan, refMask, scanMask)
	}
	return run("Initial", scan, ref, opts, eq, false)
}

// RoughGeotransform estimates the transform from scan to the reference after
// CLAHE equalization of the reference, and also returns the warped scan.
func RoughGeotransform(scan gocv.Mat, ref *raster.Raster, opts Options) (*Result, error) {
	eq := func(r *raster.Raster, _, _, _ gocv.Mat) (gocv.Mat, error) {
		// OpenCV scales the clip limit by tile pixels / 256.
		return correlation.EqualizeCLAHE(r.Mat, opts.ClipLimit*256, opts.ClipGrid), nil
	}
	return run("Rough", scan, ref, opts, eq, true)
}

func run(name string, scan gocv.Mat, ref *raster.Raster, opts Options, equalize equalizer, keepWarp bool) (*Result, error) {
	if scan.Empty() || ref == nil || ref.Mat.Empty() {
		return nil, fmt.Errorf("%w: empty input image", raster.ErrInputShape)
	}

	lowres, err := resampleReference(ref, opts.PixelSize)
	if err != nil {
		return nil, fmt.Errorf("resample reference: %w", err)
	}
	defer lowres.Close()

	scanMask := raster.ValueMask(scan, 0, true)
	defer scanMask.Close()

	refMask, err := referenceMask(lowres, opts)
	if err != nil {
		return nil, err
	}
	defer refMask.Close()

	refEq, err := equalize(lowres, scan, scanMask, refMask)
	if err != nil {
		return nil, fmt.Errorf("equalize reference: %w", err)
	}
	defer refEq.Close()

	// Equalization maps no-data to zero; keep it out of detection.
	eqMask := raster.ValueMask(refEq, 0, true)
	defer eqMask.Close()
	if err := raster.IntersectMasks(&refMask, eqMask); err != nil {
		return nil, err
	}

	_, _, matches, err := features.Match(scan, refEq, scanMask, refMask, opts.Match)
	if err != nil {
		return nil, fmt.Errorf("match features: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no feature correspondences", ErrInsufficientCorrespondences)
	}

	src := make([]geometry.Point2D, len(matches))
	dst := make([]geometry.Point2D, len(matches))
	for i, m := range matches {
		src[i] = m.Query.Point()
		dst[i] = m.Train.Point()
	}

	fit, err := EstimateRigid(src, dst, opts.RANSAC)
	if err != nil {
		return nil, fmt.Errorf("estimate transform: %w", err)
	}

	if opts.Debug {
		log.Printf("[%s] %d matches, %d used for transformation", name, len(matches), fit.NInliers)
	}

	inSrc, inDst := selectPairs(src, dst, fit.Inliers)
	var affine *AffineResult
	if a, err := EstimateAffine(inSrc, inDst, opts.RANSAC); err == nil {
		affine = &a
		if opts.Debug {
			sx, sy := a.Scale()
			log.Printf("[%s] affine check: scale (%.4f, %.4f), mean error %.3f px", name, sx, sy, a.MeanError)
		}
	} else if opts.Debug {
		log.Printf("[%s] affine check skipped: %v", name, err)
	}

	score, ok, err := ValidateWithOptions(scan, refEq, fit.Transform, opts.Validate)
	if err != nil {
		return nil, err
	}

	if opts.Debug {
		log.Printf("[%s] validation score %.3f success=%v", name, score, ok)
	}

	res := &Result{
		Transform:       fit.Transform,
		Success:         ok,
		Score:           score,
		OutputShape:     image.Point{X: refEq.Cols(), Y: refEq.Rows()},
		Inliers:         fit.Inliers,
		NInliers:        fit.NInliers,
		RMS:             fit.RMS,
		Correspondences: matches,
		Affine:          affine,
	}
	if keepWarp {
		res.Warped = WarpRigid(scan, fit.Transform, refEq.Rows(), refEq.Cols())
	} else {
		res.Warped = gocv.NewMat()
	}
	return res, nil
}

func resampleReference(ref *raster.Raster, pixelSize float64) (*raster.Raster, error) {
	if pixelSize <= 0 {
		out := *ref
		out.Mat = ref.Mat.Clone()
		return &out, nil
	}
	return ref.Resample(pixelSize)
}

// referenceMask combines no-data, the land mask and the footprint mask.
func referenceMask(ref *raster.Raster, opts Options) (gocv.Mat, error) {
	m := ref.ValidMask()

	if len(opts.LandMask) > 0 {
		land, err := mask.ForRaster(opts.LandMask, ref)
		if err != nil {
			m.Close()
			return gocv.NewMat(), fmt.Errorf("land mask: %w", err)
		}
		defer land.Close()
		if err := raster.IntersectMasks(&m, land); err != nil {
			m.Close()
			return gocv.NewMat(), err
		}
	}

	if len(opts.Footprints) > 0 {
		fp, err := mask.Footprint(opts.Footprints)
		if err != nil {
			m.Close()
			return gocv.NewMat(), fmt.Errorf("footprint mask: %w", err)
		}
		foot, err := mask.ForRaster([][]geometry.Point2D{fp}, ref)
		if err != nil {
			m.Close()
			return gocv.NewMat(), fmt.Errorf("footprint mask: %w", err)
		}
		defer foot.Close()
		if err := raster.IntersectMasks(&m, foot); err != nil {
			m.Close()
			return gocv.NewMat(), err
		}
	}

	return m, nil
}
