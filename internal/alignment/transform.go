package alignment

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"

	"hexagon-gcp/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientCorrespondences is returned when there are too few point
// pairs, or too few consistent ones, to estimate a transform.
var ErrInsufficientCorrespondences = errors.New("insufficient correspondences")

// RANSACOptions configures robust transform estimation.
type RANSACOptions struct {
	MinSamples        int     `yaml:"min_samples"`        // points drawn per trial
	ResidualThreshold float64 `yaml:"residual_threshold"` // inlier distance in pixels
	MaxTrials         int     `yaml:"max_trials"`
	StopProbability   float64 `yaml:"stop_probability"` // confidence of having drawn an all-inlier sample
	Seed              int64   `yaml:"seed"`
	Refit             bool    `yaml:"refit"` // re-estimate from all inliers of the best trial
	Debug             bool    `yaml:"debug"`
}

// DefaultRANSACOptions returns 5-point samples, 2 px threshold and up to
// 1000 trials.
func DefaultRANSACOptions() RANSACOptions {
	return RANSACOptions{
		MinSamples:        5,
		ResidualThreshold: 2.0,
		MaxTrials:         1000,
		StopProbability:   0.99,
		Seed:              1,
		Refit:             true,
	}
}

// RigidResult is the outcome of EstimateRigid.
type RigidResult struct {
	Transform geometry.RigidTransform
	Inliers   []bool  // per input pair
	NInliers  int     // number of true entries in Inliers
	RMS       float64 // root-mean-square residual over inliers
}

// InlierIndices returns the indices of inlying pairs.
func (r RigidResult) InlierIndices() []int {
	idx := make([]int, 0, r.NInliers)
	for i, ok := range r.Inliers {
		if ok {
			idx = append(idx, i)
		}
	}
	return idx
}

// EstimateRigid fits a rotation + translation mapping src onto dst with
// RANSAC. Trials draw MinSamples distinct pairs from a seeded generator, so
// results are reproducible for a given Seed.
func EstimateRigid(src, dst []geometry.Point2D, opts RANSACOptions) (RigidResult, error) {
	if len(src) != len(dst) {
		return RigidResult{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	if opts.MinSamples < 2 {
		opts.MinSamples = 2
	}
	n := len(src)
	if n < opts.MinSamples {
		return RigidResult{}, fmt.Errorf("%w: %d pairs, need %d", ErrInsufficientCorrespondences, n, opts.MinSamples)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	sampleSrc := make([]geometry.Point2D, opts.MinSamples)
	sampleDst := make([]geometry.Point2D, opts.MinSamples)

	bestCount := 0
	bestSum := math.Inf(1)
	var bestMask []bool
	var bestTransform geometry.RigidTransform

	maxTrials := opts.MaxTrials
	trials := 0
	for ; trials < maxTrials; trials++ {
		for i, idx := range rng.Perm(n)[:opts.MinSamples] {
			sampleSrc[i] = src[idx]
			sampleDst[i] = dst[idx]
		}
		t, ok := computeRigidLeastSquares(sampleSrc, sampleDst)
		if !ok {
			continue
		}

		mask, count, sum := scoreRigid(t, src, dst, opts.ResidualThreshold)
		if count > bestCount || (count == bestCount && count > 0 && sum < bestSum) {
			bestCount, bestSum = count, sum
			bestMask = mask
			bestTransform = t
			maxTrials = min(maxTrials, dynamicTrials(count, n, opts.MinSamples, opts.StopProbability, opts.MaxTrials))
		}
	}

	if err := checkConsensus("best consensus", bestCount, n, opts.MinSamples); err != nil {
		return RigidResult{}, err
	}

	if opts.Refit {
		inSrc, inDst := selectPairs(src, dst, bestMask)
		if t, ok := computeRigidLeastSquares(inSrc, inDst); ok {
			bestTransform = t
			bestMask, bestCount, _ = scoreRigid(t, src, dst, opts.ResidualThreshold)
		}
		if err := checkConsensus("refit", bestCount, n, opts.MinSamples); err != nil {
			return RigidResult{}, err
		}
	}

	res := RigidResult{
		Transform: bestTransform,
		Inliers:   bestMask,
		NInliers:  bestCount,
		RMS:       rigidRMS(bestTransform, src, dst, bestMask),
	}

	if opts.Debug {
		log.Printf("[RANSAC] %d trials, %d/%d inliers, theta=%.5f t=(%.2f, %.2f) rms=%.3f",
			trials, res.NInliers, n, bestTransform.Theta, bestTransform.TX, bestTransform.TY, res.RMS)
	}
	return res, nil
}

// checkConsensus fails when fewer than need pairs agree with a fit.
func checkConsensus(stage string, count, n, need int) error {
	if count < need {
		return fmt.Errorf("%w: %s kept %d of %d pairs, need %d",
			ErrInsufficientCorrespondences, stage, count, n, need)
	}
	return nil
}

// dynamicTrials is the number of trials needed to draw an all-inlier sample
// with the given probability at the observed inlier ratio.
func dynamicTrials(inliers, n, samples int, probability float64, maxTrials int) int {
	if inliers == 0 {
		return maxTrials
	}
	if probability <= 0 || probability >= 1 {
		return maxTrials
	}
	w := float64(inliers) / float64(n)
	allIn := math.Pow(w, float64(samples))
	if allIn >= 1 {
		return 0
	}
	if allIn <= 0 {
		return maxTrials
	}
	k := math.Log(1-probability) / math.Log(1-allIn)
	if math.IsInf(k, 0) || math.IsNaN(k) || k > float64(maxTrials) {
		return maxTrials
	}
	return int(math.Ceil(k))
}

func scoreRigid(t geometry.RigidTransform, src, dst []geometry.Point2D, threshold float64) ([]bool, int, float64) {
	mask := make([]bool, len(src))
	count := 0
	sum := 0.0
	for i := range src {
		r := t.Residual(src[i], dst[i])
		if r <= threshold {
			mask[i] = true
			count++
			sum += r
		}
	}
	return mask, count, sum
}

func selectPairs(src, dst []geometry.Point2D, mask []bool) ([]geometry.Point2D, []geometry.Point2D) {
	var s, d []geometry.Point2D
	for i, ok := range mask {
		if ok {
			s = append(s, src[i])
			d = append(d, dst[i])
		}
	}
	return s, d
}

func rigidRMS(t geometry.RigidTransform, src, dst []geometry.Point2D, mask []bool) float64 {
	var sum float64
	n := 0
	for i, ok := range mask {
		if ok {
			r := t.Residual(src[i], dst[i])
			sum += r * r
			n++
		}
	}
	if n == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(sum / float64(n))
}

// computeRigidLeastSquares computes the best rigid transform (rotation +
// translation) for N point pairs from the centred cross and dot sums. It
// reports false when the source points are all coincident.
func computeRigidLeastSquares(src, dst []geometry.Point2D) (geometry.RigidTransform, bool) {
	if len(src) < 2 || len(src) != len(dst) {
		return geometry.RigidTransform{}, false
	}
	sc := geometry.Centroid(src)
	dc := geometry.Centroid(dst)

	var dotSum, crossSum, spread float64
	for i := range src {
		sx, sy := src[i].X-sc.X, src[i].Y-sc.Y
		dx, dy := dst[i].X-dc.X, dst[i].Y-dc.Y
		dotSum += sx*dx + sy*dy
		crossSum += sx*dy - sy*dx
		spread += sx*sx + sy*sy
	}
	if spread < 1e-12 {
		return geometry.RigidTransform{}, false
	}

	theta := math.Atan2(crossSum, dotSum)
	sinT, cosT := math.Sincos(theta)

	return geometry.RigidTransform{
		Theta: theta,
		TX:    dc.X - (cosT*sc.X - sinT*sc.Y),
		TY:    dc.Y - (sinT*sc.X + cosT*sc.Y),
	}, true
}

// AffineResult is the outcome of EstimateAffine.
type AffineResult struct {
	Transform geometry.AffineTransform
	Inliers   []bool  // per input pair
	NInliers  int     // number of true entries in Inliers
	MeanError float64 // mean inlier residual in pixels
}

// Scale returns the lengths the transform gives to the unit x and y axes.
func (r AffineResult) Scale() (sx, sy float64) {
	t := r.Transform
	return math.Hypot(t.A, t.C), math.Hypot(t.B, t.D)
}

// EstimateAffine fits a six-parameter affine transform with RANSAC over
// 3-pair samples and the seeding and stopping rules of EstimateRigid. The
// workflows run it on the rigid inliers to expose the scale and shear a
// rigid model cannot absorb.
func EstimateAffine(src, dst []geometry.Point2D, opts RANSACOptions) (AffineResult, error) {
	if len(src) != len(dst) {
		return AffineResult{}, fmt.Errorf("point count mismatch: %d vs %d", len(src), len(dst))
	}
	const samples = 3
	n := len(src)
	if n < samples {
		return AffineResult{}, fmt.Errorf("%w: %d pairs, need %d", ErrInsufficientCorrespondences, n, samples)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	sampleSrc := make([]geometry.Point2D, samples)
	sampleDst := make([]geometry.Point2D, samples)

	bestCount := 0
	bestSum := math.Inf(1)
	var bestMask []bool
	var best geometry.AffineTransform

	maxTrials := opts.MaxTrials
	for trial := 0; trial < maxTrials; trial++ {
		for i, idx := range rng.Perm(n)[:samples] {
			sampleSrc[i] = src[idx]
			sampleDst[i] = dst[idx]
		}
		t, ok := solveAffine(sampleSrc, sampleDst)
		if !ok {
			continue
		}
		mask, count, sum := scoreAffine(t, src, dst, opts.ResidualThreshold)
		if count > bestCount || (count == bestCount && count > 0 && sum < bestSum) {
			bestCount, bestSum = count, sum
			bestMask = mask
			best = t
			maxTrials = min(maxTrials, dynamicTrials(count, n, samples, opts.StopProbability, opts.MaxTrials))
		}
	}

	if err := checkConsensus("affine consensus", bestCount, n, samples); err != nil {
		return AffineResult{}, err
	}

	if opts.Refit {
		inSrc, inDst := selectPairs(src, dst, bestMask)
		if t, ok := solveAffine(inSrc, inDst); ok {
			if mask, count, sum := scoreAffine(t, src, dst, opts.ResidualThreshold); count >= samples {
				best, bestMask, bestCount, bestSum = t, mask, count, sum
			}
		}
	}

	return AffineResult{
		Transform: best,
		Inliers:   bestMask,
		NInliers:  bestCount,
		MeanError: bestSum / float64(bestCount),
	}, nil
}

func scoreAffine(t geometry.AffineTransform, src, dst []geometry.Point2D, threshold float64) ([]bool, int, float64) {
	mask := make([]bool, len(src))
	count := 0
	sum := 0.0
	for i := range src {
		if r := t.Apply(src[i]).Distance(dst[i]); r <= threshold {
			mask[i] = true
			count++
			sum += r
		}
	}
	return mask, count, sum
}

// solveAffine solves [x' y'] = [a b tx; c d ty][x y 1] for three or more
// pairs in the least-squares sense. The x and y rows share one design
// matrix, so a single QR factorization serves both. It reports false for
// collinear or coincident sources.
func solveAffine(src, dst []geometry.Point2D) (geometry.AffineTransform, bool) {
	n := len(src)
	if n < 3 || n != len(dst) {
		return geometry.AffineTransform{}, false
	}

	design := mat.NewDense(n, 3, nil)
	targets := mat.NewDense(n, 2, nil)
	for i := range src {
		design.SetRow(i, []float64{src[i].X, src[i].Y, 1})
		targets.SetRow(i, []float64{dst[i].X, dst[i].Y})
	}

	var qr mat.QR
	qr.Factorize(design)
	var r mat.Dense
	qr.RTo(&r)
	if math.Abs(r.At(0, 0)*r.At(1, 1)*r.At(2, 2)) < 1e-9 {
		return geometry.AffineTransform{}, false
	}

	var p mat.Dense
	if err := qr.SolveTo(&p, false, targets); err != nil {
		return geometry.AffineTransform{}, false
	}
	return geometry.AffineTransform{
		A: p.At(0, 0), B: p.At(1, 0), TX: p.At(2, 0),
		C: p.At(0, 1), D: p.At(1, 1), TY: p.At(2, 1),
	}, true
}
