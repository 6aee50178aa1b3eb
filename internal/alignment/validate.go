package alignment

import (
	"fmt"
	"image/color"

	"hexagon-gcp/internal/correlation"
	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
)

// ValidateOptions configures the post-fit correlation check.
type ValidateOptions struct {
	Method    correlation.Method `yaml:"method"`
	Threshold float64            `yaml:"threshold"`
}

// DefaultValidateOptions uses zero-mean normalized correlation with a 0.5
// acceptance threshold. Plain normalized correlation scores unrelated
// textures too high to separate success from failure.
//
// This default differs from the historical gate for this check, which used
// MethodCcorrNormed at the same threshold. Set Method to MethodCcorrNormed
// to reproduce those scores.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{
		Method:    correlation.MethodCcoeffNormed,
		Threshold: 0.5,
	}
}

// Validate checks a fitted transform with the default options.
func Validate(src, ref gocv.Mat, t geometry.RigidTransform) (float64, bool, error) {
	return ValidateWithOptions(src, ref, t, DefaultValidateOptions())
}

// ValidateWithOptions warps src into ref's frame, pads the warp by one zero
// pixel per side and correlates it against ref. The score is the surface
// value at (1, 1), the placement where the transform says the images line
// up. A score that fails the threshold is reported as ok == false, not as an
// error. Minimized methods pass below the threshold, maximized ones above.
func ValidateWithOptions(src, ref gocv.Mat, t geometry.RigidTransform, opts ValidateOptions) (float64, bool, error) {
	if src.Empty() || ref.Empty() {
		return 0, false, fmt.Errorf("validate: empty image")
	}
	if opts.Method == correlation.MethodCrossFilter {
		return 0, false, fmt.Errorf("validate: method %s cannot score alignment", opts.Method)
	}

	warped := WarpRigid(src, t, ref.Rows(), ref.Cols())
	defer warped.Close()

	padded := gocv.NewMat()
	defer padded.Close()
	gocv.CopyMakeBorder(warped, &padded, 1, 1, 1, 1, gocv.BorderConstant, color.RGBA{})

	surface, err := correlation.Correlate(padded, ref, opts.Method)
	if err != nil {
		return 0, false, fmt.Errorf("validate: %w", err)
	}
	defer surface.Close()

	score := float64(surface.GetFloatAt(1, 1))
	if opts.Method.Polarity() == correlation.Min {
		return score, score < opts.Threshold, nil
	}
	return score, score > opts.Threshold, nil
}
