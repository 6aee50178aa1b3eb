package raster

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// ErrInputShape reports a caller error in raster geometry: a template larger
// than its search region, or a mask whose shape differs from its image.
var ErrInputShape = errors.New("input shape error")

// CheckMask verifies that mask gates img. An empty mask means "no mask" and
// always passes.
func CheckMask(img, mask gocv.Mat) error {
	if img.Empty() {
		return fmt.Errorf("%w: empty image", ErrInputShape)
	}
	if mask.Empty() {
		return nil
	}
	if mask.Rows() != img.Rows() || mask.Cols() != img.Cols() {
		return fmt.Errorf("%w: mask %dx%d does not match image %dx%d",
			ErrInputShape, mask.Cols(), mask.Rows(), img.Cols(), img.Rows())
	}
	if mask.Type() != gocv.MatTypeCV8UC1 {
		return fmt.Errorf("%w: mask must be CV8UC1", ErrInputShape)
	}
	return nil
}

// CheckTemplate verifies that template fits inside search.
func CheckTemplate(search, template gocv.Mat) error {
	if search.Empty() || template.Empty() {
		return fmt.Errorf("%w: empty search or template", ErrInputShape)
	}
	if template.Rows() > search.Rows() || template.Cols() > search.Cols() {
		return fmt.Errorf("%w: template %dx%d larger than search %dx%d",
			ErrInputShape, template.Cols(), template.Rows(), search.Cols(), search.Rows())
	}
	return nil
}

// IntersectMasks ANDs b into a in place. Either may be empty (no mask); when a
// is empty the result is a clone of b.
func IntersectMasks(a *gocv.Mat, b gocv.Mat) error {
	if b.Empty() {
		return nil
	}
	if a.Empty() {
		*a = b.Clone()
		return nil
	}
	if a.Rows() != b.Rows() || a.Cols() != b.Cols() {
		return fmt.Errorf("%w: masks %dx%d and %dx%d", ErrInputShape, a.Cols(), a.Rows(), b.Cols(), b.Rows())
	}
	gocv.BitwiseAnd(*a, b, a)
	return nil
}
