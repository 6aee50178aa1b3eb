package alignment

import (
	"image"
	"image/color"

	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
)

// WarpAffine maps src through transform (source -> destination coordinates)
// into a width x height image. Pixels with no source are zero.
func WarpAffine(src gocv.Mat, transform geometry.AffineTransform, width, height int) gocv.Mat {
	transformMat := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV64F)
	defer transformMat.Close()
	transformMat.SetDoubleAt(0, 0, transform.A)
	transformMat.SetDoubleAt(0, 1, transform.B)
	transformMat.SetDoubleAt(0, 2, transform.TX)
	transformMat.SetDoubleAt(1, 0, transform.C)
	transformMat.SetDoubleAt(1, 1, transform.D)
	transformMat.SetDoubleAt(1, 2, transform.TY)

	dst := gocv.NewMat()
	gocv.WarpAffineWithParams(src, &dst, transformMat, image.Point{X: width, Y: height},
		gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{})

	return dst
}

// WarpRigid resamples src into the frame of a rows x cols reference.
func WarpRigid(src gocv.Mat, transform geometry.RigidTransform, rows, cols int) gocv.Mat {
	return WarpAffine(src, transform.Affine(), cols, rows)
}

// CreateOverlay creates a blended overlay of a reference and a warped image.
func CreateOverlay(reference, warped gocv.Mat, opacity float64) gocv.Mat {
	if reference.Empty() || warped.Empty() {
		return gocv.NewMat()
	}

	dst := gocv.NewMat()
	gocv.AddWeighted(reference, opacity, warped, 1.0-opacity, 0, &dst)
	return dst
}
