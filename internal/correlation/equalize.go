package correlation

import (
	"fmt"
	"image"
	"math"

	"hexagon-gcp/internal/raster"

	"gocv.io/x/gocv"
)

// localEqualizeClip is high enough that CLAHE behaves as plain adaptive
// equalization over each neighbourhood.
const localEqualizeClip = 40.0

// EqualizeCLAHE applies contrast-limited adaptive histogram equalization.
func EqualizeCLAHE(src gocv.Mat, clipLimit float64, tileGrid int) gocv.Mat {
	if tileGrid < 1 {
		tileGrid = 1
	}
	clahe := gocv.NewCLAHEWithParams(clipLimit, image.Point{X: tileGrid, Y: tileGrid})
	defer clahe.Close()

	dst := gocv.NewMat()
	clahe.Apply(src, &dst)
	return dst
}

// EqualizeLocal equalizes contrast over neighbourhoods of roughly the given
// radius, stabilising correlation under illumination differences.
func EqualizeLocal(src gocv.Mat, radius int) gocv.Mat {
	if radius < 1 {
		radius = 1
	}
	size := 2*radius + 1
	gx := max(1, int(math.Round(float64(src.Cols())/float64(size))))
	gy := max(1, int(math.Round(float64(src.Rows())/float64(size))))

	clahe := gocv.NewCLAHEWithParams(localEqualizeClip, image.Point{X: gx, Y: gy})
	defer clahe.Close()

	dst := gocv.NewMat()
	clahe.Apply(src, &dst)
	return dst
}

// MatchHistogram remaps the 8-bit values of src so its cumulative histogram
// follows that of reference. Only pixels where the masks are non-zero are
// counted; pixels equal to zero in src stay zero (no-data).
func MatchHistogram(src, reference, srcMask, refMask gocv.Mat) (gocv.Mat, error) {
	if src.Type() != gocv.MatTypeCV8UC1 || reference.Type() != gocv.MatTypeCV8UC1 {
		return gocv.NewMat(), fmt.Errorf("%w: histogram matching needs CV8UC1 inputs", raster.ErrInputShape)
	}
	if err := raster.CheckMask(src, srcMask); err != nil {
		return gocv.NewMat(), err
	}
	if err := raster.CheckMask(reference, refMask); err != nil {
		return gocv.NewMat(), err
	}

	srcCDF := cdf(src, srcMask)
	refCDF := cdf(reference, refMask)

	// For every source level pick the reference level whose CDF is closest
	// from above, scanning both monotone CDFs once.
	var lut [256]uint8
	j := 0
	for i := 0; i < 256; i++ {
		for j < 255 && refCDF[j] < srcCDF[i] {
			j++
		}
		lut[i] = uint8(j)
	}
	lut[0] = 0

	table, err := gocv.NewMatFromBytes(1, 256, gocv.MatTypeCV8UC1, lut[:])
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("lookup table: %w", err)
	}
	defer table.Close()

	out := gocv.NewMat()
	gocv.LUT(src, table, &out)
	return out, nil
}

// cdf returns the normalized cumulative histogram of the masked pixels,
// ignoring zero (no-data) samples.
func cdf(img, mask gocv.Mat) [256]float64 {
	h := gocv.NewMat()
	defer h.Close()
	gocv.CalcHist([]gocv.Mat{img}, []int{0}, mask, &h, []int{256}, []float64{0, 256}, false)

	var hist [256]float64
	for i := 1; i < 256; i++ {
		hist[i] = float64(h.GetFloatAt(i, 0))
	}

	var out [256]float64
	var total, run float64
	for _, h := range hist {
		total += h
	}
	if total == 0 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for i, h := range hist {
		run += h
		out[i] = run / total
	}
	return out
}
