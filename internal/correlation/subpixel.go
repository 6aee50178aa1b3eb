package correlation

import (
	"image"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Extremum selects which end of a correlation surface marks the best match.
type Extremum int

const (
	Max Extremum = iota // similarity metrics
	Min                 // difference metrics
)

func (e Extremum) String() string {
	if e == Min {
		return "min"
	}
	return "max"
}

// Sub-pixel refinement parameters.
const (
	subpixelHalfSize = 3  // neighbourhood half-width around the integer peak
	subpixelOrder    = 4  // polynomial order in each axis
	subpixelSteps    = 21 // dense evaluation grid over [-1, 1], step 0.1
)

// Subpixel refines the integer extremum of a CV32F correlation surface.
// It returns the fractional (dx, dy) offset from the integer peak, each in
// [-1, 1]. When the 7x7 neighbourhood does not fit inside the surface it
// returns (0, 0, false): the caller keeps the integer location at reduced
// confidence.
func Subpixel(surface gocv.Mat, ext Extremum) (dx, dy float64, ok bool) {
	if surface.Empty() {
		return 0, 0, false
	}
	_, _, minLoc, maxLoc := gocv.MinMaxLoc(surface)
	peak := maxLoc
	if ext == Min {
		peak = minLoc
	}
	return SubpixelAt(surface, peak, ext)
}

// SubpixelAt refines a known integer peak location (X = column, Y = row).
func SubpixelAt(surface gocv.Mat, peak image.Point, ext Extremum) (dx, dy float64, ok bool) {
	if peak.X-subpixelHalfSize < 0 || peak.Y-subpixelHalfSize < 0 ||
		peak.X+subpixelHalfSize >= surface.Cols() || peak.Y+subpixelHalfSize >= surface.Rows() {
		return 0, 0, false
	}

	const side = 2*subpixelHalfSize + 1
	patch := make([]float64, 0, side*side)
	for r := peak.Y - subpixelHalfSize; r <= peak.Y+subpixelHalfSize; r++ {
		for c := peak.X - subpixelHalfSize; c <= peak.X+subpixelHalfSize; c++ {
			patch = append(patch, float64(surface.GetFloatAt(r, c)))
		}
	}

	return refinePeak(patch, ext)
}

// refinePeak fits a tensor-product polynomial of order subpixelOrder to a
// row-major (2h+1)^2 patch centred on the integer peak and returns the
// extremum of the fit on a dense grid.
func refinePeak(patch []float64, ext Extremum) (dx, dy float64, ok bool) {
	const side = 2*subpixelHalfSize + 1
	const nCoef = (subpixelOrder + 1) * (subpixelOrder + 1)
	if len(patch) != side*side {
		return 0, 0, false
	}

	A := mat.NewDense(side*side, nCoef, nil)
	b := mat.NewVecDense(side*side, patch)
	for i := 0; i < side; i++ {
		y := float64(i - subpixelHalfSize)
		for j := 0; j < side; j++ {
			x := float64(j - subpixelHalfSize)
			row := i*side + j
			for k, term := range monomials(x, y) {
				A.Set(row, k, term)
			}
		}
	}

	var qr mat.QR
	qr.Factorize(A)

	var coef mat.VecDense
	if err := qr.SolveVecTo(&coef, false, b); err != nil {
		return 0, 0, false
	}

	best := 0.0
	first := true
	for i := 0; i < subpixelSteps; i++ {
		y := -1 + 0.1*float64(i)
		for j := 0; j < subpixelSteps; j++ {
			x := -1 + 0.1*float64(j)
			var v float64
			for k, term := range monomials(x, y) {
				v += coef.AtVec(k) * term
			}
			better := v > best
			if ext == Min {
				better = v < best
			}
			if first || better {
				best, dx, dy = v, x, y
				first = false
			}
		}
	}

	return dx, dy, true
}

// monomials returns x^i * y^j for i, j in [0, subpixelOrder], j fastest.
func monomials(x, y float64) [(subpixelOrder + 1) * (subpixelOrder + 1)]float64 {
	var xp, yp [subpixelOrder + 1]float64
	xp[0], yp[0] = 1, 1
	for k := 1; k <= subpixelOrder; k++ {
		xp[k] = xp[k-1] * x
		yp[k] = yp[k-1] * y
	}

	var out [(subpixelOrder + 1) * (subpixelOrder + 1)]float64
	for i := 0; i <= subpixelOrder; i++ {
		for j := 0; j <= subpixelOrder; j++ {
			out[i*(subpixelOrder+1)+j] = xp[i] * yp[j]
		}
	}
	return out
}
