package correlation

import (
	"image"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/stat"
)

// Grid is a row-major float raster. NaN marks no-data.
type Grid struct {
	Rows, Cols int
	Data       []float64
}

// NewGrid allocates a zeroed grid.
func NewGrid(rows, cols int) Grid {
	return Grid{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
}

// At returns the sample at (r, c).
func (g Grid) At(r, c int) float64 { return g.Data[r*g.Cols+c] }

// Set stores v at (r, c).
func (g Grid) Set(r, c int, v float64) { g.Data[r*g.Cols+c] = v }

// GridFromMat copies a single-channel Mat into a Grid.
func GridFromMat(m gocv.Mat) Grid {
	f := gocv.NewMat()
	defer f.Close()
	m.ConvertTo(&f, gocv.MatTypeCV32F)

	g := NewGrid(m.Rows(), m.Cols())
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			g.Set(r, c, float64(f.GetFloatAt(r, c)))
		}
	}
	return g
}

func (g Grid) toMat() gocv.Mat {
	m := gocv.NewMatWithSize(g.Rows, g.Cols, gocv.MatTypeCV32F)
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			m.SetFloatAt(r, c, float32(g.At(r, c)))
		}
	}
	return m
}

// Cross footprint labels.
const (
	crossOff    = 0
	crossCenter = 1
	crossEdge   = 2
)

// CrossTemplate builds a "+" shaped footprint: a band of the given width
// through the centre row and column (label 1), flanked on each side by a
// one-pixel edge line (label 2).
func CrossTemplate(rows, cols, width int) [][]uint8 {
	halfR := (rows - 1) / 2
	halfC := (cols - 1) / 2
	halfW := (width - 1) / 2

	cross := make([][]uint8, rows)
	for r := range cross {
		cross[r] = make([]uint8, cols)
	}

	inRange := func(i, n int) bool { return i >= 0 && i < n }

	for _, r := range []int{halfR - halfW - 1, halfR - halfW - 1 + width + 1} {
		if inRange(r, rows) && r <= halfR+halfW+1 {
			for c := 0; c < cols; c++ {
				cross[r][c] = crossEdge
			}
		}
	}
	for _, c := range []int{halfC - halfW - 1, halfC - halfW - 1 + width + 1} {
		if inRange(c, cols) && c <= halfC+halfW+1 {
			for r := 0; r < rows; r++ {
				cross[r][c] = crossEdge
			}
		}
	}

	for r := halfR - halfW; r <= halfR+halfW; r++ {
		if inRange(r, rows) {
			for c := 0; c < cols; c++ {
				cross[r][c] = crossCenter
			}
		}
	}
	for c := halfC - halfW; c <= halfC+halfW; c++ {
		if inRange(c, cols) {
			for r := 0; r < rows; r++ {
				cross[r][c] = crossCenter
			}
		}
	}

	return cross
}

// Highpass smoothing parameters: sigma 3 truncated at 4 sigma.
const (
	highpassSigma  = 3.0
	highpassKernel = 25
)

// HighpassFilter subtracts a no-data aware Gaussian low-pass from img.
// No-data (NaN) samples are excluded from the blur by normalized
// convolution: blur(values with NaN->0) / blur(validity weights). They stay
// NaN in the output.
func HighpassFilter(img Grid) Grid {
	values := NewGrid(img.Rows, img.Cols)
	weights := NewGrid(img.Rows, img.Cols)
	for i, v := range img.Data {
		if !math.IsNaN(v) {
			values.Data[i] = v
			weights.Data[i] = 1
		}
	}

	vv := gaussian(values)
	ww := gaussian(weights)

	out := NewGrid(img.Rows, img.Cols)
	for i, v := range img.Data {
		out.Data[i] = v - vv.Data[i]/ww.Data[i]
	}
	return out
}

func gaussian(g Grid) Grid {
	src := g.toMat()
	defer src.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	gocv.GaussianBlur(src, &dst, image.Point{X: highpassKernel, Y: highpassKernel},
		highpassSigma, highpassSigma, gocv.BorderReflect)
	return GridFromMat(dst)
}

// CrossFilter returns, per pixel, the ratio of the high-pass standard
// deviation under the cross centre band to that under its edge lines.
// Where either deviation is zero the sentinel value 2 is stored.
func CrossFilter(img Grid, cross [][]uint8) Grid {
	hp := HighpassFilter(img)
	return crossRatio(hp, cross, 0, 0, img.Rows, img.Cols)
}

type footprintOffset struct{ dr, dc int }

// crossRatio evaluates the cross ratio on an outRows x outCols output whose
// pixel (r, c) centres the footprint on hp(r+anchorR, c+anchorC). Samples
// falling outside hp are reflected back in.
func crossRatio(hp Grid, cross [][]uint8, anchorR, anchorC, outRows, outCols int) Grid {
	rows := len(cross)
	cols := 0
	if rows > 0 {
		cols = len(cross[0])
	}
	halfR, halfC := (rows-1)/2, (cols-1)/2

	var centers, edges []footprintOffset
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			switch cross[r][c] {
			case crossCenter:
				centers = append(centers, footprintOffset{r - halfR, c - halfC})
			case crossEdge:
				edges = append(edges, footprintOffset{r - halfR, c - halfC})
			}
		}
	}

	out := NewGrid(outRows, outCols)
	cbuf := make([]float64, 0, len(centers))
	ebuf := make([]float64, 0, len(edges))
	for r := 0; r < outRows; r++ {
		for c := 0; c < outCols; c++ {
			cbuf = gather(cbuf[:0], hp, centers, r+anchorR, c+anchorC)
			ebuf = gather(ebuf[:0], hp, edges, r+anchorR, c+anchorC)

			centStd := popStd(cbuf)
			edgeStd := popStd(ebuf)
			if centStd != 0 && edgeStd != 0 {
				out.Set(r, c, centStd/edgeStd)
			} else {
				out.Set(r, c, 2)
			}
		}
	}
	return out
}

// gather appends the non-NaN samples of g under offs centred at (r, c).
func gather(buf []float64, g Grid, offs []footprintOffset, r, c int) []float64 {
	for _, o := range offs {
		v := g.At(reflectIndex(r+o.dr, g.Rows), reflectIndex(c+o.dc, g.Cols))
		if !math.IsNaN(v) {
			buf = append(buf, v)
		}
	}
	return buf
}

// reflectIndex maps i into [0, n) with half-sample symmetric reflection.
func reflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

func popStd(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.PopStdDev(x, nil)
}
