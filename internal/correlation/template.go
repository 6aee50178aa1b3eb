package correlation

import (
	"fmt"
	"image"
	"math"

	"hexagon-gcp/internal/raster"
	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
)

// Template is a patch cut around a point. Near image borders the patch is
// truncated, so the extents on each side of the centre are recorded.
type Template struct {
	Mat        gocv.Mat
	Center     image.Point // rounded centre in source image coordinates
	RowMargins [2]int      // rows above and below the centre
	ColMargins [2]int      // columns left and right of the centre
}

// Close releases the template pixels.
func (t *Template) Close() error {
	return t.Mat.Close()
}

// Origin returns the source image coordinate of the template's top-left pixel.
func (t *Template) Origin() image.Point {
	return image.Point{X: t.Center.X - t.ColMargins[0], Y: t.Center.Y - t.RowMargins[0]}
}

// CenterOffset returns where the source point sits inside the template.
// For an untruncated template this is (halfSize, halfSize).
func (t *Template) CenterOffset() image.Point {
	return image.Point{X: t.ColMargins[0], Y: t.RowMargins[0]}
}

// MakeTemplate cuts a (2*halfSize+1)^2 patch centred on pt (X = column,
// Y = row), truncated at the image border.
func MakeTemplate(img gocv.Mat, pt geometry.Point2D, halfSize int) (*Template, error) {
	if img.Empty() {
		return nil, fmt.Errorf("%w: empty image", raster.ErrInputShape)
	}
	if halfSize < 0 {
		return nil, fmt.Errorf("invalid template half size %d", halfSize)
	}

	row := int(math.Round(pt.Y))
	col := int(math.Round(pt.X))
	if row < 0 || col < 0 || row >= img.Rows() || col >= img.Cols() {
		return nil, fmt.Errorf("%w: point (%.1f, %.1f) outside %dx%d image",
			raster.ErrInputShape, pt.X, pt.Y, img.Cols(), img.Rows())
	}

	top := max(row-halfSize, 0)
	bottom := min(row+halfSize, img.Rows()-1)
	left := max(col-halfSize, 0)
	right := min(col+halfSize, img.Cols()-1)

	region := img.Region(image.Rect(left, top, right+1, bottom+1))
	defer region.Close()

	return &Template{
		Mat:        region.Clone(),
		Center:     image.Point{X: col, Y: row},
		RowMargins: [2]int{row - top, bottom - row},
		ColMargins: [2]int{col - left, right - col},
	}, nil
}

// Locate matches the template in search and returns where the template's
// source point falls in search coordinates. Unlike Result.Row/Col, which
// give the patch centre, this stays exact for patches truncated at a border.
func (t *Template) Locate(search gocv.Mat, opts Options) (geometry.Point2D, *Result, error) {
	res, err := Match(search, t.Mat, opts)
	if err != nil {
		return geometry.Point2D{}, nil, err
	}
	dy := float64(t.RowMargins[0]) - float64(t.Mat.Rows()-1)/2
	dx := float64(t.ColMargins[0]) - float64(t.Mat.Cols()-1)/2
	return geometry.Point2D{X: res.Col + dx, Y: res.Row + dy}, res, nil
}
