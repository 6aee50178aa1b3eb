// Package mask rasterizes vector polygons into validity masks and derives
// the region covered by a strip of overlapping scene footprints.
package mask

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"

	"hexagon-gcp/internal/raster"
	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
)

// ErrNoFootprint is returned when the footprints do not define a usable region.
var ErrNoFootprint = errors.New("no usable footprint")

// Scene is a named image footprint polygon in world coordinates.
type Scene struct {
	ID      string             `yaml:"id"`
	Polygon []geometry.Point2D `yaml:"polygon"`
}

// Rasterize fills polygons into a rows x cols CV8UC1 mask: 255 inside any
// polygon, 0 elsewhere. toPixel maps polygon vertices to pixel coordinates
// (X = column, Y = row); nil means the vertices already are pixels.
func Rasterize(polygons [][]geometry.Point2D, rows, cols int, toPixel func(geometry.Point2D) geometry.Point2D) (gocv.Mat, error) {
	if rows < 1 || cols < 1 {
		return gocv.NewMat(), fmt.Errorf("%w: mask shape %dx%d", raster.ErrInputShape, cols, rows)
	}

	out := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), rows, cols, gocv.MatTypeCV8UC1)

	var pts [][]image.Point
	for _, poly := range polygons {
		if len(poly) < 3 {
			continue
		}
		ring := make([]image.Point, len(poly))
		for i, p := range poly {
			if toPixel != nil {
				p = toPixel(p)
			}
			ring[i] = image.Point{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
		}
		pts = append(pts, ring)
	}
	if len(pts) == 0 {
		return out, nil
	}

	pv := gocv.NewPointsVectorFromPoints(pts)
	defer pv.Close()
	gocv.FillPoly(&out, pv, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	return out, nil
}

// ForRaster rasterizes world-coordinate polygons onto the grid of r.
func ForRaster(polygons [][]geometry.Point2D, r *raster.Raster) (gocv.Mat, error) {
	return Rasterize(polygons, r.Rows(), r.Cols(), r.WorldToPixel)
}

// Footprint returns the polygon covered by a strip of scenes, ordered by ID:
// with more than three scenes, the minimum rotated rectangle around all but
// the first and last; with three, the middle scene's rectangle; with two,
// the rectangle of their intersection.
func Footprint(scenes []Scene) ([]geometry.Point2D, error) {
	sorted := append([]Scene(nil), scenes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var region []geometry.Point2D
	switch n := len(sorted); {
	case n > 3:
		var pts []geometry.Point2D
		for _, s := range sorted[1 : n-1] {
			pts = append(pts, s.Polygon...)
		}
		region = geometry.MinimumRotatedRectangle(pts)
	case n == 3:
		region = geometry.MinimumRotatedRectangle(sorted[1].Polygon)
	case n == 2:
		inter := geometry.IntersectPolygons(sorted[0].Polygon, sorted[1].Polygon)
		if len(inter) < 3 {
			return nil, fmt.Errorf("%w: scenes %s and %s do not overlap", ErrNoFootprint, sorted[0].ID, sorted[1].ID)
		}
		region = geometry.MinimumRotatedRectangle(inter)
	default:
		return nil, fmt.Errorf("%w: need at least 2 scenes, got %d", ErrNoFootprint, n)
	}

	if len(region) < 3 {
		return nil, fmt.Errorf("%w: degenerate footprint", ErrNoFootprint)
	}
	return region, nil
}
