// Package raster loads scans and orthoimages as 8-bit single-channel Mats and
// carries the georeferencing needed to resample them and rasterize masks.
package raster

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/tiff"
)

// Raster is a single-channel 8-bit image plus its georeferencing.
// Pixel (col, row) covers world X = OriginX + col*PixelSizeX and
// Y = OriginY - row*PixelSizeY (north-up).
type Raster struct {
	Path       string
	Mat        gocv.Mat
	PixelSizeX float64
	PixelSizeY float64
	OriginX    float64
	OriginY    float64
	NoData     uint8
	HasNoData  bool
}

// New wraps an existing Mat (ownership passes to the Raster) with no georeferencing.
func New(mat gocv.Mat) *Raster {
	return &Raster{Mat: mat, PixelSizeX: 1, PixelSizeY: 1}
}

// ErrUnsupportedFormat is returned by Load for extensions no decoder is
// registered for.
var ErrUnsupportedFormat = errors.New("unsupported image format")

// Load reads an image from path and converts it to an 8-bit gray raster.
// GeoTIFF pixel scale, tie point and GDAL no-data tags are honoured when present.
func Load(path string) (*Raster, error) {
	if !IsSupportedFormat(path) {
		return nil, fmt.Errorf("%w: %s (want one of %s)", ErrUnsupportedFormat,
			path, strings.Join(SupportedFormats(), ", "))
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	mat, err := ImageToGray(img)
	if err != nil {
		return nil, fmt.Errorf("convert %s: %w", path, err)
	}

	r := New(mat)
	r.Path = path

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".tiff" || ext == ".tif" {
		if tags, err := readGeoTags(path); err == nil && tags.HasGeo {
			r.PixelSizeX = tags.PixelSizeX
			r.PixelSizeY = tags.PixelSizeY
			r.OriginX = tags.OriginX
			r.OriginY = tags.OriginY
			if tags.HasNoData && tags.NoData >= 0 && tags.NoData <= 255 {
				r.NoData = uint8(tags.NoData)
				r.HasNoData = true
			}
		}
	}

	return r, nil
}

// Rows returns the raster height in pixels.
func (r *Raster) Rows() int { return r.Mat.Rows() }

// Cols returns the raster width in pixels.
func (r *Raster) Cols() int { return r.Mat.Cols() }

// Close releases the underlying Mat.
func (r *Raster) Close() error {
	return r.Mat.Close()
}

// PixelToWorld converts a pixel coordinate to world coordinates.
func (r *Raster) PixelToWorld(p geometry.Point2D) geometry.Point2D {
	return geometry.Point2D{
		X: r.OriginX + p.X*r.PixelSizeX,
		Y: r.OriginY - p.Y*r.PixelSizeY,
	}
}

// WorldToPixel converts world coordinates to a pixel coordinate.
func (r *Raster) WorldToPixel(p geometry.Point2D) geometry.Point2D {
	return geometry.Point2D{
		X: (p.X - r.OriginX) / r.PixelSizeX,
		Y: (r.OriginY - p.Y) / r.PixelSizeY,
	}
}

// Resample returns a copy of the raster at the given pixel size using
// nearest-neighbour interpolation, so no-data values survive unblended.
func (r *Raster) Resample(pixelSize float64) (*Raster, error) {
	if pixelSize <= 0 {
		return nil, fmt.Errorf("invalid pixel size %g", pixelSize)
	}
	if r.PixelSizeX <= 0 || r.PixelSizeY <= 0 {
		return nil, fmt.Errorf("raster %q has no pixel size", r.Path)
	}

	width := int(math.Round(float64(r.Cols()) * r.PixelSizeX / pixelSize))
	height := int(math.Round(float64(r.Rows()) * r.PixelSizeY / pixelSize))
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("pixel size %g too coarse for %dx%d raster", pixelSize, r.Cols(), r.Rows())
	}

	dst := gocv.NewMat()
	gocv.Resize(r.Mat, &dst, image.Point{X: width, Y: height}, 0, 0, gocv.InterpolationNearestNeighbor)

	out := *r
	out.Mat = dst
	out.PixelSizeX = r.PixelSizeX * float64(r.Cols()) / float64(width)
	out.PixelSizeY = r.PixelSizeY * float64(r.Rows()) / float64(height)
	return &out, nil
}

// ValidMask returns a CV8UC1 mask with 255 where the raster holds data.
// Without a declared no-data value every pixel is valid.
func (r *Raster) ValidMask() gocv.Mat {
	return ValueMask(r.Mat, r.NoData, r.HasNoData)
}

// ValueMask returns 255 wherever img differs from noData (or everywhere when
// hasNoData is false).
func ValueMask(img gocv.Mat, noData uint8, hasNoData bool) gocv.Mat {
	if !hasNoData {
		return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 0, 0, 0), img.Rows(), img.Cols(), gocv.MatTypeCV8UC1)
	}

	nd := float64(noData)
	mask := gocv.NewMat()
	gocv.InRangeWithScalar(img, gocv.NewScalar(nd, 0, 0, 0), gocv.NewScalar(nd, 0, 0, 0), &mask)
	gocv.BitwiseNot(mask, &mask)
	return mask
}

// SupportedFormats lists the extensions with a registered decoder. Only
// TIFF carries georeferencing.
func SupportedFormats() []string {
	return []string{".tif", ".tiff", ".png", ".jpg", ".jpeg"}
}

// IsSupportedFormat reports whether Load can decode path, by extension.
func IsSupportedFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range SupportedFormats() {
		if ext == format {
			return true
		}
	}
	return false
}
