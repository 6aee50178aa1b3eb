package features

import (
	"fmt"
	"image"
	"log"
	"runtime"

	"hexagon-gcp/internal/raster"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
)

// TileOptions configures ExtractTiled.
type TileOptions struct {
	TilePixels  int  `yaml:"tile_pixels"` // nominal tile edge length
	Workers     int  `yaml:"workers"`     // concurrent tiles; <= 0 means runtime.NumCPU()
	Descriptors bool `yaml:"descriptors"` // keep descriptors on returned keypoints
	Debug       bool `yaml:"debug"`
}

// DefaultTileOptions returns 200 px tiles with descriptors.
func DefaultTileOptions() TileOptions {
	return TileOptions{
		TilePixels:  200,
		Descriptors: true,
	}
}

// Tile is one cell of the extraction grid, in global pixel coordinates.
type Tile struct {
	Row, Col int
	Bounds   image.Rectangle
}

// TileGrid returns the number of tile columns and rows for an image:
// floor(size / tilePixels) in each axis, at least one.
func TileGrid(cols, rows, tilePixels int) (xTiles, yTiles int) {
	if tilePixels <= 0 {
		return 1, 1
	}
	return max(1, cols/tilePixels), max(1, rows/tilePixels)
}

// splitSizes divides n into k parts of floor(n/k); the last part absorbs
// the remainder.
func splitSizes(n, k int) []int {
	sizes := make([]int, k)
	for i := range sizes {
		sizes[i] = n / k
	}
	sizes[k-1] += n % k
	return sizes
}

// prefixOffsets returns the exclusive prefix sums of sizes.
func prefixOffsets(sizes []int) []int {
	offs := make([]int, len(sizes))
	for i := 1; i < len(sizes); i++ {
		offs[i] = offs[i-1] + sizes[i-1]
	}
	return offs
}

// Tiles partitions a cols x rows image into the row-major tile grid. Each
// tile's origin is the summed width of the tiles to its left and the summed
// height of the tiles above it.
func Tiles(cols, rows, tilePixels int) []Tile {
	xTiles, yTiles := TileGrid(cols, rows, tilePixels)
	widths := splitSizes(cols, xTiles)
	heights := splitSizes(rows, yTiles)
	offX := prefixOffsets(widths)
	offY := prefixOffsets(heights)

	tiles := make([]Tile, 0, xTiles*yTiles)
	for iy := 0; iy < yTiles; iy++ {
		for ix := 0; ix < xTiles; ix++ {
			tiles = append(tiles, Tile{
				Row:    iy,
				Col:    ix,
				Bounds: image.Rect(offX[ix], offY[iy], offX[ix]+widths[ix], offY[iy]+heights[iy]),
			})
		}
	}
	return tiles
}

// ExtractTiled detects keypoints independently in every tile of img (using
// the matching mask tile) and returns them in global image coordinates,
// concatenated in row-major tile order.
func ExtractTiled(img, mask gocv.Mat, newDetector DetectorFactory, opts TileOptions) ([]Keypoint, error) {
	if err := raster.CheckMask(img, mask); err != nil {
		return nil, err
	}

	tiles := Tiles(img.Cols(), img.Rows(), opts.TilePixels)

	// Cut tiles up front so goroutines never touch the parent Mats.
	tileImgs := make([]gocv.Mat, len(tiles))
	tileMasks := make([]gocv.Mat, len(tiles))
	defer func() {
		for i := range tiles {
			tileImgs[i].Close()
			tileMasks[i].Close()
		}
	}()
	for i, t := range tiles {
		tileImgs[i] = cutTile(img, t.Bounds)
		if mask.Empty() {
			tileMasks[i] = gocv.NewMat()
		} else {
			tileMasks[i] = cutTile(mask, t.Bounds)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	local := make([][]Keypoint, len(tiles))
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range tiles {
		g.Go(func() error {
			kps, err := detectTile(newDetector, tileImgs[i], tileMasks[i])
			if err != nil {
				return fmt.Errorf("tile (%d,%d): %w", tiles[i].Row, tiles[i].Col, err)
			}
			local[i] = kps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	global, err := translateTiles(tiles, local, img.Cols(), img.Rows(), opts.Descriptors)
	if err != nil {
		return nil, err
	}

	if opts.Debug {
		xTiles, yTiles := TileGrid(img.Cols(), img.Rows(), opts.TilePixels)
		log.Printf("[Tiles] %dx%d image, %dx%d tiles, %d keypoints",
			img.Cols(), img.Rows(), xTiles, yTiles, len(global))
	}

	return global, nil
}

func cutTile(m gocv.Mat, r image.Rectangle) gocv.Mat {
	region := m.Region(r)
	defer region.Close()
	return region.Clone()
}

// detectTile is the per-tile pure step: tile pixels in, tile-local keypoints out.
func detectTile(newDetector DetectorFactory, img, mask gocv.Mat) ([]Keypoint, error) {
	det := newDetector()
	defer det.Close()
	return det.Detect(img, mask)
}

// translateTiles shifts every tile's keypoints by the tile origin and
// concatenates them. A keypoint landing outside the image is a bug in the
// tiling, reported rather than clipped.
func translateTiles(tiles []Tile, local [][]Keypoint, cols, rows int, keepDescriptors bool) ([]Keypoint, error) {
	total := 0
	for _, kps := range local {
		total += len(kps)
	}

	out := make([]Keypoint, 0, total)
	for i, t := range tiles {
		ox, oy := float64(t.Bounds.Min.X), float64(t.Bounds.Min.Y)
		for _, kp := range local[i] {
			kp.X += ox
			kp.Y += oy
			if kp.X < 0 || kp.Y < 0 || kp.X >= float64(cols) || kp.Y >= float64(rows) {
				return nil, fmt.Errorf("keypoint (%.2f, %.2f) from tile (%d,%d) outside %dx%d image",
					kp.X, kp.Y, t.Row, t.Col, cols, rows)
			}
			if !keepDescriptors {
				kp.Descriptor = nil
			}
			out = append(out, kp)
		}
	}
	return out, nil
}
