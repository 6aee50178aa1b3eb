package raster

import (
	"fmt"
	"image"
	"image/color"
	"runtime"
	"sync"

	"gocv.io/x/gocv"
)

// ImageToGray converts a Go image.Image to a single-channel 8-bit Mat.
// 16-bit sources are min/max stretched into 0..255 so low-contrast scans keep
// their dynamic range; everything else goes through color.GrayModel.
func ImageToGray(img image.Image) (gocv.Mat, error) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return gocv.NewMat(), fmt.Errorf("empty image")
	}

	switch src := img.(type) {
	case *image.Gray:
		return grayToMat(src)
	case *image.Gray16:
		return gray16ToMat(src)
	}

	pix := make([]byte, width*height)

	// Parallelize by horizontal stripes
	numWorkers := runtime.NumCPU()
	rowsPerWorker := (height + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := min(startY+rowsPerWorker, height)
		if startY >= height {
			break
		}

		wg.Add(1)
		go func(yStart, yEnd int) {
			defer wg.Done()
			for y := yStart; y < yEnd; y++ {
				row := y * width
				for x := 0; x < width; x++ {
					g := color.GrayModel.Convert(img.At(x+bounds.Min.X, y+bounds.Min.Y)).(color.Gray)
					pix[row+x] = g.Y
				}
			}
		}(startY, endY)
	}
	wg.Wait()

	return bytesToMat(height, width, pix)
}

func grayToMat(img *image.Gray) (gocv.Mat, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(pix[y*w:(y+1)*w], img.Pix[off:off+w])
	}
	return bytesToMat(h, w, pix)
}

func gray16ToMat(img *image.Gray16) (gocv.Mat, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	lo, hi := uint16(0xffff), uint16(0)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := img.Gray16At(x, y).Y
			lo = min(lo, v)
			hi = max(hi, v)
		}
	}
	span := float64(hi) - float64(lo)
	if span == 0 {
		span = 1
	}

	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := img.Gray16At(b.Min.X+x, b.Min.Y+y).Y
			pix[y*w+x] = uint8((float64(v)-float64(lo))/span*255 + 0.5)
		}
	}
	return bytesToMat(h, w, pix)
}

// GrayMat builds a CV8UC1 Mat from row-major samples, for synthetic rasters.
func GrayMat(rows, cols int, pix []uint8) (gocv.Mat, error) {
	if len(pix) != rows*cols {
		return gocv.NewMat(), fmt.Errorf("%w: %d samples for %dx%d", ErrInputShape, len(pix), rows, cols)
	}
	return bytesToMat(rows, cols, pix)
}

// bytesToMat copies pix into a Mat that owns its memory; NewMatFromBytes
// alone would alias the Go slice.
func bytesToMat(rows, cols int, pix []byte) (gocv.Mat, error) {
	view, err := gocv.NewMatFromBytes(rows, cols, gocv.MatTypeCV8UC1, pix)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer view.Close()
	return view.Clone(), nil
}
