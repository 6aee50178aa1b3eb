package raster

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"hexagon-gcp/pkg/geometry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// writeGeoTIFFHeader writes a TIFF containing only an IFD with the GeoTIFF
// pixel-scale, tie-point and GDAL no-data tags.
func writeGeoTIFFHeader(t *testing.T, path string) {
	t.Helper()
	writeGeoTIFFHeaderCounts(t, path, 3, 6)
}

// writeGeoTIFFHeaderCounts is writeGeoTIFFHeader with the declared value
// counts of the scale and tie-point entries overridden.
func writeGeoTIFFHeaderCounts(t *testing.T, path string, scaleCount, tieCount uint32) {
	t.Helper()
	le := binary.LittleEndian

	const ifdOffset = 8
	const numEntries = 3
	dataOffset := ifdOffset + 2 + numEntries*12 + 4

	buf := make([]byte, dataOffset+3*8+6*8)
	copy(buf, "II")
	le.PutUint16(buf[2:], 42)
	le.PutUint32(buf[4:], ifdOffset)
	le.PutUint16(buf[ifdOffset:], numEntries)

	entry := func(i int, tag, typ uint16, count, value uint32) []byte {
		e := buf[ifdOffset+2+i*12:]
		le.PutUint16(e[0:], tag)
		le.PutUint16(e[2:], typ)
		le.PutUint32(e[4:], count)
		le.PutUint32(e[8:], value)
		return e
	}

	scaleOff := dataOffset
	tieOff := dataOffset + 3*8
	entry(0, tagModelPixelScale, tiffDouble, scaleCount, uint32(scaleOff))
	entry(1, tagModelTiepoint, tiffDouble, tieCount, uint32(tieOff))
	nd := entry(2, tagGDALNoData, tiffASCII, 2, 0)
	copy(nd[8:], "0\x00")

	for i, v := range []float64{30, 30, 0} {
		le.PutUint64(buf[scaleOff+i*8:], math.Float64bits(v))
	}
	for i, v := range []float64{0, 0, 0, 500000, 4200000, 0} {
		le.PutUint64(buf[tieOff+i*8:], math.Float64bits(v))
	}

	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestReadGeoTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "geo.tif")
	writeGeoTIFFHeader(t, path)

	tags, err := readGeoTags(path)
	require.NoError(t, err)
	assert.True(t, tags.HasGeo)
	assert.Equal(t, 30.0, tags.PixelSizeX)
	assert.Equal(t, 30.0, tags.PixelSizeY)
	assert.Equal(t, 500000.0, tags.OriginX)
	assert.Equal(t, 4200000.0, tags.OriginY)
	assert.True(t, tags.HasNoData)
	assert.Equal(t, 0.0, tags.NoData)
}

func TestReadGeoTagsHugeCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corrupt.tif")
	writeGeoTIFFHeaderCounts(t, path, math.MaxUint32, math.MaxUint32)

	// Only the leading values are read, whatever the declared count.
	tags, err := readGeoTags(path)
	require.NoError(t, err)
	assert.Equal(t, 30.0, tags.PixelSizeX)
	assert.Equal(t, 500000.0, tags.OriginX)
}

func TestReadASCIIRejectsOversizedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ascii.tif")
	require.NoError(t, os.WriteFile(path, make([]byte, 16), 0o644))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	_, err = readASCII(file, ifdEntry{count: math.MaxUint32})
	assert.Error(t, err)
}

func TestLoadRejectsUnsupportedFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.bmp")
	require.NoError(t, os.WriteFile(path, []byte("BM"), 0o644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.True(t, IsSupportedFormat("ortho.TIF"))
	assert.False(t, IsSupportedFormat("ortho"))
}

func TestReadGeoTagsRejectsNonTIFF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.tif")
	require.NoError(t, os.WriteFile(path, []byte("not a tiff at all"), 0o644))

	_, err := readGeoTags(path)
	assert.Error(t, err)
}

func TestPixelWorldRoundTrip(t *testing.T) {
	r := &Raster{PixelSizeX: 30, PixelSizeY: 30, OriginX: 500000, OriginY: 4200000}
	p := geometry.NewPoint2D(12.5, 40)

	w := r.PixelToWorld(p)
	assert.Equal(t, 500375.0, w.X)
	assert.Equal(t, 4198800.0, w.Y)

	back := r.WorldToPixel(w)
	assert.InDelta(t, p.X, back.X, 1e-9)
	assert.InDelta(t, p.Y, back.Y, 1e-9)
}

func TestValueMask(t *testing.T) {
	mat, err := GrayMat(2, 3, []uint8{0, 10, 0, 255, 0, 7})
	require.NoError(t, err)
	defer mat.Close()

	mask := ValueMask(mat, 0, true)
	defer mask.Close()
	assert.Equal(t, 3, gocv.CountNonZero(mask))
	assert.Equal(t, uint8(0), mask.GetUCharAt(0, 0))
	assert.Equal(t, uint8(255), mask.GetUCharAt(0, 1))

	all := ValueMask(mat, 0, false)
	defer all.Close()
	assert.Equal(t, 6, gocv.CountNonZero(all))
}

func TestResampleKeepsFootprint(t *testing.T) {
	pix := make([]uint8, 40*60)
	for i := range pix {
		pix[i] = uint8(i % 251)
	}
	mat, err := GrayMat(40, 60, pix)
	require.NoError(t, err)

	r := New(mat)
	r.PixelSizeX, r.PixelSizeY = 10, 10
	defer r.Close()

	low, err := r.Resample(20)
	require.NoError(t, err)
	defer low.Close()

	assert.Equal(t, 30, low.Cols())
	assert.Equal(t, 20, low.Rows())
	assert.InDelta(t, 20, low.PixelSizeX, 1e-9)
	assert.InDelta(t, float64(r.Cols())*r.PixelSizeX, float64(low.Cols())*low.PixelSizeX, 1e-9)

	_, err = r.Resample(0)
	assert.Error(t, err)
}

func TestCheckMask(t *testing.T) {
	img := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC1)
	defer img.Close()
	ok := gocv.NewMatWithSize(10, 10, gocv.MatTypeCV8UC1)
	defer ok.Close()
	bad := gocv.NewMatWithSize(10, 11, gocv.MatTypeCV8UC1)
	defer bad.Close()

	assert.NoError(t, CheckMask(img, ok))
	assert.NoError(t, CheckMask(img, gocv.NewMat()))
	assert.True(t, errors.Is(CheckMask(img, bad), ErrInputShape))
}

func TestCheckTemplate(t *testing.T) {
	search := gocv.NewMatWithSize(20, 20, gocv.MatTypeCV8UC1)
	defer search.Close()
	tall := gocv.NewMatWithSize(21, 5, gocv.MatTypeCV8UC1)
	defer tall.Close()

	assert.NoError(t, CheckTemplate(search, search))
	assert.ErrorIs(t, CheckTemplate(search, tall), ErrInputShape)
}

func TestIntersectMasks(t *testing.T) {
	a, err := GrayMat(1, 4, []uint8{255, 255, 0, 0})
	require.NoError(t, err)
	defer a.Close()
	b, err := GrayMat(1, 4, []uint8{255, 0, 255, 0})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, IntersectMasks(&a, b))
	assert.Equal(t, 1, gocv.CountNonZero(a))

	empty := gocv.NewMat()
	require.NoError(t, IntersectMasks(&empty, b))
	defer empty.Close()
	assert.Equal(t, 2, gocv.CountNonZero(empty))
}
