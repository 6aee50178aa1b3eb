package raster

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// GeoTIFF / GDAL private tags.
const (
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGDALNoData      = 42113
)

// maxASCII bounds the GDAL no-data string read from the file.
const maxASCII = 256

// TIFF field types used by the tags above.
const (
	tiffASCII  = 2
	tiffDouble = 12
)

type ifdEntry struct {
	tag    uint16
	typ    uint16
	count  uint32
	offset uint32 // value itself when it fits in four bytes
	raw    [4]byte
}

// geoTags is the subset of GeoTIFF metadata the matcher needs.
type geoTags struct {
	PixelSizeX float64
	PixelSizeY float64
	OriginX    float64
	OriginY    float64
	NoData     float64
	HasNoData  bool
	HasGeo     bool
}

// readGeoTags extracts pixel scale, tie point and no-data value from the
// first IFD of a TIFF file.
func readGeoTags(path string) (geoTags, error) {
	file, err := os.Open(path)
	if err != nil {
		return geoTags{}, err
	}
	defer file.Close()

	header := make([]byte, 8)
	if _, err := io.ReadFull(file, header); err != nil {
		return geoTags{}, err
	}

	var byteOrder binary.ByteOrder
	switch {
	case header[0] == 'I' && header[1] == 'I':
		byteOrder = binary.LittleEndian
	case header[0] == 'M' && header[1] == 'M':
		byteOrder = binary.BigEndian
	default:
		return geoTags{}, fmt.Errorf("not a valid TIFF file")
	}

	if _, err := file.Seek(int64(byteOrder.Uint32(header[4:8])), io.SeekStart); err != nil {
		return geoTags{}, err
	}

	var numEntries uint16
	if err := binary.Read(file, byteOrder, &numEntries); err != nil {
		return geoTags{}, err
	}

	entries := make(map[uint16]ifdEntry, numEntries)
	buf := make([]byte, 12)
	for i := uint16(0); i < numEntries; i++ {
		if _, err := io.ReadFull(file, buf); err != nil {
			return geoTags{}, err
		}
		e := ifdEntry{
			tag:    byteOrder.Uint16(buf[0:2]),
			typ:    byteOrder.Uint16(buf[2:4]),
			count:  byteOrder.Uint32(buf[4:8]),
			offset: byteOrder.Uint32(buf[8:12]),
		}
		copy(e.raw[:], buf[8:12])
		entries[e.tag] = e
	}

	var tags geoTags
	if e, ok := entries[tagModelPixelScale]; ok && e.typ == tiffDouble && e.count >= 2 {
		v, err := readDoubles(file, e, byteOrder, 2)
		if err != nil {
			return geoTags{}, fmt.Errorf("pixel scale: %w", err)
		}
		tags.PixelSizeX, tags.PixelSizeY = v[0], v[1]
		tags.HasGeo = true
	}
	if e, ok := entries[tagModelTiepoint]; ok && e.typ == tiffDouble && e.count >= 6 {
		// Only the first tie point is used.
		v, err := readDoubles(file, e, byteOrder, 6)
		if err != nil {
			return geoTags{}, fmt.Errorf("tie point: %w", err)
		}
		// Tie raster (I, J) to model (X, Y); shift back to pixel (0, 0).
		tags.OriginX = v[3] - v[0]*tags.PixelSizeX
		tags.OriginY = v[4] + v[1]*tags.PixelSizeY
	}
	if e, ok := entries[tagGDALNoData]; ok && e.typ == tiffASCII {
		s, err := readASCII(file, e)
		if err == nil {
			if nd, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				tags.NoData = nd
				tags.HasNoData = true
			}
		}
	}

	return tags, nil
}

// readDoubles reads the first n values of a double array entry. The IFD
// count only has to cover n, so a corrupt count never sizes an allocation.
func readDoubles(file *os.File, e ifdEntry, byteOrder binary.ByteOrder, n int) ([]float64, error) {
	if int64(e.count) < int64(n) {
		return nil, fmt.Errorf("%d values, need %d", e.count, n)
	}
	if _, err := file.Seek(int64(e.offset), io.SeekStart); err != nil {
		return nil, err
	}
	raw := make([]byte, 8*n)
	if _, err := io.ReadFull(file, raw); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(byteOrder.Uint64(raw[i*8:]))
	}
	return out, nil
}

func readASCII(file *os.File, e ifdEntry) (string, error) {
	if e.count <= 4 {
		return strings.TrimRight(string(e.raw[:e.count]), "\x00"), nil
	}
	if e.count > maxASCII {
		return "", fmt.Errorf("ascii value of %d bytes exceeds %d", e.count, maxASCII)
	}
	if _, err := file.Seek(int64(e.offset), io.SeekStart); err != nil {
		return "", err
	}
	raw := make([]byte, e.count)
	if _, err := io.ReadFull(file, raw); err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\x00"), nil
}
