package features

import (
	"image"
	"math/rand"
	"testing"

	"hexagon-gcp/internal/raster"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// blockNoise renders a seeded 8x8-block random texture, rich in corners.
func blockNoise(t *testing.T, rows, cols int, seed int64) gocv.Mat {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	const block = 8
	by, bx := (rows+block-1)/block, (cols+block-1)/block
	levels := make([]uint8, by*bx)
	for i := range levels {
		levels[i] = uint8(rng.Intn(256))
	}
	pix := make([]uint8, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			pix[r*cols+c] = levels[(r/block)*bx+c/block]
		}
	}
	m, err := raster.GrayMat(rows, cols, pix)
	require.NoError(t, err)
	return m
}

func randomDescriptors(rng *rand.Rand, n, width int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		d := make([]byte, width)
		rng.Read(d)
		out[i] = d
	}
	return out
}

func TestTilesPartition(t *testing.T) {
	tiles := Tiles(305, 210, 100)
	require.Len(t, tiles, 6)

	assert.Equal(t, image.Rect(0, 0, 101, 105), tiles[0].Bounds)
	assert.Equal(t, image.Rect(101, 0, 202, 105), tiles[1].Bounds)
	assert.Equal(t, image.Rect(202, 0, 305, 105), tiles[2].Bounds)
	assert.Equal(t, image.Rect(0, 105, 101, 210), tiles[3].Bounds)
	assert.Equal(t, 1, tiles[5].Row)
	assert.Equal(t, 2, tiles[5].Col)

	area := 0
	for _, tl := range tiles {
		area += tl.Bounds.Dx() * tl.Bounds.Dy()
	}
	assert.Equal(t, 305*210, area)
}

func TestTileGridClampsToOne(t *testing.T) {
	x, y := TileGrid(50, 40, 100)
	assert.Equal(t, 1, x)
	assert.Equal(t, 1, y)

	x, y = TileGrid(50, 40, 0)
	assert.Equal(t, 1, x)
	assert.Equal(t, 1, y)

	tiles := Tiles(50, 40, 100)
	require.Len(t, tiles, 1)
	assert.Equal(t, image.Rect(0, 0, 50, 40), tiles[0].Bounds)
}

func TestTranslateTilesRejectsOutOfBounds(t *testing.T) {
	tiles := Tiles(20, 10, 10)
	local := [][]Keypoint{{{X: 1, Y: 1}}, {{X: 12, Y: 1}}}
	_, err := translateTiles(tiles, local, 20, 10, true)
	assert.Error(t, err)

	local = [][]Keypoint{{{X: 1, Y: 1, Descriptor: []byte{1}}}, {{X: 2, Y: 3}}}
	kps, err := translateTiles(tiles, local, 20, 10, false)
	require.NoError(t, err)
	require.Len(t, kps, 2)
	assert.Equal(t, 12.0, kps[1].X)
	assert.Equal(t, 3.0, kps[1].Y)
	assert.Nil(t, kps[0].Descriptor)
}

func TestExtractTiledSingleTileMatchesUntiled(t *testing.T) {
	img := blockNoise(t, 256, 256, 7)
	defer img.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	det := NewORB(DefaultORBParams())
	defer det.Close()
	direct, err := det.Detect(img, mask)
	require.NoError(t, err)
	require.NotEmpty(t, direct)

	opts := DefaultTileOptions()
	opts.TilePixels = 1000
	tiled, err := ExtractTiled(img, mask, ORBFactory(DefaultORBParams()), opts)
	require.NoError(t, err)

	require.Len(t, tiled, len(direct))
	for i := range direct {
		assert.Equal(t, direct[i].X, tiled[i].X)
		assert.Equal(t, direct[i].Y, tiled[i].Y)
		assert.Equal(t, direct[i].Descriptor, tiled[i].Descriptor)
	}
}

func TestExtractTiledKeypointsInBounds(t *testing.T) {
	img := blockNoise(t, 256, 300, 11)
	defer img.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	opts := DefaultTileOptions()
	opts.TilePixels = 100
	opts.Workers = 2
	kps, err := ExtractTiled(img, mask, ORBFactory(DefaultORBParams()), opts)
	require.NoError(t, err)
	require.NotEmpty(t, kps)

	for _, kp := range kps {
		assert.GreaterOrEqual(t, kp.X, 0.0)
		assert.GreaterOrEqual(t, kp.Y, 0.0)
		assert.Less(t, kp.X, 300.0)
		assert.Less(t, kp.Y, 256.0)
		assert.Len(t, kp.Descriptor, 32)
	}

	// Deterministic across runs despite concurrent tiles.
	again, err := ExtractTiled(img, mask, ORBFactory(DefaultORBParams()), opts)
	require.NoError(t, err)
	assert.Equal(t, kps, again)
}

func TestExtractTiledMaskShape(t *testing.T) {
	img := blockNoise(t, 64, 64, 3)
	defer img.Close()
	mask := gocv.NewMatWithSize(32, 64, gocv.MatTypeCV8UC1)
	defer mask.Close()

	_, err := ExtractTiled(img, mask, ORBFactory(DefaultORBParams()), DefaultTileOptions())
	assert.ErrorIs(t, err, raster.ErrInputShape)
}

func TestHamming(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	assert.Equal(t, 0, Hamming(a, b))

	b[0] = 0xFF
	b[31] = 0x01
	b[9] = 0x10
	assert.Equal(t, 10, Hamming(a, b))
}

func TestProbeMasks(t *testing.T) {
	assert.Equal(t, []uint32{0}, probeMasks(12, 0))
	assert.Len(t, probeMasks(12, 1), 13)

	masks := probeMasks(4, 2)
	assert.Len(t, masks, 1+4+6)
	seen := map[uint32]bool{}
	for _, m := range masks {
		assert.False(t, seen[m], "duplicate mask %b", m)
		seen[m] = true
	}
}

func TestLSHFindsExactAndNearDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := randomDescriptors(rng, 500, 32)

	index, err := NewLSHIndex(data, DefaultLSHParams())
	require.NoError(t, err)
	assert.Equal(t, 500, index.Len())

	for _, i := range []int{0, 17, 250, 499} {
		nn := index.KNN(data[i], 1)
		require.Len(t, nn, 1)
		assert.Equal(t, i, nn[0].Index)
		assert.Equal(t, 0, nn[0].Distance)

		// A single flipped bit changes at most one key bit per table, which
		// one level of multi-probing still visits.
		q := append([]byte(nil), data[i]...)
		q[5] ^= 0x04
		nn = index.KNN(q, 1)
		require.Len(t, nn, 1)
		assert.Equal(t, i, nn[0].Index)
		assert.Equal(t, 1, nn[0].Distance)
	}
}

func TestLSHRejectsMixedWidths(t *testing.T) {
	_, err := NewLSHIndex([][]byte{make([]byte, 32), make([]byte, 16)}, DefaultLSHParams())
	assert.Error(t, err)

	_, err = NewLSHIndex(nil, DefaultLSHParams())
	assert.Error(t, err)
}

func setBits(width, from, n int) []byte {
	d := make([]byte, width)
	for b := from; b < from+n; b++ {
		d[b/8] |= 1 << uint(b%8)
	}
	return d
}

func TestMatchDescriptorsRatioTest(t *testing.T) {
	// One-bit keys probed at level one visit every bucket, so the search is exhaustive.
	p := LSHParams{TableNumber: 1, KeySize: 1, MultiProbeLevel: 1, Seed: 3}
	query := []Keypoint{{X: 1, Y: 2, Descriptor: make([]byte, 32)}}

	ambiguous := []Keypoint{
		{X: 10, Descriptor: setBits(32, 0, 10)},
		{X: 20, Descriptor: setBits(32, 100, 12)},
		{X: 30, Descriptor: setBits(32, 0, 256)},
	}
	m, err := MatchDescriptors(query, ambiguous, 0.75, p)
	require.NoError(t, err)
	assert.Empty(t, m)

	distinct := []Keypoint{
		{X: 10, Descriptor: setBits(32, 0, 10)},
		{X: 20, Descriptor: setBits(32, 100, 20)},
	}
	m, err = MatchDescriptors(query, distinct, 0.75, p)
	require.NoError(t, err)
	require.Len(t, m, 1)
	assert.Equal(t, 0, m[0].QueryIdx)
	assert.Equal(t, 0, m[0].TrainIdx)
	assert.Equal(t, 10.0, m[0].Distance)
	assert.Equal(t, 10.0, m[0].Train.X)

	// A lone train descriptor never yields the two neighbours the ratio needs.
	m, err = MatchDescriptors(query, distinct[:1], 0.75, p)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestMatchIdenticalImages(t *testing.T) {
	img := blockNoise(t, 256, 256, 5)
	defer img.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	kp1, kp2, matches, err := Match(img, img, mask, mask, DefaultMatchOptions())
	require.NoError(t, err)
	assert.Equal(t, len(kp1), len(kp2))
	require.NotEmpty(t, matches)

	for _, m := range matches {
		assert.Equal(t, 0.0, m.Distance)
		assert.Equal(t, m.Query.X, m.Train.X)
		assert.Equal(t, m.Query.Y, m.Train.Y)
	}
}

func TestMatchTiledIdenticalImages(t *testing.T) {
	img := blockNoise(t, 256, 300, 13)
	defer img.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	opts := DefaultMatchOptions()
	opts.TilePixels = 128
	opts.Workers = 2
	kp1, kp2, matches, err := Match(img, img, mask, mask, opts)
	require.NoError(t, err)
	assert.Equal(t, len(kp1), len(kp2))
	require.NotEmpty(t, matches)

	// Tiled detection places keypoints beyond the first tile.
	beyond := false
	for _, m := range matches {
		assert.Equal(t, 0.0, m.Distance)
		assert.Equal(t, m.Query.X, m.Train.X)
		assert.Equal(t, m.Query.Y, m.Train.Y)
		if m.Query.X >= 150 || m.Query.Y >= 128 {
			beyond = true
		}
	}
	assert.True(t, beyond)
}

func TestMatchFullyMaskedYieldsNothing(t *testing.T) {
	img := blockNoise(t, 128, 128, 9)
	defer img.Close()
	empty := gocv.NewMat()
	defer empty.Close()
	masked := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 128, 128, gocv.MatTypeCV8UC1)
	defer masked.Close()

	kp1, _, matches, err := Match(img, img, masked, empty, DefaultMatchOptions())
	require.NoError(t, err)
	assert.Empty(t, kp1)
	assert.Empty(t, matches)
}
