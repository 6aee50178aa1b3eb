package config

import (
	"os"
	"path/filepath"
	"testing"

	"hexagon-gcp/internal/correlation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 800.0, cfg.Alignment.PixelSize)
	assert.Equal(t, 0.75, cfg.Alignment.Match.Ratio)
	assert.Equal(t, 5, cfg.Alignment.RANSAC.MinSamples)
	assert.Equal(t, 6, cfg.Alignment.Match.LSH.TableNumber)
	assert.Equal(t, correlation.MethodCcorrNormed, cfg.Correlation.Method)
	assert.Equal(t, correlation.MethodCcoeffNormed, cfg.Alignment.Validate.Method)
	assert.Equal(t, 0, cfg.Alignment.Match.TilePixels)
}

func TestLoadOverridesOnlyGivenKeys(t *testing.T) {
	path := writeFile(t, `
alignment:
  pixel_size: 400
  ransac:
    seed: 99
    max_trials: 250
  match:
    ratio: 0.8
    tile_pixels: 300
    workers: 4
correlation:
  method: cross_filter
  equalize: true
tiles:
  tile_pixels: 512
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 400.0, cfg.Alignment.PixelSize)
	assert.Equal(t, int64(99), cfg.Alignment.RANSAC.Seed)
	assert.Equal(t, 250, cfg.Alignment.RANSAC.MaxTrials)
	assert.Equal(t, 0.8, cfg.Alignment.Match.Ratio)
	assert.Equal(t, 300, cfg.Alignment.Match.TilePixels)
	assert.Equal(t, 4, cfg.Alignment.Match.Workers)
	assert.Equal(t, correlation.MethodCrossFilter, cfg.Correlation.Method)
	assert.True(t, cfg.Correlation.Equalize)
	assert.Equal(t, 512, cfg.Tiles.TilePixels)

	// Untouched keys keep defaults.
	assert.Equal(t, 5, cfg.Alignment.RANSAC.MinSamples)
	assert.Equal(t, 2.0, cfg.Alignment.RANSAC.ResidualThreshold)
	assert.Equal(t, 12, cfg.Alignment.Match.LSH.KeySize)
	assert.Equal(t, 20, cfg.GCP.TemplateHalfSize)
}

func TestLoadFootprintsAndLandMask(t *testing.T) {
	path := writeFile(t, `
alignment:
  land_mask:
    - [{x: 0, y: 0}, {x: 10, y: 0}, {x: 10, y: 10}]
  footprints:
    - id: DZB1215-500454L001001
      polygon: [{x: 0, y: 0}, {x: 5, y: 0}, {x: 5, y: 5}, {x: 0, y: 5}]
    - id: DZB1215-500454L002001
      polygon: [{x: 3, y: 0}, {x: 8, y: 0}, {x: 8, y: 5}, {x: 3, y: 5}]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Alignment.LandMask, 1)
	assert.Len(t, cfg.Alignment.LandMask[0], 3)
	require.Len(t, cfg.Alignment.Footprints, 2)
	assert.Equal(t, "DZB1215-500454L002001", cfg.Alignment.Footprints[1].ID)
	assert.Equal(t, 8.0, cfg.Alignment.Footprints[1].Polygon[1].X)
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeFile(t, "correlation:\n  method: phase\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "alignment:\n  match:\n    ratio: 1.5\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "gcp:\n  template_half_size: 80\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "alignment:\n  match:\n    tile_pixels: -1\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveRoundTripsOverrides(t *testing.T) {
	cfg := Default()
	cfg.Correlation.Method = correlation.MethodSqdiffNormed
	cfg.Alignment.RANSAC.Seed = 1234

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, cfg.Save(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "sqdiff_normed")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, correlation.MethodSqdiffNormed, loaded.Correlation.Method)
	assert.Equal(t, int64(1234), loaded.Alignment.RANSAC.Seed)
}

func TestWithDebug(t *testing.T) {
	cfg := Default().WithDebug(true)
	assert.True(t, cfg.Alignment.Debug)
	assert.True(t, cfg.Alignment.Match.Debug)
	assert.True(t, cfg.Alignment.RANSAC.Debug)
	assert.True(t, cfg.Correlation.Debug)
	assert.True(t, cfg.Tiles.Debug)
	assert.False(t, Default().Alignment.Debug)
}
