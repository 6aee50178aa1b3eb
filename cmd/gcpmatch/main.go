// Command gcpmatch aligns a scanned image to a reference orthoimage and
// confirms ground control points by template correlation.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"log"
	"math"
	"os"

	"hexagon-gcp/internal/alignment"
	"hexagon-gcp/internal/config"
	"hexagon-gcp/internal/correlation"
	"hexagon-gcp/internal/features"
	"hexagon-gcp/internal/raster"
	"hexagon-gcp/internal/version"
	"hexagon-gcp/pkg/geometry"

	"gocv.io/x/gocv"
)

// errValidationFailed marks an alignment whose transform was estimated but
// did not pass validation.
var errValidationFailed = errors.New("alignment failed validation")

func main() {
	mode := flag.String("mode", "initial", "Workflow: initial, rough, gcp, tiles, config")
	scanPath := flag.String("scan", "", "Path to the scanned image")
	refPath := flag.String("ref", "", "Path to the reference orthoimage")
	cfgPath := flag.String("config", "", "YAML parameter overrides")
	outPath := flag.String("out", "", "Write the warped scan (rough) or overlay (initial) here")
	x := flag.Float64("x", -1, "GCP column in reference pixels (gcp mode)")
	y := flag.Float64("y", -1, "GCP row in reference pixels (gcp mode)")
	seed := flag.Int64("seed", 0, "RANSAC seed (defaults to the configured seed)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	seedSet := flagWasSet(flag.CommandLine, "seed")

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg = cfg.WithDebug(*debug)
	if seedSet {
		cfg.Alignment = cfg.Alignment.WithSeed(*seed)
	}

	var err error
	switch *mode {
	case "config":
		if *outPath == "" {
			fmt.Println("Usage: gcpmatch -mode config -out <file.yaml> [-config <overrides.yaml>]")
			os.Exit(1)
		}
		err = cfg.Save(*outPath)
	case "tiles":
		if *scanPath == "" {
			fmt.Println("Usage: gcpmatch -mode tiles -scan <image> [-config <file>]")
			os.Exit(1)
		}
		err = runTiles(*scanPath, cfg)
	case "initial", "rough", "gcp":
		if *scanPath == "" || *refPath == "" {
			fmt.Println("Usage: gcpmatch -mode <initial|rough|gcp|tiles|config> -scan <image> -ref <ortho> [-config <file>] [-out <file>]")
			os.Exit(1)
		}
		if *mode == "gcp" {
			if *x < 0 || *y < 0 {
				fmt.Println("gcp mode needs -x and -y in reference pixels")
				os.Exit(1)
			}
			err = runGCP(*scanPath, *refPath, geometry.NewPoint2D(*x, *y), cfg)
		} else {
			err = runAlignment(*mode, *scanPath, *refPath, cfg, *outPath)
		}
	default:
		err = fmt.Errorf("unknown mode %q", *mode)
	}

	switch {
	case err == nil:
	case errors.Is(err, errValidationFailed):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	case errors.Is(err, alignment.ErrInsufficientCorrespondences):
		fmt.Fprintf(os.Stderr, "Not enough correspondences; try another pixel size or mask: %v\n", err)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flagWasSet reports whether name was given on the command line, so that
// zero values can be told apart from defaults.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func loadPair(scanPath, refPath string) (scan, ref *raster.Raster, err error) {
	scan, err = raster.Load(scanPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load scan: %w", err)
	}
	log.Printf("Scan %s: %dx%d", scanPath, scan.Cols(), scan.Rows())

	ref, err = raster.Load(refPath)
	if err != nil {
		scan.Close()
		return nil, nil, fmt.Errorf("load reference: %w", err)
	}
	log.Printf("Reference %s: %dx%d, pixel size %.2f", refPath, ref.Cols(), ref.Rows(), ref.PixelSizeX)
	return scan, ref, nil
}

func runAlignment(mode, scanPath, refPath string, cfg config.Config, outPath string) error {
	scan, ref, err := loadPair(scanPath, refPath)
	if err != nil {
		return err
	}
	defer scan.Close()
	defer ref.Close()

	workflow := alignment.InitialTransformation
	if mode == "rough" {
		workflow = alignment.RoughGeotransform
	}

	fmt.Printf("=== %s transformation ===\n", mode)
	res, err := workflow(scan.Mat, ref, cfg.Alignment)
	if err != nil {
		return fmt.Errorf("alignment: %w", err)
	}
	defer res.Close()

	t := res.Transform
	fmt.Printf("Correspondences: %d (%d inliers, rms %.2f px)\n", len(res.Correspondences), res.NInliers, res.RMS)
	fmt.Printf("Rotation: %.4f°\n", t.Theta*180/math.Pi)
	fmt.Printf("Translation: (%.2f, %.2f)\n", t.TX, t.TY)
	if res.Affine != nil {
		sx, sy := res.Affine.Scale()
		fmt.Printf("Affine check: scale (%.4f, %.4f), mean error %.2f px over %d pairs\n",
			sx, sy, res.Affine.MeanError, res.Affine.NInliers)
	}
	fmt.Printf("Output shape: %dx%d\n", res.OutputShape.X, res.OutputShape.Y)
	fmt.Printf("Validation score: %.3f success=%v\n", res.Score, res.Success)

	if outPath != "" {
		if err := writeOutput(outPath, scan, ref, res, cfg); err != nil {
			return fmt.Errorf("write %s: %w", outPath, err)
		}
		log.Printf("Wrote %s", outPath)
	}

	if !res.Success {
		return fmt.Errorf("%w: score %.3f", errValidationFailed, res.Score)
	}
	return nil
}
// writeOutput saves the warped scan when the workflow produced one, or an
// overlay of the warped scan on the resampled reference otherwise.
func writeOutput(path string, scan, ref *raster.Raster, res *alignment.Result, cfg config.Config) error {
	if !res.Warped.Empty() {
		if !gocv.IMWrite(path, res.Warped) {
			return fmt.Errorf("imwrite failed")
		}
		return nil
	}

	lowres := ref
	if cfg.Alignment.PixelSize > 0 {
		var err error
		lowres, err = ref.Resample(cfg.Alignment.PixelSize)
		if err != nil {
			return err
		}
		defer lowres.Close()
	}

	warped := alignment.WarpRigid(scan.Mat, res.Transform, res.OutputShape.Y, res.OutputShape.X)
	defer warped.Close()
	overlay := alignment.CreateOverlay(lowres.Mat, warped, 0.5)
	defer overlay.Close()
	if !gocv.IMWrite(path, overlay) {
		return fmt.Errorf("imwrite failed")
	}
	return nil
}

// runGCP cuts a template around pt in the reference and searches for it in
// a window of the scan, which must already be in the reference frame.
func runGCP(scanPath, refPath string, pt geometry.Point2D, cfg config.Config) error {
	scan, ref, err := loadPair(scanPath, refPath)
	if err != nil {
		return err
	}
	defer scan.Close()
	defer ref.Close()

	tmpl, err := correlation.MakeTemplate(ref.Mat, pt, cfg.GCP.TemplateHalfSize)
	if err != nil {
		return fmt.Errorf("template: %w", err)
	}
	defer tmpl.Close()

	half := cfg.GCP.SearchHalfSize
	row, col := int(math.Round(pt.Y)), int(math.Round(pt.X))
	window := image.Rect(col-half, row-half, col+half+1, row+half+1).
		Intersect(image.Rect(0, 0, scan.Cols(), scan.Rows()))
	if window.Empty() {
		return fmt.Errorf("point (%.1f, %.1f) lies outside the scan", pt.X, pt.Y)
	}
	search := scan.Mat.Region(window)
	defer search.Close()

	found, res, err := tmpl.Locate(search, cfg.Correlation)
	if err != nil {
		return fmt.Errorf("match: %w", err)
	}
	defer res.Close()

	found = found.Add(geometry.NewPoint2D(float64(window.Min.X), float64(window.Min.Y)))
	fmt.Printf("GCP (%.1f, %.1f) -> (%.2f, %.2f) score=%.3f refined=%v method=%s\n",
		pt.X, pt.Y, found.X, found.Y, res.Score, res.Refined, cfg.Correlation.Method)
	fmt.Printf("Offset: (%.2f, %.2f) px\n", found.X-pt.X, found.Y-pt.Y)
	return nil
}

func runTiles(scanPath string, cfg config.Config) error {
	scan, err := raster.Load(scanPath)
	if err != nil {
		return fmt.Errorf("load scan: %w", err)
	}
	defer scan.Close()

	valid := scan.ValidMask()
	defer valid.Close()

	kps, err := features.ExtractTiled(scan.Mat, valid, features.ORBFactory(cfg.Alignment.Match.ORB), cfg.Tiles)
	if err != nil {
		return fmt.Errorf("tiled extraction: %w", err)
	}

	xTiles, yTiles := features.TileGrid(scan.Cols(), scan.Rows(), cfg.Tiles.TilePixels)
	fmt.Printf("Tiles: %dx%d of ~%d px\n", xTiles, yTiles, cfg.Tiles.TilePixels)
	fmt.Printf("Keypoints: %d\n", len(kps))
	return nil
}
