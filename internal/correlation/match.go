// Package correlation locates a template inside a search image by normalized
// correlation and refines the match to sub-pixel precision.
//
// Every method is reported with a fixed polarity: normalized correlation
// methods are maximized, difference methods (squared difference, the cross
// filter ratio) are minimized. Method.Polarity is the single source of truth.
package correlation

import (
	"fmt"
	"log"
	"strings"

	"hexagon-gcp/internal/raster"

	"gocv.io/x/gocv"
)

// Method selects the similarity measure used to build a correlation surface.
type Method int

const (
	MethodCcorrNormed  Method = iota // normalized cross-correlation
	MethodCcoeffNormed               // zero-mean normalized cross-correlation
	MethodSqdiffNormed               // normalized squared difference
	MethodCrossFilter                // centre/edge high-pass deviation ratio of a cross footprint
)

var methodNames = map[Method]string{
	MethodCcorrNormed:  "ccorr_normed",
	MethodCcoeffNormed: "ccoeff_normed",
	MethodSqdiffNormed: "sqdiff_normed",
	MethodCrossFilter:  "cross_filter",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod converts a configuration name into a Method.
func ParseMethod(name string) (Method, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for m, s := range methodNames {
		if s == name {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown correlation method %q", name)
}

// MarshalText implements encoding.TextMarshaler for config files.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for config files.
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Polarity reports which extremum of the surface marks the best match.
func (m Method) Polarity() Extremum {
	switch m {
	case MethodSqdiffNormed, MethodCrossFilter:
		return Min
	default:
		return Max
	}
}

func (m Method) templateMode() gocv.TemplateMatchMode {
	switch m {
	case MethodCcoeffNormed:
		return gocv.TmCcoeffNormed
	case MethodSqdiffNormed:
		return gocv.TmSqdiffNormed
	default:
		return gocv.TmCcorrNormed
	}
}

// Options configures Match.
type Options struct {
	Method         Method `yaml:"method"`
	Equalize       bool   `yaml:"equalize"`        // locally equalize the search image first
	EqualizeRadius int    `yaml:"equalize_radius"` // neighbourhood radius for local equalization
	CrossWidth     int    `yaml:"cross_width"`     // centre band width for MethodCrossFilter
	Debug          bool   `yaml:"debug"`
}

// DefaultOptions returns the options used for single-point feature search.
func DefaultOptions() Options {
	return Options{
		Method:         MethodCcorrNormed,
		Equalize:       false,
		EqualizeRadius: 100,
		CrossWidth:     3,
	}
}

// Result is a located template.
type Result struct {
	Surface gocv.Mat // correlation surface; owned by the Result
	Row     float64  // template centre row in search coordinates
	Col     float64  // template centre column in search coordinates
	Score   float64  // surface value at the integer extremum
	Refined bool     // false when sub-pixel refinement was not possible
}

// Close releases the correlation surface.
func (r *Result) Close() error {
	return r.Surface.Close()
}

// Correlate slides template over search and returns the CV32F surface of
// size (search - template + 1) in each axis. Surface (r, c) scores the
// template with its top-left corner at search (r, c).
func Correlate(search, template gocv.Mat, method Method) (gocv.Mat, error) {
	if err := raster.CheckTemplate(search, template); err != nil {
		return gocv.NewMat(), err
	}

	if method == MethodCrossFilter {
		return crossSurface(search, template.Rows(), template.Cols(), DefaultOptions().CrossWidth), nil
	}

	mask := gocv.NewMat()
	defer mask.Close()

	surface := gocv.NewMat()
	gocv.MatchTemplate(search, template, &surface, method.templateMode(), mask)
	return surface, nil
}

// crossSurface evaluates the cross filter over the valid placements of a
// rows x cols cross in search.
func crossSurface(search gocv.Mat, rows, cols, width int) gocv.Mat {
	hp := HighpassFilter(GridFromMat(search))
	cross := CrossTemplate(rows, cols, width)
	outRows := search.Rows() - rows + 1
	outCols := search.Cols() - cols + 1
	return crossRatio(hp, cross, (rows-1)/2, (cols-1)/2, outRows, outCols).toMat()
}

// Match finds template in search. The returned Row/Col locate the template
// centre: the integer offset is half the search-minus-surface size plus the
// surface extremum, refined by Subpixel.
func Match(search, template gocv.Mat, opts Options) (*Result, error) {
	if err := raster.CheckTemplate(search, template); err != nil {
		return nil, err
	}

	// The template keeps its raw values: at template size local
	// equalization would be one tile with its own tone curve.
	s, t := search, template
	if opts.Equalize {
		s = EqualizeLocal(search, opts.EqualizeRadius)
		defer s.Close()
	}

	var surface gocv.Mat
	var err error
	if opts.Method == MethodCrossFilter {
		width := opts.CrossWidth
		if width < 1 {
			width = DefaultOptions().CrossWidth
		}
		surface = crossSurface(s, t.Rows(), t.Cols(), width)
	} else {
		surface, err = Correlate(s, t, opts.Method)
		if err != nil {
			return nil, err
		}
	}

	ext := opts.Method.Polarity()
	minVal, maxVal, minLoc, maxLoc := gocv.MinMaxLoc(surface)
	peak, score := maxLoc, float64(maxVal)
	if ext == Min {
		peak, score = minLoc, float64(minVal)
	}

	iOff := float64(search.Rows()-surface.Rows()) / 2
	jOff := float64(search.Cols()-surface.Cols()) / 2

	dx, dy, refined := SubpixelAt(surface, peak, ext)
	if opts.Debug {
		log.Printf("[Correlation] %s peak=(%d,%d) score=%.4f subpixel=(%.1f,%.1f) refined=%v",
			opts.Method, peak.X, peak.Y, score, dx, dy, refined)
	}

	return &Result{
		Surface: surface,
		Row:     float64(peak.Y) + iOff + dy,
		Col:     float64(peak.X) + jOff + dx,
		Score:   score,
		Refined: refined,
	}, nil
}

// FindGCPMatch confirms a ground control point: normalized cross-correlation
// without equalization, best match at the surface maximum.
func FindGCPMatch(search, template gocv.Mat) (*Result, error) {
	return Match(search, template, Options{Method: MethodCcorrNormed})
}
