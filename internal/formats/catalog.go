// Package formats holds the catalog of physical print formats a book can be
// produced in. The catalog is embedded and parsed once at process start.
package formats

import (
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// PointsPerInch is the PDF user-space resolution.
const PointsPerInch = 72.0

// DefaultDPI is the print resolution artwork is resampled to.
const DefaultDPI = 300

// Orientation classifies a format by its aspect.
type Orientation string

const (
	Portrait  Orientation = "portrait"
	Landscape Orientation = "landscape"
	Square    Orientation = "square"
)

// FormatSpec describes one named print format.
type FormatSpec struct {
	Key         string
	WidthIn     float64
	HeightIn    float64
	Orientation Orientation
	Directive   string
}

// PointSize returns the page size in PDF points.
func (f FormatSpec) PointSize() (width, height float64) {
	return f.WidthIn * PointsPerInch, f.HeightIn * PointsPerInch
}

// PixelSize returns the raster size needed to print the format at dpi.
func (f FormatSpec) PixelSize(dpi int) (width, height int) {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return int(math.Round(f.WidthIn * float64(dpi))), int(math.Round(f.HeightIn * float64(dpi)))
}

// AspectRatio returns width divided by height.
func (f FormatSpec) AspectRatio() float64 {
	return f.WidthIn / f.HeightIn
}

func (f FormatSpec) String() string {
	return fmt.Sprintf("%s (%.2fin x %.2fin, %s)", f.Key, f.WidthIn, f.HeightIn, f.Orientation)
}

//go:embed catalog.toml
var catalogTOML []byte

type catalogFile struct {
	Default string `toml:"default"`
	Formats map[string]struct {
		Width  float64 `toml:"width"`
		Height float64 `toml:"height"`
	} `toml:"formats"`
}

var (
	catalog    map[string]FormatSpec
	defaultKey string
)

func init() {
	var file catalogFile
	if err := toml.Unmarshal(catalogTOML, &file); err != nil {
		panic(fmt.Sprintf("formats: invalid embedded catalog: %v", err))
	}
	catalog = make(map[string]FormatSpec, len(file.Formats))
	for key, dim := range file.Formats {
		if dim.Width <= 0 || dim.Height <= 0 {
			panic(fmt.Sprintf("formats: format %q has non-positive dimensions", key))
		}
		fs := FormatSpec{Key: key, WidthIn: dim.Width, HeightIn: dim.Height}
		fs.Orientation = classify(fs.AspectRatio())
		fs.Directive = CompositionDirective(fs.Orientation)
		catalog[key] = fs
	}
	if _, ok := catalog[file.Default]; !ok {
		panic(fmt.Sprintf("formats: default format %q is not in the catalog", file.Default))
	}
	defaultKey = file.Default
}

func classify(ratio float64) Orientation {
	switch {
	case ratio > 1:
		return Landscape
	case ratio < 1:
		return Portrait
	default:
		return Square
	}
}

// Resolve returns the format registered under key. Unknown or empty keys
// resolve to the default format.
func Resolve(key string) FormatSpec {
	if fs, ok := catalog[strings.TrimSpace(key)]; ok {
		return fs
	}
	return catalog[defaultKey]
}

// Lookup is Resolve without the fallback.
func Lookup(key string) (FormatSpec, bool) {
	fs, ok := catalog[strings.TrimSpace(key)]
	return fs, ok
}

// Default returns the fallback format.
func Default() FormatSpec {
	return catalog[defaultKey]
}

// Keys lists every catalog key in sorted order.
func Keys() []string {
	keys := make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CompositionDirective is the instruction used to steer the image model for
// a given orientation.
func CompositionDirective(o Orientation) string {
	switch o {
	case Landscape:
		return "Compose the scene horizontally as a wide landscape illustration, filling the full width of the frame edge to edge."
	case Portrait:
		return "Compose the scene vertically as a tall portrait illustration, using the full height of the frame."
	default:
		return "Use a balanced, centered composition suited to a square frame."
	}
}
