// Package overlay burns a page caption into an illustration. The caption is
// wrapped inside a central safe area, anchored in the lower third, and drawn
// over a blurred translucent panel so it stays legible on any artwork.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

const (
	safeAreaRatio  = 0.60
	charWidthRatio = 0.65
	lineSpacing    = 1.2
	anchorRatio    = 0.65
	paddingRatio   = 1.2
	extraWidth     = 2.5
)

// Style is fixed for every page of one book.
type Style struct {
	// FontSize in pixels. Zero derives it from the canvas.
	FontSize    float64
	Fill        color.Color
	Stroke      color.Color
	StrokeWidth int
	Panel       color.RGBA
	// CornerRadius, Softness and Blur are fractions of the panel padding.
	// Blur is the radius of the backdrop blur; zero leaves the artwork
	// under the panel sharp.
	CornerRadius float64
	Softness     float64
	Blur         float64
}

// DefaultStyle is the house caption style: bold white text with a black
// outline over a dark translucent panel.
func DefaultStyle() Style {
	return Style{
		Fill:         color.White,
		Stroke:       color.Black,
		StrokeWidth:  3,
		Panel:        color.RGBA{A: 120},
		CornerRadius: 0.8,
		Softness:     0.5,
		Blur:         0.4,
	}
}

// FontSizeFor returns the font size used when Style.FontSize is zero.
func FontSizeFor(w, h int) float64 {
	short := math.Min(float64(w), float64(h))
	return math.Max(12, math.Round(short*0.045))
}

// Layout is the geometry of one rendered caption.
type Layout struct {
	Lines      []string
	FontSize   float64
	LineHeight float64
	Padding    float64
	SafeArea   image.Rectangle
	TextRect   image.Rectangle
	PanelRect  image.Rectangle
}

var (
	boldOnce sync.Once
	boldFont *opentype.Font
	boldErr  error
)

func loadFont() (*opentype.Font, error) {
	boldOnce.Do(func() {
		boldFont, boldErr = opentype.Parse(gobold.TTF)
	})
	return boldFont, boldErr
}

func newFace(size float64) (font.Face, error) {
	f, err := loadFont()
	if err != nil {
		return nil, fmt.Errorf("overlay: parse font: %w", err)
	}
	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: create face: %w", err)
	}
	return face, nil
}

// Wrap greedily fills lines up to maxChars runes. A word longer than
// maxChars gets a line of its own.
func Wrap(caption string, maxChars int) []string {
	if maxChars < 1 {
		maxChars = 1
	}
	var lines []string
	var current []string
	width := 0
	for _, word := range strings.Fields(caption) {
		n := len([]rune(word))
		if len(current) > 0 && width+1+n > maxChars {
			lines = append(lines, strings.Join(current, " "))
			current, width = nil, 0
		}
		if len(current) > 0 {
			width++
		}
		current = append(current, word)
		width += n
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}
	return lines
}

// ComputeLayout places caption on a w x h canvas.
func ComputeLayout(w, h int, caption string, style Style) (Layout, error) {
	size := style.FontSize
	if size <= 0 {
		size = FontSizeFor(w, h)
	}
	face, err := newFace(size)
	if err != nil {
		return Layout{}, err
	}
	defer face.Close()
	return layout(w, h, caption, size, face), nil
}

func layout(w, h int, caption string, size float64, face font.Face) Layout {
	safeW := float64(w) * safeAreaRatio
	safeH := float64(h) * safeAreaRatio
	safe := image.Rect(
		int(math.Round((float64(w)-safeW)/2)),
		int(math.Round((float64(h)-safeH)/2)),
		int(math.Round((float64(w)+safeW)/2)),
		int(math.Round((float64(h)+safeH)/2)),
	)

	charW := size * charWidthRatio
	lines := Wrap(caption, int(safeW/charW))
	if len(lines) == 0 {
		lines = []string{caption}
	}

	textW := 0.0
	for _, line := range lines {
		estimate := float64(len([]rune(line))) * charW
		measured := float64(font.MeasureString(face, line).Ceil())
		textW = math.Max(textW, math.Max(estimate, measured))
	}
	lineH := size * lineSpacing
	textH := float64(len(lines)) * lineH
	cx := float64(w) / 2
	cy := float64(h) * anchorRatio

	text := image.Rect(
		int(math.Floor(cx-textW/2)),
		int(math.Floor(cy-textH/2)),
		int(math.Ceil(cx+textW/2)),
		int(math.Ceil(cy+textH/2)),
	)

	pad := size * paddingRatio
	padX := int(math.Ceil(pad + pad*extraWidth/2))
	padY := int(math.Ceil(pad))
	panel := image.Rect(text.Min.X-padX, text.Min.Y-padY, text.Max.X+padX, text.Max.Y+padY)

	return Layout{
		Lines:      lines,
		FontSize:   size,
		LineHeight: lineH,
		Padding:    pad,
		SafeArea:   safe,
		TextRect:   text,
		PanelRect:  panel,
	}
}

// Render returns a new image holding src with caption composited on top.
// src is never modified.
func Render(src image.Image, caption string, style Style) (*image.RGBA, error) {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	size := style.FontSize
	if size <= 0 {
		size = FontSizeFor(b.Dx(), b.Dy())
	}
	face, err := newFace(size)
	if err != nil {
		return nil, err
	}
	defer face.Close()

	l := layout(b.Dx(), b.Dy(), caption, size, face)
	drawPanel(dst, l, style)
	drawText(dst, l, face, style)
	return dst, nil
}

func drawPanel(dst *image.RGBA, l Layout, style Style) {
	radius := l.Padding * style.CornerRadius
	soft := math.Max(1, l.Padding*style.Softness)
	mask := panelMask(l.PanelRect, radius, soft)
	if r := l.PanelRect.Intersect(dst.Bounds()); style.Blur > 0 && !r.Empty() {
		blurred := blurRegion(dst, r, l.Padding*style.Blur)
		draw.DrawMask(dst, r, blurred, r.Min, mask, r.Min, draw.Over)
	}
	draw.DrawMask(dst, mask.Bounds(), image.NewUniform(style.Panel), mask.Bounds().Min, mask, mask.Bounds().Min, draw.Over)
}

// blurRegion returns a blurred copy of r in src, made by shrinking the
// region by radius and scaling it back up.
func blurRegion(src *image.RGBA, r image.Rectangle, radius float64) *image.RGBA {
	f := math.Max(1, radius)
	sw := max(1, int(math.Round(float64(r.Dx())/f)))
	sh := max(1, int(math.Round(float64(r.Dy())/f)))
	small := image.NewRGBA(image.Rect(0, 0, sw, sh))
	draw.BiLinear.Scale(small, small.Bounds(), src, r, draw.Src, nil)
	out := image.NewRGBA(r)
	draw.BiLinear.Scale(out, r, small, small.Bounds(), draw.Src, nil)
	return out
}

// panelMask rasterizes a rounded rectangle whose edge fades out over soft
// pixels inside its bounds, so the text rectangle keeps full coverage.
func panelMask(r image.Rectangle, radius, soft float64) *image.Alpha {
	mask := image.NewAlpha(r)
	x0, y0 := float64(r.Min.X), float64(r.Min.Y)
	x1, y1 := float64(r.Max.X), float64(r.Max.Y)
	radius = math.Min(radius, math.Min(x1-x0, y1-y0)/2)

	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			// Distance inside the rounded rectangle's boundary.
			dx := math.Min(px-x0, x1-px)
			dy := math.Min(py-y0, y1-py)
			var d float64
			if dx < radius && dy < radius {
				d = radius - math.Hypot(radius-dx, radius-dy)
			} else {
				d = math.Min(dx, dy)
			}
			cov := math.Min(1, math.Max(0, d/soft))
			mask.SetAlpha(x, y, color.Alpha{A: uint8(math.Round(cov * 255))})
		}
	}
	return mask
}

func drawText(dst *image.RGBA, l Layout, face font.Face, style Style) {
	m := face.Metrics()
	ascent := float64(m.Ascent.Ceil())
	descent := float64(m.Descent.Ceil())
	cx := float64(dst.Bounds().Dx()) / 2

	for i, line := range l.Lines {
		lineTop := float64(l.TextRect.Min.Y) + float64(i)*l.LineHeight
		baseline := lineTop + (l.LineHeight-(ascent+descent))/2 + ascent
		x := cx - float64(font.MeasureString(face, line).Ceil())/2

		d := &font.Drawer{Dst: dst, Face: face}
		if style.StrokeWidth > 0 && style.Stroke != nil {
			d.Src = image.NewUniform(style.Stroke)
			sw := style.StrokeWidth
			for oy := -sw; oy <= sw; oy++ {
				for ox := -sw; ox <= sw; ox++ {
					if ox*ox+oy*oy > sw*sw {
						continue
					}
					d.Dot = fixed.P(int(x)+ox, int(baseline)+oy)
					d.DrawString(line)
				}
			}
		}
		fill := style.Fill
		if fill == nil {
			fill = color.White
		}
		d.Src = image.NewUniform(fill)
		d.Dot = fixed.P(int(x), int(baseline))
		d.DrawString(line)
	}
}
