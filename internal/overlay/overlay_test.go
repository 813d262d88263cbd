package overlay

import (
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func canvas(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func strictlyContains(outer, inner image.Rectangle) bool {
	return outer.Min.X < inner.Min.X && outer.Min.Y < inner.Min.Y &&
		outer.Max.X > inner.Max.X && outer.Max.Y > inner.Max.Y
}

func TestWrap(t *testing.T) {
	assert.Equal(t, []string{"the quick", "brown fox"}, Wrap("the quick brown fox", 10))
	assert.Equal(t, []string{"a", "extraordinarily", "b"}, Wrap("a extraordinarily b", 5))
	assert.Empty(t, Wrap("   ", 10))
	assert.Equal(t, []string{"x", "y"}, Wrap("x y", 0))
}

func TestComputeLayout_PanelEnclosesText(t *testing.T) {
	captions := []string{
		"",
		"Hi",
		"A cat sat.",
		"WWWWWWWW MMMMMMMM WWWWWWWW MMMMMMMM",
		strings.Repeat("Once upon a time in a faraway kingdom. ", 8),
		"Supercalifragilisticexpialidocious",
	}
	sizes := [][2]int{{1650, 2550}, {2475, 1800}, {2400, 2400}, {300, 300}}
	fonts := []float64{0, 10, 48}

	for _, sz := range sizes {
		for _, fs := range fonts {
			for _, caption := range captions {
				style := DefaultStyle()
				style.FontSize = fs
				l, err := ComputeLayout(sz[0], sz[1], caption, style)
				require.NoError(t, err)

				require.NotEmpty(t, l.Lines)
				assert.True(t, strictlyContains(l.PanelRect, l.TextRect),
					"canvas %v font %v caption %q: panel %v text %v", sz, fs, caption, l.PanelRect, l.TextRect)
				assert.InDelta(t, float64(len(l.Lines))*l.LineHeight, float64(l.TextRect.Dy()), 2)
			}
		}
	}
}

func TestComputeLayout_SafeAreaAndAnchor(t *testing.T) {
	style := DefaultStyle()
	style.FontSize = 40
	l, err := ComputeLayout(1000, 2000, "A short line of story text that will wrap a few times.", style)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(200, 400, 800, 1600), l.SafeArea)
	center := (l.TextRect.Min.Y + l.TextRect.Max.Y) / 2
	assert.InDelta(t, 1300, center, 2)

	// Wrapped width stays within the safe area.
	assert.GreaterOrEqual(t, l.TextRect.Min.X, l.SafeArea.Min.X-1)
	assert.LessOrEqual(t, l.TextRect.Max.X, l.SafeArea.Max.X+1)
	assert.Greater(t, len(l.Lines), 1)
}

func TestComputeLayout_EmptyCaptionFallsBackToSingleLine(t *testing.T) {
	l, err := ComputeLayout(800, 800, "", DefaultStyle())
	require.NoError(t, err)
	assert.Equal(t, []string{""}, l.Lines)
}

func TestComputeLayout_PanelPadding(t *testing.T) {
	style := DefaultStyle()
	style.FontSize = 20
	l, err := ComputeLayout(2000, 2000, "Hello there", style)
	require.NoError(t, err)

	assert.InDelta(t, 24, l.Padding, 1e-9)
	extraX := (l.PanelRect.Dx() - l.TextRect.Dx())
	extraY := (l.PanelRect.Dy() - l.TextRect.Dy())
	assert.GreaterOrEqual(t, extraX, int(2*24+2.5*24))
	assert.GreaterOrEqual(t, extraY, 2*24)
}

func TestRender_DoesNotMutateSource(t *testing.T) {
	src := canvas(400, 600, color.RGBA{30, 160, 90, 255})
	before := append([]byte(nil), src.Pix...)

	out, err := Render(src, "The dragon slept under the hill.", DefaultStyle())
	require.NoError(t, err)

	assert.Equal(t, before, src.Pix)
	assert.NotSame(t, src, out)
	assert.Equal(t, src.Bounds(), out.Bounds())
	assert.NotEqual(t, src.Pix, out.Pix)
}

func TestRender_PanelDarkensOnlyItsArea(t *testing.T) {
	src := canvas(600, 600, color.RGBA{250, 250, 250, 255})
	style := DefaultStyle()
	l, err := ComputeLayout(600, 600, "Hi", style)
	require.NoError(t, err)

	out, err := Render(src, "Hi", style)
	require.NoError(t, err)

	// Outside the panel the artwork is untouched.
	assert.Equal(t, color.RGBA{250, 250, 250, 255}, out.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{250, 250, 250, 255}, out.RGBAAt(300, 60))

	// Inside the panel, between the text and the edge, the panel darkens it.
	inside := out.RGBAAt(l.PanelRect.Min.X+l.PanelRect.Dx()/8, (l.PanelRect.Min.Y+l.PanelRect.Max.Y)/2)
	assert.Less(t, inside.R, uint8(250))
}

func TestRender_HonorsSourceOffset(t *testing.T) {
	base := canvas(200, 200, color.RGBA{10, 20, 30, 255})
	sub := base.SubImage(image.Rect(50, 50, 150, 150))

	out, err := Render(sub, "x", DefaultStyle())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 100), out.Bounds())
	assert.Equal(t, color.RGBA{10, 20, 30, 255}, out.RGBAAt(1, 1))
}

func stripes(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{0, 0, 0, 255}
			if (x/2)%2 == 0 {
				c = color.RGBA{255, 255, 255, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestRender_PanelBlursArtworkBehindIt(t *testing.T) {
	src := stripes(600, 600)
	style := DefaultStyle()
	// A clear tint isolates the blur.
	style.Panel = color.RGBA{}
	l, err := ComputeLayout(600, 600, "Hi", style)
	require.NoError(t, err)

	out, err := Render(src, "Hi", style)
	require.NoError(t, err)

	y := (l.PanelRect.Min.Y + l.PanelRect.Max.Y) / 2
	x := l.PanelRect.Min.X + l.PanelRect.Dx()/6
	for dx := 0; dx < 4; dx++ {
		v := out.RGBAAt(x+dx, y).R
		assert.Greater(t, v, uint8(60), "x=%d", x+dx)
		assert.Less(t, v, uint8(200), "x=%d", x+dx)
	}

	// Outside the panel the stripes stay sharp.
	assert.Equal(t, uint8(255), out.RGBAAt(0, 5).R)
	assert.Equal(t, uint8(0), out.RGBAAt(2, 5).R)

	style.Blur = 0
	sharp, err := Render(src, "Hi", style)
	require.NoError(t, err)
	assert.Equal(t, src.RGBAAt(x, y), sharp.RGBAAt(x, y))
}
