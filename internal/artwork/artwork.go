// Package artwork prepares generated raster images for print: decoding,
// crop-to-fill resampling to exact print pixels, and compression.
package artwork

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	_ "image/gif"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// DefaultJPEGQuality balances print fidelity against upload size.
const DefaultJPEGQuality = 90

// Decode reads any registered raster format (PNG, JPEG, GIF, WebP).
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("artwork: empty image data")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("artwork: decode image: %w", err)
	}
	return img, format, nil
}

// CoverRect returns the centered source rectangle that, scaled to w x h,
// fills the whole target while keeping the source aspect ratio.
func CoverRect(src image.Rectangle, w, h int) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw == 0 || sh == 0 || w <= 0 || h <= 0 {
		return src
	}
	// Compare sw/sh with w/h without floats.
	if sw*h > sh*w {
		cropW := sh * w / h
		x0 := src.Min.X + (sw-cropW)/2
		return image.Rect(x0, src.Min.Y, x0+cropW, src.Max.Y)
	}
	cropH := sw * h / w
	y0 := src.Min.Y + (sh-cropH)/2
	return image.Rect(src.Min.X, y0, src.Max.X, y0+cropH)
}

// Fill resamples img to exactly w x h pixels, cropping the overflow evenly
// from both sides of the longer axis.
func Fill(img image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// Flatten transparency onto white; print output has no alpha.
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, CoverRect(img.Bounds(), w, h), draw.Over, nil)
	return dst
}

// CropCover crops img to the w:h aspect at its own resolution, flattening
// transparency onto white.
func CropCover(img image.Image, w, h int) *image.RGBA {
	r := CoverRect(img.Bounds(), w, h)
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Over)
	return dst
}

// EncodeJPEG compresses img. Quality outside 1..100 uses the default.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("artwork: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodePNG is used where lossless output matters (tests, fallback pages).
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("artwork: encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// Prepare decodes data, fills it to w x h and JPEG-encodes the result.
func Prepare(data []byte, w, h, quality int) (*image.RGBA, []byte, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	filled := Fill(img, w, h)
	out, err := EncodeJPEG(filled, quality)
	if err != nil {
		return nil, nil, err
	}
	return filled, out, nil
}
