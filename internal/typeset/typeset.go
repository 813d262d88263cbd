// Package typeset renders a declarative book job into a full-bleed PDF.
// It backs the booktypeset command, which the external assembly strategy
// runs as a separate process.
package typeset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/storybookflow/internal/artwork"
	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/overlay"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"golang.org/x/image/draw"
)

// ErrNoPages is returned when nothing in the job could be placed.
var ErrNoPages = errors.New("typeset: no pages to place")

// Options configure a run.
type Options struct {
	DPI         int
	JPEGQuality int
	Caption     overlay.Style
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.DPI <= 0 {
		o.DPI = formats.DefaultDPI
	}
	if o.JPEGQuality <= 0 {
		o.JPEGQuality = artwork.DefaultJPEGQuality
	}
	if o.Caption.Fill == nil {
		o.Caption = overlay.DefaultStyle()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Validate checks the fields every job needs.
func Validate(job models.TypesetJob) error {
	if strings.TrimSpace(job.OutputPath) == "" {
		return fmt.Errorf("typeset: output_path is required")
	}
	return nil
}

// Run writes job.OutputPath and describes it. Failures are returned both
// as an error and inside the result.
func Run(ctx context.Context, job models.TypesetJob, opts Options) (models.TypesetResult, error) {
	res, err := run(ctx, job, opts.withDefaults())
	if err != nil {
		return models.TypesetResult{Success: false, Error: err.Error(), OutputPath: job.OutputPath}, err
	}
	return res, nil
}

func run(ctx context.Context, job models.TypesetJob, opts Options) (models.TypesetResult, error) {
	if err := Validate(job); err != nil {
		return models.TypesetResult{}, err
	}
	log := opts.Logger.With("outputPath", job.OutputPath)

	format, ok := formats.Lookup(job.Format)
	if !ok {
		format = formats.Default()
		log.Warn("Unknown format. Using the default.", "requested", job.Format, "format", format.Key)
	}
	wPt, hPt := format.PointSize()
	wPx, hPx := format.PixelSize(opts.DPI)
	log.Info("Typesetting book.", "format", format.Key, "widthIn", format.WidthIn, "heightIn", format.HeightIn, "pages", len(job.Pages))

	outDir := filepath.Dir(job.OutputPath)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return models.TypesetResult{}, fmt.Errorf("typeset: create output directory: %w", err)
	}
	work, err := os.MkdirTemp(outDir, "typeset-*")
	if err != nil {
		return models.TypesetResult{}, fmt.Errorf("typeset: create work dir: %w", err)
	}
	defer os.RemoveAll(work)

	var prepared []string
	place := func(label, imagePath, fallback string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := prepare(imagePath, fallback, wPx, hPx, opts)
		if err != nil {
			return fmt.Errorf("%s: %w", label, err)
		}
		if data == nil {
			log.Warn("Skipping page.", "page", label, "imagePath", imagePath)
			return nil
		}
		p := filepath.Join(work, fmt.Sprintf("%04d.jpg", len(prepared)))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return fmt.Errorf("%s: write prepared image: %w", label, err)
		}
		prepared = append(prepared, p)
		log.Info("Page added.", "page", label)
		return nil
	}

	if job.CoverImage != "" {
		if err := place("cover", job.CoverImage, ""); err != nil {
			return models.TypesetResult{}, err
		}
	}
	for i, page := range job.Pages {
		if err := place(fmt.Sprintf("page %d", i+1), page.ImagePath, page.FallbackText); err != nil {
			return models.TypesetResult{}, err
		}
	}
	if len(prepared) == 0 {
		return models.TypesetResult{}, ErrNoPages
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed

	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: wPt, Height: hPt}
	imp.UserDim = true
	// Images already have the page aspect, so fitting them at full relative
	// scale covers the page edge to edge.
	imp.Pos = types.Center
	imp.Scale = 1.0
	imp.ScaleAbs = false
	imp.InpUnit = types.POINTS

	raw := filepath.Join(work, "raw.pdf")
	if err := api.ImportImagesFile(prepared, raw, imp, conf); err != nil {
		return models.TypesetResult{}, fmt.Errorf("typeset: place images: %w", err)
	}
	if err := api.OptimizeFile(raw, job.OutputPath, conf); err != nil {
		return models.TypesetResult{}, fmt.Errorf("typeset: optimize: %w", err)
	}

	pageCount, err := api.PageCountFile(job.OutputPath)
	if err != nil {
		return models.TypesetResult{}, fmt.Errorf("typeset: count pages: %w", err)
	}
	info, err := os.Stat(job.OutputPath)
	if err != nil {
		return models.TypesetResult{}, fmt.Errorf("typeset: stat output: %w", err)
	}
	log.Info("Book typeset.", "pageCount", pageCount, "fileSize", info.Size())

	return models.TypesetResult{
		Success:    true,
		FileSize:   info.Size(),
		OutputPath: job.OutputPath,
		PageCount:  pageCount,
	}, nil
}

// prepare returns the JPEG for one page, cropped to the exact page aspect.
// Unreadable images fall back to a caption page when text is available; a
// nil result means the page is skipped.
func prepare(imagePath, fallback string, w, h int, opts Options) ([]byte, error) {
	if imagePath != "" {
		data, err := readImage(imagePath)
		if err == nil {
			var jpg []byte
			if _, jpg, err = artwork.Prepare(data, w, h, opts.JPEGQuality); err == nil {
				return jpg, nil
			}
		}
		opts.Logger.Warn("Image unavailable.", "imagePath", imagePath, "error", err)
	}
	if strings.TrimSpace(fallback) == "" {
		return nil, nil
	}
	page, err := FallbackPage(w, h, fallback, opts.Caption)
	if err != nil {
		return nil, err
	}
	return artwork.EncodeJPEG(page, opts.JPEGQuality)
}

func readImage(p string) ([]byte, error) {
	if strings.Contains(p, "://") || strings.HasPrefix(p, "/objects/") || strings.HasPrefix(p, "objects/") {
		return nil, fmt.Errorf("object storage paths must be materialized locally: %s", p)
	}
	return os.ReadFile(p)
}

// FallbackPage renders caption alone on a white page.
func FallbackPage(w, h int, caption string, style overlay.Style) (*image.RGBA, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return overlay.Render(canvas, caption, style)
}
