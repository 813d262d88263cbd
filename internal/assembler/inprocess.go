package assembler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/storybookflow/internal/artifacts"
	"github.com/Lllllllleong/storybookflow/internal/artwork"
	"github.com/jung-kurt/gofpdf"
)

// InProcess renders the document with gofpdf.
type InProcess struct {
	cfg Config
	src artifacts.Source
}

func (a *InProcess) Assemble(ctx context.Context, job Job) ([]byte, error) {
	id := jobID(job)
	logCtx := slog.With("jobId", id, "strategy", StrategyInProcess, "format", job.Format.Key)

	slots := layout(job)
	if len(slots) == 0 {
		return nil, fmt.Errorf("assembler: job %s has no pages", id)
	}
	if err := prefetch(ctx, a.src, slots, a.cfg.Concurrency); err != nil {
		return nil, fmt.Errorf("assembler: prefetch images: %w", err)
	}

	w, h := job.Format.PointSize()
	pdf := gofpdf.NewCustom(&gofpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           gofpdf.SizeType{Wd: w, Ht: h},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(job.Title, true)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	wPx, hPx := job.Format.PixelSize(a.cfg.DPI)
	for i, s := range slots {
		pdf.AddPage()
		if s.err == nil {
			err := placeImage(pdf, fmt.Sprintf("img%d", i), s.data, w, h, wPx, hPx)
			if err == nil {
				continue
			}
			s.err = err
		}
		logCtx.Warn("Using fallback page.", "page", s.label, "error", s.err)
		fallbackPage(pdf, tr(s.fallback), w, h)
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("assembler: render pdf: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("assembler: write pdf: %w", err)
	}
	logCtx.Info("Document assembled.", "pageCount", len(slots), "bytes", buf.Len())
	return buf.Bytes(), nil
}

// placeImage draws data full-bleed. The image is center-cropped to the page
// aspect first, so scaling to the page box is the max-scale fit.
func placeImage(pdf *gofpdf.Fpdf, name string, data []byte, w, h float64, wPx, hPx int) error {
	img, kind, err := artwork.Decode(data)
	if err != nil {
		return err
	}
	jpg := data
	if kind != "jpeg" || artwork.CoverRect(img.Bounds(), wPx, hPx) != img.Bounds() {
		jpg, err = artwork.EncodeJPEG(artwork.CropCover(img, wPx, hPx), artwork.DefaultJPEGQuality)
		if err != nil {
			return err
		}
	}
	opts := gofpdf.ImageOptions{ImageType: "JPG"}
	pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(jpg))
	if err := pdf.Error(); err != nil {
		return fmt.Errorf("register image: %w", err)
	}
	pdf.ImageOptions(name, 0, 0, w, h, false, opts, 0, "")
	return pdf.Error()
}

func fallbackPage(pdf *gofpdf.Fpdf, text string, w, h float64) {
	size := h * 0.04
	if size < 10 {
		size = 10
	}
	margin := w * 0.15
	lineH := size * 1.3

	pdf.SetFont("Helvetica", "B", size)
	pdf.SetTextColor(0, 0, 0)
	lines := pdf.SplitLines([]byte(text), w-2*margin)
	blockH := float64(len(lines)) * lineH
	pdf.SetXY(margin, (h-blockH)/2)
	pdf.MultiCell(w-2*margin, lineH, text, "", "C", false)
}
