// Package illustrator drives the image service for a whole book: one
// request per page, strictly in order, with bounded retries, quota
// detection and per-page progress notification.
package illustrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Lllllllleong/storybookflow/internal/artifacts"
	"github.com/Lllllllleong/storybookflow/internal/artwork"
	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/Lllllllleong/storybookflow/internal/overlay"
	"github.com/Lllllllleong/storybookflow/internal/paginator"
)

// Artifact is generated raster data. PageNumber is 0 for the cover.
type Artifact struct {
	Data       []byte
	MIMEType   string
	Width      int
	Height     int
	PageNumber int
}

// Config tunes an Orchestrator. Unset attempts, DPI, quality and caption
// style take the DefaultConfig value; durations are used as given.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	PageDelay    time.Duration
	DPI          int
	JPEGQuality  int
	Caption      overlay.Style
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  2,
		RetryBackoff: 2 * time.Second,
		PageDelay:    500 * time.Millisecond,
		DPI:          formats.DefaultDPI,
		JPEGQuality:  artwork.DefaultJPEGQuality,
		Caption:      overlay.DefaultStyle(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryBackoff < 0 {
		c.RetryBackoff = 0
	}
	if c.PageDelay < 0 {
		c.PageDelay = 0
	}
	if c.DPI <= 0 {
		c.DPI = d.DPI
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.Caption.Fill == nil {
		c.Caption = d.Caption
	}
	return c
}

// Orchestrator turns page texts into stored illustrations.
type Orchestrator struct {
	gen   ImageGenerator
	store artifacts.Store
	cfg   Config
	// sleep waits out retry backoff and page pacing; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(gen ImageGenerator, store artifacts.Store, cfg Config) *Orchestrator {
	return &Orchestrator{
		gen:   gen,
		store: store,
		cfg:   cfg.withDefaults(),
		sleep: sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GenerateBook illustrates pages in page-number order and returns the
// stored URLs in that order. On failure the URLs of the pages already
// finished are returned alongside the error.
func (o *Orchestrator) GenerateBook(ctx context.Context, meta BookMeta, pages []paginator.PageText, format formats.FormatSpec, obs Observer) ([]string, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	ordered := append([]paginator.PageText(nil), pages...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Number < ordered[j].Number })

	logCtx := slog.With("storyId", meta.StoryID, "format", format.Key, "pageCount", len(ordered))
	logCtx.Info("Starting book illustration.")

	urls := make([]string, 0, len(ordered))

	for i, page := range ordered {
		// PageDelay runs from the end of one page to the start of the next.
		if i > 0 {
			if err := o.sleep(ctx, o.cfg.PageDelay); err != nil {
				return urls, fmt.Errorf("page %d: pacing: %w", page.Number, err)
			}
		}

		prompt := PagePrompt(meta, page, format)
		art, err := o.illustrate(ctx, logCtx, page.Number, prompt, page.Text, format)
		if err != nil {
			logCtx.Error("Page illustration failed.", "pageNumber", page.Number, "error", err)
			return urls, err
		}

		name := artifacts.PageName(meta.StoryID, page.Number, artifacts.Extension(art.MIMEType))
		url, err := o.store.Put(ctx, name, art.MIMEType, art.Data)
		if err != nil {
			return urls, fmt.Errorf("page %d: store artifact: %w", page.Number, err)
		}
		urls = append(urls, url)

		ev := PageEvent{StoryID: meta.StoryID, PageNumber: page.Number, URL: url, Width: art.Width, Height: art.Height}
		if err := obs.PageReady(ctx, ev); err != nil {
			return urls, fmt.Errorf("page %d: notify: %w", page.Number, err)
		}
		logCtx.Info("Page illustrated.", "pageNumber", page.Number, "url", url)
	}

	logCtx.Info("Book illustration complete.")
	return urls, nil
}

// GeneratePage illustrates a single page, as used when a reader asks for a
// page to be redrawn.
func (o *Orchestrator) GeneratePage(ctx context.Context, meta BookMeta, page paginator.PageText, format formats.FormatSpec) (string, error) {
	logCtx := slog.With("storyId", meta.StoryID, "pageNumber", page.Number)
	art, err := o.illustrate(ctx, logCtx, page.Number, PagePrompt(meta, page, format), page.Text, format)
	if err != nil {
		return "", err
	}
	name := artifacts.PageName(meta.StoryID, page.Number, artifacts.Extension(art.MIMEType))
	url, err := o.store.Put(ctx, name, art.MIMEType, art.Data)
	if err != nil {
		return "", fmt.Errorf("page %d: store artifact: %w", page.Number, err)
	}
	return url, nil
}

// GenerateCover makes one cover attempt. It follows the same sizing and
// quota rules as pages but carries no caption.
func (o *Orchestrator) GenerateCover(ctx context.Context, meta BookMeta, format formats.FormatSpec, obs Observer) (string, error) {
	if obs == nil {
		obs = nopObserver{}
	}
	logCtx := slog.With("storyId", meta.StoryID, "format", format.Key)
	logCtx.Info("Generating cover.")

	art, err := o.attempt(ctx, 0, CoverPrompt(meta, format), "", format, false)
	if err != nil {
		if IsQuotaError(err) {
			return "", &QuotaExhaustedError{PageNumber: 0, Cause: err}
		}
		return "", &PageGenerationError{PageNumber: 0, Attempts: 1, Cause: err}
	}

	url, err := o.store.Put(ctx, artifacts.CoverName(meta.StoryID, artifacts.Extension(art.MIMEType)), art.MIMEType, art.Data)
	if err != nil {
		return "", fmt.Errorf("cover: store artifact: %w", err)
	}
	if err := obs.PageReady(ctx, PageEvent{StoryID: meta.StoryID, Cover: true, URL: url, Width: art.Width, Height: art.Height}); err != nil {
		return "", fmt.Errorf("cover: notify: %w", err)
	}
	logCtx.Info("Cover generated.", "url", url)
	return url, nil
}

// illustrate runs the retry loop for one page.
func (o *Orchestrator) illustrate(ctx context.Context, logCtx *slog.Logger, number int, prompt, caption string, format formats.FormatSpec) (*Artifact, error) {
	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		art, err := o.attempt(ctx, number, prompt, caption, format, true)
		if err == nil {
			return art, nil
		}
		if IsQuotaError(err) {
			return nil, &QuotaExhaustedError{PageNumber: number, Cause: err}
		}
		if ctx.Err() != nil {
			return nil, &PageGenerationError{PageNumber: number, Attempts: attempt, Cause: err}
		}
		lastErr = err

		if attempt < o.cfg.MaxAttempts {
			logCtx.Warn("Image generation failed, will retry.",
				"pageNumber", number,
				"attempt", attempt,
				"maxAttempts", o.cfg.MaxAttempts,
				"backoff", o.cfg.RetryBackoff.String(),
				"error", err,
			)
			if err := o.sleep(ctx, o.cfg.RetryBackoff); err != nil {
				return nil, &PageGenerationError{PageNumber: number, Attempts: attempt, Cause: err}
			}
		}
	}
	return nil, &PageGenerationError{PageNumber: number, Attempts: o.cfg.MaxAttempts, Cause: lastErr}
}

// attempt is one request plus post-processing. A response that cannot be
// decoded counts as a failed attempt.
func (o *Orchestrator) attempt(ctx context.Context, number int, prompt, caption string, format formats.FormatSpec, withCaption bool) (*Artifact, error) {
	w, h := format.PixelSize(o.cfg.DPI)
	stream, err := o.gen.GenerateImage(ctx, ImageRequest{Prompt: prompt, Width: w, Height: h})
	if err != nil {
		return nil, err
	}
	raw, err := Collect(stream)
	if err != nil {
		return nil, err
	}

	img, _, err := artwork.Decode(raw.Data)
	if err != nil {
		return nil, err
	}
	filled := artwork.Fill(img, w, h)

	final := filled
	if withCaption {
		final, err = overlay.Render(filled, caption, o.cfg.Caption)
		if err != nil {
			return nil, fmt.Errorf("caption overlay: %w", err)
		}
	}

	data, err := artwork.EncodeJPEG(final, o.cfg.JPEGQuality)
	if err != nil {
		return nil, err
	}
	return &Artifact{Data: data, MIMEType: "image/jpeg", Width: w, Height: h, PageNumber: number}, nil
}
