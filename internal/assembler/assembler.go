// Package assembler turns a book's finished artwork into a print-ready PDF.
// Two strategies produce the same page geometry: an in-process renderer
// and a call out to the booktypeset tool.
package assembler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/Lllllllleong/storybookflow/internal/artifacts"
	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Strategy names an assembly implementation.
type Strategy string

const (
	StrategyInProcess Strategy = "inprocess"
	StrategyExternal  Strategy = "external"
)

// PageRef points at one finished page image.
type PageRef struct {
	Number   int
	ImageRef string
	Caption  string
}

// Job is everything needed to build one document. It lives only for the
// duration of Assemble.
type Job struct {
	ID       string
	Title    string
	CoverRef string
	Pages    []PageRef
	Format   formats.FormatSpec
}

// DocumentAssembler builds the PDF bytes for a job.
type DocumentAssembler interface {
	Assemble(ctx context.Context, job Job) ([]byte, error)
}

// Config selects and tunes a strategy.
type Config struct {
	Strategy Strategy
	// ToolPath and ToolArgs locate the typesetting tool. ToolArgs come
	// before the job argument.
	ToolPath string
	ToolArgs []string
	ToolEnv  []string
	// ScratchDir hosts per-job scratch directories; empty uses the OS default.
	ScratchDir string
	DPI        int
	// Concurrency bounds image prefetching.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyInProcess
	}
	if c.ToolPath == "" {
		c.ToolPath = "booktypeset"
	}
	if c.DPI <= 0 {
		c.DPI = formats.DefaultDPI
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// ParseStrategy accepts the strategy names case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyInProcess:
		return StrategyInProcess, nil
	case StrategyExternal:
		return StrategyExternal, nil
	default:
		return "", fmt.Errorf("assembler: unknown strategy %q", s)
	}
}

// New returns the assembler for cfg.Strategy reading images from src.
func New(cfg Config, src artifacts.Source) (DocumentAssembler, error) {
	if src == nil {
		return nil, fmt.Errorf("assembler: image source is required")
	}
	cfg = cfg.withDefaults()
	switch cfg.Strategy {
	case StrategyInProcess:
		return &InProcess{cfg: cfg, src: src}, nil
	case StrategyExternal:
		return &External{cfg: cfg, src: src}, nil
	default:
		return nil, fmt.Errorf("assembler: unknown strategy %q", cfg.Strategy)
	}
}

// slot is one document page in final order.
type slot struct {
	label    string
	ref      string
	fallback string
	data     []byte
	err      error
}

// FallbackText is the text printed when a page image is unavailable.
func FallbackText(p PageRef) string {
	if t := strings.TrimSpace(p.Caption); t != "" {
		return t
	}
	return fmt.Sprintf("Page %d", p.Number)
}

func coverFallback(job Job) string {
	if t := strings.TrimSpace(job.Title); t != "" {
		return t
	}
	return "Cover"
}

// layout orders the job: cover first, then pages by number.
func layout(job Job) []*slot {
	pages := append([]PageRef(nil), job.Pages...)
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })

	slots := make([]*slot, 0, len(pages)+1)
	if job.CoverRef != "" {
		slots = append(slots, &slot{label: "cover", ref: job.CoverRef, fallback: coverFallback(job)})
	}
	for _, p := range pages {
		slots = append(slots, &slot{label: fmt.Sprintf("page %d", p.Number), ref: p.ImageRef, fallback: FallbackText(p)})
	}
	return slots
}

// prefetch fetches every slot concurrently. Individual failures are kept
// on the slot; only cancellation fails the whole call.
func prefetch(ctx context.Context, src artifacts.Source, slots []*slot, limit int) error {
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for _, s := range slots {
		s := s
		if s.ref == "" {
			s.err = fmt.Errorf("%s: no image", s.label)
			continue
		}
		eg.Go(func() error {
			s.data, s.err = src.Fetch(gctx, s.ref)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func jobID(job Job) string {
	if job.ID != "" {
		return job.ID
	}
	return uuid.NewString()
}
