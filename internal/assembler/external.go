package assembler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Lllllllleong/storybookflow/internal/artifacts"
	"github.com/Lllllllleong/storybookflow/internal/models"
)

// ErrTypesetFailed wraps failures reported by the typesetting tool.
var ErrTypesetFailed = errors.New("typesetting tool failed")

// External materializes the images into a private scratch directory and
// runs the typesetting tool on a declarative job.
type External struct {
	cfg Config
	src artifacts.Source
}

func (a *External) Assemble(ctx context.Context, job Job) ([]byte, error) {
	id := jobID(job)
	logCtx := slog.With("jobId", id, "strategy", StrategyExternal, "format", job.Format.Key)

	slots := layout(job)
	if len(slots) == 0 {
		return nil, fmt.Errorf("assembler: job %s has no pages", id)
	}

	scratch, err := os.MkdirTemp(a.cfg.ScratchDir, "book-"+strings.ReplaceAll(id, "/", "_")+"-*")
	if err != nil {
		return nil, fmt.Errorf("assembler: create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logCtx.Error("Failed to remove scratch directory.", "path", scratch, "error", err)
		}
	}()

	if err := prefetch(ctx, a.src, slots, a.cfg.Concurrency); err != nil {
		return nil, fmt.Errorf("assembler: prefetch images: %w", err)
	}

	tj, err := a.buildJob(logCtx, scratch, job, slots)
	if err != nil {
		return nil, err
	}

	res, err := a.run(ctx, logCtx, tj)
	if err != nil {
		return nil, err
	}
	if res.PageCount != len(slots) {
		return nil, fmt.Errorf("%w: expected %d pages, tool produced %d", ErrTypesetFailed, len(slots), res.PageCount)
	}

	data, err := os.ReadFile(tj.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("assembler: read typeset output: %w", err)
	}
	logCtx.Info("Document assembled.", "pageCount", res.PageCount, "bytes", len(data))
	return data, nil
}

// buildJob writes fetched images into dir and describes the document.
// Pages whose image is unavailable carry fallback text instead, as does
// a failed cover, so the page count matches the in-process strategy.
func (a *External) buildJob(logCtx *slog.Logger, dir string, job Job, slots []*slot) (models.TypesetJob, error) {
	tj := models.TypesetJob{
		OutputPath: filepath.Join(dir, "book.pdf"),
		Format:     job.Format.Key,
		Pages:      make([]models.TypesetPage, 0, len(slots)),
	}
	for i, s := range slots {
		page := models.TypesetPage{FallbackText: s.fallback}
		if s.err == nil {
			p := filepath.Join(dir, fmt.Sprintf("%03d.img", i))
			if err := os.WriteFile(p, s.data, 0o600); err != nil {
				return models.TypesetJob{}, fmt.Errorf("assembler: write %s: %w", s.label, err)
			}
			page.ImagePath = p
		} else {
			logCtx.Warn("Using fallback page.", "page", s.label, "error", s.err)
		}

		if s.label == "cover" && page.ImagePath != "" {
			tj.CoverImage = page.ImagePath
			continue
		}
		tj.Pages = append(tj.Pages, page)
	}
	return tj, nil
}

func (a *External) run(ctx context.Context, logCtx *slog.Logger, tj models.TypesetJob) (models.TypesetResult, error) {
	payload, err := json.Marshal(tj)
	if err != nil {
		return models.TypesetResult{}, fmt.Errorf("assembler: marshal typeset job: %w", err)
	}

	args := append([]string(nil), a.cfg.ToolArgs...)
	args = append(args, "--dpi="+strconv.Itoa(a.cfg.DPI), string(payload))
	cmd := exec.CommandContext(ctx, a.cfg.ToolPath, args...)
	cmd.Env = append(os.Environ(), a.cfg.ToolEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logCtx.Info("Running typesetting tool.", "tool", a.cfg.ToolPath, "pages", len(tj.Pages))
	runErr := cmd.Run()
	if stderr.Len() > 0 {
		logCtx.Debug("Typesetting tool output.", "stderr", tail(stderr.String(), 2048))
	}

	res, parseErr := parseResult(stdout.Bytes())
	switch {
	case parseErr == nil && !res.Success:
		return res, fmt.Errorf("%w: %s", ErrTypesetFailed, res.Error)
	case runErr != nil:
		return res, fmt.Errorf("%w: %v: %s", ErrTypesetFailed, runErr, tail(stderr.String(), 512))
	case parseErr != nil:
		return res, fmt.Errorf("%w: %v", ErrTypesetFailed, parseErr)
	}
	return res, nil
}

// parseResult reads the last JSON line the tool printed.
func parseResult(out []byte) (models.TypesetResult, error) {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if last == "" {
		return models.TypesetResult{}, fmt.Errorf("empty tool output")
	}
	var res models.TypesetResult
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return models.TypesetResult{}, fmt.Errorf("parse tool result: %w", err)
	}
	return res, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
