package services

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/storybookflow/internal/artifacts"
	"github.com/Lllllllleong/storybookflow/internal/assembler"
	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/Lllllllleong/storybookflow/internal/gcp"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

type AssemblerConfig struct {
	ProjectID      string
	ArtifactBucket string
	ArtifactPrefix string
	PublicBaseURL  string
	CollectionName string
	ImageCacheTTL  time.Duration
	Assembler      assembler.Config
}

func loadAssemblerConfig() (*AssemblerConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	bucket := gcp.GetEnv("ARTIFACT_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_BUCKET environment variable must be set")
	}
	strategy, err := assembler.ParseStrategy(gcp.GetEnv("ASSEMBLY_STRATEGY", string(assembler.StrategyInProcess)))
	if err != nil {
		return nil, err
	}

	var toolArgs []string
	if raw := gcp.GetEnv("TYPESET_TOOL_ARGS", ""); raw != "" {
		toolArgs = strings.Fields(raw)
	}
	return &AssemblerConfig{
		ProjectID:      projectID,
		ArtifactBucket: bucket,
		ArtifactPrefix: gcp.GetEnv("ARTIFACT_PREFIX", "books"),
		PublicBaseURL:  gcp.GetEnv("ARTIFACT_PUBLIC_BASE", ""),
		CollectionName: gcp.GetEnv("FIRESTORE_COLLECTION", "stories"),
		ImageCacheTTL:  gcp.GetEnvDuration("IMAGE_CACHE_TTL", 30*time.Minute),
		Assembler: assembler.Config{
			Strategy:    strategy,
			ToolPath:    gcp.GetEnv("TYPESET_TOOL", "booktypeset"),
			ToolArgs:    toolArgs,
			ScratchDir:  gcp.GetEnv("SCRATCH_DIR", ""),
			DPI:         gcp.GetEnvInt("PRINT_DPI", formats.DefaultDPI),
			Concurrency: gcp.GetEnvInt("FETCH_CONCURRENCY", 4),
		},
	}, nil
}

// AssemblerFunction builds the print PDF of an illustrated story.
type AssemblerFunction struct {
	repo   BookRepository
	store  artifacts.Store
	source artifacts.Source
	config AssemblerConfig
}

func NewAssembler(ctx context.Context) (*AssemblerFunction, error) {
	config, err := loadAssemblerConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	store := artifacts.NewGCSStore(storageClient, config.ArtifactBucket, config.ArtifactPrefix)
	store.PublicBase = config.PublicBaseURL
	// Warm instances serve repeated assemblies of the same book from memory.
	source := artifacts.NewCachedSource(artifacts.Router{
		GCS:   artifacts.NewGCSSource(storageClient),
		Local: artifacts.FileSource{},
	}, config.ImageCacheTTL)

	slog.Info("Assembler logic initialized.", "strategy", config.Assembler.Strategy)
	return NewAssemblerWith(gcp.NewFirestoreRepository(firestoreClient, config.CollectionName), store, source, *config), nil
}

func NewAssemblerWith(repo BookRepository, store artifacts.Store, source artifacts.Source, config AssemblerConfig) *AssemblerFunction {
	return &AssemblerFunction{repo: repo, store: store, source: source, config: config}
}

// Process assembles, stores and records the story's PDF.
func (f *AssemblerFunction) Process(ctx context.Context, req *models.AssembleDocumentRequest) (*models.AssembleDocumentResponse, error) {
	if req.StoryID == "" {
		return nil, fmt.Errorf("%w: storyId is required", ErrInvalidRequest)
	}
	logCtx := slog.With("storyId", req.StoryID, "executionId", req.ExecutionID)
	logCtx.Info("Starting document assembly.")

	cfg := f.config.Assembler
	if req.Strategy != "" {
		strategy, err := assembler.ParseStrategy(req.Strategy)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		cfg.Strategy = strategy
	}

	story, err := f.repo.GetStory(ctx, req.StoryID)
	if err != nil {
		logCtx.Error("Failed to load story", "error", err)
		return nil, err
	}
	pages, err := f.repo.ListPages(ctx, req.StoryID)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to list pages", err)
	}
	if len(pages) == 0 {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "story has no pages", models.ErrNotFound)
	}

	if err := f.repo.UpdateStory(ctx, req.StoryID, models.StoryUpdate{Status: models.StatusAssembling}); err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to update status to ASSEMBLING", err)
	}

	job := BuildJob(story, pages)
	asm, err := assembler.New(cfg, f.source)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to create assembler", err)
	}
	data, err := asm.Assemble(ctx, job)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to assemble document", err)
	}

	pageCount, err := CountPages(data)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "assembled document is unreadable", err)
	}

	url, err := f.store.Put(ctx, artifacts.DocumentName(req.StoryID), "application/pdf", data)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to save document", err)
	}

	update := models.StoryUpdate{Status: models.StatusComplete, PDFURL: strPtr(url)}
	if err := f.repo.UpdateStory(ctx, req.StoryID, update); err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to update status to COMPLETE", err)
	}

	logCtx.Info("Document assembly complete.", "strategy", cfg.Strategy, "pageCount", pageCount, "fileSize", len(data), "url", url)
	return &models.AssembleDocumentResponse{
		Status:    "success",
		PDFURL:    url,
		PageCount: pageCount,
		FileSize:  int64(len(data)),
	}, nil
}

func (f *AssemblerFunction) handleError(ctx context.Context, logCtx *slog.Logger, storyID, message string, originalErr error) error {
	return markFailed(ctx, f.repo, logCtx, storyID, message, originalErr)
}

// BuildJob describes the story's document: cover, then pages captioned
// with their own text.
func BuildJob(story *models.Story, pages []models.Page) assembler.Job {
	job := assembler.Job{
		ID:       story.ID,
		Title:    story.Title,
		CoverRef: story.CoverImageURL,
		Format:   formats.Resolve(story.Format),
		Pages:    make([]assembler.PageRef, 0, len(pages)),
	}
	for _, p := range pages {
		job.Pages = append(job.Pages, assembler.PageRef{Number: p.PageNumber, ImageRef: p.ImageURL, Caption: p.Text})
	}
	return job
}

// CountPages reads the page count of a PDF.
func CountPages(data []byte) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return api.PageCount(bytes.NewReader(data), conf)
}
