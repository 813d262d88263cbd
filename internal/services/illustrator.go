package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/Lllllllleong/storybookflow/internal/artifacts"
	"github.com/Lllllllleong/storybookflow/internal/formats"
	"github.com/Lllllllleong/storybookflow/internal/gcp"
	"github.com/Lllllllleong/storybookflow/internal/illustrator"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/paginator"
)

// ErrInvalidRequest marks requests that are missing required fields.
var ErrInvalidRequest = errors.New("invalid request")

// ErrForbidden is returned when the caller does not own the story.
var ErrForbidden = errors.New("story belongs to another owner")

// overviewLimit bounds how much of the story is repeated in every prompt.
const overviewLimit = 1500

type IllustratorConfig struct {
	ProjectID         string
	VertexAIRegion    string
	ImageBackend      string
	ImageModel        string
	HordeAPIKey       string
	ArtifactBucket    string
	ArtifactPrefix    string
	PublicBaseURL     string
	CollectionName    string
	QuotaCollection   string
	RegenerationLimit int
	WorkflowID        string
	WorkflowLocation  string
	TargetPages       int
	Orchestrator      illustrator.Config
}

func loadIllustratorConfig() (*IllustratorConfig, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	bucket := gcp.GetEnv("ARTIFACT_BUCKET", "")
	if bucket == "" {
		return nil, fmt.Errorf("ARTIFACT_BUCKET environment variable must be set")
	}

	d := illustrator.DefaultConfig()
	orch := d
	orch.MaxAttempts = gcp.GetEnvInt("MAX_ATTEMPTS", d.MaxAttempts)
	orch.RetryBackoff = gcp.GetEnvDuration("RETRY_BACKOFF", d.RetryBackoff)
	orch.PageDelay = gcp.GetEnvDuration("PAGE_DELAY", d.PageDelay)
	orch.DPI = gcp.GetEnvInt("PRINT_DPI", d.DPI)

	cfg := &IllustratorConfig{
		ProjectID:         projectID,
		VertexAIRegion:    gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		ImageBackend:      strings.ToLower(gcp.GetEnv("IMAGE_BACKEND", "vertex")),
		ImageModel:        gcp.GetEnv("IMAGE_MODEL", gcp.DefaultImageModel),
		HordeAPIKey:       gcp.GetEnv("HORDE_API_KEY", "0000000000"),
		ArtifactBucket:    bucket,
		ArtifactPrefix:    gcp.GetEnv("ARTIFACT_PREFIX", "books"),
		PublicBaseURL:     gcp.GetEnv("ARTIFACT_PUBLIC_BASE", ""),
		CollectionName:    gcp.GetEnv("FIRESTORE_COLLECTION", "stories"),
		QuotaCollection:   gcp.GetEnv("QUOTA_COLLECTION", "usage"),
		RegenerationLimit: gcp.GetEnvInt("REGENERATION_LIMIT", 10),
		WorkflowLocation:  gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
		WorkflowID:        gcp.GetEnv("WORKFLOW_ID", "book-assembly"),
		TargetPages:       gcp.GetEnvInt("TARGET_PAGES", 5),
		Orchestrator:      orch,
	}
	if cfg.ImageBackend != "vertex" && cfg.ImageBackend != "horde" {
		return nil, fmt.Errorf("IMAGE_BACKEND must be vertex or horde, got %q", cfg.ImageBackend)
	}
	return cfg, nil
}

// IllustratorFunction generates the artwork of a book and regenerates
// single pages on request.
type IllustratorFunction struct {
	repo     BookRepository
	quota    QuotaGate
	launcher WorkflowLauncher
	orch     *illustrator.Orchestrator
	config   IllustratorConfig
}

// NewIllustrator wires the function against Firestore, Cloud Storage,
// Workflows and the configured image backend.
func NewIllustrator(ctx context.Context) (*IllustratorFunction, error) {
	config, err := loadIllustratorConfig()
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
	launcher, err := gcp.NewWorkflowLauncher(ctx, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
	if err != nil {
		return nil, err
	}

	var gen illustrator.ImageGenerator
	switch config.ImageBackend {
	case "horde":
		gen = illustrator.NewHordeGenerator(config.HordeAPIKey)
	default:
		vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.VertexAIRegion, config.ImageModel)
		if err != nil {
			return nil, fmt.Errorf("failed to create vertex client: %w", err)
		}
		gen = illustrator.NewVertexGenerator(vertexClient.Models, vertexClient.IllustratorModel, vertexClient.IllustratorConfig)
	}

	store := artifacts.NewGCSStore(storageClient, config.ArtifactBucket, config.ArtifactPrefix)
	store.PublicBase = config.PublicBaseURL

	f := NewIllustratorWith(
		gcp.NewFirestoreRepository(firestoreClient, config.CollectionName),
		gcp.NewFirestoreQuota(firestoreClient, config.QuotaCollection, config.RegenerationLimit),
		launcher,
		illustrator.New(gen, store, config.Orchestrator),
		*config,
	)
	slog.Info("Illustrator logic initialized.", "backend", config.ImageBackend, "workflowId", config.WorkflowID)
	return f, nil
}

// NewIllustratorWith assembles the function from explicit collaborators.
// A nil launcher skips the assembly hand-off.
func NewIllustratorWith(repo BookRepository, quota QuotaGate, launcher WorkflowLauncher, orch *illustrator.Orchestrator, config IllustratorConfig) *IllustratorFunction {
	if config.TargetPages < 1 {
		config.TargetPages = 5
	}
	return &IllustratorFunction{repo: repo, quota: quota, launcher: launcher, orch: orch, config: config}
}

// Process illustrates a whole story: pagination, page records, cover,
// pages in order, final status and the hand-off to assembly.
func (f *IllustratorFunction) Process(ctx context.Context, req *models.GenerateBookRequest) (*models.GenerateBookResponse, error) {
	if req.StoryID == "" {
		return nil, fmt.Errorf("%w: storyId is required", ErrInvalidRequest)
	}
	logCtx := slog.With("storyId", req.StoryID, "executionId", req.ExecutionID)
	logCtx.Info("Starting book generation.")

	story, err := f.repo.GetStory(ctx, req.StoryID)
	if err != nil {
		logCtx.Error("Failed to load story", "error", err)
		return nil, err
	}
	switch story.Status {
	case models.StatusIllustrating:
		logCtx.Info("Story is already being illustrated. Skipping.")
		return &models.GenerateBookResponse{Status: "skipped", CoverImageURL: story.CoverImageURL, PageImageURLs: []string{}}, nil
	case models.StatusIllustrated, models.StatusAssembling, models.StatusComplete:
		logCtx.Info("Story already illustrated. Skipping.", "status", story.Status)
		return &models.GenerateBookResponse{Status: "skipped", CoverImageURL: story.CoverImageURL, PageImageURLs: []string{}}, nil
	}
	if strings.TrimSpace(story.Content) == "" {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "story has no content", ErrInvalidRequest)
	}

	format := formats.Resolve(story.Format)
	target := story.PageCount
	if target < 1 {
		target = f.config.TargetPages
	}
	pages := paginator.Split(story.Content, target)
	logCtx = logCtx.With("format", format.Key, "pageCount", len(pages))

	update := models.StoryUpdate{Status: models.StatusIllustrating, PageCount: intPtr(len(pages))}
	if req.ExecutionID != "" {
		update.WorkflowExecutionID = strPtr(req.ExecutionID)
	}
	if err := f.repo.UpdateStory(ctx, req.StoryID, update); err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to update status to ILLUSTRATING", err)
	}

	pageIDs := make(map[int]string, len(pages))
	for _, p := range pages {
		id, err := f.repo.PutPage(ctx, req.StoryID, p.Number, p.Text)
		if err != nil {
			return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to create page records", err)
		}
		pageIDs[p.Number] = id
	}
	if err := f.removeStalePages(ctx, logCtx, req.StoryID, pageIDs); err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to remove stale page records", err)
	}
	logCtx.Info("Page records created.")

	meta := illustrator.BookMeta{
		StoryID:              req.StoryID,
		Title:                story.Title,
		Overview:             overview(story.Content),
		CharacterDescription: story.CharacterDescription,
	}

	coverURL, err := f.orch.GenerateCover(ctx, meta, format, nil)
	switch {
	case errors.Is(err, illustrator.ErrQuotaExhausted):
		return nil, f.failBook(ctx, logCtx, req.StoryID, pages, pageIDs, nil, err)
	case err != nil:
		// The book is still printable without a cover.
		logCtx.Warn("Cover generation failed. Continuing without a cover.", "error", err)
	default:
		if err := f.repo.UpdateStory(ctx, req.StoryID, models.StoryUpdate{CoverImageURL: strPtr(coverURL)}); err != nil {
			return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to save cover", err)
		}
	}

	saved := make(map[int]bool, len(pages))
	persist := illustrator.ObserverFunc(func(ctx context.Context, ev illustrator.PageEvent) error {
		if err := f.repo.UpdatePage(ctx, ev.StoryID, pageIDs[ev.PageNumber], models.PageUpdate{ImageURL: strPtr(ev.URL)}); err != nil {
			return err
		}
		saved[ev.PageNumber] = true
		return nil
	})
	urls, err := f.orch.GenerateBook(ctx, meta, pages, format, persist)
	if err != nil {
		return nil, f.failBook(ctx, logCtx, req.StoryID, pages, pageIDs, saved, err)
	}

	if err := f.repo.UpdateStory(ctx, req.StoryID, models.StoryUpdate{Status: models.StatusIllustrated}); err != nil {
		return nil, f.handleError(ctx, logCtx, req.StoryID, "failed to update status to ILLUSTRATED", err)
	}
	if err := f.triggerAssembly(ctx, logCtx, req.StoryID); err != nil {
		return nil, err
	}

	logCtx.Info("Book generation complete.")
	return &models.GenerateBookResponse{Status: "success", CoverImageURL: coverURL, PageImageURLs: urls}, nil
}

// RegeneratePage redraws one page. Quota is checked first and consumed only
// once the new image is saved.
func (f *IllustratorFunction) RegeneratePage(ctx context.Context, req *models.RegeneratePageRequest) (*models.RegeneratePageResponse, error) {
	if req.StoryID == "" || req.OwnerID == "" || (req.PageID == "" && req.PageNumber < 1) {
		return nil, fmt.Errorf("%w: storyId, ownerId and pageId or pageNumber are required", ErrInvalidRequest)
	}
	logCtx := slog.With("storyId", req.StoryID, "pageId", req.PageID, "ownerId", req.OwnerID)

	if err := f.quota.Check(ctx, req.OwnerID); err != nil {
		logCtx.Warn("Regeneration refused.", "error", err)
		return nil, err
	}

	story, err := f.repo.GetStory(ctx, req.StoryID)
	if err != nil {
		logCtx.Error("Failed to load story", "error", err)
		return nil, err
	}
	if story.OwnerID != req.OwnerID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, req.StoryID)
	}
	page, err := f.findPage(ctx, req)
	if err != nil {
		return nil, err
	}
	logCtx = logCtx.With("pageNumber", page.PageNumber)

	if err := f.repo.UpdatePage(ctx, req.StoryID, page.ID, models.PageUpdate{IsGenerating: true}); err != nil {
		logCtx.Error("Failed to mark page as generating", "error", err)
		return nil, err
	}

	meta := illustrator.BookMeta{
		StoryID:              req.StoryID,
		Title:                story.Title,
		Overview:             overview(story.Content),
		CharacterDescription: story.CharacterDescription,
	}
	text := paginator.PageText{Number: page.PageNumber, Text: page.Text}
	url, err := f.orch.GeneratePage(ctx, meta, text, formats.Resolve(story.Format))
	if err != nil {
		logCtx.Error("Page regeneration failed.", "error", err)
		if uerr := f.repo.UpdatePage(ctx, req.StoryID, page.ID, models.PageUpdate{}); uerr != nil {
			logCtx.Error("CRITICAL: Failed to clear generating flag.", "updateError", uerr)
		}
		return nil, err
	}

	if err := f.repo.UpdatePage(ctx, req.StoryID, page.ID, models.PageUpdate{ImageURL: strPtr(url)}); err != nil {
		logCtx.Error("Failed to save regenerated page", "error", err)
		return nil, err
	}
	if err := f.quota.Consume(ctx, req.OwnerID); err != nil {
		// The image is saved; usage accounting is best effort.
		logCtx.Error("Failed to record regeneration usage.", "error", err)
	}
	logCtx.Info("Page regenerated.", "url", url)
	return &models.RegeneratePageResponse{Status: "success", ImageURL: url}, nil
}

// removeStalePages deletes page records left by an earlier run that are not
// part of the current pagination.
func (f *IllustratorFunction) removeStalePages(ctx context.Context, logCtx *slog.Logger, storyID string, keep map[int]string) error {
	existing, err := f.repo.ListPages(ctx, storyID)
	if err != nil {
		return err
	}
	for _, p := range existing {
		if keep[p.PageNumber] == p.ID {
			continue
		}
		if err := f.repo.DeletePage(ctx, storyID, p.ID); err != nil {
			return err
		}
		logCtx.Info("Removed stale page record.", "pageId", p.ID, "pageNumber", p.PageNumber)
	}
	return nil
}

func (f *IllustratorFunction) findPage(ctx context.Context, req *models.RegeneratePageRequest) (*models.Page, error) {
	pages, err := f.repo.ListPages(ctx, req.StoryID)
	if err != nil {
		return nil, err
	}
	for i := range pages {
		p := &pages[i]
		if (req.PageID != "" && p.ID == req.PageID) || (req.PageID == "" && p.PageNumber == req.PageNumber) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("page %q (number %d) of story %s: %w", req.PageID, req.PageNumber, req.StoryID, models.ErrNotFound)
}

func (f *IllustratorFunction) triggerAssembly(ctx context.Context, logCtx *slog.Logger, storyID string) error {
	if f.launcher == nil {
		return nil
	}
	logCtx.Info("Triggering assembly workflow.")
	name, err := f.launcher.Launch(ctx, map[string]interface{}{"storyId": storyID})
	if err != nil {
		return f.handleError(ctx, logCtx, storyID, "failed to trigger workflow execution", err)
	}
	if err := f.repo.UpdateStory(ctx, storyID, models.StoryUpdate{WorkflowExecutionID: strPtr(name)}); err != nil {
		logCtx.Warn("Failed to record workflow execution.", "execution", name, "error", err)
	}
	return nil
}

// failBook records a generation failure. Pages that never got an image stop
// showing as in progress; finished pages keep their artwork.
func (f *IllustratorFunction) failBook(ctx context.Context, logCtx *slog.Logger, storyID string, pages []paginator.PageText, pageIDs map[int]string, saved map[int]bool, cause error) error {
	for _, p := range pages {
		if saved[p.Number] {
			continue
		}
		if err := f.repo.UpdatePage(ctx, storyID, pageIDs[p.Number], models.PageUpdate{}); err != nil {
			logCtx.Error("Failed to clear generating flag.", "pageNumber", p.Number, "error", err)
		}
	}

	status := models.StatusFailed
	if errors.Is(cause, illustrator.ErrQuotaExhausted) {
		status = models.StatusQuotaExhausted
	}
	logCtx.Error("Book generation failed.", "status", status, "error", cause)
	details := cause.Error()
	if err := f.repo.UpdateStory(ctx, storyID, models.StoryUpdate{Status: status, ErrorDetails: &details}); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status after a generation error.", "updateError", err)
	}
	return cause
}

func (f *IllustratorFunction) handleError(ctx context.Context, logCtx *slog.Logger, storyID, message string, originalErr error) error {
	return markFailed(ctx, f.repo, logCtx, storyID, message, originalErr)
}

// markFailed logs, marks the story FAILED and returns the combined error.
func markFailed(ctx context.Context, repo BookRepository, logCtx *slog.Logger, storyID, message string, originalErr error) error {
	fullError := fmt.Errorf("%s: %w", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	details := fullError.Error()
	if err := repo.UpdateStory(ctx, storyID, models.StoryUpdate{Status: models.StatusFailed, ErrorDetails: &details}); err != nil {
		logCtx.Error("CRITICAL: Failed to update Firestore status to FAILED after a processing error.", "updateError", err)
	}
	return fullError
}

func overview(content string) string {
	content = strings.TrimSpace(content)
	r := []rune(content)
	if len(r) <= overviewLimit {
		return content
	}
	return strings.TrimSpace(string(r[:overviewLimit])) + "..."
}
