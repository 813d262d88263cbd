package services

import (
	"context"

	"github.com/Lllllllleong/storybookflow/internal/models"
)

// BookRepository persists stories and their pages. gcp.FirestoreRepository
// is the production implementation.
type BookRepository interface {
	GetStory(ctx context.Context, storyID string) (*models.Story, error)
	ListPages(ctx context.Context, storyID string) ([]models.Page, error)
	// PutPage writes page number's record, replacing any earlier one, and
	// returns its id.
	PutPage(ctx context.Context, storyID string, number int, text string) (string, error)
	DeletePage(ctx context.Context, storyID, pageID string) error
	UpdatePage(ctx context.Context, storyID, pageID string, u models.PageUpdate) error
	UpdateStory(ctx context.Context, storyID string, u models.StoryUpdate) error
}

// QuotaGate limits page regenerations per owner. Check returns
// models.ErrQuotaDenied when nothing is left.
type QuotaGate interface {
	Check(ctx context.Context, ownerID string) error
	Consume(ctx context.Context, ownerID string) error
}

// WorkflowLauncher starts the assembly workflow and returns the execution name.
type WorkflowLauncher interface {
	Launch(ctx context.Context, argument any) (string, error)
}

func strPtr(s string) *string { return &s }

func intPtr(n int) *int { return &n }
