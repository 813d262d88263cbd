package gcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

const pagesCollection = "pages"

// FirestoreRepository stores stories and their pages. Pages live in a
// subcollection of the story document.
type FirestoreRepository struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

func NewFirestoreRepository(client *firestore.Client, collection string) *FirestoreRepository {
	return &FirestoreRepository{client: client, collection: collection, now: time.Now}
}

func (r *FirestoreRepository) story(storyID string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(storyID)
}

func (r *FirestoreRepository) GetStory(ctx context.Context, storyID string) (*models.Story, error) {
	snap, err := r.story(storyID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("story %s: %w", storyID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read story %s: %w", storyID, err)
	}
	var s models.Story
	if err := snap.DataTo(&s); err != nil {
		return nil, fmt.Errorf("failed to decode story %s: %w", storyID, err)
	}
	s.ID = snap.Ref.ID
	return &s, nil
}

// ListPages returns the story's pages ordered by page number.
func (r *FirestoreRepository) ListPages(ctx context.Context, storyID string) ([]models.Page, error) {
	it := r.story(storyID).Collection(pagesCollection).Documents(ctx)
	defer it.Stop()

	var pages []models.Page
	for {
		snap, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list pages of story %s: %w", storyID, err)
		}
		var p models.Page
		if err := snap.DataTo(&p); err != nil {
			return nil, fmt.Errorf("failed to decode page %s: %w", snap.Ref.ID, err)
		}
		p.ID = snap.Ref.ID
		pages = append(pages, p)
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	return pages, nil
}

// PutPage overwrites the page record for number with a fresh one marked as
// generating. Any earlier image is dropped.
func (r *FirestoreRepository) PutPage(ctx context.Context, storyID string, number int, text string) (string, error) {
	page := models.Page{
		StoryID:      storyID,
		PageNumber:   number,
		Text:         text,
		IsGenerating: true,
		UpdatedAt:    r.now(),
	}
	id := models.PageDocID(number)
	if _, err := r.story(storyID).Collection(pagesCollection).Doc(id).Set(ctx, page); err != nil {
		return "", fmt.Errorf("failed to write page %d of story %s: %w", number, storyID, err)
	}
	return id, nil
}

func (r *FirestoreRepository) DeletePage(ctx context.Context, storyID, pageID string) error {
	if _, err := r.story(storyID).Collection(pagesCollection).Doc(pageID).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete page %s of story %s: %w", pageID, storyID, err)
	}
	return nil
}

func (r *FirestoreRepository) UpdatePage(ctx context.Context, storyID, pageID string, u models.PageUpdate) error {
	ref := r.story(storyID).Collection(pagesCollection).Doc(pageID)
	if _, err := ref.Update(ctx, PageUpdates(u, r.now())); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("page %s: %w", pageID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to update page %s: %w", pageID, err)
	}
	return nil
}

func (r *FirestoreRepository) UpdateStory(ctx context.Context, storyID string, u models.StoryUpdate) error {
	if _, err := r.story(storyID).Update(ctx, StoryUpdates(u, r.now())); err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("story %s: %w", storyID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to update story %s: %w", storyID, err)
	}
	return nil
}

// PageUpdates converts a partial page write into Firestore field updates.
func PageUpdates(u models.PageUpdate, now time.Time) []firestore.Update {
	updates := []firestore.Update{
		{Path: "isGenerating", Value: u.IsGenerating},
		{Path: "updatedAt", Value: now},
	}
	if u.ImageURL != nil {
		updates = append(updates, firestore.Update{Path: "imageUrl", Value: *u.ImageURL})
	}
	return updates
}

// StoryUpdates converts a partial story write into Firestore field updates.
func StoryUpdates(u models.StoryUpdate, now time.Time) []firestore.Update {
	updates := []firestore.Update{{Path: "updatedAt", Value: now}}
	if u.Status != "" {
		updates = append(updates, firestore.Update{Path: "status", Value: u.Status})
	}
	if u.CoverImageURL != nil {
		updates = append(updates, firestore.Update{Path: "coverImageUrl", Value: *u.CoverImageURL})
	}
	if u.PDFURL != nil {
		updates = append(updates, firestore.Update{Path: "pdfUrl", Value: *u.PDFURL})
	}
	if u.ErrorDetails != nil {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: *u.ErrorDetails})
	}
	if u.PageCount != nil {
		updates = append(updates, firestore.Update{Path: "pageCount", Value: *u.PageCount})
	}
	if u.WorkflowExecutionID != nil {
		updates = append(updates, firestore.Update{Path: "workflowExecutionId", Value: *u.WorkflowExecutionID})
	}
	return updates
}

// FirestoreQuota counts page regenerations per owner against a fixed limit.
type FirestoreQuota struct {
	client     *firestore.Client
	collection string
	Limit      int
}

func NewFirestoreQuota(client *firestore.Client, collection string, limit int) *FirestoreQuota {
	return &FirestoreQuota{client: client, collection: collection, Limit: limit}
}

type usage struct {
	Regenerations int `firestore:"regenerations"`
}

// Check returns models.ErrQuotaDenied when the owner has used up the limit.
func (q *FirestoreQuota) Check(ctx context.Context, ownerID string) error {
	if ownerID == "" {
		return fmt.Errorf("quota: owner id is required")
	}
	snap, err := q.client.Collection(q.collection).Doc(ownerID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("quota: read usage for %s: %w", ownerID, err)
	}
	var u usage
	if err := snap.DataTo(&u); err != nil {
		return fmt.Errorf("quota: decode usage for %s: %w", ownerID, err)
	}
	return CheckUsage(u.Regenerations, q.Limit)
}

// Consume records one regeneration.
func (q *FirestoreQuota) Consume(ctx context.Context, ownerID string) error {
	_, err := q.client.Collection(q.collection).Doc(ownerID).Set(ctx, map[string]interface{}{
		"regenerations": firestore.Increment(1),
		"updatedAt":     firestore.ServerTimestamp,
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("quota: record usage for %s: %w", ownerID, err)
	}
	return nil
}

// CheckUsage applies the limit; a limit of zero or less disables it.
func CheckUsage(used, limit int) error {
	if limit > 0 && used >= limit {
		return fmt.Errorf("%w: %d of %d used", models.ErrQuotaDenied, used, limit)
	}
	return nil
}
