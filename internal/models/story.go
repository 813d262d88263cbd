package models

import (
	"fmt"
	"time"
)

// Story statuses written by the pipeline.
const (
	StatusPending        = "PENDING"
	StatusIllustrating   = "ILLUSTRATING"
	StatusIllustrated    = "ILLUSTRATED"
	StatusAssembling     = "ASSEMBLING"
	StatusComplete       = "COMPLETE"
	StatusFailed         = "FAILED"
	StatusQuotaExhausted = "QUOTA_EXHAUSTED"
)

// Story is the main record for one book in Firestore.
type Story struct {
	ID                   string    `firestore:"-"`
	OwnerID              string    `firestore:"ownerId,omitempty"`
	Title                string    `firestore:"title,omitempty"`
	Content              string    `firestore:"content,omitempty"`
	Format               string    `firestore:"format,omitempty"`
	PageCount            int       `firestore:"pageCount,omitempty"`
	CharacterDescription string    `firestore:"characterDescription,omitempty"`
	Status               string    `firestore:"status,omitempty"`
	CoverImageURL        string    `firestore:"coverImageUrl,omitempty"`
	PDFURL               string    `firestore:"pdfUrl,omitempty"`
	ErrorDetails         string    `firestore:"errorDetails,omitempty"`
	WorkflowExecutionID  string    `firestore:"workflowExecutionId,omitempty"` // For traceability
	CreatedAt            time.Time `firestore:"createdAt,omitempty"`
	UpdatedAt            time.Time `firestore:"updatedAt,omitempty"`
}

// Page is one illustrated page of a story, stored in the story's pages
// subcollection.
type Page struct {
	ID           string    `firestore:"-"`
	StoryID      string    `firestore:"storyId"`
	PageNumber   int       `firestore:"pageNumber"`
	Text         string    `firestore:"text"`
	ImageURL     string    `firestore:"imageUrl,omitempty"`
	IsGenerating bool      `firestore:"isGenerating"`
	UpdatedAt    time.Time `firestore:"updatedAt,omitempty"`
}

// PageDocID is the document id of a page record. Page numbers map to one
// record each, so rewriting a story's pages replaces rather than adds.
func PageDocID(number int) string {
	return fmt.Sprintf("page_%03d", number)
}

// PageUpdate is a partial page write. A nil ImageURL leaves the image as is.
type PageUpdate struct {
	ImageURL     *string
	IsGenerating bool
}

// StoryUpdate is a partial story write. Nil fields are left untouched.
type StoryUpdate struct {
	Status              string
	CoverImageURL       *string
	PDFURL              *string
	ErrorDetails        *string
	PageCount           *int
	WorkflowExecutionID *string
}
