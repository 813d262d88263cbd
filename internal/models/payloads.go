package models

// These structs define the JSON payloads exchanged between the Cloud
// Workflow, the Cloud Functions and the typesetting tool.

// GenerateBookRequest is the input for the book-illustrator function. It
// arrives as the data of a Pub/Sub CloudEvent.
type GenerateBookRequest struct {
	StoryID     string `json:"storyId"`
	ExecutionID string `json:"executionId,omitempty"`
}

// GenerateBookResponse summarizes an illustration run.
type GenerateBookResponse struct {
	Status        string   `json:"status"`
	CoverImageURL string   `json:"coverImageUrl,omitempty"`
	PageImageURLs []string `json:"pageImageUrls"`
}

// RegeneratePageRequest is the input for the page-regenerator function.
type RegeneratePageRequest struct {
	StoryID    string `json:"storyId"`
	PageID     string `json:"pageId"`
	OwnerID    string `json:"ownerId"`
	PageNumber int    `json:"pageNumber"`
}

// RegeneratePageResponse is the output of the page-regenerator function.
type RegeneratePageResponse struct {
	Status   string `json:"status"`
	ImageURL string `json:"imageUrl"`
}

// AssembleDocumentRequest is the input for the document-assembler function.
type AssembleDocumentRequest struct {
	StoryID     string `json:"storyId"`
	ExecutionID string `json:"executionId,omitempty"`
	// Strategy overrides the configured assembler ("inprocess" or "external").
	Strategy string `json:"strategy,omitempty"`
}

// AssembleDocumentResponse is the output of the document-assembler function.
type AssembleDocumentResponse struct {
	Status    string `json:"status"`
	PDFURL    string `json:"pdfUrl"`
	PageCount int    `json:"pageCount"`
	FileSize  int64  `json:"fileSize"`
}

// TypesetPage is one page entry of a typesetting job.
type TypesetPage struct {
	ImagePath    string `json:"image_path"`
	FallbackText string `json:"fallback_text,omitempty"`
}

// TypesetJob is the declarative job handed to the typesetting tool.
type TypesetJob struct {
	OutputPath string        `json:"output_path"`
	Format     string        `json:"format"`
	CoverImage string        `json:"cover_image,omitempty"`
	Pages      []TypesetPage `json:"pages"`
}

// TypesetResult is what the typesetting tool prints on stdout.
type TypesetResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	FileSize   int64  `json:"file_size"`
	OutputPath string `json:"output_path"`
	PageCount  int    `json:"page_count"`
}
