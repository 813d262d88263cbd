package gcp

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// DefaultImageModel is the Gemini model used for illustrations.
const DefaultImageModel = "gemini-2.0-flash-preview-image-generation"

// --- Illustrator Model Prompts ---
const IllustratorSystemPrompt = "You are an illustrator of children's picture books. You produce exactly one full-page illustration per request, in a warm, consistent style, keeping every recurring character's appearance identical across pages. Never draw text, letters or captions unless explicitly asked to render a book title."

// VertexClient holds the model service and the request configuration for
// illustrations.
type VertexClient struct {
	Models            *genai.Models
	IllustratorModel  string
	IllustratorConfig *genai.GenerateContentConfig
}

// NewVertexClient creates a Vertex AI backed client. An empty modelName
// selects DefaultImageModel.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultImageModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: region,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	return &VertexClient{
		Models:            client.Models,
		IllustratorModel:  modelName,
		IllustratorConfig: NewIllustratorConfig(),
	}, nil
}

// NewIllustratorConfig is the per-request configuration of the illustration
// model. Image models only return pictures when IMAGE is requested as a
// response modality.
func NewIllustratorConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction:  genai.NewContentFromText(IllustratorSystemPrompt, genai.RoleUser),
		ResponseModalities: []string{string(genai.ModalityText), string(genai.ModalityImage)},
		// Some variety between retries of the same page.
		Temperature:    genai.Ptr[float32](0.8),
		CandidateCount: 1,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
		},
	}
}
