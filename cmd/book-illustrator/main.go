package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	illustratorInstance *services.IllustratorFunction
	once                sync.Once
	initErr             error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("IllustrateBook", illustrateBook)
}

// main is required by the Go Functions Framework.
func main() {}

// messagePublishedData is the Pub/Sub envelope Eventarc delivers.
type messagePublishedData struct {
	Message struct {
		Data []byte `json:"data"`
	} `json:"message"`
}

// decodeRequest accepts a Pub/Sub envelope or a bare request body.
func decodeRequest(e cloudevents.Event) (*models.GenerateBookRequest, error) {
	payload := e.Data()
	var envelope messagePublishedData
	if err := json.Unmarshal(payload, &envelope); err == nil && len(envelope.Message.Data) > 0 {
		payload = envelope.Message.Data
	}
	var req models.GenerateBookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("json.Unmarshal: %w", err)
	}
	if req.StoryID == "" {
		return nil, fmt.Errorf("event %s carries no storyId", e.ID())
	}
	return &req, nil
}

func illustrateBook(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		illustratorInstance, initErr = services.NewIllustrator(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	req, err := decodeRequest(e)
	if err != nil {
		// Malformed events are acknowledged, not retried.
		slog.Error("Failed to decode event data", "error", err, "eventId", e.ID(), "data", string(e.Data()))
		return nil
	}

	// The error is already logged with context within the Process method.
	_, err = illustratorInstance.Process(ctx, req)
	return err
}
