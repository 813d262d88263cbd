package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/services"
)

type documentAssembler interface {
	Process(ctx context.Context, req *models.AssembleDocumentRequest) (*models.AssembleDocumentResponse, error)
}

var (
	assemblerInstance documentAssembler
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleAssembleDocument", handleAssembleDocument)
}

func main() {}

// handleAssembleDocument is called by the assembly workflow.
func handleAssembleDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		assemblerInstance, initErr = services.NewAssembler(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Assembler initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	serveAssembleDocument(assemblerInstance, w, r)
}

func serveAssembleDocument(svc documentAssembler, w http.ResponseWriter, r *http.Request) {
	var req models.AssembleDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := svc.Process(r.Context(), &req)
	if err != nil {
		// Error is already logged with context in the Process method.
		switch {
		case errors.Is(err, services.ErrInvalidRequest):
			http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		case errors.Is(err, models.ErrNotFound):
			http.Error(w, "Not Found", http.StatusNotFound)
		default:
			http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error(
			"Failed to write response",
			"error", err,
			"storyId", req.StoryID,
			"executionId", req.ExecutionID,
		)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}
