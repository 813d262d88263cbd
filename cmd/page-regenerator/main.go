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
	"github.com/Lllllllleong/storybookflow/internal/illustrator"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/services"
)

// pageRegenerator is the part of services.IllustratorFunction this handler uses.
type pageRegenerator interface {
	RegeneratePage(ctx context.Context, req *models.RegeneratePageRequest) (*models.RegeneratePageResponse, error)
}

var (
	regeneratorInstance pageRegenerator
	once                sync.Once
	initErr             error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleRegeneratePage", handleRegeneratePage)
}

func main() {}

func handleRegeneratePage(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		regeneratorInstance, initErr = services.NewIllustrator(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Illustrator initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	serveRegeneratePage(regeneratorInstance, w, r)
}

func serveRegeneratePage(svc pageRegenerator, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.RegeneratePageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := svc.RegeneratePage(r.Context(), &req)
	if err != nil {
		// Error is already logged with context in the RegeneratePage method.
		code, msg := statusFor(err)
		http.Error(w, msg, code)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "storyId", req.StoryID, "pageId", req.PageID)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		return http.StatusBadRequest, "Bad Request: " + err.Error()
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, models.ErrQuotaDenied):
		return http.StatusTooManyRequests, "Too Many Requests: regeneration limit reached"
	case errors.Is(err, illustrator.ErrQuotaExhausted):
		return http.StatusServiceUnavailable, "Service Unavailable: image service quota exhausted"
	default:
		return http.StatusInternalServerError, "Internal Server Error: processing failed"
	}
}
