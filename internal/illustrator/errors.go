package illustrator

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrQuotaExhausted marks a terminal rate-limit or quota failure from the
// image service. It is never retried.
var ErrQuotaExhausted = errors.New("image service quota exhausted")

// ErrNoImage is returned when a response stream carries no image data.
var ErrNoImage = errors.New("image service returned no image")

// QuotaExhaustedError attributes a quota failure to a page. PageNumber is 0
// for the cover.
type QuotaExhaustedError struct {
	PageNumber int
	Cause      error
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("page %d: %v: %v", e.PageNumber, ErrQuotaExhausted, e.Cause)
}

func (e *QuotaExhaustedError) Unwrap() error { return e.Cause }

func (e *QuotaExhaustedError) Is(target error) bool { return target == ErrQuotaExhausted }

// PageGenerationError is returned once a page has used up its attempts.
type PageGenerationError struct {
	PageNumber int
	Attempts   int
	Cause      error
}

func (e *PageGenerationError) Error() string {
	return fmt.Sprintf("page %d failed after %d attempt(s): %v", e.PageNumber, e.Attempts, e.Cause)
}

func (e *PageGenerationError) Unwrap() error { return e.Cause }

var quotaPhrases = []string{
	"quota",
	"rate limit",
	"ratelimit",
	"resource exhausted",
	"resource_exhausted",
	"429",
	"too many requests",
}

// IsQuotaError classifies err as a quota failure. Structured API and gRPC
// codes are checked first; message matching is the fallback for clients
// that only surface text.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExhausted) {
		return true
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.ResourceExhausted {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, phrase := range quotaPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}
