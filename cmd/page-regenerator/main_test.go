package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Lllllllleong/storybookflow/internal/illustrator"
	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/services"
	"github.com/stretchr/testify/assert"
)

type stubRegenerator struct {
	err error
	got *models.RegeneratePageRequest
}

func (s *stubRegenerator) RegeneratePage(_ context.Context, req *models.RegeneratePageRequest) (*models.RegeneratePageResponse, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &models.RegeneratePageResponse{Status: "success", ImageURL: "https://img/p1.jpg?v=1"}, nil
}

func post(svc pageRegenerator, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	serveRegeneratePage(svc, rec, req)
	return rec
}

func TestServeRegeneratePage_Success(t *testing.T) {
	svc := &stubRegenerator{}
	rec := post(svc, `{"storyId":"s1","pageId":"p1","ownerId":"o1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"success","imageUrl":"https://img/p1.jpg?v=1"}`, rec.Body.String())
	assert.Equal(t, "o1", svc.got.OwnerID)
}

func TestServeRegeneratePage_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: missing", services.ErrInvalidRequest), http.StatusBadRequest},
		{services.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("page: %w", models.ErrNotFound), http.StatusNotFound},
		{models.ErrQuotaDenied, http.StatusTooManyRequests},
		{&illustrator.QuotaExhaustedError{PageNumber: 2, Cause: errors.New("429")}, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := post(&stubRegenerator{err: tt.err}, `{"storyId":"s1","pageId":"p1","ownerId":"o1"}`)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
	}
}

func TestServeRegeneratePage_BadInput(t *testing.T) {
	rec := post(&stubRegenerator{}, `{nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	serveRegeneratePage(&stubRegenerator{}, rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
