package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Lllllllleong/storybookflow/internal/models"
	"github.com/Lllllllleong/storybookflow/internal/services"
	"github.com/stretchr/testify/assert"
)

type stubAssembler struct {
	err error
	got *models.AssembleDocumentRequest
}

func (s *stubAssembler) Process(_ context.Context, req *models.AssembleDocumentRequest) (*models.AssembleDocumentResponse, error) {
	s.got = req
	if s.err != nil {
		return nil, s.err
	}
	return &models.AssembleDocumentResponse{Status: "success", PDFURL: "https://b/s1_book.pdf?v=1", PageCount: 6, FileSize: 1024}, nil
}

func call(svc documentAssembler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	serveAssembleDocument(svc, rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return rec
}

func TestServeAssembleDocument(t *testing.T) {
	svc := &stubAssembler{}
	rec := call(svc, `{"storyId":"s1","executionId":"e1","strategy":"external"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","pdfUrl":"https://b/s1_book.pdf?v=1","pageCount":6,"fileSize":1024}`, rec.Body.String())
	assert.Equal(t, "external", svc.got.Strategy)
}

func TestServeAssembleDocument_Errors(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, call(&stubAssembler{}, `not json`).Code)
	assert.Equal(t, http.StatusBadRequest, call(&stubAssembler{err: fmt.Errorf("%w: x", services.ErrInvalidRequest)}, `{}`).Code)
	assert.Equal(t, http.StatusNotFound, call(&stubAssembler{err: fmt.Errorf("s: %w", models.ErrNotFound)}, `{"storyId":"s"}`).Code)
	assert.Equal(t, http.StatusInternalServerError, call(&stubAssembler{err: errors.New("pdf")}, `{"storyId":"s"}`).Code)
}
