package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"findash/internal/backend"
	"findash/internal/fetch"
	"findash/internal/linking"
	"findash/internal/services"
	"findash/internal/session"
	"findash/internal/storage"
)

func TestJSONResponseBuilder_Basic(t *testing.T) {
	w := httptest.NewRecorder()

	NewJSONResponse().
		Status(http.StatusAccepted).
		Header("X-Custom", "yes").
		Body(map[string]int{"n": 1}).
		Write(w)

	if w.Code != http.StatusAccepted {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusAccepted)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Custom") != "yes" {
		t.Errorf("custom header missing")
	}
	if w.Body.String() != "{\"n\":1}\n" {
		t.Errorf("Body = %q", w.Body.String())
	}
}

func TestJSONResponseBuilder_NoBody(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().Status(http.StatusNoContent).Write(w)
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("code = %d body = %q", w.Code, w.Body.String())
	}
}

func TestJSONResponseBuilder_EncodeFailure(t *testing.T) {
	w := httptest.NewRecorder()
	NewJSONResponse().Body(map[string]any{"f": func() {}}).Write(w)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"invalid query", fmt.Errorf("%w: page", services.ErrInvalidQuery), http.StatusBadRequest},
		{"param", &ParamError{Name: "top", Value: "x"}, http.StatusBadRequest},
		{"expired", fmt.Errorf("fetch accounts: %w", session.ErrSessionExpired), http.StatusUnauthorized},
		{"no session", session.ErrNoSession, http.StatusUnauthorized},
		{"not found", storage.ErrNotFound, http.StatusNotFound},
		{"superseded", fetch.ErrSuperseded, http.StatusConflict},
		{"link closed", linking.ErrClosed, http.StatusConflict},
		{"backend 404", &backend.APIError{Status: 404, Detail: "no such account"}, http.StatusNotFound},
		{"backend 400", &backend.APIError{Status: 400}, http.StatusBadRequest},
		{"backend 500", fmt.Errorf("fetch: %w", &backend.APIError{Status: 500}), http.StatusBadGateway},
		{"unavailable", fmt.Errorf("%w: dial", backend.ErrUnavailable), http.StatusBadGateway},
		{"timeout", fmt.Errorf("GET /api/accounts/: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.err); got != tt.want {
				t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorForHidesInternalErrors(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorFor(errors.New("sqlite: database is locked")).Write(w)

	var body ErrorBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusInternalServerError || body.Error != "internal server error" {
		t.Fatalf("code = %d body = %+v", w.Code, body)
	}

	w = httptest.NewRecorder()
	ErrorFor(&backend.APIError{Status: 503, Detail: "maintenance"}).Write(w)
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusBadGateway || body.Error != "backend returned 503: maintenance" {
		t.Fatalf("code = %d body = %+v", w.Code, body)
	}
}
