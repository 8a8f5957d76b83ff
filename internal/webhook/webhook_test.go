package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDispatch_Success(t *testing.T) {
	var received Record
	var contentType, requestID string
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		contentType = r.Header.Get("Content-Type")
		requestID = r.Header.Get("X-Request-Id")

		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewDispatcher(server.URL, 0, testLogger())
	status, err := d.Dispatch(context.Background(), "recABC", "Good hip rotation.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if calls.Load() != 1 {
		t.Errorf("webhook called %d times, want 1", calls.Load())
	}
	if received.RecordID != "recABC" || received.Analysis != "Good hip rotation." {
		t.Errorf("received = %+v", received)
	}
	if contentType != "application/json" {
		t.Errorf("content-type = %q", contentType)
	}
	if requestID == "" {
		t.Error("missing X-Request-Id header")
	}
}

func TestDispatch_NonOKIsNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"created", http.StatusCreated},
		{"no content", http.StatusNoContent},
		{"bad request", http.StatusBadRequest},
		{"server error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte("nope"))
			}))
			defer server.Close()

			d := NewDispatcher(server.URL, 0, testLogger())
			status, err := d.Dispatch(context.Background(), "rec1", "text")

			var dispatchErr *DispatchError
			if !errors.As(err, &dispatchErr) {
				t.Fatalf("err = %v, want *DispatchError", err)
			}
			if dispatchErr.StatusCode != tt.status || status != tt.status {
				t.Errorf("status = %d / %d, want %d", dispatchErr.StatusCode, status, tt.status)
			}
			if tt.status != http.StatusNoContent && dispatchErr.Body != "nope" {
				t.Errorf("body = %q, want nope", dispatchErr.Body)
			}
			if calls.Load() != 1 {
				t.Errorf("webhook called %d times, want exactly 1", calls.Load())
			}
		})
	}
}

func TestDispatch_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	d := NewDispatcher(url, 0, testLogger())
	_, err := d.Dispatch(context.Background(), "rec1", "text")
	if err == nil {
		t.Fatal("expected error for unreachable webhook")
	}
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		t.Errorf("network failure should not be a *DispatchError")
	}
}

func TestDispatchError_Message(t *testing.T) {
	err := &DispatchError{StatusCode: 422, Body: "invalid record"}
	want := "webhook dispatch failed: HTTP 422: invalid record"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
