package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loykin/creditwatch/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL, receivedMethod, contentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"credit-history","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "credit-history")
	v := 77
	event := history.Event{
		Type:       history.EventConfirmed,
		OccurredAt: time.Now().UTC(),
		SessionID:  "os-1",
		Path:       "primary",
		Value:      &v,
		Rule:       "quick_confirm",
		Attempts:   2,
		Values:     []int{77, 77},
	}
	if err := sink.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if receivedMethod != http.MethodPost {
		t.Errorf("Expected POST method, got: %s", receivedMethod)
	}
	if receivedURL != "/credit-history/_doc" {
		t.Errorf("Expected URL path /credit-history/_doc, got: %s", receivedURL)
	}
	if contentType != "application/json" {
		t.Errorf("Expected JSON content type, got: %s", contentType)
	}

	var doc map[string]any
	if err := json.Unmarshal(receivedBody, &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["type"] != string(history.EventConfirmed) {
		t.Errorf("Expected type %s, got: %v", history.EventConfirmed, doc["type"])
	}
	if doc["value"] != float64(77) || doc["session_id"] != "os-1" {
		t.Errorf("unexpected document: %v", doc)
	}
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventExhausted})
	if err == nil {
		t.Fatal("expected error for 503 response")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	if err := New(url, "idx").Send(context.Background(), history.Event{}); err == nil {
		t.Fatal("expected connection error")
	}
}
