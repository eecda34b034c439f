package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apptrail-sh/bluegreen/internal/model"
)

func TestHTTPPublisher_PostsNotification(t *testing.T) {
	var got model.Notification
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	p := NewHTTPPublisher(server.URL, "bluegreen/test", map[string]string{"Authorization": "Bearer token"})
	defer func() { _ = p.Close() }()

	n := model.Notification{EventID: "e-1", App: "shop", Status: "deploy__failed", PipelineStatus: model.PipelineNotRunning}
	if err := p.PublishNotification(context.Background(), n); err != nil {
		t.Fatalf("PublishNotification: %v", err)
	}
	if got.EventID != "e-1" || got.Status != "deploy__failed" {
		t.Errorf("received %+v", got)
	}
	if auth != "Bearer token" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestHTTPPublisher_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad payload"}`))
	}))
	defer server.Close()

	p := NewHTTPPublisher(server.URL, "bluegreen/test", nil)
	defer func() { _ = p.Close() }()

	if err := p.PublishNotification(context.Background(), model.Notification{EventID: "e-2"}); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
