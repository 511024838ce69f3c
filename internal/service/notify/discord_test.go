package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiscordPostsPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := New(true, srv.URL, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	n.Notify(context.Background(), "Deployment created: alice-1")

	if got["username"] != "Docket Service" || got["content"] != "Deployment created: alice-1" {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	if _, ok := New(false, "http://example.invalid", nil).(Noop); !ok {
		t.Fatalf("expected noop when disabled")
	}
	if _, ok := New(true, "", nil).(Noop); !ok {
		t.Fatalf("expected noop without webhook url")
	}
}

func TestDiscordSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(true, srv.URL, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	n.Notify(context.Background(), "ignored")
}
