package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateDeploymentParsesStream(t *testing.T) {
	var gotAuth, gotQuery string
	var gotBody CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		fmt.Fprintln(w, "Creating deployment alice-ab12cd34")
		fmt.Fprintln(w, "Port 5000 in use, retrying on 5001")
		fmt.Fprintln(w, "[PORT] 5001")
		fmt.Fprintln(w, "[URL] http://localhost:5001")
		fmt.Fprintln(w, "[DOMAIN ERROR] Failed to provision domain: zone missing")
		fmt.Fprintln(w, "[EXPIRES] 2026-01-01T00:00:00Z")
		fmt.Fprintln(w, TrailerComplete)
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithToken("tok"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	var lines []string
	summary, err := cli.CreateDeployment(context.Background(), CreateRequest{Image: "nginx"}, false, func(line string) {
		lines = append(lines, line)
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if gotAuth != "Bearer tok" || gotQuery != "follow=false" || gotBody.Image != "nginx" {
		t.Fatalf("unexpected request auth=%q query=%q body=%+v", gotAuth, gotQuery, gotBody)
	}
	if summary.Subdomain != "alice-ab12cd34" || summary.Port != 5001 || summary.URL != "http://localhost:5001" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	if summary.DomainError != "Failed to provision domain: zone missing" || summary.Domain != "" {
		t.Fatalf("unexpected domain fields %+v", summary)
	}
	if len(lines) != 7 {
		t.Fatalf("expected 7 lines, got %d", len(lines))
	}
}

func TestStreamErrorMarkers(t *testing.T) {
	cases := map[string]string{
		"[ERROR] port bind failed":      "port bind failed",
		TrailerErrorPrefix + "EOF hit": "EOF hit",
	}
	for last, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintln(w, "booting")
			fmt.Fprintln(w, last)
		}))
		cli, _ := New(srv.URL)
		err := cli.StreamLogs(context.Background(), "a-1", nil)
		srv.Close()
		var streamErr StreamError
		if !errors.As(err, &streamErr) || streamErr.Message != want {
			t.Fatalf("expected stream error %q, got %v", want, err)
		}
	}
}

func TestStreamWithoutTrailer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "booting")
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	if err := cli.StreamLogs(context.Background(), "a-1", nil); err == nil {
		t.Fatalf("expected error for truncated stream")
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Invalid API token"}`))
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	_, err := cli.ListDeployments(context.Background())
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid API token" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestListAndPortMap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/deployments":
			_, _ = w.Write([]byte(`{"deployments":[{"subdomain":"a-1","port":5000,"type":"ephemeral","state":"RUNNING"}]}`))
		case "/api/map":
			_, _ = w.Write([]byte(`{"a-1":5000}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)

	list, err := cli.ListDeployments(context.Background())
	if err != nil || len(list) != 1 || list[0].Port != 5000 || list[0].Type != "ephemeral" {
		t.Fatalf("unexpected list %+v err=%v", list, err)
	}
	ports, err := cli.PortMap(context.Background())
	if err != nil || ports["a-1"] != 5000 {
		t.Fatalf("unexpected map %v err=%v", ports, err)
	}
}

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New("localhost:9000/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://localhost:9000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
}
