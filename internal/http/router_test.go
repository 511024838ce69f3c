package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
	"github.com/splax/docket/internal/service/lifecycle"
	"github.com/splax/docket/internal/service/relay"
	"github.com/splax/docket/pkg/jwt"
)

type fakeDeployments struct {
	mu        sync.Mutex
	records   map[string]domain.MappingRecord
	createErr error
	failAfter bool
	lastInput lifecycle.CreateInput
	listErr   error
	deleted   []string
}

func newFakeDeployments(records ...domain.MappingRecord) *fakeDeployments {
	f := &fakeDeployments{records: make(map[string]domain.MappingRecord)}
	for _, record := range records {
		f.records[record.Subdomain] = record
	}
	return f
}

func (f *fakeDeployments) Create(_ context.Context, in lifecycle.CreateInput, progress lifecycle.ProgressFunc) (lifecycle.Result, error) {
	f.mu.Lock()
	f.lastInput = in
	f.mu.Unlock()
	if f.createErr != nil && !f.failAfter {
		return lifecycle.Result{}, f.createErr
	}
	sub := lifecycle.Subdomain(in.OwnerID, "ab000001")
	progress("Creating deployment " + sub)
	if f.createErr != nil {
		return lifecycle.Result{}, f.createErr
	}
	record := domain.MappingRecord{
		Subdomain:      sub,
		Port:           5000,
		DeploymentType: domain.DeploymentPersistent,
		State:          domain.StateRunning,
		ContainerRef:   "c-" + sub,
		ImageRef:       in.Image,
		Env:            in.Env,
	}
	progress("Container created: " + record.ContainerRef)
	progress("[PORT] 5000")
	progress("[URL] http://localhost:5000")
	f.mu.Lock()
	f.records[sub] = record
	f.mu.Unlock()
	return lifecycle.Result{Record: record, URL: "http://localhost:5000"}, nil
}

func (f *fakeDeployments) Get(_ context.Context, subdomain string) (*domain.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[subdomain]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &record, nil
}

func (f *fakeDeployments) List(context.Context) ([]domain.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.MappingRecord, 0, len(f.records))
	for _, record := range f.records {
		out = append(out, record)
	}
	return out, nil
}

func (f *fakeDeployments) Delete(_ context.Context, subdomain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, subdomain)
	f.deleted = append(f.deleted, subdomain)
	return nil
}

func (f *fakeDeployments) Reboot(_ context.Context, ref string) (domain.MappingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[ref]
	if !ok {
		return domain.MappingRecord{}, repository.ErrNotFound
	}
	return record, nil
}

type fakeLogSource struct {
	output string
	err    error
}

func (s fakeLogSource) StreamLogs(_ context.Context, _ string, w io.Writer) error {
	if s.output != "" {
		if _, err := io.WriteString(w, s.output); err != nil {
			return err
		}
	}
	return s.err
}

func newTestRouter(t *testing.T, deps Dependencies) *Router {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if deps.Relay == nil {
		deps.Relay = relay.New(fakeLogSource{output: "booting\n"}, deps.Logger, 0)
	}
	r := NewRouter(deps)
	t.Cleanup(r.Close)
	return r
}

func postDeployment(r *Router, target, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func lines(body string) []string {
	return strings.Split(strings.TrimSuffix(body, "\n"), "\n")
}

func TestCreateDeploymentStreamsProgressAndLogs(t *testing.T) {
	deployments := newFakeDeployments()
	r := newTestRouter(t, Dependencies{Deployments: deployments})

	rec := postDeployment(r, "/deployments", `{"image":"nginx:alpine","env":{"A":"1"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("expected text/plain stream, got %q", ct)
	}
	want := []string{
		"Creating deployment testdeploy-ab000001",
		"Container created: c-testdeploy-ab000001",
		"[PORT] 5000",
		"[URL] http://localhost:5000",
		"booting",
		relay.TrailerComplete,
	}
	got := lines(rec.Body.String())
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("unexpected stream:\n got %q\nwant %q", got, want)
	}
	if deployments.lastInput.Image != "nginx:alpine" || deployments.lastInput.Env["A"] != "1" {
		t.Fatalf("input not forwarded: %+v", deployments.lastInput)
	}
}

func TestCreateDeploymentFollowFalseSkipsLogs(t *testing.T) {
	r := newTestRouter(t, Dependencies{Deployments: newFakeDeployments()})

	rec := postDeployment(r, "/deployments?follow=false", `{"image":"nginx"}`, nil)
	got := lines(rec.Body.String())
	if got[len(got)-1] != relay.TrailerComplete {
		t.Fatalf("expected complete trailer, got %q", got)
	}
	for _, line := range got {
		if line == "booting" {
			t.Fatalf("logs should not be relayed with follow=false")
		}
	}
}

func TestCreateDeploymentLogStreamErrorTrailer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := newTestRouter(t, Dependencies{
		Deployments: newFakeDeployments(),
		Relay:       relay.New(fakeLogSource{output: "partial", err: errors.New("daemon hung up")}, logger, 0),
	})

	rec := postDeployment(r, "/deployments", `{"image":"nginx"}`, nil)
	got := lines(rec.Body.String())
	if last := got[len(got)-1]; last != relay.TrailerErrorPrefix+"daemon hung up" {
		t.Fatalf("expected error trailer, got %q", last)
	}
	if got[len(got)-2] != "partial" {
		t.Fatalf("expected partial output before trailer, got %q", got)
	}
}

func TestCreateDeploymentRejectedBeforeStreaming(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.createErr = fmt.Errorf("%w: image is required", lifecycle.ErrInvalidInput)
	r := newTestRouter(t, Dependencies{Deployments: deployments})

	rec := postDeployment(r, "/deployments", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if !strings.Contains(body["error"], "image is required") {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestCreateDeploymentFailureAppendsErrorLine(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.createErr = &lifecycle.PortBindError{FirstPort: 5000, LastPort: 5009, Attempts: 10, Err: errors.New("port is already allocated")}
	deployments.failAfter = true
	r := newTestRouter(t, Dependencies{Deployments: deployments})

	rec := postDeployment(r, "/deployments", `{"image":"nginx"}`, nil)
	got := lines(rec.Body.String())
	if len(got) != 2 {
		t.Fatalf("expected two lines, got %q", got)
	}
	if !strings.HasPrefix(got[1], "[ERROR] port bind failed after 10 attempts") {
		t.Fatalf("expected error line last, got %q", got[1])
	}
}

func TestCreateDeploymentInvalidPayload(t *testing.T) {
	r := newTestRouter(t, Dependencies{Deployments: newFakeDeployments()})
	rec := postDeployment(r, "/deployments", `{"image":`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateDeploymentServerSentEvents(t *testing.T) {
	r := newTestRouter(t, Dependencies{Deployments: newFakeDeployments()})

	rec := postDeployment(r, "/deployments?follow=false", `{"image":"nginx"}`, http.Header{"Accept": {"text/event-stream"}})
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "data: [PORT] 5000\n\n") {
		t.Fatalf("expected framed port event, got %q", body)
	}
	if !strings.HasSuffix(body, "data: "+relay.TrailerComplete+"\n\n") {
		t.Fatalf("expected framed trailer, got %q", body)
	}
}

func TestAuthRequiredAndInvalid(t *testing.T) {
	r := newTestRouter(t, Dependencies{
		Deployments: newFakeDeployments(),
		Auth:        NewAuthenticator("s3cret", "", ""),
	})

	rec := postDeployment(r, "/deployments", `{"image":"nginx"}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}
	rec = postDeployment(r, "/deployments", `{"image":"nginx"}`, http.Header{"Authorization": {"Bearer wrong"}})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["error"] != "Invalid API token" {
		t.Fatalf("unexpected error message %q", body["error"])
	}
	rec = postDeployment(r, "/deployments?follow=false", `{"image":"nginx"}`, http.Header{"Authorization": {"s3cret"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bare token, got %d", rec.Code)
	}
}

func TestJWTOwnerOverridesPayloadOwner(t *testing.T) {
	deployments := newFakeDeployments()
	r := newTestRouter(t, Dependencies{
		Deployments: deployments,
		Auth:        NewAuthenticator("", "", "jwt-secret"),
	})
	token, err := jwt.GenerateToken("alice", "jwt-secret", time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	rec := postDeployment(r, "/deployments?follow=false", `{"image":"nginx","owner_id":"mallory"}`,
		http.Header{"Authorization": {"Bearer " + token}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if deployments.lastInput.OwnerID != "alice" {
		t.Fatalf("expected owner from token, got %q", deployments.lastInput.OwnerID)
	}
	if !strings.HasPrefix(rec.Body.String(), "Creating deployment alice-ab000001") {
		t.Fatalf("unexpected stream start %q", rec.Body.String())
	}
}

func TestDeployRateLimit(t *testing.T) {
	r := newTestRouter(t, Dependencies{Deployments: newFakeDeployments(), DeployLimit: 1})

	first := postDeployment(r, "/deployments?follow=false", `{"image":"nginx"}`, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected first deploy to pass, got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("expected rate headers, got %v", first.Header())
	}
	second := postDeployment(r, "/deployments?follow=false", `{"image":"nginx"}`, nil)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
}

func TestDeploymentSubroutes(t *testing.T) {
	record := domain.MappingRecord{
		Subdomain:      "bob-1234abcd",
		Port:           5003,
		DeploymentType: domain.DeploymentPersistent,
		State:          domain.StateRunning,
		ContainerRef:   "abc",
		Env:            map[string]string{"SECRET": "x", "A": "y"},
	}
	deployments := newFakeDeployments(record)
	r := newTestRouter(t, Dependencies{Deployments: deployments})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/bob-1234abcd", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view deploymentView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.Port != 5003 || strings.Join(view.EnvKeys, ",") != "A,SECRET" {
		t.Fatalf("unexpected view %+v", view)
	}
	if strings.Contains(rec.Body.String(), `"x"`) {
		t.Fatalf("env values must not be exposed: %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/deployments/bob-1234abcd/reboot", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected reboot 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/bob-1234abcd/reboot", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/deployments/bob-1234abcd", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected delete 200, got %d", rec.Code)
	}
	if len(deployments.deleted) != 1 || deployments.deleted[0] != "bob-1234abcd" {
		t.Fatalf("unexpected deletes %v", deployments.deleted)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments/bob-1234abcd", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestListAndMap(t *testing.T) {
	expires := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)
	deployments := newFakeDeployments(
		domain.MappingRecord{Subdomain: "a-1", Port: 5000, DeploymentType: domain.DeploymentEphemeral, State: domain.StateRunning, ExpiresAt: &expires},
		domain.MappingRecord{Subdomain: "b-2", Port: 5001, DeploymentType: domain.DeploymentPersistent, State: domain.StateRunning},
	)
	r := newTestRouter(t, Dependencies{Deployments: deployments})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/map", nil))
	var ports map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &ports); err != nil {
		t.Fatalf("decode map: %v", err)
	}
	if len(ports) != 2 || ports["a-1"] != 5000 || ports["b-2"] != 5001 {
		t.Fatalf("unexpected map %v", ports)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments", nil))
	var list struct {
		Deployments []deploymentView `json:"deployments"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Deployments) != 2 {
		t.Fatalf("expected 2 deployments, got %d", len(list.Deployments))
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/map-visualizer", nil))
	page := rec.Body.String()
	if !strings.Contains(page, `http-equiv="refresh" content="5"`) {
		t.Fatalf("expected auto refresh meta tag")
	}
	if !strings.Contains(page, "<td>a-1</td><td>5000</td>") || !strings.Contains(page, "2026-01-01T00:00:00Z") {
		t.Fatalf("expected rows in page: %s", page)
	}
}

func TestListStoreUnavailable(t *testing.T) {
	deployments := newFakeDeployments()
	deployments.listErr = repository.Unavailable("list", errors.New("connection refused"))
	r := newTestRouter(t, Dependencies{Deployments: deployments})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/map", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t, Dependencies{
		Deployments: newFakeDeployments(domain.MappingRecord{Subdomain: "a-1", Port: 5000}),
		Health: map[string]func(context.Context) error{
			"store": func(context.Context) error { return nil },
		},
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["deployments"] != float64(1) {
		t.Fatalf("expected deployment count, got %v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected generated request id")
	}

	degraded := newTestRouter(t, Dependencies{
		Deployments: newFakeDeployments(),
		Health: map[string]func(context.Context) error{
			"docker": func(context.Context) error { return errors.New("daemon down") },
		},
	})
	rec = httptest.NewRecorder()
	degraded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLogsOverWebsocket(t *testing.T) {
	deployments := newFakeDeployments(domain.MappingRecord{Subdomain: "a-1", Port: 5000, ContainerRef: "abc"})
	r := newTestRouter(t, Dependencies{Deployments: deployments})
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/deployments/a-1/logs"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []string
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		got = append(got, string(payload))
	}
	if strings.Join(got, "") != "booting\n"+relay.TrailerComplete+"\n" {
		t.Fatalf("unexpected websocket frames %q", got)
	}
}

func TestLogsPlainText(t *testing.T) {
	deployments := newFakeDeployments(domain.MappingRecord{Subdomain: "a-1", Port: 5000, ContainerRef: "abc"})
	r := newTestRouter(t, Dependencies{Deployments: deployments})
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/deployments/a-1/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	var got []string
	for scanner.Scan() {
		got = append(got, scanner.Text())
	}
	if strings.Join(got, "|") != "booting|"+relay.TrailerComplete {
		t.Fatalf("unexpected log lines %q", got)
	}

	missing, err := http.Get(srv.URL + "/deployments/nope/logs")
	if err != nil {
		t.Fatalf("get missing logs: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}
