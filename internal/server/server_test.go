package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"botforge/internal/pipeline"
	"botforge/internal/provider"
	"botforge/internal/sandbox"
)

// fixedService always answers with the same content.
type fixedService struct {
	name    string
	content string
	fail    bool
	mu      sync.Mutex
	calls   int
}

func (s *fixedService) Name() string            { return s.name }
func (s *fixedService) DefaultModel() string    { return s.name + "-default" }
func (s *fixedService) SupportsStreaming() bool { return false }

func (s *fixedService) Capabilities() provider.Capabilities {
	return provider.Capabilities{MaxContextTokens: 200_000}
}

func (s *fixedService) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail {
		return nil, fmt.Errorf("%s: down", s.name)
	}
	return &provider.Response{Content: s.content, Provider: s.name}, nil
}

func (s *fixedService) GenerateStream(ctx context.Context, req *provider.Request) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	close(chunks)
	errs <- fmt.Errorf("%s: no streaming", s.name)
	close(errs)
	return chunks, errs
}

func newTestServer(t *testing.T, svc *fixedService) *httptest.Server {
	t.Helper()
	box, err := sandbox.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	router := provider.NewRouter()
	if svc != nil {
		router.Register(svc)
	}
	runner := pipeline.NewRunner(box, router, nil, nil, pipeline.NewSkillSet(""))

	s := New(Options{
		Runner:  runner,
		Router:  router,
		Version: "test",
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", strings.NewReader(string(raw)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, &fixedService{name: "anthropic"})

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Status    string   `json:"status"`
		Gateway   string   `json:"gateway"`
		Providers []string `json:"providers"`
	}
	decode(t, resp, &body)
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Gateway != "disabled" {
		t.Errorf("gateway = %q, want disabled without a client", body.Gateway)
	}
	if len(body.Providers) != 1 || body.Providers[0] != "anthropic" {
		t.Errorf("providers = %v", body.Providers)
	}
}

func TestSkillsFallsBackToCatalog(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/skills")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Skills []pipeline.SkillInfo `json:"skills"`
		Source string               `json:"source"`
	}
	decode(t, resp, &body)
	if body.Source != "local" {
		t.Errorf("source = %q, want local when offline", body.Source)
	}
	if len(body.Skills) == 0 {
		t.Error("empty skill catalog")
	}
}

func TestBotExecuteMalformedBody(t *testing.T) {
	srv := newTestServer(t, &fixedService{name: "anthropic"})

	resp, err := http.Post(srv.URL+"/api/bots/execute", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBotExecuteInvalidTask(t *testing.T) {
	srv := newTestServer(t, &fixedService{name: "anthropic"})

	resp := postJSON(t, srv.URL+"/api/bots/execute", map[string]interface{}{
		"bot_id": "b-1", // missing skill, specialization, role
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBotExecuteSuccess(t *testing.T) {
	svc := &fixedService{name: "anthropic", content: "No issues found."}
	srv := newTestServer(t, svc)

	resp := postJSON(t, srv.URL+"/api/bots/execute", map[string]interface{}{
		"bot_id":         "b-1",
		"skill":          "code-review",
		"specialization": "reviewer",
		"role":           map[string]string{"title": "Reviewer"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result pipeline.TaskResult
	decode(t, resp, &result)
	if result.Provider != "anthropic" {
		t.Errorf("provider = %q", result.Provider)
	}
	if result.Response != "No issues found." {
		t.Errorf("response = %q", result.Response)
	}
}

func TestBotExecuteAllBackendsDown(t *testing.T) {
	srv := newTestServer(t, &fixedService{name: "anthropic", fail: true})

	resp := postJSON(t, srv.URL+"/api/bots/execute", map[string]interface{}{
		"skill":          "docs",
		"specialization": "writer",
		"role":           map[string]string{"title": "Writer"},
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestSessionSendRequiresGateway(t *testing.T) {
	srv := newTestServer(t, nil)

	resp := postJSON(t, srv.URL+"/api/sessions/send", map[string]string{
		"session_id": "s-1",
		"message":    "hello",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 without a gateway", resp.StatusCode)
	}
}

func TestBotStreamEmitsSSE(t *testing.T) {
	svc := &fixedService{name: "anthropic", content: "Streaming-ish result."}
	srv := newTestServer(t, svc)

	resp := postJSON(t, srv.URL+"/api/bots/stream", map[string]interface{}{
		"skill":          "code-review",
		"specialization": "reviewer",
		"role":           map[string]string{"title": "Reviewer"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type = %q", ct)
	}

	var sawDone bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev pipeline.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad SSE payload %q: %v", line, err)
		}
		if ev.Type == pipeline.StreamDone {
			sawDone = true
			if ev.Result == nil || ev.Result.Response != "Streaming-ish result." {
				t.Errorf("done result = %+v", ev.Result)
			}
		}
	}
	if !sawDone {
		t.Error("stream ended without a done event")
	}
}

func TestRecordsWithoutStore(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/bots/records")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200 with empty list", resp.StatusCode)
	}
}
