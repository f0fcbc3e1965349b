package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"schemagend/internal/clock/system"
	"schemagend/internal/config"
	"schemagend/internal/id/uuid"
	"schemagend/internal/jobs"
	"schemagend/internal/storage/memory"
)

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Jobs: config.JobsConfig{
			RetentionMinutes: 60,
			SweepSeconds:     60,
		},
		Crawler: config.CrawlerConfig{
			Command:          "schema-crawler",
			MaxPagesDefault:  500,
			RateLimitDefault: 0.5,
			TimeoutDefault:   20,
			ModelDefault:     "gpt-4o",
			APIKey:           "server-side-key",
		},
		Storage: config.StorageConfig{Provider: "memory"},
	}
}

type testEnv struct {
	server *httptest.Server
	blobs  *memory.BlobStore
}

func newTestEnv(t *testing.T, runner jobs.Runner, cfg config.Config, orchCfg jobs.Config) testEnv {
	t.Helper()
	clock := system.New()
	store := jobs.NewStore(clock, zap.NewNop())
	blobs := memory.NewBlobStore()
	orch := jobs.NewOrchestrator(
		store, runner, blobs, uuid.NewUUIDGenerator(), clock, nil, orchCfg, zap.NewNop(),
	)
	srv := httptest.NewServer(NewServer(orch, cfg, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)
	return testEnv{server: srv, blobs: blobs}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func waitStatus(t *testing.T, baseURL, jobID, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s/status", baseURL, jobID))
		if err != nil {
			t.Fatalf("GET status: %v", err)
		}
		body := decodeBody(t, resp)
		if body["status"] == want {
			return body
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %q", jobID, want)
	return nil
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, jobs.RunnerFunc(func(context.Context, jobs.Params, jobs.Sink) (jobs.Artifact, error) {
		return jobs.Artifact{}, nil
	}), testConfig(), jobs.Config{})

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" || body["key_configured"] != true {
		t.Fatalf("unexpected healthz body: %v", body)
	}

	resp, err = http.Get(env.server.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, jobs.RunnerFunc(func(context.Context, jobs.Params, jobs.Sink) (jobs.Artifact, error) {
		t.Error("runner must not run for rejected submissions")
		return jobs.Artifact{}, nil
	}), testConfig(), jobs.Config{})

	resp := postJSON(t, env.server.URL+"/v1/jobs", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid JSON status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, env.server.URL+"/v1/jobs", `{"max_pages": 10}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing base_url status = %d, want 400", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if msg, _ := body["error"].(string); msg == "" {
		t.Fatal("expected an error message")
	}
}

func TestSubmitAppliesConfiguredDefaults(t *testing.T) {
	t.Parallel()

	captured := make(chan jobs.Params, 1)
	env := newTestEnv(t, jobs.RunnerFunc(func(_ context.Context, params jobs.Params, _ jobs.Sink) (jobs.Artifact, error) {
		captured <- params
		return jobs.Artifact{}, errors.New("stop here")
	}), testConfig(), jobs.Config{})

	resp := postJSON(t, env.server.URL+"/v1/jobs", `{"base_url": "https://example.test"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("missing job_id in %v", body)
	}
	if body["status"] != "running" {
		t.Fatalf("status = %v, want running", body["status"])
	}
	if body["status_url"] != "/v1/jobs/"+jobID+"/status" || body["result_url"] != "/v1/jobs/"+jobID+"/result" {
		t.Fatalf("unexpected links in %v", body)
	}

	select {
	case params := <-captured:
		if params.MaxPages != 500 || params.RateLimit != 0.5 || params.TimeoutSeconds != 20 {
			t.Fatalf("defaults not applied: %+v", params)
		}
		if params.Model != "gpt-4o" || params.APIKey != "server-side-key" {
			t.Fatalf("model/key defaults not applied: %+v", params)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner never invoked")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, jobs.RunnerFunc(func(context.Context, jobs.Params, jobs.Sink) (jobs.Artifact, error) {
		return jobs.Artifact{}, nil
	}), testConfig(), jobs.Config{})

	resp, err := http.Get(env.server.URL + "/v1/jobs/no-such-job/status")
	if err != nil {
		t.Fatalf("GET status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(env.server.URL + "/v1/jobs/no-such-job/result")
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("result status = %d, want 404", resp.StatusCode)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	var env testEnv
	env = newTestEnv(t, jobs.RunnerFunc(func(ctx context.Context, _ jobs.Params, sink jobs.Sink) (jobs.Artifact, error) {
		sink.Report(jobs.LevelInfo, "crawl started")
		sink.Report(jobs.LevelWarn, "page skipped")
		<-release
		locator, err := env.blobs.Put(ctx, "out/result.zip", "application/zip", strings.NewReader("zip-bytes"))
		if err != nil {
			return jobs.Artifact{}, err
		}
		return jobs.Artifact{Locator: locator}, nil
	}), testConfig(), jobs.Config{})

	resp := postJSON(t, env.server.URL+"/v1/jobs", `{"base_url": "https://example.test/shop"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	jobID := decodeBody(t, resp)["job_id"].(string)

	// While running: progress is visible and the result endpoint says retry.
	deadline := time.Now().Add(5 * time.Second)
	for {
		body := waitStatus(t, env.server.URL, jobID, "running")
		progress, _ := body["progress"].([]any)
		if len(progress) == 2 {
			first := progress[0].(map[string]any)
			if first["level"] != "info" || first["message"] != "crawl started" {
				t.Fatalf("unexpected first event: %v", first)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress never reached 2 events: %v", body)
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s/result", env.server.URL, jobID))
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("result while running = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	close(release)
	body := waitStatus(t, env.server.URL, jobID, "completed")
	if body["completed_at"] == nil {
		t.Fatalf("completed job missing completed_at: %v", body)
	}
	if _, hasErr := body["error"]; hasErr {
		t.Fatalf("completed job must not report an error: %v", body)
	}

	// The artifact downloads identically any number of times.
	for i := 0; i < 2; i++ {
		resp, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s/result", env.server.URL, jobID))
		if err != nil {
			t.Fatalf("GET result #%d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("result status = %d, want 200", resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/zip" {
			t.Fatalf("content type = %q", ct)
		}
		cd := resp.Header.Get("Content-Disposition")
		if !strings.Contains(cd, "attachment") || !strings.Contains(cd, "schema_example.test_shop_") {
			t.Fatalf("content disposition = %q", cd)
		}
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			t.Fatalf("read result body: %v", err)
		}
		resp.Body.Close()
		if buf.String() != "zip-bytes" {
			t.Fatalf("artifact body = %q", buf.String())
		}
	}
}

func TestFailedJobSurfacesReason(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, jobs.RunnerFunc(func(context.Context, jobs.Params, jobs.Sink) (jobs.Artifact, error) {
		return jobs.Artifact{}, errors.New("connection timeout")
	}), testConfig(), jobs.Config{})

	resp := postJSON(t, env.server.URL+"/v1/jobs", `{"base_url": "https://example.test"}`)
	jobID := decodeBody(t, resp)["job_id"].(string)

	body := waitStatus(t, env.server.URL, jobID, "failed")
	if body["error"] != "connection timeout" {
		t.Fatalf("error = %v, want connection timeout", body["error"])
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/jobs/%s/result", env.server.URL, jobID))
	if err != nil {
		t.Fatalf("GET result: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failed result status = %d, want 500", resp.StatusCode)
	}
	resBody := decodeBody(t, resp)
	if resBody["status"] != "failed" || resBody["error"] != "connection timeout" {
		t.Fatalf("unexpected failed result body: %v", resBody)
	}
}

func TestSaturationReturnsTooManyRequests(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	env := newTestEnv(t, jobs.RunnerFunc(func(context.Context, jobs.Params, jobs.Sink) (jobs.Artifact, error) {
		<-release
		return jobs.Artifact{}, errors.New("done")
	}), testConfig(), jobs.Config{MaxConcurrent: 1})
	defer close(release)

	resp := postJSON(t, env.server.URL+"/v1/jobs", `{"base_url": "https://example.test"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("first submit = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, env.server.URL+"/v1/jobs", `{"base_url": "https://example.test"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit = %d, want 429", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	env := newTestEnv(t, jobs.RunnerFunc(func(context.Context, jobs.Params, jobs.Sink) (jobs.Artifact, error) {
		return jobs.Artifact{}, nil
	}), cfg, jobs.Config{})

	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("missing key status = %d, want 403", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with key: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
}
