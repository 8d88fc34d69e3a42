package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"vshift/internal/config"
	"vshift/internal/core"
	"vshift/internal/grid"
	"vshift/internal/rasterio"
)

// buildTestServer creates a fully wired local server over a one-grid
// manifest catalog.
func buildTestServer(t *testing.T) *core.Server {
	t.Helper()
	setTestEnv(t)

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv, err := buildServer(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildServer: %v", err)
	}
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

// TestHealthEndpoint verifies that the wired server responds with 200 on
// GET /health when no probed dependency is configured.
func TestHealthEndpoint(t *testing.T) {
	srv := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /health: got status %d, want %d; body: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if status, ok := resp["status"]; !ok || status != "healthy" {
		t.Errorf("GET /health: got status=%v, want 'healthy'", status)
	}
}

func TestRoutesMounted(t *testing.T) {
	srv := buildTestServer(t)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/v1/datums", "", http.StatusOK},
		{http.MethodPost, "/v1/shift-grids/plan", `{"region":"-95.5/-94.5/28.5/29.5","increment":"0.25","datum_in":"6319","datum_out":"5703"}`, http.StatusOK},
		{http.MethodPost, "/v1/shift-grids/plan", `{"region":"-95.5/-94.5/28.5/29.5","increment":"0.25","datum_in":"nowhere","datum_out":"5703"}`, http.StatusBadRequest},
		// No database or queue in the test environment.
		{http.MethodGet, "/v1/jobs", "", http.StatusNotFound},
		// Metrics backend "none" mounts no scrape endpoint.
		{http.MethodGet, "/metrics", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("got status %d, want %d; body: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestLambdaHandler_BuildReturnsBase64Grid(t *testing.T) {
	srv := buildTestServer(t)
	h := newLambdaAdapter(srv).ProxyWithContextV2

	event := events.APIGatewayV2HTTPRequest{
		RawPath: "/v1/shift-grids",
		Headers: map[string]string{"content-type": "application/json"},
		Body:    `{"region":"-95.5/-94.5/28.5/29.5","increment":"0.25","datum_in":"6319","datum_out":"5703","format":"gtx"}`,
	}
	event.RequestContext.HTTP.Method = http.MethodPost
	event.RequestContext.HTTP.SourceIP = "203.0.113.7"

	resp, err := h(context.Background(), event)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, resp.Body)
	}
	if !resp.IsBase64Encoded {
		t.Fatal("binary grid should be base64 encoded")
	}
	if resp.Headers["X-Incomplete"] != "false" {
		t.Errorf("X-Incomplete = %q", resp.Headers["X-Incomplete"])
	}

	data, err := base64.StdEncoding.DecodeString(resp.Body)
	if err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	raster, err := rasterio.ReadGTX(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadGTX: %v", err)
	}
	for i, v := range raster.Data {
		if math.Abs(math.Abs(v)-27.5) > 1e-6 {
			t.Fatalf("cell %d = %g, want |27.5|", i, v)
		}
	}
}

func TestLambdaHandler_JSONBodyIsPlain(t *testing.T) {
	srv := buildTestServer(t)
	h := newLambdaAdapter(srv).ProxyWithContextV2

	event := events.APIGatewayV2HTTPRequest{RawPath: "/v1/datums", RawQueryString: "class=tidal"}
	event.RequestContext.HTTP.Method = http.MethodGet

	resp, err := h(context.Background(), event)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.IsBase64Encoded {
		t.Fatalf("status = %d base64 = %v", resp.StatusCode, resp.IsBase64Encoded)
	}
	if !strings.Contains(resp.Body, `"tidal"`) {
		t.Errorf("body = %s", resp.Body)
	}
	if resp.Headers["X-Request-Id"] == "" {
		t.Error("request id header missing")
	}
}

func TestLambdaHandler_Base64RequestBody(t *testing.T) {
	srv := buildTestServer(t)
	h := newLambdaAdapter(srv).ProxyWithContextV2

	body := `{"region":"-95.5/-94.5/28.5/29.5","increment":"0.25","datum_in":"6319","datum_out":"5703"}`
	event := events.APIGatewayV2HTTPRequest{
		RawPath:         "/v1/shift-grids/plan",
		Headers:         map[string]string{"content-type": "application/json"},
		Body:            base64.StdEncoding.EncodeToString([]byte(body)),
		IsBase64Encoded: true,
	}
	event.RequestContext.HTTP.Method = http.MethodPost

	resp, err := h(context.Background(), event)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body: %s", resp.StatusCode, resp.Body)
	}
	if !strings.Contains(resp.Body, `"steps"`) {
		t.Errorf("body = %s", resp.Body)
	}
}

// TestIsLambdaEnvironment verifies Lambda environment detection logic.
func TestIsLambdaEnvironment(t *testing.T) {
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "")
	os.Unsetenv("AWS_LAMBDA_RUNTIME_API")
	t.Setenv("_LAMBDA_SERVER_PORT", "")
	os.Unsetenv("_LAMBDA_SERVER_PORT")

	if isLambdaEnvironment() {
		t.Error("isLambdaEnvironment: expected false when no Lambda env vars are set")
	}

	t.Setenv("AWS_LAMBDA_RUNTIME_API", "localhost:8080")
	if !isLambdaEnvironment() {
		t.Error("isLambdaEnvironment: expected true when AWS_LAMBDA_RUNTIME_API is set")
	}
}

func TestSecretProvider(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	if secretProvider() != nil {
		t.Error("local runs should not resolve SSM parameters")
	}
	t.Setenv("APP_ENV", "prod")
	if secretProvider() == nil {
		t.Error("deployed runs need an SSM provider")
	}
}

// TestNewLogger verifies that the logger factory handles various log levels.
func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "unknown"} {
		t.Run(level, func(t *testing.T) {
			if newLogger(level) == nil {
				t.Fatalf("newLogger(%q) returned nil", level)
			}
		})
	}
}

// setTestEnv sets the minimal local environment: a manifest catalog over a
// constant g2018 grid and no AWS, database or Redis.
func setTestEnv(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	region, err := grid.NewRegion(-96, -94, 28, 30, 9, 9)
	if err != nil {
		t.Fatal(err)
	}
	values := make([]float64, region.Cells())
	for i := range values {
		values[i] = -27.5
	}
	gridPath := filepath.Join(dir, "g2018.gtx")
	f, err := os.Create(gridPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := rasterio.WriteGTX(f, region, values); err != nil {
		t.Fatal(err)
	}
	f.Close()

	manifest := filepath.Join(dir, "catalog.yaml")
	body := fmt.Sprintf("sources:\n  - id: g2018_test\n    dataset: g2018\n    uri: %s\n", gridPath)
	if err := os.WriteFile(manifest, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "GRID_BUCKET", "OUTPUT_BUCKET", "JOB_QUEUE_URL", "CACHE_DIR"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("APP_ENV", "local")
	t.Setenv("PORT", "8080")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("METRICS_BACKEND", "none")
	t.Setenv("CATALOG_PATH", manifest)
}
