package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flatironinstitute/neurosift-annotations/internal/config"
	"github.com/flatironinstitute/neurosift-annotations/internal/logging"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestPathCommandPrintsResolvedPath(t *testing.T) {
	out, errOut, code := runCLI(t, "", "path", "--dandiset", "000409", "--asset-path", "sub-1/sub-1.nwb", "--asset-id", "abc-123")
	if code != 0 {
		t.Fatalf("expected exit 0, got %d: %s", code, errOut)
	}
	want := "dandi/dandisets/000409/assets/sub-1/sub-1.nwb/abc-123/annotations.jsonl\n"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestPathCommandRejectsMissingAsset(t *testing.T) {
	_, errOut, code := runCLI(t, "", "path", "--dandiset", "000409")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut, "assetPath is required") {
		t.Fatalf("unexpected error output: %q", errOut)
	}
}

func TestVersionCommand(t *testing.T) {
	out, _, code := runCLI(t, "", "version")
	if code != 0 || !strings.Contains(out, "nsannotations version dev") {
		t.Fatalf("unexpected version output %q (exit %d)", out, code)
	}
}

func TestSetReadsJSONLFromStdinAndGetPrintsJSONL(t *testing.T) {
	var stored []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			Repo        string              `json:"repo"`
			Annotations []map[string]string `json:"annotations"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Repo != "octo/annotations" {
			t.Errorf("unexpected repo %q", body.Repo)
		}
		switch r.URL.Path {
		case "/api/setNwbFileAnnotations":
			stored = body.Annotations
			_, _ = io.WriteString(w, `{"path":"p","sha":"blob1","itemCount":2,"cacheUpdated":true}`)
		case "/api/getNwbFileAnnotations":
			_ = json.NewEncoder(w).Encode(stored)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	common := []string{
		"--server", srv.URL, "--token", "gho_test", "--repo", "octo/annotations",
		"--dandiset", "000409", "--asset-path", "sub-1/sub-1.nwb", "--asset-id", "abc-123",
	}
	input := "{\"type\":\"note\",\"text\":\"one\"}\n\n{\"type\":\"note\",\"text\":\"two\"}\n"
	out, errOut, code := runCLI(t, input, append([]string{"set"}, common...)...)
	if code != 0 {
		t.Fatalf("set failed with %d: %s", code, errOut)
	}
	if !strings.Contains(out, `"sha": "blob1"`) {
		t.Fatalf("unexpected set output %q", out)
	}
	if len(stored) != 2 || stored[1]["text"] != "two" {
		t.Fatalf("unexpected stored items %#v", stored)
	}

	out, errOut, code = runCLI(t, "", append([]string{"get"}, common...)...)
	if code != 0 {
		t.Fatalf("get failed with %d: %s", code, errOut)
	}
	want := "{\"text\":\"one\",\"type\":\"note\"}\n{\"text\":\"two\",\"type\":\"note\"}\n"
	if out != want {
		t.Fatalf("expected %q, got %q", want, out)
	}
}

func TestSetRejectsMalformedJSONL(t *testing.T) {
	_, errOut, code := runCLI(t, "not json\n", "set", "--server", "http://127.0.0.1:1", "--repo", "octo/annotations",
		"--dandiset", "000409", "--asset-path", "sub-1/sub-1.nwb", "--asset-id", "abc-123")
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut, "line 1") {
		t.Fatalf("expected line number in error, got %q", errOut)
	}
}

func TestBuildAppServesHealthAndAppliesReload(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDSN = "memory://"
	cfg.AnnotationsDSN = "memory://"
	a, err := buildApp(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("build app: %v", err)
	}
	defer a.Close()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected health 200, got %d", rec.Code)
	}

	if a.live.OriginAllowed("https://example.org") {
		t.Fatalf("origin should not be allowed before reload")
	}
	next := cfg
	next.AllowedOrigins = []string{"https://example.org"}
	a.apply(next)
	if !a.live.OriginAllowed("https://example.org") {
		t.Fatalf("origin should be allowed after reload")
	}
}

func TestBuildAppRejectsUnknownCacheScheme(t *testing.T) {
	cfg := config.Default()
	cfg.CacheDSN = "bogus://x"
	if _, err := buildApp(cfg, logging.Discard()); err == nil {
		t.Fatalf("expected error for unknown cache scheme")
	}
}
