package annotations

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func newTestGitHubClient(t *testing.T, server *httptest.Server, opts GitHubClientOptions) *GitHubContentClient {
	t.Helper()
	opts.BaseURL = server.URL
	opts.HTTPClient = server.Client()
	if opts.BaseDelay == 0 {
		opts.BaseDelay = time.Millisecond
	}
	if opts.MaxDelay == 0 {
		opts.MaxDelay = 5 * time.Millisecond
	}
	return NewGitHubContentClient(opts)
}

func TestGitHubFetchFileDecodesContentAndRateLimit(t *testing.T) {
	content := "{\"tag\":\"seizure\"}\n{\"tag\":\"artifact\"}"
	encoded := base64.StdEncoding.EncodeToString([]byte(content))
	// The host wraps base64 payloads at 60 columns.
	wrapped := encoded[:20] + "\n" + encoded[20:]
	reset := time.Now().Add(time.Hour).Unix()

	var capturedPath, capturedAuth, capturedAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedPath = r.URL.EscapedPath()
		capturedAuth = r.Header.Get("Authorization")
		capturedAccept = r.Header.Get("Accept")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Header().Set("X-RateLimit-Used", "1")
		w.Header().Set("X-RateLimit-Resource", "core")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "base64",
			"sha":      "sha_1",
			"size":     len(content),
			"content":  wrapped,
		})
	}))
	defer server.Close()

	client := newTestGitHubClient(t, server, GitHubClientOptions{})
	repo := RepoRef{Owner: "owner", Name: "repo"}
	file, err := client.FetchFile(context.Background(), repo, "dandi/dandisets/000409/assets/sub-1/sub-1.nwb/a1/annotations.jsonl", "tok")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(file.Content) != content {
		t.Fatalf("unexpected content %q", file.Content)
	}
	if file.Token.String() != "sha_1" {
		t.Fatalf("expected sha_1, got %s", file.Token)
	}
	if capturedPath != "/repos/owner/repo/contents/dandi/dandisets/000409/assets/sub-1/sub-1.nwb/a1/annotations.jsonl" {
		t.Fatalf("unexpected request path %s", capturedPath)
	}
	if capturedAuth != "Bearer tok" {
		t.Fatalf("expected bearer auth, got %q", capturedAuth)
	}
	if capturedAccept != githubJSONMediaType {
		t.Fatalf("expected json media type, got %q", capturedAccept)
	}
	if !file.RateLimit.Observed || file.RateLimit.Remaining != 4999 || file.RateLimit.Limit != 5000 || file.RateLimit.Resource != "core" {
		t.Fatalf("unexpected rate limit %+v", file.RateLimit)
	}
	last, ok := client.LastRateLimit("tok")
	if !ok || last.Remaining != 4999 {
		t.Fatalf("expected rate limit to be tracked per credential, got %+v (ok=%v)", last, ok)
	}
}

func TestGitHubFetchFileRefetchesLargeFilesAsRaw(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Accept") == githubRawMediaType {
			_, _ = w.Write([]byte(`{"big":"file"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":     "file",
			"encoding": "none",
			"sha":      "sha_big",
			"size":     2 << 20,
			"content":  "",
		})
	}))
	defer server.Close()

	client := newTestGitHubClient(t, server, GitHubClientOptions{})
	file, err := client.FetchFile(context.Background(), RepoRef{Owner: "o", Name: "r"}, "x/annotations.jsonl", "")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if string(file.Content) != `{"big":"file"}` || file.Token.String() != "sha_big" {
		t.Fatalf("unexpected file %+v", file)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestGitHubFetchFileStatusMapping(t *testing.T) {
	cases := []struct {
		status  int
		headers map[string]string
		want    error
	}{
		{status: http.StatusNotFound, want: ErrNotFound},
		{status: http.StatusUnauthorized, want: ErrUnauthorized},
		{status: http.StatusForbidden, want: ErrUnauthorized},
		{status: http.StatusForbidden, headers: map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": "4102444800"}, want: ErrRateLimited},
		{status: http.StatusTooManyRequests, want: ErrRateLimited},
		{status: http.StatusBadGateway, want: ErrTransport},
		{status: http.StatusTeapot, want: ErrTransport},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for k, v := range tc.headers {
				w.Header().Set(k, v)
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		client := newTestGitHubClient(t, server, GitHubClientOptions{MaxRetries: -1})
		_, err := client.FetchFile(context.Background(), RepoRef{Owner: "o", Name: "r"}, "p", "tok")
		server.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		var remote *RemoteError
		if !errors.As(err, &remote) || remote.StatusCode != tc.status {
			t.Fatalf("status %d: expected remote error with status, got %v", tc.status, err)
		}
	}
}

func TestGitHubFetchFileRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"type": "file", "encoding": "base64", "sha": "s", "content": ""})
	}))
	defer server.Close()

	client := newTestGitHubClient(t, server, GitHubClientOptions{MaxRetries: 2})
	if _, err := client.FetchFile(context.Background(), RepoRef{Owner: "o", Name: "r"}, "p", ""); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestGitHubPutFileSendsTokenOnlyWhenPresent(t *testing.T) {
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"content":{"sha":"new_sha"},"commit":{"sha":"commit_1"}}`))
	}))
	defer server.Close()

	client := newTestGitHubClient(t, server, GitHubClientOptions{})
	repo := RepoRef{Owner: "o", Name: "r"}
	res, err := client.PutFile(context.Background(), PutFileRequest{Repo: repo, Path: "a/annotations.jsonl", Content: []byte("x"), Credential: "tok"})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if res.Token.String() != "new_sha" || res.CommitSHA != "commit_1" {
		t.Fatalf("unexpected put result %+v", res)
	}
	if _, err := client.PutFile(context.Background(), PutFileRequest{Repo: repo, Path: "a/annotations.jsonl", Content: []byte("y"), Token: TokenOf("old_sha"), Credential: "tok", Message: "custom"}); err != nil {
		t.Fatalf("put with token failed: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(bodies))
	}
	if _, ok := bodies[0]["sha"]; ok {
		t.Fatalf("expected no sha field for absent token, got %+v", bodies[0])
	}
	if bodies[0]["message"] != "Updating a/annotations.jsonl" {
		t.Fatalf("unexpected default message %v", bodies[0]["message"])
	}
	if bodies[0]["content"] != base64.StdEncoding.EncodeToString([]byte("x")) {
		t.Fatalf("expected base64 content, got %v", bodies[0]["content"])
	}
	if bodies[1]["sha"] != "old_sha" || bodies[1]["message"] != "custom" {
		t.Fatalf("unexpected second body %+v", bodies[1])
	}
}

func TestGitHubPutFileConflictIsNotRetried(t *testing.T) {
	cases := []struct {
		status int
		token  ContentToken
	}{
		{http.StatusConflict, TokenOf("stale")},
		{http.StatusUnprocessableEntity, NoToken},
	}
	for _, tc := range cases {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"message":"sha does not match"}`))
		}))
		client := newTestGitHubClient(t, server, GitHubClientOptions{MaxRetries: 3})
		_, err := client.PutFile(context.Background(), PutFileRequest{
			Repo:       RepoRef{Owner: "o", Name: "r"},
			Path:       "p",
			Content:    []byte("x"),
			Token:      tc.token,
			Credential: "tok",
		})
		server.Close()
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("status %d: expected conflict, got %v", tc.status, err)
		}
		if atomic.LoadInt32(&calls) != 1 {
			t.Fatalf("status %d: expected a single attempt, got %d", tc.status, calls)
		}
	}
}

func TestGitHubPutFileValidationFailureWithTokenIsNotConflict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Invalid request.\n\n\"content\" is not a valid base64 string"}`))
	}))
	defer server.Close()

	client := newTestGitHubClient(t, server, GitHubClientOptions{MaxRetries: 3})
	_, err := client.PutFile(context.Background(), PutFileRequest{
		Repo:       RepoRef{Owner: "o", Name: "r"},
		Path:       "p",
		Content:    []byte("x"),
		Token:      TokenOf("current"),
		Credential: "tok",
	})
	if errors.Is(err, ErrConflict) {
		t.Fatalf("422 with a sha should not be reported as a conflict: %v", err)
	}
	if !errors.Is(err, ErrInvalidInput) || Retryable(err) {
		t.Fatalf("expected non-retryable invalid input, got %v", err)
	}
}

func TestGitHubPutFileServerErrorIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestGitHubClient(t, server, GitHubClientOptions{MaxRetries: 3})
	_, err := client.PutFile(context.Background(), PutFileRequest{Repo: RepoRef{Owner: "o", Name: "r"}, Path: "p", Credential: "tok"})
	if !errors.Is(err, ErrTransport) || !Retryable(err) {
		t.Fatalf("expected retryable transport error, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestGitHubPutFileRequiresCredential(t *testing.T) {
	client := NewGitHubContentClient(GitHubClientOptions{BaseURL: "http://127.0.0.1:1"})
	_, err := client.PutFile(context.Background(), PutFileRequest{Repo: RepoRef{Owner: "o", Name: "r"}, Path: "p"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestGitHubBackpressureFailsFastBelowFloor(t *testing.T) {
	var calls int32
	reset := time.Now().Add(time.Hour).Unix()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("X-RateLimit-Limit", "60")
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestGitHubClient(t, server, GitHubClientOptions{MinRateLimitRemaining: 10})
	repo := RepoRef{Owner: "o", Name: "r"}
	if _, err := client.FetchFile(context.Background(), repo, "p", "tok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected first call to reach the host, got %v", err)
	}
	_, err := client.FetchFile(context.Background(), repo, "p", "tok")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected backpressure to skip the network, got %d calls", calls)
	}
	if _, err := client.FetchFile(context.Background(), repo, "p", "other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other credential to be unaffected, got %v", err)
	}

	client.SetMinRateLimitRemaining(0)
	if _, err := client.FetchFile(context.Background(), repo, "p", "tok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected disabled backpressure to reach the host, got %v", err)
	}
}
