package annotations

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultGitHubBaseURL    = "https://api.github.com"
	defaultGitHubAPIVersion = "2022-11-28"
	githubJSONMediaType     = "application/vnd.github+json"
	githubRawMediaType      = "application/vnd.github.raw+json"
)

type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Resource  string    `json:"resource,omitempty"`
	Reset     time.Time `json:"reset"`
	Observed  bool      `json:"observed"`
}

func (r RateLimit) ResetIn(now time.Time) time.Duration {
	if !r.Observed || r.Reset.IsZero() {
		return 0
	}
	return r.Reset.Sub(now)
}

type RemoteFile struct {
	Path      string
	Content   []byte
	Token     ContentToken
	RateLimit RateLimit
}

type PutFileRequest struct {
	Repo       RepoRef
	Path       string
	Content    []byte
	Token      ContentToken
	Message    string
	Branch     string
	Credential Credential
}

type PutFileResult struct {
	Token     ContentToken
	CommitSHA string
	RateLimit RateLimit
}

// ContentClient reads and conditionally writes files in a remote repository.
type ContentClient interface {
	FetchFile(ctx context.Context, repo RepoRef, path string, cred Credential) (RemoteFile, error)
	PutFile(ctx context.Context, req PutFileRequest) (PutFileResult, error)
}

type GitHubClientOptions struct {
	BaseURL               string
	HTTPClient            *http.Client
	UserAgent             string
	APIVersion            string
	MaxRetries            int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	MinRateLimitRemaining int
	Logger                *slog.Logger
	Now                   func() time.Time
}

type githubAPI struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	apiVersion string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func newGitHubAPI(opts GitHubClientOptions) githubAPI {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultGitHubBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = defaultGitHubAPIVersion
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "neurosift-annotations"
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return githubAPI{
		baseURL:    baseURL,
		httpClient: httpClient,
		userAgent:  userAgent,
		apiVersion: apiVersion,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     logger,
		now:        now,
	}
}

type githubResponse struct {
	status    int
	header    http.Header
	body      []byte
	rateLimit RateLimit
}

// do issues one request, retrying transport failures, 429 and 5xx when retry
// is set. Non-2xx answers are returned to the caller for classification.
func (a *githubAPI) do(ctx context.Context, op, method, endpoint string, cred Credential, accept string, payload []byte, retry bool) (githubResponse, error) {
	attempts := 0
	if retry {
		attempts = a.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return githubResponse{}, fmt.Errorf("%w: %s: %v", ErrInvalidInput, op, err)
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("X-GitHub-Api-Version", a.apiVersion)
		req.Header.Set("User-Agent", a.userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if !cred.Empty() {
			req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(string(cred)))
		}

		resp, err := a.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < attempts {
				if waitErr := sleepContext(ctx, a.retryDelay(attempt+1, "")); waitErr != nil {
					return githubResponse{}, fmt.Errorf("%w: %s: %w", ErrTransport, op, waitErr)
				}
				continue
			}
			return githubResponse{}, fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return githubResponse{}, fmt.Errorf("%w: %s: read body: %w", ErrTransport, op, readErr)
		}
		out := githubResponse{
			status:    resp.StatusCode,
			header:    resp.Header,
			body:      respBody,
			rateLimit: parseRateLimit(resp.Header),
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < attempts {
			if waitErr := sleepContext(ctx, a.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return githubResponse{}, fmt.Errorf("%w: %s: %w", ErrTransport, op, waitErr)
			}
			continue
		}
		return out, nil
	}
}

func (a *githubAPI) url(segments ...string) string {
	escaped := make([]string, 0, len(segments))
	for _, segment := range segments {
		escaped = append(escaped, url.PathEscape(segment))
	}
	return a.baseURL + "/" + strings.Join(escaped, "/")
}

func (a *githubAPI) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > a.maxDelay {
			return a.maxDelay
		}
		return retryAfter
	}
	delay := a.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= a.maxDelay {
			return a.maxDelay
		}
	}
	if delay > a.maxDelay {
		return a.maxDelay
	}
	return delay
}

// classify maps a non-2xx answer onto the error taxonomy.
func (a *githubAPI) classify(op string, resp githubResponse) error {
	remoteErr := &RemoteError{
		Op:         op,
		StatusCode: resp.status,
		Message:    githubErrorMessage(resp.body),
	}
	switch {
	case resp.status == http.StatusNotFound:
		remoteErr.Category = ErrNotFound
	case resp.status == http.StatusUnauthorized:
		remoteErr.Category = ErrUnauthorized
	case resp.status == http.StatusTooManyRequests,
		resp.status == http.StatusForbidden && isRateLimitResponse(resp):
		remoteErr.Category = ErrRateLimited
		remoteErr.RetryAt = a.retryAt(resp)
	case resp.status == http.StatusForbidden:
		remoteErr.Category = ErrUnauthorized
	case resp.status == http.StatusConflict:
		remoteErr.Category = ErrConflict
	case resp.status == http.StatusUnprocessableEntity:
		remoteErr.Category = ErrInvalidInput
	default:
		remoteErr.Category = ErrTransport
	}
	return remoteErr
}

func (a *githubAPI) retryAt(resp githubResponse) time.Time {
	if retryAfter := parseRetryAfterSeconds(resp.header.Get("Retry-After")); retryAfter > 0 {
		return a.now().Add(retryAfter)
	}
	if resp.rateLimit.Observed && !resp.rateLimit.Reset.IsZero() {
		return resp.rateLimit.Reset
	}
	return time.Time{}
}

func isRateLimitResponse(resp githubResponse) bool {
	if resp.header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	if resp.header.Get("Retry-After") != "" {
		return true
	}
	return strings.Contains(strings.ToLower(githubErrorMessage(resp.body)), "rate limit")
}

func githubErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
		return strings.TrimSpace(parsed.Message)
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}

func parseRateLimit(header http.Header) RateLimit {
	limitRaw := header.Get("X-RateLimit-Limit")
	remainingRaw := header.Get("X-RateLimit-Remaining")
	if limitRaw == "" && remainingRaw == "" {
		return RateLimit{}
	}
	out := RateLimit{Observed: true, Resource: header.Get("X-RateLimit-Resource")}
	out.Limit, _ = strconv.Atoi(strings.TrimSpace(limitRaw))
	out.Remaining, _ = strconv.Atoi(strings.TrimSpace(remainingRaw))
	out.Used, _ = strconv.Atoi(strings.TrimSpace(header.Get("X-RateLimit-Used")))
	if reset, err := strconv.ParseInt(strings.TrimSpace(header.Get("X-RateLimit-Reset")), 10, 64); err == nil && reset > 0 {
		out.Reset = time.Unix(reset, 0).UTC()
	}
	return out
}

// GitHubContentClient implements ContentClient against the GitHub contents API.
type GitHubContentClient struct {
	api          githubAPI
	minRemaining atomic.Int64

	rateMu   sync.Mutex
	lastRate map[string]RateLimit
}

var _ ContentClient = (*GitHubContentClient)(nil)

func NewGitHubContentClient(opts GitHubClientOptions) *GitHubContentClient {
	c := &GitHubContentClient{
		api:      newGitHubAPI(opts),
		lastRate: map[string]RateLimit{},
	}
	c.SetMinRateLimitRemaining(opts.MinRateLimitRemaining)
	return c
}

// SetMinRateLimitRemaining sets the backpressure floor. Zero disables it.
func (c *GitHubContentClient) SetMinRateLimitRemaining(n int) {
	if n < 0 {
		n = 0
	}
	c.minRemaining.Store(int64(n))
}

// LastRateLimit returns the most recent counters observed for a credential.
func (c *GitHubContentClient) LastRateLimit(cred Credential) (RateLimit, bool) {
	c.rateMu.Lock()
	defer c.rateMu.Unlock()
	rl, ok := c.lastRate[cred.Fingerprint()]
	return rl, ok
}

type githubContentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Size     int64  `json:"size"`
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Path     string `json:"path"`
}

func (c *GitHubContentClient) FetchFile(ctx context.Context, repo RepoRef, path string, cred Credential) (RemoteFile, error) {
	if c == nil {
		return RemoteFile{}, fmt.Errorf("github content client is nil")
	}
	if repo.IsZero() || strings.TrimSpace(path) == "" {
		return RemoteFile{}, fmt.Errorf("%w: repo and path are required", ErrInvalidInput)
	}
	if err := c.checkBudget(cred); err != nil {
		return RemoteFile{}, err
	}
	endpoint := c.contentsURL(repo, path)
	resp, err := c.api.do(ctx, "fetch file", http.MethodGet, endpoint, cred, githubJSONMediaType, nil, true)
	if err != nil {
		return RemoteFile{}, err
	}
	c.observe(cred, resp.rateLimit)
	if resp.status != http.StatusOK {
		return RemoteFile{}, c.api.classify("fetch file", resp)
	}

	var meta githubContentResponse
	if err := json.Unmarshal(resp.body, &meta); err != nil {
		return RemoteFile{}, fmt.Errorf("%w: %s is not a file", ErrInvalidInput, path)
	}
	if meta.Type != "" && meta.Type != "file" {
		return RemoteFile{}, fmt.Errorf("%w: %s is a %s, not a file", ErrInvalidInput, path, meta.Type)
	}

	var content []byte
	switch {
	case meta.Encoding == "base64":
		content, err = base64.StdEncoding.DecodeString(stripBase64Whitespace(meta.Content))
		if err != nil {
			return RemoteFile{}, &MalformedContentError{Line: 0, Err: fmt.Errorf("decode base64: %w", err)}
		}
	case meta.Content == "" && meta.Size > 0:
		// The host omits payloads above its inline limit; ask for the raw blob.
		raw, rawErr := c.api.do(ctx, "fetch raw file", http.MethodGet, endpoint, cred, githubRawMediaType, nil, true)
		if rawErr != nil {
			return RemoteFile{}, rawErr
		}
		c.observe(cred, raw.rateLimit)
		if raw.status != http.StatusOK {
			return RemoteFile{}, c.api.classify("fetch raw file", raw)
		}
		content = raw.body
	default:
		content = []byte(meta.Content)
	}

	return RemoteFile{
		Path:      path,
		Content:   content,
		Token:     TokenOf(meta.SHA),
		RateLimit: resp.rateLimit,
	}, nil
}

type githubPutRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

type githubPutResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

func (c *GitHubContentClient) PutFile(ctx context.Context, req PutFileRequest) (PutFileResult, error) {
	if c == nil {
		return PutFileResult{}, fmt.Errorf("github content client is nil")
	}
	if req.Repo.IsZero() || strings.TrimSpace(req.Path) == "" {
		return PutFileResult{}, fmt.Errorf("%w: repo and path are required", ErrInvalidInput)
	}
	if req.Credential.Empty() {
		return PutFileResult{}, fmt.Errorf("%w: credential is required to write", ErrUnauthorized)
	}
	if err := c.checkBudget(req.Credential); err != nil {
		return PutFileResult{}, err
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = "Updating " + req.Path
	}
	payload := githubPutRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(req.Content),
		Branch:  strings.TrimSpace(req.Branch),
	}
	if req.Token.Present() {
		payload.SHA = req.Token.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return PutFileResult{}, err
	}

	resp, err := c.api.do(ctx, "put file", http.MethodPut, c.contentsURL(req.Repo, req.Path), req.Credential, githubJSONMediaType, body, false)
	if err != nil {
		return PutFileResult{}, err
	}
	c.observe(req.Credential, resp.rateLimit)
	switch resp.status {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return PutFileResult{}, &ConflictError{Path: req.Path, ExpectedToken: req.Token, StatusCode: resp.status}
	case http.StatusUnprocessableEntity:
		// Without a sha, 422 means the file appeared since it was read.
		// With one, the request itself was rejected.
		if !req.Token.Present() {
			return PutFileResult{}, &ConflictError{Path: req.Path, StatusCode: resp.status}
		}
		return PutFileResult{}, c.api.classify("put file", resp)
	default:
		return PutFileResult{}, c.api.classify("put file", resp)
	}

	var parsed githubPutResponse
	if err := json.Unmarshal(resp.body, &parsed); err != nil {
		return PutFileResult{}, fmt.Errorf("%w: put file: decode response: %v", ErrTransport, err)
	}
	return PutFileResult{
		Token:     TokenOf(parsed.Content.SHA),
		CommitSHA: parsed.Commit.SHA,
		RateLimit: resp.rateLimit,
	}, nil
}

func (c *GitHubContentClient) contentsURL(repo RepoRef, path string) string {
	segments := []string{"repos", repo.Owner, repo.Name, "contents"}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			continue
		}
		segments = append(segments, segment)
	}
	return c.api.url(segments...)
}

func (c *GitHubContentClient) observe(cred Credential, rl RateLimit) {
	if !rl.Observed {
		return
	}
	c.rateMu.Lock()
	c.lastRate[cred.Fingerprint()] = rl
	c.rateMu.Unlock()
	c.api.logger.Info("github rate limit",
		"remaining", rl.Remaining,
		"limit", rl.Limit,
		"resource", rl.Resource,
		"reset_in_seconds", int64(rl.ResetIn(c.api.now()).Seconds()),
	)
}

func (c *GitHubContentClient) checkBudget(cred Credential) error {
	floor := int(c.minRemaining.Load())
	if floor <= 0 {
		return nil
	}
	rl, ok := c.LastRateLimit(cred)
	if !ok || rl.Remaining >= floor || !c.api.now().Before(rl.Reset) {
		return nil
	}
	return &RemoteError{
		Op:       "rate limit budget",
		Message:  fmt.Sprintf("remaining %d below floor %d", rl.Remaining, floor),
		Category: ErrRateLimited,
		RetryAt:  rl.Reset,
	}
}

func stripBase64Whitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
