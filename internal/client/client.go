// Package client talks to a running annotation service over HTTP.
package client

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
)

type ConflictError struct {
	Path    string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("conflict for %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == annotations.ErrConflict
}

type HTTPError struct {
	StatusCode    int
	Code          string
	Message       string
	CorrelationID string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is lets callers branch on the same sentinels the service uses.
func (e *HTTPError) Is(target error) bool {
	switch e.StatusCode {
	case http.StatusBadRequest:
		return target == annotations.ErrInvalidInput
	case http.StatusUnauthorized:
		return target == annotations.ErrUnauthorized
	case http.StatusNotFound:
		return target == annotations.ErrNotFound
	case http.StatusTooManyRequests:
		return target == annotations.ErrRateLimited
	case http.StatusBadGateway:
		if e.Code == "malformed_content" {
			return target == annotations.ErrMalformedContent
		}
		return target == annotations.ErrTransport
	case http.StatusNotImplemented:
		return target == annotations.ErrNotImplemented
	}
	return false
}

// Target names one asset's annotation file in a repository.
type Target struct {
	Repo              string `json:"repo"`
	DandiInstanceName string `json:"dandiInstanceName,omitempty"`
	DandisetID        string `json:"dandisetId"`
	DandisetVersion   string `json:"dandisetVersion,omitempty"`
	AssetPath         string `json:"assetPath"`
	AssetID           string `json:"assetId"`
}

type NwbFileAnnotations struct {
	Path     string
	Items    annotations.AnnotationSet
	CacheHit bool
	ETag     string
}

type CacheInvalidation struct {
	Repo                  string `json:"repo,omitempty"`
	DandiInstanceName     string `json:"dandiInstanceName"`
	DandisetID            string `json:"dandisetId"`
	AssetPath             string `json:"assetPath"`
	AssetID               string `json:"assetId"`
	CredentialFingerprint string `json:"credentialFingerprint,omitempty"`
}

type HTTPClient struct {
	baseURL        string
	token          string
	internalSecret string
	httpClient     *http.Client
	maxRetries     int
	baseDelay      time.Duration
	maxDelay       time.Duration
	now            func() time.Time
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
		now:        time.Now,
	}
}

// SetInternalSecret enables InvalidateCache, which is signed rather than
// authenticated with a bearer token.
func (c *HTTPClient) SetInternalSecret(secret string) {
	c.internalSecret = strings.TrimSpace(secret)
}

func (c *HTTPClient) GetNwbFileAnnotations(ctx context.Context, target Target) (NwbFileAnnotations, error) {
	var items annotations.AnnotationSet
	header, err := c.doJSON(ctx, call{method: http.MethodPost, path: "/api/getNwbFileAnnotations", body: target, out: &items, idempotent: true})
	if err != nil {
		return NwbFileAnnotations{}, err
	}
	if items == nil {
		items = annotations.AnnotationSet{}
	}
	return NwbFileAnnotations{
		Path:     header.Get("X-Annotation-Path"),
		Items:    items,
		CacheHit: header.Get("X-Cache") == "hit",
		ETag:     header.Get("ETag"),
	}, nil
}

// SetNwbFileAnnotations replaces the whole set. It is only retried when the
// service refused it with 429, since any other failure may follow a commit.
func (c *HTTPClient) SetNwbFileAnnotations(ctx context.Context, target Target, items annotations.AnnotationSet, message string) (annotations.WriteResult, error) {
	if items == nil {
		items = annotations.AnnotationSet{}
	}
	body := struct {
		Target
		Annotations annotations.AnnotationSet `json:"annotations"`
		Message     string                    `json:"message,omitempty"`
	}{Target: target, Annotations: items, Message: message}
	var result annotations.WriteResult
	if _, err := c.doJSON(ctx, call{method: http.MethodPost, path: "/api/setNwbFileAnnotations", body: body, out: &result}); err != nil {
		return annotations.WriteResult{}, err
	}
	return result, nil
}

func (c *HTTPClient) GetAnnotations(ctx context.Context, query annotations.AnnotationQuery) ([]annotations.Annotation, error) {
	var resp struct {
		Annotations []annotations.Annotation `json:"annotations"`
	}
	if _, err := c.doJSON(ctx, call{method: http.MethodPost, path: "/api/getAnnotations", body: query, out: &resp, idempotent: true}); err != nil {
		return nil, err
	}
	if resp.Annotations == nil {
		resp.Annotations = []annotations.Annotation{}
	}
	return resp.Annotations, nil
}

func (c *HTTPClient) AddAnnotation(ctx context.Context, a annotations.Annotation) (string, error) {
	var resp struct {
		AnnotationID string `json:"annotationId"`
	}
	if _, err := c.doJSON(ctx, call{method: http.MethodPost, path: "/api/addAnnotation", body: a, out: &resp}); err != nil {
		return "", err
	}
	return resp.AnnotationID, nil
}

func (c *HTTPClient) DeleteAnnotation(ctx context.Context, annotationID string) error {
	body := map[string]string{"annotationId": annotationID}
	_, err := c.doJSON(ctx, call{method: http.MethodPost, path: "/api/deleteAnnotation", body: body, idempotent: true})
	return err
}

func (c *HTTPClient) ListEvents(ctx context.Context, cursor string, limit int) (annotations.EventFeed, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/events"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var feed annotations.EventFeed
	if _, err := c.doJSON(ctx, call{method: http.MethodGet, path: path, out: &feed, idempotent: true}); err != nil {
		return annotations.EventFeed{}, err
	}
	return feed, nil
}

func (c *HTTPClient) InvalidateCache(ctx context.Context, req CacheInvalidation) error {
	if c.internalSecret == "" {
		return fmt.Errorf("%w: internal secret is not configured", annotations.ErrInvalidInput)
	}
	_, err := c.doJSON(ctx, call{
		method:     http.MethodPost,
		path:       "/v1/internal/cache-invalidations",
		body:       req,
		idempotent: true,
		sign: func(body []byte) map[string]string {
			ts := c.now().UTC().Format(time.RFC3339Nano)
			return map[string]string{
				"X-Internal-Timestamp": ts,
				"X-Internal-Signature": SignInternalRequest(c.internalSecret, ts, body),
			}
		},
	})
	return err
}

// SignInternalRequest returns the hex HMAC-SHA256 of timestamp, a newline and
// the body.
func SignInternalRequest(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type call struct {
	method string
	path   string
	body   any
	out    any
	// idempotent calls are retried on transport errors and 5xx responses;
	// every call is retried on 429.
	idempotent bool
	// sign is evaluated per attempt so each retry carries a fresh signature.
	sign func(body []byte) map[string]string
}

func (c *HTTPClient) doJSON(ctx context.Context, cl call) (http.Header, error) {
	var bodyBytes []byte
	if cl.body != nil {
		var err error
		bodyBytes, err = json.Marshal(cl.body)
		if err != nil {
			return nil, err
		}
	}
	correlationID := "cli_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, cl.method, c.baseURL+cl.path, bodyReader)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if cl.body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if cl.sign != nil {
			for key, value := range cl.sign(bodyBytes) {
				req.Header.Set(key, value)
			}
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if cl.idempotent && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, fmt.Errorf("%w: %s %s: %w", annotations.ErrTransport, cl.method, cl.path, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if cl.out == nil || len(payloadBytes) == 0 {
				return resp.Header, nil
			}
			return resp.Header, json.Unmarshal(payloadBytes, cl.out)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests ||
			(cl.idempotent && resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		var errPayload struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlationId"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return nil, &ConflictError{Path: cl.path, Message: errPayload.Message}
		}
		return nil, &HTTPError{
			StatusCode:    resp.StatusCode,
			Code:          errPayload.Code,
			Message:       errPayload.Message,
			CorrelationID: errPayload.CorrelationID,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
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
