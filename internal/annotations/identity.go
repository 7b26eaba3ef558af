package annotations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	"golang.org/x/sync/singleflight"
)

// IdentityResolver maps a credential to a stable user identity such as
// "github|octocat".
type IdentityResolver interface {
	Resolve(ctx context.Context, cred Credential) (string, error)
}

const defaultMaxIdentities = 10000

type GitHubIdentityResolver struct {
	api    githubAPI
	flight singleflight.Group

	mu         sync.RWMutex
	cache      map[string]string
	maxEntries int
}

var _ IdentityResolver = (*GitHubIdentityResolver)(nil)

func NewGitHubIdentityResolver(opts GitHubClientOptions) *GitHubIdentityResolver {
	return &GitHubIdentityResolver{
		api:        newGitHubAPI(opts),
		cache:      map[string]string{},
		maxEntries: defaultMaxIdentities,
	}
}

func (r *GitHubIdentityResolver) Resolve(ctx context.Context, cred Credential) (string, error) {
	if cred.Empty() {
		return "", fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	fingerprint := cred.Fingerprint()
	r.mu.RLock()
	userID, ok := r.cache[fingerprint]
	r.mu.RUnlock()
	if ok {
		return userID, nil
	}

	lookupCtx := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(fingerprint, func() (any, error) {
		return r.lookup(lookupCtx, cred, fingerprint)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (r *GitHubIdentityResolver) lookup(ctx context.Context, cred Credential, fingerprint string) (string, error) {
	resp, err := r.api.do(ctx, "resolve identity", http.MethodGet, r.api.url("user"), cred, githubJSONMediaType, nil, true)
	if err != nil {
		return "", err
	}
	if resp.status != http.StatusOK {
		classified := r.api.classify("resolve identity", resp)
		if resp.status == http.StatusNotFound {
			return "", fmt.Errorf("%w: %v", ErrUnauthorized, classified)
		}
		return "", classified
	}
	var user struct {
		Login string `json:"login"`
	}
	if err := json.Unmarshal(resp.body, &user); err != nil || strings.TrimSpace(user.Login) == "" {
		return "", fmt.Errorf("%w: identity response has no login", ErrUnauthorized)
	}
	id := "github|" + user.Login
	r.remember(fingerprint, id)
	return id, nil
}

// remember caches id, evicting an arbitrary entry once the cache is full.
func (r *GitHubIdentityResolver) remember(fingerprint, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache[fingerprint]; !ok && r.maxEntries > 0 {
		for victim := range r.cache {
			if len(r.cache) < r.maxEntries {
				break
			}
			delete(r.cache, victim)
		}
	}
	r.cache[fingerprint] = id
}

type OAuthOptions struct {
	// BaseURL replaces https://github.com for the token endpoint.
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// OAuthExchanger trades a GitHub OAuth authorization code for an access token.
type OAuthExchanger struct {
	config     oauth2.Config
	httpClient *http.Client
}

func NewOAuthExchanger(opts OAuthOptions) *OAuthExchanger {
	endpoint := endpoints.GitHub
	if baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"); baseURL != "" {
		endpoint.AuthURL = baseURL + "/login/oauth/authorize"
		endpoint.TokenURL = baseURL + "/login/oauth/access_token"
		endpoint.DeviceAuthURL = baseURL + "/login/device/code"
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &OAuthExchanger{
		config: oauth2.Config{
			ClientID:     strings.TrimSpace(opts.ClientID),
			ClientSecret: strings.TrimSpace(opts.ClientSecret),
			Endpoint:     endpoint,
		},
		httpClient: httpClient,
	}
}

func (o *OAuthExchanger) Exchange(ctx context.Context, code string) (Credential, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: missing code", ErrInvalidInput)
	}
	if o.config.ClientID == "" || o.config.ClientSecret == "" {
		return "", fmt.Errorf("%w: oauth client is not configured", ErrNotImplemented)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		return "", classifyOAuthError(err)
	}
	if token.AccessToken == "" {
		return "", &RemoteError{Op: "oauth exchange", StatusCode: http.StatusOK, Message: "response has no access token", Category: ErrUnauthorized}
	}
	return Credential(token.AccessToken), nil
}

// classifyOAuthError maps token endpoint failures onto the error categories.
// GitHub reports a rejected code with status 200 and an error body, which the
// oauth2 package surfaces as a response without an access token.
func classifyOAuthError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		category := ErrTransport
		if retrieveErr.ErrorCode != "" || (status >= 400 && status < 500) {
			category = ErrUnauthorized
		}
		return &RemoteError{
			Op:         "oauth exchange",
			StatusCode: status,
			Message:    strings.TrimSpace(retrieveErr.ErrorCode + " " + retrieveErr.ErrorDescription),
			Category:   category,
		}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: oauth exchange: %w", ErrTransport, err)
	}
	return &RemoteError{Op: "oauth exchange", StatusCode: http.StatusOK, Message: err.Error(), Category: ErrUnauthorized}
}
