package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
)

const (
	internalTimestampHeader = "X-Internal-Timestamp"
	internalSignatureHeader = "X-Internal-Signature"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// authenticate resolves the caller's identity from the bearer credential.
// Browsers cannot set headers on websocket upgrades, so an access_token query
// parameter is accepted when allowQuery is set.
func (s *Server) authenticate(r *http.Request, allowQuery bool) (annotations.Credential, string, *authError) {
	cred := requestCredential(r)
	if cred.Empty() && allowQuery {
		cred = annotations.Credential(strings.TrimSpace(r.URL.Query().Get("access_token")))
	}
	if cred.Empty() {
		return "", "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	if s.identity == nil {
		return "", "", &authError{status: http.StatusNotImplemented, code: "not_implemented", message: "identity resolution is not configured"}
	}
	userID, err := s.identity.Resolve(r.Context(), cred)
	if err != nil {
		if errors.Is(err, annotations.ErrUnauthorized) {
			return "", "", &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "credential rejected"}
		}
		return "", "", &authError{status: http.StatusBadGateway, code: "bad_gateway", message: "identity lookup failed"}
	}
	return cred, userID, nil
}

func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing internal auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid internal timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "internal request outside replay window"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	expectedHex := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expectedHex)) {
		return &authError{status: 401, code: "unauthorized", message: "internal signature mismatch"}
	}
	return nil
}

// markInternalReplaySeen reports false when the same timestamp and signature
// were already accepted inside the skew window.
func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}
