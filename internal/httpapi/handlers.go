package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
)

type nwbFileRequest struct {
	Repo              string                    `json:"repo"`
	DandiInstanceName string                    `json:"dandiInstanceName"`
	DandisetID        string                    `json:"dandisetId"`
	DandisetVersion   string                    `json:"dandisetVersion"`
	AssetPath         string                    `json:"assetPath"`
	AssetID           string                    `json:"assetId"`
	Annotations       annotations.AnnotationSet `json:"annotations"`
	Message           string                    `json:"message"`
}

func (s *Server) target(req nwbFileRequest) (annotations.RepoRef, annotations.AssetKey, error) {
	repo, err := annotations.ParseRepo(req.Repo)
	if err != nil {
		return annotations.RepoRef{}, annotations.AssetKey{}, err
	}
	instance := strings.TrimSpace(req.DandiInstanceName)
	if instance == "" {
		instance = s.cfg.DefaultInstanceName
	}
	return repo, annotations.AssetKey{
		InstanceName: instance,
		DandisetID:   req.DandisetID,
		AssetPath:    req.AssetPath,
		AssetID:      req.AssetID,
	}, nil
}

// annotationSetETag hashes the serialized set, so byte-identical files share a tag.
func annotationSetETag(items annotations.AnnotationSet) (string, error) {
	content, err := annotations.SerializeSet(items)
	if err != nil {
		return "", err
	}
	return `"` + strconv.FormatUint(xxhash.Sum64(content), 16) + `"`, nil
}

func (s *Server) handleGetNwbFileAnnotations(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req nwbFileRequest
	if !s.decodeJSONBody(w, r, correlationID, schemaGetNwbFileAnnotations, &req) {
		return
	}
	cred := requestCredential(r)
	if cred.Empty() {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}
	repo, asset, err := s.target(req)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	result, err := s.syncer.Read(r.Context(), annotations.ReadRequest{Repo: repo, Asset: asset, Credential: cred})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	etag, err := annotationSetETag(result.Items)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("X-Annotation-Path", result.Path)
	if result.CacheHit {
		w.Header().Set("X-Cache", "hit")
	} else {
		w.Header().Set("X-Cache", "miss")
	}
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, result.Items)
}

func (s *Server) handleSetNwbFileAnnotations(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req nwbFileRequest
	if !s.decodeJSONBody(w, r, correlationID, schemaSetNwbFileAnnotations, &req) {
		return
	}
	cred := requestCredential(r)
	if cred.Empty() {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
		return
	}
	repo, asset, err := s.target(req)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	result, err := s.syncer.Write(r.Context(), annotations.WriteRequest{
		Repo:            repo,
		Asset:           asset,
		Items:           req.Annotations,
		Credential:      cred,
		Message:         req.Message,
		CorrelationID:   correlationID,
		DandisetVersion: req.DandisetVersion,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetAnnotations(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var query annotations.AnnotationQuery
	if !s.decodeJSONBody(w, r, correlationID, schemaGetAnnotations, &query) {
		return
	}
	if err := query.Validate(); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	found, err := s.store.Query(r.Context(), query)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"annotations": found})
}

func (s *Server) handleAddAnnotation(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req annotations.Annotation
	if !s.decodeJSONBody(w, r, correlationID, schemaAddAnnotation, &req) {
		return
	}
	_, userID, authErr := s.authenticate(r, false)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if userID != req.UserID {
		writeError(w, http.StatusUnauthorized, "unauthorized", "credential does not belong to userId", correlationID)
		return
	}
	added, err := s.store.Add(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	s.logger.Info("annotation added", "annotation_id", added.AnnotationID, "user", userID, "type", added.AnnotationType)
	writeJSON(w, http.StatusOK, map[string]string{"annotationId": added.AnnotationID})
}

func (s *Server) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req struct {
		AnnotationID string `json:"annotationId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, schemaDeleteAnnotation, &req) {
		return
	}
	_, userID, authErr := s.authenticate(r, false)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if err := s.store.Delete(r.Context(), req.AnnotationID, userID); err != nil {
		if errors.Is(err, annotations.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "annotation not found", correlationID)
			return
		}
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.oauth == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "oauth is not configured", correlationID)
		return
	}
	cred, err := s.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	target, err := url.Parse(s.cfg.LoginRedirectURL)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	query := target.Query()
	query.Set("access_token", string(cred))
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type cacheInvalidationRequest struct {
	Repo                  string `json:"repo"`
	DandiInstanceName     string `json:"dandiInstanceName"`
	DandisetID            string `json:"dandisetId"`
	AssetPath             string `json:"assetPath"`
	AssetID               string `json:"assetId"`
	CredentialFingerprint string `json:"credentialFingerprint"`
}

func (s *Server) handleCacheInvalidation(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.cfg.InternalHMACSecret == "" {
		writeError(w, http.StatusNotImplemented, "not_implemented", "internal auth is not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	timestamp := r.Header.Get(internalTimestampHeader)
	signature := r.Header.Get(internalSignatureHeader)
	now := s.now().UTC()
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	if err := s.schemas.validate(schemaCacheInvalidation, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	var req cacheInvalidationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	repo := ""
	if strings.TrimSpace(req.Repo) != "" {
		parsed, err := annotations.ParseRepo(req.Repo)
		if err != nil {
			s.writeDomainError(w, err, correlationID)
			return
		}
		repo = parsed.String()
	}
	key := annotations.CacheKey{
		Repo: repo,
		Asset: annotations.AssetKey{
			InstanceName: req.DandiInstanceName,
			DandisetID:   req.DandisetID,
			AssetPath:    req.AssetPath,
			AssetID:      req.AssetID,
		},
		Credential: strings.TrimSpace(req.CredentialFingerprint),
	}
	if err := s.syncer.Invalidate(r.Context(), key); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	s.logger.Info("annotation cache invalidated", "path", key.Asset.Path(), "repo", repo, "correlation_id", correlationID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "path": key.Asset.Path()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"syncer": s.syncer.Stats()}
	if s.events != nil {
		resp["subscribers"] = s.events.SubscriberCount()
	}
	writeJSON(w, http.StatusOK, resp)
}
