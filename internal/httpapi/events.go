package httpapi

import (
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// handleEvents serves the change feed. A websocket upgrade streams events
// live after replaying history from ?cursor; a plain GET returns one page.
// Callers only see events caused by their own credential.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "event feed is not configured", correlationID)
		return
	}
	upgrade := strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
	cred, _, authErr := s.authenticate(r, upgrade)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	fingerprint := cred.Fingerprint()
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if !upgrade {
		limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
		writeJSON(w, http.StatusOK, s.events.EventsFor(fingerprint, cursor, limit))
		return
	}

	if origin := r.Header.Get("Origin"); origin != "" && !s.origins.OriginAllowed(origin) {
		writeError(w, http.StatusForbidden, "forbidden", "origin not allowed", correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("event feed upgrade failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	sub := s.events.Subscribe()
	defer sub.Close()
	ctx := conn.CloseRead(r.Context())

	replayed := map[string]struct{}{}
	if cursor != "" {
		for _, event := range s.events.EventsFor(fingerprint, cursor, 0).Events {
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
			replayed[event.EventID] = struct{}{}
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if _, seen := replayed[event.EventID]; seen || !event.VisibleTo(fingerprint) {
				continue
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				s.logger.Debug("event feed write failed", "correlation_id", correlationID, "error", err)
				return
			}
		}
	}
}
