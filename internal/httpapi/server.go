package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openboard/canvasd/internal/canvas"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	store       *canvas.Store
	metrics     *canvas.Metrics
	cfg         ServerConfig
	schemas     *requestSchemas
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(store *canvas.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *canvas.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		// Schemas are compile-time constants; failure here is a programming
		// error, not an operational one.
		panic(err)
	}
	return &Server{
		store:       store,
		cfg:         cfg,
		schemas:     schemas,
		rateLimiter: limiter,
	}
}

// WithMetrics attaches the subscriber gauge used by the websocket feed.
func (s *Server) WithMetrics(m *canvas.Metrics) *Server {
	s.metrics = m
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "canvases" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	canvasID := parts[2]
	if canvasID == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "objects" && r.Method == http.MethodGet:
		requiredScope = "canvas:read"
		route = "list_objects"
	case len(parts) == 4 && parts[3] == "objects" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "create_object"
	case len(parts) == 5 && parts[3] == "objects" && r.Method == http.MethodGet:
		requiredScope = "canvas:read"
		route = "get_object"
	case len(parts) == 5 && parts[3] == "objects" && r.Method == http.MethodPatch:
		requiredScope = "canvas:write"
		route = "update_object"
	case len(parts) == 5 && parts[3] == "objects" && r.Method == http.MethodDelete:
		requiredScope = "canvas:write"
		route = "delete_object"
	case len(parts) == 6 && parts[3] == "objects" && parts[5] == "lock" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "lock_object"
	case len(parts) == 6 && parts[3] == "objects" && parts[5] == "unlock" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "unlock_object"
	case len(parts) == 6 && parts[3] == "objects" && parts[5] == "bring-to-front" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "bring_to_front"
	case len(parts) == 6 && parts[3] == "objects" && parts[5] == "send-to-back" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "send_to_back"
	case len(parts) == 6 && parts[3] == "objects" && parts[5] == "move-forward" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "move_forward"
	case len(parts) == 6 && parts[3] == "objects" && parts[5] == "move-backward" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "move_backward"
	case len(parts) == 4 && parts[3] == "groups" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "create_group"
	case len(parts) == 6 && parts[3] == "groups" && parts[5] == "ungroup" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "ungroup"
	case len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodGet:
		requiredScope = "canvas:read"
		route = "get_history"
	case len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "push_history"
	case len(parts) == 4 && parts[3] == "history" && r.Method == http.MethodDelete:
		requiredScope = "canvas:write"
		route = "clear_history"
	case len(parts) == 5 && parts[3] == "history" && parts[4] == "undo" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "undo"
	case len(parts) == 5 && parts[3] == "history" && parts[4] == "redo" && r.Method == http.MethodPost:
		requiredScope = "canvas:write"
		route = "redo"
	case len(parts) == 5 && parts[3] == "locks" && parts[4] == "release" && r.Method == http.MethodPost:
		requiredScope = "canvas:admin"
		route = "release_locks"
	case len(parts) == 4 && parts[3] == "ws" && r.Method == http.MethodGet:
		requiredScope = "canvas:read"
		route = "ws"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, canvasID, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "ws" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil && route != "ws" {
		key := canvasID + "|" + claims.UserID
		if !s.rateLimiter.allow(key, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list_objects":
		s.handleListObjects(w, canvasID, correlationID)
	case "create_object":
		s.handleCreateObject(w, r, canvasID, claims, correlationID)
	case "get_object":
		s.handleGetObject(w, canvasID, parts[4], correlationID)
	case "update_object":
		s.handleUpdateObject(w, r, canvasID, parts[4], claims, correlationID)
	case "delete_object":
		s.handleDeleteObject(w, canvasID, parts[4], claims, correlationID)
	case "lock_object":
		s.handleLockObject(w, canvasID, parts[4], claims, correlationID)
	case "unlock_object":
		s.handleUnlockObject(w, canvasID, parts[4], claims, correlationID)
	case "bring_to_front":
		s.handleReorder(w, canvasID, parts[4], claims, correlationID, s.store.BringToFront)
	case "send_to_back":
		s.handleReorder(w, canvasID, parts[4], claims, correlationID, s.store.SendToBack)
	case "move_forward":
		s.handleReorder(w, canvasID, parts[4], claims, correlationID, s.store.MoveForward)
	case "move_backward":
		s.handleReorder(w, canvasID, parts[4], claims, correlationID, s.store.MoveBackward)
	case "create_group":
		s.handleCreateGroup(w, r, canvasID, claims, correlationID)
	case "ungroup":
		s.handleUngroup(w, r, canvasID, parts[4], claims, correlationID)
	case "get_history":
		s.handleGetHistory(w, canvasID, claims, correlationID)
	case "push_history":
		s.handlePushHistory(w, r, canvasID, claims, correlationID)
	case "clear_history":
		s.handleClearHistory(w, canvasID, claims, correlationID)
	case "undo":
		s.handleHistoryApply(w, canvasID, claims, correlationID, true)
	case "redo":
		s.handleHistoryApply(w, canvasID, claims, correlationID, false)
	case "release_locks":
		s.handleReleaseLocks(w, r, canvasID, correlationID)
	case "ws":
		s.handleWebsocket(w, r, canvasID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleListObjects(w http.ResponseWriter, canvasID, correlationID string) {
	objects, err := s.store.ListObjects(canvasID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

func (s *Server) handleCreateObject(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.createObject, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		Type string          `json:"type"`
		X    float64         `json:"x"`
		Y    float64         `json:"y"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	obj, err := s.store.CreateObject(canvas.CreateObjectRequest{
		CanvasID:      canvasID,
		Type:          req.Type,
		Data:          req.Data,
		X:             req.X,
		Y:             req.Y,
		UserID:        claims.UserID,
		CorrelationID: correlationID,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, obj)
}

func (s *Server) handleGetObject(w http.ResponseWriter, canvasID, objectID, correlationID string) {
	obj, err := s.store.GetObject(canvasID, objectID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleUpdateObject(w http.ResponseWriter, r *http.Request, canvasID, objectID string, claims tokenClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.updateObject, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var req struct {
		Type string          `json:"type"`
		X    *float64        `json:"x"`
		Y    *float64        `json:"y"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	obj, err := s.store.UpdateObject(canvas.UpdateObjectRequest{
		CanvasID:      canvasID,
		ObjectID:      objectID,
		Type:          req.Type,
		Data:          req.Data,
		X:             req.X,
		Y:             req.Y,
		UserID:        claims.UserID,
		CorrelationID: correlationID,
	})
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, canvasID, objectID string, claims tokenClaims, correlationID string) {
	obj, err := s.store.DeleteObject(canvasID, objectID, claims.UserID, correlationID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleLockObject(w http.ResponseWriter, canvasID, objectID string, claims tokenClaims, correlationID string) {
	obj, err := s.store.AcquireLock(canvasID, objectID, canvas.LockInfo{
		UserID:       claims.UserID,
		DisplayName:  claims.DisplayName,
		DisplayColor: claims.DisplayColor,
	}, correlationID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleUnlockObject(w http.ResponseWriter, canvasID, objectID string, claims tokenClaims, correlationID string) {
	admin := hasScope(claims.Scopes, "canvas:admin")
	obj, err := s.store.ReleaseLock(canvasID, objectID, claims.UserID, admin, correlationID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

func (s *Server) handleReorder(w http.ResponseWriter, canvasID, objectID string, claims tokenClaims, correlationID string, op func(canvasID, objectID, userID, correlationID string) ([]canvas.Object, error)) {
	objects, err := op(canvasID, objectID, claims.UserID, correlationID)
	if err != nil {
		switch {
		case errors.Is(err, canvas.ErrAlreadyAtFront):
			writeJSON(w, http.StatusOK, map[string]any{"status": "noop", "boundary": "front"})
		case errors.Is(err, canvas.ErrAlreadyAtBack):
			writeJSON(w, http.StatusOK, map[string]any{"status": "noop", "boundary": "back"})
		default:
			writeStoreError(w, err, correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	var req struct {
		ObjectIDs []string `json:"objectIds"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.store.CreateGroup(canvasID, req.ObjectIDs, claims.UserID, correlationID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleUngroup(w http.ResponseWriter, r *http.Request, canvasID, groupID string, claims tokenClaims, correlationID string) {
	var req struct {
		ObjectIDs []string `json:"objectIds"`
	}
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	objects, err := s.store.Ungroup(canvasID, groupID, req.ObjectIDs, claims.UserID, correlationID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"objects": objects})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, canvasID string, claims tokenClaims, correlationID string) {
	summary, err := s.store.GetHistory(canvasID, claims.UserID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handlePushHistory records an externally composed entry, e.g. a multi-object
// batch from a composite tool whose individual steps bypassed the store's own
// history recording.
func (s *Server) handlePushHistory(w http.ResponseWriter, r *http.Request, canvasID string, claims tokenClaims, correlationID string) {
	var entry canvas.HistoryEntry
	if !s.decodeJSONBody(w, r, correlationID, &entry) {
		return
	}
	if err := s.store.PushHistory(canvasID, claims.UserID, entry); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	summary, err := s.store.GetHistory(canvasID, claims.UserID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, canvasID string, claims tokenClaims, correlationID string) {
	if err := s.store.ClearHistory(canvasID, claims.UserID); err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHistoryApply(w http.ResponseWriter, canvasID string, claims tokenClaims, correlationID string, undo bool) {
	var (
		entry   *canvas.HistoryEntry
		objects []canvas.Object
		err     error
	)
	if undo {
		entry, objects, err = s.store.Undo(canvasID, claims.UserID, correlationID)
	} else {
		entry, objects, err = s.store.Redo(canvasID, claims.UserID, correlationID)
	}
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "noop"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "applied",
		"kind":    entry.Kind,
		"objects": objects,
	})
}

func (s *Server) handleReleaseLocks(w http.ResponseWriter, r *http.Request, canvasID, correlationID string) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing userId", correlationID)
		return
	}
	objects, err := s.store.ReleaseUserLocks(canvasID, req.UserID)
	if err != nil {
		writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": objects})
}

func writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	var conflict *canvas.LockConflictError
	if errors.As(err, &conflict) {
		payload := map[string]any{
			"code":          "already_locked",
			"message":       err.Error(),
			"correlationId": correlationID,
			"lockedBy":      conflict.LockedBy,
		}
		if conflict.DisplayName != "" {
			payload["lockedByName"] = conflict.DisplayName
		}
		writeJSON(w, http.StatusConflict, payload)
		return
	}
	switch {
	case errors.Is(err, canvas.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, canvas.ErrNotOwner):
		writeError(w, http.StatusForbidden, "not_owner", err.Error(), correlationID)
	case errors.Is(err, canvas.ErrAlreadyLocked):
		writeError(w, http.StatusConflict, "already_locked", err.Error(), correlationID)
	case errors.Is(err, canvas.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
	case errors.Is(err, canvas.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
