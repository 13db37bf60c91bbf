package boardsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openboard/canvasd/internal/canvas"
)

var ErrLocked = errors.New("object locked by another user")

// LockedError is returned when a mutation is refused because another user
// holds the object's edit lock.
type LockedError struct {
	LockedBy     string
	LockedByName string
}

func (e *LockedError) Error() string {
	if e.LockedByName != "" {
		return fmt.Sprintf("locked by %s", e.LockedByName)
	}
	if e.LockedBy != "" {
		return fmt.Sprintf("locked by %s", e.LockedBy)
	}
	return "object locked by another user"
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type ReorderAction string

const (
	ReorderBringToFront ReorderAction = "bring-to-front"
	ReorderSendToBack   ReorderAction = "send-to-back"
	ReorderMoveForward  ReorderAction = "move-forward"
	ReorderMoveBackward ReorderAction = "move-backward"
)

type CreateObjectParams struct {
	Type string          `json:"type"`
	X    float64         `json:"x"`
	Y    float64         `json:"y"`
	Data json.RawMessage `json:"data,omitempty"`
}

type UpdateObjectParams struct {
	Type string          `json:"type,omitempty"`
	X    *float64        `json:"x,omitempty"`
	Y    *float64        `json:"y,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ReorderResult struct {
	Status   string          `json:"status"`
	Boundary string          `json:"boundary"`
	Objects  []canvas.Object `json:"objects"`
}

type GroupResult struct {
	GroupID string          `json:"groupId"`
	Objects []canvas.Object `json:"objects"`
}

type HistoryResult struct {
	Status  string          `json:"status"`
	Kind    string          `json:"kind"`
	Objects []canvas.Object `json:"objects"`
}

type objectList struct {
	Objects []canvas.Object `json:"objects"`
}

// RemoteClient is the surface a session needs from the canvas API. Mutations
// carry a correlation id so the caller can recognize its own broadcasts.
type RemoteClient interface {
	ListObjects(ctx context.Context, canvasID string) ([]canvas.Object, error)
	GetObject(ctx context.Context, canvasID, objectID string) (canvas.Object, error)
	GetHistory(ctx context.Context, canvasID string) (canvas.HistorySummary, error)
	CreateObject(ctx context.Context, canvasID string, params CreateObjectParams, correlationID string) (canvas.Object, error)
	UpdateObject(ctx context.Context, canvasID, objectID string, params UpdateObjectParams, correlationID string) (canvas.Object, error)
	DeleteObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error)
	LockObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error)
	UnlockObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error)
	Reorder(ctx context.Context, canvasID, objectID string, action ReorderAction, correlationID string) (ReorderResult, error)
	GroupObjects(ctx context.Context, canvasID string, objectIDs []string, correlationID string) (GroupResult, error)
	UngroupObjects(ctx context.Context, canvasID, groupID string, objectIDs []string, correlationID string) ([]canvas.Object, error)
	Undo(ctx context.Context, canvasID, correlationID string) (HistoryResult, error)
	Redo(ctx context.Context, canvasID, correlationID string) (HistoryResult, error)
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListObjects(ctx context.Context, canvasID string) ([]canvas.Object, error) {
	var out objectList
	err := c.doJSON(ctx, http.MethodGet, c.canvasPath(canvasID, "objects"), "", nil, &out)
	return out.Objects, err
}

func (c *HTTPClient) GetObject(ctx context.Context, canvasID, objectID string) (canvas.Object, error) {
	var out canvas.Object
	err := c.doJSON(ctx, http.MethodGet, c.canvasPath(canvasID, "objects", objectID), "", nil, &out)
	return out, err
}

func (c *HTTPClient) GetHistory(ctx context.Context, canvasID string) (canvas.HistorySummary, error) {
	var out canvas.HistorySummary
	err := c.doJSON(ctx, http.MethodGet, c.canvasPath(canvasID, "history"), "", nil, &out)
	return out, err
}

func (c *HTTPClient) CreateObject(ctx context.Context, canvasID string, params CreateObjectParams, correlationID string) (canvas.Object, error) {
	var out canvas.Object
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "objects"), correlationID, params, &out)
	return out, err
}

func (c *HTTPClient) UpdateObject(ctx context.Context, canvasID, objectID string, params UpdateObjectParams, correlationID string) (canvas.Object, error) {
	var out canvas.Object
	err := c.doJSON(ctx, http.MethodPatch, c.canvasPath(canvasID, "objects", objectID), correlationID, params, &out)
	return out, err
}

func (c *HTTPClient) DeleteObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error) {
	var out canvas.Object
	err := c.doJSON(ctx, http.MethodDelete, c.canvasPath(canvasID, "objects", objectID), correlationID, nil, &out)
	return out, err
}

func (c *HTTPClient) LockObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error) {
	var out canvas.Object
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "objects", objectID, "lock"), correlationID, nil, &out)
	return out, err
}

func (c *HTTPClient) UnlockObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error) {
	var out canvas.Object
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "objects", objectID, "unlock"), correlationID, nil, &out)
	return out, err
}

func (c *HTTPClient) Reorder(ctx context.Context, canvasID, objectID string, action ReorderAction, correlationID string) (ReorderResult, error) {
	var out ReorderResult
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "objects", objectID, string(action)), correlationID, nil, &out)
	return out, err
}

func (c *HTTPClient) GroupObjects(ctx context.Context, canvasID string, objectIDs []string, correlationID string) (GroupResult, error) {
	var out GroupResult
	body := map[string]any{"objectIds": objectIDs}
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "groups"), correlationID, body, &out)
	return out, err
}

func (c *HTTPClient) UngroupObjects(ctx context.Context, canvasID, groupID string, objectIDs []string, correlationID string) ([]canvas.Object, error) {
	var out objectList
	body := map[string]any{}
	if len(objectIDs) > 0 {
		body["objectIds"] = objectIDs
	}
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "groups", groupID, "ungroup"), correlationID, body, &out)
	return out.Objects, err
}

func (c *HTTPClient) Undo(ctx context.Context, canvasID, correlationID string) (HistoryResult, error) {
	var out HistoryResult
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "history", "undo"), correlationID, nil, &out)
	return out, err
}

func (c *HTTPClient) Redo(ctx context.Context, canvasID, correlationID string) (HistoryResult, error) {
	var out HistoryResult
	err := c.doJSON(ctx, http.MethodPost, c.canvasPath(canvasID, "history", "redo"), correlationID, nil, &out)
	return out, err
}

func (c *HTTPClient) canvasPath(canvasID string, segments ...string) string {
	parts := []string{"/v1/canvases", url.PathEscape(canvasID)}
	for _, segment := range segments {
		parts = append(parts, url.PathEscape(segment))
	}
	return strings.Join(parts, "/")
}

func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath, correlationID string,
	body any,
	out any,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	if correlationID == "" {
		correlationID = fmt.Sprintf("board_%d", time.Now().UnixNano())
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code         string `json:"code"`
			Message      string `json:"message"`
			LockedBy     string `json:"lockedBy"`
			LockedByName string `json:"lockedByName"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &LockedError{
				LockedBy:     errPayload.LockedBy,
				LockedByName: errPayload.LockedByName,
			}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
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
	if delay > maxDelay {
		return maxDelay
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
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
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
