package boardsync

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/openboard/canvasd/internal/canvas"
)

// pendingLimit caps the set of correlation ids awaiting their broadcast
// echo. If an echo never arrives (dropped by a slow feed) the oldest entries
// age out instead of leaking.
const pendingLimit = 256

// Session mirrors one canvas for one client. Mutations go through the remote
// API and are applied to the local cache from the returned state; broadcast
// events from other users are folded in via ApplyEvent. The session
// recognizes its own broadcasts by correlation id and skips them, since the
// mutation response already carried the canonical state.
type Session struct {
	client   RemoteClient
	canvasID string

	mu           sync.Mutex
	objects      map[string]canvas.Object
	pending      map[string]struct{}
	pendingOrder []string
	undoDepth    int
	redoDepth    int
}

func NewSession(client RemoteClient, canvasID string) (*Session, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if canvasID == "" {
		return nil, errors.New("canvas id is required")
	}
	return &Session{
		client:   client,
		canvasID: canvasID,
		objects:  map[string]canvas.Object{},
		pending:  map[string]struct{}{},
	}, nil
}

// Resync replaces the local cache with the server's canonical state. Called
// on connect and after a feed gap.
func (s *Session) Resync(ctx context.Context) error {
	objects, err := s.client.ListObjects(ctx, s.canvasID)
	if err != nil {
		return err
	}
	summary, err := s.client.GetHistory(ctx, s.canvasID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(map[string]canvas.Object, len(objects))
	for _, obj := range objects {
		s.objects[obj.ID] = obj
	}
	s.undoDepth = summary.UndoDepth
	s.redoDepth = summary.RedoDepth
	return nil
}

// ApplyEvent folds a broadcast event into the cache. Returns false when the
// event was skipped: wrong canvas, a self-echo, or entirely stale.
func (s *Session) ApplyEvent(event canvas.Event) bool {
	if event.CanvasID != s.canvasID {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.CorrelationID != "" {
		if _, ok := s.pending[event.CorrelationID]; ok {
			s.dropPendingLocked(event.CorrelationID)
			return false
		}
	}
	applied := false
	for _, id := range event.DeletedIDs {
		if _, ok := s.objects[id]; ok {
			delete(s.objects, id)
			applied = true
		}
	}
	for _, obj := range event.Objects {
		if s.upsertLocked(obj) {
			applied = true
		}
	}
	return applied
}

// Objects returns the cached canvas in stacking order.
func (s *Session) Objects() []canvas.Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]canvas.Object, 0, len(s.objects))
	for _, obj := range s.objects {
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex == out[j].ZIndex {
			return out[i].ID < out[j].ID
		}
		return out[i].ZIndex < out[j].ZIndex
	})
	return out
}

func (s *Session) Object(objectID string) (canvas.Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectID]
	return obj, ok
}

func (s *Session) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undoDepth
}

func (s *Session) RedoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redoDepth
}

func (s *Session) CreateObject(ctx context.Context, params CreateObjectParams) (canvas.Object, error) {
	correlationID := s.nextCorrelationID()
	obj, err := s.client.CreateObject(ctx, s.canvasID, params, correlationID)
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return canvas.Object{}, err
	}
	s.mu.Lock()
	s.upsertLocked(obj)
	s.undoDepth++
	s.redoDepth = 0
	s.mu.Unlock()
	return obj, nil
}

func (s *Session) UpdateObject(ctx context.Context, objectID string, params UpdateObjectParams) (canvas.Object, error) {
	correlationID := s.nextCorrelationID()
	obj, err := s.client.UpdateObject(ctx, s.canvasID, objectID, params, correlationID)
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return canvas.Object{}, err
	}
	s.mu.Lock()
	s.upsertLocked(obj)
	s.undoDepth++
	s.redoDepth = 0
	s.mu.Unlock()
	return obj, nil
}

func (s *Session) DeleteObject(ctx context.Context, objectID string) error {
	correlationID := s.nextCorrelationID()
	if _, err := s.client.DeleteObject(ctx, s.canvasID, objectID, correlationID); err != nil {
		s.forgetCorrelationID(correlationID)
		return err
	}
	s.mu.Lock()
	delete(s.objects, objectID)
	s.undoDepth++
	s.redoDepth = 0
	s.mu.Unlock()
	return nil
}

func (s *Session) LockObject(ctx context.Context, objectID string) (canvas.Object, error) {
	correlationID := s.nextCorrelationID()
	obj, err := s.client.LockObject(ctx, s.canvasID, objectID, correlationID)
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return canvas.Object{}, err
	}
	s.mu.Lock()
	s.upsertLocked(obj)
	s.mu.Unlock()
	return obj, nil
}

func (s *Session) UnlockObject(ctx context.Context, objectID string) (canvas.Object, error) {
	correlationID := s.nextCorrelationID()
	obj, err := s.client.UnlockObject(ctx, s.canvasID, objectID, correlationID)
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return canvas.Object{}, err
	}
	s.mu.Lock()
	s.upsertLocked(obj)
	s.mu.Unlock()
	return obj, nil
}

// Reorder applies a layering action. A boundary no-op leaves the cache and
// history depths untouched.
func (s *Session) Reorder(ctx context.Context, objectID string, action ReorderAction) (ReorderResult, error) {
	correlationID := s.nextCorrelationID()
	result, err := s.client.Reorder(ctx, s.canvasID, objectID, action, correlationID)
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return ReorderResult{}, err
	}
	if result.Status == "noop" {
		s.forgetCorrelationID(correlationID)
		return result, nil
	}
	s.mu.Lock()
	for _, obj := range result.Objects {
		s.upsertLocked(obj)
	}
	s.undoDepth++
	s.redoDepth = 0
	s.mu.Unlock()
	return result, nil
}

func (s *Session) GroupObjects(ctx context.Context, objectIDs []string) (GroupResult, error) {
	correlationID := s.nextCorrelationID()
	result, err := s.client.GroupObjects(ctx, s.canvasID, objectIDs, correlationID)
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return GroupResult{}, err
	}
	s.mu.Lock()
	for _, obj := range result.Objects {
		s.upsertLocked(obj)
	}
	s.undoDepth++
	s.redoDepth = 0
	s.mu.Unlock()
	return result, nil
}

func (s *Session) UngroupObjects(ctx context.Context, groupID string, objectIDs []string) ([]canvas.Object, error) {
	correlationID := s.nextCorrelationID()
	objects, err := s.client.UngroupObjects(ctx, s.canvasID, groupID, objectIDs, correlationID)
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return nil, err
	}
	s.mu.Lock()
	for _, obj := range objects {
		s.upsertLocked(obj)
	}
	s.undoDepth++
	s.redoDepth = 0
	s.mu.Unlock()
	return objects, nil
}

func (s *Session) Undo(ctx context.Context) (HistoryResult, error) {
	return s.applyHistory(ctx, true)
}

func (s *Session) Redo(ctx context.Context) (HistoryResult, error) {
	return s.applyHistory(ctx, false)
}

func (s *Session) applyHistory(ctx context.Context, undo bool) (HistoryResult, error) {
	correlationID := s.nextCorrelationID()
	var (
		result HistoryResult
		err    error
	)
	if undo {
		result, err = s.client.Undo(ctx, s.canvasID, correlationID)
	} else {
		result, err = s.client.Redo(ctx, s.canvasID, correlationID)
	}
	if err != nil {
		s.forgetCorrelationID(correlationID)
		return HistoryResult{}, err
	}
	if result.Status == "noop" {
		s.forgetCorrelationID(correlationID)
		return result, nil
	}
	// The applied entry's object payload is the canonical post-apply state;
	// objects absent from it that the entry deleted arrive via the broadcast
	// DeletedIDs, so resync to stay exact.
	if err := s.Resync(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// upsertLocked installs an object copy unless the cached row is newer. The
// server's monotonic UpdatedAt makes this a safe staleness check.
func (s *Session) upsertLocked(obj canvas.Object) bool {
	current, ok := s.objects[obj.ID]
	if ok && current.UpdatedAt.After(obj.UpdatedAt) {
		return false
	}
	s.objects[obj.ID] = obj
	return true
}

func (s *Session) nextCorrelationID() string {
	id := "board_" + uuid.NewString()
	s.mu.Lock()
	s.pending[id] = struct{}{}
	s.pendingOrder = append(s.pendingOrder, id)
	for len(s.pendingOrder) > pendingLimit {
		oldest := s.pendingOrder[0]
		s.pendingOrder = s.pendingOrder[1:]
		delete(s.pending, oldest)
	}
	s.mu.Unlock()
	return id
}

func (s *Session) forgetCorrelationID(id string) {
	s.mu.Lock()
	s.dropPendingLocked(id)
	s.mu.Unlock()
}

func (s *Session) dropPendingLocked(id string) {
	delete(s.pending, id)
	for i, candidate := range s.pendingOrder {
		if candidate == id {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}
}
