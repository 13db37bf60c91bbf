package boardsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openboard/canvasd/internal/canvas"
)

type fakeRemote struct {
	objects         []canvas.Object
	summary         canvas.HistorySummary
	lastCorrelation string
	createResult    canvas.Object
	createErr       error
	lockErr         error
	undoResult      HistoryResult
}

func (f *fakeRemote) ListObjects(ctx context.Context, canvasID string) ([]canvas.Object, error) {
	return f.objects, nil
}

func (f *fakeRemote) GetObject(ctx context.Context, canvasID, objectID string) (canvas.Object, error) {
	for _, obj := range f.objects {
		if obj.ID == objectID {
			return obj, nil
		}
	}
	return canvas.Object{}, canvas.ErrNotFound
}

func (f *fakeRemote) GetHistory(ctx context.Context, canvasID string) (canvas.HistorySummary, error) {
	return f.summary, nil
}

func (f *fakeRemote) CreateObject(ctx context.Context, canvasID string, params CreateObjectParams, correlationID string) (canvas.Object, error) {
	f.lastCorrelation = correlationID
	return f.createResult, f.createErr
}

func (f *fakeRemote) UpdateObject(ctx context.Context, canvasID, objectID string, params UpdateObjectParams, correlationID string) (canvas.Object, error) {
	f.lastCorrelation = correlationID
	return f.createResult, nil
}

func (f *fakeRemote) DeleteObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error) {
	f.lastCorrelation = correlationID
	return canvas.Object{ID: objectID}, nil
}

func (f *fakeRemote) LockObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error) {
	f.lastCorrelation = correlationID
	if f.lockErr != nil {
		return canvas.Object{}, f.lockErr
	}
	return canvas.Object{ID: objectID, LockedBy: "u_self"}, nil
}

func (f *fakeRemote) UnlockObject(ctx context.Context, canvasID, objectID, correlationID string) (canvas.Object, error) {
	f.lastCorrelation = correlationID
	return canvas.Object{ID: objectID}, nil
}

func (f *fakeRemote) Reorder(ctx context.Context, canvasID, objectID string, action ReorderAction, correlationID string) (ReorderResult, error) {
	f.lastCorrelation = correlationID
	return ReorderResult{Status: "noop", Boundary: "front"}, nil
}

func (f *fakeRemote) GroupObjects(ctx context.Context, canvasID string, objectIDs []string, correlationID string) (GroupResult, error) {
	f.lastCorrelation = correlationID
	return GroupResult{GroupID: "g_1"}, nil
}

func (f *fakeRemote) UngroupObjects(ctx context.Context, canvasID, groupID string, objectIDs []string, correlationID string) ([]canvas.Object, error) {
	f.lastCorrelation = correlationID
	return nil, nil
}

func (f *fakeRemote) Undo(ctx context.Context, canvasID, correlationID string) (HistoryResult, error) {
	f.lastCorrelation = correlationID
	return f.undoResult, nil
}

func (f *fakeRemote) Redo(ctx context.Context, canvasID, correlationID string) (HistoryResult, error) {
	f.lastCorrelation = correlationID
	return f.undoResult, nil
}

func TestSessionResyncOrdersObjects(t *testing.T) {
	remote := &fakeRemote{
		objects: []canvas.Object{
			{ID: "obj_b", ZIndex: 2},
			{ID: "obj_a", ZIndex: 1},
		},
		summary: canvas.HistorySummary{UndoDepth: 3, RedoDepth: 1},
	}
	session, err := NewSession(remote, "board_1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	objects := session.Objects()
	if len(objects) != 2 || objects[0].ID != "obj_a" || objects[1].ID != "obj_b" {
		t.Fatalf("expected stacking order obj_a, obj_b, got %+v", objects)
	}
	if session.UndoDepth() != 3 || session.RedoDepth() != 1 {
		t.Fatalf("expected depths 3/1, got %d/%d", session.UndoDepth(), session.RedoDepth())
	}
}

func TestSessionSkipsSelfEcho(t *testing.T) {
	remote := &fakeRemote{
		createResult: canvas.Object{ID: "obj_1", Type: "sticky", UpdatedAt: time.Now()},
	}
	session, err := NewSession(remote, "board_1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	created, err := session.CreateObject(context.Background(), CreateObjectParams{Type: "sticky"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != "obj_1" {
		t.Fatalf("unexpected created object: %+v", created)
	}

	echo := canvas.Event{
		CanvasID:      "board_1",
		Type:          canvas.EventObjectCreated,
		CorrelationID: remote.lastCorrelation,
		Objects:       []canvas.Object{{ID: "obj_1", Type: "changed"}},
	}
	if session.ApplyEvent(echo) {
		t.Fatalf("expected self echo to be skipped")
	}
	if obj, _ := session.Object("obj_1"); obj.Type != "sticky" {
		t.Fatalf("echo should not have mutated cache, got %+v", obj)
	}

	// Same correlation id again is no longer pending, so a genuine event
	// with it now applies.
	if !session.ApplyEvent(echo) {
		t.Fatalf("expected replayed event to apply after pending entry cleared")
	}
}

func TestSessionDropsStaleEvents(t *testing.T) {
	now := time.Now()
	remote := &fakeRemote{
		objects: []canvas.Object{{ID: "obj_1", X: 5, UpdatedAt: now}},
	}
	session, err := NewSession(remote, "board_1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	stale := canvas.Event{
		CanvasID:      "board_1",
		Type:          canvas.EventObjectUpdated,
		CorrelationID: "corr_other",
		Objects:       []canvas.Object{{ID: "obj_1", X: 1, UpdatedAt: now.Add(-time.Minute)}},
	}
	if session.ApplyEvent(stale) {
		t.Fatalf("expected stale event to be dropped")
	}
	if obj, _ := session.Object("obj_1"); obj.X != 5 {
		t.Fatalf("stale event should not overwrite cache, got x=%v", obj.X)
	}

	fresh := canvas.Event{
		CanvasID:      "board_1",
		Type:          canvas.EventObjectUpdated,
		CorrelationID: "corr_other_2",
		Objects:       []canvas.Object{{ID: "obj_1", X: 9, UpdatedAt: now.Add(time.Minute)}},
	}
	if !session.ApplyEvent(fresh) {
		t.Fatalf("expected fresh event to apply")
	}
	if obj, _ := session.Object("obj_1"); obj.X != 9 {
		t.Fatalf("expected fresh event to win, got x=%v", obj.X)
	}
}

func TestSessionAppliesDeletes(t *testing.T) {
	remote := &fakeRemote{
		objects: []canvas.Object{{ID: "obj_1"}, {ID: "obj_2"}},
	}
	session, err := NewSession(remote, "board_1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := session.Resync(context.Background()); err != nil {
		t.Fatalf("resync: %v", err)
	}

	event := canvas.Event{
		CanvasID:      "board_1",
		Type:          canvas.EventObjectDeleted,
		CorrelationID: "corr_other",
		DeletedIDs:    []string{"obj_1"},
	}
	if !session.ApplyEvent(event) {
		t.Fatalf("expected delete event to apply")
	}
	if _, ok := session.Object("obj_1"); ok {
		t.Fatalf("expected obj_1 to be removed")
	}
	if _, ok := session.Object("obj_2"); !ok {
		t.Fatalf("expected obj_2 to survive")
	}
}

func TestSessionIgnoresOtherCanvases(t *testing.T) {
	remote := &fakeRemote{}
	session, err := NewSession(remote, "board_1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	event := canvas.Event{
		CanvasID: "board_other",
		Type:     canvas.EventObjectCreated,
		Objects:  []canvas.Object{{ID: "obj_1"}},
	}
	if session.ApplyEvent(event) {
		t.Fatalf("expected event for another canvas to be ignored")
	}
}

func TestSessionSurfacesLockConflicts(t *testing.T) {
	remote := &fakeRemote{
		lockErr: &LockedError{LockedBy: "u_other", LockedByName: "Other User"},
	}
	session, err := NewSession(remote, "board_1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	_, err = session.LockObject(context.Background(), "obj_1")
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	var locked *LockedError
	if !errors.As(err, &locked) || locked.LockedBy != "u_other" {
		t.Fatalf("expected holder metadata, got %v", err)
	}
}

func TestSessionReorderNoopKeepsDepths(t *testing.T) {
	remote := &fakeRemote{}
	session, err := NewSession(remote, "board_1")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	result, err := session.Reorder(context.Background(), "obj_1", ReorderMoveForward)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if result.Status != "noop" || result.Boundary != "front" {
		t.Fatalf("expected front noop, got %+v", result)
	}
	if session.UndoDepth() != 0 {
		t.Fatalf("noop should not grow undo depth, got %d", session.UndoDepth())
	}
}
