package canvas

import (
	"errors"
	"testing"
	"time"
)

func TestUndoRedoUpdateRoundTrip(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	x := 50.0
	if _, err := store.UpdateObject(UpdateObjectRequest{
		CanvasID: "board_1",
		ObjectID: obj.ID,
		X:        &x,
		UserID:   "u_1",
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	entry, applied, err := store.Undo("board_1", "u_1", "")
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if entry == nil || entry.Kind != HistoryKindUpdate {
		t.Fatalf("expected update entry, got %+v", entry)
	}
	if len(applied) != 1 || applied[0].X != 0 {
		t.Fatalf("expected position reverted, got %+v", applied)
	}

	entry, applied, err = store.Redo("board_1", "u_1", "")
	if err != nil {
		t.Fatalf("redo: %v", err)
	}
	if entry == nil || len(applied) != 1 || applied[0].X != 50 {
		t.Fatalf("expected redo to reapply update, got %+v", applied)
	}
}

func TestUndoCreateDeletesAndRedoRestores(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	entry, applied, err := store.Undo("board_1", "u_1", "")
	if err != nil {
		t.Fatalf("undo create: %v", err)
	}
	if entry == nil || entry.Kind != HistoryKindCreate || len(applied) != 0 {
		t.Fatalf("expected create entry with no surviving objects, got %+v %+v", entry, applied)
	}
	if _, err := store.GetObject("board_1", obj.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected object gone after undoing create, got %v", err)
	}

	if _, _, err := store.Redo("board_1", "u_1", ""); err != nil {
		t.Fatalf("redo create: %v", err)
	}
	restored, err := store.GetObject("board_1", obj.ID)
	if err != nil {
		t.Fatalf("expected object restored by redo: %v", err)
	}
	if restored.Type != "sticky" {
		t.Fatalf("unexpected restored object: %+v", restored)
	}
}

func TestUndoDeleteRestoresWithFreshTimestamp(t *testing.T) {
	store, clock := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	clock.Advance(time.Minute)
	if _, err := store.DeleteObject("board_1", obj.ID, "u_1", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}

	clock.Advance(time.Minute)
	_, applied, err := store.Undo("board_1", "u_1", "")
	if err != nil {
		t.Fatalf("undo delete: %v", err)
	}
	if len(applied) != 1 || applied[0].ID != obj.ID {
		t.Fatalf("expected object restored, got %+v", applied)
	}
	// The restored row gets a fresh UpdatedAt so clients' staleness checks
	// treat it as the newest state.
	if !applied[0].UpdatedAt.After(obj.UpdatedAt) {
		t.Fatalf("expected restored UpdatedAt to advance, got %v vs %v", applied[0].UpdatedAt, obj.UpdatedAt)
	}
}

func TestEmptyStacksAreNoops(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})

	entry, applied, err := store.Undo("board_1", "u_1", "")
	if err != nil || entry != nil || applied != nil {
		t.Fatalf("expected nil no-op on empty undo, got %+v %+v %v", entry, applied, err)
	}
	entry, applied, err = store.Redo("board_1", "u_1", "")
	if err != nil || entry != nil || applied != nil {
		t.Fatalf("expected nil no-op on empty redo, got %+v %+v %v", entry, applied, err)
	}
}

func TestNewMutationClearsRedo(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	mustCreate(t, store, "board_1", "u_1", "a")

	if _, _, err := store.Undo("board_1", "u_1", ""); err != nil {
		t.Fatalf("undo: %v", err)
	}
	summary, err := store.GetHistory("board_1", "u_1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if summary.RedoDepth != 1 {
		t.Fatalf("expected redo depth 1 after undo, got %d", summary.RedoDepth)
	}

	mustCreate(t, store, "board_1", "u_1", "b")
	summary, err = store.GetHistory("board_1", "u_1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if summary.RedoDepth != 0 {
		t.Fatalf("expected new mutation to clear redo stack, got depth %d", summary.RedoDepth)
	}
	if summary.UndoDepth != 1 {
		t.Fatalf("expected undo depth 1, got %d", summary.UndoDepth)
	}
}

func TestHistoryCapEvictsOldest(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{HistoryLimit: 3})

	for i := 0; i < 5; i++ {
		mustCreate(t, store, "board_1", "u_1", "sticky")
	}
	summary, err := store.GetHistory("board_1", "u_1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if summary.UndoDepth != 3 {
		t.Fatalf("expected undo depth capped at 3, got %d", summary.UndoDepth)
	}

	// Only the three newest entries replay.
	for i := 0; i < 3; i++ {
		entry, _, err := store.Undo("board_1", "u_1", "")
		if err != nil || entry == nil {
			t.Fatalf("undo %d: %+v %v", i, entry, err)
		}
	}
	entry, _, err := store.Undo("board_1", "u_1", "")
	if err != nil || entry != nil {
		t.Fatalf("expected exhausted stack, got %+v %v", entry, err)
	}

	objects, err := store.ListObjects("board_1")
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected the 2 evicted creates to survive, got %d objects", len(objects))
	}
}

func TestHistoryIsPerUser(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	mustCreate(t, store, "board_1", "u_alice", "a")
	mustCreate(t, store, "board_1", "u_bob", "b")

	entry, _, err := store.Undo("board_1", "u_alice", "")
	if err != nil || entry == nil {
		t.Fatalf("alice undo: %+v %v", entry, err)
	}

	summary, err := store.GetHistory("board_1", "u_bob")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if summary.UndoDepth != 1 || summary.RedoDepth != 0 {
		t.Fatalf("expected bob's ledger untouched, got %+v", summary)
	}

	objects, err := store.ListObjects("board_1")
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	if len(objects) != 1 || objects[0].Type != "b" {
		t.Fatalf("expected only bob's object to remain, got %+v", objects)
	}
}

func TestUndoAppliesBatchAtomically(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, mustCreate(t, store, "board_1", "u_1", "sticky").ID)
	}
	if _, err := store.CreateGroup("board_1", ids, "u_1", ""); err != nil {
		t.Fatalf("create group: %v", err)
	}

	_, applied, err := store.Undo("board_1", "u_1", "")
	if err != nil {
		t.Fatalf("undo group: %v", err)
	}
	if len(applied) != 5 {
		t.Fatalf("expected all 5 pairs applied in one batch, got %d", len(applied))
	}
	for _, obj := range applied {
		if obj.GroupID != "" {
			t.Fatalf("expected every member ungrouped, got %+v", obj)
		}
	}
}

func TestClearHistory(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	mustCreate(t, store, "board_1", "u_1", "a")
	if _, _, err := store.Undo("board_1", "u_1", ""); err != nil {
		t.Fatalf("undo: %v", err)
	}

	if err := store.ClearHistory("board_1", "u_1"); err != nil {
		t.Fatalf("clear history: %v", err)
	}
	summary, err := store.GetHistory("board_1", "u_1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if summary.UndoDepth != 0 || summary.RedoDepth != 0 {
		t.Fatalf("expected empty ledger, got %+v", summary)
	}
}

func TestPushHistoryValidation(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "a")

	if err := store.PushHistory("board_1", "u_1", HistoryEntry{Kind: "paint"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown kind, got %v", err)
	}
	if err := store.PushHistory("board_1", "u_1", HistoryEntry{Kind: HistoryKindUpdate}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty pairs, got %v", err)
	}
	if err := store.PushHistory("board_1", "u_1", HistoryEntry{
		Kind:  HistoryKindUpdate,
		Pairs: []StatePair{{}},
	}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for pair with no states, got %v", err)
	}

	before := cloneObject(&obj)
	after := cloneObject(&obj)
	after.X = 10
	if err := store.PushHistory("board_1", "u_1", HistoryEntry{
		Kind:  HistoryKindUpdate,
		Pairs: []StatePair{{Before: before, After: after}},
	}); err != nil {
		t.Fatalf("push valid entry: %v", err)
	}
	summary, err := store.GetHistory("board_1", "u_1")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if summary.UndoDepth != 2 {
		t.Fatalf("expected pushed entry on stack, got depth %d", summary.UndoDepth)
	}
}
