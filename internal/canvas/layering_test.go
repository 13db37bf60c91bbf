package canvas

import (
	"errors"
	"testing"
)

func zIndexes(t *testing.T, store *Store, canvasID string) map[string]float64 {
	t.Helper()
	objects, err := store.ListObjects(canvasID)
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	out := make(map[string]float64, len(objects))
	for _, obj := range objects {
		out[obj.ID] = obj.ZIndex
	}
	return out
}

func TestMoveForwardSwapsWithNeighbor(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	a := mustCreate(t, store, "board_1", "u_1", "a")
	b := mustCreate(t, store, "board_1", "u_1", "b")
	c := mustCreate(t, store, "board_1", "u_1", "c")

	if _, err := store.MoveForward("board_1", a.ID, "u_1", ""); err != nil {
		t.Fatalf("move forward: %v", err)
	}

	z := zIndexes(t, store, "board_1")
	if z[a.ID] != 2 || z[b.ID] != 1 || z[c.ID] != 3 {
		t.Fatalf("expected a=2 b=1 c=3, got %v", z)
	}
}

func TestBringToFrontAssignsNewTop(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	a := mustCreate(t, store, "board_1", "u_1", "a")
	b := mustCreate(t, store, "board_1", "u_1", "b")
	c := mustCreate(t, store, "board_1", "u_1", "c")

	changed, err := store.BringToFront("board_1", a.ID, "u_1", "")
	if err != nil {
		t.Fatalf("bring to front: %v", err)
	}
	if len(changed) != 1 || changed[0].ZIndex != 4 {
		t.Fatalf("expected a at z=4, got %+v", changed)
	}

	z := zIndexes(t, store, "board_1")
	if z[b.ID] != 2 || z[c.ID] != 3 {
		t.Fatalf("expected others untouched, got %v", z)
	}
}

func TestSendToBackAssignsNewBottom(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	mustCreate(t, store, "board_1", "u_1", "a")
	mustCreate(t, store, "board_1", "u_1", "b")
	c := mustCreate(t, store, "board_1", "u_1", "c")

	changed, err := store.SendToBack("board_1", c.ID, "u_1", "")
	if err != nil {
		t.Fatalf("send to back: %v", err)
	}
	if len(changed) != 1 || changed[0].ZIndex != 0 {
		t.Fatalf("expected c at z=0, got %+v", changed)
	}
}

func TestMoveBoundaries(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	a := mustCreate(t, store, "board_1", "u_1", "a")
	b := mustCreate(t, store, "board_1", "u_1", "b")

	if _, err := store.MoveForward("board_1", b.ID, "u_1", ""); !errors.Is(err, ErrAlreadyAtFront) {
		t.Fatalf("expected ErrAlreadyAtFront, got %v", err)
	}
	if _, err := store.MoveBackward("board_1", a.ID, "u_1", ""); !errors.Is(err, ErrAlreadyAtBack) {
		t.Fatalf("expected ErrAlreadyAtBack, got %v", err)
	}
	if _, err := store.MoveForward("board_1", "obj_missing", "u_1", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForwardThenBackwardRestoresOrder(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	a := mustCreate(t, store, "board_1", "u_1", "a")
	b := mustCreate(t, store, "board_1", "u_1", "b")
	mustCreate(t, store, "board_1", "u_1", "c")
	mustCreate(t, store, "board_1", "u_1", "d")

	if _, err := store.CreateGroup("board_1", []string{a.ID, b.ID}, "u_1", ""); err != nil {
		t.Fatalf("create group: %v", err)
	}
	original := zIndexes(t, store, "board_1")

	if _, err := store.MoveForward("board_1", a.ID, "u_1", ""); err != nil {
		t.Fatalf("move forward: %v", err)
	}
	if _, err := store.MoveBackward("board_1", a.ID, "u_1", ""); err != nil {
		t.Fatalf("move backward: %v", err)
	}

	restored := zIndexes(t, store, "board_1")
	for id, z := range original {
		if restored[id] != z {
			t.Fatalf("expected forward+backward to restore %s to %v, got %v", id, z, restored[id])
		}
	}
}

func TestGroupMovesAsOneBlock(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	a := mustCreate(t, store, "board_1", "u_1", "a")
	b := mustCreate(t, store, "board_1", "u_1", "b")
	c := mustCreate(t, store, "board_1", "u_1", "c")

	if _, err := store.CreateGroup("board_1", []string{a.ID, b.ID}, "u_1", ""); err != nil {
		t.Fatalf("create group: %v", err)
	}

	// The group block (z 1,2) swaps with c (z 3): c drops to the bottom
	// slot and the block shifts up, staying contiguous.
	if _, err := store.MoveForward("board_1", a.ID, "u_1", ""); err != nil {
		t.Fatalf("move group forward: %v", err)
	}
	z := zIndexes(t, store, "board_1")
	if z[c.ID] != 1 || z[a.ID] != 2 || z[b.ID] != 3 {
		t.Fatalf("expected c=1 a=2 b=3, got %v", z)
	}
}

func TestBringGroupToFront(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	a := mustCreate(t, store, "board_1", "u_1", "a")
	b := mustCreate(t, store, "board_1", "u_1", "b")
	c := mustCreate(t, store, "board_1", "u_1", "c")

	if _, err := store.CreateGroup("board_1", []string{a.ID, b.ID}, "u_1", ""); err != nil {
		t.Fatalf("create group: %v", err)
	}
	changed, err := store.BringToFront("board_1", b.ID, "u_1", "")
	if err != nil {
		t.Fatalf("bring group to front: %v", err)
	}
	if len(changed) != 2 {
		t.Fatalf("expected both members to move, got %d", len(changed))
	}
	z := zIndexes(t, store, "board_1")
	if z[a.ID] != 4 || z[b.ID] != 4 {
		t.Fatalf("expected group members at z=4, got %v", z)
	}
	if z[c.ID] != 3 {
		t.Fatalf("expected c untouched at 3, got %v", z[c.ID])
	}
}

func TestZIndexTieBrokenByID(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	a := mustCreate(t, store, "board_1", "u_1", "a")
	b := mustCreate(t, store, "board_1", "u_1", "b")
	if _, err := store.CreateGroup("board_1", []string{a.ID, b.ID}, "u_1", ""); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if _, err := store.BringToFront("board_1", a.ID, "u_1", ""); err != nil {
		t.Fatalf("bring to front: %v", err)
	}

	objects, err := store.ListObjects("board_1")
	if err != nil {
		t.Fatalf("list objects: %v", err)
	}
	// Both group members share z=3; deterministic order falls back to id.
	if objects[0].ID >= objects[1].ID {
		t.Fatalf("expected id tiebreak in list order, got %s before %s", objects[0].ID, objects[1].ID)
	}
}
