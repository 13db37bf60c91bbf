package canvas

import (
	"errors"
	"testing"
	"time"
)

func TestAcquireLockRefreshIsIdempotent(t *testing.T) {
	store, clock := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	first, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_1"}, "")
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	clock.Advance(5 * time.Minute)

	second, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_1"}, "")
	if err != nil {
		t.Fatalf("expected same-user re-acquire to succeed, got %v", err)
	}
	if !second.LockedAt.After(*first.LockedAt) {
		t.Fatalf("expected refresh to advance lockedAt, got %v then %v", first.LockedAt, second.LockedAt)
	}
}

func TestAcquireLockConflict(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	if _, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_alice", DisplayName: "Alice"}, ""); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	_, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_bob"}, "")
	if !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	var conflict *LockConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected LockConflictError, got %T", err)
	}
	if conflict.LockedBy != "u_alice" {
		t.Fatalf("expected holder u_alice, got %q", conflict.LockedBy)
	}
}

func TestExpiredLockCanBeTakenOver(t *testing.T) {
	store, clock := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	if _, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_alice"}, ""); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	// Within the window the takeover is refused.
	clock.Advance(9 * time.Minute)
	if _, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_bob"}, ""); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("expected conflict inside timeout, got %v", err)
	}

	// Past the window the stale lock is ignored.
	clock.Advance(2 * time.Minute)
	got, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_bob"}, "")
	if err != nil {
		t.Fatalf("expected takeover after expiry, got %v", err)
	}
	if got.LockedBy != "u_bob" {
		t.Fatalf("expected u_bob to hold the lock, got %q", got.LockedBy)
	}
}

func TestCustomLockTimeout(t *testing.T) {
	store, clock := newTestStore(t, StoreOptions{LockTimeout: time.Minute})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	if _, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_alice"}, ""); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	clock.Advance(90 * time.Second)
	if _, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_bob"}, ""); err != nil {
		t.Fatalf("expected takeover under custom timeout, got %v", err)
	}
}

func TestReleaseLockOwnership(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	if _, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_alice"}, ""); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	if _, err := store.ReleaseLock("board_1", obj.ID, "u_bob", false, ""); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for non-owner release, got %v", err)
	}

	got, err := store.ReleaseLock("board_1", obj.ID, "u_alice", false, "")
	if err != nil {
		t.Fatalf("owner release failed: %v", err)
	}
	if got.LockedBy != "" || got.LockedAt != nil {
		t.Fatalf("expected lock cleared, got %+v", got)
	}
}

func TestReleaseLockAdminOverride(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	if _, err := store.AcquireLock("board_1", obj.ID, LockInfo{UserID: "u_alice"}, ""); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	got, err := store.ReleaseLock("board_1", obj.ID, "u_admin", true, "")
	if err != nil {
		t.Fatalf("admin release failed: %v", err)
	}
	if got.LockedBy != "" {
		t.Fatalf("expected admin release to clear lock, got %+v", got)
	}
}

func TestReleaseUnlockedIsNoop(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	obj := mustCreate(t, store, "board_1", "u_1", "sticky")

	got, err := store.ReleaseLock("board_1", obj.ID, "u_anyone", false, "")
	if err != nil {
		t.Fatalf("expected no-op release to succeed, got %v", err)
	}
	if got.ID != obj.ID || got.LockedBy != "" {
		t.Fatalf("unexpected no-op release result: %+v", got)
	}
}

func TestReleaseUserLocks(t *testing.T) {
	store, _ := newTestStore(t, StoreOptions{})
	first := mustCreate(t, store, "board_1", "u_1", "sticky")
	second := mustCreate(t, store, "board_1", "u_1", "rect")
	third := mustCreate(t, store, "board_1", "u_1", "text")

	for _, id := range []string{first.ID, second.ID} {
		if _, err := store.AcquireLock("board_1", id, LockInfo{UserID: "u_alice"}, ""); err != nil {
			t.Fatalf("acquire lock: %v", err)
		}
	}
	if _, err := store.AcquireLock("board_1", third.ID, LockInfo{UserID: "u_bob"}, ""); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	released, err := store.ReleaseUserLocks("board_1", "u_alice")
	if err != nil {
		t.Fatalf("release user locks: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("expected 2 released locks, got %d", len(released))
	}
	for _, obj := range released {
		if obj.LockedBy != "" {
			t.Fatalf("expected released object to be unlocked, got %+v", obj)
		}
	}

	untouched, err := store.GetObject("board_1", third.ID)
	if err != nil {
		t.Fatalf("get object: %v", err)
	}
	if untouched.LockedBy != "u_bob" {
		t.Fatalf("expected other user's lock untouched, got %+v", untouched)
	}
}
