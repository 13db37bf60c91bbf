package canvas

import (
	"strings"

	"github.com/google/uuid"
)

// History ledger: the durable per-(user, canvas) undo/redo stacks. Entries
// are atomic batches of before/after pairs; applying one is all-or-nothing
// from any other reader's point of view because it runs under the canvas
// mutex. The ephemeral client-side tier mirrors these stacks (see
// internal/boardsync); this ledger is the authority.

func validHistoryKind(kind string) bool {
	switch kind {
	case HistoryKindCreate, HistoryKindUpdate, HistoryKindDelete,
		HistoryKindReorder, HistoryKindGroup, HistoryKindUngroup:
		return true
	}
	return false
}

// PushHistory appends an externally composed entry (e.g. a multi-object
// batch from a composite tool) to the user's undo stack. Core mutations
// record their own entries; this is the inbound push_history surface.
func (s *Store) PushHistory(canvasID, userID string, entry HistoryEntry) error {
	if canvasID == "" || userID == "" {
		return ErrInvalidInput
	}
	if !validHistoryKind(strings.TrimSpace(entry.Kind)) || len(entry.Pairs) == 0 {
		return ErrInvalidInput
	}
	for _, pair := range entry.Pairs {
		if pair.Before == nil && pair.After == nil {
			return ErrInvalidInput
		}
	}
	cs := s.canvasFor(canvasID, true)
	cs.mu.Lock()
	s.pushHistoryLocked(cs, userID, entry)
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()
	return nil
}

// pushHistoryLocked appends to the undo stack, clears the redo stack (no
// branching timelines), and evicts the oldest entry once the cap is hit.
func (s *Store) pushHistoryLocked(cs *canvasState, userID string, entry HistoryEntry) {
	h := cs.histories[userID]
	if h == nil {
		h = &userHistory{}
		cs.histories[userID] = h
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	h.Undo = append(h.Undo, cloneEntry(entry))
	limit := s.currentHistoryLimit()
	if len(h.Undo) > limit {
		h.Undo = append(h.Undo[:0:0], h.Undo[len(h.Undo)-limit:]...)
	}
	h.Redo = h.Redo[:0]
	h.UpdatedAt = s.now()
}

// Undo pops the top undo entry, restores every pair's Before state in one
// atomic batch, and moves the entry to the redo stack. An empty stack is a
// no-op, not an error: the returned entry is nil.
func (s *Store) Undo(canvasID, userID, correlationID string) (*HistoryEntry, []Object, error) {
	return s.applyHistory(canvasID, userID, correlationID, true)
}

// Redo re-applies the top redo entry's After states and moves it back to the
// undo stack. Empty stack is a no-op.
func (s *Store) Redo(canvasID, userID, correlationID string) (*HistoryEntry, []Object, error) {
	return s.applyHistory(canvasID, userID, correlationID, false)
}

func (s *Store) applyHistory(canvasID, userID, correlationID string, undo bool) (*HistoryEntry, []Object, error) {
	if canvasID == "" || userID == "" {
		return nil, nil, ErrInvalidInput
	}
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return nil, nil, nil
	}
	cs.mu.Lock()
	h := cs.histories[userID]
	if h == nil {
		cs.mu.Unlock()
		return nil, nil, nil
	}
	var entry HistoryEntry
	if undo {
		if len(h.Undo) == 0 {
			cs.mu.Unlock()
			return nil, nil, nil
		}
		entry = h.Undo[len(h.Undo)-1]
		h.Undo = h.Undo[:len(h.Undo)-1]
		h.Redo = append(h.Redo, entry)
		if limit := s.currentHistoryLimit(); len(h.Redo) > limit {
			h.Redo = append(h.Redo[:0:0], h.Redo[len(h.Redo)-limit:]...)
		}
	} else {
		if len(h.Redo) == 0 {
			cs.mu.Unlock()
			return nil, nil, nil
		}
		entry = h.Redo[len(h.Redo)-1]
		h.Redo = h.Redo[:len(h.Redo)-1]
		h.Undo = append(h.Undo, entry)
		if limit := s.currentHistoryLimit(); len(h.Undo) > limit {
			h.Undo = append(h.Undo[:0:0], h.Undo[len(h.Undo)-limit:]...)
		}
	}
	h.UpdatedAt = s.now()

	now := s.now()
	applied := make([]Object, 0, len(entry.Pairs))
	deleted := make([]string, 0, 2)
	for _, pair := range entry.Pairs {
		target := pair.Before
		if !undo {
			target = pair.After
		}
		removedID := ""
		if target == nil {
			if undo && pair.After != nil {
				removedID = pair.After.ID
			}
			if !undo && pair.Before != nil {
				removedID = pair.Before.ID
			}
			if removedID != "" {
				delete(cs.objects, removedID)
				deleted = append(deleted, removedID)
			}
			continue
		}
		restored := cloneObject(target)
		restored.CanvasID = canvasID
		restored.UpdatedAt = now
		cs.objects[restored.ID] = restored
		applied = append(applied, *cloneObject(restored))
	}
	result := cloneEntry(entry)
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()

	kind := "redo"
	if undo {
		kind = "undo"
	}
	s.metrics.RecordOperation(kind)
	s.publish(Event{
		CanvasID:      canvasID,
		Type:          EventHistoryApplied,
		CorrelationID: correlationID,
		HistoryKind:   kind,
		Objects:       applied,
		DeletedIDs:    deleted,
	})
	return &result, applied, nil
}

// ClearHistory drops both stacks for the (user, canvas) pair.
func (s *Store) ClearHistory(canvasID, userID string) error {
	if canvasID == "" || userID == "" {
		return ErrInvalidInput
	}
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return nil
	}
	cs.mu.Lock()
	if h := cs.histories[userID]; h != nil {
		h.Undo = h.Undo[:0]
		h.Redo = h.Redo[:0]
		h.UpdatedAt = s.now()
		s.saveLocked(canvasID, cs)
	}
	cs.mu.Unlock()
	return nil
}

// GetHistory reports stack depths without exposing entry contents.
func (s *Store) GetHistory(canvasID, userID string) (HistorySummary, error) {
	if canvasID == "" || userID == "" {
		return HistorySummary{}, ErrInvalidInput
	}
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return HistorySummary{}, nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	h := cs.histories[userID]
	if h == nil {
		return HistorySummary{}, nil
	}
	return HistorySummary{
		UndoDepth: len(h.Undo),
		RedoDepth: len(h.Redo),
		UpdatedAt: h.UpdatedAt,
	}, nil
}
