package canvas

import "sort"

// Layer ordering. All four operations are group-aware: a grouped target moves
// its whole group as one visual unit. Each runs entirely under the canvas
// mutex, so two concurrent swaps on one canvas cannot interleave.

// BringToFront assigns max+1 to the target (or every member of its group).
func (s *Store) BringToFront(canvasID, objectID, userID, correlationID string) ([]Object, error) {
	return s.assignEdge(canvasID, objectID, userID, correlationID, true)
}

// SendToBack assigns min-1 to the target (or every member of its group).
func (s *Store) SendToBack(canvasID, objectID, userID, correlationID string) ([]Object, error) {
	return s.assignEdge(canvasID, objectID, userID, correlationID, false)
}

func (s *Store) assignEdge(canvasID, objectID, userID, correlationID string, front bool) ([]Object, error) {
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return nil, ErrNotFound
	}
	cs.mu.Lock()
	obj, ok := cs.objects[objectID]
	if !ok {
		cs.mu.Unlock()
		return nil, ErrNotFound
	}
	affected := affectedLocked(cs, obj)
	var z float64
	if front {
		z = maxZLocked(cs) + 1
	} else {
		z = minZLocked(cs) - 1
	}
	now := s.now()
	pairs := make([]StatePair, 0, len(affected))
	changed := make([]Object, 0, len(affected))
	for _, member := range affected {
		before := cloneObject(member)
		member.ZIndex = z
		member.UpdatedAt = now
		pairs = append(pairs, StatePair{Before: before, After: cloneObject(member)})
		changed = append(changed, *cloneObject(member))
	}
	if userID != "" {
		s.pushHistoryLocked(cs, userID, HistoryEntry{Kind: HistoryKindReorder, Pairs: pairs})
	}
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()

	s.metrics.RecordOperation(HistoryKindReorder)
	s.publish(Event{
		CanvasID:      canvasID,
		Type:          EventObjectsReordered,
		CorrelationID: correlationID,
		Objects:       changed,
	})
	return changed, nil
}

// MoveForward swaps the target (or its group block) with the nearest object
// above it. Returns ErrAlreadyAtFront when no such neighbor exists.
func (s *Store) MoveForward(canvasID, objectID, userID, correlationID string) ([]Object, error) {
	return s.swapWithNeighbor(canvasID, objectID, userID, correlationID, true)
}

// MoveBackward swaps the target (or its group block) with the nearest object
// below it. Returns ErrAlreadyAtBack when no such neighbor exists.
func (s *Store) MoveBackward(canvasID, objectID, userID, correlationID string) ([]Object, error) {
	return s.swapWithNeighbor(canvasID, objectID, userID, correlationID, false)
}

// swapWithNeighbor rotates z-index values within the block formed by the
// affected set plus its neighbor: moving forward, the neighbor takes the
// lowest slot and the block shifts up; moving backward, the mirror image.
// For an ungrouped target this reduces to a plain two-value swap, and a
// forward immediately followed by a backward restores every participant.
func (s *Store) swapWithNeighbor(canvasID, objectID, userID, correlationID string, forward bool) ([]Object, error) {
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return nil, ErrNotFound
	}
	cs.mu.Lock()
	obj, ok := cs.objects[objectID]
	if !ok {
		cs.mu.Unlock()
		return nil, ErrNotFound
	}
	affected := affectedLocked(cs, obj)
	inBlock := make(map[string]bool, len(affected))
	for _, member := range affected {
		inBlock[member.ID] = true
	}

	ordered := zOrderLocked(cs)
	neighbor := findNeighborLocked(ordered, inBlock, forward)
	if neighbor == nil {
		cs.mu.Unlock()
		if forward {
			return nil, ErrAlreadyAtFront
		}
		return nil, ErrAlreadyAtBack
	}

	// Collect the slots (existing z values) held by the block and the
	// neighbor, then reassign occupants in their new order over the same
	// slots. The z values themselves never change, only who holds them, so
	// the total order stays intact.
	participants := append(append([]*Object{}, affected...), neighbor)
	slots := make([]float64, 0, len(participants))
	for _, p := range participants {
		slots = append(slots, p.ZIndex)
	}
	sort.Float64s(slots)

	block := make([]*Object, len(affected))
	copy(block, affected)
	sort.Slice(block, func(i, j int) bool {
		if block[i].ZIndex == block[j].ZIndex {
			return block[i].ID < block[j].ID
		}
		return block[i].ZIndex < block[j].ZIndex
	})

	var occupants []*Object
	if forward {
		occupants = append([]*Object{neighbor}, block...)
	} else {
		occupants = append(block, neighbor)
	}

	now := s.now()
	pairs := make([]StatePair, 0, len(occupants))
	changed := make([]Object, 0, len(occupants))
	for i, occupant := range occupants {
		before := cloneObject(occupant)
		occupant.ZIndex = slots[i]
		occupant.UpdatedAt = now
		pairs = append(pairs, StatePair{Before: before, After: cloneObject(occupant)})
		changed = append(changed, *cloneObject(occupant))
	}
	if userID != "" {
		s.pushHistoryLocked(cs, userID, HistoryEntry{Kind: HistoryKindReorder, Pairs: pairs})
	}
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()

	s.metrics.RecordOperation(HistoryKindReorder)
	s.publish(Event{
		CanvasID:      canvasID,
		Type:          EventObjectsReordered,
		CorrelationID: correlationID,
		Objects:       changed,
	})
	return changed, nil
}

func zOrderLocked(cs *canvasState) []*Object {
	ordered := make([]*Object, 0, len(cs.objects))
	for _, obj := range cs.objects {
		ordered = append(ordered, obj)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].ZIndex == ordered[j].ZIndex {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].ZIndex < ordered[j].ZIndex
	})
	return ordered
}

// findNeighborLocked walks the z-order and returns the nearest object outside
// the block: the first one above the block's top member (forward) or below
// its bottom member (backward).
func findNeighborLocked(ordered []*Object, inBlock map[string]bool, forward bool) *Object {
	if forward {
		top := -1
		for i, obj := range ordered {
			if inBlock[obj.ID] {
				top = i
			}
		}
		for i := top + 1; i < len(ordered); i++ {
			if !inBlock[ordered[i].ID] {
				return ordered[i]
			}
		}
		return nil
	}
	bottom := len(ordered)
	for i, obj := range ordered {
		if inBlock[obj.ID] {
			bottom = i
			break
		}
	}
	for i := bottom - 1; i >= 0; i-- {
		if !inBlock[ordered[i].ID] {
			return ordered[i]
		}
	}
	return nil
}
