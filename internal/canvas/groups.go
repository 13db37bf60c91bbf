package canvas

import "github.com/google/uuid"

// Grouping. Groups are flat: a group is nothing but a shared group id value
// on two or more objects. There is no group row, no nesting, and membership
// indexes are built on read, never stored.

// GroupResult is the outcome of CreateGroup.
type GroupResult struct {
	GroupID string   `json:"groupId"`
	Objects []Object `json:"objects"`
}

// CreateGroup stamps a fresh group id on every listed object. Fewer than two
// ids, or any id that does not exist, rejects the whole request with no
// partial effect.
func (s *Store) CreateGroup(canvasID string, objectIDs []string, userID, correlationID string) (GroupResult, error) {
	if len(objectIDs) < 2 {
		return GroupResult{}, ErrInvalidInput
	}
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return GroupResult{}, ErrNotFound
	}
	cs.mu.Lock()
	members := make([]*Object, 0, len(objectIDs))
	seen := make(map[string]bool, len(objectIDs))
	for _, id := range objectIDs {
		if seen[id] {
			cs.mu.Unlock()
			return GroupResult{}, ErrInvalidInput
		}
		seen[id] = true
		obj, ok := cs.objects[id]
		if !ok {
			cs.mu.Unlock()
			return GroupResult{}, ErrNotFound
		}
		members = append(members, obj)
	}

	groupID := uuid.NewString()
	now := s.now()
	pairs := make([]StatePair, 0, len(members))
	grouped := make([]Object, 0, len(members))
	for _, member := range members {
		before := cloneObject(member)
		member.GroupID = groupID
		member.UpdatedAt = now
		pairs = append(pairs, StatePair{Before: before, After: cloneObject(member)})
		grouped = append(grouped, *cloneObject(member))
	}
	if userID != "" {
		s.pushHistoryLocked(cs, userID, HistoryEntry{Kind: HistoryKindGroup, Pairs: pairs})
	}
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()

	s.metrics.RecordOperation(HistoryKindGroup)
	s.publish(Event{
		CanvasID:      canvasID,
		Type:          EventObjectsGrouped,
		CorrelationID: correlationID,
		GroupID:       groupID,
		Objects:       grouped,
	})
	return GroupResult{GroupID: groupID, Objects: grouped}, nil
}

// Ungroup clears the group id on the targeted subset, or on every member when
// objectIDs is empty.
func (s *Store) Ungroup(canvasID, groupID string, objectIDs []string, userID, correlationID string) ([]Object, error) {
	if groupID == "" {
		return nil, ErrInvalidInput
	}
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return nil, ErrNotFound
	}
	cs.mu.Lock()
	members := make([]*Object, 0, 4)
	for _, obj := range cs.objects {
		if obj.GroupID == groupID {
			members = append(members, obj)
		}
	}
	if len(members) == 0 {
		cs.mu.Unlock()
		return nil, ErrNotFound
	}
	targets := members
	if len(objectIDs) > 0 {
		wanted := make(map[string]bool, len(objectIDs))
		for _, id := range objectIDs {
			wanted[id] = true
		}
		targets = make([]*Object, 0, len(objectIDs))
		for _, member := range members {
			if wanted[member.ID] {
				targets = append(targets, member)
			}
		}
		if len(targets) == 0 {
			cs.mu.Unlock()
			return nil, ErrNotFound
		}
	}

	now := s.now()
	pairs := make([]StatePair, 0, len(targets))
	ungrouped := make([]Object, 0, len(targets))
	for _, member := range targets {
		before := cloneObject(member)
		member.GroupID = ""
		member.UpdatedAt = now
		pairs = append(pairs, StatePair{Before: before, After: cloneObject(member)})
		ungrouped = append(ungrouped, *cloneObject(member))
	}
	if userID != "" {
		s.pushHistoryLocked(cs, userID, HistoryEntry{Kind: HistoryKindUngroup, Pairs: pairs})
	}
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()

	s.metrics.RecordOperation(HistoryKindUngroup)
	s.publish(Event{
		CanvasID:      canvasID,
		Type:          EventObjectsUngrouped,
		CorrelationID: correlationID,
		GroupID:       groupID,
		Objects:       ungrouped,
	})
	return ungrouped, nil
}

// affectedLocked resolves "the objects affected by an operation on obj":
// the object alone when ungrouped, otherwise its whole group. A group id
// shared by fewer than two live objects is degenerate and reads as
// ungrouped; the stored value is healed by interpretation, never rewritten.
func affectedLocked(cs *canvasState, obj *Object) []*Object {
	if obj.GroupID == "" {
		return []*Object{obj}
	}
	members := make([]*Object, 0, 4)
	for _, candidate := range cs.objects {
		if candidate.GroupID == obj.GroupID {
			members = append(members, candidate)
		}
	}
	if len(members) < 2 {
		return []*Object{obj}
	}
	return members
}
