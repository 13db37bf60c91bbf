package canvas

// Lock management. Locks are advisory and cooperative: they keep well-behaved
// clients from editing the same object, nothing more. Expiry is evaluated
// lazily at read time; there is no background sweep.

// AcquireLock grants the object to info.UserID when it is unlocked, expired,
// or already held by the same user (idempotent refresh). A live lock held by
// a different user is refused with a LockConflictError.
func (s *Store) AcquireLock(canvasID, objectID string, info LockInfo, correlationID string) (Object, error) {
	if info.UserID == "" {
		return Object{}, ErrInvalidInput
	}
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return Object{}, ErrNotFound
	}
	cs.mu.Lock()
	obj, ok := cs.objects[objectID]
	if !ok {
		cs.mu.Unlock()
		return Object{}, ErrNotFound
	}
	if obj.LockedBy != "" && obj.LockedBy != info.UserID && !s.lockExpired(obj.LockedAt) {
		holder := obj.LockedBy
		cs.mu.Unlock()
		s.metrics.RecordLockConflict()
		return Object{}, &LockConflictError{LockedBy: holder}
	}
	now := s.now()
	obj.LockedBy = info.UserID
	obj.LockedAt = &now
	obj.UpdatedAt = now
	result := *cloneObject(obj)
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()

	s.metrics.RecordOperation("lock")
	s.publish(Event{
		CanvasID:      canvasID,
		Type:          EventObjectLocked,
		CorrelationID: correlationID,
		Objects:       []Object{result},
		Lock:          &info,
	})
	return result, nil
}

// ReleaseLock clears the lock. Only the recorded owner may release unless
// admin is set (disconnect cleanup). Releasing an unlocked object succeeds
// as a no-op.
func (s *Store) ReleaseLock(canvasID, objectID, userID string, admin bool, correlationID string) (Object, error) {
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return Object{}, ErrNotFound
	}
	cs.mu.Lock()
	obj, ok := cs.objects[objectID]
	if !ok {
		cs.mu.Unlock()
		return Object{}, ErrNotFound
	}
	if obj.LockedBy == "" {
		result := *cloneObject(obj)
		cs.mu.Unlock()
		return result, nil
	}
	if !admin && obj.LockedBy != userID && !s.lockExpired(obj.LockedAt) {
		cs.mu.Unlock()
		return Object{}, ErrNotOwner
	}
	obj.LockedBy = ""
	obj.LockedAt = nil
	obj.UpdatedAt = s.now()
	result := *cloneObject(obj)
	s.saveLocked(canvasID, cs)
	cs.mu.Unlock()

	s.metrics.RecordOperation("unlock")
	s.publish(Event{
		CanvasID:      canvasID,
		Type:          EventObjectUnlocked,
		CorrelationID: correlationID,
		Objects:       []Object{result},
	})
	return result, nil
}

// ReleaseUserLocks is the administrative override used when a client
// disconnects without unlocking. It clears every lock the user holds on the
// canvas and broadcasts the unlocked objects as one event.
func (s *Store) ReleaseUserLocks(canvasID, userID string) ([]Object, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	cs := s.canvasFor(canvasID, false)
	if cs == nil {
		return []Object{}, nil
	}
	cs.mu.Lock()
	released := make([]Object, 0, 4)
	now := s.now()
	for _, obj := range cs.objects {
		if obj.LockedBy != userID {
			continue
		}
		obj.LockedBy = ""
		obj.LockedAt = nil
		obj.UpdatedAt = now
		released = append(released, *cloneObject(obj))
	}
	if len(released) > 0 {
		s.saveLocked(canvasID, cs)
	}
	cs.mu.Unlock()

	if len(released) > 0 {
		s.publish(Event{
			CanvasID: canvasID,
			Type:     EventObjectUnlocked,
			Objects:  released,
		})
	}
	return released, nil
}
