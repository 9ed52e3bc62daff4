package conversation

import (
	"slices"
	"time"

	"github.com/putto11262002/realtime/pkg/wire"
)

// SetTyping marks userID as typing in roomID until ClearTyping or the TTL
// elapses. A repeated call restarts only this pair's timer.
func (s *Store) SetTyping(roomID wire.RoomID, userID string) {
	if userID == "" || userID == s.localID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.roomLocked(roomID)
	if old, ok := r.typing[userID]; ok {
		old.timer.Stop()
	}
	ind := &indicator{expires: s.now().Add(s.typingTTL)}
	ind.timer = time.AfterFunc(s.typingTTL, func() {
		s.expireTyping(roomID, userID, ind)
	})
	r.typing[userID] = ind
}

func (s *Store) expireTyping(roomID wire.RoomID, userID string, ind *indicator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	// a restarted indicator is a different value
	if r.typing[userID] == ind {
		delete(r.typing, userID)
	}
}

func (s *Store) ClearTyping(roomID wire.RoomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return
	}
	if ind, ok := r.typing[userID]; ok {
		ind.timer.Stop()
		delete(r.typing, userID)
	}
}

// Typing returns the users currently typing in roomID, sorted.
func (s *Store) Typing(roomID wire.RoomID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil
	}
	now := s.now()
	users := make([]string, 0, len(r.typing))
	for u, ind := range r.typing {
		if now.Before(ind.expires) {
			users = append(users, u)
		}
	}
	slices.Sort(users)
	return users
}
