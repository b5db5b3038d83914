package realtime

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// RoomKind distinguishes the three room namespaces.
type RoomKind string

// Room namespaces. Every room name is "<kind>:<uuid>".
const (
	RoomKindUser   RoomKind = "user"
	RoomKindGroup  RoomKind = "group"
	RoomKindDirect RoomKind = "direct"
)

// ErrInvalidRoom is returned when a room name does not parse.
var ErrInvalidRoom = errors.New("invalid room name")

// UserRoom returns the personal room every connection of a user joins.
func UserRoom(userID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", RoomKindUser, userID)
}

// GroupRoom returns the shared room for a group.
func GroupRoom(groupID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", RoomKindGroup, groupID)
}

// DirectRoom returns the room for a direct conversation.
func DirectRoom(conversationID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", RoomKindDirect, conversationID)
}

// ParseRoom splits a room name into its kind and entity ID.
func ParseRoom(room string) (RoomKind, uuid.UUID, error) {
	kindStr, idStr, ok := strings.Cut(room, ":")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}

	kind := RoomKind(kindStr)
	switch kind {
	case RoomKindUser, RoomKindGroup, RoomKindDirect:
	default:
		return "", uuid.Nil, fmt.Errorf("%w: unknown namespace %q", ErrInvalidRoom, kindStr)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return kind, id, nil
}

// roomRegistry tracks which sessions are in which rooms. It keeps forward
// and reverse indexes so both "who is in this room" and "which rooms does
// this session hold" are O(1) lookups.
type roomRegistry struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Session]struct{}
	byConn  map[*Session]map[string]struct{}
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms:  make(map[string]map[*Session]struct{}),
		byConn: make(map[*Session]map[string]struct{}),
	}
}

func (r *roomRegistry) join(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Session]struct{})
	}
	r.rooms[room][s] = struct{}{}

	if r.byConn[s] == nil {
		r.byConn[s] = make(map[string]struct{})
	}
	r.byConn[s][room] = struct{}{}
}

func (r *roomRegistry) leave(room string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, s)
}

func (r *roomRegistry) leaveLocked(room string, s *Session) {
	if members, ok := r.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if rooms, ok := r.byConn[s]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(r.byConn, s)
		}
	}
}

// leaveAll removes the session from every room and returns the rooms it
// was in. Called on disconnect.
func (r *roomRegistry) leaveAll(s *Session) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]string, 0, len(r.byConn[s]))
	for room := range r.byConn[s] {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		r.leaveLocked(room, s)
	}
	return rooms
}

// members returns a snapshot of the sessions in a room.
func (r *roomRegistry) members(room string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.rooms[room]))
	for s := range r.rooms[room] {
		out = append(out, s)
	}
	return out
}

// inRoom reports whether the session currently holds the room.
func (r *roomRegistry) inRoom(room string, s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byConn[s][room]
	return ok
}

// allSessions returns a snapshot of every connected session. Sessions
// always hold at least their personal room, so the reverse index is a
// complete roster.
func (r *roomRegistry) allSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.byConn))
	for s := range r.byConn {
		out = append(out, s)
	}
	return out
}
