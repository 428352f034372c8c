// Package room keeps track of which connections are in which chat room.
//
// A Registry is not safe for concurrent use. The server owns a single
// Registry from its hub goroutine and routes every mutation through it.
package room

import (
	"errors"

	"go.uber.org/zap"
)

// MaxMembers is the number of connections a room admits.
const MaxMembers = 5

var (
	// ErrRoomNotFound is returned when joining a code with no live room.
	ErrRoomNotFound = errors.New("room: not found")
	// ErrRoomFull is returned when a room already holds MaxMembers.
	ErrRoomFull = errors.New("room: full")
)

// Profile is the identity a member shows to the rest of the room.
type Profile struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Member is a connection that can occupy a room.
type Member interface {
	ID() string
	Profile() Profile
	Send(payload []byte) error
}

// Room is a set of members sharing chat and presence events.
type Room struct {
	code    string
	members map[string]Member
}

func newRoom(code string) *Room {
	return &Room{code: code, members: make(map[string]Member, MaxMembers)}
}

// Code returns the room's code.
func (r *Room) Code() string { return r.code }

// Len returns the number of members.
func (r *Room) Len() int { return len(r.members) }

// Has reports whether the member with id is in the room.
func (r *Room) Has(id string) bool {
	_, ok := r.members[id]
	return ok
}

// add puts m in the room. Adding an existing member is a no-op.
func (r *Room) add(m Member) {
	r.members[m.ID()] = m
}

// Registry maps room codes to rooms.
type Registry struct {
	rooms map[string]*Room
	log   *zap.Logger
}

// NewRegistry returns an empty Registry. A nil logger disables logging.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		rooms: make(map[string]*Room),
		log:   log,
	}
}

// Exists reports whether a room with code is live.
func (r *Registry) Exists(code string) bool {
	_, ok := r.rooms[code]
	return ok
}

// Lookup returns the room for code.
func (r *Registry) Lookup(code string) (*Room, bool) {
	rm, ok := r.rooms[code]
	return rm, ok
}

// GetOrCreate returns the room for code, creating an empty one if absent.
func (r *Registry) GetOrCreate(code string) *Room {
	if rm, ok := r.rooms[code]; ok {
		return rm
	}
	rm := newRoom(code)
	r.rooms[code] = rm
	r.log.Info("room created", zap.String("room", code))
	return rm
}

// Admit returns the room for code if a new member may join it.
func (r *Registry) Admit(code string) (*Room, error) {
	rm, ok := r.Lookup(code)
	if !ok {
		return nil, ErrRoomNotFound
	}
	if rm.Len() >= MaxMembers {
		return nil, ErrRoomFull
	}
	return rm, nil
}

// Add puts m in the room with code. Re-adding a current member is a no-op;
// otherwise the room must exist and have a free seat.
func (r *Registry) Add(m Member, code string) error {
	rm, ok := r.Lookup(code)
	if !ok {
		return ErrRoomNotFound
	}
	if rm.Has(m.ID()) {
		return nil
	}
	if rm.Len() >= MaxMembers {
		return ErrRoomFull
	}
	rm.add(m)
	return nil
}

// Remove takes m out of the room with code. It reports whether m was a
// member; removing a non-member or from a missing room does nothing.
func (r *Registry) Remove(m Member, code string) bool {
	rm, ok := r.Lookup(code)
	if !ok || !rm.Has(m.ID()) {
		return false
	}
	delete(rm.members, m.ID())
	return true
}

// CleanupIfEmpty deletes the room with code if it has no members left and
// reports whether it did.
func (r *Registry) CleanupIfEmpty(code string) bool {
	rm, ok := r.rooms[code]
	if !ok || rm.Len() > 0 {
		return false
	}
	delete(r.rooms, code)
	r.log.Info("room deleted (empty)", zap.String("room", code))
	return true
}

// ListMembers returns a snapshot of every member's profile in arbitrary
// order. It returns nil for a missing room.
func (r *Registry) ListMembers(code string) []Profile {
	rm, ok := r.rooms[code]
	if !ok {
		return nil
	}
	out := make([]Profile, 0, rm.Len())
	for _, m := range rm.members {
		out = append(out, m.Profile())
	}
	return out
}

// Members returns the members of the room with code.
func (r *Registry) Members(code string) []Member {
	rm, ok := r.rooms[code]
	if !ok {
		return nil
	}
	out := make([]Member, 0, rm.Len())
	for _, m := range rm.members {
		out = append(out, m)
	}
	return out
}

// Codes returns the codes of all live rooms.
func (r *Registry) Codes() []string {
	out := make([]string, 0, len(r.rooms))
	for code := range r.rooms {
		out = append(out, code)
	}
	return out
}

// Stats returns the number of live rooms and the members across them.
func (r *Registry) Stats() (rooms, members int) {
	for _, rm := range r.rooms {
		members += rm.Len()
	}
	return len(r.rooms), members
}
