package relay

import "sync"

// Member is a relay connection that can receive broadcast envelopes.
type Member interface {
	// Deliver queues msg for sending. It must not block.
	Deliver(msg []byte) error
	// Close stops delivery and releases the underlying transport.
	Close()
	String() string
}

// Room is a set of members sharing a room code.
type Room struct {
	Code    string
	members map[Member]struct{}
}

// Len returns the number of members in the room.
func (r *Room) Len() int {
	return len(r.members)
}

// Registry maps room codes to their members and keeps a reverse index from
// member to room, so a member belongs to at most one room at a time.
//
// Every operation runs under the injected lock.
type Registry struct {
	mu    sync.Locker
	rooms map[string]*Room
	index map[Member]*Room
}

// NewRegistry creates an empty registry guarded by mu. A nil mu gets a plain
// mutex.
func NewRegistry(mu sync.Locker) *Registry {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Registry{
		mu:    mu,
		rooms: make(map[string]*Room),
		index: make(map[Member]*Room),
	}
}

// Join adds m to the room named code, creating the room on first use.
// Joining the room m is already in is a no-op. Joining a different room moves
// m out of its previous room, which is returned.
func (r *Registry) Join(m Member, code string) (previous string, moved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.index[m]; ok {
		if cur.Code == code {
			return "", false
		}
		previous = cur.Code
		moved = true
		r.removeLocked(m, cur)
	}

	room, ok := r.rooms[code]
	if !ok {
		room = &Room{Code: code, members: make(map[Member]struct{})}
		r.rooms[code] = room
	}
	room.members[m] = struct{}{}
	r.index[m] = room
	return previous, moved
}

// Leave removes m from its room, deleting the room once it is empty.
func (r *Registry) Leave(m Member) (code string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.index[m]
	if !ok {
		return "", false
	}
	r.removeLocked(m, room)
	return room.Code, true
}

func (r *Registry) removeLocked(m Member, room *Room) {
	delete(room.members, m)
	delete(r.index, m)
	if len(room.members) == 0 {
		delete(r.rooms, room.Code)
	}
}

// RoomOf returns the code of the room m belongs to.
func (r *Registry) RoomOf(m Member) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.index[m]
	if !ok {
		return "", false
	}
	return room.Code, true
}

// Members returns a snapshot of the members of the room named code.
func (r *Registry) Members(code string) []Member {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[code]
	if !ok {
		return nil
	}
	members := make([]Member, 0, len(room.members))
	for m := range room.members {
		members = append(members, m)
	}
	return members
}

// Rooms returns the number of non-empty rooms.
func (r *Registry) Rooms() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
