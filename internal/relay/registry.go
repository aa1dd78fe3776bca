package relay

import "sort"

// ConnID is the opaque per-connection token assigned by the transport.
type ConnID string

// Role is the announced role of a connection. The registry treats it as an
// opaque string; the constants name the values the app clients send.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleParent  Role = "parent"
)

// Connection holds the metadata recorded for one live connection.
type Connection struct {
	ID        ConnID
	Role      Role
	UserID    string
	ClassID   string
	Announced bool
}

// Registry tracks live connections, their class rooms and the user ids they
// announced. It is not safe for concurrent use.
type Registry struct {
	conns map[ConnID]*Connection
	rooms map[string]map[ConnID]struct{}
	users map[string]map[ConnID]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*Connection),
		rooms: make(map[string]map[ConnID]struct{}),
		users: make(map[string]map[ConnID]struct{}),
	}
}

// Connect records an unannounced connection. Calling it for a known id is a
// no-op.
func (r *Registry) Connect(id ConnID) {
	if _, ok := r.conns[id]; ok {
		return
	}
	r.conns[id] = &Connection{ID: id}
}

// Announce records or overwrites the metadata of id. A non-empty classID
// places the connection in that room and takes it out of any previous one;
// an empty classID leaves it in no room. Unknown ids are registered.
func (r *Registry) Announce(id ConnID, role Role, userID, classID string) {
	conn, ok := r.conns[id]
	if !ok {
		conn = &Connection{ID: id}
		r.conns[id] = conn
	}

	if conn.ClassID != classID {
		removeMember(r.rooms, conn.ClassID, id)
		addMember(r.rooms, classID, id)
	}
	if conn.UserID != userID {
		removeMember(r.users, conn.UserID, id)
		addMember(r.users, userID, id)
	}

	conn.Role = role
	conn.UserID = userID
	conn.ClassID = classID
	conn.Announced = true
}

// Forget removes id with its room and user index entries. It reports whether
// the connection was known; calling it again is harmless.
func (r *Registry) Forget(id ConnID) bool {
	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	removeMember(r.rooms, conn.ClassID, id)
	removeMember(r.users, conn.UserID, id)
	delete(r.conns, id)
	return true
}

// Lookup returns a copy of the metadata recorded for id.
func (r *Registry) Lookup(id ConnID) (Connection, bool) {
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// RoomOf returns the class id whose room id belongs to.
func (r *Registry) RoomOf(id ConnID) (string, bool) {
	conn, ok := r.conns[id]
	if !ok || conn.ClassID == "" {
		return "", false
	}
	return conn.ClassID, true
}

// MembersOf returns the connections in the room of classID, sorted.
func (r *Registry) MembersOf(classID string) []ConnID {
	return sortedIDs(r.rooms[classID])
}

// ConnectionsOf returns the connections that announced userID, sorted.
func (r *Registry) ConnectionsOf(userID string) []ConnID {
	return sortedIDs(r.users[userID])
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// Announced returns the number of connections that sent a join.
func (r *Registry) Announced() int {
	n := 0
	for _, conn := range r.conns {
		if conn.Announced {
			n++
		}
	}
	return n
}

// Rooms returns the member count of every non-empty room.
func (r *Registry) Rooms() map[string]int {
	out := make(map[string]int, len(r.rooms))
	for classID, members := range r.rooms {
		out[classID] = len(members)
	}
	return out
}

func addMember(index map[string]map[ConnID]struct{}, key string, id ConnID) {
	if key == "" {
		return
	}
	members, ok := index[key]
	if !ok {
		members = make(map[ConnID]struct{})
		index[key] = members
	}
	members[id] = struct{}{}
}

func removeMember(index map[string]map[ConnID]struct{}, key string, id ConnID) {
	if key == "" {
		return
	}
	members, ok := index[key]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(index, key)
	}
}

func sortedIDs(set map[ConnID]struct{}) []ConnID {
	ids := make([]ConnID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
