package session

import (
	"sort"
	"sync"
	"time"
)

var userColors = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ActiveUser is the live presence of one participant in a room.
type ActiveUser struct {
	Identity     Identity
	Color        string
	Cursor       *int
	Selection    *Selection
	LastActivity time.Time
	connections  int
}

func (u *ActiveUser) payload() ActiveUserPayload {
	out := ActiveUserPayload{
		UserID:       u.Identity.UserID,
		Email:        u.Identity.Email,
		FirstName:    u.Identity.FirstName,
		LastName:     u.Identity.LastName,
		Color:        u.Color,
		LastActivity: u.LastActivity.UnixMilli(),
	}
	if u.Cursor != nil {
		cursor := *u.Cursor
		out.Cursor = &cursor
	}
	if u.Selection != nil {
		selection := *u.Selection
		out.Selection = &selection
	}
	return out
}

// Room is the set of connections editing one document and their presence.
// A user may be present through several connections; it leaves the room with
// the last of them.
type Room struct {
	mu              sync.RWMutex
	documentID      string
	users           map[string]*ActiveUser
	members         map[string]*Connection
	documentVersion int64
	lastActivity    time.Time
	nextColor       int
}

func newRoom(documentID string, now time.Time) *Room {
	return &Room{
		documentID:   documentID,
		users:        make(map[string]*ActiveUser),
		members:      make(map[string]*Connection),
		lastActivity: now,
	}
}

// add registers conn and reports whether its user is new to the room.
func (r *Room) add(conn *Connection, now time.Time) (ActiveUserPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = now
	identity := conn.Identity()
	if _, ok := r.members[conn.ID()]; ok {
		return r.users[identity.UserID].payload(), false
	}
	r.members[conn.ID()] = conn
	user, ok := r.users[identity.UserID]
	if !ok {
		user = &ActiveUser{
			Identity: identity,
			Color:    userColors[r.nextColor%len(userColors)],
		}
		r.nextColor++
		r.users[identity.UserID] = user
	}
	user.connections++
	user.LastActivity = now
	return user.payload(), !ok
}

// remove drops conn and reports whether its user left the room and whether
// the room is now empty.
func (r *Room) remove(conn *Connection, now time.Time) (userLeft bool, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[conn.ID()]; !ok {
		return false, len(r.members) == 0
	}
	delete(r.members, conn.ID())
	r.lastActivity = now
	userID := conn.Identity().UserID
	if user, ok := r.users[userID]; ok {
		user.connections--
		if user.connections <= 0 {
			delete(r.users, userID)
			userLeft = true
		}
	}
	return userLeft, len(r.members) == 0
}

func (r *Room) moveCursor(userID string, position int, selection *Selection, now time.Time) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return "", false
	}
	cursor := position
	user.Cursor = &cursor
	if selection != nil {
		copied := *selection
		user.Selection = &copied
	} else {
		user.Selection = nil
	}
	user.LastActivity = now
	r.lastActivity = now
	return user.Color, true
}

func (r *Room) touch(userID string, version int64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.documentVersion {
		r.documentVersion = version
	}
	r.lastActivity = now
	if user, ok := r.users[userID]; ok {
		user.LastActivity = now
	}
}

func (r *Room) setVersion(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.documentVersion {
		r.documentVersion = version
	}
}

// resetVersion sets the version even when it moves backwards.
func (r *Room) resetVersion(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documentVersion = version
}

// DocumentVersion returns the last version the room observed.
func (r *Room) DocumentVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.documentVersion
}

// ActiveUsers returns the participants ordered by user id.
func (r *Room) ActiveUsers() []ActiveUserPayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]ActiveUserPayload, 0, len(r.users))
	for _, user := range r.users {
		users = append(users, user.payload())
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].UserID < users[j].UserID
	})
	return users
}

// recipients copies the member list so broadcasts never iterate the live map.
func (r *Room) recipients(excludeConnectionID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.members))
	for id, member := range r.members {
		if id == excludeConnectionID {
			continue
		}
		out = append(out, member)
	}
	return out
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
