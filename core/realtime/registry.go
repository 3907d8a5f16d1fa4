package realtime

import (
	"sync"
	"time"

	"github.com/edusafe/proctor/core"
)

type (
	connEntry struct {
		conn         Conn
		class        ConnClass
		createdAt    time.Time
		lastActivity time.Time
		rooms        map[string]struct{}
	}

	// Registry tracks every live connection, grouped by user and by room.
	// It is the one cross-session shared structure for delivery; a single
	// lock guards all indexes. Sends happen outside the lock so one slow
	// peer never blocks the rest.
	Registry struct {
		mu    sync.RWMutex
		conns map[string]*connEntry       // conn id -> entry
		users map[string]map[string]Conn  // user id -> conn id -> conn
		rooms map[string]map[string]Conn  // room -> conn id -> conn
		log   core.Logger
	}

	// Stats is a point-in-time census of the registry.
	Stats struct {
		Total   int               `json:"total"`
		ByClass map[ConnClass]int `json:"by_class"`
		Rooms   int               `json:"rooms"`
		Users   int               `json:"users"`
	}
)

func NewRegistry(log core.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*connEntry),
		users: make(map[string]map[string]Conn),
		rooms: make(map[string]map[string]Conn),
		log:   log,
	}
}

// Register binds a connection into the registry. Idempotent.
func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID()]; ok {
		return
	}
	now := time.Now().UTC()
	r.conns[c.ID()] = &connEntry{
		conn:         c,
		class:        c.Class(),
		createdAt:    now,
		lastActivity: now,
		rooms:        make(map[string]struct{}),
	}
	userConns, ok := r.users[c.UserID()]
	if !ok {
		userConns = make(map[string]Conn)
		r.users[c.UserID()] = userConns
	}
	userConns[c.ID()] = c
}

// Unregister removes a connection from the user set and from every room it
// joined. Unknown connections are ignored; calling twice is harmless.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(c)
}

func (r *Registry) unregisterLocked(c Conn) {
	entry, ok := r.conns[c.ID()]
	if !ok {
		return
	}
	delete(r.conns, c.ID())

	if userConns, ok := r.users[c.UserID()]; ok {
		delete(userConns, c.ID())
		if len(userConns) == 0 {
			delete(r.users, c.UserID())
		}
	}
	for room := range entry.rooms {
		r.leaveRoomLocked(room, c)
	}
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.conns[c.ID()]; ok {
		entry.lastActivity = time.Now().UTC()
	}
}

// JoinRoom adds a connection to a room, creating the room on first join.
// Connections not registered yet are ignored.
func (r *Registry) JoinRoom(room string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[c.ID()]
	if !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[c.ID()] = c
	entry.rooms[room] = struct{}{}
}

// LeaveRoom removes a connection from a room, deleting the room when the last
// member leaves. Idempotent.
func (r *Registry) LeaveRoom(room string, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.conns[c.ID()]; ok {
		delete(entry.rooms, room)
	}
	r.leaveRoomLocked(room, c)
}

func (r *Registry) leaveRoomLocked(room string, c Conn) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c.ID())
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// UserConns returns the live connections a user currently holds,
// optionally restricted to a class.
func (r *Registry) UserConns(userID string, classes ...ConnClass) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.users[userID]))
	for _, c := range r.users[userID] {
		if len(classes) > 0 && !classMatch(c.Class(), classes) {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

func classMatch(class ConnClass, classes []ConnClass) bool {
	for _, cl := range classes {
		if class == cl {
			return true
		}
	}
	return false
}

// Unicast sends a message to one connection. A failed send implies the peer
// is gone: the connection is unregistered and closed before returning.
// Reports whether the message was delivered.
func (r *Registry) Unicast(msg interface{}, c Conn) bool {
	if err := c.Send(msg); err != nil {
		r.log.Debug("realtime: evicting connection "+c.ID()+" after failed send", err)
		r.Unregister(c)
		_ = c.Close()
		return false
	}
	return true
}

// Multicast sends a message to every live connection a user holds. Individual
// failures evict only the failing connection; the rest still receive.
// Returns the number of successful deliveries.
func (r *Registry) Multicast(msg interface{}, userID string) int {
	return r.deliver(msg, r.UserConns(userID))
}

// BroadcastRoom sends a message to every member of a room.
func (r *Registry) BroadcastRoom(msg interface{}, room string) int {
	r.mu.RLock()
	members := make([]Conn, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		members = append(members, c)
	}
	r.mu.RUnlock()

	return r.deliver(msg, members)
}

// BroadcastAll sends a message to every registered connection.
func (r *Registry) BroadcastAll(msg interface{}) int {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, entry := range r.conns {
		conns = append(conns, entry.conn)
	}
	r.mu.RUnlock()

	return r.deliver(msg, conns)
}

func (r *Registry) deliver(msg interface{}, conns []Conn) int {
	var sent int
	for _, c := range conns {
		if r.Unicast(msg, c) {
			sent++
		}
	}
	return sent
}

// CloseRoom removes every member from a room and deletes it. Members stay
// registered; only the grouping goes away.
func (r *Registry) CloseRoom(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.rooms[room] {
		if entry, ok := r.conns[c.ID()]; ok {
			delete(entry.rooms, room)
		}
	}
	delete(r.rooms, room)
}

// RoomSize returns the current member count of a room (0 if absent).
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Total:   len(r.conns),
		ByClass: make(map[ConnClass]int),
		Rooms:   len(r.rooms),
		Users:   len(r.users),
	}
	for _, entry := range r.conns {
		stats.ByClass[entry.class]++
	}
	return stats
}
