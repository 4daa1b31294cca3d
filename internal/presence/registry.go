// Package presence tracks live client connections and their room
// memberships, and delivers events to every connection in a room.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Message is the wire envelope for every realtime event.
type Message struct {
	Event models.EventName `json:"event"`
	Data  json.RawMessage  `json:"data,omitempty"`
}

// Encode builds the wire frame for event with payload as data.
func Encode(event models.EventName, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return json.Marshal(Message{Event: event, Data: data})
}

// Conn is the outbound side of a client connection. Enqueue must not block;
// it reports false when the frame was dropped.
type Conn interface {
	ID() string
	Enqueue(frame []byte) bool
}

// Publisher delivers an event to every connection in a room. Delivery is
// best effort and publishing to an empty room is a no-op.
type Publisher interface {
	Publish(ctx context.Context, room string, event models.EventName, payload any) error
}

// Registry holds the connections attached to this process.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]Conn
	rooms       map[string]map[string]Conn
	memberships map[string]map[string]struct{}
	owners      map[string]string // conn id -> owner
	sessions    map[string]int    // owner -> open connections
	logger      logrus.FieldLogger
}

func NewRegistry(logger logrus.FieldLogger) *Registry {
	return &Registry{
		conns:       make(map[string]Conn),
		rooms:       make(map[string]map[string]Conn),
		memberships: make(map[string]map[string]struct{}),
		owners:      make(map[string]string),
		sessions:    make(map[string]int),
		logger:      logger,
	}
}

func (r *Registry) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c.ID()]; ok {
		return
	}
	r.conns[c.ID()] = c
	r.memberships[c.ID()] = make(map[string]struct{})
	observability.PresenceConnections.Inc()
}

// Claim marks connID as one of owner's connections. A connection has at
// most one owner; claiming again moves it.
func (r *Registry) Claim(connID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return fmt.Errorf("connection %s is not registered", connID)
	}
	if prev, ok := r.owners[connID]; ok {
		if prev == owner {
			return nil
		}
		r.releaseLocked(prev)
	}
	r.owners[connID] = owner
	r.sessions[owner]++
	return nil
}

// Sessions counts the open connections claimed by owner.
func (r *Registry) Sessions(owner string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[owner]
}

// Unregister drops the connection and every room membership it held. It
// returns the connection's owner and whether that was the owner's last
// open connection on this process.
func (r *Registry) Unregister(connID string) (owner string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; !ok {
		return "", false
	}
	for room := range r.memberships[connID] {
		r.leaveLocked(connID, room)
	}
	delete(r.memberships, connID)
	delete(r.conns, connID)
	observability.PresenceConnections.Dec()

	owner, ok := r.owners[connID]
	if !ok {
		return "", false
	}
	delete(r.owners, connID)
	return owner, r.releaseLocked(owner)
}

func (r *Registry) releaseLocked(owner string) bool {
	r.sessions[owner]--
	if r.sessions[owner] > 0 {
		return false
	}
	delete(r.sessions, owner)
	return true
}

// Join adds the connection to room. Joining twice is harmless.
func (r *Registry) Join(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return fmt.Errorf("connection %s is not registered", connID)
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	members[connID] = c
	r.memberships[connID][room] = struct{}{}
	return nil
}

func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, room)
}

func (r *Registry) leaveLocked(connID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if m, ok := r.memberships[connID]; ok {
		delete(m, room)
	}
}

// Rooms lists the rooms connID belongs to, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.memberships[connID]))
	for room := range r.memberships[connID] {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Members(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Deliver hands frame to every local member of room and returns how many
// accepted it. Slow or closed connections lose the frame.
func (r *Registry) Deliver(room string, frame []byte) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.rooms[room]))
	for _, c := range r.rooms[room] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Enqueue(frame) {
			delivered++
			continue
		}
		observability.FanoutDropped.Inc()
		r.logger.WithFields(logrus.Fields{"conn_id": c.ID(), "room": room}).Warn("dropped realtime frame")
	}
	return delivered
}

// Publish delivers to members attached to this process only.
func (r *Registry) Publish(_ context.Context, room string, event models.EventName, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	r.Deliver(room, frame)
	return nil
}
