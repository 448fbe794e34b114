// Package presence tracks live connections per user and the groups each
// connection is subscribed to. It knows nothing about the transport.
package presence

import (
	"fmt"
	"sort"
	"sync"
)

// Connection is a live client session handle
type Connection interface {
	ID() string
	UserID() string
	// Send queues payload without blocking; false means it was dropped
	Send(payload []byte) bool
	Close()
}

// UserGroup returns the personal group every connection of userID joins
func UserGroup(userID string) string {
	return "user:" + userID
}

// PartnershipGroup returns the group of a partnership thread
func PartnershipGroup(partnershipID uint64) string {
	return fmt.Sprintf("partnership:%d", partnershipID)
}

// Stats is a point-in-time snapshot of the registry
type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
	Groups      int `json:"groups"`
}

// Registry maps users to connections and groups to connections
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]Connection          // connID -> connection
	userConns  map[string]map[string]struct{} // userID -> connIDs
	groups     map[string]map[string]struct{} // group -> connIDs
	connGroups map[string]map[string]struct{} // connID -> groups
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]Connection),
		userConns:  make(map[string]map[string]struct{}),
		groups:     make(map[string]map[string]struct{}),
		connGroups: make(map[string]map[string]struct{}),
	}
}

// Attach registers conn and joins it to its user group. It reports true when
// this is the user's first live connection. Attaching twice is a no-op.
func (r *Registry) Attach(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return false
	}

	r.conns[conn.ID()] = conn
	userConns := r.userConns[conn.UserID()]
	first := len(userConns) == 0
	if userConns == nil {
		userConns = make(map[string]struct{})
		r.userConns[conn.UserID()] = userConns
	}
	userConns[conn.ID()] = struct{}{}
	r.connGroups[conn.ID()] = make(map[string]struct{})
	r.joinLocked(conn.ID(), UserGroup(conn.UserID()))
	return first
}

// Detach removes conn from every group. It reports true when this was the
// user's last live connection.
func (r *Registry) Detach(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; !ok {
		return false
	}

	for group := range r.connGroups[conn.ID()] {
		r.leaveLocked(conn.ID(), group)
	}
	delete(r.connGroups, conn.ID())
	delete(r.conns, conn.ID())

	userConns := r.userConns[conn.UserID()]
	delete(userConns, conn.ID())
	if len(userConns) == 0 {
		delete(r.userConns, conn.UserID())
		return true
	}
	return false
}

// Join subscribes a registered connection to group. It is idempotent and
// returns false for unknown connections.
func (r *Registry) Join(connID, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return false
	}
	r.joinLocked(connID, group)
	return true
}

// Leave unsubscribes a connection from group
func (r *Registry) Leave(connID, group string) {
	r.mu.Lock()
	r.leaveLocked(connID, group)
	r.mu.Unlock()
}

// Members returns the connections currently subscribed to group
func (r *Registry) Members(group string) []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.groups[group]
	members := make([]Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.conns[id]; ok {
			members = append(members, conn)
		}
	}
	return members
}

// IsOnline reports whether userID has at least one live connection
func (r *Registry) IsOnline(userID string) bool {
	return r.ConnectionCount(userID) > 0
}

func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID])
}

// Groups lists the groups connID is subscribed to, sorted
func (r *Registry) Groups(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make([]string, 0, len(r.connGroups[connID]))
	for g := range r.connGroups[connID] {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.conns),
		Users:       len(r.userConns),
		Groups:      len(r.groups),
	}
}

func (r *Registry) joinLocked(connID, group string) {
	members := r.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		r.groups[group] = members
	}
	members[connID] = struct{}{}

	if memberships := r.connGroups[connID]; memberships != nil {
		memberships[group] = struct{}{}
	}
}

func (r *Registry) leaveLocked(connID, group string) {
	if members := r.groups[group]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.groups, group)
		}
	}
	if memberships := r.connGroups[connID]; memberships != nil {
		delete(memberships, group)
	}
}
