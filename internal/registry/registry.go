// Package registry tracks the live sessions of one server instance and the broadcast
// groups they belong to.
package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/medcore/realtime/internal/metrics"
	"go.uber.org/zap"
)

// GroupGlobal contains every admitted session
const GroupGlobal = "global"

// UnitGroup names the group of sessions declared for an organizational unit
func UnitGroup(unitID string) string {
	return "unit:" + unitID
}

// TerminalGroup names the group of sessions declared for a terminal device
func TerminalGroup(terminalID string) string {
	return "terminal:" + terminalID
}

// GroupsFor derives the non-global groups of a session from its declared identifiers
func GroupsFor(unitID, terminalID string) []string {
	var groups []string
	if unitID != "" {
		groups = append(groups, UnitGroup(unitID))
	}
	if terminalID != "" {
		groups = append(groups, TerminalGroup(terminalID))
	}
	return groups
}

// Transport delivers one event to a client connection
type Transport interface {
	Send(eventType string, payload json.RawMessage) error
}

// Identity is the authenticated principal of a session
type Identity struct {
	Username string
	UserID   string // optional
}

// Session is one live client connection local to this instance
type Session struct {
	ID         string
	Identity   *Identity
	TerminalID string
	UnitID     string
	Transport  Transport
}

// Registry indexes admitted sessions by broadcast group
type Registry struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*entry
	groups   map[string]map[string]*Session
}

type entry struct {
	session *Session
	groups  []string
}

func New(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger.Named("registry"),
		metrics:  m,
		sessions: make(map[string]*entry),
		groups:   make(map[string]map[string]*Session),
	}
}

// Admit registers s in the global group plus groups. Admitting an ID that is already
// present replaces its session and membership.
func (r *Registry) Admit(s *Session, groups []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(s.ID)
	r.addLocked(s, normalize(groups))
	r.metrics.SetSessions(len(r.sessions))
}

// Regroup replaces the group membership of an admitted session. The global group is kept.
// It reports false if the session is unknown.
func (r *Registry) Regroup(sessionID string, groups []string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	r.removeLocked(sessionID)
	r.addLocked(e.session, normalize(groups))
	return true
}

// Remove drops the session from every group. Unknown IDs are a no-op.
// It reports whether a session was removed.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.removeLocked(sessionID)
	r.metrics.SetSessions(len(r.sessions))
	return removed
}

// DeliverToGroup sends the event to every session that is a member of group when the call
// starts. A failed send is logged and does not stop delivery to the remaining members.
// It returns the number of successful deliveries.
func (r *Registry) DeliverToGroup(group, eventType string, payload json.RawMessage) int {
	recipients := r.members(group)
	if len(recipients) == 0 {
		return 0
	}

	delivered := 0
	for _, s := range recipients {
		if err := r.send(s, eventType, payload); err != nil {
			r.metrics.DeliveryFailed()
			r.logger.Warn("delivery failed",
				zap.String("session", s.ID),
				zap.String("group", group),
				zap.String("event", eventType),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	r.metrics.Delivered(delivered)
	return delivered
}

// send isolates one recipient, including a transport that panics
func (r *Registry) send(s *Session, eventType string, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panic: %v", p)
		}
	}()
	return s.Transport.Send(eventType, payload)
}

// Get returns the admitted session with the given ID
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Groups returns the groups a session belongs to, global first
func (r *Registry) Groups(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]string(nil), e.groups...)
}

// Members returns the IDs of the sessions in group, sorted
func (r *Registry) Members(group string) []string {
	sessions := r.members(group)
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of admitted sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// members snapshots the group under the read lock
func (r *Registry) members(group string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.groups[group]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) addLocked(s *Session, groups []string) {
	r.sessions[s.ID] = &entry{session: s, groups: groups}
	for _, g := range groups {
		if r.groups[g] == nil {
			r.groups[g] = make(map[string]*Session)
		}
		r.groups[g][s.ID] = s
	}
}

func (r *Registry) removeLocked(sessionID string) bool {
	e, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	for _, g := range e.groups {
		delete(r.groups[g], sessionID)
		if len(r.groups[g]) == 0 {
			delete(r.groups, g)
		}
	}
	delete(r.sessions, sessionID)
	return true
}

// normalize puts global first, drops empty and duplicate names, and keeps only the
// first unit and the first terminal group
func normalize(groups []string) []string {
	out := []string{GroupGlobal}
	seen := map[string]bool{GroupGlobal: true}
	for _, g := range groups {
		if g == "" || seen[g] {
			continue
		}
		kind, _, scoped := strings.Cut(g, ":")
		if scoped {
			if seen[kind+":"] {
				continue
			}
			seen[kind+":"] = true
		}
		seen[g] = true
		out = append(out, g)
	}
	return out
}
