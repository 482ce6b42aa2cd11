package core

import (
	"sync"
	"time"

	"pkt.systems/codedock/schema"
)

// Registry is the in-memory source of truth for live execution sessions.
// Both indexes are mutated under one mutex so they can never disagree.
type Registry struct {
	mu          sync.RWMutex
	bySessionID map[schema.SessionID]schema.SessionInfo
	byProjectID map[schema.ProjectID]schema.SessionID
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		bySessionID: make(map[schema.SessionID]schema.SessionInfo),
		byProjectID: make(map[schema.ProjectID]schema.SessionID),
	}
}

// Register inserts both index entries atomically. It reports false without
// inserting when the project already has a live session; a slot only frees
// up through Remove.
func (r *Registry) Register(info schema.SessionInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byProjectID[info.ProjectID]; exists {
		return false
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}
	r.bySessionID[info.SessionID] = info
	r.byProjectID[info.ProjectID] = info.SessionID
	return true
}

// BySession looks up a session by id.
func (r *Registry) BySession(sessionID schema.SessionID) (schema.SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.bySessionID[sessionID]
	return info, ok
}

// ByProject looks up the live session for a project.
func (r *Registry) ByProject(projectID schema.ProjectID) (schema.SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.byProjectID[projectID]
	if !ok {
		return schema.SessionInfo{}, false
	}
	info, ok := r.bySessionID[sessionID]
	return info, ok
}

// Remove deletes both index entries using the stored project back-reference.
// Removing an unknown session is a no-op.
func (r *Registry) Remove(sessionID schema.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.bySessionID[sessionID]
	if !ok {
		return
	}
	delete(r.bySessionID, sessionID)
	delete(r.byProjectID, info.ProjectID)
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []schema.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schema.SessionInfo, 0, len(r.bySessionID))
	for _, info := range r.bySessionID {
		out = append(out, info)
	}
	return out
}
