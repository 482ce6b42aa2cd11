package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/codedock/internal/logx"
	"pkt.systems/codedock/internal/store"
	"pkt.systems/codedock/schema"
)

// DefaultDebounceWindow is the quiet period after the last edit to a key
// before its content is durably persisted.
const DefaultDebounceWindow = 500 * time.Millisecond

type saveKey struct {
	project schema.ProjectID
	path    string
}

type pendingEdit struct {
	content     string
	userID      schema.UserID
	scheduledAt time.Time
}

// DebouncedSaves coalesces rapid edits per (project, path) into a single
// durable write after a quiet period. At most one pending entry and one
// timer exist per key; a newer edit cancels and replaces both. This trades
// keystroke-level write amplification for bounded staleness, and
// FlushProject restores exact consistency on demand.
type DebouncedSaves struct {
	store  store.Store
	window time.Duration

	mu      sync.Mutex
	pending map[saveKey]pendingEdit
	timers  map[saveKey]*time.Timer
	closed  bool
}

// NewDebouncedSaves constructs a manager with the given quiet window.
func NewDebouncedSaves(st store.Store, window time.Duration) *DebouncedSaves {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &DebouncedSaves{
		store:   st,
		window:  window,
		pending: make(map[saveKey]pendingEdit),
		timers:  make(map[saveKey]*time.Timer),
	}
}

// ScheduleSave records the edit as the pending content for its key and
// (re)arms the key's timer. The latest scheduled content always wins.
func (d *DebouncedSaves) ScheduleSave(ctx context.Context, projectID schema.ProjectID, path, content string, userID schema.UserID) error {
	safePath, err := SanitizePath(path)
	if err != nil {
		return err
	}
	key := saveKey{project: projectID, path: safePath}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.pending[key] = pendingEdit{content: content, userID: userID, scheduledAt: time.Now()}
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
	}
	d.timers[key] = time.AfterFunc(d.window, func() {
		d.fire(key)
	})
	return nil
}

// fire persists a key's pending content when its quiet period elapses.
// Losing the race against a flush (entry already gone) is a no-op.
func (d *DebouncedSaves) fire(key saveKey) {
	d.mu.Lock()
	edit, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	delete(d.timers, key)
	d.mu.Unlock()
	if !ok {
		return
	}
	d.persist(context.Background(), key, edit)
}

// persist writes one edit to the durable store. Failures are logged, not
// retried; the pending entry is never resurrected.
func (d *DebouncedSaves) persist(ctx context.Context, key saveKey, edit pendingEdit) {
	log := logx.WithProject(ctx, key.project).With("path", key.path)
	if err := d.store.SaveFile(ctx, key.project, key.path, edit.content, edit.userID); err != nil {
		log.Warn("debounced save failed", "err", err)
		return
	}
	log.Debug("debounced save ok", "delay_ms", time.Since(edit.scheduledAt).Milliseconds())
}

// FlushProject cancels every outstanding timer belonging to the project and
// persists each pending entry's latest content before returning. On return
// the project has zero pending edits.
func (d *DebouncedSaves) FlushProject(ctx context.Context, projectID schema.ProjectID) {
	log := logx.WithProject(ctx, projectID)

	d.mu.Lock()
	var toFlush []struct {
		key  saveKey
		edit pendingEdit
	}
	for key, edit := range d.pending {
		if key.project != projectID {
			continue
		}
		if timer, ok := d.timers[key]; ok {
			timer.Stop()
			delete(d.timers, key)
		}
		delete(d.pending, key)
		toFlush = append(toFlush, struct {
			key  saveKey
			edit pendingEdit
		}{key, edit})
	}
	d.mu.Unlock()

	if len(toFlush) == 0 {
		return
	}
	log.Info("flush start", "pending", len(toFlush))
	for _, item := range toFlush {
		d.persist(ctx, item.key, item.edit)
	}
	log.Info("flush ok", "flushed", len(toFlush))
}

// PendingCount reports the number of outstanding edits for the project.
func (d *DebouncedSaves) PendingCount(projectID schema.ProjectID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for key := range d.pending {
		if key.project == projectID {
			count++
		}
	}
	return count
}

// Close stops all timers without persisting. Intended for shutdown paths
// where the caller has already flushed what it cares about.
func (d *DebouncedSaves) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
	}
	for key := range d.pending {
		delete(d.pending, key)
	}
}
