// Package engine is the orchestration core: soft-lock registries, the
// hibernation controller, the label-driven workflow state machine, the
// YOLO auto-progression controller, the implementation loop, and the
// scheduler that composes them.
package engine

import (
	"sync"
	"time"
)

// LockRegistry tracks in-flight stage executions by work-item key. It is a
// soft lock: an in-process guard against duplicate dispatch, not a remote
// lock. All operations are O(1) map accesses under one mutex; no I/O ever
// happens while the lock is held.
type LockRegistry struct {
	mu      sync.Mutex
	held    map[string]time.Time
	nowFunc func() time.Time // tests control time
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{
		held:    make(map[string]time.Time),
		nowFunc: time.Now,
	}
}

// TryAcquire atomically checks absence and inserts the key with the current
// time. It returns false when the key is already held.
func (r *LockRegistry) TryAcquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[key]; ok {
		return false
	}
	r.held[key] = r.nowFunc()
	return true
}

// Release removes the key unconditionally. Releasing a key that is not held
// is a no-op.
func (r *LockRegistry) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, key)
}

// Held reports whether key is currently locked.
func (r *LockRegistry) Held(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.held[key]
	return ok
}

// PurgeStale removes and returns every key older than threshold. Stale
// entries indicate a crashed worker, not a long-running job.
func (r *LockRegistry) PurgeStale(threshold time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.nowFunc().Add(-threshold)
	var purged []string
	for key, started := range r.held {
		if started.Before(cutoff) {
			delete(r.held, key)
			purged = append(purged, key)
		}
	}
	return purged
}

// Len returns the number of held locks.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

// MarkerRegistry records which externally visible running marker each
// in-flight execution currently holds, so the shutdown path can retract
// them. Keys and lifetimes mirror the LockRegistry. Kept separate so the
// shutdown sweep never has to reason about lock timestamps.
type MarkerRegistry struct {
	mu      sync.Mutex
	markers map[string]string
}

// NewMarkerRegistry returns an empty registry.
func NewMarkerRegistry() *MarkerRegistry {
	return &MarkerRegistry{markers: make(map[string]string)}
}

// Set records the running marker held for key.
func (r *MarkerRegistry) Set(key, marker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markers[key] = marker
}

// Clear drops the marker record for key. Clearing an absent key is a no-op.
func (r *MarkerRegistry) Clear(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.markers, key)
}

// Snapshot returns a copy of the current key -> marker map.
func (r *MarkerRegistry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.markers))
	for k, v := range r.markers {
		out[k] = v
	}
	return out
}
