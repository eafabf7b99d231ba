// Package notify pushes sync events and user-facing notices to the UI.
package notify

import (
	"sync"
)

// Level is the severity of a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event types pushed to connected clients.
const (
	EventOutboxChanged = "outbox.changed"
	EventToast         = "toast"
	EventSyncCompleted = "sync.completed"
	EventConnectivity  = "connectivity.changed"
)

// Notifier receives everything the UI should render.
type Notifier interface {
	Toast(level Level, message string)
	OutboxChanged(userID string)
}

// Discard is a Notifier that drops everything.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Toast(Level, string)  {}
func (discard) OutboxChanged(string) {}

// Toast is one recorded notice.
type Toast struct {
	Level   Level
	Message string
}

// Recorder is an in-memory Notifier, used by tests and by headless runs
// that only want the last notices.
type Recorder struct {
	mu      sync.Mutex
	toasts  []Toast
	changed []string
}

// Toast records a notice.
func (r *Recorder) Toast(level Level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, Toast{Level: level, Message: message})
}

// OutboxChanged records the user whose outbox changed.
func (r *Recorder) OutboxChanged(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, userID)
}

// Toasts returns a copy of the recorded notices.
func (r *Recorder) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Toast(nil), r.toasts...)
}

// OutboxChanges returns a copy of the recorded outbox changes.
func (r *Recorder) OutboxChanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.changed...)
}
