// Package events publishes plugin lifecycle notifications so external
// consumers (the admin UI, automation) can react without polling.
package events

import (
	"context"
	"time"

	"PluginHub/internal/plugin"
)

// Type names a lifecycle transition.
type Type string

const (
	TypeDownloadCompleted Type = "download_completed"
	TypeDownloadFailed    Type = "download_failed"
	TypeServiceStarted    Type = "service_started"
	TypeServiceStopped    Type = "service_stopped"
	TypeServiceExited     Type = "service_exited"
)

// Event is one lifecycle notification. Detail carries the operation-specific
// payload: a saved path, an error message, or a pid.
type Event struct {
	Type       Type            `json:"type"`
	PluginID   string          `json:"plugin_id"`
	TaskType   plugin.TaskType `json:"task_type"`
	Detail     string          `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher delivers events to a backend. Publishing is best-effort from the
// manager's point of view; a failed publish never fails the operation.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}
