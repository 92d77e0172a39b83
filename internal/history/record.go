// Package history keeps an append-only record of plugin operations so the
// administrative surface can show what a plugin has been asked to do.
package history

import (
	"context"

	"PluginHub/internal/plugin"
)

// Kind classifies what a record describes.
type Kind string

const (
	KindDownload     Kind = "download"
	KindServiceStart Kind = "service_start"
	KindServiceStop  Kind = "service_stop"
)

// Outcome is the terminal state of the recorded operation.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Record is one completed operation. Records are immutable once written.
type Record struct {
	ID        string          `json:"id"`
	PluginID  string          `json:"plugin_id"`
	TaskType  plugin.TaskType `json:"task_type"`
	Kind      Kind            `json:"kind"`
	Outcome   Outcome         `json:"outcome"`
	Detail    string          `json:"detail,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Bytes     int64           `json:"bytes,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// ListOptions narrow a List query.
type ListOptions struct {
	PluginID string
	Kind     Kind
	Limit    int
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 || o.Limit > 500 {
		o.Limit = 50
	}
}

// Store abstracts record persistence.
type Store interface {
	Append(ctx context.Context, record *Record) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Close() error
}
