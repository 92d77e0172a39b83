// Package manager is the single entry point for plugin operations. It maps
// (plugin id, action, payload) onto the registry, the process supervisor and
// the download pipeline, and records completed operations for the
// administrative surface.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	xerrors "PluginHub/internal/errors"
	"PluginHub/internal/events"
	"PluginHub/internal/history"
	"PluginHub/internal/plugin"
	"PluginHub/pkg/logger"
)

// Supervisor is the process-lifecycle surface the manager depends on.
type Supervisor interface {
	Start(ctx context.Context, desc plugin.Descriptor, req plugin.StartRequest) (plugin.StartResult, error)
	Stop(ctx context.Context, req plugin.StopRequest) (plugin.StopResult, error)
	Services(pluginID string) []plugin.ServiceInfo
}

// Downloader is the artifact-fetching surface the manager depends on.
type Downloader interface {
	Download(ctx context.Context, req plugin.DownloadRequest) (plugin.DownloadResult, error)
}

// Manager routes plugin operations. It holds no state of its own beyond
// references to its collaborators.
type Manager struct {
	registry   *plugin.Registry
	supervisor Supervisor
	downloads  Downloader
	store      history.Store
	bus        events.Publisher
	log        *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHistoryStore enables operation history recording.
func WithHistoryStore(store history.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithEventPublisher enables lifecycle event publishing.
func WithEventPublisher(bus events.Publisher) Option {
	return func(m *Manager) {
		m.bus = bus
	}
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// New constructs a Manager.
func New(registry *plugin.Registry, sup Supervisor, downloads Downloader, opts ...Option) (*Manager, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "registry is required")
	}
	if sup == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "supervisor is required")
	}
	if downloads == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "download pipeline is required")
	}
	m := &Manager{
		registry:   registry,
		supervisor: sup,
		downloads:  downloads,
		log:        logger.Named("manager"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// ListPlugins returns all registered descriptors in registration order.
func (m *Manager) ListPlugins() []plugin.Descriptor {
	return m.registry.List()
}

// Download validates the plugin and streams the requested artifact to disk.
func (m *Manager) Download(ctx context.Context, req plugin.DownloadRequest) (plugin.DownloadResult, error) {
	if _, err := m.registry.RequireCapability(req.PluginID, plugin.CapabilityModelDownload); err != nil {
		return plugin.DownloadResult{}, err
	}

	result, err := m.downloads.Download(ctx, req)
	if err != nil {
		m.record(ctx, history.Record{
			PluginID:  req.PluginID,
			TaskType:  req.TaskType,
			Kind:      history.KindDownload,
			Outcome:   history.OutcomeFailed,
			Detail:    req.ModelID + "/" + req.Filename,
			ErrorCode: string(xerrors.CodeOf(err)),
		})
		m.publish(ctx, events.Event{
			Type:     events.TypeDownloadFailed,
			PluginID: req.PluginID,
			TaskType: req.TaskType,
			Detail:   err.Error(),
		})
		return plugin.DownloadResult{}, err
	}

	m.record(ctx, history.Record{
		PluginID: req.PluginID,
		TaskType: req.TaskType,
		Kind:     history.KindDownload,
		Outcome:  history.OutcomeSucceeded,
		Detail:   result.SavedPath,
		Bytes:    result.BytesWritten,
	})
	m.publish(ctx, events.Event{
		Type:     events.TypeDownloadCompleted,
		PluginID: req.PluginID,
		TaskType: req.TaskType,
		Detail:   result.SavedPath,
	})
	logger.Audit().Info("model downloaded",
		slog.String("plugin_id", req.PluginID),
		slog.String("model_id", req.ModelID),
		slog.String("saved_path", result.SavedPath),
		slog.Int64("bytes_written", result.BytesWritten),
	)
	return result, nil
}

// StartService validates the plugin and launches its inference process.
func (m *Manager) StartService(ctx context.Context, req plugin.StartRequest) (plugin.StartResult, error) {
	desc, err := m.registry.RequireCapability(req.PluginID, plugin.CapabilityServiceStart)
	if err != nil {
		return plugin.StartResult{}, err
	}

	result, err := m.supervisor.Start(ctx, desc, req)
	if err != nil {
		m.record(ctx, history.Record{
			PluginID:  req.PluginID,
			TaskType:  req.TaskType,
			Kind:      history.KindServiceStart,
			Outcome:   history.OutcomeFailed,
			Detail:    req.ModelPath,
			ErrorCode: string(xerrors.CodeOf(err)),
		})
		return plugin.StartResult{}, err
	}

	m.record(ctx, history.Record{
		PluginID: req.PluginID,
		TaskType: req.TaskType,
		Kind:     history.KindServiceStart,
		Outcome:  history.OutcomeSucceeded,
		Detail:   fmt.Sprintf("pid %d: %s", result.PID, result.Command),
	})
	m.publish(ctx, events.Event{
		Type:     events.TypeServiceStarted,
		PluginID: req.PluginID,
		TaskType: req.TaskType,
		Detail:   fmt.Sprintf("pid %d", result.PID),
	})
	logger.Audit().Info("service started",
		slog.String("plugin_id", req.PluginID),
		slog.String("task_type", string(req.TaskType)),
		slog.Int("pid", result.PID),
	)
	return result, nil
}

// StopService validates the plugin and terminates its running process, if
// one exists for the requested task type.
func (m *Manager) StopService(ctx context.Context, req plugin.StopRequest) (plugin.StopResult, error) {
	if _, err := m.registry.RequireCapability(req.PluginID, plugin.CapabilityServiceStop); err != nil {
		return plugin.StopResult{}, err
	}

	result, err := m.supervisor.Stop(ctx, req)
	if err != nil {
		return plugin.StopResult{}, err
	}
	if result.Terminated {
		m.record(ctx, history.Record{
			PluginID: req.PluginID,
			TaskType: req.TaskType,
			Kind:     history.KindServiceStop,
			Outcome:  history.OutcomeSucceeded,
		})
		m.publish(ctx, events.Event{
			Type:     events.TypeServiceStopped,
			PluginID: req.PluginID,
			TaskType: req.TaskType,
		})
		logger.Audit().Info("service stopped",
			slog.String("plugin_id", req.PluginID),
			slog.String("task_type", string(req.TaskType)),
		)
	}
	return result, nil
}

// Services lists the live processes for one plugin.
func (m *Manager) Services(pluginID string) ([]plugin.ServiceInfo, error) {
	if _, err := m.registry.Resolve(pluginID); err != nil {
		return nil, err
	}
	return m.supervisor.Services(pluginID), nil
}

// History lists recorded operations for one plugin, newest first.
func (m *Manager) History(ctx context.Context, pluginID string, opts history.ListOptions) ([]*history.Record, error) {
	if _, err := m.registry.Resolve(pluginID); err != nil {
		return nil, err
	}
	if m.store == nil {
		return nil, nil
	}
	opts.PluginID = pluginID
	return m.store.List(ctx, opts)
}

// HandleServiceExit is wired as the supervisor's exit handler so crashes are
// visible in the history and on the event bus.
func (m *Manager) HandleServiceExit(pluginID string, taskType plugin.TaskType, pid int, waitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	detail := fmt.Sprintf("pid %d exited", pid)
	if waitErr != nil {
		detail = fmt.Sprintf("pid %d exited: %v", pid, waitErr)
	}
	m.record(ctx, history.Record{
		PluginID: pluginID,
		TaskType: taskType,
		Kind:     history.KindServiceStop,
		Outcome:  history.OutcomeFailed,
		Detail:   detail,
	})
	m.publish(ctx, events.Event{
		Type:     events.TypeServiceExited,
		PluginID: pluginID,
		TaskType: taskType,
		Detail:   detail,
	})
}

// record appends a history entry. Recording is best-effort: a storage
// failure is logged but never fails the operation that triggered it.
func (m *Manager) record(ctx context.Context, record history.Record) {
	if m.store == nil {
		return
	}
	record.ID = uuid.NewString()
	record.CreatedAt = time.Now().Unix()
	if err := m.store.Append(ctx, &record); err != nil {
		m.log.Error("append history record", slog.Any("error", err), slog.String("plugin_id", record.PluginID))
	}
}

// publish emits a lifecycle event, also best-effort.
func (m *Manager) publish(ctx context.Context, event events.Event) {
	if m.bus == nil {
		return
	}
	event.OccurredAt = time.Now()
	if err := m.bus.Publish(ctx, event); err != nil {
		m.log.Error("publish event", slog.Any("error", err), slog.String("type", string(event.Type)))
	}
}
