// Package supervisor owns the lifecycle of externally spawned inference
// processes. It enforces the central invariant of the system: at most one
// live process per (plugin id, task type) slot.
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	xerrors "PluginHub/internal/errors"
	"PluginHub/internal/plugin"
	"PluginHub/pkg/logger"
)

// State is the lifecycle position of one slot.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

type slotKey struct {
	pluginID string
	taskType plugin.TaskType
}

// slot tracks one supervised process. The slot is inserted under the map
// lock before the process is spawned, so two concurrent starts can never
// both observe an empty slot.
type slot struct {
	state     State
	cmd       *exec.Cmd
	pid       int
	command   string
	args      []string
	startedAt time.Time
	// done is closed by the reaper once Wait has returned.
	done chan struct{}
}

// ExitHandler is invoked when a process exits without an explicit stop.
type ExitHandler func(pluginID string, taskType plugin.TaskType, pid int, waitErr error)

// Supervisor mediates all start/stop transitions. The map lock is held only
// across slot claims and releases, never across a spawn or a grace wait, so
// unrelated plugins and task types proceed in parallel.
type Supervisor struct {
	mu     sync.Mutex
	slots  map[slotKey]*slot
	grace  time.Duration
	log    *slog.Logger
	onExit ExitHandler
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGracePeriod sets how long Stop waits after SIGTERM before escalating
// to SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLogger overrides the component logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithExitHandler registers a callback for unexpected process exits.
func WithExitHandler(handler ExitHandler) Option {
	return func(s *Supervisor) {
		s.onExit = handler
	}
}

// New constructs a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		slots: make(map[slotKey]*slot),
		grace: 5 * time.Second,
		log:   logger.Named("supervisor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start claims the (plugin, task type) slot and spawns the service process.
// The claim happens before the spawn; a failed spawn releases the slot so a
// retry is possible.
func (s *Supervisor) Start(_ context.Context, desc plugin.Descriptor, req plugin.StartRequest) (plugin.StartResult, error) {
	if strings.TrimSpace(req.ModelPath) == "" {
		return plugin.StartResult{}, xerrors.New(xerrors.CodeInvalidArgument, "model_path is required")
	}
	if !req.TaskType.Valid() {
		return plugin.StartResult{}, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown task type %q", req.TaskType)
	}

	binary := req.BinaryPath
	if binary == "" {
		binary = desc.DefaultBinary
	}
	if binary == "" {
		return plugin.StartResult{}, xerrors.Newf(xerrors.CodeInvalidArgument,
			"binary_path not provided and plugin %s has no default binary", desc.ID)
	}

	args := defaultArgs(desc, req)
	args = append(args, req.Args...)

	key := slotKey{pluginID: desc.ID, taskType: req.TaskType}

	s.mu.Lock()
	if _, occupied := s.slots[key]; occupied {
		s.mu.Unlock()
		return plugin.StartResult{}, xerrors.Newf(xerrors.CodeServiceAlreadyRunning,
			"plugin %s already runs a %s service", desc.ID, req.TaskType)
	}
	sl := &slot{state: StateStarting, done: make(chan struct{})}
	s.slots[key] = sl
	s.mu.Unlock()

	cmd := exec.Command(binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = mergeEnvironment(os.Environ(), req.Environment)

	if err := cmd.Start(); err != nil {
		s.release(key, sl)
		close(sl.done)
		return plugin.StartResult{}, xerrors.Wrap(xerrors.CodeProcessSpawnFailed, err, "spawn "+binary)
	}

	s.mu.Lock()
	sl.state = StateRunning
	sl.cmd = cmd
	sl.pid = cmd.Process.Pid
	sl.command = binary
	sl.args = args
	sl.startedAt = time.Now()
	s.mu.Unlock()

	go s.reap(key, sl)

	s.log.Info("service started",
		slog.String("plugin_id", desc.ID),
		slog.String("task_type", string(req.TaskType)),
		slog.Int("pid", sl.pid),
		slog.String("command", binary),
	)

	return plugin.StartResult{PID: sl.pid, Command: binary, Args: append([]string(nil), args...)}, nil
}

// Stop terminates the process in the slot, if any. A slot with no running
// process reports Terminated=false and no error. Only the first caller to
// observe a running slot sends signals; later callers see the slot in
// stopping (or already gone) and return immediately.
func (s *Supervisor) Stop(_ context.Context, req plugin.StopRequest) (plugin.StopResult, error) {
	if !req.TaskType.Valid() {
		return plugin.StopResult{}, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown task type %q", req.TaskType)
	}
	key := slotKey{pluginID: req.PluginID, taskType: req.TaskType}

	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok || sl.state != StateRunning {
		s.mu.Unlock()
		return plugin.StopResult{TaskType: req.TaskType, Terminated: false}, nil
	}
	sl.state = StateStopping
	cmd := sl.cmd
	pid := sl.pid
	done := sl.done
	s.mu.Unlock()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process is likely already gone; the reaper clears the slot.
		<-done
		return plugin.StopResult{TaskType: req.TaskType, Terminated: true}, nil
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.log.Warn("grace period elapsed, killing process",
			slog.String("plugin_id", req.PluginID),
			slog.String("task_type", string(req.TaskType)),
			slog.Int("pid", pid),
		)
		_ = cmd.Process.Kill()
		<-done
	}

	s.log.Info("service stopped",
		slog.String("plugin_id", req.PluginID),
		slog.String("task_type", string(req.TaskType)),
		slog.Int("pid", pid),
	)
	return plugin.StopResult{TaskType: req.TaskType, Terminated: true}, nil
}

// Services returns snapshots of the live slots. An empty pluginID matches
// every plugin.
func (s *Supervisor) Services(pluginID string) []plugin.ServiceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plugin.ServiceInfo, 0, len(s.slots))
	for key, sl := range s.slots {
		if pluginID != "" && key.pluginID != pluginID {
			continue
		}
		out = append(out, plugin.ServiceInfo{
			PluginID:  key.pluginID,
			TaskType:  key.taskType,
			PID:       sl.pid,
			Command:   sl.command,
			Args:      append([]string(nil), sl.args...),
			StartedAt: sl.startedAt,
			State:     string(sl.state),
		})
	}
	return out
}

// Shutdown stops every live slot. Used by the daemon on exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	keys := make([]slotKey, 0, len(s.slots))
	for key := range s.slots {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	for _, key := range keys {
		_, _ = s.Stop(ctx, plugin.StopRequest{PluginID: key.pluginID, TaskType: key.taskType})
	}
}

// reap waits for the process to exit and clears the slot, so a crash never
// leaves a stale running entry blocking the next start.
func (s *Supervisor) reap(key slotKey, sl *slot) {
	waitErr := sl.cmd.Wait()

	s.mu.Lock()
	requested := sl.state == StateStopping
	if current, ok := s.slots[key]; ok && current == sl {
		delete(s.slots, key)
	}
	s.mu.Unlock()
	close(sl.done)

	if !requested {
		s.log.Warn("service exited unexpectedly",
			slog.String("plugin_id", key.pluginID),
			slog.String("task_type", string(key.taskType)),
			slog.Int("pid", sl.pid),
			slog.Any("error", waitErr),
		)
		if s.onExit != nil {
			s.onExit(key.pluginID, key.taskType, sl.pid, waitErr)
		}
	}
}

// release removes a claimed slot after a failed spawn.
func (s *Supervisor) release(key slotKey, sl *slot) {
	s.mu.Lock()
	if current, ok := s.slots[key]; ok && current == sl {
		delete(s.slots, key)
	}
	s.mu.Unlock()
}

// defaultArgs builds the plugin-specific base argument list. Plugins may
// declare their own defaults in config; otherwise the conventional
// llmserver-style serve arguments are used.
func defaultArgs(desc plugin.Descriptor, req plugin.StartRequest) []string {
	if len(desc.DefaultArgs) > 0 {
		args := make([]string, 0, len(desc.DefaultArgs)+2)
		args = append(args, desc.DefaultArgs...)
		args = append(args, "--model", req.ModelPath)
		return args
	}
	return []string{"serve", "--model", req.ModelPath, "--task", req.TaskType.DirectorySuffix()}
}

// mergeEnvironment overlays caller-supplied variables on the inherited
// environment, replacing duplicates instead of appending them.
func mergeEnvironment(inherited []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return inherited
	}
	merged := make([]string, 0, len(inherited)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range inherited {
		name, _, ok := strings.Cut(kv, "=")
		if ok {
			if value, overridden := overrides[name]; overridden {
				merged = append(merged, name+"="+value)
				seen[name] = true
				continue
			}
		}
		merged = append(merged, kv)
	}
	for name, value := range overrides {
		if !seen[name] {
			merged = append(merged, name+"="+value)
		}
	}
	return merged
}
