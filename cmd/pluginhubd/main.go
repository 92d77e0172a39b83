package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"PluginHub/internal/api"
	"PluginHub/internal/config"
	"PluginHub/internal/download"
	"PluginHub/internal/events"
	"PluginHub/internal/history"
	"PluginHub/internal/manager"
	"PluginHub/internal/observability/metrics"
	"PluginHub/internal/plugin"
	"PluginHub/internal/supervisor"
	"PluginHub/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pluginhubd failed: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PLUGINHUB_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "pluginhub.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		AuditPath:   cfg.Logging.AuditPath,
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	store, err := buildHistoryStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	bus, err := buildEventPublisher(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if bus != nil {
			if err := bus.Close(); err != nil {
				logger.L().Error("close event publisher", slog.Any("error", err))
			}
		}
	}()

	// The manager is the supervisor's exit handler, but the supervisor is a
	// manager dependency. The pointer is captured now and filled in below,
	// before any service can be started.
	var mgr *manager.Manager
	sup := supervisor.New(
		supervisor.WithGracePeriod(cfg.Supervisor.StopGracePeriod()),
		supervisor.WithExitHandler(func(pluginID string, taskType plugin.TaskType, pid int, waitErr error) {
			if mgr != nil {
				mgr.HandleServiceExit(pluginID, taskType, pid, waitErr)
			}
		}),
	)

	pipeline := download.New(cfg.Downloads.BaseDir, download.WithEndpoint(cfg.Downloads.Endpoint))
	if cfg.Downloads.TimeoutSeconds > 0 {
		pipeline.SetTimeout(time.Duration(cfg.Downloads.TimeoutSeconds) * time.Second)
	}

	mgr, err = manager.New(registry, sup, pipeline,
		manager.WithHistoryStore(store),
		manager.WithEventPublisher(bus),
	)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics server exited", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, mgr)
	serveErr := server.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGracePeriod()+5*time.Second)
	defer cancel()
	sup.Shutdown(shutdownCtx)

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}

// buildRegistry turns the configured plugin map into descriptors. Map order
// is not stable, so ids are sorted to keep listings deterministic.
func buildRegistry(cfg *config.Config) (*plugin.Registry, error) {
	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	descriptors := make([]plugin.Descriptor, 0, len(ids))
	for _, id := range ids {
		pc := cfg.Plugins[id]
		capabilities := make([]plugin.Capability, 0, len(pc.Capabilities))
		for _, c := range pc.Capabilities {
			capabilities = append(capabilities, plugin.Capability(c))
		}
		descriptors = append(descriptors, plugin.Descriptor{
			ID:            id,
			Name:          pc.Name,
			Description:   pc.Description,
			Capabilities:  capabilities,
			DefaultBinary: pc.DefaultBinary,
			DefaultArgs:   append([]string(nil), pc.DefaultArgs...),
		})
	}
	return plugin.NewRegistry(descriptors)
}

func buildHistoryStore(ctx context.Context, cfg *config.Config) (history.Store, error) {
	switch cfg.History.Driver {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "mysql":
		return history.NewMySQLStore(ctx, history.MySQLConfig{
			DSN:             cfg.History.MySQL.DSN,
			MaxOpenConns:    cfg.History.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.History.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.History.MySQL.ConnMaxLifetime) * time.Second,
		})
	default:
		return nil, errors.New("unknown history driver: " + cfg.History.Driver)
	}
}

func buildEventPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryBus(), nil
	case "redis":
		return events.NewRedisBus(events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Stream:   cfg.Events.Redis.Stream,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:     cfg.Events.RabbitMQ.URL,
			Queue:   cfg.Events.RabbitMQ.Queue,
			Durable: cfg.Events.RabbitMQ.Durable,
		})
	default:
		return nil, errors.New("unknown events driver: " + cfg.Events.Driver)
	}
}
