package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/scagent/internal/agent"
	"github.com/nugget/scagent/internal/api"
	"github.com/nugget/scagent/internal/assistant"
	"github.com/nugget/scagent/internal/buildinfo"
	"github.com/nugget/scagent/internal/config"
	"github.com/nugget/scagent/internal/connwatch"
	"github.com/nugget/scagent/internal/llm"
	"github.com/nugget/scagent/internal/mcp"
	"github.com/nugget/scagent/internal/mqtt"
	"github.com/nugget/scagent/internal/transcript"
)

// runServe handles "scagent serve". It initializes the agent, starts
// the health watchers, the optional MQTT publisher and the API server,
// and blocks until SIGINT or SIGTERM.
//
// A failed initialization does not stop the server: /health reports
// the error and the agent watcher keeps retrying.
func runServe(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting scagent",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"branch", buildinfo.GitBranch,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	if cfgPath == "" {
		logger.Warn("no config file found, using defaults")
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Model.Provider,
		"model", cfg.Model.Name,
		"mcp_command", cfg.MCP.Command,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp := newTracerProvider(logger)
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	// Transcript (optional)
	var (
		store    *transcript.Store
		recorder agent.Recorder
	)
	if cfg.Transcript.Enabled {
		store, err = transcript.Open(cfg.Transcript.Path)
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer store.Close()
		recorder = store
		logger.Info("transcript enabled", "path", cfg.Transcript.Path)
	}

	tokens := mqtt.NewDailyTokens(time.Local)
	manager := newManager(cfg, logger)

	rtCfg := runtimeConfig(cfg, manager, logger)
	rtCfg.Recorder = recorder
	rtCfg.Tokens = tokens
	rtCfg.Tracer = tp.Tracer(tracerName)
	rt := assistant.New(rtCfg)

	if err := rt.Initialize(ctx); err != nil {
		logger.Error("agent not ready, serving anyway", "error", err)
	}
	defer rt.Shutdown()

	// Health watchers
	watchers := connwatch.NewManager(logger)
	defer watchers.Stop()

	agentW := newAgentWatch(rt)
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:  "mcp",
		Probe: agentW.probe,
		Backoff: connwatch.BackoffConfig{
			// The probe may run a full initialization.
			ProbeTimeout: rtCfg.InitTimeout + 10*time.Second,
		},
		OnDown: func(err error) {
			logger.Warn("MCP session lost, reinitializing agent", "error", err)
			if err := agentW.recover(ctx); err != nil {
				logger.Error("reinitialization after session loss failed", "error", err)
			}
		},
		Logger: logger,
	})
	watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:   "model",
		Probe:  rt.PingModel,
		Logger: logger,
	})

	// MQTT (optional)
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, tokens, rt, logger)
		mqttPub.SetCommands(rt)

		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		watchers.Watch(ctx, connwatch.WatcherConfig{
			Name:   "mqtt",
			Probe:  mqttPub.AwaitConnection,
			Logger: logger,
		})
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "instance_id", instanceID)
	}

	srvCfg := api.Config{
		Address:        cfg.Listen.Address,
		Port:           cfg.Listen.Port,
		MaxConnections: cfg.Listen.MaxConnections,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Assistant:      rt,
		Services:       watchers,
		Logger:         logger,
	}
	if store != nil {
		srvCfg.Transcript = store
	}
	server := api.NewServer(srvCfg)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("scagent stopped")
	return nil
}

// newManager builds the MCP connection manager for the configured
// tool server.
func newManager(cfg *config.Config, logger *slog.Logger) *mcp.Manager {
	return mcp.NewManager(mcp.ManagerConfig{
		Name: cfg.MCP.Name,
		Stdio: mcp.StdioConfig{
			Command: cfg.MCP.Command,
			Args:    cfg.MCP.Args,
			Env:     cfg.MCP.Env,
		},
		Logger: logger,
	})
}

// runtimeConfig maps the configuration onto the assistant runtime.
func runtimeConfig(cfg *config.Config, manager *mcp.Manager, logger *slog.Logger) assistant.Config {
	return assistant.Config{
		Connector: assistant.NewManagerConnector(manager),
		Model: llm.Config{
			Provider:    cfg.Model.Provider,
			BaseURL:     cfg.Model.BaseURL,
			APIKey:      cfg.Model.APIKey,
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			ToolChoice:  cfg.Model.ToolChoice,
			MaxTokens:   cfg.Model.MaxTokens,
		},
		MaxCycles:   cfg.Agent.MaxCycles,
		SchemaURI:   cfg.MCP.SchemaURI,
		PromptName:  cfg.MCP.PromptName,
		InitTimeout: time.Duration(cfg.MCP.InitTimeoutSec) * time.Second,
		Logger:      logger,
	}
}

// newRuntime builds a runtime with no optional collaborators.
func newRuntime(cfg *config.Config, logger *slog.Logger) *assistant.Runtime {
	return assistant.New(runtimeConfig(cfg, newManager(cfg, logger), logger))
}

// agentWatch drives the mcp watcher. It remembers the agent generation
// its last failed probe saw, so recovery never tears down an agent that
// a chat request has already rebuilt.
type agentWatch struct {
	rt     *assistant.Runtime
	failed atomic.Uint64
}

func newAgentWatch(rt *assistant.Runtime) *agentWatch {
	return &agentWatch{rt: rt}
}

// probe initializes the agent while it is down and pings the tool
// server once it is up.
func (w *agentWatch) probe(ctx context.Context) error {
	gen := w.rt.Generation()
	var err error
	if w.rt.Ready() {
		err = w.rt.PingSession(ctx)
	} else {
		err = w.rt.ReinitializeIfCurrent(ctx, gen)
	}
	if err != nil {
		w.failed.Store(gen)
	}
	return err
}

// recover rebuilds the agent the last probe found broken, unless it has
// been replaced since.
func (w *agentWatch) recover(ctx context.Context) error {
	return w.rt.ReinitializeIfCurrent(ctx, w.failed.Load())
}
