package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/evanfang0054/knowledge-base-mcp/engine/cache"
	"github.com/evanfang0054/knowledge-base-mcp/engine/dify"
	"github.com/evanfang0054/knowledge-base-mcp/engine/infra/monitoring"
	"github.com/evanfang0054/knowledge-base-mcp/engine/knowledge"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/config"
	"github.com/evanfang0054/knowledge-base-mcp/pkg/logger"
	mcpserver "github.com/evanfang0054/knowledge-base-mcp/pkg/mcp-server"
	"github.com/spf13/cobra"
)

func handleServeCmd(cmd *cobra.Command, _ []string) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sources, err := configSources(cmd)
	if err != nil {
		return err
	}
	manager := config.NewManager(config.NewService())
	cfg, err := manager.Load(ctx, sources...)
	if err != nil {
		return err
	}
	defer manager.Close(context.WithoutCancel(ctx))

	_, _, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.SetupLogger(logger.LogLevel(cfg.Log.Level), cfg.Log.JSON, logSource)
	ctx = logger.ContextWithLogger(ctx, log)

	monitoringService := monitoring.NewOrNoop(ctx, &monitoring.Config{
		Enabled: cfg.Server.MetricsEnabled,
		Path:    monitoring.DefaultConfig().Path,
	})
	monitoringService.Install()
	defer func() {
		if err := monitoringService.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("Failed to shut down monitoring", "error", err)
		}
	}()

	registry := knowledge.NewRegistry(&cache.Config{
		DefaultTTL:      cfg.Cache.TTL,
		CleanupInterval: cfg.Cache.Cleanup,
	})
	defer registry.Close()
	watchConfig(ctx, manager, registry, cfg)

	srv := mcpserver.NewServer(ctx, serverConfig(cfg), registry, func() dify.Config {
		return difyConfig(manager.Get())
	}, mcpserver.WithMonitoring(monitoringService))

	log.Info("Starting knowledge base MCP server", "transport", cfg.Server.Transport, "dify_base_url", cfg.Dify.BaseURL)
	if err := srv.Run(ctx, mcpserver.StdioStreams{In: os.Stdin, Out: os.Stdout}); err != nil {
		log.Error("Server exited with error", "error", err)
		return err
	}
	return nil
}

// configSources layers the optional YAML file under the flags the user set
// explicitly. Flags left at their zero defaults never mask env or file values.
func configSources(cmd *cobra.Command) ([]config.Source, error) {
	var sources []config.Source
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if path != "" {
		sources = append(sources, config.NewYAMLProvider(path))
	}
	flags := make(map[string]any)
	for name := range config.CLIFlagPaths {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		switch flag.Value.Type() {
		case "int":
			v, err := cmd.Flags().GetInt(name)
			if err != nil {
				return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
			}
			flags[name] = v
		case "bool":
			v, err := cmd.Flags().GetBool(name)
			if err != nil {
				return nil, fmt.Errorf("failed to get %s flag: %w", name, err)
			}
			flags[name] = v
		default:
			flags[name] = flag.Value.String()
		}
	}
	return append(sources, config.NewCLIProvider(flags)), nil
}

// watchConfig applies reloaded upstream settings to the registry. Transport
// and cache settings are bound at startup.
func watchConfig(ctx context.Context, manager *config.Manager, registry *knowledge.Registry, initial *config.Config) {
	log := logger.FromContext(ctx)
	previous := initial
	manager.OnChange(func(next *config.Config) {
		if !reflect.DeepEqual(previous.Server, next.Server) || previous.Cache != next.Cache {
			log.Warn("Server or cache settings changed; restart to apply them")
		}
		if previous.Dify != next.Dify {
			if err := registry.Configure(ctx, difyConfig(next)); err != nil {
				log.Error("Failed to apply reloaded upstream configuration", "error", err)
			} else {
				log.Info("Applied reloaded upstream configuration", "dify_base_url", next.Dify.BaseURL)
			}
		}
		previous = next
	})
}

func difyConfig(cfg *config.Config) dify.Config {
	return dify.Config{
		BaseURL:      cfg.Dify.BaseURL,
		APIKey:       cfg.Dify.APIKey.Value(),
		Timeout:      cfg.Dify.Timeout,
		ListPageSize: cfg.Dify.ListPageSize,
	}
}

func serverConfig(cfg *config.Config) *mcpserver.Config {
	server := cfg.Server
	return &mcpserver.Config{
		Transport:       server.Transport,
		Host:            server.Host,
		Port:            server.Port,
		PortAttempts:    server.PortAttempts,
		MaxSessions:     server.MaxSessions,
		SessionTimeout:  server.SessionTimeout,
		AllowedOrigins:  server.AllowedOrigins,
		ShutdownTimeout: server.ShutdownTimeout,
	}
}
