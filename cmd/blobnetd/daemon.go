package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agenthands/blobnet/internal/config"
	"github.com/agenthands/blobnet/internal/httpapi"
	"github.com/agenthands/blobnet/internal/logging"
	"github.com/agenthands/blobnet/pkg/metrics"
	"github.com/agenthands/blobnet/pkg/node"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func newDaemonCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the node with its HTTP API, gateway and health check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg config.Config) error {
	app := fx.New(daemonModule(cfg))
	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	return app.Stop(stopCtx)
}

func daemonModule(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(
			newLogger,
			newRegistry,
			newNode,
		),
		fx.Invoke(startHTTP),
	)
}

func newLogger(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.StopHook(func() { _ = log.Sync() }))
	return log, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newNode(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, reg *prometheus.Registry) (*node.Node, error) {
	n, err := node.New(cfg.Node,
		node.WithLogger(log.Named("node")),
		node.WithMetrics(metrics.New(reg)),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := n.Start(ctx); err != nil {
				return err
			}
			ai := n.AddrInfo()
			log.Info("node started", zap.Stringer("peer", ai.ID), zap.Strings("addrs", ai.StringAddrs()))
			return nil
		},
		OnStop: func(context.Context) error { return n.Close() },
	})
	return n, nil
}

// startHTTP registers the HTTP servers. The command API is skipped in
// gateway-only mode.
func startHTTP(lc fx.Lifecycle, cfg config.Config, n *node.Node, reg *prometheus.Registry, log *zap.Logger) {
	hc := cfg.Node.HTTP
	hlog := log.Named("http")

	var servers []*httpapi.Server
	if !hc.GatewayOnly {
		api := httpapi.NewAPI(n, int64(cfg.Node.Limits.MaxBlockBytes), reg, hlog)
		servers = append(servers, httpapi.NewServer("api", hc.APIAddr, api, hlog))
	}
	servers = append(servers,
		httpapi.NewServer("gateway", hc.GatewayAddr, httpapi.NewGateway(n, hlog), hlog),
		httpapi.NewServer("health", hc.HealthAddr, httpapi.NewHealth(n, hlog), hlog),
	)

	for _, s := range servers {
		s := s
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error { return s.Start() },
			OnStop:  s.Shutdown,
		})
	}
}
