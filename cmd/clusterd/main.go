package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"clusterd/internal/address"
	"clusterd/internal/api"
	"clusterd/internal/config"
	"clusterd/internal/discovery"
	"clusterd/internal/logging"
	"clusterd/internal/node"
	"clusterd/internal/reachability"
	"clusterd/internal/telemetry"
	"clusterd/internal/wire"
)

const leaveTimeout = 30 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to TOML config file")
		host       = flag.String("host", "", "Advertised host (overrides config)")
		port       = flag.Int("port", 0, "Cluster port (overrides config)")
		seeds      = flag.String("seeds", "", "Comma-separated host:port seed list (overrides config)")
		adminAddr  = flag.String("admin", "", "Admin HTTP listen address (overrides config)")
		logLevel   = flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Node.Host = *host
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if *seeds != "" {
		parsed, err := config.ParseSeeds(*seeds)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid seeds: %v\n", err)
			os.Exit(1)
		}
		cfg.Cluster.Seeds = parsed
	}
	if *adminAddr != "" {
		cfg.Admin.Addr = *adminAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("clusterd exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := address.UniqueAddress{Address: cfg.SelfAddress(), UID: address.NewUID()}
	logger.Info("starting clusterd",
		zap.String("self", self.String()),
		zap.Strings("seeds", cfg.Cluster.Seeds),
		zap.String("admin", cfg.Admin.Addr))

	metrics := telemetry.New()
	transport := node.NewGRPCTransport(logger.Named("transport"))
	defer transport.Close()

	opts := []node.Option{node.WithLogger(logger), node.WithMetrics(metrics)}

	var registry *discovery.Registry
	if cfg.Discovery.Enabled {
		cli, err := discovery.NewClient(cfg.Discovery.Endpoints)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer cli.Close()

		registry = discovery.NewRegistry(cli, cfg.Discovery.Prefix, cfg.Discovery.TTL.Duration, logger.Named("discovery"))
		if err := registry.Register(ctx, self); err != nil {
			return fmt.Errorf("failed to register in etcd: %w", err)
		}
		defer deregister(registry, logger)
		opts = append(opts, node.WithSeedSource(func(ctx context.Context) ([]string, error) {
			return registry.Seeds(ctx, self)
		}))
	}

	n, err := node.New(cfg, self, transport, opts...)
	if err != nil {
		return err
	}

	server := node.NewServer(n)
	lis, serveErr, err := node.Serve(server, net.JoinHostPort(cfg.Node.Host, strconv.Itoa(cfg.Node.Port)))
	if err != nil {
		return err
	}
	logger.Info("cluster transport listening", zap.String("addr", lis.Addr().String()))

	var list *memberlist.Memberlist
	if cfg.Memberlist.Enabled {
		source := reachability.NewMemberlistSource(n.Sink(), logger)
		list, err = reachability.StartMemberlist(reachability.MemberlistConfig{
			BindAddr: cfg.Memberlist.BindAddr,
			BindPort: cfg.Memberlist.BindPort,
			Seeds:    memberlistSeeds(cfg),
		}, self, source, logger)
		if err != nil {
			server.Stop()
			return err
		}
	}

	admin := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           api.NewHandler(n, metrics, logger.Named("api")).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	adminErr := make(chan error, 1)
	go func() {
		logger.Info("admin API listening", zap.String("addr", cfg.Admin.Addr))
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			adminErr <- err
		}
	}()

	// The node outlives the signal context so it can still gossip its leave.
	n.Start(context.Background())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		leave(n, logger)
	case <-n.Removed():
		logger.Info("removed from cluster, shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("cluster transport failed: %w", err)
	case err := <-adminErr:
		runErr = fmt.Errorf("admin API failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin API shutdown failed", zap.Error(err))
	}
	if list != nil {
		if err := reachability.StopMemberlist(list, time.Second); err != nil {
			logger.Warn("memberlist shutdown failed", zap.Error(err))
		}
	}
	n.Stop()
	server.GracefulStop()
	return runErr
}

// leave asks the cluster to remove this node and waits until it has been.
func leave(n *node.Node, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	if err := n.Leave(ctx, n.Self().Address); err != nil {
		logger.Warn("graceful leave failed", zap.Error(err))
		return
	}
	if err := n.Announce(ctx, wire.KindLeave, n.Self().Address); err != nil {
		logger.Warn("failed to announce leave", zap.Error(err))
	}
	select {
	case <-n.Removed():
		logger.Info("left cluster")
	case <-ctx.Done():
		logger.Warn("timed out waiting for removal", zap.Duration("timeout", leaveTimeout))
	}
}

type deregisterer interface {
	Deregister(ctx context.Context) error
}

// deregister drops the discovery registration, logging a failure.
func deregister(r deregisterer, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Deregister(ctx); err != nil {
		logger.Warn("etcd deregistration failed", zap.Error(err))
	}
}

// memberlistSeeds points the failure detector at the seed hosts on the
// memberlist port.
func memberlistSeeds(cfg *config.Config) []string {
	out := make([]string, 0, len(cfg.Cluster.Seeds))
	for _, s := range cfg.Cluster.Seeds {
		host, _, err := net.SplitHostPort(s)
		if err != nil {
			continue
		}
		out = append(out, net.JoinHostPort(host, strconv.Itoa(cfg.Memberlist.BindPort)))
	}
	return out
}
