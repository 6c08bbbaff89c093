package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/renlabs-dev/communex/cmd/internal/passphrase"
	"github.com/renlabs-dev/communex/crypto"
	"github.com/renlabs-dev/communex/gateway/accesslist"
	"github.com/renlabs-dev/communex/gateway/chain"
	"github.com/renlabs-dev/communex/gateway/config"
	"github.com/renlabs-dev/communex/gateway/identity"
	"github.com/renlabs-dev/communex/gateway/middleware"
	"github.com/renlabs-dev/communex/gateway/ratelimit"
	"github.com/renlabs-dev/communex/gateway/server"
	"github.com/renlabs-dev/communex/observability/logging"
	telemetry "github.com/renlabs-dev/communex/observability/otel"
)

const defaultPassphraseEnv = "MODULEGATE_KEY_PASSPHRASE"

func main() {
	var (
		cfgPath  string
		keyPath  string
		initKey  bool
		logLevel string
	)
	flag.StringVar(&cfgPath, "config", "", "path to module server configuration (.yaml or .toml)")
	flag.StringVar(&keyPath, "key", "", "override key.file from the configuration")
	flag.BoolVar(&initKey, "init-key", false, "create an sr25519 key file at the key path if none exists")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if keyPath != "" {
		cfg.Key.File = keyPath
		cfg.Key.Keystore = ""
	}

	env := cfg.Observability.Environment
	if override := strings.TrimSpace(os.Getenv("MODULEGATE_ENV")); override != "" {
		env = override
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service: cfg.Observability.ServiceName,
		Env:     env,
		Level:   logLevel,
		File:    cfg.Observability.LogFile,
	})
	defer logCloser.Close()

	if err := run(cfg, env, initKey, logger); err != nil {
		logger.Error("module server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, initKey bool, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keypair, err := loadKeypair(cfg.Key, initKey)
	if err != nil {
		return err
	}
	logger.Info("module identity loaded",
		slog.String("identity", keypair.Identity().String()),
		slog.String("crypto", keypair.Scheme.String()))

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.FromEnv(telemetry.Config{
		ServiceName: cfg.Observability.ServiceName,
		Environment: env,
		Identity:    keypair.Identity().String(),
		Metrics:     cfg.Observability.Metrics,
		Traces:      cfg.Observability.Tracing,
	}, os.LookupEnv))
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
	}, logger)

	chainClient, closeChain, err := buildChainClient(cfg.Chain, obs)
	if err != nil {
		return err
	}
	defer closeChain()

	var store accesslist.Store
	if path := strings.TrimSpace(cfg.Lists.StorePath); path != "" {
		leveldbStore, err := accesslist.OpenLevelDBStore(path)
		if err != nil {
			return err
		}
		defer leveldbStore.Close()
		store = leveldbStore
	}

	var tier ratelimit.TierFunc
	if cfg.Limiter.Kind == config.LimiterStake {
		if tier, err = ratelimit.Tiered(cfg.Limiter.Stake.TokenRatio); err != nil {
			return err
		}
	}
	srv, err := server.New(ctx, server.Options{
		Keypair:   keypair,
		Chain:     chainClient,
		Subnets:   cfg.Admission.Subnets,
		Staleness: cfg.Admission.Staleness,
		Lists: accesslist.Initial{
			Blacklist:   cfg.Lists.Blacklist,
			Whitelist:   cfg.Lists.Whitelist,
			IPBlacklist: cfg.Lists.IPBlacklist,
		},
		ListStore: store,
		Limiter:   server.LimiterKind(cfg.Limiter.Kind),
		IP: ratelimit.IPOptions{
			BucketSize:  cfg.Limiter.IP.BucketSize,
			RefillRate:  cfg.Limiter.IP.RefillRate,
			MaxVisitors: cfg.Limiter.IP.MaxVisitors,
		},
		Stake: ratelimit.StakeOptions{
			Epoch:       cfg.Limiter.Stake.StakeEpoch(),
			MaxCacheAge: cfg.Limiter.Stake.MaxCacheAge(),
			Tier:        tier,
		},
		Identity: identity.Options{
			MinTTL: cfg.Admission.IdentityMinTTL,
			MaxTTL: cfg.Admission.IdentityMaxTTL,
		},
		Observability: obs,
		CORS:          &middleware.CORSConfig{AllowedOrigins: cfg.Security.AllowedOrigins},
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if err := registerExampleModule(srv.Registry()); err != nil {
		return fmt.Errorf("register module methods: %w", err)
	}
	router, err := srv.Handler()
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}
	handler := router
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, cfg.Observability.ServiceName)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go srv.Maintain(ctx, time.Minute, 10*time.Minute)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("module server listening",
			slog.String("address", "http://"+listener.Addr().String()),
			slog.Any("methods", methodNames(srv)),
			slog.String("limiter", cfg.Limiter.Kind),
			slog.Any("subnets", cfg.Admission.Subnets))
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}

func loadKeypair(cfg config.KeyConfig, initKey bool) (*crypto.Keypair, error) {
	if path := strings.TrimSpace(cfg.Keystore); path != "" {
		envVar := cfg.PassphraseEnv
		if envVar == "" {
			envVar = defaultPassphraseEnv
		}
		pass, err := passphrase.NewSource(envVar).Get()
		if err != nil {
			return nil, err
		}
		kp, err := crypto.LoadFromKeystore(path, pass)
		if err != nil {
			return nil, fmt.Errorf("load keystore %s: %w", path, err)
		}
		return kp, nil
	}
	path := strings.TrimSpace(cfg.File)
	if path == "" {
		return nil, errors.New("a module key is required; set key.file, key.keystore or -key")
	}
	kp, err := crypto.LoadKeyFile(path)
	if err == nil {
		return kp, nil
	}
	if !initKey || !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	kp, err = crypto.GenerateKeypair(crypto.SchemeSr25519)
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveKeyFile(path, kp); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return kp, nil
}

// buildChainClient returns nil when no chain source is configured.
func buildChainClient(cfg config.ChainConfig, obs *middleware.Observability) (chain.Client, func(), error) {
	noop := func() {}
	var (
		base    chain.Client
		closeFn = noop
	)
	switch {
	case strings.TrimSpace(cfg.Snapshot) != "":
		static, err := chain.LoadSnapshot(cfg.Snapshot)
		if err != nil {
			return nil, noop, err
		}
		base = static
	case strings.TrimSpace(cfg.Endpoint) != "":
		rpc, err := chain.NewRPCClient(cfg.Endpoint, cfg.AuthToken, chain.Methods{
			Registered: cfg.RegisteredMethod,
			Stakes:     cfg.StakesMethod,
		})
		if err != nil {
			return nil, noop, err
		}
		base = rpc
		closeFn = func() { _ = rpc.Close() }
	default:
		return nil, noop, nil
	}
	return chain.WithMetrics(chain.WithTimeout(base, cfg.Timeout), obs.Registerer()), closeFn, nil
}

func methodNames(srv *server.ModuleServer) []string {
	endpoints := srv.Registry().Endpoints()
	names := make([]string, len(endpoints))
	for i, ep := range endpoints {
		names[i] = ep.Name
	}
	return names
}
