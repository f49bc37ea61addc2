package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/apiutil"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
	"github.com/usize/agentic-control-plane/internal/api"
	"github.com/usize/agentic-control-plane/internal/bridge"
	"github.com/usize/agentic-control-plane/internal/circuit"
	"github.com/usize/agentic-control-plane/internal/config"
	"github.com/usize/agentic-control-plane/internal/identity"
	"github.com/usize/agentic-control-plane/internal/k8s"
	"github.com/usize/agentic-control-plane/internal/mcp"
	"github.com/usize/agentic-control-plane/internal/metrics"
	"github.com/usize/agentic-control-plane/pkg/logging"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", os.Getenv(config.EnvConfigFile), "Path to the YAML configuration file")
	config.BindBridgeFlags(flag.CommandLine, config.Default())
	flag.Parse()

	cfg, err := config.Resolve(configFile, flag.CommandLine, config.BindBridgeFlags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLoggerWithLevel("bridge", logging.ParseLogLevel(cfg.LogLevel))
	defer func() { _ = logger.Sync() }()

	bc := cfg.Bridge
	logger.Infof("Starting agent bridge on %s (metrics=%s, namespaces=%v)", bc.Addr, bc.MetricsAddr, cfg.Namespaces)

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(agentv1alpha1.AddToScheme(scheme))

	restConfig, err := k8s.RESTConfig()
	if err != nil {
		logger.Fatalf("Failed to load Kubernetes config: %v", err)
	}
	ambient, mapper, err := newAmbientClient(restConfig, scheme)
	if err != nil {
		logger.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clients := identity.NewClientCache(ambient, identity.NewClientFactory(restConfig, scheme, mapper), bc.ClientCacheTTL.Std())
	go clients.Run(ctx, time.Minute)

	agents := bridge.NewAgentClient(logger.Named("a2a"), nil, bc.StreamCancelGrace.Std())
	service := bridge.NewService(logger, clients, agents, bridge.Options{
		DefaultNamespace: bc.DefaultNamespace,
		RequestTimeout:   bc.RequestTimeout.Std(),
		Breaker:          breakerConfig(cfg),
	})
	service.SetAllowedNamespaces(cfg.Namespaces)

	if configFile != "" {
		go func() {
			err := config.Watch(ctx, logger, configFile, flag.CommandLine, config.BindBridgeFlags, func(next *config.Config) {
				service.SetAllowedNamespaces(next.Namespaces)
				service.UpdateBreakerConfig(breakerConfig(next))
				logger.Infof("Applied reloaded config (namespaces=%v)", next.Namespaces)
			})
			if err != nil {
				logger.Errorf("Config watcher stopped: %v", err)
			}
		}()
	}

	resolver := identity.NewResolver()
	router := mux.NewRouter()
	mcp.NewHandler(logger.Named("mcp"), service, resolver).Register(router)
	api.NewHandler(logger.Named("api"), service, resolver).
		WithReadyCheck(readyCheck(ambient, cfg)).
		Register(router)

	server := &http.Server{
		Addr:        bc.Addr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Streams are bounded by the request timeout, not the server.
		WriteTimeout: bc.RequestTimeout.Std() + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	metricsServer := &http.Server{
		Addr:         bc.MetricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Server error: %v", err)
		}
	}()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server error: %v", err)
		}
	}()

	logger.Infof("Agent bridge listening on %s (metrics on %s)", bc.Addr, bc.MetricsAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Metrics server shutdown error: %v", err)
	}

	logger.Info("Servers stopped")
}

func newAmbientClient(cfg *rest.Config, scheme *runtime.Scheme) (client.Client, meta.RESTMapper, error) {
	httpClient, err := rest.HTTPClientFor(cfg)
	if err != nil {
		return nil, nil, err
	}
	mapper, err := apiutil.NewDynamicRESTMapper(cfg, httpClient)
	if err != nil {
		return nil, nil, err
	}
	c, err := client.New(cfg, client.Options{Scheme: scheme, Mapper: mapper, HTTPClient: httpClient})
	if err != nil {
		return nil, nil, err
	}
	return c, mapper, nil
}

func breakerConfig(cfg *config.Config) circuit.Config {
	return circuit.Config{
		MaxConcurrent: cfg.Bridge.MaxConcurrentPerAgent,
		MaxQueueSize:  cfg.Bridge.MaxQueuePerAgent,
		QueueTimeout:  cfg.Bridge.QueueTimeout.Std(),
	}
}

// readyCheck reports ready once the bridge's own credentials can list
// AgentCards in a namespace it serves.
func readyCheck(c client.Client, cfg *config.Config) func(context.Context) error {
	ns := cfg.Bridge.DefaultNamespace
	if len(cfg.Namespaces) > 0 {
		ns = cfg.Namespaces[0]
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		var cards agentv1alpha1.AgentCardList
		if err := c.List(ctx, &cards, client.InNamespace(ns), client.Limit(1)); err != nil {
			return fmt.Errorf("listing AgentCards in %s: %w", ns, err)
		}
		return nil
	}
}
