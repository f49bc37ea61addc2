package main

import (
	"flag"
	"os"

	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/dynamic"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
	"github.com/usize/agentic-control-plane/internal/config"
	"github.com/usize/agentic-control-plane/internal/controllers"
	"github.com/usize/agentic-control-plane/internal/k8s"
	"github.com/usize/agentic-control-plane/internal/manifest"
	"github.com/usize/agentic-control-plane/pkg/logging"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(agentv1alpha1.AddToScheme(scheme))
}

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", os.Getenv(config.EnvConfigFile), "Path to the YAML configuration file.")
	config.BindControllerFlags(flag.CommandLine, config.Default())

	opts := zap.Options{}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Resolve(configFile, flag.CommandLine, config.BindControllerFlags)
	if err != nil {
		ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))
		setupLog.Error(err, "invalid configuration")
		os.Exit(1)
	}

	// --zap-log-level wins over LOG_LEVEL and the file.
	if opts.Level == nil {
		level := logging.ParseLogLevel(cfg.LogLevel)
		opts.Level = level
		opts.Development = level == zapcore.DebugLevel
	}
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cc := cfg.Controller
	setupLog.Info("configuration resolved",
		"namespaces", cfg.Namespaces,
		"selector", cc.LabelSelector,
		"workload", schema.GroupVersionResource{Group: cc.WorkloadGroup, Version: cc.WorkloadVersion, Resource: cc.WorkloadResource}.String(),
		"pollInterval", cc.PollInterval.Std().String())

	restConfig := ctrl.GetConfigOrDie()

	mgrOpts := ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: cc.MetricsAddr,
		},
		HealthProbeBindAddress: cc.ProbeAddr,
		LeaderElection:         cc.LeaderElection,
		LeaderElectionID:       "agentcard-controller.agent.kagenti.dev",
	}
	if len(cfg.Namespaces) > 0 {
		namespaces := make(map[string]cache.Config, len(cfg.Namespaces))
		for _, ns := range cfg.Namespaces {
			namespaces[ns] = cache.Config{}
		}
		mgrOpts.Cache = cache.Options{DefaultNamespaces: namespaces}
	}

	mgr, err := ctrl.NewManager(restConfig, mgrOpts)
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	// Workloads are watched through the dynamic client so any kind can carry agents.
	dynamicClient, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		setupLog.Error(err, "unable to create dynamic client")
		os.Exit(1)
	}
	watcher := k8s.NewWorkloadWatcher(ctrl.Log, dynamicClient, k8s.WatcherConfig{
		GVR: schema.GroupVersionResource{
			Group:    cc.WorkloadGroup,
			Version:  cc.WorkloadVersion,
			Resource: cc.WorkloadResource,
		},
		Kind:          cc.WorkloadKind,
		LabelSelector: cc.LabelSelector,
		Namespaces:    cfg.Namespaces,
	})

	fetcher := manifest.NewFetcher(manifest.WithPath(cc.ManifestPath))

	reconciler := controllers.NewAgentCardReconciler(mgr.GetClient(), mgr.GetAPIReader(), fetcher, controllers.OptionsFromConfig(cfg))
	if err := reconciler.SetupWithManager(mgr, watcher); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "AgentCard")
		os.Exit(1)
	}

	// Setup health checks
	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager")
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}
