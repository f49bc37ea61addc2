package config

import (
	"flag"
	"strconv"
	"strings"
	"time"
)

// stringList is a comma-separated flag value.
type stringList struct{ target *[]string }

func (s stringList) String() string {
	if s.target == nil {
		return ""
	}
	return strings.Join(*s.target, ",")
}

func (s stringList) Set(v string) error {
	*s.target = splitList(v)
	return nil
}

// durationValue adapts Duration to flag.Value.
type durationValue struct{ target *Duration }

func (d durationValue) String() string {
	if d.target == nil {
		return "0s"
	}
	return d.target.Std().String()
}

func (d durationValue) Set(v string) error {
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*d.target = Duration(parsed)
	return nil
}

// int32Value adapts int32 fields to flag.Value.
type int32Value struct{ target *int32 }

func (i int32Value) String() string {
	if i.target == nil {
		return "0"
	}
	return strconv.FormatInt(int64(*i.target), 10)
}

func (i int32Value) Set(v string) error {
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil {
		return err
	}
	*i.target = int32(n)
	return nil
}

// BindControllerFlags registers the manager's flags on fs, writing into cfg.
func BindControllerFlags(fs *flag.FlagSet, cfg *Config) {
	cc := &cfg.Controller
	fs.Var(stringList{&cfg.Namespaces}, "namespaces", "Comma-separated namespaces to watch (empty = all namespaces).")
	fs.StringVar(&cc.LabelSelector, "label-selector", cc.LabelSelector, "Label selector identifying agent workloads.")
	fs.StringVar(&cc.WorkloadGroup, "workload-group", cc.WorkloadGroup, "API group of the agent workload resource.")
	fs.StringVar(&cc.WorkloadVersion, "workload-version", cc.WorkloadVersion, "API version of the agent workload resource.")
	fs.StringVar(&cc.WorkloadResource, "workload-resource", cc.WorkloadResource, "Plural resource name of the agent workload.")
	fs.StringVar(&cc.ManifestPath, "manifest-path", cc.ManifestPath, "Well-known path of the agent manifest.")
	fs.Var(durationValue{&cc.PollInterval}, "poll-interval", "Interval between manifest fetches per agent.")
	fs.Var(durationValue{&cc.FetchTimeout}, "fetch-timeout", "Timeout for a single manifest fetch.")
	fs.IntVar(&cc.FailureThreshold, "failure-threshold", cc.FailureThreshold, "Consecutive failures before an AgentCard is marked Stale.")
	fs.Var(durationValue{&cc.GracePeriod}, "grace-period", "How long a removed workload's AgentCard is kept.")
	fs.Var(durationValue{&cc.BackoffMax}, "backoff-max", "Upper bound for retry backoff after a failed fetch.")
	fs.IntVar(&cc.Workers, "workers", cc.Workers, "Number of concurrent reconcile workers.")
	fs.StringVar(&cc.MetricsAddr, "metrics-bind-address", cc.MetricsAddr, "The address the metric endpoint binds to.")
	fs.StringVar(&cc.ProbeAddr, "health-probe-bind-address", cc.ProbeAddr, "The address the probe endpoint binds to.")
	fs.BoolVar(&cc.LeaderElection, "leader-elect", cc.LeaderElection, "Enable leader election for controller manager.")
}

// BindBridgeFlags registers the bridge's flags on fs, writing into cfg.
func BindBridgeFlags(fs *flag.FlagSet, cfg *Config) {
	bc := &cfg.Bridge
	fs.Var(stringList{&cfg.Namespaces}, "namespaces", "Comma-separated namespaces the bridge may read (empty = all namespaces).")
	fs.StringVar(&bc.Addr, "addr", bc.Addr, "HTTP listen address")
	fs.StringVar(&bc.MetricsAddr, "metrics-addr", bc.MetricsAddr, "Metrics listen address")
	fs.StringVar(&bc.DefaultNamespace, "default-namespace", bc.DefaultNamespace, "Namespace used when a discovery call names none")
	fs.Var(durationValue{&bc.RequestTimeout}, "request-timeout", "Request timeout for agent calls")
	fs.Var(durationValue{&bc.StreamCancelGrace}, "stream-cancel-grace", "How long an agent stream may outlive its caller")
	fs.Var(durationValue{&bc.ClientCacheTTL}, "client-cache-ttl", "Lifetime of cached per-credential API clients")
	fs.Var(int32Value{&bc.MaxConcurrentPerAgent}, "max-concurrent-per-agent", "Concurrent forwarded calls allowed per agent")
	fs.Var(int32Value{&bc.MaxQueuePerAgent}, "max-queue-per-agent", "Calls allowed to wait for a slot per agent")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
}
