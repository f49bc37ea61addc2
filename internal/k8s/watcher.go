// Package k8s observes agent workloads in the cluster.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/cache"

	"github.com/usize/agentic-control-plane/internal/metrics"
)

// ListWatcher lists and watches one resource in one scope. The dynamic
// client's ResourceInterface satisfies it.
type ListWatcher interface {
	List(ctx context.Context, opts metav1.ListOptions) (*unstructured.UnstructuredList, error)
	Watch(ctx context.Context, opts metav1.ListOptions) (watch.Interface, error)
}

// WatcherConfig configures a WorkloadWatcher.
type WatcherConfig struct {
	GVR           schema.GroupVersionResource
	Kind          string
	LabelSelector string
	// Namespaces to watch. Empty means a single cluster-wide watch.
	Namespaces []string
}

// WorkloadWatcher turns list and watch results for labeled workloads into
// Added, Updated and Removed events. Each scope runs a client-go Reflector,
// which resumes watches from the last resourceVersion and relists when that
// position has expired.
type WorkloadWatcher struct {
	logger  logr.Logger
	cfg     WatcherConfig
	sources map[string]ListWatcher
}

// NewWorkloadWatcher creates a watcher over the dynamic client. One source is
// created per configured namespace.
func NewWorkloadWatcher(logger logr.Logger, client dynamic.Interface, cfg WatcherConfig) *WorkloadWatcher {
	ri := client.Resource(cfg.GVR)
	sources := make(map[string]ListWatcher)
	if len(cfg.Namespaces) == 0 {
		sources[metav1.NamespaceAll] = ri.Namespace(metav1.NamespaceAll)
	} else {
		for _, ns := range cfg.Namespaces {
			sources[ns] = ri.Namespace(ns)
		}
	}
	return newWorkloadWatcher(logger, cfg, sources)
}

func newWorkloadWatcher(logger logr.Logger, cfg WatcherConfig, sources map[string]ListWatcher) *WorkloadWatcher {
	return &WorkloadWatcher{
		logger:  logger.WithName("workload-watcher"),
		cfg:     cfg,
		sources: sources,
	}
}

// Run emits events on out until ctx is done. Sends block when out is full.
// Transient API failures are retried by the reflector.
func (w *WorkloadWatcher) Run(ctx context.Context, out chan<- Event) error {
	w.logger.Info("Starting workload watcher", "resource", w.cfg.GVR.String(), "selector", w.cfg.LabelSelector, "scopes", len(w.sources))

	var wg sync.WaitGroup
	for ns, lw := range w.sources {
		wg.Add(1)
		go func(ns string, lw ListWatcher) {
			defer wg.Done()
			w.runSource(ctx, ns, lw, out)
		}(ns, lw)
	}
	wg.Wait()

	w.logger.Info("Workload watcher stopped")
	return nil
}

func (w *WorkloadWatcher) runSource(ctx context.Context, ns string, lw ListWatcher, out chan<- Event) {
	store := &eventStore{
		ctx:     ctx,
		out:     out,
		convert: w.toWorkload,
		known:   make(map[string]TrackedWorkload),
		logger:  w.logger.WithValues("namespace", ns),
	}
	name := "workloads"
	if ns != metav1.NamespaceAll {
		name = "workloads/" + ns
	}
	r := cache.NewReflectorWithOptions(w.listWatch(ctx, lw), &unstructured.Unstructured{}, store, cache.ReflectorOptions{
		Name:            name,
		TypeDescription: w.cfg.GVR.String(),
	})
	r.Run(ctx.Done())
}

// listWatch scopes lw to the label selector.
func (w *WorkloadWatcher) listWatch(ctx context.Context, lw ListWatcher) *cache.ListWatch {
	selector := w.cfg.LabelSelector
	return &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			opts.LabelSelector = selector
			return lw.List(ctx, opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			opts.LabelSelector = selector
			return lw.Watch(ctx, opts)
		},
	}
}

var errStopped = errors.New("workload watcher stopped")

// eventStore is the reflector's store. Instead of caching objects it keeps
// the last seen workload per key and emits the differences on out.
// Reflector calls are serial, and a blocked send holds back the reflector.
type eventStore struct {
	ctx     context.Context
	out     chan<- Event
	convert func(*unstructured.Unstructured) TrackedWorkload
	logger  logr.Logger

	mu       sync.Mutex
	known    map[string]TrackedWorkload
	replaced bool
}

var _ cache.Store = (*eventStore)(nil)

func (s *eventStore) Add(obj interface{}) error    { return s.upsert(obj) }
func (s *eventStore) Update(obj interface{}) error { return s.upsert(obj) }

func (s *eventStore) upsert(obj interface{}) error {
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return fmt.Errorf("unexpected object %T", obj)
	}
	tw := s.convert(u)
	key := objectKey(tw.Namespace, tw.Name)

	s.mu.Lock()
	_, existed := s.known[key]
	s.known[key] = tw
	s.mu.Unlock()

	typ := EventAdded
	if existed {
		typ = EventUpdated
	}
	return s.emit(Event{Type: typ, Workload: tw})
}

func (s *eventStore) Delete(obj interface{}) error {
	if tomb, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tomb.Obj
	}
	u, ok := obj.(*unstructured.Unstructured)
	if !ok {
		return fmt.Errorf("unexpected object %T", obj)
	}
	tw := s.convert(u)
	key := objectKey(tw.Namespace, tw.Name)

	s.mu.Lock()
	if old, existed := s.known[key]; existed {
		tw = old
	}
	delete(s.known, key)
	s.mu.Unlock()

	return s.emit(Event{Type: EventRemoved, Workload: tw})
}

// Replace diffs a fresh list against the known set. Workloads that vanished
// while no watch was open get synthetic Removed events.
func (s *eventStore) Replace(items []interface{}, resourceVersion string) error {
	current := make(map[string]TrackedWorkload, len(items))
	var events []Event

	s.mu.Lock()
	for _, item := range items {
		u, ok := item.(*unstructured.Unstructured)
		if !ok {
			continue
		}
		tw := s.convert(u)
		key := objectKey(tw.Namespace, tw.Name)
		current[key] = tw

		old, existed := s.known[key]
		switch {
		case !existed:
			events = append(events, Event{Type: EventAdded, Workload: tw})
		case old.ResourceVersion != tw.ResourceVersion || old.UID != tw.UID:
			events = append(events, Event{Type: EventUpdated, Workload: tw})
		}
	}
	for key, old := range s.known {
		if _, ok := current[key]; !ok {
			events = append(events, Event{Type: EventRemoved, Workload: old})
		}
	}
	s.known = current
	relist := s.replaced
	s.replaced = true
	s.mu.Unlock()

	if relist {
		s.logger.Info("Relisted workloads", "resourceVersion", resourceVersion, "changes", len(events))
		metrics.RecordWatchRelist("relist")
	}
	for _, ev := range events {
		if err := s.emit(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *eventStore) emit(ev Event) error {
	select {
	case s.out <- ev:
		metrics.RecordWatchEvent(string(ev.Type))
		return nil
	case <-s.ctx.Done():
		return errStopped
	}
}

func (s *eventStore) List() []interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]interface{}, 0, len(s.known))
	for _, tw := range s.known {
		items = append(items, tw)
	}
	return items
}

func (s *eventStore) ListKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.known))
	for key := range s.known {
		keys = append(keys, key)
	}
	return keys
}

func (s *eventStore) Get(obj interface{}) (interface{}, bool, error) {
	key, err := cache.MetaNamespaceKeyFunc(obj)
	if err != nil {
		return nil, false, err
	}
	return s.GetByKey(key)
}

func (s *eventStore) GetByKey(key string) (interface{}, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tw, ok := s.known[key]
	return tw, ok, nil
}

func (s *eventStore) Resync() error { return nil }

func (w *WorkloadWatcher) toWorkload(u *unstructured.Unstructured) TrackedWorkload {
	tw := TrackedWorkload{
		APIVersion:      u.GetAPIVersion(),
		Kind:            u.GetKind(),
		Namespace:       u.GetNamespace(),
		Name:            u.GetName(),
		UID:             u.GetUID(),
		ResourceVersion: u.GetResourceVersion(),
		Labels:          u.GetLabels(),
		Annotations:     u.GetAnnotations(),
	}
	if tw.Kind == "" {
		tw.Kind = w.cfg.Kind
	}
	if tw.APIVersion == "" {
		tw.APIVersion = w.cfg.GVR.GroupVersion().String()
	}

	tw.AgentName = tw.Name
	if name := tw.Labels[LabelAgentName]; name != "" {
		tw.AgentName = name
	}

	tw.Endpoint = workloadEndpoint(tw)
	tw.Ready = workloadReady(u)
	return tw
}

func workloadEndpoint(tw TrackedWorkload) string {
	if ep := tw.Annotations[AnnotationEndpoint]; ep != "" {
		return ep
	}
	port := DefaultAgentPort
	if p, err := strconv.Atoi(tw.Annotations[AnnotationPort]); err == nil && p > 0 && p < 65536 {
		port = p
	}
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", tw.Name, tw.Namespace, port)
}

func workloadReady(u *unstructured.Unstructured) bool {
	if ready, found, err := unstructured.NestedInt64(u.Object, "status", "readyReplicas"); err == nil && found && ready > 0 {
		return true
	}

	conditions, found, err := unstructured.NestedSlice(u.Object, "status", "conditions")
	if err != nil || !found {
		return false
	}
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := cond["type"].(string)
		status, _ := cond["status"].(string)
		if (typ == "Ready" || typ == "Available") && status == string(metav1.ConditionTrue) {
			return true
		}
	}
	return false
}

func objectKey(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}
