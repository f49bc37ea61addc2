package k8s

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/tools/cache"
)

var deploymentsGVR = appsv1.SchemeGroupVersion.WithResource("deployments")

type fakeSource struct {
	mu        sync.Mutex
	lists     []*unstructured.UnstructuredList
	listCalls int
	watchOpts []metav1.ListOptions
	watches   chan *watch.FakeWatcher
}

func newFakeSource(lists ...*unstructured.UnstructuredList) *fakeSource {
	return &fakeSource{lists: lists, watches: make(chan *watch.FakeWatcher, 8)}
}

func (f *fakeSource) List(_ context.Context, _ metav1.ListOptions) (*unstructured.UnstructuredList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.listCalls
	if idx >= len(f.lists) {
		idx = len(f.lists) - 1
	}
	f.listCalls++
	return f.lists[idx].DeepCopy(), nil
}

func (f *fakeSource) Watch(_ context.Context, opts metav1.ListOptions) (watch.Interface, error) {
	fw := watch.NewFakeWithChanSize(16, false)
	f.mu.Lock()
	f.watchOpts = append(f.watchOpts, opts)
	f.mu.Unlock()
	f.watches <- fw
	return fw, nil
}

func (f *fakeSource) opts(i int) metav1.ListOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchOpts[i]
}

func (f *fakeSource) listCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func deployment(name, rv string, readyReplicas int64) *unstructured.Unstructured {
	u := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "apps/v1",
		"kind":       "Deployment",
		"metadata": map[string]interface{}{
			"name":            name,
			"namespace":       "team-a",
			"uid":             "uid-" + name,
			"resourceVersion": rv,
			"labels":          map[string]interface{}{"kagenti.io/type": "agent"},
		},
		"status": map[string]interface{}{
			"readyReplicas": readyReplicas,
		},
	}}
	return u
}

func list(rv string, items ...*unstructured.Unstructured) *unstructured.UnstructuredList {
	l := &unstructured.UnstructuredList{Object: map[string]interface{}{}}
	l.SetResourceVersion(rv)
	for _, item := range items {
		l.Items = append(l.Items, *item)
	}
	return l
}

func startWatcher(t *testing.T, src *fakeSource, out chan Event) context.CancelFunc {
	t.Helper()
	w := newWorkloadWatcher(logr.Discard(), WatcherConfig{
		GVR:           deploymentsGVR,
		Kind:          "Deployment",
		LabelSelector: "kagenti.io/type=agent",
	}, map[string]ListWatcher{"": src})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx, out)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func nextWatch(t *testing.T, src *fakeSource) *watch.FakeWatcher {
	t.Helper()
	select {
	case fw := <-src.watches:
		return fw
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watch")
		return nil
	}
}

func TestWatcherListThenWatch(t *testing.T) {
	src := newFakeSource(list("10", deployment("a", "5", 1), deployment("b", "6", 0)))
	out := make(chan Event, 16)
	startWatcher(t, src, out)

	for _, want := range []string{"a", "b"} {
		ev := nextEvent(t, out)
		if ev.Type != EventAdded || ev.Workload.Name != want {
			t.Fatalf("got %s %s, want Added %s", ev.Type, ev.Workload.Name, want)
		}
	}

	fw := nextWatch(t, src)
	opts := src.opts(0)
	if opts.ResourceVersion != "10" || !opts.AllowWatchBookmarks || opts.LabelSelector != "kagenti.io/type=agent" {
		t.Fatalf("unexpected watch options: %+v", opts)
	}

	fw.Modify(deployment("a", "11", 2))
	if ev := nextEvent(t, out); ev.Type != EventUpdated || ev.Workload.Name != "a" {
		t.Fatalf("got %s %s, want Updated a", ev.Type, ev.Workload.Name)
	}

	fw.Add(deployment("c", "12", 1))
	if ev := nextEvent(t, out); ev.Type != EventAdded || ev.Workload.Name != "c" {
		t.Fatalf("got %s %s, want Added c", ev.Type, ev.Workload.Name)
	}

	fw.Delete(deployment("b", "13", 0))
	if ev := nextEvent(t, out); ev.Type != EventRemoved || ev.Workload.Name != "b" {
		t.Fatalf("got %s %s, want Removed b", ev.Type, ev.Workload.Name)
	}

	bookmark := &unstructured.Unstructured{Object: map[string]interface{}{"kind": "Deployment", "apiVersion": "apps/v1"}}
	bookmark.SetResourceVersion("20")
	fw.Action(watch.Bookmark, bookmark)

	// A clean disconnect resumes from the last observed position without a relist.
	fw.Stop()
	nextWatch(t, src)
	if got := src.opts(1).ResourceVersion; got != "20" {
		t.Errorf("resumed from %q, want 20", got)
	}
	if n := src.listCount(); n != 1 {
		t.Errorf("list called %d times, want 1", n)
	}
}

func TestWatcherRelistsWhenPositionExpires(t *testing.T) {
	src := newFakeSource(
		list("10", deployment("a", "5", 1), deployment("b", "6", 1)),
		list("30", deployment("a", "25", 1), deployment("c", "26", 1)),
	)
	out := make(chan Event, 16)
	startWatcher(t, src, out)

	nextEvent(t, out)
	nextEvent(t, out)

	fw := nextWatch(t, src)
	fw.Error(&metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    410,
		Reason:  metav1.StatusReasonExpired,
		Message: "too old resource version",
	})

	got := map[string]EventType{}
	for i := 0; i < 3; i++ {
		ev := nextEvent(t, out)
		got[ev.Workload.Name] = ev.Type
	}
	want := map[string]EventType{"a": EventUpdated, "b": EventRemoved, "c": EventAdded}
	for name, typ := range want {
		if got[name] != typ {
			t.Errorf("%s: got %s, want %s", name, got[name], typ)
		}
	}

	nextWatch(t, src)
	if rv := src.opts(1).ResourceVersion; rv != "30" {
		t.Errorf("watch after relist started at %q, want 30", rv)
	}
}

func TestWatcherStopsWhileBlocked(t *testing.T) {
	src := newFakeSource(list("1", deployment("a", "1", 1), deployment("b", "2", 1)))
	out := make(chan Event) // nobody reads

	w := newWorkloadWatcher(logr.Discard(), WatcherConfig{GVR: deploymentsGVR}, map[string]ListWatcher{"": src})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx, out)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestToWorkload(t *testing.T) {
	w := newWorkloadWatcher(logr.Discard(), WatcherConfig{GVR: deploymentsGVR, Kind: "Deployment"}, nil)

	tests := []struct {
		name         string
		mutate       func(u *unstructured.Unstructured)
		wantReady    bool
		wantEndpoint string
		wantAgent    string
	}{
		{
			name:         "ready replicas",
			mutate:       func(u *unstructured.Unstructured) {},
			wantReady:    true,
			wantEndpoint: "http://monitor-1.team-a.svc.cluster.local:8000",
			wantAgent:    "monitor-1",
		},
		{
			name: "available condition",
			mutate: func(u *unstructured.Unstructured) {
				_ = unstructured.SetNestedField(u.Object, int64(0), "status", "readyReplicas")
				_ = unstructured.SetNestedSlice(u.Object, []interface{}{
					map[string]interface{}{"type": "Available", "status": "True"},
				}, "status", "conditions")
			},
			wantReady:    true,
			wantEndpoint: "http://monitor-1.team-a.svc.cluster.local:8000",
			wantAgent:    "monitor-1",
		},
		{
			name: "not ready with port annotation",
			mutate: func(u *unstructured.Unstructured) {
				_ = unstructured.SetNestedField(u.Object, int64(0), "status", "readyReplicas")
				u.SetAnnotations(map[string]string{AnnotationPort: "9090"})
			},
			wantReady:    false,
			wantEndpoint: "http://monitor-1.team-a.svc.cluster.local:9090",
			wantAgent:    "monitor-1",
		},
		{
			name: "explicit endpoint and name label",
			mutate: func(u *unstructured.Unstructured) {
				u.SetAnnotations(map[string]string{AnnotationEndpoint: "https://monitor.example.com"})
				u.SetLabels(map[string]string{LabelAgentName: "monitor"})
			},
			wantReady:    true,
			wantEndpoint: "https://monitor.example.com",
			wantAgent:    "monitor",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := deployment("monitor-1", "1", 1)
			tt.mutate(u)
			tw := w.toWorkload(u)

			if tw.Ready != tt.wantReady {
				t.Errorf("Ready = %v, want %v", tw.Ready, tt.wantReady)
			}
			if tw.Endpoint != tt.wantEndpoint {
				t.Errorf("Endpoint = %q, want %q", tw.Endpoint, tt.wantEndpoint)
			}
			if tw.AgentName != tt.wantAgent {
				t.Errorf("AgentName = %q, want %q", tw.AgentName, tt.wantAgent)
			}
			if tw.UID != types.UID("uid-monitor-1") {
				t.Errorf("UID = %q", tw.UID)
			}
			if want := (types.NamespacedName{Namespace: "team-a", Name: tt.wantAgent}); tw.Key() != want {
				t.Errorf("Key() = %v, want %v", tw.Key(), want)
			}
		})
	}
}

func TestEventStoreDeleteFinalStateUnknown(t *testing.T) {
	w := newWorkloadWatcher(logr.Discard(), WatcherConfig{GVR: deploymentsGVR, Kind: "Deployment"}, nil)
	out := make(chan Event, 4)
	store := &eventStore{
		ctx:     context.Background(),
		out:     out,
		convert: w.toWorkload,
		known:   map[string]TrackedWorkload{},
		logger:  logr.Discard(),
	}

	if err := store.Replace([]interface{}{deployment("a", "1", 1)}, "1"); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if ev := <-out; ev.Type != EventAdded {
		t.Fatalf("got %s, want Added", ev.Type)
	}

	tomb := cache.DeletedFinalStateUnknown{Key: "team-a/a", Obj: deployment("a", "1", 1)}
	if err := store.Delete(tomb); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	ev := <-out
	if ev.Type != EventRemoved || ev.Workload.Name != "a" {
		t.Fatalf("got %s %s, want Removed a", ev.Type, ev.Workload.Name)
	}
	if keys := store.ListKeys(); len(keys) != 0 {
		t.Errorf("known keys after delete = %v", keys)
	}
}
