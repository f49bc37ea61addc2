package controllers

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"
	"sigs.k8s.io/controller-runtime/pkg/source"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
	"github.com/usize/agentic-control-plane/internal/k8s"
)

// WorkloadSource emits workload events until ctx is done.
type WorkloadSource interface {
	Run(ctx context.Context, out chan<- k8s.Event) error
}

// SetupWithManager registers the reconciler and a runnable that feeds it
// events from src. Both only run while this replica holds the leader lease.
func (r *AgentCardReconciler) SetupWithManager(mgr ctrl.Manager, src WorkloadSource) error {
	buffer := r.Options.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}
	triggers := make(chan event.TypedGenericEvent[types.NamespacedName], buffer)

	toRequest := handler.TypedEnqueueRequestsFromMapFunc[types.NamespacedName, reconcile.Request](func(_ context.Context, key types.NamespacedName) []reconcile.Request {
		return []reconcile.Request{{NamespacedName: key}}
	})

	opts := controller.Options{
		MaxConcurrentReconciles: max(r.Options.Workers, 1),
	}
	if r.Options.BackoffBase > 0 && r.Options.BackoffMax > 0 {
		opts.RateLimiter = workqueue.NewTypedItemExponentialFailureRateLimiter[reconcile.Request](r.Options.BackoffBase, r.Options.BackoffMax)
	}

	err := ctrl.NewControllerManagedBy(mgr).
		Named("agentcard").
		WithOptions(opts).
		WatchesRawSource(source.TypedChannel[types.NamespacedName, reconcile.Request](triggers, toRequest)).
		Complete(r)
	if err != nil {
		return fmt.Errorf("creating agentcard controller: %w", err)
	}

	return mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		return r.pump(ctx, src, triggers)
	}))
}

// pump runs the workload source and turns its events into reconcile triggers.
func (r *AgentCardReconciler) pump(ctx context.Context, src WorkloadSource, triggers chan<- event.TypedGenericEvent[types.NamespacedName]) error {
	logger := ctrl.LoggerFrom(ctx).WithName("agentcard-pump")

	events := make(chan k8s.Event, cap(triggers))
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Run(ctx, events)
	}()

	if err := r.enqueueExisting(ctx, triggers); err != nil {
		// Orphans are picked up on the next restart.
		logger.Error(err, "Failed to list existing AgentCards")
	}

	for {
		select {
		case <-ctx.Done():
			return <-errCh
		case err := <-errCh:
			return err
		case ev := <-events:
			for _, key := range r.Observe(ev) {
				select {
				case triggers <- event.TypedGenericEvent[types.NamespacedName]{Object: key}:
				case <-ctx.Done():
					return <-errCh
				}
			}
		}
	}
}

// enqueueExisting triggers a reconcile for every AgentCard already stored so
// cards whose workload vanished while the controller was down are collected.
func (r *AgentCardReconciler) enqueueExisting(ctx context.Context, triggers chan<- event.TypedGenericEvent[types.NamespacedName]) error {
	namespaces := r.Options.Namespaces
	if len(namespaces) == 0 {
		namespaces = []string{""}
	}
	for _, ns := range namespaces {
		var cards agentv1alpha1.AgentCardList
		if err := r.APIReader.List(ctx, &cards, client.InNamespace(ns)); err != nil {
			return err
		}
		for i := range cards.Items {
			key := client.ObjectKeyFromObject(&cards.Items[i])
			select {
			case triggers <- event.TypedGenericEvent[types.NamespacedName]{Object: key}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}
