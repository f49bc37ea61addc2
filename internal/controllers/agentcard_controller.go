package controllers

import (
	"context"
	"errors"
	"fmt"
	"time"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
	"github.com/usize/agentic-control-plane/internal/config"
	"github.com/usize/agentic-control-plane/internal/k8s"
	"github.com/usize/agentic-control-plane/internal/manifest"
	"github.com/usize/agentic-control-plane/internal/metrics"
)

// Fetcher retrieves an agent's capability manifest.
type Fetcher interface {
	Fetch(ctx context.Context, endpointURL string, timeout time.Duration) (*manifest.CapabilityManifest, error)
}

// Options tune the AgentCard reconciler.
type Options struct {
	PollInterval        time.Duration
	PollJitter          float64
	FetchTimeout        time.Duration
	FailureThreshold    int
	GracePeriod         time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	SyncRefreshInterval time.Duration
	Workers             int
	ConflictRetries     int
	EventBuffer         int
	Namespaces          []string
}

// OptionsFromConfig maps the controller configuration onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	cc := cfg.Controller
	return Options{
		PollInterval:        cc.PollInterval.Std(),
		PollJitter:          cc.PollJitter,
		FetchTimeout:        cc.FetchTimeout.Std(),
		FailureThreshold:    cc.FailureThreshold,
		GracePeriod:         cc.GracePeriod.Std(),
		BackoffBase:         cc.BackoffBase.Std(),
		BackoffMax:          cc.BackoffMax.Std(),
		SyncRefreshInterval: cc.SyncRefreshInterval.Std(),
		Workers:             cc.Workers,
		ConflictRetries:     cc.ConflictRetries,
		EventBuffer:         cc.EventBuffer,
		Namespaces:          cfg.Namespaces,
	}
}

// AgentCardReconciler keeps AgentCards in step with agent workloads and
// the manifests they serve.
type AgentCardReconciler struct {
	client.Client
	// APIReader reads AgentCards without the cache. Defaults to Client.
	APIReader client.Reader
	Fetcher   Fetcher
	Options   Options
	Clock     clock.PassiveClock

	records *recordSet
}

// NewAgentCardReconciler creates a reconciler with an empty record set.
func NewAgentCardReconciler(c client.Client, reader client.Reader, fetcher Fetcher, opts Options) *AgentCardReconciler {
	if reader == nil {
		reader = c
	}
	return &AgentCardReconciler{
		Client:    c,
		APIReader: reader,
		Fetcher:   fetcher,
		Options:   opts,
		Clock:     clock.RealClock{},
		records:   newRecordSet(),
	}
}

// Observe records a workload event and returns the keys that must be reconciled.
func (r *AgentCardReconciler) Observe(ev k8s.Event) []types.NamespacedName {
	return r.records.observe(ev, r.Clock.Now())
}

// +kubebuilder:rbac:groups=agent.kagenti.dev,resources=agentcards,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=agent.kagenti.dev,resources=agentcards/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch

// Reconcile fetches the manifest of one agent and records the outcome.
func (r *AgentCardReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	startTime := time.Now()
	logger := log.FromContext(ctx)
	key := req.NamespacedName

	rec := r.records.get(key)
	if rec == nil {
		return r.reconcileUntracked(ctx, key, startTime)
	}

	rec.flight.Lock()
	defer rec.flight.Unlock()

	snap := r.records.snapshot(rec)
	if snap.workload == nil {
		return r.reconcileRemoval(ctx, key, rec, snap.removedAt, startTime)
	}
	wl := *snap.workload

	logger.V(1).Info("Reconciling AgentCard", "workload", wl.Name, "endpoint", wl.Endpoint)

	var (
		m        *manifest.CapabilityManifest
		fetchErr error
	)
	if wl.Ready {
		fetchStart := time.Now()
		m, fetchErr = r.Fetcher.Fetch(ctx, wl.Endpoint, r.Options.FetchTimeout)
		outcome := metrics.ResultSuccess
		if fetchErr != nil {
			outcome = string(manifest.KindOf(fetchErr))
		}
		metrics.RecordManifestFetch(outcome, time.Since(fetchStart).Seconds())
	} else {
		fetchErr = errWorkloadNotReady
	}

	if ctx.Err() != nil {
		return ctrl.Result{}, ctx.Err()
	}

	// The workload behind this key changed while fetching.
	if !r.records.current(rec, snap.seq) {
		logger.V(1).Info("Discarding superseded fetch result", "seq", snap.seq)
		metrics.RecordReconcile(metrics.ControllerAgentCard, metrics.ResultDiscard, time.Since(startTime).Seconds())
		return ctrl.Result{Requeue: true}, nil
	}

	if fetchErr != nil {
		failures := r.records.markApplied(rec, snap.seq, true)
		if err := r.recordFailure(ctx, key, fetchErr); err != nil {
			metrics.RecordReconcile(metrics.ControllerAgentCard, metrics.ResultError, time.Since(startTime).Seconds())
			metrics.RecordReconcileError(metrics.ControllerAgentCard, "status_update")
			return ctrl.Result{}, err
		}
		logger.Info("Manifest fetch failed", "workload", wl.Name, "failures", failures, "error", fetchErr.Error())
		metrics.RecordReconcile(metrics.ControllerAgentCard, metrics.ResultRequeue, time.Since(startTime).Seconds())
		metrics.RecordReconcileError(metrics.ControllerAgentCard, string(manifest.KindOf(fetchErr)))
		return ctrl.Result{Requeue: true}, nil
	}

	wrote, err := r.recordSuccess(ctx, key, wl, m)
	if err != nil {
		metrics.RecordReconcile(metrics.ControllerAgentCard, metrics.ResultError, time.Since(startTime).Seconds())
		if apierrors.IsConflict(err) {
			metrics.RecordReconcileError(metrics.ControllerAgentCard, metrics.ResultConflict)
		} else {
			metrics.RecordReconcileError(metrics.ControllerAgentCard, "update")
		}
		return ctrl.Result{}, err
	}
	r.records.markApplied(rec, snap.seq, false)

	result := metrics.ResultSuccess
	if !wrote {
		result = metrics.ResultNoop
	}
	metrics.RecordReconcile(metrics.ControllerAgentCard, result, time.Since(startTime).Seconds())
	if wrote {
		logger.Info("AgentCard synced", "agent", m.Name, "version", m.Version, "skills", len(m.Skills))
	}
	return ctrl.Result{RequeueAfter: r.nextPoll()}, nil
}

var errWorkloadNotReady = errors.New("workload has no ready replicas")

// reconcileUntracked handles keys with no record, such as AgentCards left
// behind by a previous controller run.
func (r *AgentCardReconciler) reconcileUntracked(ctx context.Context, key types.NamespacedName, startTime time.Time) (ctrl.Result, error) {
	var card agentv1alpha1.AgentCard
	if err := r.APIReader.Get(ctx, key, &card); err != nil {
		if client.IgnoreNotFound(err) == nil {
			metrics.DeleteAgentCardMetrics(key.Name, key.Namespace)
		}
		return ctrl.Result{}, client.IgnoreNotFound(err)
	}

	rec, removedAt := r.records.adoptOrphan(key, r.Clock.Now())
	rec.flight.Lock()
	defer rec.flight.Unlock()
	if removedAt.IsZero() {
		// A workload arrived in the meantime.
		return ctrl.Result{Requeue: true}, nil
	}
	return r.reconcileRemoval(ctx, key, rec, removedAt, startTime)
}

// reconcileRemoval deletes the AgentCard once its workloads have been gone
// for the grace period.
func (r *AgentCardReconciler) reconcileRemoval(ctx context.Context, key types.NamespacedName, rec *agentRecord, removedAt time.Time, startTime time.Time) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	if remaining := r.Options.GracePeriod - r.Clock.Since(removedAt); remaining > 0 {
		logger.V(1).Info("Workload removed, waiting for grace period", "remaining", remaining.String())
		metrics.RecordReconcile(metrics.ControllerAgentCard, metrics.ResultRequeue, time.Since(startTime).Seconds())
		return ctrl.Result{RequeueAfter: remaining}, nil
	}

	if !r.records.stillRemoved(rec, removedAt) {
		return ctrl.Result{Requeue: true}, nil
	}

	card := &agentv1alpha1.AgentCard{ObjectMeta: metav1.ObjectMeta{Name: key.Name, Namespace: key.Namespace}}
	if err := r.Delete(ctx, card); client.IgnoreNotFound(err) != nil {
		metrics.RecordReconcile(metrics.ControllerAgentCard, metrics.ResultError, time.Since(startTime).Seconds())
		metrics.RecordReconcileError(metrics.ControllerAgentCard, "delete")
		return ctrl.Result{}, fmt.Errorf("deleting AgentCard %s: %w", key, err)
	}

	r.records.forget(key, rec)
	metrics.DeleteAgentCardMetrics(key.Name, key.Namespace)
	metrics.RecordReconcile(metrics.ControllerAgentCard, metrics.ResultDeleted, time.Since(startTime).Seconds())
	logger.Info("AgentCard deleted after grace period", "removedAt", removedAt)
	return ctrl.Result{}, nil
}

// recordSuccess writes the fetched manifest. It reports whether anything was written.
func (r *AgentCardReconciler) recordSuccess(ctx context.Context, key types.NamespacedName, wl k8s.TrackedWorkload, m *manifest.CapabilityManifest) (bool, error) {
	desired := cardData(m)
	ref := agentv1alpha1.WorkloadReference{
		APIVersion: wl.APIVersion,
		Kind:       wl.Kind,
		Name:       wl.Name,
		UID:        wl.UID,
	}
	fetchedAt := metav1.NewTime(m.FetchedAt)
	if m.FetchedAt.IsZero() {
		fetchedAt = metav1.NewTime(r.Clock.Now())
	}

	wrote := false
	err := retry.RetryOnConflict(r.conflictBackoff(), func() error {
		wrote = false
		var card agentv1alpha1.AgentCard
		err := r.APIReader.Get(ctx, key, &card)
		switch {
		case apierrors.IsNotFound(err):
			card = agentv1alpha1.AgentCard{
				ObjectMeta: metav1.ObjectMeta{
					Name:      key.Name,
					Namespace: key.Namespace,
					Labels:    map[string]string{"app.kubernetes.io/managed-by": "agentcard-controller"},
				},
				Spec: agentv1alpha1.AgentCardSpec{WorkloadRef: ref, Card: desired, FetchedAt: &fetchedAt},
			}
			if err := r.Create(ctx, &card); err != nil {
				if apierrors.IsAlreadyExists(err) {
					return apierrors.NewConflict(agentv1alpha1.GroupVersion.WithResource("agentcards").GroupResource(), key.Name, err)
				}
				return err
			}
			wrote = true
		case err != nil:
			return err
		default:
			if !equality.Semantic.DeepEqual(card.Spec.Card, desired) || card.Spec.WorkloadRef != ref {
				card.Spec.Card = desired
				card.Spec.WorkloadRef = ref
				card.Spec.FetchedAt = &fetchedAt
				if err := r.Update(ctx, &card); err != nil {
					return err
				}
				wrote = true
			}
		}

		if !wrote && !r.statusNeedsSync(&card.Status) {
			return nil
		}

		now := metav1.NewTime(r.Clock.Now())
		card.Status.Phase = agentv1alpha1.AgentCardPhaseActive
		card.Status.ConsecutiveFailureCount = 0
		card.Status.LastError = ""
		card.Status.LastSyncTime = &now
		card.Status.Protocol = agentv1alpha1.ProtocolA2A
		r.setCondition(&card, metav1.Condition{
			Type:               agentv1alpha1.ConditionSynced,
			Status:             metav1.ConditionTrue,
			ObservedGeneration: card.Generation,
			Reason:             "ManifestFetched",
			Message:            fmt.Sprintf("Manifest fetched from %s", wl.Endpoint),
		})
		if err := r.Status().Update(ctx, &card); err != nil {
			return err
		}
		wrote = true
		metrics.SetAgentCardMetrics(key.Name, key.Namespace, string(card.Status.Phase), 0, len(card.Spec.Card.Skills))
		return nil
	})
	return wrote, err
}

// statusNeedsSync reports whether a successful fetch must touch status.
func (r *AgentCardReconciler) statusNeedsSync(status *agentv1alpha1.AgentCardStatus) bool {
	if status.Phase != agentv1alpha1.AgentCardPhaseActive ||
		status.ConsecutiveFailureCount != 0 ||
		status.LastError != "" ||
		status.Protocol != agentv1alpha1.ProtocolA2A ||
		status.LastSyncTime == nil ||
		!meta.IsStatusConditionTrue(status.Conditions, agentv1alpha1.ConditionSynced) {
		return true
	}
	return r.Clock.Since(status.LastSyncTime.Time) >= r.Options.SyncRefreshInterval
}

// recordFailure updates status after a failed fetch. spec is never touched and
// nothing is created when no AgentCard exists yet.
func (r *AgentCardReconciler) recordFailure(ctx context.Context, key types.NamespacedName, fetchErr error) error {
	return retry.RetryOnConflict(r.conflictBackoff(), func() error {
		var card agentv1alpha1.AgentCard
		if err := r.APIReader.Get(ctx, key, &card); err != nil {
			return client.IgnoreNotFound(err)
		}

		count := card.Status.ConsecutiveFailureCount + 1
		phase := agentv1alpha1.AgentCardPhaseDegraded
		if int(count) >= r.Options.FailureThreshold {
			phase = agentv1alpha1.AgentCardPhaseStale
		}

		card.Status.ConsecutiveFailureCount = count
		card.Status.Phase = phase
		card.Status.LastError = fetchErr.Error()
		if card.Status.Protocol == "" {
			card.Status.Protocol = agentv1alpha1.ProtocolA2A
		}
		r.setCondition(&card, metav1.Condition{
			Type:               agentv1alpha1.ConditionSynced,
			Status:             metav1.ConditionFalse,
			ObservedGeneration: card.Generation,
			Reason:             failureReason(fetchErr),
			Message:            fetchErr.Error(),
		})
		if err := r.Status().Update(ctx, &card); err != nil {
			return err
		}
		metrics.SetAgentCardMetrics(key.Name, key.Namespace, string(phase), int(count), len(card.Spec.Card.Skills))
		return nil
	})
}

func (r *AgentCardReconciler) setCondition(card *agentv1alpha1.AgentCard, condition metav1.Condition) {
	condition.LastTransitionTime = metav1.NewTime(r.Clock.Now())
	meta.SetStatusCondition(&card.Status.Conditions, condition)
}

func (r *AgentCardReconciler) conflictBackoff() wait.Backoff {
	b := retry.DefaultRetry
	if r.Options.ConflictRetries > 0 {
		b.Steps = r.Options.ConflictRetries
	}
	return b
}

func (r *AgentCardReconciler) nextPoll() time.Duration {
	return wait.Jitter(r.Options.PollInterval, r.Options.PollJitter)
}

func failureReason(err error) string {
	if errors.Is(err, errWorkloadNotReady) {
		return "WorkloadNotReady"
	}
	switch manifest.KindOf(err) {
	case manifest.KindTimeout:
		return "FetchTimeout"
	case manifest.KindConnectionRefused:
		return "ConnectionRefused"
	case manifest.KindNonSuccessStatus:
		return "NonSuccessStatus"
	case manifest.KindMalformedPayload:
		return "MalformedManifest"
	default:
		return "FetchFailed"
	}
}

func cardData(m *manifest.CapabilityManifest) agentv1alpha1.AgentCardData {
	data := agentv1alpha1.AgentCardData{
		Name:        m.Name,
		Description: m.Description,
		Version:     m.Version,
		URL:         m.Endpoint,
		Streaming:   m.Capabilities.Streaming,

		SupportsAuthenticatedExtendedCard: m.SupportsExtendedCard,
	}
	for _, s := range m.Skills {
		skill := agentv1alpha1.AgentSkill{
			ID:          s.ID,
			Name:        s.Name,
			Description: s.Description,
			Tags:        s.Tags,
		}
		if len(s.InputSchema) > 0 && string(s.InputSchema) != "null" {
			skill.InputSchema = &apiextensionsv1.JSON{Raw: append([]byte(nil), s.InputSchema...)}
		}
		data.Skills = append(data.Skills, skill)
	}
	return data
}
