// Package bridge implements the agent tools exposed to MCP and REST callers.
// Every operation reads AgentCards with a client acting as the caller, so a
// caller only ever sees the agents it is allowed to read.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"go.uber.org/zap"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
	"github.com/usize/agentic-control-plane/internal/circuit"
	"github.com/usize/agentic-control-plane/internal/identity"
	"github.com/usize/agentic-control-plane/internal/metrics"
)

// ClientSource hands out Kubernetes clients acting as a caller.
type ClientSource interface {
	Acquire(id identity.CallerIdentity) (*identity.Lease, error)
}

// Options configures a Service.
type Options struct {
	DefaultNamespace string
	// RequestTimeout bounds one forwarded message, including time spent queued.
	RequestTimeout time.Duration
	Breaker        circuit.Config
}

// Service runs bridge operations on behalf of resolved callers.
type Service struct {
	logger   *zap.SugaredLogger
	clients  ClientSource
	agents   *AgentClient
	breakers *circuit.BreakerManager
	opts     Options

	mu      sync.RWMutex
	allowed []string
}

// NewService creates a Service.
func NewService(logger *zap.SugaredLogger, clients ClientSource, agents *AgentClient, opts Options) *Service {
	if opts.DefaultNamespace == "" {
		opts.DefaultNamespace = "default"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}
	return &Service{
		logger:   logger,
		clients:  clients,
		agents:   agents,
		breakers: circuit.NewManager(opts.Breaker),
		opts:     opts,
	}
}

// SetAllowedNamespaces restricts every operation to namespaces. An empty list
// lifts the restriction.
func (s *Service) SetAllowedNamespaces(namespaces []string) {
	sorted := slices.Clone(namespaces)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	s.mu.Lock()
	s.allowed = sorted
	s.mu.Unlock()
}

// UpdateBreakerConfig applies cfg to every agent breaker, including existing ones.
func (s *Service) UpdateBreakerConfig(cfg circuit.Config) {
	s.breakers.UpdateConfig(cfg)
}

func (s *Service) allowedNamespaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allowed
}

func (s *Service) namespaceAllowed(ns string) bool {
	allowed := s.allowedNamespaces()
	return len(allowed) == 0 || slices.Contains(allowed, ns)
}

// Capabilities mirrors the optional A2A capability flags.
type Capabilities struct {
	Streaming bool `json:"streaming"`
}

// AgentSummary is the discovery view of one AgentCard.
type AgentSummary struct {
	AgentCardName       string                     `json:"agentcard_name"`
	Namespace           string                     `json:"namespace"`
	AgentName           string                     `json:"agent_name"`
	Description         string                     `json:"description"`
	Version             string                     `json:"version"`
	URL                 string                     `json:"url"`
	Protocol            string                     `json:"protocol"`
	Capabilities        Capabilities               `json:"capabilities"`
	Skills              []agentv1alpha1.AgentSkill `json:"skills"`
	Phase               string                     `json:"phase"`
	SyncStatus          string                     `json:"sync_status"`
	SyncMessage         string                     `json:"sync_message,omitempty"`
	LastSyncTime        string                     `json:"last_sync_time,omitempty"`
	ConsecutiveFailures int32                      `json:"consecutive_failure_count"`
	LastError           string                     `json:"last_error,omitempty"`
	// SupportsExtendedCard reports that use_extended_card can resolve a
	// caller-specific endpoint.
	SupportsExtendedCard bool `json:"supports_authenticated_extended_card"`
}

// ID returns the agent identifier accepted by the messaging tools.
func (a AgentSummary) ID() string { return a.Namespace + "/" + a.AgentCardName }

func summarize(card *agentv1alpha1.AgentCard) AgentSummary {
	s := AgentSummary{
		AgentCardName:       card.Name,
		Namespace:           card.Namespace,
		AgentName:           card.Spec.Card.Name,
		Description:         card.Spec.Card.Description,
		Version:             card.Spec.Card.Version,
		URL:                 card.Spec.Card.URL,
		Protocol:            card.Status.Protocol,
		Capabilities:        Capabilities{Streaming: card.Spec.Card.Streaming},
		Skills:              card.Spec.Card.Skills,
		Phase:               string(card.Status.Phase),
		SyncStatus:          string(metav1.ConditionUnknown),
		ConsecutiveFailures: card.Status.ConsecutiveFailureCount,
		LastError:           card.Status.LastError,

		SupportsExtendedCard: card.Spec.Card.SupportsAuthenticatedExtendedCard,
	}
	if s.Protocol == "" {
		s.Protocol = "unknown"
	}
	if s.Skills == nil {
		s.Skills = []agentv1alpha1.AgentSkill{}
	}
	for _, c := range card.Status.Conditions {
		if c.Type == agentv1alpha1.ConditionSynced {
			s.SyncStatus = string(c.Status)
			s.SyncMessage = c.Message
		}
	}
	if card.Status.LastSyncTime != nil {
		s.LastSyncTime = card.Status.LastSyncTime.UTC().Format(time.RFC3339)
	}
	return s
}

// scope is a resolved namespace selection.
type scope struct {
	// namespace is empty for a cross-namespace read.
	namespace string
	label     string
}

func (s *Service) resolveScope(namespace string, all bool) (scope, error) {
	if all {
		return scope{label: "all namespaces"}, nil
	}
	if namespace == "" {
		namespace = s.opts.DefaultNamespace
	}
	if !s.namespaceAllowed(namespace) {
		return scope{}, newError(KindAccessDenied, nil, "namespace %q is not served by this bridge", namespace)
	}
	return scope{namespace: namespace, label: "namespace: " + namespace}, nil
}

// listCards reads AgentCards as the caller. A cross-namespace read that the
// caller may not perform cluster-wide falls back to one list per allowed
// namespace, skipping namespaces the caller cannot read.
func (s *Service) listCards(ctx context.Context, c client.Client, sc scope) ([]agentv1alpha1.AgentCard, error) {
	if sc.namespace != "" {
		var list agentv1alpha1.AgentCardList
		if err := c.List(ctx, &list, client.InNamespace(sc.namespace)); err != nil {
			return nil, storeError(err, "listing AgentCards in namespace %q", sc.namespace)
		}
		return list.Items, nil
	}

	allowed := s.allowedNamespaces()
	var list agentv1alpha1.AgentCardList
	err := c.List(ctx, &list)
	switch {
	case err == nil:
		if len(allowed) == 0 {
			return list.Items, nil
		}
		items := list.Items[:0]
		for _, card := range list.Items {
			if slices.Contains(allowed, card.Namespace) {
				items = append(items, card)
			}
		}
		return items, nil
	case !(apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err)) || len(allowed) == 0:
		return nil, storeError(err, "listing AgentCards in all namespaces")
	}

	s.logger.Debugf("cluster-wide AgentCard list denied, listing %d allowed namespaces", len(allowed))
	var items []agentv1alpha1.AgentCard
	for _, ns := range allowed {
		var nsList agentv1alpha1.AgentCardList
		if err := c.List(ctx, &nsList, client.InNamespace(ns)); err != nil {
			if apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
				continue
			}
			return nil, storeError(err, "listing AgentCards in namespace %q", ns)
		}
		items = append(items, nsList.Items...)
	}
	return items, nil
}

func (s *Service) summaries(ctx context.Context, id identity.CallerIdentity, namespace string, all bool) ([]AgentSummary, scope, error) {
	sc, err := s.resolveScope(namespace, all)
	if err != nil {
		return nil, sc, err
	}

	lease, err := s.clients.Acquire(id)
	if err != nil {
		return nil, sc, storeError(err, "acquiring client for %s", id)
	}
	defer lease.Release()

	cards, err := s.listCards(ctx, lease.Client, sc)
	if err != nil {
		return nil, sc, err
	}

	out := make([]AgentSummary, 0, len(cards))
	for i := range cards {
		out = append(out, summarize(&cards[i]))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].AgentCardName < out[j].AgentCardName
	})
	return out, sc, nil
}

// Discover returns the agents visible to id, optionally narrowed to agents
// with a matching skill.
func (s *Service) Discover(ctx context.Context, id identity.CallerIdentity, call DiscoverAgents) ([]AgentSummary, string, error) {
	agents, sc, err := s.summaries(ctx, id, call.Namespace, call.AllNamespaces)
	if err != nil {
		return nil, sc.label, err
	}
	if call.SkillFilter == "" {
		return agents, sc.label, nil
	}
	needle := strings.ToLower(call.SkillFilter)
	return slices.DeleteFunc(agents, func(a AgentSummary) bool {
		return !slices.ContainsFunc(a.Skills, func(sk agentv1alpha1.AgentSkill) bool {
			return skillMatches(sk, needle, true)
		})
	}), sc.label, nil
}

// List returns the agents visible to id that match call.Filter.
func (s *Service) List(ctx context.Context, id identity.CallerIdentity, call ListAgents) ([]AgentSummary, string, error) {
	agents, sc, err := s.summaries(ctx, id, call.Namespace, call.AllNamespaces)
	if err != nil {
		return nil, sc.label, err
	}
	if call.Filter == "" {
		return agents, sc.label, nil
	}
	needle := strings.ToLower(call.Filter)
	return slices.DeleteFunc(agents, func(a AgentSummary) bool {
		return !agentMatches(a, needle)
	}), sc.label, nil
}

func agentMatches(a AgentSummary, needle string) bool {
	if strings.Contains(strings.ToLower(a.AgentName), needle) ||
		strings.Contains(strings.ToLower(a.Description), needle) {
		return true
	}
	return slices.ContainsFunc(a.Skills, func(sk agentv1alpha1.AgentSkill) bool {
		return skillMatches(sk, needle, false)
	})
}

func skillMatches(sk agentv1alpha1.AgentSkill, needle string, tags bool) bool {
	for _, field := range []string{sk.ID, sk.Name, sk.Description} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return tags && slices.ContainsFunc(sk.Tags, func(t string) bool {
		return strings.Contains(strings.ToLower(t), needle)
	})
}

// agentKey resolves an agent identifier. id is "namespace/name", or a bare
// name qualified by namespace or the default namespace.
func (s *Service) agentKey(id, namespace string) (types.NamespacedName, error) {
	key := types.NamespacedName{Name: id, Namespace: namespace}
	if ns, name, ok := strings.Cut(id, "/"); ok {
		if namespace != "" && namespace != ns {
			return key, newError(KindInvalidArguments, nil, "agent %q conflicts with namespace %q", id, namespace)
		}
		key = types.NamespacedName{Namespace: ns, Name: name}
	}
	if key.Namespace == "" {
		key.Namespace = s.opts.DefaultNamespace
	}
	if !s.namespaceAllowed(key.Namespace) {
		return key, newError(KindAccessDenied, nil, "namespace %q is not served by this bridge", key.Namespace)
	}
	return key, nil
}

func (s *Service) getCard(ctx context.Context, id identity.CallerIdentity, key types.NamespacedName) (*agentv1alpha1.AgentCard, error) {
	lease, err := s.clients.Acquire(id)
	if err != nil {
		return nil, storeError(err, "acquiring client for %s", id)
	}
	defer lease.Release()

	card := &agentv1alpha1.AgentCard{}
	if err := lease.Client.Get(ctx, key, card); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, newError(KindAgentUnknown, err, "AgentCard %q not found in namespace %q", key.Name, key.Namespace)
		}
		return nil, storeError(err, "reading AgentCard %s", key)
	}
	if card.Spec.Card.URL == "" {
		return nil, newError(KindAgentUnknown, nil, "AgentCard %q has no cached card data", key.Name)
	}
	return card, nil
}

// Details returns the AgentCard named by call.
func (s *Service) Details(ctx context.Context, id identity.CallerIdentity, call GetAgentDetails) (*agentv1alpha1.AgentCard, error) {
	ref := call.ID
	if ref == "" {
		ref = call.AgentCardName
	}
	key, err := s.agentKey(ref, call.Namespace)
	if err != nil {
		return nil, err
	}
	card, err := s.getCard(ctx, id, key)
	if err != nil {
		return nil, err
	}
	card.ManagedFields = nil
	return card, nil
}

// forwardTarget reads the agent's card as the caller, so a caller cannot
// message an agent it cannot see. With useExtended, an authenticated caller
// is sent to the URL of the agent's extended card when the agent offers one;
// a failed fetch falls back to the cached URL.
func (s *Service) forwardTarget(ctx context.Context, id identity.CallerIdentity, agent, namespace string, useExtended bool) (types.NamespacedName, string, error) {
	key, err := s.agentKey(agent, namespace)
	if err != nil {
		return key, "", err
	}
	card, err := s.getCard(ctx, id, key)
	if err != nil {
		return key, "", err
	}
	url := card.Spec.Card.URL
	if !useExtended || id.Ambient() || !card.Spec.Card.SupportsAuthenticatedExtendedCard {
		return key, url, nil
	}
	extended, err := s.agents.ExtendedCardURL(ctx, url, id)
	if err != nil {
		s.logger.Infow("extended card unavailable, using cached url", "agent", key.String(), "caller", id.String(), "error", err)
		return key, url, nil
	}
	return key, extended, nil
}

// MessageResult is an agent's answer to a forwarded message.
type MessageResult struct {
	Agent  types.NamespacedName
	URL    string
	Result json.RawMessage
}

// Send forwards call.Message to the agent and returns its response.
func (s *Service) Send(ctx context.Context, id identity.CallerIdentity, call SendMessage) (*MessageResult, error) {
	key, url, err := s.forwardTarget(ctx, id, call.ID, call.Namespace, call.UseExtendedCard)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	breaker := s.breakers.Get(key.String())
	if err := breaker.Acquire(ctx); err != nil {
		return nil, forwardError(key.String(), err)
	}
	defer breaker.Release()

	metrics.RecordAgentForward(key.Name, key.Namespace, "send")
	result, err := s.agents.Send(ctx, url, id, call.Message)
	if err != nil {
		s.logger.Infow("agent message failed", "agent", key.String(), "caller", id.String(), "error", err)
		return nil, forwardError(key.String(), err)
	}
	return &MessageResult{Agent: key, URL: url, Result: result}, nil
}

// SendStreaming forwards call.Message as a stream. onChunk, when set, sees
// every chunk as it arrives; all chunks are also returned.
func (s *Service) SendStreaming(ctx context.Context, id identity.CallerIdentity, call SendStreamingMessage, onChunk func(json.RawMessage)) ([]json.RawMessage, string, error) {
	key, url, err := s.forwardTarget(ctx, id, call.ID, call.Namespace, call.UseExtendedCard)
	if err != nil {
		return nil, url, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	breaker := s.breakers.Get(key.String())
	if err := breaker.Acquire(ctx); err != nil {
		return nil, url, forwardError(key.String(), err)
	}
	defer breaker.Release()

	metrics.RecordAgentForward(key.Name, key.Namespace, "stream")
	var chunks []json.RawMessage
	err = s.agents.Stream(ctx, url, id, call.Message, func(chunk json.RawMessage) error {
		chunks = append(chunks, chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
		return nil
	})
	if err != nil {
		s.logger.Infow("agent stream failed", "agent", key.String(), "caller", id.String(), "chunks", len(chunks), "error", err)
		return chunks, url, forwardError(key.String(), err)
	}
	return chunks, url, nil
}

// CallTool decodes and runs one tool call and renders its text result.
// progress, when set, receives streaming chunks as they arrive.
func (s *Service) CallTool(ctx context.Context, id identity.CallerIdentity, name string, args map[string]interface{}, progress func(json.RawMessage)) (string, error) {
	start := time.Now()
	text, err := s.callTool(ctx, id, name, args, progress)

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		var be *Error
		if !errors.As(err, &be) {
			err = newError(KindInternal, err, "%s failed", name)
		}
	}
	metrics.RecordToolCall(name, outcome, time.Since(start).Seconds())
	return text, err
}

func (s *Service) callTool(ctx context.Context, id identity.CallerIdentity, name string, args map[string]interface{}, progress func(json.RawMessage)) (string, error) {
	call, err := Decode(name, args)
	if err != nil {
		return "", err
	}

	switch c := call.(type) {
	case DiscoverAgents:
		agents, label, err := s.Discover(ctx, id, c)
		if err != nil {
			return "", err
		}
		return formatDiscovery(agents, label, c.SkillFilter)
	case ListAgents:
		agents, label, err := s.List(ctx, id, c)
		if err != nil {
			return "", err
		}
		return formatTable(agents, label, c.Filter), nil
	case GetAgentDetails:
		card, err := s.Details(ctx, id, c)
		if err != nil {
			return "", err
		}
		return formatDetails(card)
	case SendMessage:
		res, err := s.Send(ctx, id, c)
		if err != nil {
			return "", err
		}
		return formatResponse(res.URL, res.Result), nil
	case SendStreamingMessage:
		chunks, url, err := s.SendStreaming(ctx, id, c, progress)
		if err != nil {
			return "", err
		}
		return formatStream(url, chunks), nil
	default:
		return "", newError(KindInvalidArguments, nil, "unknown tool %q", name)
	}
}
