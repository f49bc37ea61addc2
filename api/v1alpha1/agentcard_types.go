package v1alpha1

import (
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

// AgentCardPhase summarizes how fresh the cached card is.
// +kubebuilder:validation:Enum=Active;Degraded;Stale
type AgentCardPhase string

const (
	// AgentCardPhaseActive means the last manifest fetch succeeded.
	AgentCardPhaseActive AgentCardPhase = "Active"
	// AgentCardPhaseDegraded means recent fetches failed but fewer than the failure threshold.
	AgentCardPhaseDegraded AgentCardPhase = "Degraded"
	// AgentCardPhaseStale means the failure threshold was reached. The card is still served.
	AgentCardPhaseStale AgentCardPhase = "Stale"
)

const (
	// ConditionSynced reports whether the last manifest fetch succeeded.
	ConditionSynced = "Synced"

	// ProtocolA2A is the only agent protocol the bridge speaks today.
	ProtocolA2A = "a2a"
)

// WorkloadReference identifies the workload an AgentCard was derived from.
type WorkloadReference struct {
	// APIVersion of the workload (e.g., "apps/v1").
	// +optional
	APIVersion string `json:"apiVersion,omitempty"`

	// Kind of the workload (e.g., "Deployment").
	// +optional
	Kind string `json:"kind,omitempty"`

	// Name of the workload.
	// +kubebuilder:validation:Required
	Name string `json:"name"`

	// UID of the workload at the time of the last successful fetch.
	// +optional
	UID types.UID `json:"uid,omitempty"`
}

// AgentSkill is one invocable capability advertised by an agent.
type AgentSkill struct {
	// ID is the stable skill identifier (e.g., "get_pod_logs").
	// +kubebuilder:validation:Required
	ID string `json:"id"`

	// Name is a human readable skill name.
	// +optional
	Name string `json:"name,omitempty"`

	// Description explains what the skill does.
	// +optional
	Description string `json:"description,omitempty"`

	// Tags are free-form keywords published by the agent.
	// +optional
	Tags []string `json:"tags,omitempty"`

	// InputSchema is the JSON Schema for the skill's invocation payload.
	// +kubebuilder:pruning:PreserveUnknownFields
	// +optional
	InputSchema *apiextensionsv1.JSON `json:"inputSchema,omitempty"`
}

// AgentCardData is the last successfully fetched capability manifest.
type AgentCardData struct {
	// Name declared by the agent.
	Name string `json:"name"`

	// Description of the agent.
	// +optional
	Description string `json:"description,omitempty"`

	// Version declared by the agent.
	// +optional
	Version string `json:"version,omitempty"`

	// URL is the invocation endpoint for agent messages.
	URL string `json:"url"`

	// Streaming reports whether the agent accepts streaming message requests.
	// +optional
	Streaming bool `json:"streaming,omitempty"`

	// SupportsAuthenticatedExtendedCard reports that the agent serves a
	// richer card to authenticated callers.
	// +optional
	SupportsAuthenticatedExtendedCard bool `json:"supportsAuthenticatedExtendedCard,omitempty"`

	// Skills in the order the agent published them.
	// +optional
	Skills []AgentSkill `json:"skills,omitempty"`
}

// AgentCardSpec holds the cached manifest snapshot. It is only written after a
// successful fetch.
type AgentCardSpec struct {
	// WorkloadRef points at the workload serving this agent.
	WorkloadRef WorkloadReference `json:"workloadRef"`

	// Card is the cached capability manifest.
	Card AgentCardData `json:"card"`

	// FetchedAt is when Card was fetched from the agent.
	// +optional
	FetchedAt *metav1.Time `json:"fetchedAt,omitempty"`
}

// AgentCardStatus defines the observed sync state of an AgentCard.
type AgentCardStatus struct {
	// Phase is Active, Degraded or Stale.
	// +optional
	Phase AgentCardPhase `json:"phase,omitempty"`

	// LastSyncTime is when the card was last confirmed by a successful fetch.
	// +optional
	LastSyncTime *metav1.Time `json:"lastSyncTime,omitempty"`

	// ConsecutiveFailureCount counts failed fetches since the last success.
	// +optional
	ConsecutiveFailureCount int32 `json:"consecutiveFailureCount,omitempty"`

	// LastError is the message of the most recent failed fetch.
	// +optional
	LastError string `json:"lastError,omitempty"`

	// Protocol is the agent protocol (e.g., "a2a").
	// +optional
	Protocol string `json:"protocol,omitempty"`

	// Conditions represent the latest available observations.
	// +optional
	// +patchMergeKey=type
	// +patchStrategy=merge
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty" patchStrategy:"merge" patchMergeKey:"type"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:resource:shortName=cards
// +kubebuilder:printcolumn:name="Agent",type="string",JSONPath=".spec.card.name",description="Agent name"
// +kubebuilder:printcolumn:name="Version",type="string",JSONPath=".spec.card.version",description="Agent version"
// +kubebuilder:printcolumn:name="Phase",type="string",JSONPath=".status.phase",description="Sync phase"
// +kubebuilder:printcolumn:name="Failures",type="integer",JSONPath=".status.consecutiveFailureCount",description="Consecutive fetch failures"
// +kubebuilder:printcolumn:name="LastSync",type="date",JSONPath=".status.lastSyncTime"
// +kubebuilder:printcolumn:name="Age",type="date",JSONPath=".metadata.creationTimestamp"

// AgentCard caches the capability manifest of an agent workload.
type AgentCard struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   AgentCardSpec   `json:"spec,omitempty"`
	Status AgentCardStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// AgentCardList contains a list of AgentCard.
type AgentCardList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []AgentCard `json:"items"`
}

func init() {
	SchemeBuilder.Register(&AgentCard{}, &AgentCardList{})
}
