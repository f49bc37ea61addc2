package k8s

import (
	"fmt"

	"k8s.io/apimachinery/pkg/types"
)

// Annotations and labels read from agent workloads.
const (
	AnnotationEndpoint = "agents.kagenti.dev/endpoint"
	AnnotationPort     = "agents.kagenti.dev/port"
	LabelAgentName     = "app.kubernetes.io/name"

	// DefaultAgentPort is used when a workload does not annotate its port.
	DefaultAgentPort = 8000
)

// EventType is the kind of change observed for a workload.
type EventType string

const (
	EventAdded   EventType = "Added"
	EventUpdated EventType = "Updated"
	EventRemoved EventType = "Removed"
)

// TrackedWorkload is the watcher's view of one agent workload.
type TrackedWorkload struct {
	APIVersion      string
	Kind            string
	Namespace       string
	Name            string
	UID             types.UID
	ResourceVersion string
	Labels          map[string]string
	Annotations     map[string]string

	// AgentName is the derived agent identity within the namespace.
	AgentName string
	// Endpoint is the base URL the manifest is served under.
	Endpoint string
	Ready    bool
}

// Key identifies the agent this workload serves.
func (w TrackedWorkload) Key() types.NamespacedName {
	return types.NamespacedName{Namespace: w.Namespace, Name: w.AgentName}
}

func (w TrackedWorkload) String() string {
	return fmt.Sprintf("%s/%s (uid=%s)", w.Namespace, w.Name, w.UID)
}

// Event is a single workload change.
type Event struct {
	Type     EventType
	Workload TrackedWorkload
}
