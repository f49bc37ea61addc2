package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Tool names.
const (
	ToolDiscoverAgents           = "discover_agents"
	ToolListAgents               = "list_agents"
	ToolGetAgentDetails          = "get_agent_details"
	ToolSendMessage              = "send_message_to_agent"
	ToolSendStreamingMessage     = "send_streaming_message_to_agent"
	validationTagKubernetesName  = "k8sname"
	validationTagAgentIdentifier = "agentid"
)

// Call is one decoded tool invocation. The concrete type selects the operation.
type Call interface {
	ToolName() string
}

// DiscoverAgents lists agent summaries as JSON.
type DiscoverAgents struct {
	Namespace     string `json:"namespace,omitempty" validate:"omitempty,k8sname"`
	AllNamespaces bool   `json:"all_namespaces,omitempty"`
	SkillFilter   string `json:"skill_filter,omitempty" validate:"max=256"`
}

// ListAgents renders agents as a table.
type ListAgents struct {
	Namespace     string `json:"namespace,omitempty" validate:"omitempty,k8sname"`
	AllNamespaces bool   `json:"all_namespaces,omitempty"`
	Filter        string `json:"filter,omitempty" validate:"max=256"`
}

// GetAgentDetails returns one AgentCard. ID is "namespace/name" or a bare
// name qualified by Namespace; AgentCardName is accepted in place of ID.
type GetAgentDetails struct {
	ID            string `json:"id,omitempty" validate:"omitempty,agentid"`
	AgentCardName string `json:"agentcard_name,omitempty" validate:"omitempty,k8sname"`
	Namespace     string `json:"namespace,omitempty" validate:"omitempty,k8sname"`
}

// SendMessage forwards a text message to an agent.
type SendMessage struct {
	ID        string `json:"id" validate:"required,agentid"`
	Message   string `json:"message" validate:"required,max=1048576"`
	Namespace string `json:"namespace,omitempty" validate:"omitempty,k8sname"`
	// UseExtendedCard resolves the agent URL from its authenticated
	// extended card, fetched with the caller's credential.
	UseExtendedCard bool `json:"use_extended_card,omitempty"`
}

// SendStreamingMessage forwards a text message and relays the agent's stream.
type SendStreamingMessage struct {
	ID        string `json:"id" validate:"required,agentid"`
	Message   string `json:"message" validate:"required,max=1048576"`
	Namespace string `json:"namespace,omitempty" validate:"omitempty,k8sname"`
	// UseExtendedCard resolves the agent URL from its authenticated
	// extended card, fetched with the caller's credential.
	UseExtendedCard bool `json:"use_extended_card,omitempty"`
}

func (DiscoverAgents) ToolName() string       { return ToolDiscoverAgents }
func (ListAgents) ToolName() string           { return ToolListAgents }
func (GetAgentDetails) ToolName() string      { return ToolGetAgentDetails }
func (SendMessage) ToolName() string          { return ToolSendMessage }
func (SendStreamingMessage) ToolName() string { return ToolSendStreamingMessage }

// ToolDefinition describes a tool and its JSON Schema.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

var (
	namespaceProp = map[string]interface{}{
		"type":        "string",
		"description": "Namespace to search. Defaults to the bridge's default namespace.",
	}
	allNamespacesProp = map[string]interface{}{
		"type":        "boolean",
		"description": "Search every namespace the caller can read.",
	}
	idProp = map[string]interface{}{
		"type":        "string",
		"description": "Agent identifier as namespace/name, or a name combined with the namespace argument.",
	}
	messageProp = map[string]interface{}{
		"type":        "string",
		"description": "Text message to send to the agent.",
	}
	extendedCardProp = map[string]interface{}{
		"type":        "boolean",
		"description": "Fetch the agent's authenticated extended card with the caller's credential and send to the URL it names.",
	}
)

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Tools returns the tool definitions in a stable order.
func Tools() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        ToolDiscoverAgents,
			Description: "Discover agents from their cached AgentCards. Returns a JSON array of agent summaries without contacting the agents.",
			InputSchema: objectSchema(map[string]interface{}{
				"namespace":      namespaceProp,
				"all_namespaces": allNamespacesProp,
				"skill_filter": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive substring matched against skill ids, names and tags.",
				},
			}),
		},
		{
			Name:        ToolListAgents,
			Description: "Summarize discovered agents as a table with name, version, protocol, phase, namespace and URL.",
			InputSchema: objectSchema(map[string]interface{}{
				"namespace":      namespaceProp,
				"all_namespaces": allNamespacesProp,
				"filter": map[string]interface{}{
					"type":        "string",
					"description": "Case-insensitive substring matched against agent name, description and skills.",
				},
			}),
		},
		{
			Name:        ToolGetAgentDetails,
			Description: "Get the full cached AgentCard of one agent, including all skills.",
			InputSchema: objectSchema(map[string]interface{}{
				"id": idProp,
				"agentcard_name": map[string]interface{}{
					"type":        "string",
					"description": "Name of the AgentCard resource. Alternative to id.",
				},
				"namespace": namespaceProp,
			}),
		},
		{
			Name:        ToolSendMessage,
			Description: "Send a message to an agent over A2A and return its response.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":                idProp,
				"message":           messageProp,
				"namespace":         namespaceProp,
				"use_extended_card": extendedCardProp,
			}, "id", "message"),
		},
		{
			Name:        ToolSendStreamingMessage,
			Description: "Send a message to an agent over A2A and stream its response chunks.",
			InputSchema: objectSchema(map[string]interface{}{
				"id":                idProp,
				"message":           messageProp,
				"namespace":         namespaceProp,
				"use_extended_card": extendedCardProp,
			}, "id", "message"),
		},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation(validationTagKubernetesName, func(fl validator.FieldLevel) bool {
		return len(validation.IsDNS1123Label(fl.Field().String())) == 0
	})
	_ = v.RegisterValidation(validationTagAgentIdentifier, func(fl validator.FieldLevel) bool {
		ns, name, qualified := strings.Cut(fl.Field().String(), "/")
		if !qualified {
			return len(validation.IsDNS1123Subdomain(ns)) == 0
		}
		return len(validation.IsDNS1123Label(ns)) == 0 && len(validation.IsDNS1123Subdomain(name)) == 0
	})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		c := sl.Current().Interface().(GetAgentDetails)
		if c.ID == "" && c.AgentCardName == "" {
			sl.ReportError(c.ID, "id", "ID", "required", "")
		}
	}, GetAgentDetails{})
	return v
}

// Decode turns a tool name and its raw arguments into a validated Call.
// Unknown tools, unknown arguments, wrongly typed values and failed
// constraints are all invalid_arguments errors.
func Decode(name string, args map[string]interface{}) (Call, error) {
	var call Call
	switch name {
	case ToolDiscoverAgents:
		call = &DiscoverAgents{}
	case ToolListAgents:
		call = &ListAgents{}
	case ToolGetAgentDetails:
		call = &GetAgentDetails{}
	case ToolSendMessage:
		call = &SendMessage{}
	case ToolSendStreamingMessage:
		call = &SendStreamingMessage{}
	default:
		return nil, newError(KindInvalidArguments, nil, "unknown tool %q", name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, newError(KindInvalidArguments, err, "encoding arguments for %s", name)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(call); err != nil {
		return nil, newError(KindInvalidArguments, err, "invalid arguments for %s", name)
	}

	if err := validate.Struct(call); err != nil {
		return nil, newError(KindInvalidArguments, nil, "invalid arguments for %s: %s", name, describeValidation(err))
	}
	return deref(call), nil
}

func deref(call Call) Call {
	switch c := call.(type) {
	case *DiscoverAgents:
		return *c
	case *ListAgents:
		return *c
	case *GetAgentDetails:
		return *c
	case *SendMessage:
		return *c
	case *SendStreamingMessage:
		return *c
	}
	return call
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_without":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		case validationTagKubernetesName:
			parts = append(parts, fmt.Sprintf("%s %q is not a valid Kubernetes name", fe.Field(), fe.Value()))
		case validationTagAgentIdentifier:
			parts = append(parts, fmt.Sprintf("%s %q is not a valid agent id", fe.Field(), fe.Value()))
		case "max":
			parts = append(parts, fmt.Sprintf("%s exceeds %s characters", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
