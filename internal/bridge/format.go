package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	agentv1alpha1 "github.com/usize/agentic-control-plane/api/v1alpha1"
)

const noAgentsHint = "AgentCards are created automatically once a labelled agent workload serves its capability manifest."

func formatDiscovery(agents []AgentSummary, scope, skillFilter string) (string, error) {
	if len(agents) == 0 {
		if skillFilter != "" {
			return fmt.Sprintf("No agents with skills matching '%s' found in %s.", skillFilter, scope), nil
		}
		return fmt.Sprintf("No agents found in %s.\n\n%s", scope, noAgentsHint), nil
	}
	data, err := json.MarshalIndent(agents, "", "  ")
	if err != nil {
		return "", newError(KindInternal, err, "encoding agents")
	}
	return fmt.Sprintf("Found %d agent(s) in %s:\n\n%s", len(agents), scope, data), nil
}

func formatTable(agents []AgentSummary, scope, filter string) string {
	if len(agents) == 0 {
		if filter != "" {
			return fmt.Sprintf("No agents matching filter '%s' found in %s.", filter, scope)
		}
		return fmt.Sprintf("No agents found in %s.\n\n%s", scope, noAgentsHint)
	}

	var b strings.Builder
	b.WriteString("Agent Summary:\n\n")
	if filter != "" {
		fmt.Fprintf(&b, "Filter: '%s'\n\n", filter)
	}

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT NAME\tVERSION\tPROTOCOL\tPHASE\tNAMESPACE\tURL")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			orDefault(a.AgentName, a.AgentCardName),
			orDefault(a.Version, "N/A"),
			a.Protocol,
			orDefault(a.Phase, "Unknown"),
			a.Namespace,
			orDefault(a.URL, "N/A"))
	}
	_ = tw.Flush()

	fmt.Fprintf(&b, "\nTotal: %d agent(s)", len(agents))
	return b.String()
}

func formatDetails(card *agentv1alpha1.AgentCard) (string, error) {
	data, err := json.MarshalIndent(card, "", "  ")
	if err != nil {
		return "", newError(KindInternal, err, "encoding AgentCard %s", card.Name)
	}
	return fmt.Sprintf("Agent details for %s:\n\n%s", card.Name, data), nil
}

func formatResponse(url string, result json.RawMessage) string {
	return fmt.Sprintf("Response from %s:\n\n%s", url, indentJSON(result))
}

func formatStream(url string, chunks []json.RawMessage) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, indentJSON(c))
	}
	return fmt.Sprintf("Streaming response from %s:\n\n%s", url, strings.Join(parts, "\n\n"))
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
