package graph

import (
	"fmt"
	"strings"
)

// Render serializes a Document back to the canonical markdown shape Parse
// accepts. convert_task_markdown uses this to normalize an input file and
// to round-trip a graph built programmatically.
func Render(doc *Document) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Task %s: %s\n\n", doc.RootID, doc.RootName)
	sb.WriteString("## Objective\n\n")
	sb.WriteString(doc.Objective)
	sb.WriteString("\n\n")

	if len(doc.Requirements) > 0 {
		sb.WriteString("## Requirements\n\n")
		for _, r := range doc.Requirements {
			fmt.Fprintf(&sb, "- %s\n", r)
		}
		sb.WriteString("\n")
	}

	for _, st := range doc.SubTasks {
		fmt.Fprintf(&sb, "### Task %s: %s\n\n", st.ID, st.Name)
		if st.Description != "" {
			sb.WriteString(st.Description)
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "- Execution Mode: %s\n", st.ExecutionMode)
		if len(st.DependsOn) > 0 {
			fmt.Fprintf(&sb, "- Depends On: %s\n", strings.Join(st.DependsOn, ", "))
		} else {
			sb.WriteString("- Depends On: none\n")
		}
		fmt.Fprintf(&sb, "- Priority: %s\n", st.Priority)
		if c := st.Metadata["complexity"]; c != "" {
			fmt.Fprintf(&sb, "- Complexity: %s\n", c)
		}
		if i := st.Metadata["impact"]; i != "" {
			fmt.Fprintf(&sb, "- Impact: %s\n", i)
		}
		if st.TimeoutMs > 0 {
			fmt.Fprintf(&sb, "- Timeout: %dms\n", st.TimeoutMs)
		}
		sb.WriteString("\n")

		if st.Prompt != "" {
			sb.WriteString("#### Implementation Steps\n\n")
			for _, line := range strings.Split(st.Prompt, "\n") {
				fmt.Fprintf(&sb, "- %s\n", line)
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}
