// Package graph parses a task-graph markdown document into an in-memory
// Document. Parse is a pure function over input bytes: it never touches the
// Store, so the Scheduler can re-derive the same graph from the same
// markdown at any time.
package graph

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
)

// Document is the parsed shape of a task-graph markdown file: a root task
// description plus its ordered sub-tasks.
type Document struct {
	RootID       string
	RootName     string
	Objective    string
	Requirements []string
	RootMode     domain.ExecutionMode

	// TimeoutMs, when positive, caps the whole graph's elapsed time from
	// the moment the root starts running; when it lapses the run behaves
	// as a cancel. Zero leaves only per-sub-task timeouts in force.
	TimeoutMs int

	SubTasks []domain.SubTask
}

var fieldPrefixes = map[string]string{
	"execution mode": "mode",
	"depends on":     "depends",
	"priority":       "priority",
	"complexity":     "complexity",
	"impact":         "impact",
	"timeout":        "timeout",
}

// Parse extracts a Document from markdown source, following the template:
//
//	# Task <id>: <name>
//	## Objective
//	<paragraph>
//	## Requirements
//	- item
//	### Task <n>: <name>
//	- Execution Mode: sequential|parallel
//	- Depends On: <n>, <n>
//	- Priority: low|medium|high|critical
//	- Timeout: <ms>
//	#### Implementation Steps
//	- step
func Parse(source []byte) (*Document, error) {
	md := goldmark.New()
	root := md.Parser().Parse(text.NewReader(source))

	doc := &Document{RootMode: domain.ModeSequential}
	var current *domain.SubTask
	var pendingField string
	seenRoot := false
	seenObjective := false
	seenRequirements := false
	subtaskNumbers := map[string]bool{}
	dependencyRefs := map[string][]string{}

	flushSubTask := func() {
		if current != nil {
			doc.SubTasks = append(doc.SubTasks, *current)
			current = nil
		}
	}

	for n := root.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			heading := inlineText(node, source)
			switch node.Level {
			case 1:
				id, name, err := splitHeading(heading, "Task")
				if err != nil {
					return nil, errkind.New(errkind.MalformedInput, "missing root task heading: "+err.Error())
				}
				doc.RootID, doc.RootName = id, name
				seenRoot = true
				pendingField = ""
			case 2:
				lower := strings.ToLower(heading)
				seenObjective = seenObjective || lower == "objective"
				seenRequirements = seenRequirements || lower == "requirements"
				pendingField = lower
			case 3:
				flushSubTask()
				id, name, err := splitHeading(heading, "Task")
				if err != nil {
					return nil, errkind.New(errkind.MalformedInput, fmt.Sprintf("malformed sub-task heading: %v", err))
				}
				subtaskNumbers[id] = true
				current = &domain.SubTask{
					ID:        id,
					Name:      name,
					Priority:  domain.PriorityMedium,
					Metadata:  map[string]string{},
				}
				pendingField = ""
			case 4:
				pendingField = strings.ToLower(heading)
			}

		case *ast.Paragraph:
			body := inlineText(node, source)
			if pendingField == "objective" {
				doc.Objective = strings.TrimSpace(body)
			}

		case *ast.List:
			items := listItems(node, source)
			switch {
			case pendingField == "requirements":
				doc.Requirements = append(doc.Requirements, items...)
			case pendingField == "implementation steps" && current != nil:
				current.Prompt = strings.Join(items, "\n")
			case current != nil:
				for _, item := range items {
					if err := applyField(current, item, dependencyRefs); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	flushSubTask()

	if !seenRoot {
		return nil, errkind.New(errkind.MalformedInput, "document has no root task heading")
	}
	if !seenObjective || doc.Objective == "" {
		return nil, errkind.New(errkind.MalformedInput, "document has no Objective section")
	}
	if !seenRequirements {
		return nil, errkind.New(errkind.MalformedInput, "document has no Requirements section")
	}

	for i := range doc.SubTasks {
		st := &doc.SubTasks[i]
		for _, ref := range dependencyRefs[st.ID] {
			if !subtaskNumbers[ref] {
				return nil, errkind.New(errkind.InvalidGraph,
					fmt.Sprintf("task %s depends on undeclared task %s", st.ID, ref))
			}
			st.DependsOn = append(st.DependsOn, ref)
		}
		if st.ExecutionMode == "" {
			st.ExecutionMode = doc.RootMode
		}
	}

	return doc, nil
}

func applyField(st *domain.SubTask, line string, deps map[string][]string) error {
	key, value, ok := splitField(line)
	if !ok {
		return nil
	}
	switch fieldPrefixes[key] {
	case "mode":
		if strings.EqualFold(value, "parallel") {
			st.ExecutionMode = domain.ModeParallel
		} else {
			st.ExecutionMode = domain.ModeSequential
		}
	case "depends":
		for _, ref := range strings.Split(value, ",") {
			ref = strings.TrimSpace(ref)
			if ref != "" && !strings.EqualFold(ref, "none") {
				deps[st.ID] = append(deps[st.ID], ref)
			}
		}
	case "priority":
		st.Priority = domain.Priority(strings.ToLower(value))
	case "complexity":
		st.Metadata["complexity"] = value
	case "impact":
		st.Metadata["impact"] = value
	case "timeout":
		ms, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(value, "ms")))
		if err != nil {
			return errkind.New(errkind.InvalidInput, fmt.Sprintf("task %s: unparseable timeout %q", st.ID, value))
		}
		if ms <= 0 {
			return errkind.New(errkind.InvalidInput, fmt.Sprintf("task %s: timeout must be positive", st.ID))
		}
		st.TimeoutMs = ms
	}
	return nil
}

func splitField(line string) (key, value string, ok bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(line[:idx]))
	value = strings.TrimSpace(line[idx+1:])
	_, known := fieldPrefixes[key]
	return key, value, known
}

// splitHeading parses "Task <id>: <name>" into (id, name).
func splitHeading(heading, kind string) (id, name string, err error) {
	prefix := kind + " "
	if !strings.HasPrefix(heading, prefix) {
		return "", "", fmt.Errorf("expected %q prefix, got %q", prefix, heading)
	}
	rest := strings.TrimPrefix(heading, prefix)
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("expected %q: <name>, got %q", kind, heading)
	}
	return strings.TrimSpace(rest[:idx]), strings.TrimSpace(rest[idx+1:]), nil
}

func inlineText(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(source))
			continue
		}
		sb.WriteString(inlineText(c, source))
	}
	return sb.String()
}

func listItems(list *ast.List, source []byte) []string {
	var items []string
	for c := list.FirstChild(); c != nil; c = c.NextSibling() {
		item, ok := c.(*ast.ListItem)
		if !ok {
			continue
		}
		var parts []string
		for p := item.FirstChild(); p != nil; p = p.NextSibling() {
			parts = append(parts, strings.TrimSpace(inlineText(p, source)))
		}
		items = append(items, strings.TrimSpace(strings.Join(parts, " ")))
	}
	return items
}
