package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmeshd/internal/domain"
	"github.com/taskmesh/taskmeshd/internal/errkind"
)

const wellFormed = `# Task root-1: Ship the feature

## Objective

Deliver the feature end to end.

## Requirements

- Must pass CI
- Must include docs

### Task 1: Write the code

- Execution Mode: parallel
- Depends On: none
- Priority: high
- Timeout: 5000ms

#### Implementation Steps

- Implement the handler
- Add unit tests

### Task 2: Write the docs

- Execution Mode: sequential
- Depends On: 1
- Priority: medium

#### Implementation Steps

- Document the new endpoint
`

func TestParseWellFormedDocument(t *testing.T) {
	doc, err := Parse([]byte(wellFormed))
	require.NoError(t, err)

	assert.Equal(t, "root-1", doc.RootID)
	assert.Equal(t, "Ship the feature", doc.RootName)
	assert.Equal(t, "Deliver the feature end to end.", doc.Objective)
	assert.Equal(t, []string{"Must pass CI", "Must include docs"}, doc.Requirements)
	require.Len(t, doc.SubTasks, 2)

	first := doc.SubTasks[0]
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "Write the code", first.Name)
	assert.Equal(t, domain.ModeParallel, first.ExecutionMode)
	assert.Equal(t, domain.PriorityHigh, first.Priority)
	assert.Equal(t, 5000, first.TimeoutMs)
	assert.Empty(t, first.DependsOn)
	assert.Equal(t, "Implement the handler\nAdd unit tests", first.Prompt)

	second := doc.SubTasks[1]
	assert.Equal(t, "2", second.ID)
	assert.Equal(t, domain.ModeSequential, second.ExecutionMode)
	assert.Equal(t, domain.PriorityMedium, second.Priority)
	assert.Equal(t, []string{"1"}, second.DependsOn)
}

func TestParseMissingRootHeading(t *testing.T) {
	_, err := Parse([]byte("## Objective\n\nbody\n\n## Requirements\n\n- a\n"))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.MalformedInput))
}

func TestParseMissingObjective(t *testing.T) {
	source := "# Task root: Name\n\n## Requirements\n\n- a\n"
	_, err := Parse([]byte(source))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.MalformedInput))
}

func TestParseUndeclaredDependency(t *testing.T) {
	source := `# Task root: Name

## Objective

Do the thing.

## Requirements

- a

### Task 1: Only task

- Execution Mode: sequential
- Depends On: 99
- Priority: low
`
	_, err := Parse([]byte(source))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidGraph))
}

func TestParseRejectsZeroTimeout(t *testing.T) {
	source := `# Task root: Name

## Objective

Do the thing.

## Requirements

- a

### Task 1: Only task

- Execution Mode: sequential
- Depends On: none
- Timeout: 0ms
`
	_, err := Parse([]byte(source))
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidInput))
}

func TestRenderRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(wellFormed))
	require.NoError(t, err)

	rendered := Render(doc)
	reparsed, err := Parse([]byte(rendered))
	require.NoError(t, err)

	assert.Equal(t, doc.RootID, reparsed.RootID)
	assert.Equal(t, doc.RootName, reparsed.RootName)
	assert.Equal(t, doc.Objective, reparsed.Objective)
	require.Len(t, reparsed.SubTasks, len(doc.SubTasks))
	for i := range doc.SubTasks {
		assert.Equal(t, doc.SubTasks[i].ID, reparsed.SubTasks[i].ID)
		assert.Equal(t, doc.SubTasks[i].ExecutionMode, reparsed.SubTasks[i].ExecutionMode)
		assert.Equal(t, doc.SubTasks[i].DependsOn, reparsed.SubTasks[i].DependsOn)
	}
	assert.True(t, strings.Contains(rendered, "#### Implementation Steps"))
}
