package scheduler

import "github.com/taskmesh/taskmeshd/internal/errkind"

// topologicalCheck runs Kahn's algorithm over edges (id -> its dependency
// ids) and fails with errkind.InvalidGraph if a cycle exists, so a cyclic
// graph is rejected before any sub-task is dispatched.
func topologicalCheck(ids []string, dependsOn map[string][]string) error {
	remaining := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		remaining[id] = len(dependsOn[id])
		for _, dep := range dependsOn[id] {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []string
	for _, id := range ids {
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[id] {
			remaining[dependent]--
			if remaining[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(ids) {
		return errkind.New(errkind.InvalidGraph, "task graph contains a dependency cycle")
	}
	return nil
}
