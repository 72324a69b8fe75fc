package compile

import (
	"sort"

	composetypes "github.com/compose-spec/compose-go/v2/types"
)

// =============================================================================
// Service Start Ordering
// =============================================================================

// StartOrder sorts service names so that every service appears after its
// dependencies, using Kahn's algorithm. Ties break alphabetically, so the
// order is deterministic for a given topology.
//
// The integrity pass rejects dangling references before this runs; if a
// cycle slips through anyway, the remaining services are appended in name
// order rather than dropped.
func StartOrder(project *composetypes.Project) []string {
	if len(project.Services) == 0 {
		return nil
	}

	inDegree := make(map[string]int, len(project.Services))
	dependents := make(map[string][]string)

	for name, svc := range project.Services {
		inDegree[name] = len(svc.DependsOn)
		for dep := range svc.DependsOn {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(project.Services))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		result = append(result, name)

		deps := dependents[name]
		sort.Strings(deps)
		for _, dep := range deps {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
		sort.Strings(queue)
	}

	if len(result) < len(project.Services) {
		seen := make(map[string]bool, len(result))
		for _, name := range result {
			seen[name] = true
		}
		var rest []string
		for name := range project.Services {
			if !seen[name] {
				rest = append(rest, name)
			}
		}
		sort.Strings(rest)
		result = append(result, rest...)
	}
	return result
}

// StopOrder is StartOrder reversed: dependents stop before their
// dependencies.
func StopOrder(project *composetypes.Project) []string {
	order := StartOrder(project)
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}
