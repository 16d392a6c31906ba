package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// CycleError reports foreign-key references that form a cycle. Tables in
// the cycle cannot be provisioned or synced safely and are refused.
type CycleError struct {
	Tables []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("foreign key cycle between tables: %s", strings.Join(e.Tables, ", "))
}

// Order returns the tables sorted so foreign-key parents precede their
// children (Kahn's algorithm, ties broken by qualified name for
// deterministic replay). Foreign keys pointing outside the given set are
// ignored. When a cycle exists, the acyclic portion is still returned in
// valid order alongside a *CycleError naming the participants; callers
// sync the returned tables and refuse the rest.
func Order(tables []Table) ([]Table, error) {
	byName := make(map[string]Table, len(tables))
	for _, t := range tables {
		byName[t.QualifiedName()] = t
	}

	// parent -> children edges, child indegree counts.
	children := make(map[string][]string)
	indegree := make(map[string]int, len(tables))
	for name := range byName {
		indegree[name] = 0
	}
	for _, t := range tables {
		child := t.QualifiedName()
		for _, fk := range t.ForeignKeys {
			parent := fk.RefSchema + "." + fk.RefTable
			if parent == child {
				continue // self-reference orders trivially
			}
			if _, ok := byName[parent]; !ok {
				continue
			}
			children[parent] = append(children[parent], child)
			indegree[child]++
		}
	}

	ready := lo.Filter(lo.Keys(indegree), func(name string, _ int) bool {
		return indegree[name] == 0
	})
	sort.Strings(ready)

	ordered := make([]Table, 0, len(tables))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byName[name])

		var released []string
		for _, child := range children[name] {
			indegree[child]--
			if indegree[child] == 0 {
				released = append(released, child)
			}
		}
		sort.Strings(released)
		ready = mergeSorted(ready, released)
	}

	if len(ordered) == len(tables) {
		return ordered, nil
	}

	remaining := lo.Filter(lo.Keys(indegree), func(name string, _ int) bool {
		return indegree[name] > 0
	})
	return ordered, &CycleError{Tables: cycleParticipants(remaining, children)}
}

// cycleParticipants trims nodes that merely depend on a cycle, leaving the
// tables actually on one.
func cycleParticipants(remaining []string, children map[string][]string) []string {
	inSet := make(map[string]bool, len(remaining))
	for _, name := range remaining {
		inSet[name] = true
	}

	for {
		trimmed := false
		for name := range inSet {
			hasChildInSet := false
			for _, child := range children[name] {
				if inSet[child] {
					hasChildInSet = true
					break
				}
			}
			if !hasChildInSet {
				delete(inSet, name)
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}

	participants := lo.Keys(inSet)
	sort.Strings(participants)
	return participants
}

func mergeSorted(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i] <= b[j] {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
