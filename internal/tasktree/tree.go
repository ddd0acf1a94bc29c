// Package tasktree models a project's hierarchical task list and rejects
// trees whose parent or dependency links form a cycle.
package tasktree

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// DefaultMaxDepth bounds how deep FindCycle walks before giving up.
const DefaultMaxDepth = 1000

// Status is a task's progress state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
)

// Node is one task in the tree.
type Node struct {
	ID        string   `json:"id"`
	ParentID  string   `json:"parentId,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Title     string   `json:"title"`
	Status    Status   `json:"status,omitempty"`
}

// Tree is the document stored as tasks.json.
type Tree struct {
	Tasks []Node `json:"tasks"`
}

var (
	// ErrCycle is matched by every *CycleError.
	ErrCycle = errors.New("task tree contains a cycle")
	// ErrTooDeep is returned when a walk exceeds the depth bound.
	ErrTooDeep = errors.New("task tree exceeds maximum depth")
)

// CycleError reports the nodes forming a cycle, first node repeated last.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycle, strings.Join(e.Path, " -> "))
}

// Is matches ErrCycle.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Find returns the node with id.
func (t *Tree) Find(id string) (Node, bool) {
	for _, n := range t.Tasks {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Children returns the direct children of id in tree order.
func (t *Tree) Children(id string) []Node {
	var out []Node
	for _, n := range t.Tasks {
		if n.ParentID == id {
			out = append(out, n)
		}
	}
	return out
}

// Graph is an adjacency map from a task to the tasks it points at: its
// parent and its dependencies.
type Graph map[string][]string

// Graph builds the adjacency map of t.
func (t *Tree) Graph() Graph {
	g := make(Graph, len(t.Tasks))
	for _, n := range t.Tasks {
		edges := make([]string, 0, len(n.DependsOn)+1)
		if n.ParentID != "" {
			edges = append(edges, n.ParentID)
		}
		edges = append(edges, n.DependsOn...)
		g[n.ID] = append(g[n.ID], edges...)
	}
	return g
}

// Validate checks IDs are present and unique, every reference resolves,
// and no cycle exists within maxDepth (DefaultMaxDepth when <= 0).
func (t *Tree) Validate(maxDepth int) error {
	ids := make(map[string]bool, len(t.Tasks))
	for i, n := range t.Tasks {
		if n.ID == "" {
			return fmt.Errorf("task %d: missing id", i)
		}
		if ids[n.ID] {
			return fmt.Errorf("task %s: duplicate id", n.ID)
		}
		ids[n.ID] = true
	}
	for _, n := range t.Tasks {
		if n.ParentID != "" && !ids[n.ParentID] {
			return fmt.Errorf("task %s: unknown parent %s", n.ID, n.ParentID)
		}
		for _, dep := range n.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("task %s: unknown dependency %s", n.ID, dep)
			}
		}
	}

	path, err := t.Graph().FindCycle(maxDepth)
	if err != nil {
		return err
	}
	if path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// FindCycle returns the first cycle found, as a path whose last element
// repeats the first, or nil if the graph is acyclic. The walk is iterative
// with an explicit stack; a chain longer than maxDepth (DefaultMaxDepth
// when <= 0) returns ErrTooDeep.
func (g Graph) FindCycle(maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	const (
		unvisited = iota
		onStack
		done
	)

	type frame struct {
		node string
		next int
	}

	state := make(map[string]int, len(g))
	starts := make([]string, 0, len(g))
	for id := range g {
		starts = append(starts, id)
	}
	sort.Strings(starts)

	for _, start := range starts {
		if state[start] != unvisited {
			continue
		}
		stack := []frame{{node: start}}
		state[start] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := g[top.node]
			if top.next >= len(edges) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}
			nxt := edges[top.next]
			top.next++

			switch state[nxt] {
			case onStack:
				var path []string
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i].node == nxt {
						for _, f := range stack[i:] {
							path = append(path, f.node)
						}
						break
					}
				}
				return append(path, nxt), nil
			case unvisited:
				if len(stack) >= maxDepth {
					return nil, fmt.Errorf("%w (%d)", ErrTooDeep, maxDepth)
				}
				state[nxt] = onStack
				stack = append(stack, frame{node: nxt})
			}
		}
	}
	return nil, nil
}
