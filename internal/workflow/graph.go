package workflow

import (
	"sort"

	"github.com/auterity/engine-go/internal/models"
)

// Graph is the adjacency view of a validated definition. It is computed once
// on load; nodes reference each other by id only.
type Graph struct {
	Definition   *models.WorkflowDefinition
	Successors   map[string][]string
	Predecessors map[string][]string
	StartID      string
}

// NewGraph builds adjacency and predecessor maps from a definition's edges.
// Successor and predecessor lists are kept sorted so traversal order is
// deterministic.
func NewGraph(def *models.WorkflowDefinition) *Graph {
	g := &Graph{
		Definition:   def,
		Successors:   make(map[string][]string, len(def.Nodes)),
		Predecessors: make(map[string][]string, len(def.Nodes)),
	}
	for _, n := range def.Nodes {
		g.Successors[n.ID] = nil
		g.Predecessors[n.ID] = nil
		if n.Type == models.StepTypeStart {
			g.StartID = n.ID
		}
	}
	for _, e := range def.Edges {
		g.Successors[e.Source] = append(g.Successors[e.Source], e.Target)
		g.Predecessors[e.Target] = append(g.Predecessors[e.Target], e.Source)
	}
	for id := range g.Successors {
		sort.Strings(g.Successors[id])
	}
	for id := range g.Predecessors {
		sort.Strings(g.Predecessors[id])
	}
	return g
}

// Roots returns the ids of nodes with no predecessors, sorted.
func (g *Graph) Roots() []string {
	var roots []string
	for _, n := range g.Definition.Nodes {
		if len(g.Predecessors[n.ID]) == 0 {
			roots = append(roots, n.ID)
		}
	}
	sort.Strings(roots)
	return roots
}

// Reachable returns the set of node ids reachable from the given roots via BFS.
func (g *Graph) Reachable(roots []string) map[string]bool {
	reachable := make(map[string]bool, len(g.Successors))
	queue := append([]string(nil), roots...)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors[current] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	return reachable
}

// Ancestors returns the transitive predecessor set of the given node.
func (g *Graph) Ancestors(id string) map[string]bool {
	ancestors := make(map[string]bool)
	queue := append([]string(nil), g.Predecessors[id]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if ancestors[current] {
			continue
		}
		ancestors[current] = true
		queue = append(queue, g.Predecessors[current]...)
	}
	return ancestors
}

// HasCycle runs a three-color DFS over the graph. The second return value is
// one node on a detected cycle, for error reporting.
func (g *Graph) HasCycle() (bool, string) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Successors))

	var cycleNode string
	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, next := range g.Successors[node] {
			switch color[next] {
			case gray:
				cycleNode = next
				return true
			case white:
				if dfs(next) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	ids := make([]string, 0, len(g.Successors))
	for id := range g.Successors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if color[id] == white && dfs(id) {
			return true, cycleNode
		}
	}
	return false, ""
}
