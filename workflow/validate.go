package workflow

import (
	"fmt"

	"approval-engine/exprs"
)

// Validate checks the structural rules a graph must satisfy before a
// definition may be stored: exactly one start node, at least one end node,
// unique node ids, edges that reference existing nodes, every node reachable
// from start, and no dead ends (every node can still reach an end). It runs
// once at definition create/update time; the engine trusts a stored graph.
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("%w: graph has no nodes", ErrInvalidGraph)
	}

	seen := make(map[string]bool, len(g.Nodes))
	var startCount, endCount int
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidGraph)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidGraph, n.ID)
		}
		seen[n.ID] = true

		switch n.Type {
		case NodeStart:
			startCount++
		case NodeEnd:
			endCount++
		case NodeApproval, NodeGateway:
			approval := n.Config.Approval
			if approval == nil || len(approval.Approvers) == 0 {
				return fmt.Errorf("%w: node %q has no approver rules", ErrInvalidGraph, n.ID)
			}
			if approval.Mode != "" && approval.Mode != ModeAny && approval.Mode != ModeAll {
				return fmt.Errorf("%w: node %q has unknown approval mode %q", ErrInvalidGraph, n.ID, approval.Mode)
			}
		default:
			return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidGraph, n.ID, n.Type)
		}
	}
	if startCount == 0 {
		return fmt.Errorf("%w: no start node", ErrInvalidGraph)
	}
	if startCount > 1 {
		return fmt.Errorf("%w: more than one start node", ErrInvalidGraph)
	}
	if endCount == 0 {
		return fmt.Errorf("%w: no end node", ErrInvalidGraph)
	}

	for _, e := range g.Edges {
		if e.Source == "" || e.Target == "" {
			return fmt.Errorf("%w: edge %q has an empty endpoint", ErrInvalidGraph, e.ID)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: edge %q is a self-loop on %q", ErrInvalidGraph, e.ID, e.Source)
		}
		if !seen[e.Source] {
			return fmt.Errorf("%w: edge %q references missing source node %q", ErrInvalidGraph, e.ID, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("%w: edge %q references missing target node %q", ErrInvalidGraph, e.ID, e.Target)
		}
		if e.Branch != "" && e.Branch != BranchApprove && e.Branch != BranchReject {
			return fmt.Errorf("%w: edge %q has unknown branch %q", ErrInvalidGraph, e.ID, e.Branch)
		}
		if src := g.Node(e.Source); src.Type == NodeEnd {
			return fmt.Errorf("%w: end node %q has an outgoing edge", ErrInvalidGraph, e.Source)
		}
		if e.Condition != "" {
			if _, err := exprs.Compile(e.Condition); err != nil {
				return fmt.Errorf("%w: edge %q: %v", ErrInvalidGraph, e.ID, err)
			}
		}
	}

	start := g.StartNode()

	// Forward reachability from start.
	reachable := g.walk(start.ID, func(id string) []string {
		var out []string
		for _, e := range g.Edges {
			if e.Source == id {
				out = append(out, e.Target)
			}
		}
		return out
	})
	for _, n := range g.Nodes {
		if !reachable[n.ID] {
			return fmt.Errorf("%w: node %q is unreachable from start", ErrInvalidGraph, n.ID)
		}
	}

	// Reverse reachability from the end nodes: a node that cannot reach any
	// end node is a dead end.
	reachesEnd := make(map[string]bool)
	for _, n := range g.Nodes {
		if n.Type != NodeEnd {
			continue
		}
		for id := range g.walk(n.ID, func(id string) []string {
			var in []string
			for _, e := range g.Edges {
				if e.Target == id {
					in = append(in, e.Source)
				}
			}
			return in
		}) {
			reachesEnd[id] = true
		}
	}
	for _, n := range g.Nodes {
		if !reachesEnd[n.ID] {
			return fmt.Errorf("%w: node %q cannot reach an end node", ErrInvalidGraph, n.ID)
		}
	}

	return nil
}

// walk is a BFS from the given node over the supplied adjacency function.
// The result includes the starting node.
func (g *Graph) walk(from string, next func(string) []string) map[string]bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, id := range next(current) {
			if !visited[id] {
				visited[id] = true
				queue = append(queue, id)
			}
		}
	}
	return visited
}
