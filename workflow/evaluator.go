package workflow

import (
	"fmt"
	"sort"

	"approval-engine/exprs"
)

// Transition is the result of evaluating one action against the graph: the
// node to occupy next and, when that node is an end node, the terminal
// status it implies.
type Transition struct {
	NodeID   string
	Terminal bool
	Status   Status
}

// ComputeNextNode walks the graph snapshot from the current node for the
// branch implied by the action and returns the first eligible edge's target.
// Candidates are tried in priority order; an edge without a condition is
// always eligible, otherwise its condition is evaluated against the
// variables and the first true one wins (first match, not best match).
//
// Delegate, Return and Cancel never traverse the graph; asking for a
// transition on them is a programming error and fails loudly.
func ComputeNextNode(g *Graph, currentNodeID string, action Action, variables map[string]any) (Transition, error) {
	var branch string
	switch action {
	case ActionApprove:
		branch = BranchApprove
	case ActionReject:
		branch = BranchReject
	case ActionDelegate, ActionReturn, ActionCancel:
		return Transition{}, fmt.Errorf("action %s does not traverse the graph", action)
	default:
		return Transition{}, fmt.Errorf("unknown approval action %q", action)
	}

	candidates := outgoing(g, currentNodeID, branch)
	if len(candidates) == 0 {
		return Transition{}, fmt.Errorf("%w %q for action %s: node has no %s edges",
			ErrNoEligibleTransition, currentNodeID, action, branch)
	}

	for _, edge := range candidates {
		if edge.Condition != "" {
			ok, err := exprs.Evaluate(edge.Condition, variables)
			if err != nil {
				return Transition{}, fmt.Errorf("edge %s->%s: %w", edge.Source, edge.Target, err)
			}
			if !ok {
				continue
			}
		}
		return resolveTarget(g, edge.Target)
	}

	return Transition{}, fmt.Errorf("%w %q for action %s: no edge condition satisfied",
		ErrNoEligibleTransition, currentNodeID, action)
}

func resolveTarget(g *Graph, targetID string) (Transition, error) {
	node := g.Node(targetID)
	if node == nil {
		// Validation guarantees edge targets exist; a miss here means the
		// snapshot is corrupt.
		return Transition{}, fmt.Errorf("edge target %q not present in graph snapshot", targetID)
	}
	if node.Type == NodeEnd {
		status := StatusCompleted
		if node.Config.Outcome == OutcomeRejected {
			status = StatusRejected
		}
		return Transition{NodeID: node.ID, Terminal: true, Status: status}, nil
	}
	return Transition{NodeID: node.ID}, nil
}

// outgoing collects the edges leaving a node on the given branch, ordered by
// priority with declaration order as the tie-break.
func outgoing(g *Graph, nodeID, branch string) []Edge {
	var edges []Edge
	for _, e := range g.Edges {
		if e.Source != nodeID {
			continue
		}
		b := e.Branch
		if b == "" {
			b = BranchApprove
		}
		if b == branch {
			edges = append(edges, e)
		}
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].Priority < edges[j].Priority })
	return edges
}
