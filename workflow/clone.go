package workflow

import "time"

// Clone returns a deep, structurally independent copy of the definition.
// Instances snapshot definitions with this at start time; the audit
// guarantee depends on later edits to the live definition being invisible to
// the copy, so every nested pointer and slice is duplicated.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := *d
	out.DeletedAt = cloneTime(d.DeletedAt)
	out.Graph = d.Graph.clone()
	return &out
}

func (g Graph) clone() Graph {
	out := Graph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	copy(out.Edges, g.Edges)
	for i, n := range g.Nodes {
		out.Nodes[i] = n
		if n.Config.Approval != nil {
			approval := *n.Config.Approval
			approval.Approvers = make([]ApproverRule, len(n.Config.Approval.Approvers))
			copy(approval.Approvers, n.Config.Approval.Approvers)
			out.Nodes[i].Config.Approval = &approval
		}
		if n.Config.Form != nil {
			form := *n.Config.Form
			out.Nodes[i].Config.Form = &form
		}
	}
	return out
}

// Clone returns a deep copy of the form definition.
func (f *FormDefinition) Clone() *FormDefinition {
	if f == nil {
		return nil
	}
	out := *f
	out.Fields = make([]FormField, len(f.Fields))
	copy(out.Fields, f.Fields)
	return &out
}

// CloneVariables deep-copies a variables map, including nested maps and
// slices, so instance state never aliases caller-owned data.
func CloneVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
