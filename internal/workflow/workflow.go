// Package workflow defines the static node-and-edge graph that the engine
// interprets, along with loading and validation. A Workflow is immutable for
// the duration of a run.
package workflow

import (
	"fmt"
	"sort"
)

// ModuleType identifies the executor a node is dispatched to.
type ModuleType string

// Module types with graph-level meaning: the scheduler recognizes these
// beyond plain executor dispatch.
const (
	// StartModule marks a run's (or subflow group's) entry node.
	StartModule ModuleType = "start"
	// SubflowModule invokes a subflow group as a unit.
	SubflowModule ModuleType = "subflow"
	// SubflowEndModule returns from a subflow group.
	SubflowEndModule ModuleType = "subflow_end"
)

// Node is one unit of work in the graph.
type Node struct {
	ID      string         `json:"id" yaml:"id"`
	Type    ModuleType     `json:"module_type" yaml:"module_type"`
	Config  map[string]any `json:"config" yaml:"config"`
	Name    string         `json:"name,omitempty" yaml:"name,omitempty"`
	GroupID string         `json:"group_id,omitempty" yaml:"group_id,omitempty"`
}

// Edge is a directed connection between two nodes. Label is empty for the
// default edge; conditional and loop executors steer via labeled edges.
type Edge struct {
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Workflow is the full graph definition as produced by the editor.
type Workflow struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`

	nodesByID map[string]*Node
	outgoing  map[string][]Edge
}

// Build indexes the graph for traversal and validates structural rules.
// It must be called once after decoding and before the scheduler runs.
func (w *Workflow) Build() error {
	w.nodesByID = make(map[string]*Node, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d: empty id", i)
		}
		if n.Type == "" {
			return fmt.Errorf("node %s: empty module_type", n.ID)
		}
		if _, dup := w.nodesByID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		w.nodesByID[n.ID] = n
	}

	w.outgoing = make(map[string][]Edge)
	for _, e := range w.Edges {
		if _, ok := w.nodesByID[e.From]; !ok {
			return fmt.Errorf("edge from unknown node %s", e.From)
		}
		if _, ok := w.nodesByID[e.To]; !ok {
			return fmt.Errorf("edge to unknown node %s", e.To)
		}
		w.outgoing[e.From] = append(w.outgoing[e.From], e)
	}

	// Deterministic traversal: edges sorted by target id so duplicate
	// labels always pick the lexicographically smallest target.
	for from := range w.outgoing {
		edges := w.outgoing[from]
		sort.Slice(edges, func(i, j int) bool { return edges[i].To < edges[j].To })
	}

	return nil
}

// Node returns the node with the given id.
func (w *Workflow) Node(id string) (*Node, bool) {
	n, ok := w.nodesByID[id]
	return n, ok
}

// StartNode returns the designated start node of the main flow. Start nodes
// inside subflow groups are entry points of their groups, not of the run.
func (w *Workflow) StartNode() (*Node, bool) {
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.Type == StartModule && n.GroupID == "" {
			return n, true
		}
	}
	return nil, false
}

// GroupStart returns the entry node of the subflow group with the given id.
func (w *Workflow) GroupStart(groupID string) (*Node, bool) {
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.GroupID == groupID && n.Type == StartModule {
			return n, true
		}
	}
	// A group without an explicit start node enters at its first node.
	for i := range w.Nodes {
		if w.Nodes[i].GroupID == groupID {
			return &w.Nodes[i], true
		}
	}
	return nil, false
}

// GroupByName resolves a subflow group id from the human-readable name of any
// node in the group. Names take precedence over ids at the call site because
// ids change across import/export.
func (w *Workflow) GroupByName(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.GroupID != "" && n.Name == name {
			return n.GroupID, true
		}
	}
	return "", false
}

// Outgoing returns the outgoing edges of a node, sorted by target id.
func (w *Workflow) Outgoing(from string) []Edge {
	return w.outgoing[from]
}

// NextNode selects the successor for a node given an optional branch label.
//
// Selection rules:
//   - With a label, the first edge carrying that label wins; if none exists,
//     selection falls through to the default edge.
//   - Without a label, the unlabeled edge wins. Multiple unlabeled edges are
//     a malformed graph: the smallest target id wins and ambiguous=true is
//     returned so the caller can log a warning.
//   - No matching edge means end of graph.
func (w *Workflow) NextNode(from string, label string) (next string, ok bool, ambiguous bool) {
	edges := w.outgoing[from]

	if label != "" {
		for _, e := range edges {
			if e.Label == label {
				return e.To, true, false
			}
		}
		// Fall through to the default edge below.
	}

	var defaults []Edge
	for _, e := range edges {
		if e.Label == "" {
			defaults = append(defaults, e)
		}
	}
	switch len(defaults) {
	case 0:
		return "", false, false
	case 1:
		return defaults[0].To, true, false
	default:
		// Edges are pre-sorted by target id.
		return defaults[0].To, true, true
	}
}
