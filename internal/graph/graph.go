// Package graph defines the immutable, content-addressed execution graph
// consumed by the planner: ordered groups of nodes with order and input
// dependencies, plus aggregates and labels layered on top.
package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Priority of a single node, folded into batch schedule priority.
type Priority int

const (
	PriorityLow         Priority = 1
	PriorityBelowNormal Priority = 2
	PriorityNormal      Priority = 3
	PriorityAboveNormal Priority = 4
	PriorityHigh        Priority = 5
)

// NodeRef addresses a node by group index and node index within that group.
// All cross-entity links in the system are expressed this way; nothing holds
// a pointer into a Graph.
type NodeRef struct {
	GroupIdx int `json:"group_idx"`
	NodeIdx  int `json:"node_idx"`
}

// Node is one named unit of work.
//
// OrderDependencies sequence execution: a step for this node may not start
// until the steps for all order dependencies are terminal. InputDependencies
// are the subset whose outputs this node consumes; they drive target closure
// and skip propagation.
type Node struct {
	Name              string    `json:"name"`
	InputDependencies []NodeRef `json:"input_dependencies,omitempty"`
	OrderDependencies []NodeRef `json:"order_dependencies,omitempty"`
	Priority          Priority  `json:"priority"`
	AllowRetry        bool      `json:"allow_retry"`
}

// NodeGroup is an ordered run of nodes that share an agent workspace. One
// batch executes a contiguous subsequence of one group.
type NodeGroup struct {
	AgentType string `json:"agent_type"`
	Nodes     []Node `json:"nodes"`
}

// Aggregate names a set of nodes usable as a target shorthand.
type Aggregate struct {
	Name  string    `json:"name"`
	Nodes []NodeRef `json:"nodes"`
}

// Label groups nodes for status reporting.
type Label struct {
	Name          string    `json:"name,omitempty"`
	Category      string    `json:"category,omitempty"`
	UgsName       string    `json:"ugs_name,omitempty"`
	UgsProject    string    `json:"ugs_project,omitempty"`
	RequiredNodes []NodeRef `json:"required_nodes,omitempty"`
	IncludedNodes []NodeRef `json:"included_nodes,omitempty"`
}

// Graph is an immutable DAG of build nodes, identified by the content hash of
// its definition. Two graphs with the same hash are interchangeable.
type Graph struct {
	Hash       string      `json:"hash"`
	Groups     []NodeGroup `json:"groups"`
	Aggregates []Aggregate `json:"aggregates,omitempty"`
	Labels     []Label     `json:"labels,omitempty"`
}

// New builds a graph from its parts and stamps it with a content hash.
func New(groups []NodeGroup, aggregates []Aggregate, labels []Label) (*Graph, error) {
	g := &Graph{
		Groups:     groups,
		Aggregates: aggregates,
		Labels:     labels,
	}
	if err := g.validate(); err != nil {
		return nil, err
	}
	hash, err := hashContent(g)
	if err != nil {
		return nil, err
	}
	g.Hash = hash
	return g, nil
}

// Empty is the graph used before a job has a real graph assigned. It contains
// no groups, so planning against it produces no batches.
func Empty() *Graph {
	g, _ := New(nil, nil, nil)
	return g
}

func (g *Graph) validate() error {
	for groupIdx, group := range g.Groups {
		for nodeIdx, node := range group.Nodes {
			if strings.TrimSpace(node.Name) == "" {
				return fmt.Errorf("group %d node %d: name is empty", groupIdx, nodeIdx)
			}
			self := NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}
			for _, dep := range append(append([]NodeRef{}, node.InputDependencies...), node.OrderDependencies...) {
				if !g.contains(dep) {
					return fmt.Errorf("node %q: dependency (%d,%d) out of range", node.Name, dep.GroupIdx, dep.NodeIdx)
				}
				if dep == self {
					return fmt.Errorf("node %q: depends on itself", node.Name)
				}
				// Dependencies must precede the node in group/node order so a
				// single forward pass over the graph visits them first.
				if dep.GroupIdx > groupIdx || (dep.GroupIdx == groupIdx && dep.NodeIdx >= nodeIdx) {
					return fmt.Errorf("node %q: dependency %q does not precede it", node.Name, g.Node(dep).Name)
				}
			}
		}
	}
	for _, agg := range g.Aggregates {
		if strings.TrimSpace(agg.Name) == "" {
			return fmt.Errorf("aggregate with empty name")
		}
		for _, ref := range agg.Nodes {
			if !g.contains(ref) {
				return fmt.Errorf("aggregate %q: node (%d,%d) out of range", agg.Name, ref.GroupIdx, ref.NodeIdx)
			}
		}
	}
	return nil
}

func (g *Graph) contains(ref NodeRef) bool {
	return ref.GroupIdx >= 0 && ref.GroupIdx < len(g.Groups) &&
		ref.NodeIdx >= 0 && ref.NodeIdx < len(g.Groups[ref.GroupIdx].Nodes)
}

// Node resolves a reference. The reference must be in range.
func (g *Graph) Node(ref NodeRef) *Node {
	return &g.Groups[ref.GroupIdx].Nodes[ref.NodeIdx]
}

// NodeByName finds a node by name, case-insensitively.
func (g *Graph) NodeByName(name string) (NodeRef, bool) {
	for groupIdx, group := range g.Groups {
		for nodeIdx, node := range group.Nodes {
			if strings.EqualFold(node.Name, name) {
				return NodeRef{GroupIdx: groupIdx, NodeIdx: nodeIdx}, true
			}
		}
	}
	return NodeRef{}, false
}

// AggregateByName finds an aggregate by name, case-insensitively.
func (g *Graph) AggregateByName(name string) (*Aggregate, bool) {
	for i := range g.Aggregates {
		if strings.EqualFold(g.Aggregates[i].Name, name) {
			return &g.Aggregates[i], true
		}
	}
	return nil, false
}

// NumNodes returns the total node count across all groups.
func (g *Graph) NumNodes() int {
	n := 0
	for _, group := range g.Groups {
		n += len(group.Nodes)
	}
	return n
}

// hashContent computes the content hash over a canonical JSON encoding of the
// graph definition, excluding the hash field itself.
func hashContent(g *Graph) (string, error) {
	shadow := struct {
		Groups     []NodeGroup `json:"groups"`
		Aggregates []Aggregate `json:"aggregates,omitempty"`
		Labels     []Label     `json:"labels,omitempty"`
	}{g.Groups, g.Aggregates, g.Labels}

	data, err := json.Marshal(&shadow)
	if err != nil {
		return "", fmt.Errorf("hash graph: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// SortRefs orders refs by group index then node index. Used to keep persisted
// ref lists deterministic.
func SortRefs(refs []NodeRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].GroupIdx != refs[j].GroupIdx {
			return refs[i].GroupIdx < refs[j].GroupIdx
		}
		return refs[i].NodeIdx < refs[j].NodeIdx
	})
}
