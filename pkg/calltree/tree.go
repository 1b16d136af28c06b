// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package calltree holds the sampling profiler's output: a rooted tree of
// function nodes with per-node self-sample counts.
package calltree

import (
	"strings"
	"time"
)

// RootName is the function name of every tree's synthetic root node.
const RootName = "(root)"

// Frame identifies one function activation on a sampled stack.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Node is a single function in the call tree.
type Node struct {
	FunctionName string  `json:"functionName"`
	URL          string  `json:"url"`
	LineNumber   int     `json:"lineNumber"`
	HitCount     int64   `json:"hitCount"`
	ID           int     `json:"id"`
	Children     []*Node `json:"children"`

	index map[Frame]*Node
}

func newNode(f Frame) *Node {
	return &Node{
		FunctionName: f.Function,
		URL:          strings.ReplaceAll(f.File, `\`, "/"),
		LineNumber:   f.Line,
		Children:     []*Node{},
	}
}

func (n *Node) child(f Frame) *Node {
	if c, ok := n.index[f]; ok {
		return c
	}
	if n.index == nil {
		n.index = make(map[Frame]*Node)
	}
	c := newNode(f)
	n.index[f] = c
	n.Children = append(n.Children, c)
	return c
}

// Total returns the inclusive sample count of the subtree rooted at n.
func (n *Node) Total() int64 {
	total := n.HitCount
	for _, c := range n.Children {
		total += c.Total()
	}
	return total
}

// Tree is one profiling session's result. Ownership passes to whoever
// receives it from the profiler.
type Tree struct {
	Start   time.Time
	End     time.Time
	Root    *Node
	Samples int64 // ticks attributed to a node
	Gaps    int64 // ticks with no active stack; never attributed
}

// New returns an empty tree whose session began at start.
func New(start time.Time) *Tree {
	return &Tree{
		Start: start,
		Root:  newNode(Frame{Function: RootName}),
	}
}

// Add records one sample. stack is ordered outermost frame first; the
// innermost frame receives the self hit.
func (t *Tree) Add(stack []Frame) {
	if len(stack) == 0 {
		t.Gaps++
		return
	}
	n := t.Root
	for _, f := range stack {
		n = n.child(f)
	}
	n.HitCount++
	t.Samples++
}

// AddGap records a sampling tick that had nothing to attribute.
func (t *Tree) AddGap() {
	t.Gaps++
}

// Empty reports whether no samples were attributed.
func (t *Tree) Empty() bool {
	return t.Samples == 0
}

// Finish stamps the end time and assigns node ids in pre-order, starting
// at 1 for the root.
func (t *Tree) Finish(end time.Time) {
	t.End = end
	next := 1
	var assign func(n *Node)
	assign = func(n *Node) {
		n.ID = next
		next++
		for _, c := range n.Children {
			assign(c)
		}
	}
	assign(t.Root)
}

// Walk visits every node in pre-order together with its parent's id
// (0 for the root).
func (t *Tree) Walk(fn func(n *Node, parentID int)) {
	var visit func(n *Node, parentID int)
	visit = func(n *Node, parentID int) {
		fn(n, parentID)
		for _, c := range n.Children {
			visit(c, n.ID)
		}
	}
	visit(t.Root, 0)
}

// Lookup returns every node whose function name equals name.
func (t *Tree) Lookup(name string) []*Node {
	var out []*Node
	t.Walk(func(n *Node, _ int) {
		if n.FunctionName == name {
			out = append(out, n)
		}
	})
	return out
}
