// Package taxonomy renders a leaf index as an indented outline for browsing. The outline
// is presentational; filter validation uses the valid set.
package taxonomy

import (
	"slices"
	"strconv"
	"strings"

	"dimroute/internal/leafindex"
	"dimroute/internal/normalize"
)

// Node is one value at one depth of the tree.
type Node struct {
	Value    string
	Count    int64
	Children []*Node

	index map[string]int
}

func (n *Node) child(value string) *Node {
	if i, ok := n.index[value]; ok {
		return n.Children[i]
	}
	if n.index == nil {
		n.index = make(map[string]int)
	}
	c := &Node{Value: value}
	n.index[value] = len(n.Children)
	n.Children = append(n.Children, c)
	return c
}

// Tree is the hierarchy built from a leaf index. Children keep the order in which their
// values first appear in the index.
type Tree struct {
	Dims    []string
	Metrics []string
	Root    *Node
}

// Build folds the leaf entries into a tree. Every node's count is the sum of the leaf
// counts beneath it.
func Build(idx *leafindex.Index) *Tree {
	root := &Node{}
	for _, e := range idx.Entries {
		root.Count += e.Count
		node := root
		for _, v := range e.Values {
			node = node.child(v)
			node.Count += e.Count
		}
	}
	return &Tree{
		Dims:    slices.Clone(idx.Dims),
		Metrics: slices.Clone(idx.Metrics),
		Root:    root,
	}
}

// Render returns the outline text: a comment header followed by one line per visible
// node, indented two spaces per depth. Siblings are ordered by descending count with
// ties kept in index order. Nodes holding the missing-value category are not shown.
func Render(t *Tree) string {
	var b strings.Builder
	b.WriteString("# Schema (auto-generated routing map)\n")
	b.WriteString("# Levels: " + strings.Join(t.Dims, ", ") + "\n")
	if len(t.Metrics) > 0 {
		b.WriteString("# Metrics: " + strings.Join(t.Metrics, ", ") + "\n")
	}
	b.WriteString("# Numbers in parentheses = unique row counts (bucketed).\n")
	b.WriteString("# Use only the listed dimensions as filters.\n")
	b.WriteString("\n")

	for _, c := range visible(t.Root) {
		walk(&b, c, 0)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func walk(b *strings.Builder, n *Node, depth int) {
	children := visible(n)
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.Value)
	b.WriteString(" (")
	b.WriteString(FormatBucket(n.Count))
	b.WriteString(")")
	if len(children) > 0 {
		b.WriteString(":")
	}
	b.WriteString("\n")
	for _, c := range children {
		walk(b, c, depth+1)
	}
}

func visible(n *Node) []*Node {
	out := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if c.Value != normalize.Missing {
			out = append(out, c)
		}
	}
	slices.SortStableFunc(out, func(a, b *Node) int {
		switch {
		case a.Count > b.Count:
			return -1
		case a.Count < b.Count:
			return 1
		}
		return 0
	})
	return out
}

// FormatBucket renders a count for display: 1000 and up as thousands ("12K+"), 100-999
// floored to hundreds ("300+"), 10-99 floored to tens ("40+"), smaller counts exactly.
func FormatBucket(n int64) string {
	switch {
	case n >= 1000:
		return strconv.FormatInt(n/1000, 10) + "K+"
	case n >= 100:
		return strconv.FormatInt(n/100*100, 10) + "+"
	case n >= 10:
		return strconv.FormatInt(n/10*10, 10) + "+"
	}
	return strconv.FormatInt(n, 10)
}
