// ABOUTME: View projection: converts nodes into serializable, access-filtered shapes
// ABOUTME: Also implements the breadth-limited subtree traversal used by well/graph views
package graph

import (
	"maps"
	"sort"
	"strings"

	"github.com/chunkdev/chunkd/models"
)

// ViewKind selects the projected shape.
type ViewKind string

const (
	// ViewEdit carries everything: full body, static and dynamic props,
	// neighbor counts.
	ViewEdit ViewKind = "edit"
	// ViewNotes is the list shape: short preview, access badge.
	ViewNotes ViewKind = "notes"
	// ViewWell and ViewGraph carry counts and dynamic props, no content.
	ViewWell  ViewKind = "well"
	ViewGraph ViewKind = "graph"
	// ViewPublic is the minimal shape served to the anonymous
	// pseudo-user; it never exposes owner, sharing, or structure.
	ViewPublic ViewKind = "public"
)

const (
	previewLines     = 3
	previewLineRunes = 128
)

// View is a projected, serializable representation of one node for one
// requesting user. Projection never mutates the graph (the dynamic cache
// fill is invisible to callers).
type View struct {
	ID       string            `json:"id"`
	Title    string            `json:"title,omitempty"`
	Ref      string            `json:"ref,omitempty"`
	Owner    string            `json:"owner,omitempty"`
	Value    string            `json:"value,omitempty"`
	Preview  string            `json:"preview,omitempty"`
	Created  int64             `json:"created,omitempty"`
	Modified int64             `json:"modified,omitempty"`
	// Access is the requester's highest non-owner level; owners see no
	// badge on their own chunks.
	Access   string            `json:"access,omitempty"`
	Parents  int               `json:"parents,omitempty"`
	Children int               `json:"children,omitempty"`
	Props    map[string]string `json:"props,omitempty"`
	Dynamic  map[string]int64  `json:"dynamic,omitempty"`
}

// Project renders n for user in the requested shape.
func (g *Graph) Project(n *Node, user string, kind ViewKind) View {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.project(n, user, kind)
}

func (g *Graph) project(n *Node, user string, kind ViewKind) View {
	v := View{ID: n.chunk.ID, Title: n.props.Title}

	if kind == ViewPublic {
		v.Value = n.chunk.Value
		return v
	}

	if level, ok := n.HighestAccess(user); ok && level < models.AccessOwner {
		v.Access = level.String()
	}

	switch kind {
	case ViewEdit:
		v.Ref = n.props.Ref
		v.Owner = n.chunk.Owner
		v.Value = n.chunk.Value
		v.Created = n.chunk.Created
		v.Modified = n.chunk.Modified
		v.Parents = len(g.neighbors(n.parents, user))
		v.Children = len(g.neighbors(n.children, user))
		if len(n.props.Custom) > 0 {
			// Cloned so callers cannot reach back into graph state.
			v.Props = maps.Clone(n.props.Custom)
		}
		v.Dynamic = g.dynamicProps(n, user)
	case ViewNotes:
		v.Preview = preview(n.chunk.Value)
		v.Modified = n.chunk.Modified
	case ViewWell, ViewGraph:
		v.Modified = n.chunk.Modified
		v.Parents = len(g.neighbors(n.parents, user))
		v.Children = len(g.neighbors(n.children, user))
		v.Dynamic = g.dynamicProps(n, user)
	}
	return v
}

func (g *Graph) dynamicProps(n *Node, user string) map[string]int64 {
	out := map[string]int64{}
	if v, ok := g.dynamicProp(n, dynModified, user); ok {
		out[dynModified] = v
	}
	return out
}

// preview clips the body to its first few lines for list rendering.
func preview(value string) string {
	lines := strings.Split(value, "\n")
	if len(lines) > previewLines {
		lines = lines[:previewLines]
	}
	for i, line := range lines {
		if runes := []rune(line); len(runes) > previewLineRunes {
			lines[i] = string(runes[:previewLineRunes])
		}
	}
	return strings.Join(lines, "\n")
}

// SortBy orders children during subtree traversal.
type SortBy int

const (
	// SortModifiedDesc orders by effective (dynamic) modified time,
	// newest first.
	SortModifiedDesc SortBy = iota
	// SortTitle orders lexicographically by normalized ref.
	SortTitle
	// SortNone keeps arena order.
	SortNone
)

// Tree is the nested result of a subtree traversal, mirroring the visited
// shape so callers can render wells and graphs without re-querying.
type Tree struct {
	View     *View   `json:"view,omitempty"`
	Children []*Tree `json:"children,omitempty"`
}

// Subtree walks downward from root (or from every root node the user can
// read, when rootID is empty) to depth levels, filtering each level to
// readable nodes. A root node is strictly one with zero resolvable parent
// links.
func (g *Graph) Subtree(rootID, user string, kind ViewKind, order SortBy, depth int) (*Tree, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var root *Node
	if rootID != "" {
		n, ok := g.nodes[rootID]
		if !ok || !n.Readable(user) {
			return nil, ErrNotFound
		}
		root = n
	}
	return g.subtree(root, user, kind, order, depth), nil
}

func (g *Graph) subtree(root *Node, user string, kind ViewKind, order SortBy, depth int) *Tree {
	if depth < 0 {
		return nil
	}

	t := &Tree{}
	var children []*Node
	if root != nil {
		v := g.project(root, user, kind)
		t.View = &v
		children = g.neighbors(root.children, user)
	} else {
		for _, n := range g.nodes {
			if n.Readable(user) && len(n.parents) == 0 {
				children = append(children, n)
			}
		}
	}

	g.sortNodes(children, user, order)
	for _, c := range children {
		if sub := g.subtree(c, user, kind, order, depth-1); sub != nil {
			t.Children = append(t.Children, sub)
		}
	}
	return t
}

func (g *Graph) sortNodes(nodes []*Node, user string, order SortBy) {
	switch order {
	case SortModifiedDesc:
		sort.SliceStable(nodes, func(i, j int) bool {
			mi, _ := g.dynamicProp(nodes[i], dynModified, user)
			mj, _ := g.dynamicProp(nodes[j], dynModified, user)
			if mi != mj {
				return mi > mj
			}
			return nodes[i].chunk.ID < nodes[j].chunk.ID
		})
	case SortTitle:
		sort.SliceStable(nodes, func(i, j int) bool {
			if nodes[i].props.Ref != nodes[j].props.Ref {
				return nodes[i].props.Ref < nodes[j].props.Ref
			}
			return nodes[i].chunk.ID < nodes[j].chunk.ID
		})
	}
}
