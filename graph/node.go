// ABOUTME: Node wraps one chunk with extracted props and the per-user dynamic cache
// ABOUTME: Implements access resolution, access diffing, and cache invalidation primitives
package graph

import (
	"sync"

	"github.com/chunkdev/chunkd/extract"
	"github.com/chunkdev/chunkd/models"
)

// dynKey addresses one cached computed value: dynamic properties depend on
// which neighbors the requesting user can read, so the cache must be keyed
// per user, never globally.
type dynKey struct {
	user string
	prop string
}

// Node is the in-memory wrapper around one chunk. Edges are stored as id
// slices resolved through the graph's arena; nothing embeds a pointer to
// another node, so dropping an id from the arena is enough to unlink it.
type Node struct {
	// cmu guards chunk and props: updates rewrite them in place, and
	// callers holding a *Node keep reading it after the graph lock is
	// released. Lock order is always graph lock first, cmu second.
	cmu   sync.RWMutex
	chunk models.Chunk
	props extract.Props

	// parents holds only resolvable declared references; children is
	// maintained symmetrically by the graph.
	parents  []string
	children []string
	// dyn is the per-user computed property cache. It has its own lock
	// because reading a dynamic property mutates the cache: logically a
	// read, physically exclusive access to this map only. Concurrent
	// readers of different nodes never serialize on each other.
	mu  sync.Mutex
	dyn map[dynKey]int64
}

func newNode(chunk models.Chunk) *Node {
	return &Node{
		chunk: chunk,
		props: extract.Extract(chunk.Value),
		dyn:   map[dynKey]int64{},
	}
}

// Chunk returns a copy of the wrapped raw chunk.
func (n *Node) Chunk() models.Chunk {
	n.cmu.RLock()
	defer n.cmu.RUnlock()
	return n.chunk
}

// Props returns the statically extracted properties.
func (n *Node) Props() extract.Props {
	n.cmu.RLock()
	defer n.cmu.RUnlock()
	return n.props
}

// StaticProp looks up one extracted property by key. "title" and "ref"
// address the header fields; any other key addresses the custom lines.
func (n *Node) StaticProp(key string) (string, bool) {
	n.cmu.RLock()
	defer n.cmu.RUnlock()
	switch key {
	case "title":
		return n.props.Title, n.props.Title != ""
	case "ref":
		return n.props.Ref, n.props.Ref != ""
	}
	v, ok := n.props.Custom[key]
	return v, ok
}

// HasAccess reports whether user holds level on this node. The owner
// implicitly holds every level regardless of the stored set.
func (n *Node) HasAccess(user string, level models.Access) bool {
	n.cmu.RLock()
	defer n.cmu.RUnlock()
	if user == n.chunk.Owner {
		return true
	}
	if level >= models.AccessOwner {
		return false
	}
	_, ok := n.props.Access[models.UserAccess{User: user, Level: level}]
	return ok
}

// Readable is the common visibility check: the owner, an explicit grantee,
// or anyone when the chunk grants the public pseudo-user.
func (n *Node) Readable(user string) bool {
	return n.HasAccess(user, models.AccessRead) || n.HasAccess(models.PublicUser, models.AccessRead)
}

// HighestAccess returns the top level user holds, if any.
func (n *Node) HighestAccess(user string) (models.Access, bool) {
	n.cmu.RLock()
	defer n.cmu.RUnlock()
	if user == n.chunk.Owner {
		return models.AccessOwner, true
	}
	var best models.Access
	for ua := range n.props.Access {
		if ua.User == user && ua.Level > best {
			best = ua.Level
		}
	}
	return best, best > 0
}

// AccessUsers is the set of users who can see this node: every grantee
// plus the owner, who is never listed in the stored set but always counts.
func (n *Node) AccessUsers() map[string]struct{} {
	n.cmu.RLock()
	defer n.cmu.RUnlock()
	users := map[string]struct{}{n.chunk.Owner: {}}
	for ua := range n.props.Access {
		users[ua.User] = struct{}{}
	}
	return users
}

// AccessDiff returns the users who can see n but not other. Deletion and
// creation pass a nil other, which yields every current holder. Symmetric
// diffing is done by calling it both ways.
func (n *Node) AccessDiff(other *Node) map[string]struct{} {
	diff := n.AccessUsers()
	if other != nil {
		for user := range other.AccessUsers() {
			delete(diff, user)
		}
	}
	return diff
}

// cacheGet returns the cached dynamic value for (user, prop).
func (n *Node) cacheGet(user, prop string) (int64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.dyn[dynKey{user: user, prop: prop}]
	return v, ok
}

func (n *Node) cacheSet(user, prop string, v int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dyn[dynKey{user: user, prop: prop}] = v
}

// cacheDrop removes every user's entries for the given property keys. An
// empty key set clears the whole cache.
func (n *Node) cacheDrop(keys []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(keys) == 0 {
		clear(n.dyn)
		return
	}
	for k := range n.dyn {
		for _, key := range keys {
			if k.prop == key {
				delete(n.dyn, k)
				break
			}
		}
	}
}
