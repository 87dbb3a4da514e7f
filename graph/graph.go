// ABOUTME: The authoritative chunk graph: arena of nodes, linking, cycle rejection, mutation
// ABOUTME: Implements create/update/delete with authorization, ref lookup, and directional cache invalidation
package graph

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkdev/chunkd/extract"
	"github.com/chunkdev/chunkd/models"
)

var (
	// ErrNotFound: the id/ref does not resolve, or resolves to a chunk the
	// requester cannot read.
	ErrNotFound = errors.New("chunk not found")
	// ErrAuth: authenticated but insufficient level for the mutation.
	ErrAuth = errors.New("insufficient access")
	// ErrInvalidChunk: structural violation, a self-reference or cycle.
	ErrInvalidChunk = errors.New("invalid chunk: circular reference")
)

// Graph owns the id->node arena and is the single source of truth for
// chunk existence. All structural mutation goes through its methods; the
// arena lock serializes mutations while reads share it. Per-node dynamic
// caches carry their own lock (see Node).
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	// refs indexes normalized title -> ids for human-friendly lookup.
	refs map[string]map[string]struct{}
	log  zerolog.Logger
}

// New returns an empty graph.
func New(log zerolog.Logger) *Graph {
	return &Graph{
		nodes: map[string]*Node{},
		refs:  map[string]map[string]struct{}{},
		log:   log.With().Str("component", "graph").Logger(),
	}
}

// FromSnapshot rebuilds the live graph from a flat chunk list, replaying
// linking over every chunk. A snapshot containing a cycle is rejected.
func FromSnapshot(chunks []models.Chunk, log zerolog.Logger) (*Graph, error) {
	g := New(log)
	for _, c := range chunks {
		n := newNode(c)
		g.nodes[c.ID] = n
		g.indexRef(n.props.Ref, c.ID)
	}
	for id, n := range g.nodes {
		parents, err := g.resolveParents(id, n.chunk.Owner, n.props.Parents)
		if err != nil {
			return nil, err
		}
		n.parents = parents
		for _, pid := range parents {
			g.attachChild(pid, id)
		}
	}
	for id := range g.nodes {
		if g.reaches(g.nodes[id].parents, id, map[string]struct{}{}) {
			g.log.Error().Str("id", id).Msg("snapshot contains a circular reference")
			return nil, ErrInvalidChunk
		}
	}
	return g, nil
}

// Len reports the number of live chunks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Chunks returns all raw chunks, ordered by creation time then id, for
// snapshot flushing.
func (g *Graph) Chunks() []models.Chunk {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Chunk, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n.chunk)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created != out[j].Created {
			return out[i].Created < out[j].Created
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get resolves a chunk by id or by normalized title. Unknown ids and
// chunks the requester cannot read are indistinguishable: both NotFound.
func (g *Graph) Get(idOrRef, user string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[idOrRef]; ok {
		if !n.Readable(user) {
			return nil, ErrNotFound
		}
		return n, nil
	}
	ref := extract.Standardize(idOrRef)
	ids := make([]string, 0, len(g.refs[ref]))
	for id := range g.refs[ref] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	// Prefer the requester's own chunk when several share a title.
	for _, id := range ids {
		if n := g.nodes[id]; n.chunk.Owner == user && n.Readable(user) {
			return n, nil
		}
	}
	for _, id := range ids {
		if n := g.nodes[id]; n.Readable(user) {
			return n, nil
		}
	}
	return nil, ErrNotFound
}

// List returns every chunk visible to user, ordered by effective
// (dynamic) modified time descending, so a chunk bubbles up when
// anything beneath it changes.
func (g *Graph) List(user string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Node
	for _, n := range g.nodes {
		if n.Readable(user) {
			out = append(out, n)
		}
	}
	g.sortNodes(out, user, SortModifiedDesc)
	return out
}

// Set creates or updates a chunk, returning its id and the users whose
// visible chunk list changed. An empty id creates with a fresh generated
// id; a caller-supplied unknown id creates with that id (snapshot replay
// and tests depend on this); a known id updates after authorization.
//
// Structural violations are rejected before any mutation is applied.
func (g *Graph) Set(chunk models.Chunk, user string) (string, map[string]struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set(chunk, user)
}

func (g *Graph) set(chunk models.Chunk, user string) (string, map[string]struct{}, error) {
	props := extract.Extract(chunk.Value)
	now := time.Now().Unix()
	if chunk.Created == 0 {
		chunk.Created = now
	}
	if chunk.Modified == 0 {
		chunk.Modified = now
	}

	if chunk.ID == "" {
		chunk.ID = genID(func(id string) bool {
			_, taken := g.nodes[id]
			return taken
		})
	}

	old, exists := g.nodes[chunk.ID]
	if exists {
		affected, err := g.update(old, chunk, props, user)
		return chunk.ID, affected, err
	}
	affected, err := g.create(chunk, props, user)
	return chunk.ID, affected, err
}

func (g *Graph) create(chunk models.Chunk, props extract.Props, user string) (map[string]struct{}, error) {
	// Owner is set implicitly on creation, never taken from the input.
	chunk.Owner = user

	if declaresSelf(props.Parents, chunk.ID) {
		g.log.Error().Str("id", chunk.ID).Msg("chunk links to itself")
		return nil, ErrInvalidChunk
	}

	parents, err := g.resolveParents(chunk.ID, chunk.Owner, props.Parents)
	if err != nil {
		return nil, err
	}

	n := newNode(chunk)
	n.props = props
	n.parents = parents
	g.nodes[chunk.ID] = n
	g.indexRef(props.Ref, chunk.ID)
	for _, pid := range parents {
		g.attachChild(pid, chunk.ID)
	}

	g.invalidate(n, []string{dynModified}, true, map[string]struct{}{})

	return n.AccessUsers(), nil
}

func (g *Graph) update(old *Node, chunk models.Chunk, props extract.Props, user string) (map[string]struct{}, error) {
	if err := g.authorizeUpdate(old, &chunk, props, user); err != nil {
		return nil, err
	}

	if declaresSelf(props.Parents, chunk.ID) {
		g.log.Error().Str("id", chunk.ID).Msg("chunk links to itself")
		return nil, ErrInvalidChunk
	}

	parents, err := g.resolveParents(chunk.ID, chunk.Owner, props.Parents)
	if err != nil {
		return nil, err
	}
	// Re-validate acyclicity against the proposed parent set before any
	// state changes; a rejected link leaves the graph untouched.
	if g.reaches(parents, chunk.ID, map[string]struct{}{}) {
		g.log.Error().Str("id", chunk.ID).Str("user", user).Msg("circular reference detected")
		return nil, ErrInvalidChunk
	}

	affected := symmetricUserDiff(old.props.Access, props.Access)

	for _, pid := range old.parents {
		g.detachChild(pid, chunk.ID)
	}
	if old.props.Ref != props.Ref {
		g.dropRef(old.props.Ref, chunk.ID)
		g.indexRef(props.Ref, chunk.ID)
	}

	old.cmu.Lock()
	old.chunk.Value = chunk.Value
	old.chunk.Modified = chunk.Modified
	old.props = props
	old.cmu.Unlock()
	old.parents = parents
	for _, pid := range parents {
		g.attachChild(pid, chunk.ID)
	}

	g.invalidate(old, []string{dynModified}, true, map[string]struct{}{})

	return affected, nil
}

// authorizeUpdate enforces the non-owner edit rules and pins the immutable
// identity fields. Owners may change anything but identity; Write holders
// only the body; Admin holders the body and the access set, though never
// in a way that strips their own Admin grant.
//
// Whether an Admin should be allowed to voluntarily demote themselves is
// an unresolved design question; the restrictive behavior is kept.
func (g *Graph) authorizeUpdate(old *Node, chunk *models.Chunk, props extract.Props, user string) error {
	chunk.Owner = old.chunk.Owner
	chunk.Created = old.chunk.Created

	if user == old.chunk.Owner {
		return nil
	}

	level, ok := old.HighestAccess(user)
	if !ok || level < models.AccessWrite {
		g.log.Error().Str("id", chunk.ID).Str("user", user).Msg("user lacks write access")
		return ErrAuth
	}
	if !old.props.HeaderEqual(props) {
		g.log.Error().Str("id", chunk.ID).Str("user", user).Msg("non-owner may not edit title or parents")
		return ErrAuth
	}
	if level < models.AccessAdmin {
		if !old.props.AccessEqual(props) {
			g.log.Error().Str("id", chunk.ID).Str("user", user).Msg("write access may not change sharing")
			return ErrAuth
		}
		return nil
	}
	if _, still := props.Access[models.UserAccess{User: user, Level: models.AccessAdmin}]; !still {
		g.log.Error().Str("id", chunk.ID).Str("user", user).Msg("admin may not revoke their own admin grant")
		return ErrAuth
	}
	return nil
}

// Delete removes chunks. Owners and Admin holders remove the chunk
// outright; Read/Write holders only shed their own grants (a specialized
// update). All authorization runs before anything mutates, so a batch
// either applies fully or not at all.
func (g *Graph) Delete(ids []string, user string) (map[string]struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	type action struct {
		n    *Node
		hard bool
	}
	actions := make([]action, 0, len(ids))
	for _, id := range ids {
		n, ok := g.nodes[id]
		if !ok {
			g.log.Error().Str("id", id).Str("user", user).Msg("delete of unknown chunk")
			return nil, ErrNotFound
		}
		level, has := n.HighestAccess(user)
		switch {
		case has && level >= models.AccessAdmin:
			actions = append(actions, action{n: n, hard: true})
		case has && level >= models.AccessRead:
			actions = append(actions, action{n: n, hard: false})
		default:
			g.log.Error().Str("id", id).Str("user", user).Msg("delete without access")
			return nil, ErrAuth
		}
	}

	affected := map[string]struct{}{}
	for _, a := range actions {
		if a.hard {
			continue
		}
		// Shed this user's grants and push the result through the normal
		// update path as the owner.
		access := map[models.UserAccess]struct{}{}
		for ua := range a.n.props.Access {
			if ua.User != user {
				access[ua] = struct{}{}
			}
		}
		chunk := a.n.chunk
		chunk.Value = extract.RenderValue(chunk.Value, access)
		chunk.Modified = time.Now().Unix()
		if _, _, err := g.set(chunk, chunk.Owner); err != nil {
			return nil, err
		}
		affected[user] = struct{}{}
	}

	for _, a := range actions {
		if !a.hard {
			continue
		}
		id := a.n.chunk.ID
		for u := range a.n.AccessDiff(nil) {
			affected[u] = struct{}{}
		}
		g.invalidate(a.n, []string{dynModified}, true, map[string]struct{}{})
		for _, pid := range a.n.parents {
			g.detachChild(pid, id)
		}
		for _, cid := range a.n.children {
			g.detachParent(cid, id)
		}
		g.dropRef(a.n.props.Ref, id)
		delete(g.nodes, id)
	}

	return affected, nil
}

// resolveParents maps declared references to existing node ids: an exact
// id match first, then the ref index (owner-qualified references must
// match that owner, bare ones resolve within the child's owner).
// Unresolvable references simply stay unlinked.
func (g *Graph) resolveParents(selfID, owner string, refs []extract.ParentRef) ([]string, error) {
	var out []string
	seen := map[string]struct{}{}
	add := func(id string) {
		if id == selfID {
			return
		}
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, pr := range refs {
		if pr.Owner == "" {
			if _, ok := g.nodes[pr.Ref]; ok {
				add(pr.Ref)
				continue
			}
		}
		ref := extract.Standardize(pr.Ref)
		wantOwner := pr.Owner
		if wantOwner == "" {
			wantOwner = owner
		}
		ids := make([]string, 0, len(g.refs[ref]))
		for id := range g.refs[ref] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if g.nodes[id].chunk.Owner == wantOwner {
				add(id)
			}
		}
	}
	return out, nil
}

// declaresSelf catches a chunk naming its own id as parent before the
// upward walk. Title-based references never resolve to the declaring
// chunk itself (resolution excludes it), so only the id form can
// self-link directly.
func declaresSelf(refs []extract.ParentRef, id string) bool {
	for _, pr := range refs {
		if pr.Owner == "" && pr.Ref == id {
			return true
		}
	}
	return false
}

// reaches walks upward from the given parent ids and reports whether the
// walk ever arrives at target. Each node is visited at most once.
func (g *Graph) reaches(parents []string, target string, visited map[string]struct{}) bool {
	for _, pid := range parents {
		if pid == target {
			return true
		}
		if _, done := visited[pid]; done {
			continue
		}
		visited[pid] = struct{}{}
		if p, ok := g.nodes[pid]; ok && g.reaches(p.parents, target, visited) {
			return true
		}
	}
	return false
}

// invalidate clears cached entries for the given property keys on n, then
// recurses along the dependency direction (up = parents) so transitively
// dependent aggregates are recomputed instead of served stale.
func (g *Graph) invalidate(n *Node, keys []string, up bool, visited map[string]struct{}) {
	if _, done := visited[n.chunk.ID]; done {
		return
	}
	visited[n.chunk.ID] = struct{}{}
	n.cacheDrop(keys)
	ids := n.children
	if up {
		ids = n.parents
	}
	for _, id := range ids {
		if next, ok := g.nodes[id]; ok {
			g.invalidate(next, keys, up, visited)
		}
	}
}

const dynModified = "modified"

// DynamicProp computes (or serves from cache) a per-user derived property.
// The closed property set is matched explicitly; "modified" aggregates the
// effective modified time over the children the user can read.
func (g *Graph) DynamicProp(n *Node, prop, user string) (int64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dynamicProp(n, prop, user)
}

func (g *Graph) dynamicProp(n *Node, prop, user string) (int64, bool) {
	if v, ok := n.cacheGet(user, prop); ok {
		return v, true
	}
	switch prop {
	case dynModified:
		v := n.chunk.Modified
		for _, cid := range n.children {
			c, ok := g.nodes[cid]
			if !ok || !c.Readable(user) {
				continue
			}
			if cv, ok := g.dynamicProp(c, prop, user); ok && cv > v {
				v = cv
			}
		}
		n.cacheSet(user, prop, v)
		return v, true
	}
	return 0, false
}

// Parents and Children return the readable neighbor nodes for user.
func (g *Graph) Parents(n *Node, user string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbors(n.parents, user)
}

func (g *Graph) Children(n *Node, user string) []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.neighbors(n.children, user)
}

func (g *Graph) neighbors(ids []string, user string) []*Node {
	var out []*Node
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok && n.Readable(user) {
			out = append(out, n)
		}
	}
	return out
}

func symmetricUserDiff(a, b map[models.UserAccess]struct{}) map[string]struct{} {
	users := map[string]struct{}{}
	for ua := range a {
		if _, ok := b[ua]; !ok {
			users[ua.User] = struct{}{}
		}
	}
	for ua := range b {
		if _, ok := a[ua]; !ok {
			users[ua.User] = struct{}{}
		}
	}
	return users
}

func (g *Graph) indexRef(ref, id string) {
	if ref == "" {
		return
	}
	set, ok := g.refs[ref]
	if !ok {
		set = map[string]struct{}{}
		g.refs[ref] = set
	}
	set[id] = struct{}{}
}

func (g *Graph) dropRef(ref, id string) {
	if set, ok := g.refs[ref]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(g.refs, ref)
		}
	}
}

func (g *Graph) attachChild(parentID, childID string) {
	p, ok := g.nodes[parentID]
	if !ok {
		return
	}
	for _, id := range p.children {
		if id == childID {
			return
		}
	}
	p.children = append(p.children, childID)
}

func (g *Graph) detachChild(parentID, childID string) {
	if p, ok := g.nodes[parentID]; ok {
		p.children = remove(p.children, childID)
	}
}

func (g *Graph) detachParent(childID, parentID string) {
	if c, ok := g.nodes[childID]; ok {
		c.parents = remove(c.parents, parentID)
	}
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
