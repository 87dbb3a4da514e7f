// ABOUTME: Integration tests for graph mutation, linking, and authorization
// ABOUTME: Covers cycle rejection, sharing rules, delete semantics, and dynamic aggregation
package graph

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkdev/chunkd/models"
)

func testGraph(t *testing.T) *Graph {
	t.Helper()
	return New(zerolog.Nop())
}

// set is shorthand for submitting raw text as a user and returning the id.
func set(t *testing.T, g *Graph, user, value string) string {
	t.Helper()
	id, affected, err := g.Set(models.Chunk{Value: value}, user)
	require.NoError(t, err)
	require.Contains(t, affected, user)
	return id
}

func TestCreateReturnsAffectedUsers(t *testing.T) {
	g := testGraph(t)
	_, affected, err := g.Set(models.Chunk{Value: "# Notes\naccess: nina r\n"}, "john")
	require.NoError(t, err)
	assert.Contains(t, affected, "john", "owner is always affected")
	assert.Contains(t, affected, "nina")
}

func TestGetByIDAndRef(t *testing.T) {
	g := testGraph(t)
	id := set(t, g, "john", "# My Work Notes\n")

	byID, err := g.Get(id, "john")
	require.NoError(t, err)
	byRef, err := g.Get("My Work-Notes", "john")
	require.NoError(t, err)
	assert.Equal(t, byID.Chunk().ID, byRef.Chunk().ID)

	_, err = g.Get(id, "nina")
	assert.ErrorIs(t, err, ErrNotFound, "unreadable resolves to NotFound")
	_, err = g.Get("nope", "john")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOwnershipOverride(t *testing.T) {
	g := testGraph(t)
	id := set(t, g, "john", "# Testing\n")
	n, err := g.Get(id, "john")
	require.NoError(t, err)

	for _, level := range []models.Access{
		models.AccessRead, models.AccessWrite, models.AccessAdmin, models.AccessOwner,
	} {
		assert.True(t, n.HasAccess("john", level), "owner holds %s with empty access set", level)
	}
	assert.False(t, n.HasAccess("nina", models.AccessRead))
}

func TestSharingGrantsWrite(t *testing.T) {
	g := testGraph(t)
	id := set(t, g, "john", "# Notes\nshare: poca w\n")

	// Body-only change by a Write holder succeeds.
	_, _, err := g.Set(models.Chunk{ID: id, Value: "# Notes\nHello :)\nshare: poca w\n"}, "poca")
	assert.NoError(t, err)

	// The same user touching title, parents, or sharing fails.
	_, _, err = g.Set(models.Chunk{ID: id, Value: "# Renamed\nshare: poca w\n"}, "poca")
	assert.ErrorIs(t, err, ErrAuth, "title change requires ownership")
	_, _, err = g.Set(models.Chunk{ID: id, Value: "# Notes\nshare: poca w, sara r\n"}, "poca")
	assert.ErrorIs(t, err, ErrAuth, "sharing change requires admin")

	// Read holders cannot write at all.
	id2 := set(t, g, "john", "# Locked\naccess: nina r\n")
	_, _, err = g.Set(models.Chunk{ID: id2, Value: "# Locked\nedit\naccess: nina r\n"}, "nina")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestAdminMayChangeSharing(t *testing.T) {
	g := testGraph(t)
	id := set(t, g, "john", "# Notes\naccess: sara a\n")

	_, _, err := g.Set(models.Chunk{ID: id, Value: "# Notes\naccess: sara a, nina r\n"}, "sara")
	assert.NoError(t, err, "admin may grant others access")

	_, _, err = g.Set(models.Chunk{ID: id, Value: "# Renamed\naccess: sara a, nina r\n"}, "sara")
	assert.ErrorIs(t, err, ErrAuth, "admin may not change the title")

	// Self-demotion trap: an admin stripping their own admin grant is
	// rejected. Unresolved whether this should be allowed; the
	// restrictive behavior is preserved.
	_, _, err = g.Set(models.Chunk{ID: id, Value: "# Notes\naccess: sara r, nina r\n"}, "sara")
	assert.ErrorIs(t, err, ErrAuth)
}

func TestUpdateKeepsIdentity(t *testing.T) {
	g := testGraph(t)
	chunk := models.NewChunk("", "# Notes\n", "john")
	id, _, err := g.Set(chunk, "john")
	require.NoError(t, err)

	n, err := g.Get(id, "john")
	require.NoError(t, err)
	created := n.Chunk().Created

	_, _, err = g.Set(models.Chunk{
		ID:       id,
		Value:    "# Notes\nmore\n",
		Created:  created + 10,
		Modified: created + 10,
	}, "john")
	require.NoError(t, err)

	n, err = g.Get(id, "john")
	require.NoError(t, err)
	assert.Equal(t, created, n.Chunk().Created, "created never changes")
	assert.Equal(t, created+10, n.Chunk().Modified)
	assert.Equal(t, "john", n.Chunk().Owner)
}

func TestCircularReferencesRejected(t *testing.T) {
	g := testGraph(t)
	idNotes := set(t, g, "john", "# Notes\n")
	idNote1 := set(t, g, "john", "# Note 1 -> "+idNotes+"\n")

	_, _, err := g.Set(models.Chunk{ID: idNotes, Value: "# Notes -> " + idNotes + "\n"}, "john")
	assert.ErrorIs(t, err, ErrInvalidChunk, "A -> A must fail")

	_, _, err = g.Set(models.Chunk{ID: idNotes, Value: "# Notes -> " + idNote1 + "\n"}, "john")
	assert.ErrorIs(t, err, ErrInvalidChunk, "A -> B -> A must fail")

	idNote2 := set(t, g, "john", "# Note 2 -> "+idNote1+"\n")
	_, _, err = g.Set(models.Chunk{ID: idNotes, Value: "# Notes -> " + idNote2 + "\n"}, "john")
	assert.ErrorIs(t, err, ErrInvalidChunk, "A -> C -> B -> A must fail")

	// The rejected link never entered the graph.
	n, err := g.Get(idNotes, "john")
	require.NoError(t, err)
	assert.Equal(t, "# Notes\n", n.Chunk().Value)
}

func TestConcurrentUpdateAndRead(t *testing.T) {
	g := testGraph(t)
	id := set(t, g, "john", "# Counter\n0\naccess: nina r\n")
	n, err := g.Get(id, "john")
	require.NoError(t, err)

	// Held nodes stay readable while other goroutines rewrite the chunk.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				value := fmt.Sprintf("# Counter\n%d\naccess: nina r\n", i*25+j)
				_, _, err := g.Set(models.Chunk{ID: id, Value: value}, "john")
				assert.NoError(t, err)
				assert.Equal(t, "john", n.Chunk().Owner)
				assert.True(t, n.Readable("nina"))
				assert.Contains(t, n.AccessUsers(), "nina")
			}
		}(i)
	}
	wg.Wait()

	got, err := g.Get(id, "john")
	require.NoError(t, err)
	assert.Contains(t, got.Chunk().Value, "# Counter")
}

func TestDynamicModifiedAggregatesChildren(t *testing.T) {
	g := testGraph(t)
	parent := models.NewChunk("", "# Notes\n", "john")
	idNotes, _, err := g.Set(parent, "john")
	require.NoError(t, err)

	n, err := g.Get(idNotes, "john")
	require.NoError(t, err)
	base := n.Chunk().Modified

	child := models.Chunk{Value: "# Note 1 -> " + idNotes + "\n", Created: base + 10, Modified: base + 10}
	idNote1, _, err := g.Set(child, "john")
	require.NoError(t, err)

	got, ok := g.DynamicProp(n, "modified", "john")
	require.True(t, ok)
	assert.Equal(t, base+10, got, "parent's effective modified is the child's")

	// A further structural change must recompute, not serve stale cache.
	_, _, err = g.Set(models.Chunk{
		ID: idNote1, Value: "# Note 1 -> " + idNotes + "\nedit\n",
		Created: base + 10, Modified: base + 20,
	}, "john")
	require.NoError(t, err)

	got, ok = g.DynamicProp(n, "modified", "john")
	require.True(t, ok)
	assert.Equal(t, base+20, got)
}

func TestDynamicModifiedIsPerUser(t *testing.T) {
	g := testGraph(t)
	parent := models.Chunk{Value: "# Notes\naccess: nina r\n", Created: 1000, Modified: 1000}
	idNotes, _, err := g.Set(parent, "john")
	require.NoError(t, err)

	// The child is not shared with nina.
	child := models.Chunk{Value: "# Note 1 -> " + idNotes + "\n", Created: 2000, Modified: 2000}
	_, _, err = g.Set(child, "john")
	require.NoError(t, err)

	n, err := g.Get(idNotes, "john")
	require.NoError(t, err)

	johns, ok := g.DynamicProp(n, "modified", "john")
	require.True(t, ok)
	assert.Equal(t, int64(2000), johns, "owner sees the child's time")

	ninas, ok := g.DynamicProp(n, "modified", "nina")
	require.True(t, ok)
	assert.Equal(t, int64(1000), ninas, "unreadable children never leak into nina's aggregate")
}

func TestHardDeleteRemovesChunk(t *testing.T) {
	g := testGraph(t)
	id := set(t, g, "john", "# Notes\naccess: nina r\n")

	affected, err := g.Delete([]string{id}, "john")
	require.NoError(t, err)
	assert.Contains(t, affected, "john")
	assert.Contains(t, affected, "nina")

	_, err = g.Get(id, "john")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.Get(id, "nina")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDeleteShedsOwnGrant(t *testing.T) {
	g := testGraph(t)
	id := set(t, g, "john", "# Notes\naccess: nina r, poca w\n")

	affected, err := g.Delete([]string{id}, "nina")
	require.NoError(t, err)
	assert.Contains(t, affected, "nina")

	_, err = g.Get(id, "nina")
	assert.ErrorIs(t, err, ErrNotFound, "nina no longer sees the chunk")

	n, err := g.Get(id, "john")
	require.NoError(t, err, "the chunk still exists for the owner")
	assert.True(t, n.HasAccess("poca", models.AccessWrite), "other grants survive")
	assert.False(t, n.HasAccess("nina", models.AccessRead))
}

func TestDeleteBatchIsAllOrNothing(t *testing.T) {
	g := testGraph(t)
	mine := set(t, g, "john", "# Mine\n")
	other := set(t, g, "sara", "# Theirs\n")

	_, err := g.Delete([]string{mine, other}, "john")
	assert.ErrorIs(t, err, ErrAuth)

	_, err = g.Get(mine, "john")
	assert.NoError(t, err, "no partial deletion across the batch")
}

func TestDeleteUnknownID(t *testing.T) {
	g := testGraph(t)
	_, err := g.Delete([]string{"lusab-babad"}, "john")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteInvalidatesParents(t *testing.T) {
	g := testGraph(t)
	parent := models.Chunk{Value: "# Notes\n", Created: 1000, Modified: 1000}
	idNotes, _, err := g.Set(parent, "john")
	require.NoError(t, err)

	child := models.Chunk{Value: "# Note 1 -> " + idNotes + "\n", Created: 2000, Modified: 2000}
	idNote1, _, err := g.Set(child, "john")
	require.NoError(t, err)

	n, err := g.Get(idNotes, "john")
	require.NoError(t, err)
	got, _ := g.DynamicProp(n, "modified", "john")
	require.Equal(t, int64(2000), got)

	_, err = g.Delete([]string{idNote1}, "john")
	require.NoError(t, err)

	got, _ = g.DynamicProp(n, "modified", "john")
	assert.Equal(t, int64(1000), got, "stale aggregate cleared by deletion")
}

func TestSubtreeRootsAndDepth(t *testing.T) {
	g := testGraph(t)
	idNotes := set(t, g, "john", "# Notes\n")
	set(t, g, "john", "# Note 1 -> "+idNotes+"\n")

	tree, err := g.Subtree("", "john", ViewWell, SortModifiedDesc, 2)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1, "one chunk without parents")
	assert.Equal(t, idNotes, tree.Children[0].View.ID)
	require.Len(t, tree.Children[0].Children, 1)

	sub, err := g.Subtree(idNotes, "john", ViewWell, SortModifiedDesc, 1)
	require.NoError(t, err)
	require.NotNil(t, sub.View)
	assert.Equal(t, idNotes, sub.View.ID)
	assert.Len(t, sub.Children, 1)

	shallow, err := g.Subtree(idNotes, "john", ViewWell, SortModifiedDesc, 0)
	require.NoError(t, err)
	assert.Empty(t, shallow.Children, "depth 0 stops at the root")
}

func TestSubtreeFiltersByAccess(t *testing.T) {
	g := testGraph(t)
	idShared := set(t, g, "john", "# Shared\naccess: nina r\n")
	set(t, g, "john", "# Secret Child -> "+idShared+"\n")

	tree, err := g.Subtree("", "nina", ViewWell, SortModifiedDesc, 3)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, idShared, tree.Children[0].View.ID)
	assert.Empty(t, tree.Children[0].Children, "unreadable children are filtered at every level")

	_, err = g.Subtree(idShared, "sara", ViewWell, SortModifiedDesc, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefResolutionPrefersOwnChunks(t *testing.T) {
	g := testGraph(t)
	set(t, g, "john", "# Todo\naccess: nina r\n")
	ninasID := set(t, g, "nina", "# Todo\n")

	n, err := g.Get("todo", "nina")
	require.NoError(t, err)
	assert.Equal(t, ninasID, n.Chunk().ID)
}

func TestParentResolutionByTitle(t *testing.T) {
	g := testGraph(t)
	idTodo := set(t, g, "nina", "# Todo\n")
	set(t, g, "nina", "# Chores -> Todo\n- Vacuum\n")

	n, err := g.Get(idTodo, "nina")
	require.NoError(t, err)
	assert.Len(t, g.Children(n, "nina"), 1, "bare title refs resolve within the owner")
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := testGraph(t)
	idNotes := set(t, g, "john", "# Notes\naccess: nina r\n")
	set(t, g, "john", "# Note 1 -> "+idNotes+"\n")

	chunks := g.Chunks()
	require.Len(t, chunks, 2)

	rebuilt, err := FromSnapshot(chunks, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, rebuilt.Len())

	n, err := rebuilt.Get(idNotes, "john")
	require.NoError(t, err)
	assert.Len(t, rebuilt.Children(n, "john"), 1, "links are replayed at load time")
}
