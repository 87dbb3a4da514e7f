// ABOUTME: Engine ties the graph, user store, notifier, and persistence together
// ABOUTME: Every application operation enters here and fans out change events
package engine

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkdev/chunkd/auth"
	"github.com/chunkdev/chunkd/graph"
	"github.com/chunkdev/chunkd/models"
	"github.com/chunkdev/chunkd/notify"
	"github.com/chunkdev/chunkd/store"
	"github.com/chunkdev/chunkd/textdiff"
)

// tutorialRef is the title of the public chunk copied into fresh
// accounts, when one exists.
const tutorialRef = "tutorial"

// Engine is the application facade. It owns the live graph and user
// store and keeps the persistent snapshot behind them current.
type Engine struct {
	graph *graph.Graph
	users *auth.Store
	bus   *notify.Broadcaster
	db    *store.Store
	log   zerolog.Logger
}

// New builds an engine around an optional persistent store. A nil db
// keeps everything in memory.
func New(db *store.Store, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		graph: graph.New(log),
		users: auth.New(log),
		bus:   notify.New(log),
		db:    db,
		log:   log.With().Str("component", "engine").Logger(),
	}
	if db == nil {
		return e, nil
	}

	snap, err := db.Load()
	if err != nil {
		return nil, err
	}
	return e.restore(snap)
}

// FromSnapshot builds an in-memory engine from a snapshot, without
// persistence. Used by import tooling and tests.
func FromSnapshot(snap models.Snapshot, log zerolog.Logger) (*Engine, error) {
	e, err := New(nil, log)
	if err != nil {
		return nil, err
	}
	return e.restore(snap)
}

func (e *Engine) restore(snap models.Snapshot) (*Engine, error) {
	g, err := graph.FromSnapshot(snap.Chunks, e.log)
	if err != nil {
		return nil, err
	}
	e.graph = g
	e.users = auth.FromSnapshot(snap.Users, snap.Groups, e.log)
	return e, nil
}

// Close flushes state and stops notification delivery.
func (e *Engine) Close() error {
	e.bus.Close()
	if e.db == nil {
		return nil
	}
	if err := e.Flush(); err != nil {
		return err
	}
	return e.db.Close()
}

// Snapshot captures the full current state.
func (e *Engine) Snapshot() models.Snapshot {
	return models.Snapshot{
		Chunks: e.graph.Chunks(),
		Users:  e.users.Users(),
		Groups: e.users.Groups(),
	}
}

// Flush writes the current state through to the persistent store.
func (e *Engine) Flush() error {
	if e.db == nil {
		return nil
	}
	return e.db.Save(e.Snapshot())
}

// UpdateResult reports a completed create or update.
type UpdateResult struct {
	ID       string   `json:"id"`
	Created  bool     `json:"created"`
	Diff     []string `json:"diff,omitempty"`
	Affected []string `json:"-"`
}

// CreateOrUpdate stores value as user's chunk. An empty id creates a new
// chunk; a known id updates it under the usual authorization rules. The
// result carries line-diff tokens against the previous revision and the
// operation is announced to everyone whose view changed.
func (e *Engine) CreateOrUpdate(user, id, value string) (UpdateResult, error) {
	oldValue := ""
	created := true
	if id != "" {
		n, err := e.graph.Get(id, user)
		if err != nil {
			return UpdateResult{}, err
		}
		// id may have been a title ref; address the resolved chunk.
		id = n.Chunk().ID
		oldValue = n.Chunk().Value
		created = false
	}

	newID, affected, err := e.graph.Set(models.Chunk{ID: id, Value: value}, user)
	if err != nil {
		return UpdateResult{}, err
	}

	res := UpdateResult{
		ID:       newID,
		Created:  created,
		Diff:     textdiff.Calc(oldValue, value),
		Affected: userList(affected),
	}
	e.announce(newID, user, affected)
	if err := e.Flush(); err != nil {
		return res, err
	}
	return res, nil
}

// Delete removes the chunks as user: owned and admin'd chunks disappear,
// merely shared ones shed the user's grants.
func (e *Engine) Delete(user string, ids []string) error {
	affected, err := e.graph.Delete(ids, user)
	if err != nil {
		return err
	}
	e.bus.Send(notify.Message{Resource: "chunks", Users: e.expandGroups(affected)})
	return e.Flush()
}

// announce emits both the coarse list-level event and a per-chunk view
// for clients watching one chunk. The per-chunk event targets everyone
// who could see the chunk before or after the change, so a user whose
// grant was just revoked still learns their view is gone.
func (e *Engine) announce(id, user string, affected map[string]struct{}) {
	e.bus.Send(notify.Message{Resource: "chunks", Users: e.expandGroups(affected)})

	n, err := e.graph.Get(id, user)
	if err != nil {
		return
	}
	view := e.graph.Project(n, user, graph.ViewEdit)
	targets := n.AccessUsers()
	for u := range affected {
		targets[u] = struct{}{}
	}
	e.bus.Send(notify.Message{
		Resource: "chunks/" + id,
		Value:    view,
		Users:    e.expandGroups(targets),
	})
}

// expandGroups replaces group names in a recipient set with their
// members; plain usernames pass through unchanged. A nil set keeps its
// broadcast meaning.
func (e *Engine) expandGroups(users map[string]struct{}) map[string]struct{} {
	if users == nil {
		return nil
	}
	out := make(map[string]struct{}, len(users))
	for u := range users {
		for _, m := range e.users.Members(u) {
			out[m] = struct{}{}
		}
	}
	return out
}

// Get projects one chunk for user in the requested shape.
func (e *Engine) Get(user, idOrRef string, kind graph.ViewKind) (graph.View, error) {
	n, err := e.graph.Get(idOrRef, user)
	if err != nil {
		return graph.View{}, err
	}
	return e.graph.Project(n, user, kind), nil
}

// List returns all chunks visible to user as notes views, most recently
// modified first.
func (e *Engine) List(user string) []graph.View {
	nodes := e.graph.List(user)
	out := make([]graph.View, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, e.graph.Project(n, user, graph.ViewNotes))
	}
	return out
}

// Subtree renders the nested structure below rootID (or below every root
// chunk when rootID is empty).
func (e *Engine) Subtree(user, rootID string, kind graph.ViewKind, depth int) (*graph.Tree, error) {
	return e.graph.Subtree(rootID, user, kind, graph.SortModifiedDesc, depth)
}

// Subscribe registers a notification listener for user.
func (e *Engine) Subscribe(user string) (notify.Subscription, <-chan notify.Message) {
	return e.bus.Subscribe(user)
}

// Unsubscribe removes a notification listener.
func (e *Engine) Unsubscribe(id notify.Subscription) {
	e.bus.Unsubscribe(id)
}

// NewUser registers an account and seeds it with a copy of the public
// tutorial chunk when one exists.
func (e *Engine) NewUser(name, pass string) error {
	if err := e.users.NewUser(name, pass); err != nil {
		return err
	}

	if n, err := e.graph.Get(tutorialRef, models.PublicUser); err == nil {
		if _, _, err := e.graph.Set(models.Chunk{Value: n.Chunk().Value}, name); err != nil {
			e.log.Warn().Err(err).Str("user", name).Msg("seeding tutorial chunk failed")
		}
	} else if !errors.Is(err, graph.ErrNotFound) {
		return err
	}
	return e.Flush()
}

// Login verifies credentials and returns the token issue time to embed
// in the session.
func (e *Engine) Login(name, pass string) (int64, error) {
	if _, err := e.users.Login(name, pass); err != nil {
		return 0, err
	}
	return time.Now().Unix(), nil
}

// TokenValid reports whether a session issued at the given time is still
// good for the user.
func (e *Engine) TokenValid(name string, issued int64) bool {
	return e.users.TokenValid(name, issued)
}

// ResetPass changes a password after verifying the old one.
func (e *Engine) ResetPass(name, oldPass, newPass string) error {
	if err := e.users.ResetPass(name, oldPass, newPass); err != nil {
		return err
	}
	return e.Flush()
}

// SetPass overwrites a password from operator tooling.
func (e *Engine) SetPass(name, pass string) error {
	if err := e.users.SetPass(name, pass); err != nil {
		return err
	}
	return e.Flush()
}

// InvalidateSessions logs the user out everywhere.
func (e *Engine) InvalidateSessions(name string) error {
	if err := e.users.InvalidateSessions(name); err != nil {
		return err
	}
	return e.Flush()
}

func userList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	return out
}
