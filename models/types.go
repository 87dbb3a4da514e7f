// ABOUTME: Core data types for the chunk graph engine
// ABOUTME: Defines Chunk, User, Snapshot, and ordered access levels
package models

import (
	"regexp"
	"time"
)

// Access is an ordered permission level on a chunk. Higher levels imply
// lower ones; the closure (Write implies Read, Admin implies Write and
// Read) is materialized in stored access sets so that plain set operations
// stay correct when diffing.
type Access int

const (
	AccessRead Access = iota + 1
	AccessWrite
	AccessAdmin
	// AccessOwner is never stored in an access set; the chunk owner holds
	// it implicitly.
	AccessOwner
)

func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessAdmin:
		return "admin"
	case AccessOwner:
		return "owner"
	}
	return "none"
}

// ParseAccess accepts the textual synonyms used in sharing directives.
func ParseAccess(s string) (Access, bool) {
	switch s {
	case "r", "read":
		return AccessRead, true
	case "w", "write":
		return AccessWrite, true
	case "a", "admin":
		return AccessAdmin, true
	}
	return 0, false
}

// Implied returns the levels granted implicitly by holding a, including a
// itself, lowest first. Owner implies everything but is never stored.
func (a Access) Implied() []Access {
	out := make([]Access, 0, 3)
	for l := AccessRead; l <= a && l <= AccessAdmin; l++ {
		out = append(out, l)
	}
	return out
}

// UserAccess is one (user, level) grant inside a chunk's access set.
type UserAccess struct {
	User  string `json:"user"`
	Level Access `json:"level"`
}

// Chunk is the persisted unit of storage: a user-owned text fragment.
// Identity (ID, Owner, Created) is immutable after creation; only Value and
// Modified change through authorized updates.
type Chunk struct {
	ID       string `json:"id"`
	Value    string `json:"value"`
	Owner    string `json:"owner"`
	Created  int64  `json:"created"`
	Modified int64  `json:"modified"`
}

// NewChunk stamps a chunk with the current time.
func NewChunk(id, value, owner string) Chunk {
	now := time.Now().Unix()
	return Chunk{ID: id, Value: value, Owner: owner, Created: now, Modified: now}
}

// User is an account in the user store. Pass is an opaque salted hash.
// Tokens issued before NotBefore are rejected, which implements
// "log out everywhere".
type User struct {
	Name      string `json:"user"`
	Pass      string `json:"pass"`
	NotBefore int64  `json:"not_before"`
}

// Snapshot is the flat, denormalized shape persisted at process
// boundaries. The live graph is rebuilt from it by replaying linking over
// every chunk at load time.
type Snapshot struct {
	Chunks []Chunk             `json:"chunks"`
	Users  []User              `json:"users"`
	Groups map[string][]string `json:"groups,omitempty"`
}

// PublicUser is the pseudo-user unauthenticated requests act as. A chunk
// is public when its access set grants PublicUser read.
const PublicUser = "public"

var usernameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{2,23}$`)

// ValidUsername reports whether name satisfies the account format:
// lowercase, starts with a letter, 3 to 24 characters.
func ValidUsername(name string) bool {
	return usernameRe.MatchString(name)
}
