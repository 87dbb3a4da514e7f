// ABOUTME: Static property extraction from raw chunk text
// ABOUTME: Parses title, normalized ref, parent references, sharing grants, and custom properties
package extract

import (
	"regexp"
	"sort"
	"strings"

	"github.com/chunkdev/chunkd/models"
)

var (
	// First line shaped like "# Title" optionally followed by an
	// arrow-delimited parent list: "# Title -> ref, owner:ref, id".
	titleRe = regexp.MustCompile(`(?m)^# +((?: *[\w-]+)+?) *(?:[-=]> *((?:[,:]? *[\w-]+)+) *)?$`)
	// Sharing directives: "access: nina w, poca read" (or "share:").
	accessRe = regexp.MustCompile(`(?im)^(?:access|share): *(.+?) *$`)
	// Generic "key: value" lines.
	propRe = regexp.MustCompile(`(?m)^([A-Za-z][\w-]*): *(.*?) *$`)
)

// ParentRef is one declared parent reference: either a chunk id, a bare
// normalized title, or an owner-qualified "owner:ref" pair.
type ParentRef struct {
	Owner string
	Ref   string
}

// Props holds everything extracted statically from a chunk's body. The
// extraction is deterministic and total: malformed input yields empty
// fields, never an error.
type Props struct {
	// Title is the pretty display form; Ref its normalized lookup key.
	Title string
	Ref   string
	// Parents keeps declared references raw; resolution against ids or
	// normalized refs happens at link time.
	Parents []ParentRef
	// Access is the sharing set with the implication closure applied:
	// a Write grant carries Read, an Admin grant carries Write and Read.
	Access map[models.UserAccess]struct{}
	// Custom collects the remaining free-form key/value lines.
	Custom map[string]string
}

// Extract parses raw chunk text into its static properties.
func Extract(value string) Props {
	p := Props{
		Access: map[models.UserAccess]struct{}{},
		Custom: map[string]string{},
	}

	if m := titleRe.FindStringSubmatch(value); m != nil {
		p.Title = StandardizePretty(m[1])
		p.Ref = Standardize(m[1])
		if m[2] != "" {
			seen := map[ParentRef]struct{}{}
			for _, part := range strings.Split(m[2], ",") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				ref := ParentRef{}
				if owner, rest, ok := strings.Cut(part, ":"); ok {
					ref.Owner = Standardize(owner)
					ref.Ref = strings.TrimSpace(rest)
				} else {
					ref.Ref = part
				}
				if ref.Ref == "" {
					continue
				}
				if _, dup := seen[ref]; !dup {
					seen[ref] = struct{}{}
					p.Parents = append(p.Parents, ref)
				}
			}
			sort.Slice(p.Parents, func(i, j int) bool {
				if p.Parents[i].Owner != p.Parents[j].Owner {
					return p.Parents[i].Owner < p.Parents[j].Owner
				}
				return p.Parents[i].Ref < p.Parents[j].Ref
			})
		}
	}

	for _, m := range accessRe.FindAllStringSubmatch(value, -1) {
		extractAccess(m[1], p.Access)
	}

	for _, m := range propRe.FindAllStringSubmatch(value, -1) {
		key := m[1]
		switch strings.ToLower(key) {
		case "access", "share":
			continue
		}
		p.Custom[key] = m[2]
	}

	return p
}

// extractAccess parses one directive's "user level, user level" list into
// the set, applying the level closure. Malformed pairs are skipped.
func extractAccess(list string, access map[models.UserAccess]struct{}) {
	for _, pair := range strings.Split(strings.ToLower(list), ",") {
		fields := strings.Fields(pair)
		if len(fields) < 2 {
			continue
		}
		if !models.ValidUsername(fields[0]) {
			continue
		}
		level, ok := models.ParseAccess(fields[1])
		if !ok {
			continue
		}
		for _, l := range level.Implied() {
			access[models.UserAccess{User: fields[0], Level: l}] = struct{}{}
		}
	}
}

// Standardize lowers, trims, turns internal whitespace and hyphens into
// underscores, and drops anything outside [a-z0-9_], producing the ref key
// used for human-friendly lookup.
func Standardize(v string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(v)) {
		switch {
		case r == '-' || r == ' ':
			b.WriteByte('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// StandardizePretty keeps the display form: trims, turns hyphens and
// underscores into spaces, and drops non-alphanumerics.
func StandardizePretty(v string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(v) {
		switch {
		case r == '-' || r == '_':
			b.WriteByte(' ')
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Equal reports whether the extracted properties match field for field.
func (p Props) Equal(o Props) bool {
	return p.HeaderEqual(o) && p.AccessEqual(o) && mapsEqual(p.Custom, o.Custom)
}

// HeaderEqual compares title, ref, and the declared parent set.
func (p Props) HeaderEqual(o Props) bool {
	if p.Title != o.Title || p.Ref != o.Ref || len(p.Parents) != len(o.Parents) {
		return false
	}
	for i := range p.Parents {
		if p.Parents[i] != o.Parents[i] {
			return false
		}
	}
	return true
}

// AccessEqual compares the closed sharing sets.
func (p Props) AccessEqual(o Props) bool {
	if len(p.Access) != len(o.Access) {
		return false
	}
	for ua := range p.Access {
		if _, ok := o.Access[ua]; !ok {
			return false
		}
	}
	return true
}

// Grants returns the highest stored level per user, sorted by user.
func (p Props) Grants() []models.UserAccess {
	highest := map[string]models.Access{}
	for ua := range p.Access {
		if ua.Level > highest[ua.User] {
			highest[ua.User] = ua.Level
		}
	}
	out := make([]models.UserAccess, 0, len(highest))
	for user, level := range highest {
		out = append(out, models.UserAccess{User: user, Level: level})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// RenderValue rewrites a chunk body so its text matches the given access
// set: all sharing directives are stripped and the surviving grants are
// appended as one canonical access line. Soft delete depends on this so a
// removed grant disappears from the stored text as well.
func RenderValue(value string, access map[models.UserAccess]struct{}) string {
	out := accessRe.ReplaceAllString(value, "")
	out = strings.TrimRight(out, "\n")
	grants := Props{Access: access}.Grants()
	if len(grants) > 0 {
		parts := make([]string, len(grants))
		for i, g := range grants {
			parts[i] = g.User + " " + string(g.Level.String()[0])
		}
		out += "\naccess: " + strings.Join(parts, ", ")
	}
	return out + "\n"
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
