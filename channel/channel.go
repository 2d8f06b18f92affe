// Package channel decides which requested channel names a client may join.
package channel

import "strings"

// DefaultPrefixes is the allow-list used when none is configured.
var DefaultPrefixes = []string{"user.", "game."}

// wildcards are the bus subscription wildcard markers. Both are rejected
// anywhere in a name.
const wildcards = "*>"

// Validator admits or rejects channel names against an allow-list of prefixes.
// The zero value rejects every name.
type Validator struct {
	prefixes []string
}

// NewValidator returns a Validator over a copy of prefixes. A nil slice
// selects DefaultPrefixes; an empty non-nil slice rejects everything.
func NewValidator(prefixes []string) *Validator {
	if prefixes == nil {
		prefixes = DefaultPrefixes
	}
	return &Validator{prefixes: append([]string(nil), prefixes...)}
}

// Prefixes returns a copy of the allow-list.
func (v *Validator) Prefixes() []string {
	return append([]string(nil), v.prefixes...)
}

// IsAdmissible reports whether name may be subscribed to. It never panics.
func (v *Validator) IsAdmissible(name string) bool {
	if strings.ContainsAny(name, wildcards) {
		return false
	}
	for _, prefix := range v.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// FromPath derives the channel name from a request path by stripping one
// leading "/".
func FromPath(path string) string {
	return strings.TrimPrefix(path, "/")
}
