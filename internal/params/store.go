// Package params resolves the runtime configuration set for a service from
// a path-scoped external store and materializes it as a process environment
// file consumed at process start.
package params

import (
	"context"
	"path"
)

// Scope addresses one service's configuration subtree.
type Scope struct {
	Environment string
	Project     string
	Service     string
}

// Path renders the scope as the store path prefix, e.g. "prod/shop/backend-api".
func (s Scope) Path() string {
	return path.Join(s.Environment, s.Project, s.Service)
}

// Entry is one decoded key/value pair.
type Entry struct {
	Name  string
	Value string
}

// Store lists all entries under a scope, decrypted. An empty result is a
// valid outcome, distinguishable from an error.
type Store interface {
	List(ctx context.Context, scope Scope) ([]Entry, error)
}
