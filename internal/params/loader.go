package params

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"fleet-cd/internal/types"
)

// Set is the resolved key/value configuration for one deployment. Resolved
// fresh on every run, never cached.
type Set map[string]string

// Loader resolves a scope against the store and enforces the
// config-required policy.
type Loader struct {
	Store Store
}

// Resolve lists the scope. Zero entries with required=true is a
// ConfigMissingError; callers run this as a preflight check before any
// artifact transfer starts. With required=false an empty set is fine and
// the service starts on its baked-in defaults.
func (l *Loader) Resolve(ctx context.Context, scope Scope, required bool) (Set, error) {
	entries, err := l.Store.List(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list params under %s: %w", scope.Path(), err)
	}
	if len(entries) == 0 && required {
		return nil, types.E(types.KindConfigMissing, "no runtime configuration under %s but service requires it", scope.Path())
	}

	set := make(Set, len(entries))
	for _, e := range entries {
		set[e.Name] = e.Value
	}
	logrus.Infof("resolved %d configuration entries under %s", len(set), scope.Path())
	return set, nil
}

// Materialize writes the set as a KEY=VALUE env file with restrictive
// permissions and returns its path plus a cleanup func. The cleanup must be
// run on every exit path, success or failure: the file can carry secrets
// and must not outlive process start.
func (s Set) Materialize(dir string) (string, func(), error) {
	f, err := os.CreateTemp(dir, ".env-*")
	if err != nil {
		return "", nil, fmt.Errorf("create env file: %w", err)
	}
	path := f.Name()
	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logrus.Warnf("env file cleanup failed: %v", err)
		}
	}

	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("chmod env file: %w", err)
	}

	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%s\n", name, s[name])
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write env file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close env file: %w", err)
	}
	return filepath.Clean(path), cleanup, nil
}
