// Package supervisor drives the per-host process manager that keeps the
// application running. The deployment never execs the application itself;
// it instructs the supervisor and persists its process list so a host
// reboot restores the process without re-running a deployment.
package supervisor

import (
	"context"
	"fmt"

	"fleet-cd/internal/types"
)

// Strategy selects how an existing process is replaced on deploy.
type Strategy string

const (
	// StrategyReload reloads in place when the process exists, starts it
	// fresh otherwise. For services that tolerate in-place restarts.
	StrategyReload Strategy = "reload"
	// StrategyReplace always tears the process down before starting, for
	// services whose stale in-memory state must never survive a deploy.
	StrategyReplace Strategy = "replace"
)

// ParseStrategy validates a configured strategy name, defaulting to reload.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyReload, "":
		return StrategyReload, nil
	case StrategyReplace:
		return StrategyReplace, nil
	}
	return "", fmt.Errorf("unknown process strategy %q", s)
}

// ProcessSpec describes the process to run: its supervisor name, working
// directory (the active release directory), entry script and the
// materialized environment file.
type ProcessSpec struct {
	Name    string
	Dir     string
	Script  string
	EnvFile string
}

// Supervisor is the process-manager control surface.
type Supervisor interface {
	StartOrReload(ctx context.Context, spec ProcessSpec) error
	DeleteThenStart(ctx context.Context, spec ProcessSpec) error
	Save(ctx context.Context) error
	Describe(ctx context.Context, name string) (string, error)
}

// Apply runs the configured strategy and persists the supervisor state on
// success.
func Apply(ctx context.Context, sup Supervisor, strategy Strategy, spec ProcessSpec) error {
	var err error
	switch strategy {
	case StrategyReplace:
		err = sup.DeleteThenStart(ctx, spec)
	default:
		err = sup.StartOrReload(ctx, spec)
	}
	if err != nil {
		return types.Wrap(types.KindProcessStart, err)
	}
	if err := sup.Save(ctx); err != nil {
		return types.Wrap(types.KindProcessStart, fmt.Errorf("persist process list: %w", err))
	}
	return nil
}
