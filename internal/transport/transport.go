// Package transport is the command channel to the fleet: dispatch the
// per-host procedure to a set of hosts with a concurrency bound, poll its
// status, and fetch captured output for diagnostics.
package transport

import (
	"context"

	"fleet-cd/internal/types"
)

// Transport executes dispatched procedures. The orchestrator never talks to
// hosts directly; everything goes through here.
type Transport interface {
	// Dispatch accepts the job and returns its dispatch identifier.
	// Execution continues in the background.
	Dispatch(ctx context.Context, req types.DispatchRequest) (string, error)
	// Status returns a snapshot of the job.
	Status(ctx context.Context, id string) (types.JobStatus, error)
	// Output returns one host's captured stdout/stderr.
	Output(ctx context.Context, id, host string) (types.HostOutput, error)
	// Cancel stops dispatching to hosts not yet started. Hosts mid-flight
	// run to completion.
	Cancel(ctx context.Context, id string) error
}

// ProcedureRunner runs the per-host procedure for the local transport.
type ProcedureRunner interface {
	Run(ctx context.Context, host string, spec types.ProcedureSpec) (output string, err error)
}
