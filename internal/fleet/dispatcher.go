package fleet

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"fleet-cd/internal/params"
	"fleet-cd/internal/transport"
	"fleet-cd/internal/types"
)

// Dispatcher turns one deployment request into a dispatched job: preflight
// checks first (cheap failures before any artifact moves), then a single
// transport dispatch covering every matched host.
type Dispatcher struct {
	Inventory Inventory
	Params    *params.Loader
	Transport transport.Transport
}

// Dispatch validates the request, runs the preflight checks and submits the
// procedure. It returns the dispatch identifier and the resolved targets.
//
// Preflight order matters: the configuration check runs before target
// resolution and before anything is transferred, so a missing required
// configuration fails in milliseconds with nothing touched.
func (d *Dispatcher) Dispatch(ctx context.Context, req types.DeployRequest) (string, []Target, error) {
	sel, err := NewSelector(req.Environment, req.Service)
	if err != nil {
		return "", nil, types.Wrap(types.KindDispatch, err)
	}

	if req.ConfigRequired {
		scope := params.Scope{Environment: req.Environment, Project: req.Project, Service: req.Service}
		if _, err := d.Params.Resolve(ctx, scope, true); err != nil {
			return "", nil, err
		}
	}

	targets, err := d.Inventory.Resolve(ctx, sel)
	if err != nil {
		return "", nil, types.Wrap(types.KindDispatch, fmt.Errorf("resolve targets: %w", err))
	}
	if len(targets) == 0 {
		return "", nil, types.E(types.KindNoTargets, "selector %s matched no hosts", sel)
	}

	hosts := make([]string, 0, len(targets))
	for _, t := range targets {
		hosts = append(hosts, t.Host)
	}

	maxConc := req.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}
	script := req.Script
	if script == "" {
		script = "app.js"
	}

	id, err := d.Transport.Dispatch(ctx, types.DispatchRequest{
		Hosts: hosts,
		Spec: types.ProcedureSpec{
			ReleaseID:      req.ReleaseID,
			Namespace:      req.Namespace,
			Environment:    req.Environment,
			Project:        req.Project,
			Service:        req.Service,
			Script:         script,
			Port:           req.Port,
			Strategy:       req.Strategy,
			ConfigRequired: req.ConfigRequired,
		},
		MaxConcurrency: maxConc,
		MaxErrors:      req.MaxErrors,
	})
	if err != nil {
		return "", nil, types.Wrap(types.KindDispatch, err)
	}

	logrus.Infof("dispatched %s: release %s to %d hosts (selector %s)", id, req.ReleaseID, len(hosts), sel)
	return id, targets, nil
}
