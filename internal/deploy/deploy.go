// Package deploy is the orchestrator: one deployment request in, one
// outcome out. It wires preflight, dispatch and monitoring together and
// records and announces the result.
package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/fleet"
	"fleet-cd/internal/history"
	"fleet-cd/internal/monitor"
	"fleet-cd/internal/transport"
	"fleet-cd/internal/types"
)

// Outcome is the single result of a deployment request.
type Outcome struct {
	State       types.JobState
	JobID       string
	Hosts       []string
	Diagnostics []monitor.HostDiag
}

// Success reports whether every targeted host completed the full procedure.
func (o Outcome) Success() bool { return o.State == types.StateSuccess }

// Recorder persists finished jobs. Nil-able collaborator.
type Recorder interface {
	Record(ctx context.Context, rec history.DeploymentRecord) error
}

// Notifier announces finished jobs. Nil-able collaborator.
type Notifier interface {
	SendOutcome(rec history.DeploymentRecord)
}

type Orchestrator struct {
	Dispatcher *fleet.Dispatcher
	Monitor    *monitor.Monitor
	Transport  transport.Transport
	History    Recorder
	Notifier   Notifier

	mu        sync.Mutex
	activeJob string
}

func (o *Orchestrator) setActive(id string) {
	o.mu.Lock()
	o.activeJob = id
	o.mu.Unlock()
}

// CancelActive asks the transport to cancel the job currently being
// monitored. Best effort, for signal handlers: in-flight hosts finish, hosts
// not yet dispatched are skipped.
func (o *Orchestrator) CancelActive(ctx context.Context) {
	o.mu.Lock()
	id := o.activeJob
	o.mu.Unlock()
	if id == "" || o.Transport == nil {
		return
	}
	if err := o.Transport.Cancel(ctx, id); err != nil {
		logrus.Warnf("cancel job %s: %v", id, err)
	}
}

// Deploy runs one deployment to completion. The returned error covers
// preflight and dispatch failures (nothing was started); once a job is
// dispatched the verdict lives in Outcome.State and err stays nil except
// for a poll timeout.
func (o *Orchestrator) Deploy(ctx context.Context, req types.DeployRequest) (Outcome, error) {
	started := time.Now().UTC()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	logrus.Infof("🚀 deploying release %s: service=%s env=%s concurrency=%d",
		req.ReleaseID, req.Service, req.Environment, req.MaxConcurrency)

	jobID, targets, err := o.Dispatcher.Dispatch(ctx, req)
	if err != nil {
		logrus.Errorf("%s dispatch failed: %v", red("❌"), err)
		return Outcome{State: types.StateFailed}, err
	}

	o.setActive(jobID)
	defer o.setActive("")

	hosts := make([]string, 0, len(targets))
	for _, t := range targets {
		hosts = append(hosts, t.Host)
	}

	status, diags, err := o.Monitor.Wait(ctx, jobID)
	outcome := Outcome{State: status.State, JobID: jobID, Hosts: hosts, Diagnostics: diags}

	o.finish(ctx, req, outcome, started)

	if outcome.Success() {
		logrus.Infof("%s 🎉 release %s deployed to %d hosts in %v",
			green("✅"), req.ReleaseID, len(hosts), time.Since(started).Round(time.Second))
	}
	return outcome, err
}

func (o *Orchestrator) finish(ctx context.Context, req types.DeployRequest, outcome Outcome, started time.Time) {
	rec := history.DeploymentRecord{
		JobID:       outcome.JobID,
		ReleaseID:   req.ReleaseID,
		Service:     req.Service,
		Environment: req.Environment,
		Hosts:       outcome.Hosts,
		State:       outcome.State,
		User:        req.User,
		StartedAt:   started,
		FinishedAt:  time.Now().UTC(),
	}
	if o.History != nil {
		if err := o.History.Record(ctx, rec); err != nil {
			logrus.Errorf("💾 history record failed: %v", err)
		}
	}
	if o.Notifier != nil {
		o.Notifier.SendOutcome(rec)
	}
}
