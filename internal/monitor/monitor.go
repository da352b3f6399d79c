// Package monitor polls a dispatched job to a terminal state, aggregates
// the per-host outcomes into a single job outcome, and surfaces captured
// host output when something failed. It never retries a deployment on its
// own: recovery is an operator redeploying a known-good release.
package monitor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/poll"
	"fleet-cd/internal/transport"
	"fleet-cd/internal/types"
)

// HostDiag is one non-success host with its captured output.
type HostDiag struct {
	Host   string
	State  types.JobState
	Output types.HostOutput
}

// Monitor polls job status at a fixed interval with a bounded budget.
type Monitor struct {
	Transport   transport.Transport
	Clock       poll.Clock
	Interval    time.Duration // defaults to 10s
	MaxAttempts int           // defaults to 100 (~16m40s)
}

// Wait blocks until the job reaches a terminal state or the poll budget
// runs out. Budget exhaustion returns a PollTimeoutError and a status
// marked TimedOut; callers treat that as failure. Diagnostics are returned
// for every non-success host on any non-success outcome.
func (m *Monitor) Wait(ctx context.Context, id string) (types.JobStatus, []HostDiag, error) {
	interval := m.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	attempts := m.MaxAttempts
	if attempts <= 0 {
		attempts = 100
	}
	clock := m.Clock
	if clock == nil {
		clock = poll.RealClock{}
	}

	var last types.JobStatus
	pollErr := poll.Until(ctx, clock, interval, attempts, func(ctx context.Context) (bool, error) {
		status, err := m.Transport.Status(ctx, id)
		if err != nil {
			// a flaky status poll consumes an attempt instead of failing
			// the job; the job itself keeps running remotely either way
			logrus.Warnf("status poll %s: %v", id, err)
			return false, nil
		}
		last = status
		logrus.Infof("⏳ job %s: %s (%s)", id, status.State, summarize(status))
		return status.State.Terminal(), nil
	})

	if pollErr != nil {
		if errors.Is(pollErr, poll.ErrBudgetExhausted) {
			last.State = types.StateTimedOut
			diags := m.collectDiagnostics(ctx, id, last)
			return last, diags, types.E(types.KindPollTimeout,
				"job %s not terminal after %d polls", id, attempts)
		}
		return last, nil, pollErr
	}

	if last.State == types.StateSuccess {
		return last, nil, nil
	}

	diags := m.collectDiagnostics(ctx, id, last)
	m.report(id, last, diags)
	return last, diags, nil
}

// collectDiagnostics fetches captured output for every host that did not
// succeed. Fetch failures degrade to an empty output; no error here may
// mask the deployment failure being diagnosed.
func (m *Monitor) collectDiagnostics(ctx context.Context, id string, status types.JobStatus) []HostDiag {
	var diags []HostDiag
	for _, h := range status.Hosts {
		if h.State == types.StateSuccess {
			continue
		}
		out, err := m.Transport.Output(ctx, id, h.Host)
		if err != nil {
			logrus.Warnf("fetch output for %s: %v", h.Host, err)
			out = types.HostOutput{Host: h.Host}
		}
		diags = append(diags, HostDiag{Host: h.Host, State: h.State, Output: out})
	}
	return diags
}

func (m *Monitor) report(id string, status types.JobStatus, diags []HostDiag) {
	red := color.New(color.FgRed).SprintFunc()
	logrus.Errorf("%s job %s finished %s", red("❌"), id, status.State)
	for _, d := range diags {
		logrus.Errorf("--- host %s (%s) ---", d.Host, d.State)
		if d.Output.Stdout != "" {
			logrus.Errorf("stdout:\n%s", d.Output.Stdout)
		}
		if d.Output.Stderr != "" {
			logrus.Errorf("stderr:\n%s", d.Output.Stderr)
		}
	}
}

func summarize(status types.JobStatus) string {
	counts := map[types.JobState]int{}
	for _, h := range status.Hosts {
		counts[h.State]++
	}
	out := ""
	for _, s := range []types.JobState{types.StateSuccess, types.StateInProgress, types.StatePending, types.StateFailed, types.StateCancelled, types.StateTimedOut} {
		if counts[s] == 0 {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += string(s) + "=" + strconv.Itoa(counts[s])
	}
	return out
}
