package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleet-cd/internal/poll"
	"fleet-cd/internal/types"
)

// scriptedTransport returns a fixed sequence of statuses, then repeats the
// last one.
type scriptedTransport struct {
	statuses []types.JobStatus
	errFirst int // number of leading Status calls that error
	calls    int
	outputs  map[string]types.HostOutput
	fetched  []string
}

func (s *scriptedTransport) Dispatch(ctx context.Context, req types.DispatchRequest) (string, error) {
	return "d-1", nil
}

func (s *scriptedTransport) Status(ctx context.Context, id string) (types.JobStatus, error) {
	s.calls++
	if s.calls <= s.errFirst {
		return types.JobStatus{}, errors.New("transport hiccup")
	}
	idx := s.calls - s.errFirst - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	return s.statuses[idx], nil
}

func (s *scriptedTransport) Output(ctx context.Context, id, host string) (types.HostOutput, error) {
	s.fetched = append(s.fetched, host)
	out, ok := s.outputs[host]
	if !ok {
		return types.HostOutput{}, errors.New("no output")
	}
	return out, nil
}

func (s *scriptedTransport) Cancel(ctx context.Context, id string) error { return nil }

func newMonitor(tr *scriptedTransport, attempts int) *Monitor {
	return &Monitor{
		Transport:   tr,
		Clock:       poll.NewFakeClock(time.Now()),
		Interval:    10 * time.Second,
		MaxAttempts: attempts,
	}
}

func hosts(states ...types.JobState) []types.HostStatus {
	var hs []types.HostStatus
	for i, st := range states {
		hs = append(hs, types.HostStatus{Host: "h" + string(rune('1'+i)), State: st})
	}
	return hs
}

func TestWaitSuccess(t *testing.T) {
	tr := &scriptedTransport{statuses: []types.JobStatus{
		{ID: "d-1", State: types.StateInProgress, Hosts: hosts(types.StateInProgress)},
		{ID: "d-1", State: types.StateSuccess, Hosts: hosts(types.StateSuccess)},
	}}
	m := newMonitor(tr, 10)

	status, diags, err := m.Wait(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.State != types.StateSuccess {
		t.Fatalf("state = %s", status.State)
	}
	if len(diags) != 0 {
		t.Fatalf("diags on success: %+v", diags)
	}
	if len(tr.fetched) != 0 {
		t.Fatal("output fetched for a successful job")
	}
}

func TestWaitFailureCollectsDiagnosticsPerHost(t *testing.T) {
	tr := &scriptedTransport{
		statuses: []types.JobStatus{
			{ID: "d-1", State: types.StateFailed, Hosts: hosts(types.StateSuccess, types.StateFailed, types.StateCancelled)},
		},
		outputs: map[string]types.HostOutput{
			"h2": {Host: "h2", Stdout: "[health-gate] error", Stderr: "health_timeout"},
		},
	}
	m := newMonitor(tr, 10)

	status, diags, err := m.Wait(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.State != types.StateFailed {
		t.Fatalf("state = %s", status.State)
	}
	if len(diags) != 2 {
		t.Fatalf("diags = %+v", diags)
	}
	if diags[0].Host != "h2" || diags[0].Output.Stderr != "health_timeout" {
		t.Fatalf("h2 diag = %+v", diags[0])
	}
	// h3 output fetch errors; diagnostics still include the host
	if diags[1].Host != "h3" || diags[1].State != types.StateCancelled {
		t.Fatalf("h3 diag = %+v", diags[1])
	}
}

func TestWaitPollBudgetExhausted(t *testing.T) {
	tr := &scriptedTransport{
		statuses: []types.JobStatus{
			{ID: "d-1", State: types.StateInProgress, Hosts: hosts(types.StateInProgress)},
		},
		outputs: map[string]types.HostOutput{},
	}
	m := newMonitor(tr, 3)

	status, _, err := m.Wait(context.Background(), "d-1")
	if !types.IsKind(err, types.KindPollTimeout) {
		t.Fatalf("expected poll timeout, got %v", err)
	}
	if status.State != types.StateTimedOut {
		t.Fatalf("state = %s", status.State)
	}
	if tr.calls != 3 {
		t.Fatalf("status calls = %d", tr.calls)
	}
}

func TestWaitToleratesTransientStatusErrors(t *testing.T) {
	tr := &scriptedTransport{
		errFirst: 2,
		statuses: []types.JobStatus{
			{ID: "d-1", State: types.StateSuccess, Hosts: hosts(types.StateSuccess)},
		},
	}
	m := newMonitor(tr, 10)

	status, _, err := m.Wait(context.Background(), "d-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.State != types.StateSuccess {
		t.Fatalf("state = %s", status.State)
	}
	if tr.calls != 3 {
		t.Fatalf("status calls = %d", tr.calls)
	}
}
