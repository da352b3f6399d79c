package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleet-cd/internal/types"
)

// instrumentedRunner records step-entry overlap so tests can assert the
// rolling concurrency bound.
type instrumentedRunner struct {
	mu         sync.Mutex
	inFlight   int
	maxOverlap int
	ran        []string
	failHosts  map[string]error
	delay      time.Duration
}

func (r *instrumentedRunner) Run(ctx context.Context, host string, spec types.ProcedureSpec) (string, error) {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxOverlap {
		r.maxOverlap = r.inFlight
	}
	r.ran = append(r.ran, host)
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()

	if err := r.failHosts[host]; err != nil {
		return "step output for " + host, err
	}
	return "deployed " + host, nil
}

func waitTerminal(t *testing.T, l *Local, id string) types.JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := l.Status(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if status.State.Terminal() {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return types.JobStatus{}
}

func TestLocalRollingBoundOne(t *testing.T) {
	runner := &instrumentedRunner{delay: 20 * time.Millisecond}
	l := NewLocal(runner)

	id, err := l.Dispatch(context.Background(), types.DispatchRequest{
		Hosts:          []string{"h1", "h2", "h3"},
		MaxConcurrency: 1,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	status := waitTerminal(t, l, id)
	if status.State != types.StateSuccess {
		t.Fatalf("state = %s", status.State)
	}
	if runner.maxOverlap != 1 {
		t.Fatalf("observed %d hosts mid-procedure simultaneously, want 1", runner.maxOverlap)
	}
	if len(runner.ran) != 3 {
		t.Fatalf("ran = %v", runner.ran)
	}
}

func TestLocalConcurrencyAboveOneOverlaps(t *testing.T) {
	runner := &instrumentedRunner{delay: 30 * time.Millisecond}
	l := NewLocal(runner)

	id, err := l.Dispatch(context.Background(), types.DispatchRequest{
		Hosts:          []string{"h1", "h2", "h3", "h4"},
		MaxConcurrency: 2,
	})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, l, id)
	if runner.maxOverlap > 2 {
		t.Fatalf("overlap %d exceeded bound 2", runner.maxOverlap)
	}
}

func TestLocalFirstFailureHaltsDispatch(t *testing.T) {
	runner := &instrumentedRunner{failHosts: map[string]error{"h1": errors.New("health gate failed")}}
	l := NewLocal(runner)

	id, err := l.Dispatch(context.Background(), types.DispatchRequest{
		Hosts:          []string{"h1", "h2", "h3"},
		MaxConcurrency: 1,
		MaxErrors:      0,
	})
	if err != nil {
		t.Fatal(err)
	}

	status := waitTerminal(t, l, id)
	if status.State != types.StateFailed {
		t.Fatalf("state = %s", status.State)
	}

	states := map[string]types.JobState{}
	for _, h := range status.Hosts {
		states[h.Host] = h.State
	}
	if states["h1"] != types.StateFailed {
		t.Fatalf("h1 = %s", states["h1"])
	}
	if states["h2"] != types.StateCancelled || states["h3"] != types.StateCancelled {
		t.Fatalf("failure did not halt dispatch: h2=%s h3=%s", states["h2"], states["h3"])
	}
	if len(runner.ran) != 1 {
		t.Fatalf("ran = %v, want only h1", runner.ran)
	}
}

func TestLocalMaxErrorsToleratesFailures(t *testing.T) {
	runner := &instrumentedRunner{failHosts: map[string]error{"h1": errors.New("boom")}}
	l := NewLocal(runner)

	id, err := l.Dispatch(context.Background(), types.DispatchRequest{
		Hosts:          []string{"h1", "h2"},
		MaxConcurrency: 1,
		MaxErrors:      1,
	})
	if err != nil {
		t.Fatal(err)
	}
	status := waitTerminal(t, l, id)
	if status.State != types.StateFailed {
		t.Fatalf("state = %s", status.State)
	}
	if len(runner.ran) != 2 {
		t.Fatalf("ran = %v, want both hosts", runner.ran)
	}
}

func TestLocalOutputRetrieval(t *testing.T) {
	runner := &instrumentedRunner{failHosts: map[string]error{"h1": errors.New("checksum mismatch")}}
	l := NewLocal(runner)

	id, err := l.Dispatch(context.Background(), types.DispatchRequest{Hosts: []string{"h1"}, MaxConcurrency: 1})
	if err != nil {
		t.Fatal(err)
	}
	waitTerminal(t, l, id)

	out, err := l.Output(context.Background(), id, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Stdout != "step output for h1" {
		t.Fatalf("stdout = %q", out.Stdout)
	}
	if out.Stderr != "checksum mismatch" {
		t.Fatalf("stderr = %q", out.Stderr)
	}

	if _, err := l.Output(context.Background(), id, "nope"); err == nil {
		t.Fatal("expected error for unknown host")
	}
	if _, err := l.Status(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown dispatch id")
	}
}

func TestLocalCancelStopsPendingHosts(t *testing.T) {
	runner := &instrumentedRunner{delay: 50 * time.Millisecond}
	l := NewLocal(runner)

	id, err := l.Dispatch(context.Background(), types.DispatchRequest{
		Hosts:          []string{"h1", "h2", "h3"},
		MaxConcurrency: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Cancel(context.Background(), id); err != nil {
		t.Fatal(err)
	}

	status := waitTerminal(t, l, id)
	if len(runner.ran) == 3 {
		t.Skip("cancel raced dispatch to completion")
	}
	if status.State != types.StateCancelled {
		t.Fatalf("state = %s, want cancelled", status.State)
	}
}

func TestLocalDispatchValidation(t *testing.T) {
	l := NewLocal(&instrumentedRunner{})
	if _, err := l.Dispatch(context.Background(), types.DispatchRequest{}); err == nil {
		t.Fatal("expected error for empty host list")
	}
}
