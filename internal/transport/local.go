package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/types"
)

type hostResult struct {
	state  types.JobState
	stdout string
	stderr string
}

type localJob struct {
	mu        sync.Mutex
	id        string
	state     types.JobState
	order     []string
	hosts     map[string]*hostResult
	cancelled bool
}

// Local runs dispatched procedures in-process with a bounded worker pool.
// It is the transport for single-box deployments and the reference
// implementation the tests exercise; the rolling-concurrency and max-error
// semantics here are the contract every transport must honor.
type Local struct {
	Runner ProcedureRunner

	mu   sync.Mutex
	jobs map[string]*localJob
}

func NewLocal(runner ProcedureRunner) *Local {
	return &Local{Runner: runner, jobs: make(map[string]*localJob)}
}

func (l *Local) Dispatch(ctx context.Context, req types.DispatchRequest) (string, error) {
	if len(req.Hosts) == 0 {
		return "", fmt.Errorf("dispatch with no hosts")
	}
	maxConc := req.MaxConcurrency
	if maxConc <= 0 {
		maxConc = 1
	}

	job := &localJob{
		id:    uuid.NewString(),
		state: types.StatePending,
		order: append([]string(nil), req.Hosts...),
		hosts: make(map[string]*hostResult, len(req.Hosts)),
	}
	for _, h := range req.Hosts {
		job.hosts[h] = &hostResult{state: types.StatePending}
	}

	l.mu.Lock()
	l.jobs[job.id] = job
	l.mu.Unlock()

	logrus.Infof("🚀 dispatch %s: %d hosts, concurrency %d, max errors %d",
		job.id, len(req.Hosts), maxConc, req.MaxErrors)

	// execution is deliberately detached from the caller's context: an
	// abandoned job runs to completion, matching remote-transport semantics
	go l.execute(job, req, maxConc)

	return job.id, nil
}

func (l *Local) execute(job *localJob, req types.DispatchRequest, maxConc int) {
	job.mu.Lock()
	job.state = types.StateInProgress
	job.mu.Unlock()

	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup
	var errCount int32

	for _, host := range job.order {
		sem <- struct{}{}

		// the bound is checked after a slot frees up, so with concurrency 1
		// and max errors 0 the first failure halts all further hosts
		if job.isCancelled() || atomic.LoadInt32(&errCount) > int32(req.MaxErrors) {
			<-sem
			job.setHostState(host, types.StateCancelled, "", "not dispatched: error budget exceeded or job cancelled")
			continue
		}

		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			defer func() { <-sem }()

			job.setHostState(host, types.StateInProgress, "", "")
			out, err := l.Runner.Run(context.Background(), host, req.Spec)
			if err != nil {
				atomic.AddInt32(&errCount, 1)
				job.setHostState(host, types.StateFailed, out, err.Error())
				logrus.Errorf("❌ host %s failed: %v", host, err)
				return
			}
			job.setHostState(host, types.StateSuccess, out, "")
			logrus.Infof("✅ host %s complete", host)
		}(host)
	}

	wg.Wait()
	job.finalize()
}

func (j *localJob) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *localJob) setHostState(host string, state types.JobState, stdout, stderr string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.hosts[host]
	r.state = state
	if stdout != "" {
		r.stdout = stdout
	}
	if stderr != "" {
		r.stderr = stderr
	}
}

func (j *localJob) finalize() {
	j.mu.Lock()
	defer j.mu.Unlock()

	var anyFailed, anySkipped bool
	for _, r := range j.hosts {
		switch r.state {
		case types.StateFailed, types.StateTimedOut:
			anyFailed = true
		case types.StateCancelled:
			anySkipped = true
		}
	}
	switch {
	case anyFailed:
		j.state = types.StateFailed
	case anySkipped:
		// no host failed but some never ran: only an explicit cancel does that
		j.state = types.StateCancelled
	default:
		j.state = types.StateSuccess
	}
}

func (l *Local) lookup(id string) (*localJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, fmt.Errorf("unknown dispatch id %s", id)
	}
	return job, nil
}

func (l *Local) Status(ctx context.Context, id string) (types.JobStatus, error) {
	job, err := l.lookup(id)
	if err != nil {
		return types.JobStatus{}, err
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	status := types.JobStatus{ID: job.id, State: job.state}
	for _, host := range job.order {
		status.Hosts = append(status.Hosts, types.HostStatus{Host: host, State: job.hosts[host].state})
	}
	return status, nil
}

func (l *Local) Output(ctx context.Context, id, host string) (types.HostOutput, error) {
	job, err := l.lookup(id)
	if err != nil {
		return types.HostOutput{}, err
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	r, ok := job.hosts[host]
	if !ok {
		return types.HostOutput{}, fmt.Errorf("dispatch %s has no host %s", id, host)
	}
	return types.HostOutput{Host: host, Stdout: r.stdout, Stderr: r.stderr}, nil
}

func (l *Local) Cancel(ctx context.Context, id string) error {
	job, err := l.lookup(id)
	if err != nil {
		return err
	}
	job.mu.Lock()
	job.cancelled = true
	job.mu.Unlock()
	logrus.Warnf("dispatch %s cancelled; in-flight hosts run to completion", id)
	return nil
}
