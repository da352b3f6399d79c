// Package hostrun executes the per-host deployment procedure as an ordered
// sequence of typed steps: verify, extract, activate, load config, start
// process, health gate. The pipeline halts at the first failing step, so a
// host that fails step N never runs step N+1 and stays on its last known
// good release.
package hostrun

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-cd/internal/artifact"
	"fleet-cd/internal/health"
	"fleet-cd/internal/params"
	"fleet-cd/internal/poll"
	"fleet-cd/internal/release"
	"fleet-cd/internal/supervisor"
	"fleet-cd/internal/types"
)

// Runner holds the collaborators the procedure steps need.
type Runner struct {
	Verifier   *artifact.Verifier
	Releases   *release.Store
	Params     *params.Loader
	Supervisor supervisor.Supervisor

	// health gate tuning; zero values take the gate defaults
	HealthHost     string
	HealthPath     string
	HealthInterval time.Duration
	HealthAttempts int
	HealthClient   *http.Client
	Clock          poll.Clock
}

// state threads the intermediate artifacts between steps; it replaces the
// exported-variable plumbing a shell rendition of this procedure would use.
type state struct {
	spec       types.ProcedureSpec
	bundlePath string
	envFile    string
}

type step struct {
	name string
	run  func(ctx context.Context, st *state) error
}

// Run executes the full procedure for one host and returns the captured
// step-by-step output. The materialized config file is removed on every
// exit path.
func (r *Runner) Run(ctx context.Context, host string, spec types.ProcedureSpec) (string, error) {
	log := logrus.WithFields(logrus.Fields{"host": host, "release": spec.ReleaseID})
	var out bytes.Buffer
	st := &state{spec: spec}

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	steps := []step{
		{"verify-artifact", func(ctx context.Context, st *state) error {
			workDir, err := os.MkdirTemp("", "fleetcd-bundle-*")
			if err != nil {
				return types.Wrap(types.KindFetch, err)
			}
			cleanups = append(cleanups, func() { _ = os.RemoveAll(workDir) })
			path, err := r.Verifier.FetchVerified(ctx, spec.Namespace, spec.Service, spec.ReleaseID, workDir)
			if err != nil {
				return err
			}
			st.bundlePath = path
			return nil
		}},
		{"extract-release", func(ctx context.Context, st *state) error {
			return r.Releases.Extract(st.bundlePath, spec.ReleaseID)
		}},
		{"activate-release", func(ctx context.Context, st *state) error {
			if err := r.Releases.Activate(spec.ReleaseID); err != nil {
				return err
			}
			// retention is housekeeping; a prune failure must not fail a
			// deployment that already activated
			if err := r.Releases.Prune(); err != nil {
				log.Warnf("prune after activation: %v", err)
				fmt.Fprintf(&out, "[activate-release] prune warning: %v\n", err)
			}
			return nil
		}},
		{"load-config", func(ctx context.Context, st *state) error {
			scope := params.Scope{Environment: spec.Environment, Project: spec.Project, Service: spec.Service}
			set, err := r.Params.Resolve(ctx, scope, spec.ConfigRequired)
			if err != nil {
				return err
			}
			envFile, cleanup, err := set.Materialize("")
			if err != nil {
				return types.Wrap(types.KindConfigMissing, err)
			}
			cleanups = append(cleanups, cleanup)
			st.envFile = envFile
			return nil
		}},
		{"start-process", func(ctx context.Context, st *state) error {
			strategy, err := supervisor.ParseStrategy(spec.Strategy)
			if err != nil {
				return types.Wrap(types.KindProcessStart, err)
			}
			return supervisor.Apply(ctx, r.Supervisor, strategy, supervisor.ProcessSpec{
				Name:    spec.Service,
				Dir:     r.Releases.CurrentLink(),
				Script:  spec.Script,
				EnvFile: st.envFile,
			})
		}},
		{"health-gate", func(ctx context.Context, st *state) error {
			gate := &health.Gate{
				Host:        r.HealthHost,
				Port:        spec.Port,
				Path:        r.HealthPath,
				Interval:    r.HealthInterval,
				MaxAttempts: r.HealthAttempts,
				Clock:       r.Clock,
				Client:      r.HealthClient,
			}
			res, err := gate.Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(&out, "[health-gate] status=%d latency=%v\n", res.StatusCode, res.Latency)
			return nil
		}},
	}

	for _, s := range steps {
		log.Infof("▶ %s", s.name)
		fmt.Fprintf(&out, "[%s] start\n", s.name)
		if err := s.run(ctx, st); err != nil {
			log.Errorf("❌ %s: %v", s.name, err)
			fmt.Fprintf(&out, "[%s] error: %v\n", s.name, err)
			return out.String(), err
		}
		fmt.Fprintf(&out, "[%s] ok\n", s.name)
	}

	log.Infof("✅ procedure complete")
	return out.String(), nil
}
