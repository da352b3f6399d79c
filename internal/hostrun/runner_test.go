package hostrun

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"fleet-cd/internal/artifact"
	"fleet-cd/internal/params"
	"fleet-cd/internal/poll"
	"fleet-cd/internal/release"
	"fleet-cd/internal/supervisor"
	"fleet-cd/internal/types"
)

type memBlob struct {
	objects map[string][]byte
}

func (m *memBlob) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, artifact.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memBlob) put(key string, data []byte) {
	sum := sha256.Sum256(data)
	m.objects[key] = data
	m.objects[key+".sha256"] = []byte(hex.EncodeToString(sum[:]))
}

func bundleBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(body))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	_ = tw.Close()
	_ = gz.Close()
	return buf.Bytes()
}

type memParams struct {
	entries []params.Entry
}

func (m *memParams) List(ctx context.Context, scope params.Scope) ([]params.Entry, error) {
	return m.entries, nil
}

type recordingSupervisor struct {
	started int32
	envFile string
	dir     string
}

func (s *recordingSupervisor) StartOrReload(ctx context.Context, spec supervisor.ProcessSpec) error {
	atomic.AddInt32(&s.started, 1)
	s.envFile = spec.EnvFile
	s.dir = spec.Dir
	return nil
}

func (s *recordingSupervisor) DeleteThenStart(ctx context.Context, spec supervisor.ProcessSpec) error {
	return s.StartOrReload(ctx, spec)
}

func (s *recordingSupervisor) Save(ctx context.Context) error { return nil }

func (s *recordingSupervisor) Describe(ctx context.Context, name string) (string, error) {
	return "", nil
}

func healthServer(t *testing.T, okAfter int32) (int, *int32) {
	t.Helper()
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < okAfter {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)
	return ts.Listener.Addr().(*net.TCPAddr).Port, &hits
}

func testRunner(t *testing.T, blob *memBlob, sup supervisor.Supervisor) (*Runner, *release.Store) {
	t.Helper()
	store := &release.Store{Root: t.TempDir(), Retain: 3}
	return &Runner{
		Verifier:       &artifact.Verifier{Store: blob},
		Releases:       store,
		Params:         &params.Loader{Store: &memParams{entries: []params.Entry{{Name: "PORT", Value: "3000"}}}},
		Supervisor:     sup,
		HealthInterval: time.Second,
		HealthAttempts: 5,
		HealthClient:   &http.Client{Timeout: time.Second},
		Clock:          poll.NewFakeClock(time.Now()),
	}, store
}

func specFor(releaseID string, port int) types.ProcedureSpec {
	return types.ProcedureSpec{
		ReleaseID:   releaseID,
		Namespace:   "apps",
		Environment: "prod",
		Project:     "shop",
		Service:     "backend-api",
		Script:      "app.js",
		Port:        port,
	}
}

func TestRunHappyPath(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	blob.put(artifact.BundleKey("apps", "backend-api", "20260124-120000"),
		bundleBytes(t, map[string]string{"app.js": "serve()"}))
	sup := &recordingSupervisor{}
	r, store := testRunner(t, blob, sup)
	port, hits := healthServer(t, 3) // healthy on the third poll

	out, err := r.Run(context.Background(), "10.0.0.1", specFor("20260124-120000", port))
	if err != nil {
		t.Fatalf("run: %v\noutput:\n%s", err, out)
	}

	active, _ := store.Active()
	if active != "20260124-120000" {
		t.Fatalf("active = %q", active)
	}
	if atomic.LoadInt32(&sup.started) != 1 {
		t.Fatalf("supervisor starts = %d", sup.started)
	}
	if sup.dir != store.CurrentLink() {
		t.Fatalf("process dir = %q, want active pointer", sup.dir)
	}
	if atomic.LoadInt32(hits) < 3 {
		t.Fatalf("health polls = %d, want >= 3", *hits)
	}
	for _, step := range []string{"verify-artifact", "extract-release", "activate-release", "load-config", "start-process", "health-gate"} {
		if !strings.Contains(out, "["+step+"] ok") {
			t.Fatalf("output missing step %s:\n%s", step, out)
		}
	}
}

func TestRunIntegrityFailureHaltsBeforeExtraction(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	blob.put(artifact.BundleKey("apps", "backend-api", "r2"), bundleBytes(t, map[string]string{"app.js": "v2"}))
	// corrupt the bundle after the checksum was published
	blob.objects[artifact.BundleKey("apps", "backend-api", "r2")] = []byte("tampered")

	sup := &recordingSupervisor{}
	r, store := testRunner(t, blob, sup)

	// a previous release is live
	prev := &memBlob{objects: map[string][]byte{}}
	prev.put(artifact.BundleKey("apps", "backend-api", "r1"), bundleBytes(t, map[string]string{"app.js": "v1"}))
	r1 := &Runner{Verifier: &artifact.Verifier{Store: prev}, Releases: store, Params: r.Params, Supervisor: sup,
		HealthInterval: time.Second, HealthAttempts: 1, HealthClient: r.HealthClient, Clock: r.Clock}
	port, _ := healthServer(t, 1)
	if _, err := r1.Run(context.Background(), "10.0.0.1", specFor("r1", port)); err != nil {
		t.Fatalf("seed release: %v", err)
	}

	_, err := r.Run(context.Background(), "10.0.0.1", specFor("r2", port))
	if !types.IsKind(err, types.KindIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if active, _ := store.Active(); active != "r1" {
		t.Fatalf("active pointer moved on integrity failure: %q", active)
	}
}

func TestRunConfigRequiredMissing(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	blob.put(artifact.BundleKey("apps", "backend-api", "r1"), bundleBytes(t, map[string]string{"app.js": "v1"}))
	sup := &recordingSupervisor{}
	r, _ := testRunner(t, blob, sup)
	r.Params = &params.Loader{Store: &memParams{}} // empty store

	spec := specFor("r1", 0)
	spec.ConfigRequired = true
	_, err := r.Run(context.Background(), "10.0.0.1", spec)
	if !types.IsKind(err, types.KindConfigMissing) {
		t.Fatalf("expected config missing, got %v", err)
	}
	if atomic.LoadInt32(&sup.started) != 0 {
		t.Fatal("process started despite missing required config")
	}
}

func TestRunHealthFailureLeavesNewReleaseActive(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	blob.put(artifact.BundleKey("apps", "backend-api", "r1"), bundleBytes(t, map[string]string{"app.js": "v1"}))
	sup := &recordingSupervisor{}
	r, store := testRunner(t, blob, sup)
	r.HealthAttempts = 2
	port, _ := healthServer(t, 100) // never healthy within budget

	out, err := r.Run(context.Background(), "10.0.0.1", specFor("r1", port))
	if !types.IsKind(err, types.KindHealthTimeout) {
		t.Fatalf("expected health timeout, got %v", err)
	}
	// activated-but-unhealthy: the pointer did move, the outcome is failure
	if active, _ := store.Active(); active != "r1" {
		t.Fatalf("active = %q, want r1", active)
	}
	if atomic.LoadInt32(&sup.started) != 1 {
		t.Fatal("process was not started before the health gate")
	}
	if !strings.Contains(out, "[health-gate] error") {
		t.Fatalf("output missing health failure:\n%s", out)
	}
}

func TestRunCleansUpEnvFile(t *testing.T) {
	blob := &memBlob{objects: map[string][]byte{}}
	blob.put(artifact.BundleKey("apps", "backend-api", "r1"), bundleBytes(t, map[string]string{"app.js": "v1"}))
	sup := &recordingSupervisor{}
	r, _ := testRunner(t, blob, sup)
	port, _ := healthServer(t, 1)

	if _, err := r.Run(context.Background(), "10.0.0.1", specFor("r1", port)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sup.envFile == "" {
		t.Fatal("supervisor never saw an env file")
	}
	if _, err := os.Stat(sup.envFile); !os.IsNotExist(err) {
		t.Fatalf("env file %s survived the run", sup.envFile)
	}
}
