package fleet

import (
	"context"
	"testing"

	"fleet-cd/internal/params"
	"fleet-cd/internal/types"
)

type countingParams struct {
	entries []params.Entry
	calls   int
}

func (c *countingParams) List(ctx context.Context, scope params.Scope) ([]params.Entry, error) {
	c.calls++
	return c.entries, nil
}

type fakeTransport struct {
	dispatches []types.DispatchRequest
}

func (f *fakeTransport) Dispatch(ctx context.Context, req types.DispatchRequest) (string, error) {
	f.dispatches = append(f.dispatches, req)
	return "d-1", nil
}

func (f *fakeTransport) Status(ctx context.Context, id string) (types.JobStatus, error) {
	return types.JobStatus{ID: id, State: types.StateInProgress}, nil
}

func (f *fakeTransport) Output(ctx context.Context, id, host string) (types.HostOutput, error) {
	return types.HostOutput{Host: host}, nil
}

func (f *fakeTransport) Cancel(ctx context.Context, id string) error { return nil }

func prodInventory() *StaticInventory {
	return &StaticInventory{Targets: []Target{
		{Host: "10.0.0.1", Tags: map[string]string{"env": "prod", "service": "backend-api", "managed-by": "fleet-cd"}},
		{Host: "10.0.0.2", Tags: map[string]string{"env": "prod", "service": "backend-api", "managed-by": "fleet-cd"}},
	}}
}

func request() types.DeployRequest {
	return types.DeployRequest{
		ReleaseID:   "20260124-120000",
		Environment: "prod",
		Project:     "shop",
		Service:     "backend-api",
		Namespace:   "apps",
		Port:        3000,
	}
}

func TestDispatchHappyPath(t *testing.T) {
	tr := &fakeTransport{}
	d := &Dispatcher{
		Inventory: prodInventory(),
		Params:    &params.Loader{Store: &countingParams{entries: []params.Entry{{Name: "PORT", Value: "3000"}}}},
		Transport: tr,
	}

	id, targets, err := d.Dispatch(context.Background(), request())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if id != "d-1" || len(targets) != 2 {
		t.Fatalf("id=%q targets=%d", id, len(targets))
	}

	req := tr.dispatches[0]
	if req.MaxConcurrency != 1 {
		t.Fatalf("default concurrency = %d, want 1", req.MaxConcurrency)
	}
	if req.MaxErrors != 0 {
		t.Fatalf("default max errors = %d, want 0", req.MaxErrors)
	}
	if req.Spec.ReleaseID != "20260124-120000" || req.Spec.Script != "app.js" {
		t.Fatalf("spec = %+v", req.Spec)
	}
}

func TestDispatchConfigMissingPreflight(t *testing.T) {
	store := &countingParams{} // empty: no runtime configuration at all
	tr := &fakeTransport{}
	d := &Dispatcher{
		Inventory: prodInventory(),
		Params:    &params.Loader{Store: store},
		Transport: tr,
	}

	req := request()
	req.ConfigRequired = true
	_, _, err := d.Dispatch(context.Background(), req)
	if !types.IsKind(err, types.KindConfigMissing) {
		t.Fatalf("expected config missing, got %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("param store calls = %d", store.calls)
	}
	if len(tr.dispatches) != 0 {
		t.Fatal("dispatched despite failed preflight")
	}
}

func TestDispatchConfigOptionalSkipsPreflight(t *testing.T) {
	store := &countingParams{}
	d := &Dispatcher{
		Inventory: prodInventory(),
		Params:    &params.Loader{Store: store},
		Transport: &fakeTransport{},
	}

	if _, _, err := d.Dispatch(context.Background(), request()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if store.calls != 0 {
		t.Fatalf("optional config still queried in preflight: %d calls", store.calls)
	}
}

func TestDispatchNoTargets(t *testing.T) {
	tr := &fakeTransport{}
	d := &Dispatcher{
		Inventory: &StaticInventory{},
		Params:    &params.Loader{Store: &countingParams{}},
		Transport: tr,
	}

	_, _, err := d.Dispatch(context.Background(), request())
	if !types.IsKind(err, types.KindNoTargets) {
		t.Fatalf("expected no targets error, got %v", err)
	}
	if len(tr.dispatches) != 0 {
		t.Fatal("dispatched with no targets")
	}
}

func TestDispatchInvalidSelector(t *testing.T) {
	d := &Dispatcher{
		Inventory: prodInventory(),
		Params:    &params.Loader{Store: &countingParams{}},
		Transport: &fakeTransport{},
	}
	req := request()
	req.Environment = ""
	if _, _, err := d.Dispatch(context.Background(), req); !types.IsKind(err, types.KindDispatch) {
		t.Fatalf("expected dispatch error, got %v", err)
	}
}
