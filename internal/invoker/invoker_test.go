package invoker

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"runit/internal/domain"
	"runit/internal/eventbus"
	"runit/internal/observability/metrics"
	"runit/internal/runtime/dispatcher"
	"runit/internal/storage"
	"runit/internal/task/engine"
	logx "runit/pkg/logx"
)

type fakeRunner struct {
	mu   sync.Mutex
	reqs []dispatcher.Request
}

func (f *fakeRunner) Start(_ context.Context, req dispatcher.Request) dispatcher.Result {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if req.ProjectID == "missing" {
		return dispatcher.Result{ProjectID: req.ProjectID, Function: req.Function, Outcome: dispatcher.OutcomeNotFound, Output: "404"}
	}
	return dispatcher.Result{ProjectID: req.ProjectID, Function: req.Function, Outcome: dispatcher.OutcomeOK, Output: req.Env["TOKEN"]}
}

func (f *fakeRunner) Functions(_ context.Context, projectID string, env map[string]string) ([]string, error) {
	if projectID == "missing" {
		return nil, dispatcher.ErrProjectNotFound
	}
	return []string{"index", env["TOKEN"]}, nil
}

type brokenSecrets struct{}

func (brokenSecrets) PutSecret(context.Context, *domain.Secret) error { return nil }
func (brokenSecrets) GetSecret(context.Context, string) (*domain.Secret, error) {
	return nil, errors.New("disk on fire")
}

func newInvoker(t *testing.T, secrets storage.SecretStore) (*Invoker, *fakeRunner, *metrics.Metrics) {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2}, logx.Nop(), eventbus.New())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	r := &fakeRunner{}
	m := metrics.New()
	return New(r, secrets, eng, m, logx.Nop()), r, m
}

func TestInvokeOverlaysSecrets(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.PutSecret(ctx, &domain.Secret{ProjectID: "p1", Variables: map[string]string{"TOKEN": "s3cret"}}); err != nil {
		t.Fatal(err)
	}
	inv, r, m := newInvoker(t, store)

	res, err := inv.Invoke(ctx, "p1", "index", []string{"a"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Output != "s3cret" || !res.OK() {
		t.Fatalf("result = %+v", res)
	}
	if got := r.reqs[0].Args; !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("args = %v", got)
	}

	// no secret record is not an error
	res, err = inv.Invoke(ctx, "p2", "", nil)
	if err != nil || res.Output != "" {
		t.Fatalf("p2 = %+v, %v", res, err)
	}

	want := `
# HELP runit_invocations_total Function invocations by source and outcome
# TYPE runit_invocations_total counter
runit_invocations_total{outcome="ok",source="adhoc"} 2
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "runit_invocations_total"); err != nil {
		t.Fatalf("metrics: %v", err)
	}
}

func TestInvokeReportsOutcomeNotError(t *testing.T) {
	inv, _, _ := newInvoker(t, storage.NewMemory())
	res, err := inv.Invoke(context.Background(), "missing", "index", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Outcome != dispatcher.OutcomeNotFound {
		t.Fatalf("outcome = %s, want not_found", res.Outcome)
	}
}

func TestInvokeSecretFailure(t *testing.T) {
	inv, r, _ := newInvoker(t, brokenSecrets{})
	if _, err := inv.Invoke(context.Background(), "p1", "index", nil); err == nil {
		t.Fatalf("expected secret lookup error")
	}
	if len(r.reqs) != 0 {
		t.Fatalf("runner called %d times, want 0", len(r.reqs))
	}
}

func TestInvokeStoppedEngine(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), eventbus.New())
	inv := New(&fakeRunner{}, storage.NewMemory(), eng, nil, logx.Nop())
	eng.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	eng.Stop(ctx)

	_, err := inv.Invoke(context.Background(), "p1", "index", nil)
	if !errors.Is(err, engine.ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}

	// Dispatch runs on the caller and never touches the pool.
	res, err := inv.Dispatch(context.Background(), SourceSchedule, dispatcher.Request{ProjectID: "p1", Function: "index"})
	if err != nil || !res.OK() {
		t.Fatalf("Dispatch = %+v, %v", res, err)
	}
}

func TestFunctions(t *testing.T) {
	store := storage.NewMemory()
	_ = store.PutSecret(context.Background(), &domain.Secret{ProjectID: "p1", Variables: map[string]string{"TOKEN": "extra"}})
	inv, _, _ := newInvoker(t, store)

	names, err := inv.Functions(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Functions: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"index", "extra"}) {
		t.Fatalf("names = %v", names)
	}
	if _, err := inv.Functions(context.Background(), "missing"); !errors.Is(err, dispatcher.ErrProjectNotFound) {
		t.Fatalf("err = %v, want ErrProjectNotFound", err)
	}
}
