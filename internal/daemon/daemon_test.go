package daemon_test

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"sequelwatch/internal/actiontoken"
	"sequelwatch/internal/config"
	"sequelwatch/internal/daemon"
	"sequelwatch/internal/delivery"
	"sequelwatch/internal/detection"
	"sequelwatch/internal/notifications"
	"sequelwatch/internal/pipeline"
	"sequelwatch/internal/store"
	"sequelwatch/internal/testsupport"
)

type fakeRunner struct {
	calls  atomic.Int32
	result pipeline.BatchResult
	err    error
}

func (r *fakeRunner) RunAll(context.Context) (pipeline.BatchResult, error) {
	r.calls.Add(1)
	return r.result, r.err
}

type fakePruner struct {
	calls atomic.Int32
}

func (p *fakePruner) Prune(context.Context) (int64, error) {
	p.calls.Add(1)
	return 2, nil
}

type fixture struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *notifications.Dispatcher
	runner     *fakeRunner
	pruner     *fakePruner
	outbox     *delivery.Outbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	st := testsupport.MustOpenStore(t, cfg)
	signer, err := actiontoken.NewSigner(testsupport.TestTokenSecret, 24*time.Hour)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	dispatcher, err := notifications.NewDispatcher(signer, cfg.Notifications.ActionBaseURL, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return &fixture{
		cfg:        cfg,
		store:      st,
		dispatcher: dispatcher,
		runner:     &fakeRunner{result: pipeline.BatchResult{RunID: "run-1", Users: 2, Succeeded: 2, Notified: 1}},
		pruner:     &fakePruner{},
		outbox:     delivery.NewOutbox(),
	}
}

func (f *fixture) daemon(t *testing.T) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(f.cfg, daemon.Deps{
		Store:      f.store,
		Runner:     f.runner,
		Dispatcher: f.dispatcher,
		Delivery:   delivery.NewService(f.outbox, f.dispatcher, nil, nil),
		Pruner:     f.pruner,
	}, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestDaemonStartStop(t *testing.T) {
	f := newFixture(t)
	d := f.daemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if status.NextRun == nil {
		t.Fatal("expected a scheduled next run")
	}
	if status.APIAddress == "" {
		t.Fatal("expected api server address")
	}

	resp, err := http.Get("http://" + status.APIAddress + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDaemonLockExcludesSecondInstance(t *testing.T) {
	f := newFixture(t)
	first := f.daemon(t)
	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	f.cfg.API.Bind = ""
	second := f.daemon(t)
	if err := second.Start(ctx); err == nil {
		t.Fatal("expected lock contention error")
	}

	first.Stop()
	if err := second.Start(ctx); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
}

func TestRunOnceRedeliversAndPrunes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	source := testsupport.NewEntry(t, f.store, "Alpha S1E1", nil)
	candidate := testsupport.NewEntry(t, f.store, "Alpha Season 2", testsupport.Date(2026, 1, 10))
	n, err := f.dispatcher.Dispatch(ctx, f.store, "u1", detection.Match{
		Source:     source,
		Candidate:  candidate,
		Confidence: 0.95,
		Type:       detection.SeasonIncrement,
		Reason:     "season 2 follows season 1",
	})
	if err != nil || n == nil {
		t.Fatalf("Dispatch: %v (%v)", n, err)
	}

	d := f.daemon(t)
	summary, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.RunID != "run-1" || summary.Users != 2 || summary.Notified != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Redelivered != 1 || len(f.outbox.Payloads()) != 1 {
		t.Fatalf("redelivered = %d, outbox = %d", summary.Redelivered, len(f.outbox.Payloads()))
	}
	if f.pruner.calls.Load() != 1 {
		t.Fatalf("prune calls = %d", f.pruner.calls.Load())
	}

	status := d.Status(ctx)
	if status.LastRun == nil || status.LastRun.RunID != "run-1" {
		t.Fatalf("last run = %+v", status.LastRun)
	}

	again, err := d.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if again.Redelivered != 0 {
		t.Fatalf("delivered notifications must not be resent, got %d", again.Redelivered)
	}
}

func TestRunOnceRecordsBatchFailure(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("database locked")
	d := f.daemon(t)

	summary, err := d.RunOnce(context.Background())
	if err == nil {
		t.Fatal("expected batch error")
	}
	if summary == nil || summary.Error == "" {
		t.Fatalf("expected failure recorded in summary, got %+v", summary)
	}
	if f.pruner.calls.Load() != 0 {
		t.Fatal("failed batches should not prune")
	}
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	f := newFixture(t)
	f.cfg.Schedule.Detection = "every day"
	if _, err := daemon.New(f.cfg, daemon.Deps{Store: f.store, Runner: f.runner}, nil); err == nil {
		t.Fatal("expected schedule error")
	}
	f.cfg.Schedule.Detection = "0 */6 * * *"
	if _, err := daemon.New(f.cfg, daemon.Deps{Runner: f.runner}, nil); err == nil {
		t.Fatal("expected missing store error")
	}
}
