package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Priya8975/event-webhooks/internal/domain"
	"github.com/Priya8975/event-webhooks/internal/engine"
	"github.com/Priya8975/event-webhooks/internal/store"
)

func newJob(t *testing.T, st *store.MemoryStore, sub *domain.Subscription, clock *testClock) engine.DeliveryJob {
	t.Helper()
	d := seedDelivery(t, st, sub, clock.Now())
	return engine.DeliveryJob{
		Delivery:     d,
		Subscription: *sub,
		Receipt:      engine.NewReceipt(d.ID, sub.ID),
	}
}

func waitReceipt(t *testing.T, r *engine.Receipt) (engine.Outcome, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	<-r.Done()
	return r.Wait(ctx)
}

func TestPool_ProcessesJobs(t *testing.T) {
	ep, srv := newEndpoint(t, 200)
	st := store.NewMemory()
	clock := newTestClock()
	pool := NewPool(3, 10, newTestDeliverer(st, clock), st, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	sub := testSubscription(srv.URL)
	var jobs []engine.DeliveryJob
	for i := 0; i < 5; i++ {
		job := newJob(t, st, sub, clock)
		if !pool.TrySubmit(job) {
			t.Fatalf("TrySubmit %d rejected", i)
		}
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		o, err := waitReceipt(t, job.Receipt)
		if err != nil {
			t.Fatalf("receipt error: %v", err)
		}
		if o.Status != domain.StatusDelivered || o.DeliveryID != job.Delivery.ID {
			t.Errorf("outcome = %+v", o)
		}
	}
	pool.Stop()

	if n := len(ep.calls()); n != 5 {
		t.Errorf("endpoint saw %d requests, want 5", n)
	}
}

func TestPool_TrySubmitWhenFull(t *testing.T) {
	st := store.NewMemory()
	clock := newTestClock()
	pool := NewPool(1, 1, newTestDeliverer(st, clock), st, time.Minute, testLogger())
	sub := testSubscription("http://127.0.0.1:1")

	if !pool.TrySubmit(newJob(t, st, sub, clock)) {
		t.Fatal("first submit should fit the queue")
	}
	if pool.TrySubmit(newJob(t, st, sub, clock)) {
		t.Error("submit to a full queue should be rejected")
	}
}

func TestPool_TrySubmitAfterStop(t *testing.T) {
	st := store.NewMemory()
	clock := newTestClock()
	pool := NewPool(1, 4, newTestDeliverer(st, clock), st, time.Minute, testLogger())
	pool.Start(context.Background())
	pool.Stop()

	if pool.TrySubmit(newJob(t, st, testSubscription("http://127.0.0.1:1"), clock)) {
		t.Error("submit after Stop should be rejected")
	}
}

func TestPool_CancelledJobsResolveDeferred(t *testing.T) {
	ep, srv := newEndpoint(t, 200)
	st := store.NewMemory()
	clock := newTestClock()
	pool := NewPool(1, 4, newTestDeliverer(st, clock), st, time.Minute, testLogger())

	job := newJob(t, st, testSubscription(srv.URL), clock)
	if !pool.TrySubmit(job) {
		t.Fatal("TrySubmit rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pool.Start(ctx)
	pool.Stop()

	o, err := waitReceipt(t, job.Receipt)
	if err != nil {
		t.Fatalf("receipt error: %v", err)
	}
	if !o.Deferred || o.Status != domain.StatusPending {
		t.Errorf("outcome = %+v, want deferred pending", o)
	}
	if got := reload(t, st, job.Delivery.ID); got.Status != domain.StatusPending {
		t.Errorf("stored status = %s, want pending", got.Status)
	}
	if n := len(ep.calls()); n != 0 {
		t.Errorf("endpoint saw %d requests, want none", n)
	}
}

func TestPool_SkipsDeliveryClaimedByScheduler(t *testing.T) {
	ep, srv := newEndpoint(t, 200)
	st := store.NewMemory()
	clock := newTestClock()
	sched := newTestScheduler(st, clock, SchedulerConfig{Lease: time.Minute})

	sub := testSubscription(srv.URL)
	st.PutSubscription(*sub)
	job := newJob(t, st, sub, clock)

	// The job sat in the queue past its lease and the sweep sent it.
	clock.Advance(2 * time.Minute)
	if res := runPass(t, sched); res.Delivered != 1 {
		t.Fatalf("pass = %+v, want one delivered", res)
	}

	pool := NewPool(1, 4, newTestDeliverer(st, clock), st, time.Minute, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	if !pool.TrySubmit(job) {
		t.Fatal("TrySubmit rejected")
	}

	o, err := waitReceipt(t, job.Receipt)
	pool.Stop()

	if !errors.Is(err, store.ErrStaleDelivery) {
		t.Errorf("receipt error = %v, want stale delivery", err)
	}
	if !o.Deferred {
		t.Errorf("outcome = %+v, want deferred", o)
	}
	if n := len(ep.calls()); n != 1 {
		t.Errorf("endpoint saw %d requests, want 1", n)
	}
	got := reload(t, st, job.Delivery.ID)
	if got.Status != domain.StatusDelivered || got.AttemptNumber != 1 {
		t.Errorf("record = %s/%d, want delivered/1", got.Status, got.AttemptNumber)
	}
}

func TestPool_ClaimKeepsSchedulerAway(t *testing.T) {
	_, srv := newEndpoint(t, 200)
	st := store.NewMemory()
	clock := newTestClock()
	sched := newTestScheduler(st, clock, SchedulerConfig{Lease: time.Minute})

	sub := testSubscription(srv.URL)
	st.PutSubscription(*sub)
	job := newJob(t, st, sub, clock)

	// Lease expired, but nothing has claimed the record yet.
	clock.Advance(2 * time.Minute)

	pool := NewPool(1, 4, newTestDeliverer(st, clock), st, time.Minute, testLogger())
	d, ok := pool.claim(context.Background(), job)
	if !ok {
		t.Fatal("claim on an untouched pending record should succeed")
	}
	if want := clock.Now().Add(time.Minute); d.LockedUntil == nil || !d.LockedUntil.Equal(want) {
		t.Errorf("claimed lease = %v, want %v", d.LockedUntil, want)
	}

	if res := runPass(t, sched); res.Claimed != 0 {
		t.Errorf("scheduler claimed a record held by the pool: %+v", res)
	}

	o, err := pool.deliverer.Attempt(context.Background(), d, sub)
	if err != nil || o.Status != domain.StatusDelivered {
		t.Fatalf("Attempt = %+v, %v", o, err)
	}
	if got := reload(t, st, d.ID); got.AttemptNumber != 1 {
		t.Errorf("attempt_number = %d, want 1", got.AttemptNumber)
	}
}
