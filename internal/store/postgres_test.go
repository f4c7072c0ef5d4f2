package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"pos-loyalty-sync/internal/models"
	"pos-loyalty-sync/internal/telemetry"
)

// startPostgres runs a throwaway Postgres container and returns its DSN.
// The container is cleaned up via t.Cleanup.
func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping store integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("loyalty_test"),
		tcpostgres.WithUsername("loyalty_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	return dsn
}

// newTestStore starts Postgres, applies the embedded migrations, and
// returns a Store with the given options.
func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	ctx := context.Background()

	st, err := New(ctx, startPostgres(t), opts)
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(st.Close)

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	return st
}

func mustEnqueue(t *testing.T, st *Store, p EnqueueParams) *models.Job {
	t.Helper()
	job, err := st.Enqueue(context.Background(), p)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job == nil {
		t.Fatal("enqueue returned no job")
	}
	return job
}

func TestLeaseRace(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	job := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: models.StageKey("c1", "s1"),
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{"order_id":"o1"}`),
	})

	const workers = 8
	winners := make([]*models.Job, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			winners[n], errs[n] = st.Lease(ctx, "w"+string(rune('0'+n)), nil)
		}(i)
	}
	close(start)
	wg.Wait()

	won := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d lease error: %v", i, errs[i])
		}
		if winners[i] != nil {
			won++
			if winners[i].ID != job.ID {
				t.Fatalf("worker %d leased unexpected job %s", i, winners[i].ID)
			}
			if winners[i].Attempts != 1 {
				t.Fatalf("winner attempts = %d, want 1", winners[i].Attempts)
			}
		}
	}
	if won != 1 {
		t.Fatalf("%d workers won the race, want exactly 1", won)
	}
}

func TestEnqueueSecondWriteWins(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	key := models.EventKey("org-1", "evt-1", "pos.sale.completed")

	first := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: key,
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{"order_id":"o1"}`),
		MaxAttempts:    1,
	})

	// Burn the only attempt so the row is terminal before the re-enqueue.
	leased, err := st.Lease(ctx, "w1", nil)
	if err != nil || leased == nil {
		t.Fatalf("lease: %v %v", leased, err)
	}
	if err := st.Fail(ctx, leased.ID, "provider 500", FailOpts{}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	failed, err := st.GetJob(ctx, first.ID)
	if err != nil {
		t.Fatalf("get failed job: %v", err)
	}
	if failed.Status != models.StatusError {
		t.Fatalf("status after exhaustion = %q, want %q", failed.Status, models.StatusError)
	}

	second := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: key,
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{"order_id":"o1","amended":true}`),
		MaxAttempts:    5,
	})

	if second.ID != first.ID {
		t.Fatalf("re-enqueue created a new row: %s vs %s", second.ID, first.ID)
	}
	if second.Status != models.StatusQueued {
		t.Fatalf("status after re-enqueue = %q, want %q", second.Status, models.StatusQueued)
	}
	if second.Attempts != 0 {
		t.Fatalf("attempts after re-enqueue = %d, want full retry budget back", second.Attempts)
	}
	if second.LastError != nil {
		t.Fatalf("last_error not cleared: %q", *second.LastError)
	}
	if !strings.Contains(string(second.Payload), "amended") {
		t.Fatalf("second payload did not win: %s", second.Payload)
	}

	// The un-stuck row must be leasable again.
	releases, err := st.Lease(ctx, "w2", nil)
	if err != nil || releases == nil || releases.ID != first.ID {
		t.Fatalf("re-enqueued job not leasable: %v %v", releases, err)
	}
}

func TestEnqueueDefersWhileRunning(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	key := models.StageKey("ref-1", "award")

	mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: key,
		EventType:      "referral.lifecycle",
		Stage:          "award",
		Payload:        []byte(`{"v":1}`),
	})
	leased, err := st.Lease(ctx, "w1", nil)
	if err != nil || leased == nil {
		t.Fatalf("lease: %v %v", leased, err)
	}

	refreshed := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: key,
		EventType:      "referral.lifecycle",
		Stage:          "award",
		Payload:        []byte(`{"v":2}`),
	})

	// The in-flight row keeps its lease; only payload and schedule move.
	if refreshed.Status != models.StatusRunning {
		t.Fatalf("status = %q, want the row to stay %q", refreshed.Status, models.StatusRunning)
	}
	if refreshed.LockOwner == nil || *refreshed.LockOwner != "w1" {
		t.Fatalf("lock owner = %v, want w1", refreshed.LockOwner)
	}
	if refreshed.Attempts != 1 {
		t.Fatalf("attempts = %d, want the in-flight attempt preserved", refreshed.Attempts)
	}
	if !strings.Contains(string(refreshed.Payload), `"v":2`) {
		t.Fatalf("payload not refreshed: %s", refreshed.Payload)
	}

	// No second worker may pick it up while the lease is fresh.
	other, err := st.Lease(ctx, "w2", nil)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if other != nil {
		t.Fatalf("second worker leased a running job: %+v", other)
	}
}

func TestLeaseReclaimsStaleLock(t *testing.T) {
	st := newTestStore(t, Options{LockTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	job := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: models.EventKey("org-1", "evt-9", "pos.sale.completed"),
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{}`),
	})

	first, err := st.Lease(ctx, "crashed-worker", nil)
	if err != nil || first == nil {
		t.Fatalf("first lease: %v %v", first, err)
	}

	// Fresh lease: not yet reclaimable.
	if early, _ := st.Lease(ctx, "w2", nil); early != nil {
		t.Fatalf("fresh lease was stolen: %+v", early)
	}

	time.Sleep(250 * time.Millisecond)

	second, err := st.Lease(ctx, "w2", nil)
	if err != nil {
		t.Fatalf("reclaim lease: %v", err)
	}
	if second == nil || second.ID != job.ID {
		t.Fatalf("stale lease not reclaimed: %+v", second)
	}
	if second.Attempts != 2 {
		t.Fatalf("attempts after reclaim = %d, want 2", second.Attempts)
	}
	if second.LockOwner == nil || *second.LockOwner != "w2" {
		t.Fatalf("lock owner after reclaim = %v, want w2", second.LockOwner)
	}
}

func TestFailSchedulesBackoff(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	job := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: models.EventKey("org-1", "evt-2", "pos.sale.completed"),
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{}`),
		MaxAttempts:    5,
	})
	leased, err := st.Lease(ctx, "w1", nil)
	if err != nil || leased == nil {
		t.Fatalf("lease: %v %v", leased, err)
	}

	before := time.Now()
	if err := st.Fail(ctx, job.ID, "loyalty service timed out", FailOpts{}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("status = %q, want %q", got.Status, models.StatusQueued)
	}
	if got.LastError == nil || !strings.Contains(*got.LastError, "timed out") {
		t.Fatalf("last_error = %v", got.LastError)
	}
	if got.LockOwner != nil || got.LockedAt != nil {
		t.Fatal("lock fields not cleared on failure")
	}
	// First failure: ~5s backoff.
	delay := got.ScheduledAt.Sub(before)
	if delay < 4*time.Second || delay > 7*time.Second {
		t.Fatalf("retry delay = %s, want about 5s", delay)
	}

	// Not leasable until the backoff elapses.
	if early, _ := st.Lease(ctx, "w2", nil); early != nil {
		t.Fatalf("backed-off job was leased: %+v", early)
	}
}

func TestExhaustedJobHardFails(t *testing.T) {
	st := newTestStore(t, Options{Policy: FailHard()})
	ctx := context.Background()

	job := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: models.EventKey("org-1", "evt-3", "pos.sale.completed"),
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{}`),
		MaxAttempts:    1,
	})
	if leased, err := st.Lease(ctx, "w1", nil); err != nil || leased == nil {
		t.Fatalf("lease: %v %v", leased, err)
	}
	if err := st.Fail(ctx, job.ID, "still broken", FailOpts{}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusError {
		t.Fatalf("status = %q, want %q", got.Status, models.StatusError)
	}
	if leased, _ := st.Lease(ctx, "w2", nil); leased != nil {
		t.Fatalf("terminal job was leased: %+v", leased)
	}
}

func TestExhaustedJobRequeuesAfterDelay(t *testing.T) {
	st := newTestStore(t, Options{Policy: RequeueAfter(time.Hour)})
	ctx := context.Background()

	job := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: models.EventKey("org-1", "evt-4", "pos.sale.completed"),
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{}`),
		MaxAttempts:    1,
	})
	if leased, err := st.Lease(ctx, "w1", nil); err != nil || leased == nil {
		t.Fatalf("lease: %v %v", leased, err)
	}
	before := time.Now()
	if err := st.Fail(ctx, job.ID, "upstream outage", FailOpts{}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != models.StatusQueued {
		t.Fatalf("status = %q, want %q", got.Status, models.StatusQueued)
	}
	if got.Attempts != 0 {
		t.Fatalf("attempts = %d, want reset to 0", got.Attempts)
	}
	if wait := got.ScheduledAt.Sub(before); wait < 59*time.Minute {
		t.Fatalf("requeue delay = %s, want about 1h", wait)
	}
	// Invisible to lease until the long delay passes.
	if leased, _ := st.Lease(ctx, "w2", nil); leased != nil {
		t.Fatalf("requeued job leased before its delay: %+v", leased)
	}
}

func TestLeaseExcludesStages(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: models.StageKey("ref-1", "notify"),
		EventType:      "referral.lifecycle",
		Stage:          "notify",
		Payload:        []byte(`{}`),
		ScheduledAt:    time.Now().Add(-2 * time.Second),
	})
	award := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: models.StageKey("ref-2", "award"),
		EventType:      "referral.lifecycle",
		Stage:          "award",
		Payload:        []byte(`{}`),
		ScheduledAt:    time.Now().Add(-time.Second),
	})

	// The notify job is older but excluded; the award job must win.
	leased, err := st.Lease(ctx, "w1", []string{"notify"})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased == nil || leased.ID != award.ID {
		t.Fatalf("leased %+v, want the award job", leased)
	}
}

func TestCompleteMissingJobIsNoOp(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	completedBefore := testutil.ToFloat64(telemetry.JobsCompleted)
	inFlightBefore := testutil.ToFloat64(telemetry.JobsInFlight)

	if err := st.Complete(ctx, "no-such-job"); err != nil {
		t.Fatalf("complete missing job: %v", err)
	}

	if got := testutil.ToFloat64(telemetry.JobsCompleted); got != completedBefore {
		t.Fatalf("completed counter moved on a no-op: %v -> %v", completedBefore, got)
	}
	if got := testutil.ToFloat64(telemetry.JobsInFlight); got != inFlightBefore {
		t.Fatalf("inflight gauge moved on a no-op: %v -> %v", inFlightBefore, got)
	}
}

func TestQueueDegradesWithoutTable(t *testing.T) {
	ctx := context.Background()
	st, err := New(ctx, startPostgres(t), Options{})
	if err != nil {
		t.Fatalf("connect store: %v", err)
	}
	t.Cleanup(st.Close)

	// No migrations yet: the probe must cache the missing table and
	// enqueue must degrade to a silent no-op.
	if st.Available(ctx, false) {
		t.Fatal("probe reported a missing table as available")
	}
	job, err := st.Enqueue(ctx, EnqueueParams{
		IdempotencyKey: "k1",
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{}`),
	})
	if err != nil || job != nil {
		t.Fatalf("enqueue against missing table: job=%v err=%v", job, err)
	}
	if leased, err := st.Lease(ctx, "w1", nil); err != nil || leased != nil {
		t.Fatalf("lease against missing table: job=%v err=%v", leased, err)
	}

	// The cached answer holds until forced.
	if st.Available(ctx, false) {
		t.Fatal("cached availability flipped without a probe")
	}

	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if !st.Available(ctx, false) {
		t.Fatal("probe still unavailable after migrations")
	}
	if job := mustEnqueue(t, st, EnqueueParams{
		IdempotencyKey: "k1",
		EventType:      "pos.sale.completed",
		Payload:        []byte(`{}`),
	}); job.Status != models.StatusQueued {
		t.Fatalf("status = %q after recovery", job.Status)
	}
}
