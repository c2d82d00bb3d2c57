package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestManager(t *testing.T) (*Manager, *storage.Store, *fakeClock) {
	t.Helper()
	store := openTestStore(t)
	clock := &fakeClock{now: time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)}
	m := NewManagerWithClock(store, clock, 10*time.Minute)
	t.Cleanup(m.Close)
	return m, store, clock
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for len(m.Running()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("jobs still running")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// blockUntilCancelled is work that runs until its context ends.
func blockUntilCancelled(ctx context.Context, _ func(string)) (any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStart_CompletesAndDeletesRecord(t *testing.T) {
	m, store, _ := newTestManager(t)

	release := make(chan struct{})
	job, err := m.Start(context.Background(), KindAnalysis, "tab-1", func(ctx context.Context, progress func(string)) (any, error) {
		<-release
		progress("Extracting page content...")
		progress("Building prompt...")
		return map[string]string{"title": "Acme"}, nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(job.ID, "job_") || job.Kind != KindAnalysis || job.TabID != "tab-1" {
		t.Errorf("job = %+v", job)
	}
	if _, err := store.GetJob(job.ID); err != nil {
		t.Fatalf("running job has no record: %v", err)
	}

	ch, unsubscribe, err := m.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	close(release)

	var progress []string
	ev, err := Await(context.Background(), ch, 5*time.Second, func(e Event) { progress = append(progress, e.Message) })
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.Type != EventComplete || ev.JobID != job.ID {
		t.Fatalf("terminal = %+v", ev)
	}
	var result map[string]string
	if err := json.Unmarshal(ev.Result, &result); err != nil || result["title"] != "Acme" {
		t.Errorf("result = %s (%v)", ev.Result, err)
	}
	if strings.Join(progress, "|") != "Extracting page content...|Building prompt..." {
		t.Errorf("progress = %q", progress)
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after terminal event")
	}

	m.Close()
	if _, err := store.GetJob(job.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record after completion: err = %v, want ErrNotFound", err)
	}
	if len(m.Running()) != 0 {
		t.Errorf("Running = %v, want none", m.Running())
	}
}

func TestSubscribe_MultipleListenersSeeSameOrder(t *testing.T) {
	m, _, _ := newTestManager(t)

	release := make(chan struct{})
	job, err := m.Start(context.Background(), KindChatStream, "", func(ctx context.Context, progress func(string)) (any, error) {
		<-release
		for i := range 10 {
			progress(fmt.Sprintf("delta-%d", i))
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var chans []<-chan Event
	for range 3 {
		ch, unsubscribe, err := m.Subscribe(job.ID)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer unsubscribe()
		chans = append(chans, ch)
	}
	close(release)

	for i, ch := range chans {
		var got []string
		ev, err := Await(context.Background(), ch, 5*time.Second, func(e Event) { got = append(got, e.Message) })
		if err != nil {
			t.Fatalf("listener %d: %v", i, err)
		}
		if ev.Type != EventComplete {
			t.Errorf("listener %d terminal = %s", i, ev.Type)
		}
		if len(got) != 10 || got[0] != "delta-0" || got[9] != "delta-9" {
			t.Errorf("listener %d progress = %v", i, got)
		}
	}
}

func TestSubscribe_SlowListenerReceivesEveryDelta(t *testing.T) {
	m, _, _ := newTestManager(t)

	const deltas = 200
	release := make(chan struct{})
	var want strings.Builder
	for i := range deltas {
		fmt.Fprintf(&want, "d%d ", i)
	}
	job, err := m.Start(context.Background(), KindChatStream, "", func(ctx context.Context, progress func(string)) (any, error) {
		<-release
		for i := range deltas {
			progress(fmt.Sprintf("d%d ", i))
		}
		return want.String(), nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, unsubscribe, err := m.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsubscribe()
	close(release)

	// The listener falls behind until the whole stream has been emitted.
	waitIdle(t, m)
	time.Sleep(50 * time.Millisecond)

	var got strings.Builder
	n := 0
	ev, err := Await(context.Background(), ch, 5*time.Second, func(e Event) {
		n++
		got.WriteString(e.Message)
	})
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.Type != EventComplete {
		t.Errorf("terminal = %+v, want complete", ev)
	}
	if n != deltas {
		t.Errorf("received %d deltas, want %d", n, deltas)
	}
	if got.String() != want.String() {
		t.Error("reassembled deltas differ from the emitted text")
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after terminal event")
	}
}

func TestSubscribe_UnsubscribeClosesChannel(t *testing.T) {
	m, _, _ := newTestManager(t)

	job, err := m.Start(context.Background(), KindChatStream, "", blockUntilCancelled)
	if err != nil {
		t.Fatal(err)
	}
	ch, unsubscribe, err := m.Subscribe(job.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	unsubscribe()
	unsubscribe()

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("event received after unsubscribe")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
	if err := m.Stop(job.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitIdle(t, m)
}

func TestWorkError_BecomesErrorEvent(t *testing.T) {
	m, _, _ := newTestManager(t)

	release := make(chan struct{})
	job, err := m.Start(context.Background(), KindAnalysis, "", func(ctx context.Context, _ func(string)) (any, error) {
		<-release
		return nil, fmt.Errorf("completion: %w: Incorrect API key provided", apperr.ErrProviderError)
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, unsubscribe, _ := m.Subscribe(job.ID)
	defer unsubscribe()
	close(release)

	ev, err := Await(context.Background(), ch, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.Type != EventError || ev.ErrorKind != "provider_error" {
		t.Errorf("event = %+v", ev)
	}
	if !strings.Contains(ev.Message, "Incorrect API key provided") {
		t.Errorf("message = %q", ev.Message)
	}
}

func TestStart_BusyPolicy(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.Start(context.Background(), KindAnalysis, "", blockUntilCancelled); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := m.Start(context.Background(), KindAnalysis, "", blockUntilCancelled); !errors.Is(err, ErrBusy) {
		t.Errorf("second analysis: err = %v, want ErrBusy", err)
	}
	if _, err := m.Start(context.Background(), KindDeepAnalysis, "", blockUntilCancelled); !errors.Is(err, ErrBusy) {
		t.Errorf("deep analysis: err = %v, want ErrBusy", err)
	}
	if _, err := m.Start(context.Background(), KindChatStream, "", blockUntilCancelled); err != nil {
		t.Errorf("chat stream: err = %v, want nil", err)
	}
	if got := len(m.Running()); got != 2 {
		t.Errorf("Running = %d jobs, want 2", got)
	}
}

func TestStart_OutlivesCallerContext(t *testing.T) {
	m, _, _ := newTestManager(t)

	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	job, err := m.Start(ctx, KindAnalysis, "", func(ctx context.Context, _ func(string)) (any, error) {
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, unsubscribe, _ := m.Subscribe(job.ID)
	defer unsubscribe()

	cancel()
	close(release)

	ev, err := Await(context.Background(), ch, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.Type != EventComplete {
		t.Errorf("event = %+v, want complete", ev)
	}
}

func TestStop_EmitsAborted(t *testing.T) {
	m, store, _ := newTestManager(t)

	job, err := m.Start(context.Background(), KindChatStream, "", blockUntilCancelled)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, unsubscribe, _ := m.Subscribe(job.ID)
	defer unsubscribe()

	if err := m.Stop(job.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	ev, err := Await(context.Background(), ch, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.Type != EventAborted || ev.Message != "Stopped by user" {
		t.Errorf("event = %+v", ev)
	}

	m.Close()
	if _, err := store.GetJob(job.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("record after stop: err = %v", err)
	}
	if err := m.Stop(job.ID); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Stop finished job: err = %v, want ErrUnknownJob", err)
	}
}

func TestObserve_StaleJobIsPurged(t *testing.T) {
	m, store, clock := newTestManager(t)

	job, err := m.Start(context.Background(), KindAnalysis, "", blockUntilCancelled)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ch, unsubscribe, _ := m.Subscribe(job.ID)
	defer unsubscribe()

	got, err := m.Observe(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Observe fresh job: %v", err)
	}
	if got.ID != job.ID || !got.StartedAt.Equal(job.StartedAt) {
		t.Errorf("Observe = %+v, want %+v", got, job)
	}

	clock.Advance(10*time.Minute + time.Second)

	if _, err := m.Observe(context.Background(), job.ID); !errors.Is(err, apperr.ErrStaleJob) {
		t.Fatalf("Observe stale job: err = %v, want ErrStaleJob", err)
	}
	if _, err := store.GetJob(job.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale record not removed: err = %v", err)
	}

	ev, err := Await(context.Background(), ch, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ev.Type != EventError || ev.Message != "Analysis timed out. Please try again." {
		t.Errorf("event = %+v", ev)
	}

	if _, err := m.Observe(context.Background(), job.ID); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Observe after purge: err = %v, want ErrUnknownJob", err)
	}
}

func TestSweep_RemovesOnlyStaleRecords(t *testing.T) {
	m, store, clock := newTestManager(t)

	now := clock.Now()
	// Records left behind by an earlier process.
	if err := store.SaveJob(storage.JobRecord{ID: "job_old", Kind: "analysis", StartedAt: now.Add(-11 * time.Minute)}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if err := store.SaveJob(storage.JobRecord{ID: "job_new", Kind: "analysis", StartedAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	n, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
	if _, err := store.GetJob("job_old"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale record kept: err = %v", err)
	}
	if _, err := store.GetJob("job_new"); err != nil {
		t.Errorf("fresh record removed: %v", err)
	}
}

func TestSubscribe_UnknownJob(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, _, err := m.Subscribe("job_0"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v, want ErrUnknownJob", err)
	}
	if _, err := m.Observe(context.Background(), "job_0"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Observe err = %v, want ErrUnknownJob", err)
	}
}

func TestStart_IDsUniqueWithinMillisecond(t *testing.T) {
	m, _, clock := newTestManager(t)

	a, err := m.Start(context.Background(), KindChatStream, "", blockUntilCancelled)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.Start(context.Background(), KindChatStream, "", blockUntilCancelled)
	if err != nil {
		t.Fatal(err)
	}
	ms := clock.Now().UnixMilli()
	if a.ID != fmt.Sprintf("job_%d", ms) || b.ID != fmt.Sprintf("job_%d", ms+1) {
		t.Errorf("ids = %q, %q", a.ID, b.ID)
	}
}

func TestAwait_ListenerTimeout(t *testing.T) {
	ch := make(chan Event)
	start := time.Now()
	_, err := Await(context.Background(), ch, 20*time.Millisecond, nil)
	if !errors.Is(err, ErrListenerTimeout) {
		t.Fatalf("err = %v, want ErrListenerTimeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Await did not honor its timeout")
	}
}

func TestAwait_ContextCancel(t *testing.T) {
	ch := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Await(ctx, ch, time.Minute, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestClose_AbortsRunningJobs(t *testing.T) {
	m, _, _ := newTestManager(t)

	job, err := m.Start(context.Background(), KindAnalysis, "", blockUntilCancelled)
	if err != nil {
		t.Fatal(err)
	}
	ch, unsubscribe, _ := m.Subscribe(job.ID)
	defer unsubscribe()

	m.Close()

	ev := <-ch
	if ev.Type != EventAborted {
		t.Errorf("event = %+v, want aborted", ev)
	}
}

func TestSweeper_SweepsOnStart(t *testing.T) {
	m, store, clock := newTestManager(t)

	if err := store.SaveJob(storage.JobRecord{ID: "job_orphan", Kind: "analysis", StartedAt: clock.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	s, err := NewSweeper(m, "@every 1h")
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	s.Start()
	defer s.Stop()

	if _, err := store.GetJob("job_orphan"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("orphan record kept after Start: err = %v", err)
	}
}

func TestNewSweeper_BadSchedule(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := NewSweeper(m, "every now and then"); err == nil {
		t.Error("expected error for invalid schedule")
	}
}
