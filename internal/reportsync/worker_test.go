package reportsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/cihq/internal/apperr"
	"github.com/kalambet/cihq/internal/report"
	"github.com/kalambet/cihq/internal/storage"
)

type mockRemote struct {
	report.Store

	mu       sync.Mutex
	saved    []report.Report
	upsertFn func(r report.Report) error
}

func (m *mockRemote) Upsert(_ context.Context, r report.Report) (report.Report, error) {
	if m.upsertFn != nil {
		if err := m.upsertFn(r); err != nil {
			return report.Report{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = fmt.Sprintf("remote-%d", len(m.saved)+1)
	m.saved = append(m.saved, r)
	return r, nil
}

type mockUsers struct {
	id  string
	err error
}

func (m mockUsers) UserID(context.Context) (string, error) { return m.id, m.err }

// switchUsers is signed out until signIn is called.
type switchUsers struct {
	mu sync.Mutex
	id string
}

func (u *switchUsers) signIn(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.id = id
}

func (u *switchUsers) UserID(context.Context) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.id == "" {
		return "", apperr.ErrAuthRequired
	}
	return u.id, nil
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

func saveLocal(t *testing.T, store *storage.Store, url string) report.Report {
	t.Helper()
	r, err := store.Reports().Upsert(context.Background(), report.Report{
		UserID:       report.LocalUserID,
		Title:        "Local " + url,
		URL:          url,
		AnalysisType: report.General,
		Content:      "content for " + url,
	})
	if err != nil {
		t.Fatalf("Upsert local: %v", err)
	}
	if err := Enqueue(store, r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return r
}

// resetRunAfter makes a backed-off task immediately claimable.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE sync_tasks SET run_after = ?`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func taskState(t *testing.T, store *storage.Store) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM sync_tasks`).Scan(&status, &attempts); err != nil {
		t.Fatalf("query task: %v", err)
	}
	return status, attempts
}

func TestWorker_UploadsAndRemovesLocalCopy(t *testing.T) {
	store := openTestStore(t)
	local := saveLocal(t, store, "https://acme.com/pricing")

	remote := &mockRemote{}
	w := NewWorker(store, store.Reports(), remote, mockUsers{id: "u1"}, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	if len(remote.saved) != 1 {
		t.Fatalf("uploaded %d reports, want 1", len(remote.saved))
	}
	up := remote.saved[0]
	if up.UserID != "u1" || up.URL != local.URL || up.Content != local.Content {
		t.Errorf("uploaded = %+v", up)
	}

	if _, err := store.Reports().Get(context.Background(), report.LocalUserID, local.ID); err == nil {
		t.Error("local copy still present after sync")
	}
	if status, _ := taskState(t, store); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_Empty(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, store.Reports(), &mockRemote{}, mockUsers{id: "u1"}, 0)
	didWork, err := w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Fatalf("RunOnce = %v, %v; want false, nil", didWork, err)
	}
}

func TestWorker_SignedOutWaitsForSignIn(t *testing.T) {
	store := openTestStore(t)
	local := saveLocal(t, store, "https://acme.com")

	remote := &mockRemote{}
	users := &switchUsers{}
	w := NewWorker(store, store.Reports(), remote, users, 0)
	ctx := context.Background()

	// More signed-out rounds than max_attempts must not fail the task.
	for i := 0; i < 7; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce error: %v", err)
		}
		status, attempts := taskState(t, store)
		if status != "pending" || attempts != 0 {
			t.Fatalf("round %d: status=%q attempts=%d, want pending/0", i, status, attempts)
		}
		resetRunAfter(t, store)
	}
	if _, err := store.Reports().Get(ctx, report.LocalUserID, local.ID); err != nil {
		t.Errorf("local copy removed before upload: %v", err)
	}
	if len(remote.saved) != 0 {
		t.Fatal("uploaded without a user")
	}

	users.signIn("u1")
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce after sign-in: %v", err)
	}
	if len(remote.saved) != 1 || remote.saved[0].UserID != "u1" {
		t.Fatalf("uploaded = %+v", remote.saved)
	}
	if status, _ := taskState(t, store); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_EmptyUserIDIsSignedOut(t *testing.T) {
	store := openTestStore(t)
	saveLocal(t, store, "https://acme.com")

	w := NewWorker(store, store.Reports(), &mockRemote{}, mockUsers{}, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if status, attempts := taskState(t, store); status != "pending" || attempts != 0 {
		t.Errorf("status=%q attempts=%d, want pending/0", status, attempts)
	}
}

func TestWorker_UserLookupErrorCountsAttempt(t *testing.T) {
	store := openTestStore(t)
	saveLocal(t, store, "https://acme.com")

	w := NewWorker(store, store.Reports(), &mockRemote{}, mockUsers{err: errors.New("keychain locked")}, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if status, attempts := taskState(t, store); status != "pending" || attempts != 1 {
		t.Errorf("status=%q attempts=%d, want pending/1", status, attempts)
	}
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	store := openTestStore(t)
	saveLocal(t, store, "https://acme.com")

	var calls atomic.Int32
	remote := &mockRemote{upsertFn: func(report.Report) error {
		if calls.Add(1) <= 2 {
			return fmt.Errorf("%w: 503 unavailable", apperr.ErrProviderError)
		}
		return nil
	}}
	w := NewWorker(store, store.Reports(), remote, mockUsers{id: "u1"}, 0)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			_, attempts := taskState(t, store)
			if attempts != i {
				t.Errorf("after attempt %d: attempts=%d", i, attempts)
			}
			resetRunAfter(t, store)
		}
	}
	if status, _ := taskState(t, store); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_LocallyDeletedIsSkipped(t *testing.T) {
	store := openTestStore(t)
	local := saveLocal(t, store, "https://acme.com")
	if err := store.Reports().Delete(context.Background(), report.LocalUserID, local.ID); err != nil {
		t.Fatal(err)
	}

	remote := &mockRemote{}
	w := NewWorker(store, store.Reports(), remote, mockUsers{id: "u1"}, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(remote.saved) != 0 {
		t.Error("uploaded a deleted report")
	}
	if status, _ := taskState(t, store); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, store.Reports(), &mockRemote{}, mockUsers{id: "u1"}, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
