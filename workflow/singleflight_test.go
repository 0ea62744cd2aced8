package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/nimbusmsp/billing_backend/models"
)

// fakeLockStore mimics the scheduler_locks table: job_name is unique, so a
// second insert fails with MySQL error 1062 and takeover goes through the
// conditional update path.
type fakeLockStore struct {
	mu        sync.Mutex
	rows      map[string]models.SchedulerLock
	insertErr error
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{rows: map[string]models.SchedulerLock{}}
}

func (s *fakeLockStore) insertLock(ctx context.Context, lock *models.SchedulerLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	if _, exists := s.rows[lock.JobName]; exists {
		return &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	}
	s.rows[lock.JobName] = *lock
	return nil
}

func (s *fakeLockStore) takeOverStaleLock(ctx context.Context, jobName, holderId string, staleCutoff, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, exists := s.rows[jobName]
	if !exists || row.AcquiredAt.After(staleCutoff) {
		return false, nil
	}
	row.HolderId = holderId
	row.AcquiredAt = now
	s.rows[jobName] = row
	return true, nil
}

func (s *fakeLockStore) releaseLock(ctx context.Context, jobName, holderId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[jobName]; ok && row.HolderId == holderId {
		delete(s.rows, jobName)
	}
	return nil
}

func (s *fakeLockStore) setAcquiredAt(jobName string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.rows[jobName]
	row.AcquiredAt = at
	s.rows[jobName] = row
}

func (s *fakeLockStore) holder(jobName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[jobName].HolderId
}

func TestJobLock_OnlyOneRunWins(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			acquired, err := tryAcquireJobLock(ctx, store, "process-renewals",
				"host-"+string(rune('a'+n)), 4*time.Hour)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if acquired {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 lock winner, got %d", winners)
	}
}

func TestJobLock_StaleLockIsTakenOver(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()

	acquired, err := tryAcquireJobLock(ctx, store, "process-renewals", "crashed-run", 4*time.Hour)
	if err != nil || !acquired {
		t.Fatalf("first acquisition: acquired=%v err=%v", acquired, err)
	}

	// The holder died an hour ago: still within the staleness window, so a
	// second run must be refused.
	store.setAcquiredAt("process-renewals", time.Now().UTC().Add(-time.Hour))
	acquired, err = tryAcquireJobLock(ctx, store, "process-renewals", "second-run", 4*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acquired {
		t.Fatal("fresh lock should not be taken over")
	}

	// Past the window the lock is presumed abandoned and reclaimable.
	store.setAcquiredAt("process-renewals", time.Now().UTC().Add(-5*time.Hour))
	acquired, err = tryAcquireJobLock(ctx, store, "process-renewals", "recovery-run", 4*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !acquired {
		t.Fatal("stale lock should be taken over")
	}
	if got := store.holder("process-renewals"); got != "recovery-run" {
		t.Fatalf("holder after takeover = %s, want recovery-run", got)
	}
}

func TestJobLock_ReleaseOnlyByHolder(t *testing.T) {
	store := newFakeLockStore()
	ctx := context.Background()

	if acquired, _ := tryAcquireJobLock(ctx, store, "retry-payments", "holder-a", 4*time.Hour); !acquired {
		t.Fatal("first acquisition should succeed")
	}

	releaseJobLock(ctx, store, "retry-payments", "holder-b")
	if acquired, _ := tryAcquireJobLock(ctx, store, "retry-payments", "holder-b", 4*time.Hour); acquired {
		t.Fatal("release by a non-holder must not free the lock")
	}

	releaseJobLock(ctx, store, "retry-payments", "holder-a")
	if acquired, _ := tryAcquireJobLock(ctx, store, "retry-payments", "holder-b", 4*time.Hour); !acquired {
		t.Fatal("lock should be free after the holder releases it")
	}
}

func TestJobLock_StorageErrorReportsNotAcquired(t *testing.T) {
	store := newFakeLockStore()
	store.insertErr = errors.New("connection refused")

	acquired, err := tryAcquireJobLock(context.Background(), store, "process-renewals", "holder", 4*time.Hour)
	if acquired {
		t.Fatal("storage errors must fail safe to not-acquired")
	}
	if err == nil {
		t.Fatal("expected the storage error to surface")
	}
}

type fakeDeliveryDedupe struct {
	mu        sync.Mutex
	seen      map[string]bool
	delivered int
}

func (d *fakeDeliveryDedupe) deliver(businessID, messageID string) {
	key := businessID + "|notification-delivery|" + messageID
	d.mu.Lock()
	if d.seen[key] {
		d.mu.Unlock()
		return
	}
	d.seen[key] = true
	d.mu.Unlock()

	d.mu.Lock()
	d.delivered++
	d.mu.Unlock()
}

func TestDuplicatePushDelivery_DeliveredOnce(t *testing.T) {
	d := &fakeDeliveryDedupe{seen: map[string]bool{}}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver("biz-1", "msg-123")
		}()
	}
	wg.Wait()

	if d.delivered != 1 {
		t.Fatalf("expected exactly 1 delivery, got %d", d.delivered)
	}
}
