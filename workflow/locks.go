package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/nimbusmsp/billing_backend/config"
	"github.com/nimbusmsp/billing_backend/models"
	"gorm.io/gorm"
)

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// TryAcquireJobLock claims the single-flight lock for jobName across all
// hosts. Returns (false, nil) when a non-stale lock is held by someone else.
// A storage error also reports not-acquired: when in doubt, assume another
// run is in flight rather than risk double billing.
//
// A lock older than staleAfter is presumed abandoned (crashed run) and is
// taken over by a conditional update, so liveness does not depend on the
// previous holder ever releasing.
func TryAcquireJobLock(ctx context.Context, db *gorm.DB, jobName, holderId string, staleAfter time.Duration) (bool, error) {
	return tryAcquireJobLock(ctx, gormLockStore{db: db}, jobName, holderId, staleAfter)
}

func tryAcquireJobLock(ctx context.Context, store lockStore, jobName, holderId string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()

	lock := models.SchedulerLock{
		JobName:    jobName,
		HolderId:   holderId,
		AcquiredAt: now,
	}
	err := store.insertLock(ctx, &lock)
	if err == nil {
		return true, nil
	}
	if !isDuplicateKeyErr(err) {
		return false, err
	}

	// Row exists: take over only if stale.
	return store.takeOverStaleLock(ctx, jobName, holderId, now.Add(-staleAfter), now)
}

// ReleaseJobLock deletes the lock row, but only if we still hold it: a stale
// takeover by another host must not be released out from under them.
func ReleaseJobLock(ctx context.Context, db *gorm.DB, jobName, holderId string) {
	releaseJobLock(ctx, gormLockStore{db: db}, jobName, holderId)
}

func releaseJobLock(ctx context.Context, store lockStore, jobName, holderId string) {
	_ = store.releaseLock(ctx, jobName, holderId)
}

// ObtainJobRedisLock layers a best-effort redislock in front of the DB lock.
// Redis being down or unset is not an error; correctness rests on the DB row.
func ObtainJobRedisLock(ctx context.Context, jobName string, ttl time.Duration) *redislock.Lock {
	locker := config.GetRedisLock()
	if locker == nil {
		return nil
	}
	lock, err := locker.Obtain(ctx, "joblock:"+jobName, ttl, nil)
	if err != nil {
		// ErrNotObtained is expected under contention; anything else is a
		// Redis availability problem and falls through to the DB lock.
		return nil
	}
	return lock
}
