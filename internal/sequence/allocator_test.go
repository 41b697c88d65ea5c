package sequence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/model"
	"tile_erp/internal/uow"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/test.db?_busy_timeout=5000&_txlock=immediate", t.TempDir())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Order{}, &model.Payable{}))
	return db
}

func newAllocator(t *testing.T, db *gorm.DB, maxAttempts int) *Allocator {
	t.Helper()
	uw := uow.New(db, 5*time.Second, nil)
	return New(uw, Config{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Millisecond,
		DelayIncrement: time.Millisecond,
		Jitter:         2 * time.Millisecond,
		SuffixWidth:    6,
	}, nil, nil)
}

func insertOrderWithNo(ctx context.Context, tx *gorm.DB, no string) error {
	return tx.WithContext(ctx).Create(&model.Order{
		OrderNo:    no,
		CustomerID: 1,
		Status:     model.StatusDraft,
	}).Error
}

func TestAllocateFormat(t *testing.T) {
	db := newTestDB(t)
	a := newAllocator(t, db, 15)

	no, err := a.Allocate(context.Background(), ScopeOrder, insertOrderWithNo)
	require.NoError(t, err)

	datePrefix := "XS" + time.Now().Format("20060102")
	require.Regexp(t, regexp.MustCompile(`^XS\d{8}\d{6,}$`), no)
	require.Contains(t, no, datePrefix)
}

func TestAllocateConcurrentAllDistinct(t *testing.T) {
	db := newTestDB(t)
	a := newAllocator(t, db, 15)

	const n = 24
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  = make([]string, 0, n)
		errs = make([]error, 0, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			no, err := a.Allocate(context.Background(), ScopeOrder, insertOrderWithNo)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			ids = append(ids, no)
		}()
	}
	wg.Wait()
	require.Empty(t, errs)

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate identifier %s", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, n)
}

func TestAllocateSkipsExistingMax(t *testing.T) {
	db := newTestDB(t)
	a := newAllocator(t, db, 15)

	prefix := "XS" + time.Now().Format("20060102")
	require.NoError(t, db.Create(&model.Order{
		OrderNo:    prefix + "000500",
		CustomerID: 1,
		Status:     model.StatusDraft,
	}).Error)

	no, err := a.Allocate(context.Background(), ScopeOrder, insertOrderWithNo)
	require.NoError(t, err)
	require.Greater(t, no, prefix+"000500")
}

func TestAllocateExhaustedRetries(t *testing.T) {
	db := newTestDB(t)
	a := newAllocator(t, db, 3)

	calls := 0
	_, err := a.Allocate(context.Background(), ScopeOrder,
		func(ctx context.Context, tx *gorm.DB, id string) error {
			calls++
			return apperr.ErrConflict
		})
	require.ErrorIs(t, err, apperr.ErrExhaustedRetries)
	require.Equal(t, 3, calls)
}

func TestAllocateStopsOnNonRetryableError(t *testing.T) {
	db := newTestDB(t)
	a := newAllocator(t, db, 5)

	boom := errors.New("boom")
	calls := 0
	_, err := a.Allocate(context.Background(), ScopeOrder,
		func(ctx context.Context, tx *gorm.DB, id string) error {
			calls++
			return boom
		})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestNextDetectsTakenCandidate(t *testing.T) {
	db := newTestDB(t)
	a := newAllocator(t, db, 15)
	uw := uow.New(db, 5*time.Second, nil)

	// 把同日全部可能落点占满很难，这里直接验证预检路径：
	// Next 产出的候选先被别人插入，再次 Next + 插入同号必然撞唯一键。
	var first string
	require.NoError(t, uw.Run(context.Background(), func(ctx context.Context, tx *gorm.DB) error {
		no, err := a.Next(ctx, tx, ScopeOrder, 0)
		if err != nil {
			return err
		}
		first = no
		return insertOrderWithNo(ctx, tx, no)
	}))

	err := uw.Run(context.Background(), func(ctx context.Context, tx *gorm.DB) error {
		return insertOrderWithNo(ctx, tx, first)
	})
	require.True(t, apperr.IsUniqueViolation(err))
}
