package idempotency

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/model"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/test.db?_busy_timeout=5000&_txlock=immediate", t.TempDir())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.IdempotencyRecord{}))
	return db
}

type payload struct {
	OrderNo string `json:"order_no"`
	Amount  int64  `json:"amount"`
}

func testKey(s string) Key {
	return Key{Key: s, OperationType: "order_status_change", ResourceID: "order:1"}
}

func TestDoExecutesOnceThenReplays(t *testing.T) {
	db := newTestDB(t)
	g := New(0, nil)
	fp := Fingerprint(map[string]string{"target": "confirmed"})

	calls := 0
	op := func(tx *gorm.DB) (payload, error) {
		calls++
		return payload{OrderNo: "XS20260829000042", Amount: 1280}, nil
	}

	first, replayed, err := Do(context.Background(), db, g, testKey("k1"), fp, op)
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, 1, calls)

	second, replayed, err := Do(context.Background(), db, g, testKey("k1"), fp, op)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, 1, calls) // 副作用没有第二次
	require.Equal(t, first, second)
}

func TestDoFingerprintMismatch(t *testing.T) {
	db := newTestDB(t)
	g := New(0, nil)

	_, _, err := Do(context.Background(), db, g, testKey("k1"),
		Fingerprint("request-a"),
		func(tx *gorm.DB) (payload, error) { return payload{OrderNo: "A"}, nil })
	require.NoError(t, err)

	_, _, err = Do(context.Background(), db, g, testKey("k1"),
		Fingerprint("request-b"),
		func(tx *gorm.DB) (payload, error) { return payload{OrderNo: "B"}, nil })
	require.ErrorIs(t, err, apperr.ErrIdempotencyMismatch)
}

func TestDoFailureLeavesNoRecord(t *testing.T) {
	db := newTestDB(t)
	g := New(0, nil)
	fp := Fingerprint("x")
	boom := errors.New("op failed")

	calls := 0
	op := func(tx *gorm.DB) (payload, error) {
		calls++
		if calls == 1 {
			return payload{}, boom
		}
		return payload{OrderNo: "OK"}, nil
	}

	_, _, err := Do(context.Background(), db, g, testKey("k1"), fp, op)
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&model.IdempotencyRecord{}).Count(&count).Error)
	require.EqualValues(t, 0, count)

	// 失败不占键：重试是一次全新执行
	out, replayed, err := Do(context.Background(), db, g, testKey("k1"), fp, op)
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, "OK", out.OrderNo)
	require.Equal(t, 2, calls)
}

func TestDoExpiredRecordReexecutes(t *testing.T) {
	db := newTestDB(t)
	clock := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	g := New(time.Hour, func() time.Time { return clock })
	fp := Fingerprint("x")

	calls := 0
	op := func(tx *gorm.DB) (payload, error) {
		calls++
		return payload{OrderNo: fmt.Sprintf("N%d", calls)}, nil
	}

	out, _, err := Do(context.Background(), db, g, testKey("k1"), fp, op)
	require.NoError(t, err)
	require.Equal(t, "N1", out.OrderNo)

	// TTL 内：重放
	clock = clock.Add(30 * time.Minute)
	out, replayed, err := Do(context.Background(), db, g, testKey("k1"), fp, op)
	require.NoError(t, err)
	require.True(t, replayed)
	require.Equal(t, "N1", out.OrderNo)

	// 过期后：重新执行并换上新记录
	clock = clock.Add(2 * time.Hour)
	out, replayed, err = Do(context.Background(), db, g, testKey("k1"), fp, op)
	require.NoError(t, err)
	require.False(t, replayed)
	require.Equal(t, "N2", out.OrderNo)

	var count int64
	require.NoError(t, db.Model(&model.IdempotencyRecord{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestDoDistinctIdentities(t *testing.T) {
	db := newTestDB(t)
	g := New(0, nil)
	fp := Fingerprint("x")

	calls := 0
	op := func(tx *gorm.DB) (payload, error) {
		calls++
		return payload{Amount: int64(calls)}, nil
	}

	// 同 key、不同 operation_type / resource_id 互不影响
	_, _, err := Do(context.Background(), db, g,
		Key{Key: "k1", OperationType: "order_status_change", ResourceID: "order:1"}, fp, op)
	require.NoError(t, err)
	_, _, err = Do(context.Background(), db, g,
		Key{Key: "k1", OperationType: "order_create", ResourceID: "order:1"}, fp, op)
	require.NoError(t, err)
	_, _, err = Do(context.Background(), db, g,
		Key{Key: "k1", OperationType: "order_status_change", ResourceID: "order:2"}, fp, op)
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoRejectsBlankIdentity(t *testing.T) {
	db := newTestDB(t)
	g := New(0, nil)

	_, _, err := Do(context.Background(), db, g,
		Key{Key: "", OperationType: "op", ResourceID: "r"}, "fp",
		func(tx *gorm.DB) (payload, error) { return payload{}, nil })
	require.Error(t, err)
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint(map[string]any{"order_id": 1, "target": "confirmed"})
	b := Fingerprint(map[string]any{"order_id": 1, "target": "confirmed"})
	c := Fingerprint(map[string]any{"order_id": 1, "target": "shipped"})
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
