package uow

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
	require.NoError(t, db.AutoMigrate(&model.StockRecord{}))
	return db
}

func countStocks(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.StockRecord{}).Count(&n).Error)
	return n
}

func TestRunCommits(t *testing.T) {
	db := newTestDB(t)
	u := New(db, time.Second, nil)

	err := u.Run(context.Background(), func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&model.StockRecord{ProductID: 1, Quantity: 10}).Error; err != nil {
			return err
		}
		return tx.Create(&model.StockRecord{ProductID: 2, Quantity: 20}).Error
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, countStocks(t, db))
}

func TestRunRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	u := New(db, time.Second, nil)
	boom := errors.New("second write rejected")

	err := u.Run(context.Background(), func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&model.StockRecord{ProductID: 1, Quantity: 10}).Error; err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	// 第一笔写入跟着整体回滚
	require.EqualValues(t, 0, countStocks(t, db))
}

func TestRunTimeoutIsRetryable(t *testing.T) {
	db := newTestDB(t)
	u := New(db, 20*time.Millisecond, nil)

	err := u.Run(context.Background(), func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&model.StockRecord{ProductID: 1, Quantity: 10}).Error; err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("context never expired")
		}
		return ctx.Err()
	})
	require.ErrorIs(t, err, apperr.ErrTimeout)
	require.True(t, apperr.Retryable(err))
	require.EqualValues(t, 0, countStocks(t, db))
}

func TestRunRespectsCallerCancel(t *testing.T) {
	db := newTestDB(t)
	u := New(db, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := u.Run(ctx, func(ctx context.Context, tx *gorm.DB) error {
		return tx.Create(&model.StockRecord{ProductID: 1, Quantity: 10}).Error
	})
	require.Error(t, err)
	require.EqualValues(t, 0, countStocks(t, db))
}
