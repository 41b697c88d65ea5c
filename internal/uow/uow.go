// Package uow 提供事务边界：一次 Run 内的全部写入要么整体提交、要么整体回滚。
//
// 隔离级别说明：SQLite 走 _txlock=immediate（BEGIN IMMEDIATE），写事务天然串行，
// 效果等同可串行化；核心正确性只依赖「条件更新 + 受影响行数」模式，
// 换到 MySQL/Postgres 时 READ COMMITTED 即可安全运行。
package uow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
)

// UnitOfWork 包装 *gorm.DB，为每次 Run 附加截止时间。
type UnitOfWork struct {
	db      *gorm.DB
	timeout time.Duration
	log     *zap.Logger
}

// New 创建事务边界。timeout <= 0 时使用默认 5s。
func New(db *gorm.DB, timeout time.Duration, log *zap.Logger) *UnitOfWork {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &UnitOfWork{db: db, timeout: timeout, log: log}
}

// DB 暴露底层连接，仅供只读查询使用；写路径必须走 Run。
func (u *UnitOfWork) DB() *gorm.DB { return u.db }

// Run 在一个事务内执行 fn：正常返回提交，出错或 panic 回滚（gorm 内部兜底 panic 回滚）。
// 超出截止时间的事务已回滚，统一折算为可重试的 ErrTimeout。
func (u *UnitOfWork) Run(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	err := u.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			u.log.Warn("unit of work timed out",
				zap.Duration("elapsed", time.Since(start)),
				zap.Duration("timeout", u.timeout))
			return apperr.ErrTimeout
		}
		return err
	}
	return nil
}
