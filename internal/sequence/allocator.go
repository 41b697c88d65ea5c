// Package sequence 生成日切、带前缀、人读友好的单据号（订单号 / 应付号 / 退款号）。
//
// 多实例部署下没有进程内单例计数器可用，采用「扫最大号 + 乐观插入 + 抖动重试」：
// 同事务内扫描当日前缀的最大号并自增，叠加随机 / 尝试次数 / 亚秒时间三重偏移
// 摊薄并发撞号概率；唯一键仍然冲突则退避重试，重试耗尽即终态失败，
// 绝不降级返回可能重复的号。号段允许空洞——可用性优先于连号。
package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/uow"
)

// Scope 描述一类单据号：前缀 + 承载唯一索引的表与列。
// 分配器扫描该表推导下一序号，因此不需要独立计数表。
type Scope struct {
	Prefix string
	Table  string
	Column string
}

// 预置号段。XS=销售，YF=应付，TK=退款。
var (
	ScopeOrder   = Scope{Prefix: "XS", Table: "orders", Column: "order_no"}
	ScopePayable = Scope{Prefix: "YF", Table: "payables", Column: "payable_no"}
	ScopeRefund  = Scope{Prefix: "TK", Table: "refunds", Column: "refund_no"}
)

// Config 重试与格式参数。
type Config struct {
	// MaxAttempts 撞号重试上限，超过即 ErrExhaustedRetries。
	MaxAttempts int
	// BaseDelay / DelayIncrement / Jitter 组成退避：base + attempt*increment + rand(jitter)。
	BaseDelay      time.Duration
	DelayIncrement time.Duration
	Jitter         time.Duration
	// SuffixWidth 序号补零宽度；溢出时向左自然加宽，不截断不回绕。
	SuffixWidth int
}

// DefaultConfig 生产默认值：15 次尝试后终态失败。
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    15,
		BaseDelay:      20 * time.Millisecond,
		DelayIncrement: 10 * time.Millisecond,
		Jitter:         30 * time.Millisecond,
		SuffixWidth:    6,
	}
}

// Allocator 单据号分配器，无共享可变状态，可被并发调用。
type Allocator struct {
	uw  *uow.UnitOfWork
	cfg Config
	now func() time.Time
	log *zap.Logger
}

// New 创建分配器。now 为 nil 时取 time.Now。
func New(uw *uow.UnitOfWork, cfg Config, now func() time.Time, log *zap.Logger) *Allocator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.SuffixWidth <= 0 {
		cfg.SuffixWidth = DefaultConfig().SuffixWidth
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Allocator{uw: uw, cfg: cfg, now: now, log: log}
}

// Next 在调用方事务内产出一个候选号：扫当日前缀最大号、自增并叠加偏移、预检存在性。
// 候选已存在 → ErrConflict（可重试）。真正的保号靠调用方在同事务内插入带唯一索引的行。
func (a *Allocator) Next(ctx context.Context, tx *gorm.DB, scope Scope, attempt int) (string, error) {
	now := a.now()
	prefix := scope.Prefix + now.Format("20060102")

	// 裸 Table 查询不带软删除条件，已删单据占用的号也不会复用。
	var maxNo sql.NullString
	err := tx.WithContext(ctx).Table(scope.Table).
		Where(scope.Column+" LIKE ?", prefix+"%").
		Select("MAX(" + scope.Column + ")").
		Scan(&maxNo).Error
	if err != nil {
		return "", apperr.FromStorage(err)
	}

	seq := int64(0)
	if maxNo.Valid && strings.HasPrefix(maxNo.String, prefix) {
		if n, perr := strconv.ParseInt(maxNo.String[len(prefix):], 10, 64); perr == nil {
			seq = n
		}
	}

	// 随机 + 尝试次数 + 亚秒偏移：并发分配者各自跳到大概率不同的落点。
	seq += 1 + int64(rand.Intn(9)) + int64(attempt)*3 + int64(now.Nanosecond()/1e8%5)
	candidate := fmt.Sprintf("%s%0*d", prefix, a.cfg.SuffixWidth, seq)

	var count int64
	if err := tx.WithContext(ctx).Table(scope.Table).
		Where(scope.Column+" = ?", candidate).
		Count(&count).Error; err != nil {
		return "", apperr.FromStorage(err)
	}
	if count > 0 {
		return "", fmt.Errorf("candidate %s taken: %w", candidate, apperr.ErrConflict)
	}
	return candidate, nil
}

// Allocate 完成一次「产号 + 保号」：每次尝试开启独立事务，把候选号交给 reserve
// 落带唯一索引的行。撞号（唯一键冲突或预检命中）→ 抖动退避后重试；
// 其他错误立即上抛；重试耗尽 → ErrExhaustedRetries。
func (a *Allocator) Allocate(
	ctx context.Context,
	scope Scope,
	reserve func(ctx context.Context, tx *gorm.DB, id string) error,
) (string, error) {
	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := a.sleep(ctx, attempt); err != nil {
				return "", err
			}
		}

		var id string
		err := a.uw.Run(ctx, func(ctx context.Context, tx *gorm.DB) error {
			candidate, err := a.Next(ctx, tx, scope, attempt)
			if err != nil {
				return err
			}
			if err := reserve(ctx, tx, candidate); err != nil {
				return err
			}
			id = candidate
			return nil
		})
		if err == nil {
			if attempt > 0 {
				a.log.Info("sequence allocated after retries",
					zap.String("scope", scope.Prefix),
					zap.String("id", id),
					zap.Int("attempt", attempt+1))
			}
			return id, nil
		}
		if apperr.IsUniqueViolation(err) || errors.Is(err, apperr.ErrConflict) {
			lastErr = err
			continue
		}
		return "", err
	}
	return "", fmt.Errorf("scope %s gave up after %d attempts (last: %v): %w",
		scope.Prefix, a.cfg.MaxAttempts, lastErr, apperr.ErrExhaustedRetries)
}

// sleep 抖动指数退避，同时响应 ctx 取消。
func (a *Allocator) sleep(ctx context.Context, attempt int) error {
	d := a.cfg.BaseDelay + time.Duration(attempt)*a.cfg.DelayIncrement
	if a.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(a.cfg.Jitter)))
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
