// Package apperr 定义核心子系统的封闭错误分类。
// 所有组件只通过这些哨兵值向调用方暴露失败语义，errors.Is 即可判别。
package apperr

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrInvalidTransition 非法状态流转，属于调用方使用错误，不可重试。
	ErrInvalidTransition = errors.New("order: invalid status transition")
	// ErrInsufficientStock 可用库存不足，业务错误；调用方重读库存后才有意义重试。
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrConflict 并发写冲突（条件更新 0 行 / 唯一键撞号），瞬态，可整体重试。
	ErrConflict = errors.New("storage: concurrent write conflict")
	// ErrExhaustedRetries 号段分配重试耗尽，终态失败，必须上抛排查，绝不回退到可能重复的号。
	ErrExhaustedRetries = errors.New("sequence: retries exhausted")
	// ErrTimeout 事务超出截止时间，已回滚，可安全重试。
	ErrTimeout = errors.New("storage: transaction timeout")
	// ErrNotFound 引用的订单 / 库存行 / 幂等资源不存在。
	ErrNotFound = errors.New("storage: record not found")
	// ErrIdempotencyMismatch 幂等键被复用但输入指纹不同：拒绝重放旧结果。
	ErrIdempotencyMismatch = errors.New("idempotency: key reused with different input")
)

// Retryable 报告整个操作是否值得原样重试。
// 业务错误（库存不足、非法流转）重试无意义，必须由调用方换数据再来。
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrTimeout)
}

// IsUniqueViolation 识别持久层的唯一键冲突。
// sqlite/mysql/pg 报错文案不同，gorm 1.25 起部分驱动会转换为 ErrDuplicatedKey，
// 文案匹配作为兜底。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") ||
		strings.Contains(s, "unique") ||
		strings.Contains(s, "Duplicate entry")
}

// FromStorage 把底层持久化错误折算到分类内：
// 记录缺失 → ErrNotFound，唯一键冲突 → ErrConflict，超时 → ErrTimeout，其余原样上抛。
func FromStorage(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case IsUniqueViolation(err):
		return ErrConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
