// Package idempotency 把「带键的状态变更」包成至多一次执行：
// 同一 (key, operation_type, resource_id) 的重复调用不再执行副作用，
// 直接返回首次结果。记录与业务写入同事务提交，"副作用已生效但记录没存上"
// 的窗口在构造上不存在。
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/model"
)

// Key 幂等身份三元组。
type Key struct {
	Key           string // 调用方提供的幂等键
	OperationType string // 如 order_status_change / order_create
	ResourceID    string // 作用的资源，如订单 ID
}

// Guard 持有记录有效期策略。ttl = 0 表示记录永不过期。
type Guard struct {
	ttl time.Duration
	now func() time.Time
}

// New 创建 Guard。
func New(ttl time.Duration, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{ttl: ttl, now: now}
}

// Fingerprint 计算请求输入的稳定摘要，入库后用来识别「同键不同请求」的误用。
func Fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		// 指纹仅用于误用检测，序列化失败退化为类型名，不阻断主流程。
		b = []byte(fmt.Sprintf("%T", v))
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// Do 在调用方事务内执行受保护操作：
//   - 命中未过期记录：校验指纹后重放存量结果，op 不再执行（replayed=true）；
//   - 指纹不符：ErrIdempotencyMismatch，拒绝用旧结果糊弄新请求；
//   - 未命中：执行 op，成功后在同一事务内落记录。op 失败不落记录，调用方可自由重试。
//
// 两个并发首调会在唯一索引上分出胜负：败者拿到 Conflict，重试即命中重放。
func Do[T any](
	ctx context.Context,
	tx *gorm.DB,
	g *Guard,
	k Key,
	fingerprint string,
	op func(tx *gorm.DB) (T, error),
) (T, bool, error) {
	var zero T
	if k.Key == "" || k.OperationType == "" || k.ResourceID == "" {
		return zero, false, errors.New("idempotency: key, operation type and resource id are all required")
	}

	now := g.now()

	var rec model.IdempotencyRecord
	err := tx.WithContext(ctx).
		Where("key = ? AND operation_type = ? AND resource_id = ?", k.Key, k.OperationType, k.ResourceID).
		First(&rec).Error
	switch {
	case err == nil:
		if rec.ExpiresAt == nil || now.Before(*rec.ExpiresAt) {
			if rec.Fingerprint != fingerprint {
				return zero, false, fmt.Errorf("operation %s on %s: %w",
					k.OperationType, k.ResourceID, apperr.ErrIdempotencyMismatch)
			}
			var out T
			if uerr := json.Unmarshal([]byte(rec.Result), &out); uerr != nil {
				return zero, false, fmt.Errorf("idempotency: decode stored result: %w", uerr)
			}
			return out, true, nil
		}
		// 过期记录让位给新一次执行：同事务内先删再插，身份索引不会双占。
		if derr := tx.WithContext(ctx).Delete(&rec).Error; derr != nil {
			return zero, false, apperr.FromStorage(derr)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 首次执行
	default:
		return zero, false, apperr.FromStorage(err)
	}

	out, err := op(tx)
	if err != nil {
		return zero, false, err
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return zero, false, fmt.Errorf("idempotency: encode result: %w", err)
	}
	newRec := model.IdempotencyRecord{
		Key:           k.Key,
		OperationType: k.OperationType,
		ResourceID:    k.ResourceID,
		Fingerprint:   fingerprint,
		Result:        string(payload),
	}
	if g.ttl > 0 {
		exp := now.Add(g.ttl)
		newRec.ExpiresAt = &exp
	}
	if err := tx.WithContext(ctx).Create(&newRec).Error; err != nil {
		// 唯一索引冲突：并发首调输了，让调用方重试去命中对方的结果。
		return zero, false, apperr.FromStorage(err)
	}
	return out, false, nil
}
