package model

import "time"

// IdempotencyRecord 幂等记录：(key, operation_type, resource_id) 为复合身份，
// 首次成功执行时与业务写入同事务落库，之后只读，过期前不允许原地更新。
type IdempotencyRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	Key           string `gorm:"size:64;not null;uniqueIndex:idx_idem_identity,priority:1" json:"key"`
	OperationType string `gorm:"size:40;not null;uniqueIndex:idx_idem_identity,priority:2" json:"operation_type"`
	ResourceID    string `gorm:"size:64;not null;uniqueIndex:idx_idem_identity,priority:3" json:"resource_id"`

	// Fingerprint 请求输入摘要。同键不同指纹 = 调用方复用键，按错误处理。
	Fingerprint string `gorm:"size:64;not null" json:"fingerprint"`

	// Result 首次执行结果的 JSON 序列化，重放时原样返回。
	Result string `gorm:"type:text;not null" json:"result"`

	ExpiresAt *time.Time `gorm:"index" json:"expires_at,omitempty"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_records" }
