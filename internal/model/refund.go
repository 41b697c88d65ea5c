package model

import (
	"time"

	"gorm.io/gorm"
)

// RefundStatus 退款单状态。打款核销属于财务模块，核心只负责建单。
type RefundStatus string

const (
	RefundPending RefundStatus = "pending"
	RefundPaid    RefundStatus = "paid"
	RefundVoid    RefundStatus = "void"
)

// Refund 退款单：订单退货时按退货行金额派生，回链源订单。
// 库存回补不在此处，由售后入库单独立处理。
type Refund struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	RefundNo   string `gorm:"size:64;uniqueIndex;not null" json:"refund_no"`
	OrderID    uint   `gorm:"not null;index" json:"order_id"`
	OrderNo    string `gorm:"size:64;not null" json:"order_no"`
	CustomerID int64  `gorm:"not null;index" json:"customer_id"`

	Amount int64        `gorm:"not null" json:"amount"` // 分
	Status RefundStatus `gorm:"size:20;not null;default:'pending'" json:"status"`
}

func (Refund) TableName() string { return "refunds" }
