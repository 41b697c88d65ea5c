package model

import (
	"time"

	"gorm.io/gorm"
)

// PayableStatus 应付单状态。付款核销属于财务模块，核心只负责建单。
type PayableStatus string

const (
	PayablePending PayableStatus = "pending"
	PayablePaid    PayableStatus = "paid"
	PayableVoid    PayableStatus = "void"
)

// Payable 应付单：厂家代发订单确认时在同一事务内派生，
// 通过 SourceID/SourceNo 回链源订单。
type Payable struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	PayableNo  string `gorm:"size:64;uniqueIndex;not null" json:"payable_no"`
	SupplierID uint   `gorm:"not null;index" json:"supplier_id"`

	SourceType string `gorm:"size:20;not null;default:'sales_order'" json:"source_type"`
	SourceID   uint   `gorm:"not null;index" json:"source_id"`
	SourceNo   string `gorm:"size:64;not null" json:"source_no"`

	Amount int64         `gorm:"not null" json:"amount"` // 分
	Status PayableStatus `gorm:"size:20;not null;default:'pending'" json:"status"`
}

func (Payable) TableName() string { return "payables" }
