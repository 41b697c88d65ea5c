package model

import (
	"time"

	"gorm.io/gorm"
)

// StockRecord 库存行，SKU 维度 = 商品 × 色号 × 批次（瓷砖同款不同窑批色差大，必须分批管理）。
// 行内不变量：0 ≤ ReservedQuantity ≤ Quantity。
// 只允许 inventory.Ledger 通过条件更新改写，订单逻辑不得直写。
type StockRecord struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	ProductID uint   `gorm:"not null;uniqueIndex:idx_stock_sku,priority:1" json:"product_id"`
	VariantID string `gorm:"size:64;not null;default:'';uniqueIndex:idx_stock_sku,priority:2" json:"variant_id"`
	BatchNo   string `gorm:"size:64;not null;default:'';uniqueIndex:idx_stock_sku,priority:3" json:"batch_no"`

	// Quantity 在库量（片），ReservedQuantity 已被未出库订单占用量。
	Quantity         int64 `gorm:"not null;default:0" json:"quantity"`
	ReservedQuantity int64 `gorm:"not null;default:0" json:"reserved_quantity"`
	// Version 乐观锁令牌，每次成功写入自增。
	Version int64 `gorm:"not null;default:0" json:"version"`
}

func (StockRecord) TableName() string { return "stock_records" }

// Available 可售量 = 在库 - 占用。
func (s StockRecord) Available() int64 { return s.Quantity - s.ReservedQuantity }

// 库存流水类型。
const (
	MovementReserve  = "reserve"  // 占用
	MovementRelease  = "release"  // 释放占用
	MovementOutbound = "outbound" // 出库（在库与占用同减）
	MovementAdjust   = "adjust"   // 盘点 / 入库调整
)

// StockMovement 追加式库存流水，Ledger 每次成功变更同事务落一条，供对账与审计。
type StockMovement struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	ProductID uint   `gorm:"not null;index:idx_movement_sku,priority:1" json:"product_id"`
	VariantID string `gorm:"size:64;not null;default:''" json:"variant_id"`
	BatchNo   string `gorm:"size:64;not null;default:''" json:"batch_no"`

	Kind          string `gorm:"size:20;not null;index" json:"kind"`
	QtyDelta      int64  `gorm:"not null;default:0" json:"qty_delta"`
	ReservedDelta int64  `gorm:"not null;default:0" json:"reserved_delta"`
	// ReasonCode 仅 adjust 使用（如 inbound / stocktake / damage）。
	ReasonCode string `gorm:"size:32" json:"reason_code"`
	// RefNo 关联单据号（订单号等），可为空。
	RefNo string `gorm:"size:64;index" json:"ref_no"`
}

func (StockMovement) TableName() string { return "stock_movements" }
