package model

import (
	"time"

	"gorm.io/gorm"
)

// OrderStatus 订单状态，封闭枚举。合法流转由 internal/order 的流转表定义，
// 不在调用点散落字符串比较。
type OrderStatus string

const (
	StatusDraft     OrderStatus = "draft"     // 草稿，可改
	StatusConfirmed OrderStatus = "confirmed" // 已确认，库存已占用
	StatusShipped   OrderStatus = "shipped"   // 已发货，库存已出库
	StatusCompleted OrderStatus = "completed" // 已完成（终态）
	StatusCancelled OrderStatus = "cancelled" // 已取消（终态）
	StatusReturned  OrderStatus = "returned"  // 已退货（终态）
)

// Valid 报告状态是否属于枚举。
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusConfirmed, StatusShipped, StatusCompleted, StatusCancelled, StatusReturned:
		return true
	}
	return false
}

// Terminal 报告状态是否为终态。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusReturned:
		return true
	}
	return false
}

// Order 销售订单。OrderNo 建单时一次性生成，终身不变；
// 状态只能经 order.Lifecycle 流转，核心不做物理删除。
type Order struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	OrderNo    string      `gorm:"size:64;uniqueIndex;not null" json:"order_no"`
	CustomerID int64       `gorm:"not null;index" json:"customer_id"`
	Status     OrderStatus `gorm:"size:20;not null;default:'draft';index" json:"status"`

	// SupplierID 非空表示厂家代发单，确认时联动生成应付。
	SupplierID *uint `gorm:"index" json:"supplier_id,omitempty"`

	TotalAmount int64 `gorm:"not null;default:0" json:"total_amount"` // 分
	CostAmount  int64 `gorm:"not null;default:0" json:"cost_amount"`  // 分

	Items []OrderItem `json:"items"`
}

func (Order) TableName() string { return "orders" }

// OrderItem 订单行，独占从属于一张订单。
// Manual 行（如运费、施工费）不挂库存，Ledger 不处理。
type OrderItem struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	OrderID uint `gorm:"not null;index" json:"order_id"`

	ProductID uint   `gorm:"not null;index" json:"product_id"`
	VariantID string `gorm:"size:64;not null;default:''" json:"variant_id"`
	BatchNo   string `gorm:"size:64;not null;default:''" json:"batch_no"`
	Manual    bool   `gorm:"not null;default:false" json:"manual"`

	Quantity  int64 `gorm:"not null" json:"quantity"`
	UnitPrice int64 `gorm:"not null" json:"unit_price"` // 分
	UnitCost  int64 `gorm:"not null;default:0" json:"unit_cost"`

	// FulfilledQuantity 发货时定格的实际出库量，退货校验以此为上限。
	FulfilledQuantity int64 `gorm:"not null;default:0" json:"fulfilled_quantity"`
}

func (OrderItem) TableName() string { return "order_items" }
