package model

import "time"

// OrderEventRecord 订单状态事件归档行，由 Kafka 消费端落库。
// EventID 唯一索引保证重复消费只落一条（至少一次投递 + 落库幂等）。
type OrderEventRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	EventID        string      `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	OrderID        uint        `gorm:"not null;index" json:"order_id"`
	OrderNo        string      `gorm:"size:64;not null;index" json:"order_no"`
	PreviousStatus OrderStatus `gorm:"size:20;not null" json:"previous_status"`
	NewStatus      OrderStatus `gorm:"size:20;not null" json:"new_status"`
	CustomerID     int64       `gorm:"not null" json:"customer_id"`
	ActorID        int64       `gorm:"not null" json:"actor_id"`
	OccurredAt     time.Time   `gorm:"not null" json:"occurred_at"`
}

func (OrderEventRecord) TableName() string { return "order_events" }
