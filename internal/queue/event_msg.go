package queue

import (
	"fmt"
	"time"

	"tile_erp/internal/model"
	"tile_erp/internal/order"
)

// OrderEventMessage 是进出 Kafka / Redis Stream 的订单状态事件。
type OrderEventMessage struct {
	EventID        string `json:"event_id"`
	OrderID        uint   `json:"order_id"`
	OrderNo        string `json:"order_no"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
	CustomerID     int64  `json:"customer_id"`
	ActorID        int64  `json:"actor_id"`
	OccurredAt     string `json:"occurred_at"` // RFC3339Nano
}

// FromEvent 把域事件折算为传输消息。
func FromEvent(ev order.Event) OrderEventMessage {
	return OrderEventMessage{
		EventID:        ev.EventID,
		OrderID:        ev.OrderID,
		OrderNo:        ev.OrderNo,
		PreviousStatus: string(ev.PreviousStatus),
		NewStatus:      string(ev.NewStatus),
		CustomerID:     ev.CustomerID,
		ActorID:        ev.ActorID,
		OccurredAt:     ev.OccurredAt.Format(time.RFC3339Nano),
	}
}

// StreamValues 展开为 Redis Stream 的扁平字段。
func (m OrderEventMessage) StreamValues() map[string]any {
	return map[string]any{
		"event_id":        m.EventID,
		"order_id":        int64(m.OrderID),
		"order_no":        m.OrderNo,
		"previous_status": m.PreviousStatus,
		"new_status":      m.NewStatus,
		"customer_id":     m.CustomerID,
		"actor_id":        m.ActorID,
		"occurred_at":     m.OccurredAt,
	}
}

// Validate 做最小字段校验，防止消费者处理脏消息。
func (m OrderEventMessage) Validate() error {
	if m.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if m.OrderID == 0 {
		return fmt.Errorf("order_id is required")
	}
	if m.OrderNo == "" {
		return fmt.Errorf("order_no is required")
	}
	if !model.OrderStatus(m.PreviousStatus).Valid() {
		return fmt.Errorf("previous_status %q is not a known status", m.PreviousStatus)
	}
	if !model.OrderStatus(m.NewStatus).Valid() {
		return fmt.Errorf("new_status %q is not a known status", m.NewStatus)
	}
	return nil
}
