package order

import (
	"time"

	"github.com/google/uuid"

	"tile_erp/internal/model"
)

// Event 订单状态域事件。核心只负责产出，投递由边界层经 outbox → Kafka 完成。
type Event struct {
	EventID        string            `json:"event_id"`
	OrderID        uint              `json:"order_id"`
	OrderNo        string            `json:"order_no"`
	PreviousStatus model.OrderStatus `json:"previous_status"`
	NewStatus      model.OrderStatus `json:"new_status"`
	CustomerID     int64             `json:"customer_id"`
	ActorID        int64             `json:"actor_id"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

func newEvent(ord model.Order, from, to model.OrderStatus, actorID int64, at time.Time) Event {
	return Event{
		EventID:        uuid.New().String(),
		OrderID:        ord.ID,
		OrderNo:        ord.OrderNo,
		PreviousStatus: from,
		NewStatus:      to,
		CustomerID:     ord.CustomerID,
		ActorID:        actorID,
		OccurredAt:     at,
	}
}
