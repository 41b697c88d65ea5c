package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/model"
)

// Consumer 消费订单状态事件并归档进 order_events，形成可查询的审计轨迹。
// Kafka 至少一次投递 + event_id 唯一索引 = 落库幂等。
type Consumer struct {
	r   *kafka.Reader
	db  *gorm.DB
	log *zap.Logger
}

func NewConsumer(brokers []string, topic, groupID string, db *gorm.DB, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1e3,
			MaxBytes: 1e6,
		}),
		db:  db,
		log: log,
	}
}

func (c *Consumer) Close() error { return c.r.Close() }

func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.r.ReadMessage(ctx)
		if err != nil {
			return // ctx cancel / 连接断开等
		}

		var msg OrderEventMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			c.log.Warn("consumer unmarshal", zap.Error(err))
			continue
		}
		if err := msg.Validate(); err != nil {
			c.log.Warn("consumer dropped malformed event", zap.Error(err))
			continue
		}

		occurredAt, err := time.Parse(time.RFC3339Nano, msg.OccurredAt)
		if err != nil {
			occurredAt = time.Now()
		}

		rec := &model.OrderEventRecord{
			EventID:        msg.EventID,
			OrderID:        msg.OrderID,
			OrderNo:        msg.OrderNo,
			PreviousStatus: model.OrderStatus(msg.PreviousStatus),
			NewStatus:      model.OrderStatus(msg.NewStatus),
			CustomerID:     msg.CustomerID,
			ActorID:        msg.ActorID,
			OccurredAt:     occurredAt,
		}
		if err := c.db.Create(rec).Error; err != nil {
			// 幂等：重复消息触发 event_id 唯一冲突，直接当作成功。
			if apperr.IsUniqueViolation(err) {
				continue
			}
			c.log.Warn("consumer archive event", zap.String("event_id", msg.EventID), zap.Error(err))
			continue
		}
	}
}
