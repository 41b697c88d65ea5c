package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Relay 将 Redis Stream outbox 里的订单事件异步转发到 Kafka。
// 语义：发布 Kafka 成功后才 ACK Stream，失败则保留消息等待重试。
type Relay struct {
	rdb      *rd.Client
	producer *Producer
	log      *zap.Logger

	stream   string
	group    string
	consumer string
}

func NewRelay(rdb *rd.Client, producer *Producer, log *zap.Logger, stream, group, consumer string) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		rdb:      rdb,
		producer: producer,
		log:      log,
		stream:   stream,
		group:    group,
		consumer: consumer,
	}
}

func (r *Relay) Run(ctx context.Context) {
	if err := r.ensureGroup(ctx); err != nil {
		r.log.Error("relay ensure group", zap.Error(err))
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		// 先尝试处理当前消费者历史 pending，避免遗留消息长期堆积。
		msgs, err := r.readGroup(ctx, "0", 0)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Warn("relay read pending", zap.Error(err))
			time.Sleep(300 * time.Millisecond)
			continue
		}
		if len(msgs) == 0 {
			msgs, err = r.readGroup(ctx, ">", 2*time.Second)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return
				}
				r.log.Warn("relay read new", zap.Error(err))
				time.Sleep(300 * time.Millisecond)
				continue
			}
		}

		for _, xm := range msgs {
			if err := r.processOne(ctx, xm); err != nil {
				// 发布失败不 ACK，消息会继续保留用于重试。
				r.log.Warn("relay process message", zap.String("id", xm.ID), zap.Error(err))
				time.Sleep(200 * time.Millisecond)
				break
			}
		}
	}
}

func (r *Relay) ensureGroup(ctx context.Context) error {
	err := r.rdb.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (r *Relay) readGroup(ctx context.Context, streamID string, block time.Duration) ([]rd.XMessage, error) {
	streams, err := r.rdb.XReadGroup(ctx, &rd.XReadGroupArgs{
		Group:    r.group,
		Consumer: r.consumer,
		Streams:  []string{r.stream, streamID},
		Count:    16,
		Block:    block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rd.XMessage, 0, 16)
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

func (r *Relay) processOne(ctx context.Context, xm rd.XMessage) error {
	msg, err := parseEventMessage(xm.Values)
	if err != nil {
		// 脏消息直接 ACK 丢弃，避免阻塞队列。
		if ackErr := r.ackAndDelete(ctx, xm.ID); ackErr != nil {
			return fmt.Errorf("parse failed: %v, ack failed: %w", err, ackErr)
		}
		r.log.Warn("relay dropped malformed event", zap.String("id", xm.ID), zap.Error(err))
		return nil
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.producer.Publish(pubCtx, msg); err != nil {
		return err
	}
	return r.ackAndDelete(ctx, xm.ID)
}

func (r *Relay) ackAndDelete(ctx context.Context, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.XAck(ctx, r.stream, r.group, id)
	pipe.XDel(ctx, r.stream, id)
	_, err := pipe.Exec(ctx)
	return err
}

func parseEventMessage(values map[string]interface{}) (OrderEventMessage, error) {
	eventID, err := getStreamString(values, "event_id")
	if err != nil {
		return OrderEventMessage{}, err
	}
	orderStr, err := getStreamString(values, "order_id")
	if err != nil {
		return OrderEventMessage{}, err
	}
	orderNo, err := getStreamString(values, "order_no")
	if err != nil {
		return OrderEventMessage{}, err
	}
	prevStatus, err := getStreamString(values, "previous_status")
	if err != nil {
		return OrderEventMessage{}, err
	}
	newStatus, err := getStreamString(values, "new_status")
	if err != nil {
		return OrderEventMessage{}, err
	}
	customerStr, err := getStreamString(values, "customer_id")
	if err != nil {
		return OrderEventMessage{}, err
	}
	actorStr, err := getStreamString(values, "actor_id")
	if err != nil {
		return OrderEventMessage{}, err
	}
	occurredAt, err := getStreamString(values, "occurred_at")
	if err != nil {
		return OrderEventMessage{}, err
	}

	orderID64, err := strconv.ParseUint(orderStr, 10, 64)
	if err != nil {
		return OrderEventMessage{}, fmt.Errorf("invalid order_id %q", orderStr)
	}
	customerID, err := strconv.ParseInt(customerStr, 10, 64)
	if err != nil {
		return OrderEventMessage{}, fmt.Errorf("invalid customer_id %q", customerStr)
	}
	actorID, err := strconv.ParseInt(actorStr, 10, 64)
	if err != nil {
		return OrderEventMessage{}, fmt.Errorf("invalid actor_id %q", actorStr)
	}

	msg := OrderEventMessage{
		EventID:        eventID,
		OrderID:        uint(orderID64),
		OrderNo:        orderNo,
		PreviousStatus: prevStatus,
		NewStatus:      newStatus,
		CustomerID:     customerID,
		ActorID:        actorID,
		OccurredAt:     occurredAt,
	}
	if err := msg.Validate(); err != nil {
		return OrderEventMessage{}, err
	}
	return msg, nil
}

func getStreamString(values map[string]interface{}, key string) (string, error) {
	v, ok := values[key]
	if !ok {
		return "", fmt.Errorf("missing field %s", key)
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported field type %s: %T", key, v)
	}
}
