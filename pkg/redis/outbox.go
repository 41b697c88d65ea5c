package redis

import (
	"context"

	rd "github.com/redis/go-redis/v9"
)

// AppendEvent 把域事件追加进 Redis Stream outbox，由 relay 异步转发 Kafka。
// 事件字段以扁平 map 进流，消费侧按字段名解析。
func AppendEvent(ctx context.Context, rdb *rd.Client, stream string, values map[string]any) (string, error) {
	return rdb.XAdd(ctx, &rd.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
}
