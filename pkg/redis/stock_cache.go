package redis

import (
	"context"
	"time"

	rd "github.com/redis/go-redis/v9"
)

// GetCachedAvailable 读缓存可售量。found=false 表示缓存未命中，调用方回源 DB。
func GetCachedAvailable(ctx context.Context, rdb *rd.Client, productID uint) (int64, bool, error) {
	val, err := rdb.Get(ctx, StockCacheKey(productID)).Int64()
	if err != nil {
		if err == rd.Nil {
			return 0, false, nil
		}
		return 0, false, err
	}
	return val, true, nil
}

// PutCachedAvailable 回填可售量缓存。
func PutCachedAvailable(ctx context.Context, rdb *rd.Client, productID uint, available int64, ttl time.Duration) error {
	return rdb.Set(ctx, StockCacheKey(productID), available, ttl).Err()
}

// InvalidateStock 批量失效受影响商品的库存缓存。流转已提交才调用；
// 删除失败只影响缓存新鲜度，不影响账目正确性。
func InvalidateStock(ctx context.Context, rdb *rd.Client, productIDs []uint) error {
	if len(productIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, StockCacheKey(id))
	}
	return rdb.Del(ctx, keys...).Err()
}
