package redis

import "fmt"

// StockCacheKey 商品可售量只读缓存键。真值在关系库 stock_records，
// 这里只是派生缓存，流转后由边界层删除失效。
func StockCacheKey(productID uint) string {
	return fmt.Sprintf("tile_erp:stock:available:%d", productID)
}

// RateLimitActorKey 按操作者限流键。
func RateLimitActorKey(actorID int64) string {
	return fmt.Sprintf("rate_limit:tile_erp:actor:%d", actorID)
}

// RateLimitIPKey 解析不到操作者时按 IP 降级限流。
func RateLimitIPKey(ip string) string {
	return fmt.Sprintf("rate_limit:tile_erp:ip:%s", ip)
}
