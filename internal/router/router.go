package router

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/config"
	"tile_erp/internal/inventory"
	"tile_erp/internal/middleware"
	"tile_erp/internal/model"
	"tile_erp/internal/order"
	"tile_erp/internal/queue"
	"tile_erp/internal/uow"
	rediskey "tile_erp/pkg/redis"
)

// Deps 路由层依赖。
type Deps struct {
	DB        *gorm.DB
	UOW       *uow.UnitOfWork
	Ledger    *inventory.Ledger
	Lifecycle *order.Lifecycle
	RDB       *rd.Client
	Cfg       config.AppConfig
	Log       *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps) {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	limited := middleware.RedisRateLimit(d.RDB, d.Cfg.MutateRateLimit, d.Cfg.MutateRateWindow)

	// Orders
	r.POST("/api/orders", limited, createOrder(d))
	r.GET("/api/orders/:id", getOrder(d))
	r.POST("/api/orders/:id/transitions", limited, transitionOrder(d))
	// Stocks
	r.POST("/api/stocks", limited, createStock(d))
	r.POST("/api/stocks/adjust", limited, adjustStock(d))
	r.GET("/api/stocks/:product_id", getStock(d))
}

// writeError 把核心错误分类映射为边界层响应：
// 业务错误给可纠正的 400 族，瞬态冲突/超时提示重试，号段耗尽按运维事故上报。
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "msg": "资源不存在"})
	case errors.Is(err, apperr.ErrInvalidTransition):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
	case errors.Is(err, apperr.ErrInsufficientStock):
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "库存不足: " + err.Error()})
	case errors.Is(err, apperr.ErrIdempotencyMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"code": 422, "msg": "幂等键已被不同请求占用"})
	case errors.Is(err, apperr.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"code": 409, "msg": "并发冲突，请重试"})
	case errors.Is(err, apperr.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"code": 504, "msg": "处理超时，请重试"})
	case errors.Is(err, apperr.ErrExhaustedRetries):
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": "单据号分配失败，请联系管理员"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"code": 500, "msg": err.Error()})
	}
}

// createOrder 建草稿单。客户端没带幂等键时由服务端补一个，
// 返回体里回显，便于客户端超时后凭同键重试。
func createOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req order.CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}
		if req.IdempotencyKey == "" {
			req.IdempotencyKey = uuid.New().String()
		}

		summary, err := d.Lifecycle.Create(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order":           summary,
			"idempotency_key": req.IdempotencyKey,
		}})
	}
}

func getOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "订单ID无效"})
			return
		}
		ord, err := d.Lifecycle.Get(c.Request.Context(), uint(id))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": ord})
	}
}

// transitionOrder 状态流转入口。
// 关键流程：
// 1. 参数与幂等键校验
// 2. Lifecycle 在一个事务单元内完成 状态推进 + 库存副作用 + 派生应付
// 3. 提交成功后：域事件进 Redis Stream outbox（Relay 转 Kafka）
// 4. 删除受影响商品的库存缓存
func transitionOrder(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "订单ID无效"})
			return
		}

		var req struct {
			IdempotencyKey     string         `json:"idempotency_key" binding:"required"`
			TargetStatus       string         `json:"target_status" binding:"required"`
			ActorID            int64          `json:"actor_id" binding:"required,min=1"`
			ReturnedQuantities map[uint]int64 `json:"returned_quantities"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		res, err := d.Lifecycle.Transition(c.Request.Context(), order.TransitionRequest{
			OrderID:            uint(id),
			IdempotencyKey:     req.IdempotencyKey,
			Target:             model.OrderStatus(req.TargetStatus),
			ActorID:            req.ActorID,
			ReturnedQuantities: req.ReturnedQuantities,
		})
		if err != nil {
			writeError(c, err)
			return
		}

		ctx := c.Request.Context()
		if !res.Replayed {
			// 事件与缓存失效都是尽力而为：失败只记日志，不影响已提交的流转。
			msg := queue.FromEvent(res.Event)
			if _, err := rediskey.AppendEvent(ctx, d.RDB, d.Cfg.OrderEventStream, msg.StreamValues()); err != nil {
				d.Log.Warn("append event to outbox", zap.String("event_id", msg.EventID), zap.Error(err))
			}
			if err := rediskey.InvalidateStock(ctx, d.RDB, res.AffectedProductIDs); err != nil {
				d.Log.Warn("invalidate stock cache", zap.Error(err))
			}
		}

		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
			"order":    res.Summary,
			"event_id": res.Event.EventID,
			"replayed": res.Replayed,
		}})
	}
}

// createStock 登记库存行（初始入库）。
func createStock(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID uint   `json:"product_id" binding:"required,min=1"`
			VariantID string `json:"variant_id"`
			BatchNo   string `json:"batch_no"`
			Quantity  int64  `json:"quantity" binding:"required,min=1"`
			ActorID   int64  `json:"actor_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		key := inventory.SKUKey{ProductID: req.ProductID, VariantID: req.VariantID, BatchNo: req.BatchNo}
		var rec model.StockRecord
		err := d.UOW.Run(c.Request.Context(), func(ctx context.Context, tx *gorm.DB) error {
			created, cerr := d.Ledger.Create(ctx, tx, key, req.Quantity)
			if cerr != nil {
				return cerr
			}
			rec = created
			return nil
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": rec})
	}
}

// adjustStock 在库量直接修正（盘点 / 入库 / 报损）。
func adjustStock(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			ProductID  uint   `json:"product_id" binding:"required,min=1"`
			VariantID  string `json:"variant_id"`
			BatchNo    string `json:"batch_no"`
			Delta      int64  `json:"delta" binding:"required"`
			ReasonCode string `json:"reason_code" binding:"required"`
			ActorID    int64  `json:"actor_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": err.Error()})
			return
		}

		key := inventory.SKUKey{ProductID: req.ProductID, VariantID: req.VariantID, BatchNo: req.BatchNo}
		err := d.UOW.Run(c.Request.Context(), func(ctx context.Context, tx *gorm.DB) error {
			return d.Ledger.Adjust(ctx, tx, key, req.Delta, req.ReasonCode)
		})
		if err != nil {
			writeError(c, err)
			return
		}

		if err := rediskey.InvalidateStock(c.Request.Context(), d.RDB, []uint{req.ProductID}); err != nil {
			d.Log.Warn("invalidate stock cache", zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "调整成功"})
	}
}

// getStock 查询商品可售量：先读缓存，未命中回源 DB 汇总后再回填。
func getStock(d Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("product_id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": 400, "msg": "商品ID无效"})
			return
		}
		productID := uint(id)
		ctx := c.Request.Context()

		if cached, found, cerr := rediskey.GetCachedAvailable(ctx, d.RDB, productID); cerr == nil && found {
			c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"available": cached, "cached": true}})
			return
		}

		var available int64
		err = d.DB.WithContext(ctx).Model(&model.StockRecord{}).
			Where("product_id = ?", productID).
			Select("COALESCE(SUM(quantity - reserved_quantity), 0)").
			Scan(&available).Error
		if err != nil {
			writeError(c, apperr.FromStorage(err))
			return
		}

		if err := rediskey.PutCachedAvailable(ctx, d.RDB, productID, available, d.Cfg.StockCacheTTL); err != nil {
			d.Log.Warn("refill stock cache", zap.Error(err))
		}
		c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{"available": available, "cached": false}})
	}
}
