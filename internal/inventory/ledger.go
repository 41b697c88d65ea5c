// Package inventory 是库存行唯一的写入口。
//
// 所有变更走同一套「条件更新 + 受影响行数」模式：UPDATE 的 WHERE 子句原地重申
// 前置条件（可用量够、版本没变），0 行生效说明前置条件已被并发写入者打破，
// 按可重试的 Conflict 上报，绝不静默吞掉。占用总量永远不会超过在库量，
// 哪怕多个实例同时抢同一行。
package inventory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/model"
)

// SKUKey 定位一条库存行：商品 × 色号 × 批次。
type SKUKey struct {
	ProductID uint
	VariantID string
	BatchNo   string
}

func (k SKUKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.ProductID, k.VariantID, k.BatchNo)
}

// Ledger 无状态，操作都在调用方事务内执行；自身不去重重复调用（那是幂等层的事）。
type Ledger struct {
	log *zap.Logger
}

// New 创建台账。
func New(log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{log: log}
}

// adjust 内部重试上限：同事务内重读重算，不 sleep。
const maxAdjustRetries = 3

func skuWhere(tx *gorm.DB, key SKUKey) *gorm.DB {
	return tx.Where("product_id = ? AND variant_id = ? AND batch_no = ?",
		key.ProductID, key.VariantID, key.BatchNo)
}

// Get 读取库存行。
func (l *Ledger) Get(ctx context.Context, tx *gorm.DB, key SKUKey) (model.StockRecord, error) {
	var rec model.StockRecord
	err := skuWhere(tx.WithContext(ctx), key).First(&rec).Error
	if err != nil {
		return model.StockRecord{}, apperr.FromStorage(err)
	}
	return rec, nil
}

// Create 登记新库存行（初始入库）。同 SKU 已存在 → Conflict。
func (l *Ledger) Create(ctx context.Context, tx *gorm.DB, key SKUKey, quantity int64) (model.StockRecord, error) {
	if quantity < 0 {
		return model.StockRecord{}, fmt.Errorf("inventory: initial quantity must be >= 0, got %d", quantity)
	}
	rec := model.StockRecord{
		ProductID: key.ProductID,
		VariantID: key.VariantID,
		BatchNo:   key.BatchNo,
		Quantity:  quantity,
	}
	if err := tx.WithContext(ctx).Create(&rec).Error; err != nil {
		return model.StockRecord{}, apperr.FromStorage(err)
	}
	if err := l.appendMovement(ctx, tx, key, model.MovementAdjust, quantity, 0, "inbound", ""); err != nil {
		return model.StockRecord{}, err
	}
	return rec, nil
}

// Reserve 占用库存：WHERE 里重申 可用量 ≥ 请求量，0 行生效再读一次行态判明原因。
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, key SKUKey, quantity int64, refNo string) error {
	if quantity <= 0 {
		return fmt.Errorf("inventory: reserve quantity must be positive, got %d", quantity)
	}

	res := skuWhere(tx.WithContext(ctx).Model(&model.StockRecord{}), key).
		Where("quantity - reserved_quantity >= ?", quantity).
		Updates(map[string]any{
			"reserved_quantity": gorm.Expr("reserved_quantity + ?", quantity),
			"version":           gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return apperr.FromStorage(res.Error)
	}
	if res.RowsAffected == 0 {
		rec, err := l.Get(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Available() < quantity {
			return fmt.Errorf("sku %s available %d < requested %d: %w",
				key, rec.Available(), quantity, apperr.ErrInsufficientStock)
		}
		// 行还在、可用量也够，只能是并发写入者抢先改了行。
		return fmt.Errorf("sku %s reserve raced: %w", key, apperr.ErrConflict)
	}
	return l.appendMovement(ctx, tx, key, model.MovementReserve, 0, quantity, "", refNo)
}

// Release 释放占用，自然下限 0（取消的单可能从未占用过）。
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, key SKUKey, quantity int64, refNo string) error {
	if quantity <= 0 {
		return fmt.Errorf("inventory: release quantity must be positive, got %d", quantity)
	}

	rec, err := l.Get(ctx, tx, key)
	if err != nil {
		return err
	}
	released := quantity
	if rec.ReservedQuantity < released {
		released = rec.ReservedQuantity
	}
	if released == 0 {
		return nil
	}

	res := skuWhere(tx.WithContext(ctx).Model(&model.StockRecord{}), key).
		Where("reserved_quantity >= ?", released).
		Updates(map[string]any{
			"reserved_quantity": gorm.Expr("reserved_quantity - ?", released),
			"version":           gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return apperr.FromStorage(res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sku %s release raced: %w", key, apperr.ErrConflict)
	}
	return l.appendMovement(ctx, tx, key, model.MovementRelease, 0, -released, "", refNo)
}

// CommitOutbound 出库：占用转为真实扣减，在库与占用同减同一数量。
func (l *Ledger) CommitOutbound(ctx context.Context, tx *gorm.DB, key SKUKey, quantity int64, refNo string) error {
	if quantity <= 0 {
		return fmt.Errorf("inventory: outbound quantity must be positive, got %d", quantity)
	}

	res := skuWhere(tx.WithContext(ctx).Model(&model.StockRecord{}), key).
		Where("quantity >= ? AND reserved_quantity >= ?", quantity, quantity).
		Updates(map[string]any{
			"quantity":          gorm.Expr("quantity - ?", quantity),
			"reserved_quantity": gorm.Expr("reserved_quantity - ?", quantity),
			"version":           gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return apperr.FromStorage(res.Error)
	}
	if res.RowsAffected == 0 {
		rec, err := l.Get(ctx, tx, key)
		if err != nil {
			return err
		}
		if rec.Quantity < quantity {
			return fmt.Errorf("sku %s on-hand %d < outbound %d: %w",
				key, rec.Quantity, quantity, apperr.ErrInsufficientStock)
		}
		// 占用量对不上说明预约账目被并发动过，交给上层带新数据重试。
		return fmt.Errorf("sku %s reserved %d < outbound %d: %w",
			key, rec.ReservedQuantity, quantity, apperr.ErrConflict)
	}
	return l.appendMovement(ctx, tx, key, model.MovementOutbound, -quantity, -quantity, "", refNo)
}

// Adjust 在库量直接修正（入库 / 盘点），与占用无关。
// 会把在库量推到负数、或压到占用量以下的修正拒绝执行（fail closed，不做钳制）。
// 版本冲突在事务内重读重算最多 maxAdjustRetries 次，仍冲突则上抛 Conflict。
func (l *Ledger) Adjust(ctx context.Context, tx *gorm.DB, key SKUKey, delta int64, reasonCode string) error {
	if delta == 0 {
		return nil
	}
	if reasonCode == "" {
		return errors.New("inventory: adjust requires a reason code")
	}

	for attempt := 0; attempt < maxAdjustRetries; attempt++ {
		rec, err := l.Get(ctx, tx, key)
		if err != nil {
			return err
		}

		newQty := rec.Quantity + delta
		if newQty < 0 {
			return fmt.Errorf("sku %s on-hand %d + delta %d would go negative: %w",
				key, rec.Quantity, delta, apperr.ErrInsufficientStock)
		}
		if newQty < rec.ReservedQuantity {
			return fmt.Errorf("sku %s adjusted on-hand %d would undercut reserved %d: %w",
				key, newQty, rec.ReservedQuantity, apperr.ErrInsufficientStock)
		}

		res := skuWhere(tx.WithContext(ctx).Model(&model.StockRecord{}), key).
			Where("version = ?", rec.Version).
			Updates(map[string]any{
				"quantity": newQty,
				"version":  gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return apperr.FromStorage(res.Error)
		}
		if res.RowsAffected == 0 {
			l.log.Debug("adjust lost version race, retrying",
				zap.String("sku", key.String()), zap.Int("attempt", attempt+1))
			continue
		}
		return l.appendMovement(ctx, tx, key, model.MovementAdjust, delta, 0, reasonCode, "")
	}
	return fmt.Errorf("sku %s adjust exhausted version retries: %w", key, apperr.ErrConflict)
}

// appendMovement 同事务追加一条流水。
func (l *Ledger) appendMovement(
	ctx context.Context, tx *gorm.DB, key SKUKey,
	kind string, qtyDelta, reservedDelta int64, reasonCode, refNo string,
) error {
	m := model.StockMovement{
		ProductID:     key.ProductID,
		VariantID:     key.VariantID,
		BatchNo:       key.BatchNo,
		Kind:          kind,
		QtyDelta:      qtyDelta,
		ReservedDelta: reservedDelta,
		ReasonCode:    reasonCode,
		RefNo:         refNo,
	}
	if err := tx.WithContext(ctx).Create(&m).Error; err != nil {
		return apperr.FromStorage(err)
	}
	return nil
}
