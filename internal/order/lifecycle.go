// Package order 是订单状态机与流转编排器。
//
// 每次流转 = 一次幂等保护 + 一个事务单元：状态推进、库存变更、派生应付
// 全部同事务提交，客户端超时重试同一幂等键不会重复占用或重复扣减库存。
// 库存不足 / 并发冲突按业务错误原样上抛，本层不自动重试整个流转，
// 由调用方决定是否带新数据再来。
package order

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/idempotency"
	"tile_erp/internal/inventory"
	"tile_erp/internal/model"
	"tile_erp/internal/sequence"
	"tile_erp/internal/uow"
)

// 幂等操作类型。
const (
	opStatusChange = "order_status_change"
	opCreate       = "order_create"
)

// 应付号在确认事务内的产号尝试次数（事务内不 sleep，撞号则整个流转按 Conflict 重来）。
const payableNoAttempts = 5

// Deps 汇集构造 Lifecycle 需要的协作者。
type Deps struct {
	UOW    *uow.UnitOfWork
	Ledger *inventory.Ledger
	Guard  *idempotency.Guard
	Seq    *sequence.Allocator
	Logger *zap.Logger
	Now    func() time.Time
}

// Lifecycle 订单生命周期编排器。
type Lifecycle struct {
	uw     *uow.UnitOfWork
	ledger *inventory.Ledger
	guard  *idempotency.Guard
	seq    *sequence.Allocator
	log    *zap.Logger
	now    func() time.Time
}

// NewLifecycle 校验依赖并创建编排器。
func NewLifecycle(deps Deps) (*Lifecycle, error) {
	if deps.UOW == nil {
		return nil, errors.New("order: unit of work is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order: inventory ledger is required")
	}
	if deps.Guard == nil {
		return nil, errors.New("order: idempotency guard is required")
	}
	if deps.Seq == nil {
		return nil, errors.New("order: sequence allocator is required")
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Lifecycle{
		uw:     deps.UOW,
		ledger: deps.Ledger,
		guard:  deps.Guard,
		seq:    deps.Seq,
		log:    log,
		now:    now,
	}, nil
}

// CreateItem 建单入参的一行。
type CreateItem struct {
	ProductID uint   `json:"product_id"`
	VariantID string `json:"variant_id"`
	BatchNo   string `json:"batch_no"`
	// Manual 手工行（运费、施工费等），不挂库存。
	Manual    bool  `json:"manual"`
	Quantity  int64 `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
	UnitCost  int64 `json:"unit_cost"`
}

// CreateRequest 建单入参。IdempotencyKey 可空（空则不做建单幂等保护）。
type CreateRequest struct {
	IdempotencyKey string       `json:"idempotency_key"`
	CustomerID     int64        `json:"customer_id"`
	SupplierID     *uint        `json:"supplier_id"`
	ActorID        int64        `json:"actor_id"`
	Items          []CreateItem `json:"items"`
}

// Summary 对外的订单摘要。
type Summary struct {
	OrderID     uint              `json:"order_id"`
	OrderNo     string            `json:"order_no"`
	Status      model.OrderStatus `json:"status"`
	CustomerID  int64             `json:"customer_id"`
	TotalAmount int64             `json:"total_amount"`
	CostAmount  int64             `json:"cost_amount"`
}

// TransitionRequest 流转入参。ReturnedQuantities 仅 completed→returned 使用，
// 键为订单行 ID，值为退货量。
type TransitionRequest struct {
	OrderID            uint              `json:"order_id"`
	IdempotencyKey     string            `json:"idempotency_key"`
	Target             model.OrderStatus `json:"target_status"`
	ActorID            int64             `json:"actor_id"`
	ReturnedQuantities map[uint]int64    `json:"returned_quantities,omitempty"`
}

// TransitionResult 流转结果：摘要 + 域事件 + 受影响商品（供上层失效缓存）。
type TransitionResult struct {
	Summary            Summary `json:"summary"`
	Event              Event   `json:"event"`
	AffectedProductIDs []uint  `json:"affected_product_ids"`
	// Replayed 标记本次返回是否来自幂等重放，不参与结果序列化。
	Replayed bool `json:"-"`
}

// Create 建草稿单：订单号经分配器产出并在同一事务内随订单行落库保号。
// 带幂等键的重复建单请求返回首单摘要，不会烧号也不会冒出第二张草稿。
func (l *Lifecycle) Create(ctx context.Context, req CreateRequest) (Summary, error) {
	if err := validateCreate(req); err != nil {
		return Summary{}, err
	}

	var (
		out      Summary
		replayed bool
	)
	fingerprint := idempotency.Fingerprint(req)

	_, err := l.seq.Allocate(ctx, sequence.ScopeOrder, func(ctx context.Context, tx *gorm.DB, orderNo string) error {
		if req.IdempotencyKey == "" {
			s, ierr := l.insertOrder(ctx, tx, req, orderNo)
			if ierr != nil {
				return ierr
			}
			out = s
			return nil
		}
		k := idempotency.Key{
			Key:           req.IdempotencyKey,
			OperationType: opCreate,
			ResourceID:    "customer:" + strconv.FormatInt(req.CustomerID, 10),
		}
		s, rep, ierr := idempotency.Do[Summary](ctx, tx, l.guard, k, fingerprint, func(tx *gorm.DB) (Summary, error) {
			return l.insertOrder(ctx, tx, req, orderNo)
		})
		if ierr != nil {
			return ierr
		}
		out, replayed = s, rep
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	if replayed {
		l.log.Info("order create replayed from idempotency record",
			zap.String("order_no", out.OrderNo))
	}
	return out, nil
}

func validateCreate(req CreateRequest) error {
	if req.CustomerID <= 0 {
		return errors.New("order: customer id is required")
	}
	if len(req.Items) == 0 {
		return errors.New("order: at least one item is required")
	}
	for i, it := range req.Items {
		if it.Quantity <= 0 {
			return fmt.Errorf("order: item %d quantity must be positive", i)
		}
		if it.UnitPrice < 0 || it.UnitCost < 0 {
			return fmt.Errorf("order: item %d price/cost must not be negative", i)
		}
		if !it.Manual && it.ProductID == 0 {
			return fmt.Errorf("order: item %d needs a product id (or mark it manual)", i)
		}
	}
	return nil
}

func (l *Lifecycle) insertOrder(ctx context.Context, tx *gorm.DB, req CreateRequest, orderNo string) (Summary, error) {
	ord := model.Order{
		OrderNo:    orderNo,
		CustomerID: req.CustomerID,
		SupplierID: req.SupplierID,
		Status:     model.StatusDraft,
	}
	for _, it := range req.Items {
		ord.TotalAmount += it.Quantity * it.UnitPrice
		ord.CostAmount += it.Quantity * it.UnitCost
		ord.Items = append(ord.Items, model.OrderItem{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			BatchNo:   it.BatchNo,
			Manual:    it.Manual,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			UnitCost:  it.UnitCost,
		})
	}
	if err := tx.WithContext(ctx).Create(&ord).Error; err != nil {
		return Summary{}, apperr.FromStorage(err)
	}
	return summarize(ord), nil
}

// Get 读取订单摘要与行。
func (l *Lifecycle) Get(ctx context.Context, orderID uint) (model.Order, error) {
	var ord model.Order
	err := l.uw.DB().WithContext(ctx).Preload("Items").First(&ord, orderID).Error
	if err != nil {
		return model.Order{}, apperr.FromStorage(err)
	}
	return ord, nil
}

// Transition 执行一次状态流转。整个流转（状态推进 + 库存副作用 + 派生应付 + 幂等记录）
// 在一个事务单元内提交；任何一步失败整体回滚，不存在半生效。
func (l *Lifecycle) Transition(ctx context.Context, req TransitionRequest) (TransitionResult, error) {
	if req.OrderID == 0 {
		return TransitionResult{}, errors.New("order: order id is required")
	}
	if req.IdempotencyKey == "" {
		return TransitionResult{}, errors.New("order: idempotency key is required for status changes")
	}
	if !req.Target.Valid() {
		return TransitionResult{}, fmt.Errorf("order: unknown target status %q: %w",
			req.Target, apperr.ErrInvalidTransition)
	}

	fingerprint := idempotency.Fingerprint(struct {
		OrderID  uint              `json:"order_id"`
		Target   model.OrderStatus `json:"target"`
		Returned map[uint]int64    `json:"returned,omitempty"`
	}{req.OrderID, req.Target, req.ReturnedQuantities})

	k := idempotency.Key{
		Key:           req.IdempotencyKey,
		OperationType: opStatusChange,
		ResourceID:    strconv.FormatUint(uint64(req.OrderID), 10),
	}

	var res TransitionResult
	err := l.uw.Run(ctx, func(ctx context.Context, tx *gorm.DB) error {
		out, replayed, err := idempotency.Do[TransitionResult](ctx, tx, l.guard, k, fingerprint,
			func(tx *gorm.DB) (TransitionResult, error) {
				return l.apply(ctx, tx, req)
			})
		if err != nil {
			return err
		}
		out.Replayed = replayed
		res = out
		return nil
	})
	if err != nil {
		return TransitionResult{}, err
	}

	l.log.Info("order transitioned",
		zap.String("order_no", res.Summary.OrderNo),
		zap.String("from", string(res.Event.PreviousStatus)),
		zap.String("to", string(res.Event.NewStatus)),
		zap.Bool("replayed", res.Replayed))
	return res, nil
}

// apply 在事务内执行真正的流转。调用前提：已在幂等保护之下。
func (l *Lifecycle) apply(ctx context.Context, tx *gorm.DB, req TransitionRequest) (TransitionResult, error) {
	var ord model.Order
	if err := tx.WithContext(ctx).Preload("Items").First(&ord, req.OrderID).Error; err != nil {
		return TransitionResult{}, apperr.FromStorage(err)
	}

	from := ord.Status
	if !CanTransition(from, req.Target) {
		return TransitionResult{}, fmt.Errorf("order %s: %s -> %s: %w",
			ord.OrderNo, from, req.Target, apperr.ErrInvalidTransition)
	}

	affected, err := l.applySideEffects(ctx, tx, &ord, from, req)
	if err != nil {
		return TransitionResult{}, err
	}

	// 状态推进本身也是条件更新：WHERE 重申 from，0 行 = 并发流转抢先，按 Conflict 上报。
	res := tx.WithContext(ctx).Model(&model.Order{}).
		Where("id = ? AND status = ?", ord.ID, from).
		Update("status", req.Target)
	if res.Error != nil {
		return TransitionResult{}, apperr.FromStorage(res.Error)
	}
	if res.RowsAffected == 0 {
		return TransitionResult{}, fmt.Errorf("order %s status moved concurrently: %w",
			ord.OrderNo, apperr.ErrConflict)
	}
	ord.Status = req.Target

	return TransitionResult{
		Summary:            summarize(ord),
		Event:              newEvent(ord, from, req.Target, req.ActorID, l.now()),
		AffectedProductIDs: affected,
	}, nil
}

// applySideEffects 按 (from, target) 执行库存与派生单据副作用，
// 返回受影响的商品 ID（没动库存则为空）。
func (l *Lifecycle) applySideEffects(
	ctx context.Context, tx *gorm.DB, ord *model.Order,
	from model.OrderStatus, req TransitionRequest,
) ([]uint, error) {
	switch {
	case from == model.StatusDraft && req.Target == model.StatusConfirmed:
		return l.confirm(ctx, tx, ord)

	case req.Target == model.StatusCancelled:
		// 草稿单从未占用库存，只有已确认单需要释放。
		if from != model.StatusConfirmed {
			return nil, nil
		}
		return l.releaseAll(ctx, tx, ord)

	case from == model.StatusConfirmed && req.Target == model.StatusShipped:
		return l.ship(ctx, tx, ord)

	case from == model.StatusShipped && req.Target == model.StatusCompleted:
		// 纯状态推进，库存已在发货时出库。
		return nil, nil

	case from == model.StatusCompleted && req.Target == model.StatusReturned:
		// 校验退货量不超过原实发量，按退货行金额派生退款单。回补入库是售后模块的事。
		if err := l.validateReturn(ord, req.ReturnedQuantities); err != nil {
			return nil, err
		}
		return nil, l.createRefund(ctx, tx, ord, req.ReturnedQuantities)
	}
	return nil, nil
}

// confirm 占用每个库存行；任何一行不足则整体失败（事务回滚撤销已占用的行），
// 并指明是哪一行失败。厂家代发且成本为正时同事务派生应付单。
func (l *Lifecycle) confirm(ctx context.Context, tx *gorm.DB, ord *model.Order) ([]uint, error) {
	affected := make([]uint, 0, len(ord.Items))
	for _, it := range ord.Items {
		if it.Manual {
			continue
		}
		key := skuOf(it)
		if err := l.ledger.Reserve(ctx, tx, key, it.Quantity, ord.OrderNo); err != nil {
			if errors.Is(err, apperr.ErrInsufficientStock) {
				return nil, fmt.Errorf("order %s item %d (sku %s): %w",
					ord.OrderNo, it.ID, key, err)
			}
			return nil, err
		}
		affected = append(affected, it.ProductID)
	}

	if ord.SupplierID != nil && ord.CostAmount > 0 {
		if err := l.createPayable(ctx, tx, ord); err != nil {
			return nil, err
		}
	}
	return dedupe(affected), nil
}

func (l *Lifecycle) releaseAll(ctx context.Context, tx *gorm.DB, ord *model.Order) ([]uint, error) {
	affected := make([]uint, 0, len(ord.Items))
	for _, it := range ord.Items {
		if it.Manual {
			continue
		}
		if err := l.ledger.Release(ctx, tx, skuOf(it), it.Quantity, ord.OrderNo); err != nil {
			return nil, err
		}
		affected = append(affected, it.ProductID)
	}
	return dedupe(affected), nil
}

// ship 把占用转为真实出库，并定格每行的实发量供退货校验。
func (l *Lifecycle) ship(ctx context.Context, tx *gorm.DB, ord *model.Order) ([]uint, error) {
	affected := make([]uint, 0, len(ord.Items))
	for i := range ord.Items {
		it := &ord.Items[i]
		if it.Manual {
			continue
		}
		if err := l.ledger.CommitOutbound(ctx, tx, skuOf(*it), it.Quantity, ord.OrderNo); err != nil {
			return nil, err
		}
		if err := tx.WithContext(ctx).Model(&model.OrderItem{}).
			Where("id = ?", it.ID).
			Update("fulfilled_quantity", it.Quantity).Error; err != nil {
			return nil, apperr.FromStorage(err)
		}
		it.FulfilledQuantity = it.Quantity
		affected = append(affected, it.ProductID)
	}
	return dedupe(affected), nil
}

func (l *Lifecycle) validateReturn(ord *model.Order, returned map[uint]int64) error {
	items := make(map[uint]model.OrderItem, len(ord.Items))
	for _, it := range ord.Items {
		items[it.ID] = it
	}
	for itemID, qty := range returned {
		it, ok := items[itemID]
		if !ok {
			return fmt.Errorf("order %s has no item %d: %w", ord.OrderNo, itemID, apperr.ErrNotFound)
		}
		if qty <= 0 {
			return fmt.Errorf("order %s item %d: returned quantity must be positive", ord.OrderNo, itemID)
		}
		if qty > it.FulfilledQuantity {
			return fmt.Errorf("order %s item %d: returned %d exceeds fulfilled %d: %w",
				ord.OrderNo, itemID, qty, it.FulfilledQuantity, apperr.ErrInvalidTransition)
		}
	}
	return nil
}

// createPayable 在确认事务内派生应付单。产号只做事务内预检重试，不 sleep；
// 插入仍撞唯一键则按 Conflict 让整个流转重来。
func (l *Lifecycle) createPayable(ctx context.Context, tx *gorm.DB, ord *model.Order) error {
	var payableNo string
	for attempt := 0; attempt < payableNoAttempts; attempt++ {
		no, err := l.seq.Next(ctx, tx, sequence.ScopePayable, attempt)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		payableNo = no
		break
	}
	if payableNo == "" {
		return fmt.Errorf("payable number for order %s: %w", ord.OrderNo, apperr.ErrConflict)
	}

	p := model.Payable{
		PayableNo:  payableNo,
		SupplierID: *ord.SupplierID,
		SourceType: "sales_order",
		SourceID:   ord.ID,
		SourceNo:   ord.OrderNo,
		Amount:     ord.CostAmount,
		Status:     model.PayablePending,
	}
	if err := tx.WithContext(ctx).Create(&p).Error; err != nil {
		return apperr.FromStorage(err)
	}
	return nil
}

// createRefund 按退货行金额在同事务派生退款单。退货明细为空时不建单（整单退的
// 金额口径由售后模块另算），产号策略与应付单一致。
func (l *Lifecycle) createRefund(ctx context.Context, tx *gorm.DB, ord *model.Order, returned map[uint]int64) error {
	if len(returned) == 0 {
		return nil
	}

	items := make(map[uint]model.OrderItem, len(ord.Items))
	for _, it := range ord.Items {
		items[it.ID] = it
	}
	var amount int64
	for itemID, qty := range returned {
		amount += qty * items[itemID].UnitPrice
	}
	if amount == 0 {
		return nil
	}

	var refundNo string
	for attempt := 0; attempt < payableNoAttempts; attempt++ {
		no, err := l.seq.Next(ctx, tx, sequence.ScopeRefund, attempt)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return err
		}
		refundNo = no
		break
	}
	if refundNo == "" {
		return fmt.Errorf("refund number for order %s: %w", ord.OrderNo, apperr.ErrConflict)
	}

	r := model.Refund{
		RefundNo:   refundNo,
		OrderID:    ord.ID,
		OrderNo:    ord.OrderNo,
		CustomerID: ord.CustomerID,
		Amount:     amount,
		Status:     model.RefundPending,
	}
	if err := tx.WithContext(ctx).Create(&r).Error; err != nil {
		return apperr.FromStorage(err)
	}
	return nil
}

func skuOf(it model.OrderItem) inventory.SKUKey {
	return inventory.SKUKey{ProductID: it.ProductID, VariantID: it.VariantID, BatchNo: it.BatchNo}
}

func summarize(ord model.Order) Summary {
	return Summary{
		OrderID:     ord.ID,
		OrderNo:     ord.OrderNo,
		Status:      ord.Status,
		CustomerID:  ord.CustomerID,
		TotalAmount: ord.TotalAmount,
		CostAmount:  ord.CostAmount,
	}
}

func dedupe(ids []uint) []uint {
	if len(ids) <= 1 {
		return ids
	}
	seen := make(map[uint]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
