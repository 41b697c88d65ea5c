package order

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tile_erp/internal/apperr"
	"tile_erp/internal/idempotency"
	"tile_erp/internal/inventory"
	"tile_erp/internal/model"
	"tile_erp/internal/sequence"
	"tile_erp/internal/uow"
)

type testEnv struct {
	db     *gorm.DB
	ledger *inventory.Ledger
	lc     *Lifecycle
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/test.db?_busy_timeout=5000&_txlock=immediate", t.TempDir())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.StockRecord{},
		&model.StockMovement{},
		&model.Order{},
		&model.OrderItem{},
		&model.IdempotencyRecord{},
		&model.Payable{},
		&model.Refund{},
	))

	uw := uow.New(db, 5*time.Second, nil)
	ledger := inventory.New(nil)
	seq := sequence.New(uw, sequence.Config{
		MaxAttempts:    15,
		BaseDelay:      time.Millisecond,
		DelayIncrement: time.Millisecond,
		Jitter:         time.Millisecond,
		SuffixWidth:    6,
	}, nil, nil)

	lc, err := NewLifecycle(Deps{
		UOW:    uw,
		Ledger: ledger,
		Guard:  idempotency.New(0, nil),
		Seq:    seq,
	})
	require.NoError(t, err)
	return &testEnv{db: db, ledger: ledger, lc: lc}
}

func (e *testEnv) seedStock(t *testing.T, productID uint, qty int64) {
	t.Helper()
	_, err := e.ledger.Create(context.Background(), e.db,
		inventory.SKUKey{ProductID: productID}, qty)
	require.NoError(t, err)
}

func (e *testEnv) stockOf(t *testing.T, productID uint) model.StockRecord {
	t.Helper()
	rec, err := e.ledger.Get(context.Background(), e.db,
		inventory.SKUKey{ProductID: productID})
	require.NoError(t, err)
	return rec
}

func (e *testEnv) createDraft(t *testing.T, items ...CreateItem) Summary {
	t.Helper()
	s, err := e.lc.Create(context.Background(), CreateRequest{
		CustomerID: 100,
		ActorID:    1,
		Items:      items,
	})
	require.NoError(t, err)
	return s
}

func (e *testEnv) transition(t *testing.T, orderID uint, target model.OrderStatus, key string) TransitionResult {
	t.Helper()
	res, err := e.lc.Transition(context.Background(), TransitionRequest{
		OrderID:        orderID,
		IdempotencyKey: key,
		Target:         target,
		ActorID:        1,
	})
	require.NoError(t, err)
	return res
}

func stockItem(productID uint, qty, price int64) CreateItem {
	return CreateItem{ProductID: productID, Quantity: qty, UnitPrice: price}
}

func TestCreateDraft(t *testing.T) {
	env := newTestEnv(t)

	s := env.createDraft(t,
		stockItem(1, 10, 8800),
		CreateItem{Manual: true, Quantity: 1, UnitPrice: 5000}, // 运费行
	)

	require.Regexp(t, regexp.MustCompile(`^XS\d{8}\d{6,}$`), s.OrderNo)
	require.Equal(t, model.StatusDraft, s.Status)
	require.EqualValues(t, 10*8800+5000, s.TotalAmount)

	// 草稿不碰库存
	var movements int64
	require.NoError(t, env.db.Model(&model.StockMovement{}).Count(&movements).Error)
	require.EqualValues(t, 0, movements)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.lc.Create(ctx, CreateRequest{CustomerID: 0, Items: []CreateItem{stockItem(1, 1, 1)}})
	require.Error(t, err)

	_, err = env.lc.Create(ctx, CreateRequest{CustomerID: 1})
	require.Error(t, err)

	_, err = env.lc.Create(ctx, CreateRequest{CustomerID: 1, Items: []CreateItem{stockItem(1, 0, 1)}})
	require.Error(t, err)

	// 非手工行必须有商品
	_, err = env.lc.Create(ctx, CreateRequest{CustomerID: 1, Items: []CreateItem{{Quantity: 1, UnitPrice: 1}}})
	require.Error(t, err)
}

func TestCreateIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	req := CreateRequest{
		IdempotencyKey: "create-once",
		CustomerID:     100,
		Items:          []CreateItem{stockItem(1, 5, 100)},
	}

	first, err := env.lc.Create(context.Background(), req)
	require.NoError(t, err)
	second, err := env.lc.Create(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first.OrderNo, second.OrderNo)

	var count int64
	require.NoError(t, env.db.Model(&model.Order{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestConfirmReservesStock(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, stockItem(1, 30, 100))

	res := env.transition(t, s.OrderID, model.StatusConfirmed, "confirm-1")
	require.Equal(t, model.StatusConfirmed, res.Summary.Status)
	require.Equal(t, []uint{1}, res.AffectedProductIDs)
	require.Equal(t, model.StatusDraft, res.Event.PreviousStatus)
	require.Equal(t, model.StatusConfirmed, res.Event.NewStatus)
	require.NotEmpty(t, res.Event.EventID)

	rec := env.stockOf(t, 1)
	require.EqualValues(t, 30, rec.ReservedQuantity)
	require.EqualValues(t, 100, rec.Quantity)
}

func TestConfirmManualItemsSkipStock(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDraft(t, CreateItem{Manual: true, Quantity: 1, UnitPrice: 5000})

	res := env.transition(t, s.OrderID, model.StatusConfirmed, "confirm-manual")
	require.Empty(t, res.AffectedProductIDs)
}

// 库存不足：流转整体失败，订单停在草稿，库存分毫未动。
func TestConfirmInsufficientStockLeavesDraft(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 10)
	s := env.createDraft(t, stockItem(1, 50, 100))

	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:        s.OrderID,
		IdempotencyKey: "confirm-short",
		Target:         model.StatusConfirmed,
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)

	ord, gerr := env.lc.Get(context.Background(), s.OrderID)
	require.NoError(t, gerr)
	require.Equal(t, model.StatusDraft, ord.Status)
	require.EqualValues(t, 0, env.stockOf(t, 1).ReservedQuantity)

	// 失败不烧幂等键：补货后同键重试成功
	require.NoError(t, env.ledger.Adjust(context.Background(), env.db,
		inventory.SKUKey{ProductID: 1}, 90, "inbound"))
	res := env.transition(t, s.OrderID, model.StatusConfirmed, "confirm-short")
	require.Equal(t, model.StatusConfirmed, res.Summary.Status)
}

// 三行订单第二行缺货：第一行已占用的量必须随事务回滚，不留半生效。
func TestConfirmMultiItemAtomicity(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	env.seedStock(t, 2, 3)
	env.seedStock(t, 3, 100)
	s := env.createDraft(t,
		stockItem(1, 10, 100),
		stockItem(2, 10, 100),
		stockItem(3, 10, 100),
	)

	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:        s.OrderID,
		IdempotencyKey: "confirm-atomic",
		Target:         model.StatusConfirmed,
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientStock)
	// 错误里指名缺货行
	require.Contains(t, err.Error(), "item")

	require.EqualValues(t, 0, env.stockOf(t, 1).ReservedQuantity)
	require.EqualValues(t, 0, env.stockOf(t, 2).ReservedQuantity)
	require.EqualValues(t, 0, env.stockOf(t, 3).ReservedQuantity)
}

func TestConfirmDerivesPayable(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	supplier := uint(7)
	s, err := env.lc.Create(context.Background(), CreateRequest{
		CustomerID: 100,
		SupplierID: &supplier,
		Items:      []CreateItem{{ProductID: 1, Quantity: 10, UnitPrice: 200, UnitCost: 120}},
	})
	require.NoError(t, err)

	env.transition(t, s.OrderID, model.StatusConfirmed, "confirm-supplier")

	var p model.Payable
	require.NoError(t, env.db.Where("source_id = ?", s.OrderID).First(&p).Error)
	require.Regexp(t, regexp.MustCompile(`^YF\d{8}\d{6,}$`), p.PayableNo)
	require.EqualValues(t, supplier, p.SupplierID)
	require.EqualValues(t, 10*120, p.Amount)
	require.Equal(t, model.PayablePending, p.Status)
	require.Equal(t, s.OrderNo, p.SourceNo)
}

func TestConfirmNoPayableWithoutSupplier(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, CreateItem{ProductID: 1, Quantity: 5, UnitPrice: 200, UnitCost: 120})

	env.transition(t, s.OrderID, model.StatusConfirmed, "confirm-own")

	var count int64
	require.NoError(t, env.db.Model(&model.Payable{}).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDraft(t, CreateItem{Manual: true, Quantity: 1, UnitPrice: 100})

	for i, target := range []model.OrderStatus{
		model.StatusShipped, model.StatusCompleted, model.StatusReturned,
	} {
		_, err := env.lc.Transition(context.Background(), TransitionRequest{
			OrderID:        s.OrderID,
			IdempotencyKey: fmt.Sprintf("bad-%d", i),
			Target:         target,
		})
		require.ErrorIs(t, err, apperr.ErrInvalidTransition, "draft -> %s", target)
	}

	// 未知状态同样拒绝
	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:        s.OrderID,
		IdempotencyKey: "bad-status",
		Target:         model.OrderStatus("refunded"),
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDraft(t, CreateItem{Manual: true, Quantity: 1, UnitPrice: 100})
	env.transition(t, s.OrderID, model.StatusCancelled, "cancel-1")

	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:        s.OrderID,
		IdempotencyKey: "revive",
		Target:         model.StatusConfirmed,
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestCancelConfirmedReleasesStock(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, stockItem(1, 40, 100))
	env.transition(t, s.OrderID, model.StatusConfirmed, "c1")

	res := env.transition(t, s.OrderID, model.StatusCancelled, "c2")
	require.Equal(t, []uint{1}, res.AffectedProductIDs)

	rec := env.stockOf(t, 1)
	require.EqualValues(t, 0, rec.ReservedQuantity)
	require.EqualValues(t, 100, rec.Quantity)
}

func TestCancelDraftTouchesNoStock(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, stockItem(1, 40, 100))

	res := env.transition(t, s.OrderID, model.StatusCancelled, "c1")
	require.Empty(t, res.AffectedProductIDs)
	require.EqualValues(t, 0, env.stockOf(t, 1).ReservedQuantity)
}

func TestShipCommitsOutboundAndFixesFulfilled(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, stockItem(1, 25, 100))
	env.transition(t, s.OrderID, model.StatusConfirmed, "c1")

	beforeAvailable := env.stockOf(t, 1).Available()
	env.transition(t, s.OrderID, model.StatusShipped, "s1")

	rec := env.stockOf(t, 1)
	require.EqualValues(t, 75, rec.Quantity)
	require.EqualValues(t, 0, rec.ReservedQuantity)
	require.Equal(t, beforeAvailable, rec.Available()) // 可售量不因出库变化

	ord, err := env.lc.Get(context.Background(), s.OrderID)
	require.NoError(t, err)
	require.EqualValues(t, 25, ord.Items[0].FulfilledQuantity)
}

func TestCompleteIsPureStatusMove(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, stockItem(1, 10, 100))
	env.transition(t, s.OrderID, model.StatusConfirmed, "c1")
	env.transition(t, s.OrderID, model.StatusShipped, "s1")

	before := env.stockOf(t, 1)
	res := env.transition(t, s.OrderID, model.StatusCompleted, "d1")
	require.Equal(t, model.StatusCompleted, res.Summary.Status)
	require.Empty(t, res.AffectedProductIDs)
	require.Equal(t, before, env.stockOf(t, 1))
}

func (e *testEnv) completedOrder(t *testing.T, items ...CreateItem) (Summary, model.Order) {
	t.Helper()
	s := e.createDraft(t, items...)
	e.transition(t, s.OrderID, model.StatusConfirmed, s.OrderNo+"-c")
	e.transition(t, s.OrderID, model.StatusShipped, s.OrderNo+"-s")
	e.transition(t, s.OrderID, model.StatusCompleted, s.OrderNo+"-d")
	ord, err := e.lc.Get(context.Background(), s.OrderID)
	require.NoError(t, err)
	return s, ord
}

func TestReturnCreatesRefund(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s, ord := env.completedOrder(t, stockItem(1, 10, 300))

	res, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:            s.OrderID,
		IdempotencyKey:     "r1",
		Target:             model.StatusReturned,
		ReturnedQuantities: map[uint]int64{ord.Items[0].ID: 4},
	})
	require.NoError(t, err)
	require.Equal(t, model.StatusReturned, res.Summary.Status)

	var r model.Refund
	require.NoError(t, env.db.Where("order_id = ?", s.OrderID).First(&r).Error)
	require.Regexp(t, regexp.MustCompile(`^TK\d{8}\d{6,}$`), r.RefundNo)
	require.EqualValues(t, 4*300, r.Amount)
	require.Equal(t, model.RefundPending, r.Status)

	// 退货不回补库存
	require.EqualValues(t, 90, env.stockOf(t, 1).Quantity)
}

func TestReturnValidation(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s, ord := env.completedOrder(t, stockItem(1, 10, 300))

	// 超过实发量
	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:            s.OrderID,
		IdempotencyKey:     "r-over",
		Target:             model.StatusReturned,
		ReturnedQuantities: map[uint]int64{ord.Items[0].ID: 11},
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	// 不存在的订单行
	_, err = env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:            s.OrderID,
		IdempotencyKey:     "r-ghost",
		Target:             model.StatusReturned,
		ReturnedQuantities: map[uint]int64{99999: 1},
	})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	// 非正数量
	_, err = env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:            s.OrderID,
		IdempotencyKey:     "r-zero",
		Target:             model.StatusReturned,
		ReturnedQuantities: map[uint]int64{ord.Items[0].ID: 0},
	})
	require.Error(t, err)

	ordAfter, gerr := env.lc.Get(context.Background(), s.OrderID)
	require.NoError(t, gerr)
	require.Equal(t, model.StatusCompleted, ordAfter.Status)
}

// 同一幂等键重发流转：重放首次结果（含同一 EventID），库存只动一次。
func TestTransitionDuplicateKeyReplays(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, stockItem(1, 30, 100))

	first := env.transition(t, s.OrderID, model.StatusConfirmed, "dup")
	second := env.transition(t, s.OrderID, model.StatusConfirmed, "dup")

	require.False(t, first.Replayed)
	require.True(t, second.Replayed)
	require.Equal(t, first.Event.EventID, second.Event.EventID)
	require.Equal(t, first.Summary, second.Summary)
	require.EqualValues(t, 30, env.stockOf(t, 1).ReservedQuantity)
}

// 同键不同请求体：拒绝，绝不拿旧结果糊弄新请求。
func TestTransitionKeyReuseMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	s := env.createDraft(t, stockItem(1, 10, 100))
	env.transition(t, s.OrderID, model.StatusConfirmed, "k1")

	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:        s.OrderID,
		IdempotencyKey: "k1",
		Target:         model.StatusShipped,
	})
	require.ErrorIs(t, err, apperr.ErrIdempotencyMismatch)
}

func TestTransitionRequiresKey(t *testing.T) {
	env := newTestEnv(t)
	s := env.createDraft(t, CreateItem{Manual: true, Quantity: 1, UnitPrice: 100})

	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID: s.OrderID,
		Target:  model.StatusConfirmed,
	})
	require.Error(t, err)
}

func TestTransitionUnknownOrder(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.lc.Transition(context.Background(), TransitionRequest{
		OrderID:        424242,
		IdempotencyKey: "k1",
		Target:         model.StatusConfirmed,
	})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

// 两张 60 件的单抢 100 件库存并发确认：恰好一张确认成功，另一张缺货且停在草稿。
func TestConcurrentConfirmNoOversell(t *testing.T) {
	env := newTestEnv(t)
	env.seedStock(t, 1, 100)
	a := env.createDraft(t, stockItem(1, 60, 100))
	b := env.createDraft(t, stockItem(1, 60, 100))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uint{a.OrderID, b.OrderID} {
		wg.Add(1)
		go func(idx int, orderID uint) {
			defer wg.Done()
			_, errs[idx] = env.lc.Transition(context.Background(), TransitionRequest{
				OrderID:        orderID,
				IdempotencyKey: fmt.Sprintf("race-%d", orderID),
				Target:         model.StatusConfirmed,
			})
		}(i, id)
	}
	wg.Wait()

	okCount := 0
	for _, err := range errs {
		if err == nil {
			okCount++
		} else {
			require.ErrorIs(t, err, apperr.ErrInsufficientStock)
		}
	}
	require.Equal(t, 1, okCount)
	require.EqualValues(t, 60, env.stockOf(t, 1).ReservedQuantity)
}
