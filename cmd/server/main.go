package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"tile_erp/internal/config"
	"tile_erp/internal/idempotency"
	"tile_erp/internal/inventory"
	"tile_erp/internal/model"
	"tile_erp/internal/order"
	"tile_erp/internal/queue"
	"tile_erp/internal/router"
	"tile_erp/internal/sequence"
	"tile_erp/internal/uow"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		log.Fatal("db open", zap.Error(err))
	}
	if err := db.AutoMigrate(
		&model.StockRecord{},
		&model.StockMovement{},
		&model.Order{},
		&model.OrderItem{},
		&model.IdempotencyRecord{},
		&model.Payable{},
		&model.Refund{},
		&model.OrderEventRecord{},
	); err != nil {
		log.Fatal("db migrate", zap.Error(err))
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	// 2. 组装核心：事务单元 → 台账 / 幂等 / 分配器 → 生命周期
	uw := uow.New(db, cfg.TxTimeout, log)
	ledger := inventory.New(log)
	guard := idempotency.New(cfg.IdempotencyTTL, nil)
	seq := sequence.New(uw, sequence.Config{
		MaxAttempts:    cfg.SeqMaxAttempts,
		BaseDelay:      cfg.SeqBaseDelay,
		DelayIncrement: cfg.SeqDelayIncrement,
		Jitter:         cfg.SeqJitter,
		SuffixWidth:    6,
	}, nil, log)

	lifecycle, err := order.NewLifecycle(order.Deps{
		UOW:    uw,
		Ledger: ledger,
		Guard:  guard,
		Seq:    seq,
		Logger: log,
	})
	if err != nil {
		log.Fatal("build lifecycle", zap.Error(err))
	}

	// 3. 事件链路：outbox relay（Redis Stream → Kafka）+ 归档消费者
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()

	relay := queue.NewRelay(rdb, producer, log, cfg.OrderEventStream, cfg.OrderEventGroup, cfg.OrderEventConsumer)
	go relay.Run(ctx)

	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, db, log)
	defer consumer.Close()
	go consumer.Run(ctx)

	r := gin.Default()
	router.Setup(r, router.Deps{
		DB:        db,
		UOW:       uw,
		Ledger:    ledger,
		Lifecycle: lifecycle,
		RDB:       rdb,
		Cfg:       cfg,
		Log:       log,
	})

	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatal("http server", zap.Error(err))
	}
}
