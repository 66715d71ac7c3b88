package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	redisAdapter "tulip/adapters/redis"
	"tulip/adapters/sse"
	"tulip/ledger"
	"tulip/models"
	"tulip/settle"
)

// itemChannel 回傳商品在SSE管理器中的頻道名稱
func itemChannel(itemID int64) string {
	return strconv.FormatInt(itemID, 10)
}

// localEventPublisher 將結算事件直接送進本節點的SSE管理器，
// 單節點模式下不經過Redis Stream
type localEventPublisher struct {
	manager sse.IConnectionManager[settle.Event]
}

func (p localEventPublisher) Publish(event settle.Event) error {
	return p.manager.Publish(itemChannel(event.ItemID), event)
}

type ServerImpl struct {
	engine      *settle.Engine
	store       ledger.Store
	sseManager  sse.IConnectionManager[settle.Event]
	htmlChecker *bluemonday.Policy

	redisClient   *redis.Client
	producer      redisAdapter.IProducer[settle.Event]
	consumer      redisAdapter.IConsumer[sse.PublishRequest[settle.Event]]
	groupConsumer redisAdapter.IGroupConsumer[settle.Event]
	db            *gorm.DB

	wg         sync.WaitGroup
	cancelFunc context.CancelFunc

	config ServerConfig
}

func NewServer(config ServerConfig) (*ServerImpl, error) {
	const op = "NewServer"

	if config.Standalone {
		return newStandaloneServer(config)
	}

	// 初始化資料庫連線
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", config.DB.User, config.DB.Password, config.DB.Host, config.DB.Port, config.DB.Database, config.DB.Schema)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{
			TablePrefix: config.DB.Schema + ".",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	if err := db.AutoMigrate(&models.AuctionItem{}, &models.SettlementRecord{}); err != nil {
		return nil, fmt.Errorf("[%s] Fail to migrate database, err=%w", op, err)
	}

	// 初始化Redis連線
	redisClient := redis.NewClient(&redis.Options{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
	})

	// 初始化共享帳本和分散式商品鎖
	store, err := redisAdapter.NewLedger(redisClient, redisAdapter.WithLedgerPrefix(config.Redis.KeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create ledger, err=%w", op, err)
	}
	locker, err := redisAdapter.NewItemLocker(redisClient, redisAdapter.WithItemLockerPrefix(config.Redis.KeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create item locker, err=%w", op, err)
	}

	// 初始化結算事件的producer
	producer, err := redisAdapter.NewProducer[settle.Event](redisClient, config.Redis.StreamKeys.Settlement)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create producer, err=%w", op, err)
	}

	// 初始化SSE管理器，每個節點獨立讀回事件流再廣播給自己的連線
	consumer, err := redisAdapter.NewConsumer(
		redisClient,
		config.Redis.StreamKeys.Settlement,
		redisAdapter.WithConsumerParseFunc(func(m map[string]any) (sse.PublishRequest[settle.Event], error) {
			event, err := redisAdapter.DefaultParseFromMessage[settle.Event](m)
			if err != nil {
				return sse.PublishRequest[settle.Event]{}, fmt.Errorf("fail to parse settlement event, err=%w", err)
			}
			return sse.PublishRequest[settle.Event]{
				Channel: itemChannel(event.ItemID),
				Message: event,
			}, nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create consumer, err=%w", op, err)
	}
	sseManager, err := sse.NewConnectionManager(
		sse.WithLogger[settle.Event](slog.Default()),
		sse.WithSubscriber(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	// 初始化group consumer，歸檔需要依事件發生順序寫入資料庫
	groupConsumer, err := redisAdapter.NewGroupConsumer[settle.Event](
		redisClient,
		config.Redis.StreamKeys.Settlement,
		config.Redis.ConsumerGroup,
		config.ID,
		redisAdapter.WithGroupConsumerLogger[settle.Event](slog.Default()),
		redisAdapter.WithGroupConsumerStrictOrdering[settle.Event](true),
	)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create group consumer, err=%w", op, err)
	}

	// 商品的權威狀態放在共享的Redis，所有節點看到同一份拍賣，
	// 同一個商品ID在整個叢集只能賣出一次
	items, err := redisAdapter.NewItemStore(redisClient, redisAdapter.WithItemStorePrefix(config.Redis.KeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create item store, err=%w", op, err)
	}

	engine := settle.NewEngine(
		items,
		locker,
		settle.WithEngineEventPublisher(producer),
	)

	return &ServerImpl{
		engine:        engine,
		store:         store,
		sseManager:    sseManager,
		htmlChecker:   bluemonday.UGCPolicy(),
		redisClient:   redisClient,
		producer:      producer,
		consumer:      consumer,
		groupConsumer: groupConsumer,
		db:            db,
		config:        config,
	}, nil
}

// newStandaloneServer 組裝單節點模式的伺服器
// 帳本和商品鎖都在行程內，結算事件直接廣播給本節點的SSE連線
func newStandaloneServer(config ServerConfig) (*ServerImpl, error) {
	const op = "newStandaloneServer"

	sseManager, err := sse.NewConnectionManager[settle.Event]()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to create sse connection manager, err=%w", op, err)
	}

	var lockerOpts []settle.LocalLockerOption
	if config.Lock.Wait > 0 {
		lockerOpts = append(lockerOpts, settle.WithLocalLockerWait(config.Lock.Wait))
	}

	store := ledger.NewMemory()
	engine := settle.NewEngine(
		settle.NewRegistry(store),
		settle.NewLocalLocker(lockerOpts...),
		settle.WithEngineEventPublisher(localEventPublisher{manager: sseManager}),
	)

	return &ServerImpl{
		engine:      engine,
		store:       store,
		sseManager:  sseManager,
		htmlChecker: bluemonday.UGCPolicy(),
		config:      config,
	}, nil
}

func (impl *ServerImpl) Start() {
	impl.sseManager.Start()
	if impl.config.Standalone {
		return
	}

	// 啟動producer和consumer
	impl.producer.Start()
	impl.consumer.Start()
	// 啟動group consumer
	impl.groupConsumer.Start()
	// 啟動一個worker將結算事件歸檔到資料庫
	ctx, cancel := context.WithCancel(context.Background())
	impl.cancelFunc = cancel
	slog.Info("Start settlement archive worker")
	impl.wg.Add(1)
	go func() {
		logger := slog.Default().With(slog.String("caller", "SettlementArchive"))
		defer impl.wg.Done()
		defer slog.Info("Settlement archive worker stopped")
		ch := impl.groupConsumer.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				logger.Debug("Receive settlement event", slog.String("eventID", msg.Data.ID))
				duplicated, handleErr := impl.archiveEvent(msg.Data)
				if handleErr != nil {
					logger.Error("Fail to archive settlement event", slog.Any("error", handleErr))
					if err := msg.Fail(ctx, handleErr); err != nil {
						logger.Error("Fail to fail message", slog.Any("error", err))
					}
					continue
				}
				if duplicated {
					logger.Warn("Ignore redelivered settlement event", slog.String("eventID", msg.Data.ID))
				}
				if err := msg.Done(ctx); err != nil {
					logger.Error("Archive success but fail to done message", slog.Any("error", err))
					if err := msg.Fail(ctx, err); err != nil {
						logger.Error("Archive success but fail to fail message", slog.Any("error", err))
					}
					continue
				}
				logger.Debug("Archive success")
			}
		}
	}()
}

// archiveEvent 將一筆結算事件寫入資料庫
// 以事件ID去重，重複消費同一事件時回傳duplicated=true且不改變任何資料
func (impl *ServerImpl) archiveEvent(event settle.Event) (duplicated bool, err error) {
	record := models.SettlementRecord{
		EventID:       event.ID,
		Kind:          string(event.Kind),
		ItemID:        event.ItemID,
		Owner:         event.Owner,
		PreviousOwner: event.PreviousOwner,
		Cost:          event.Cost,
		Active:        event.Active,
		OccurredAt:    event.At,
	}
	if result := impl.db.Create(&record); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return true, nil
		}
		return false, fmt.Errorf("fail to create settlement record, err=%w", result.Error)
	}

	// 更新商品快照
	if event.Kind == settle.EventCreated {
		snapshot := models.AuctionItem{
			ItemID:      event.ItemID,
			Host:        event.Host,
			Owner:       event.Owner,
			Cost:        event.Cost,
			Active:      event.Active,
			Title:       event.Title,
			Description: event.Description,
		}
		if result := impl.db.Create(&snapshot); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return false, nil
			}
			return false, fmt.Errorf("fail to create item snapshot, err=%w", result.Error)
		}
		return false, nil
	}
	result := impl.db.Model(&models.AuctionItem{}).
		Where("item_id = ?", event.ItemID).
		Updates(map[string]any{
			"owner":  event.Owner,
			"cost":   event.Cost,
			"active": event.Active,
		})
	if result.Error != nil {
		return false, fmt.Errorf("fail to update item snapshot, err=%w", result.Error)
	}
	return false, nil
}

func (impl *ServerImpl) Close() {
	if impl.config.Standalone {
		impl.sseManager.Done()
		return
	}
	// 關閉group consumer
	impl.groupConsumer.Close()
	// 關閉worker
	impl.cancelFunc()
	impl.wg.Wait()
	// 關閉producer
	impl.producer.Close()
	// 關閉sse connection manager (subscriber由manager一併關閉)
	impl.sseManager.Done()
}
