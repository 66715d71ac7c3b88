// Package settle 實作荷蘭式拍賣的結算引擎
// 主持人以起始價格建立拍賣並逐步降價，第一個在評估當下餘額足以支付
// 目前價格的出價者得標，所有權和代幣在同一個提交單位內完成轉移
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tulip/ledger"
)

type engineOptions struct {
	logger *slog.Logger
	events EventPublisher
	now    func() time.Time
}

type EngineOption func(*engineOptions)

// WithEngineLogger 設置日誌記錄器
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithEngineEventPublisher 設置結算事件發布者
func WithEngineEventPublisher(events EventPublisher) EngineOption {
	return func(o *engineOptions) {
		o.events = events
	}
}

// WithEngineClock 注入時鐘 (主要用於測試)
func WithEngineClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) {
		o.now = now
	}
}

// Engine 是拍賣結算引擎
// 同一個商品的狀態變更(step/submit bid/deactivate)透過 ItemLocker 嚴格序列化，
// 不同商品之間互不阻塞；查詢不需要商品鎖，直接讀取一致性快照
// 多節點部署時 ItemStore、ItemLocker 和帳本都指向共享的後端，
// 每個節點看到的是同一份權威商品狀態
type Engine struct {
	items  ItemStore
	locker ItemLocker
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine 建立拍賣結算引擎
func NewEngine(items ItemStore, locker ItemLocker, opts ...EngineOption) *Engine {
	// 默認選項
	options := engineOptions{
		logger: slog.Default(),
		now:    time.Now,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine{
		items:  items,
		locker: locker,
		events: options.events,
		logger: options.logger.With(slog.String("caller", "Engine")),
		now:    options.now,
	}
}

// storeErr 將商品狀態後端的傳輸層錯誤轉換為可重試的結算錯誤
func storeErr(err error) error {
	if errors.Is(err, ledger.ErrUnavailable) {
		return ErrLedgerUnavailable
	}
	return err
}

// CreateParams 建立拍賣需要的參數
type CreateParams struct {
	ItemID       int64
	Host         string
	StartingCost int64
	Title        string
	Description  string
}

// Create 建立一個新的拍賣
// 擁有者為主持人、價格為起始價格、狀態為可出價
func (e *Engine) Create(ctx context.Context, params CreateParams) (Item, error) {
	const op = "Engine.Create"
	if params.StartingCost < 0 {
		return Item{}, fmt.Errorf("[%s] %w: starting cost %d", op, ErrInvalidAmount, params.StartingCost)
	}
	item := Item{
		ItemID:      params.ItemID,
		Host:        params.Host,
		Owner:       params.Host,
		Cost:        params.StartingCost,
		Active:      true,
		Title:       params.Title,
		Description: params.Description,
		CreatedAt:   e.now(),
	}
	if err := e.items.Create(ctx, item); err != nil {
		return Item{}, fmt.Errorf("[%s] fail to register item %d, err=%w", op, params.ItemID, storeErr(err))
	}
	e.publish(EventCreated, item, "")
	e.logger.Info("Auction created", slog.Int64("itemID", item.ItemID), slog.String("host", item.Host), slog.Int64("cost", item.Cost))
	return item, nil
}

// Step 降低拍賣的目前價格
// 只有建立拍賣的主持人可以降價，價格單調遞減且不可為負
func (e *Engine) Step(ctx context.Context, itemID int64, requester string, decrease int64) (int64, error) {
	const op = "Engine.Step"
	release, err := e.locker.Acquire(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("[%s] fail to acquire item lock, err=%w", op, err)
	}
	defer release()

	item, err := e.items.Get(ctx, itemID)
	if err != nil {
		return 0, fmt.Errorf("[%s] item %d, err=%w", op, itemID, storeErr(err))
	}
	if !item.Active {
		return 0, fmt.Errorf("[%s] item %d, err=%w", op, itemID, ErrItemInactive)
	}
	if requester != item.Host {
		return 0, fmt.Errorf("[%s] requester %s on item %d, err=%w", op, requester, itemID, ErrUnauthorized)
	}
	if decrease <= 0 || item.Cost-decrease < 0 {
		return 0, fmt.Errorf("[%s] decrease %d on cost %d, err=%w", op, decrease, item.Cost, ErrInvalidAmount)
	}

	newCost := item.Cost - decrease
	if err := e.items.SetCost(ctx, itemID, newCost); err != nil {
		return 0, fmt.Errorf("[%s] fail to set cost on item %d, err=%w", op, itemID, storeErr(err))
	}
	stepped := item
	stepped.Cost = newCost
	e.publish(EventStepped, stepped, "")
	e.logger.Info("Price stepped", slog.Int64("itemID", itemID), slog.Int64("from", item.Cost), slog.Int64("to", newCost))
	return newCost, nil
}

// SubmitBid 提交一筆出價
// 在商品鎖內依序檢查: 拍賣存在且進行中 → 出價不低於目前價格 → 帳戶餘額足夠
// 任一檢查失敗都不會改變任何狀態；通過後透過商品狀態後端的原子結算
// 完成扣款、入帳、擁有權轉移並結束拍賣，第一個提交成功的出價即為最終結果
func (e *Engine) SubmitBid(ctx context.Context, itemID int64, bidder string, offered int64) (BidReceipt, error) {
	const op = "Engine.SubmitBid"
	release, err := e.locker.Acquire(ctx, itemID)
	if err != nil {
		return BidReceipt{}, fmt.Errorf("[%s] fail to acquire item lock, err=%w", op, err)
	}
	defer release()

	// 在商品鎖內讀取最新狀態，未知和已結束的拍賣回傳同一種拒絕原因
	item, err := e.items.Get(ctx, itemID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return BidReceipt{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, ErrItemInactive)
		}
		return BidReceipt{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, storeErr(err))
	}
	if !item.Active {
		return BidReceipt{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, ErrItemInactive)
	}
	if offered < item.Cost {
		return BidReceipt{}, fmt.Errorf("[%s] offered %d below cost %d, err=%w", op, offered, item.Cost, ErrInsufficientOffer)
	}

	// 結算價格是目前的階梯價格，不是出價金額，超額的部分只具資訊性
	// Sell在後端內以單一提交單位完成轉帳和商品變更，
	// 所以不會出現帳已轉但商品沒易主(或反過來)的部分提交
	if err := e.items.Sell(ctx, itemID, bidder); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return BidReceipt{}, fmt.Errorf("[%s] bidder %s on item %d, err=%w", op, bidder, itemID, ErrInsufficientBalance)
		case errors.Is(err, ledger.ErrUnavailable):
			return BidReceipt{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, ErrLedgerUnavailable)
		default:
			return BidReceipt{}, fmt.Errorf("[%s] fail to settle item %d, err=%w", op, itemID, err)
		}
	}

	receipt := BidReceipt{
		ItemID:        itemID,
		Bidder:        bidder,
		PreviousOwner: item.Owner,
		Price:         item.Cost,
		SettledAt:     e.now(),
	}
	sold := item
	sold.Owner = bidder
	sold.Active = false
	e.publish(EventSold, sold, item.Owner)
	e.logger.Info("Bid accepted",
		slog.Int64("itemID", itemID),
		slog.String("bidder", bidder),
		slog.String("previousOwner", item.Owner),
		slog.Int64("price", item.Cost))
	return receipt, nil
}

// Deactivate 提前結束拍賣
// 冪等操作，已結束的拍賣再次停用不會有任何效果
func (e *Engine) Deactivate(ctx context.Context, itemID int64, requester string) error {
	const op = "Engine.Deactivate"
	release, err := e.locker.Acquire(ctx, itemID)
	if err != nil {
		return fmt.Errorf("[%s] fail to acquire item lock, err=%w", op, err)
	}
	defer release()

	item, err := e.items.Get(ctx, itemID)
	if err != nil {
		return fmt.Errorf("[%s] item %d, err=%w", op, itemID, storeErr(err))
	}
	if !item.Active {
		return nil
	}
	if requester != item.Owner {
		return fmt.Errorf("[%s] requester %s on item %d, err=%w", op, requester, itemID, ErrUnauthorized)
	}
	if err := e.items.Deactivate(ctx, itemID); err != nil {
		return fmt.Errorf("[%s] fail to deactivate item %d, err=%w", op, itemID, storeErr(err))
	}
	item.Active = false
	e.publish(EventDeactivated, item, "")
	e.logger.Info("Auction deactivated", slog.Int64("itemID", itemID), slog.String("requester", requester))
	return nil
}

// GetItem 回傳商品的最新已提交狀態
func (e *Engine) GetItem(ctx context.Context, itemID int64) (Item, error) {
	const op = "Engine.GetItem"
	item, err := e.items.Get(ctx, itemID)
	if err != nil {
		return Item{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, storeErr(err))
	}
	return item, nil
}

// ListItems 依照建立順序回傳所有商品的快照
func (e *Engine) ListItems(ctx context.Context) ([]Item, error) {
	const op = "Engine.ListItems"
	items, err := e.items.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("[%s] err=%w", op, storeErr(err))
	}
	return items, nil
}

func (e *Engine) publish(kind EventKind, item Item, previousOwner string) {
	if e.events == nil {
		return
	}
	event := Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		ItemID:        item.ItemID,
		Owner:         item.Owner,
		PreviousOwner: previousOwner,
		Cost:          item.Cost,
		Active:        item.Active,
		At:            e.now(),
	}
	if kind == EventCreated {
		event.Host = item.Host
		event.Title = item.Title
		event.Description = item.Description
	}
	if err := e.events.Publish(event); err != nil {
		e.logger.Error("Fail to publish settlement event", slog.String("kind", string(kind)), slog.Int64("itemID", item.ItemID), slog.Any("error", err))
	}
}
