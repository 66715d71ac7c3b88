package settle

import (
	"context"
	"sync"
	"time"

	"tulip/ledger"
)

// ItemStore 定義了拍賣商品權威狀態的存取介面
// 狀態變更操作必須在呼叫者持有對應的商品鎖時執行；
// 多節點部署時所有節點共用同一份商品狀態，
// 單節點部署使用行程內的 Registry
type ItemStore interface {
	// Create 註冊新商品，ID已存在時回傳 ErrDuplicateItem
	Create(ctx context.Context, item Item) error
	// Get 回傳商品的一致性快照，不存在時回傳 ErrNotFound
	Get(ctx context.Context, itemID int64) (Item, error)
	// List 依照建立順序回傳所有商品的快照
	List(ctx context.Context) ([]Item, error)
	// SetCost 設定商品目前的價格
	SetCost(ctx context.Context, itemID int64, cost int64) error
	// Sell 原子性地完成結算: 從出價者扣款、入帳給擁有者、
	// 轉移擁有權並結束拍賣，餘額不足時回傳 ledger.ErrInsufficientFunds
	// 且不改變任何狀態
	Sell(ctx context.Context, itemID int64, bidder string) error
	// Deactivate 結束拍賣，冪等
	Deactivate(ctx context.Context, itemID int64) error
}

// record 是商品在註冊表中的可變狀態
// owner、cost、active 屬於同一個互斥範圍，讀取快照時不會出現torn read
type record struct {
	mu sync.RWMutex

	itemID      int64
	host        string
	owner       string
	cost        int64
	active      bool
	title       string
	description string
	createdAt   time.Time
}

func (r *record) snapshot() Item {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Item{
		ItemID:      r.itemID,
		Host:        r.host,
		Owner:       r.owner,
		Cost:        r.cost,
		Active:      r.active,
		Title:       r.title,
		Description: r.description,
		CreatedAt:   r.createdAt,
	}
}

func (r *record) setCost(cost int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cost = cost
}

func (r *record) commitSale(bidder string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owner = bidder
	r.active = false
}

func (r *record) deactivate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
}

// Registry 是單節點部署使用的行程內商品註冊表
// 商品只會被停用，不會被刪除，歷史的owner/cost保留給查詢使用
// 結算的扣款和入帳透過注入的帳本完成；轉帳成功後的商品變更
// 是行程內的寫入，不會再失敗，所以不會出現部分提交
type Registry struct {
	store ledger.Store

	mu    sync.RWMutex
	items map[int64]*record
	order []int64
}

// NewRegistry 建立一個空的商品註冊表
func NewRegistry(store ledger.Store) *Registry {
	return &Registry{
		store: store,
		items: make(map[int64]*record),
	}
}

func (reg *Registry) lookup(itemID int64) (*record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rec, ok := reg.items[itemID]
	return rec, ok
}

// Create 註冊新商品，同一個ID只能註冊一次
func (reg *Registry) Create(_ context.Context, item Item) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.items[item.ItemID]; ok {
		return ErrDuplicateItem
	}
	reg.items[item.ItemID] = &record{
		itemID:      item.ItemID,
		host:        item.Host,
		owner:       item.Owner,
		cost:        item.Cost,
		active:      item.Active,
		title:       item.Title,
		description: item.Description,
		createdAt:   item.CreatedAt,
	}
	reg.order = append(reg.order, item.ItemID)
	return nil
}

// Get 回傳商品的一致性快照
func (reg *Registry) Get(_ context.Context, itemID int64) (Item, error) {
	rec, ok := reg.lookup(itemID)
	if !ok {
		return Item{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

// List 依照建立順序回傳所有商品的快照
func (reg *Registry) List(_ context.Context) ([]Item, error) {
	reg.mu.RLock()
	order := make([]int64, len(reg.order))
	copy(order, reg.order)
	reg.mu.RUnlock()

	items := make([]Item, 0, len(order))
	for _, id := range order {
		if rec, ok := reg.lookup(id); ok {
			items = append(items, rec.snapshot())
		}
	}
	return items, nil
}

// SetCost 設定商品目前的價格
func (reg *Registry) SetCost(_ context.Context, itemID int64, cost int64) error {
	rec, ok := reg.lookup(itemID)
	if !ok {
		return ErrNotFound
	}
	rec.setCost(cost)
	return nil
}

// Sell 以目前的價格完成結算
func (reg *Registry) Sell(ctx context.Context, itemID int64, bidder string) error {
	rec, ok := reg.lookup(itemID)
	if !ok {
		return ErrNotFound
	}
	item := rec.snapshot()
	if !item.Active {
		return ErrItemInactive
	}
	if err := reg.store.Transfer(ctx, bidder, item.Owner, item.Cost); err != nil {
		return err
	}
	rec.commitSale(bidder)
	return nil
}

// Deactivate 結束拍賣，已結束的拍賣再次停用沒有任何效果
func (reg *Registry) Deactivate(_ context.Context, itemID int64) error {
	rec, ok := reg.lookup(itemID)
	if !ok {
		return ErrNotFound
	}
	rec.deactivate()
	return nil
}
