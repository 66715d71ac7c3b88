package settle

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tulip/ledger"
)

// eventRecorder 收集引擎發布的結算事件
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind
	}
	return kinds
}

func setupEngine(t *testing.T) (*Engine, *ledger.Memory, *eventRecorder) {
	t.Helper()
	store := ledger.NewMemory()
	events := &eventRecorder{}
	engine := NewEngine(
		NewRegistry(store),
		NewLocalLocker(WithLocalLockerWait(time.Second)),
		WithEngineEventPublisher(events),
	)
	return engine, store, events
}

func TestEngine_Create(t *testing.T) {
	tests := []struct {
		name    string
		params  CreateParams
		prepare func(e *Engine)
		wantErr error
	}{
		{
			name:   "success",
			params: CreateParams{ItemID: 1, Host: "host", StartingCost: 100},
		},
		{
			name:   "zero starting cost",
			params: CreateParams{ItemID: 2, Host: "host", StartingCost: 0},
		},
		{
			name:    "negative starting cost",
			params:  CreateParams{ItemID: 3, Host: "host", StartingCost: -1},
			wantErr: ErrInvalidAmount,
		},
		{
			name:   "duplicate item",
			params: CreateParams{ItemID: 4, Host: "host", StartingCost: 100},
			prepare: func(e *Engine) {
				_, err := e.Create(context.Background(), CreateParams{ItemID: 4, Host: "other", StartingCost: 50})
				require.NoError(t, err)
			},
			wantErr: ErrDuplicateItem,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, _ := setupEngine(t)
			if tt.prepare != nil {
				tt.prepare(engine)
			}

			item, err := engine.Create(context.Background(), tt.params)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.params.ItemID, item.ItemID)
			assert.Equal(t, tt.params.Host, item.Owner)
			assert.Equal(t, tt.params.StartingCost, item.Cost)
			assert.True(t, item.Active)
		})
	}
}

func TestEngine_Step(t *testing.T) {
	tests := []struct {
		name      string
		requester string
		decrease  int64
		wantCost  int64
		wantErr   error
	}{
		{name: "success", requester: "host", decrease: 20, wantCost: 80},
		{name: "step to zero", requester: "host", decrease: 100, wantCost: 0},
		{name: "non owner", requester: "stranger", decrease: 20, wantErr: ErrUnauthorized},
		{name: "zero decrease", requester: "host", decrease: 0, wantErr: ErrInvalidAmount},
		{name: "negative decrease", requester: "host", decrease: -5, wantErr: ErrInvalidAmount},
		{name: "below zero", requester: "host", decrease: 101, wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, _ := setupEngine(t)
			_, err := engine.Create(context.Background(), CreateParams{ItemID: 1, Host: "host", StartingCost: 100})
			require.NoError(t, err)

			cost, err := engine.Step(context.Background(), 1, tt.requester, tt.decrease)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				// 失敗的降價不能改變價格
				item, getErr := engine.GetItem(context.Background(), 1)
				require.NoError(t, getErr)
				assert.Equal(t, int64(100), item.Cost)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCost, cost)
		})
	}

	t.Run("unknown item", func(t *testing.T) {
		engine, _, _ := setupEngine(t)
		_, err := engine.Step(context.Background(), 42, "host", 10)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("inactive item", func(t *testing.T) {
		engine, _, _ := setupEngine(t)
		_, err := engine.Create(context.Background(), CreateParams{ItemID: 1, Host: "host", StartingCost: 100})
		require.NoError(t, err)
		require.NoError(t, engine.Deactivate(context.Background(), 1, "host"))

		_, err = engine.Step(context.Background(), 1, "host", 10)
		assert.ErrorIs(t, err, ErrItemInactive)
	})
}

// TestEngine_SubmitBid_Settlement 對應規格情境A:
// 起始價100、降價20後出價80，結算價格為80且所有權轉移
func TestEngine_SubmitBid_Settlement(t *testing.T) {
	engine, store, events := setupEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, CreateParams{ItemID: 1, Host: "Host", StartingCost: 100})
	require.NoError(t, err)
	_, err = store.Mint(ctx, "B1", 90)
	require.NoError(t, err)

	cost, err := engine.Step(ctx, 1, "Host", 20)
	require.NoError(t, err)
	require.Equal(t, int64(80), cost)

	receipt, err := engine.SubmitBid(ctx, 1, "B1", 80)
	require.NoError(t, err)
	assert.Equal(t, int64(80), receipt.Price)
	assert.Equal(t, "Host", receipt.PreviousOwner)

	item, err := engine.GetItem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "B1", item.Owner)
	assert.False(t, item.Active)

	bidderBalance, err := store.Balance(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bidderBalance)
	hostBalance, err := store.Balance(ctx, "Host")
	require.NoError(t, err)
	assert.Equal(t, int64(80), hostBalance)

	assert.Equal(t, []EventKind{EventCreated, EventStepped, EventSold}, events.kinds())
}

func TestEngine_SubmitBid_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		itemID  int64
		bidder  string
		balance int64
		offered int64
		wantErr error
	}{
		{name: "unknown item", itemID: 42, bidder: "B1", balance: 100, offered: 50, wantErr: ErrItemInactive},
		{name: "offer below cost", itemID: 1, bidder: "B1", balance: 100, offered: 49, wantErr: ErrInsufficientOffer},
		// 規格情境C: 餘額40對價格50出價 → InsufficientBalance
		{name: "insufficient balance", itemID: 1, bidder: "B1", balance: 40, offered: 50, wantErr: ErrInsufficientBalance},
		// 超額出價只收取目前價格，餘額足夠支付價格即可成交
		{name: "excess offer charged at cost", itemID: 1, bidder: "B1", balance: 50, offered: 70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store, _ := setupEngine(t)
			ctx := context.Background()
			_, err := engine.Create(ctx, CreateParams{ItemID: 1, Host: "host", StartingCost: 50})
			require.NoError(t, err)
			if tt.balance > 0 {
				_, err := store.Mint(ctx, tt.bidder, tt.balance)
				require.NoError(t, err)
			}

			receipt, err := engine.SubmitBid(ctx, tt.itemID, tt.bidder, tt.offered)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				// 被拒絕的出價不能改變商品和帳本的狀態
				item, getErr := engine.GetItem(ctx, 1)
				require.NoError(t, getErr)
				assert.True(t, item.Active)
				assert.Equal(t, int64(50), item.Cost)
				assert.Equal(t, "host", item.Owner)
				balance, balErr := store.Balance(ctx, tt.bidder)
				require.NoError(t, balErr)
				assert.Equal(t, tt.balance, balance)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(50), receipt.Price)
			balance, err := store.Balance(ctx, tt.bidder)
			require.NoError(t, err)
			assert.Equal(t, tt.balance-50, balance)
		})
	}
}

// TestEngine_SubmitBid_Concurrent 對應規格的併發性質:
// 150個出價者同時對一個商品出價，恰好一個成功，其餘全部被拒絕
func TestEngine_SubmitBid_Concurrent(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()

	const bidders = 150
	_, err := engine.Create(ctx, CreateParams{ItemID: 1, Host: "host", StartingCost: 50})
	require.NoError(t, err)
	names := make([]string, bidders)
	for i := range names {
		names[i] = fmt.Sprintf("bidder-%03d", i)
		_, err := store.Mint(ctx, names[i], 100)
		require.NoError(t, err)
	}
	totalBefore := store.Total()

	var wg sync.WaitGroup
	var start sync.WaitGroup
	start.Add(1)
	accepted := make(chan BidReceipt, bidders)
	rejected := make(chan error, bidders)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(bidder string) {
			defer wg.Done()
			start.Wait()
			receipt, err := engine.SubmitBid(ctx, 1, bidder, 60)
			if err != nil {
				rejected <- err
				return
			}
			accepted <- receipt
		}(names[i])
	}
	start.Done()
	wg.Wait()
	close(accepted)
	close(rejected)

	// 恰好一個得標
	require.Len(t, accepted, 1)
	winner := <-accepted
	assert.Equal(t, int64(50), winner.Price)

	// 其餘全部被拒絕，且拒絕原因只能是拍賣已結束(或更早階段的檢查)
	assert.Len(t, rejected, bidders-1)
	for err := range rejected {
		assert.ErrorIs(t, err, ErrItemInactive)
	}

	// 商品歸得標者所有且不再可出價
	item, err := engine.GetItem(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, winner.Bidder, item.Owner)
	assert.False(t, item.Active)

	// 餘額守恆: 扣款和入帳金額相同，沒有代幣被創造或銷毀
	assert.Equal(t, totalBefore, store.Total())
	winnerBalance, err := store.Balance(ctx, winner.Bidder)
	require.NoError(t, err)
	assert.Equal(t, int64(50), winnerBalance)
	hostBalance, err := store.Balance(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, int64(50), hostBalance)
}

// TestEngine_CrossItemIndependence 不同商品的出價互不阻塞也互不影響
func TestEngine_CrossItemIndependence(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()

	const items = 20
	for i := int64(1); i <= items; i++ {
		_, err := engine.Create(ctx, CreateParams{ItemID: i, Host: "host", StartingCost: 10})
		require.NoError(t, err)
	}
	_, err := store.Mint(ctx, "bidder", 10*items)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := int64(1); i <= items; i++ {
		wg.Add(1)
		go func(itemID int64) {
			defer wg.Done()
			_, err := engine.SubmitBid(ctx, itemID, "bidder", 10)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	items20, err := engine.ListItems(ctx)
	require.NoError(t, err)
	for _, item := range items20 {
		assert.Equal(t, "bidder", item.Owner)
		assert.False(t, item.Active)
	}
	balance, err := store.Balance(ctx, "bidder")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

// TestEngine_CostMonotonic 隨機的step/submit bid序列下，
// 拍賣進行中的價格永遠單調遞減
func TestEngine_CostMonotonic(t *testing.T) {
	engine, store, _ := setupEngine(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	_, err := engine.Create(ctx, CreateParams{ItemID: 1, Host: "host", StartingCost: 1000})
	require.NoError(t, err)
	_, err = store.Mint(ctx, "bidder", 5)
	require.NoError(t, err)

	lastCost := int64(1000)
	for i := 0; i < 200; i++ {
		switch rng.Intn(3) {
		case 0:
			decrease := rng.Int63n(20) - 5 // 偶爾是不合法的降價
			if cost, err := engine.Step(ctx, 1, "host", decrease); err == nil {
				assert.LessOrEqual(t, cost, lastCost)
			}
		case 1:
			// 餘額只有5，只有價格降到5以下才可能成交
			_, _ = engine.SubmitBid(ctx, 1, "bidder", rng.Int63n(1200))
		case 2:
			_, _ = engine.SubmitBid(ctx, 1, "stranger", rng.Int63n(1200))
		}
		item, err := engine.GetItem(ctx, 1)
		require.NoError(t, err)
		assert.LessOrEqual(t, item.Cost, lastCost)
		if !item.Active {
			return
		}
		lastCost = item.Cost
	}
}

func TestEngine_Deactivate(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		engine, _, events := setupEngine(t)
		ctx := context.Background()
		_, err := engine.Create(ctx, CreateParams{ItemID: 1, Host: "host", StartingCost: 100})
		require.NoError(t, err)

		require.NoError(t, engine.Deactivate(ctx, 1, "host"))
		// 第二次停用是no-op，不會再發布事件
		require.NoError(t, engine.Deactivate(ctx, 1, "host"))
		assert.Equal(t, []EventKind{EventCreated, EventDeactivated}, events.kinds())

		item, err := engine.GetItem(ctx, 1)
		require.NoError(t, err)
		assert.False(t, item.Active)
		assert.Equal(t, "host", item.Owner)
	})

	t.Run("non owner", func(t *testing.T) {
		engine, _, _ := setupEngine(t)
		ctx := context.Background()
		_, err := engine.Create(ctx, CreateParams{ItemID: 1, Host: "host", StartingCost: 100})
		require.NoError(t, err)

		err = engine.Deactivate(ctx, 1, "stranger")
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("unknown item", func(t *testing.T) {
		engine, _, _ := setupEngine(t)
		err := engine.Deactivate(context.Background(), 42, "host")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

// TestEngine_BusyRetry 鎖被佔用時回傳ErrBusy，重試不會留下重複的狀態變更
func TestEngine_BusyRetry(t *testing.T) {
	store := ledger.NewMemory()
	locker := NewLocalLocker(WithLocalLockerWait(50 * time.Millisecond))
	engine := NewEngine(NewRegistry(store), locker)
	ctx := context.Background()

	_, err := engine.Create(ctx, CreateParams{ItemID: 1, Host: "host", StartingCost: 50})
	require.NoError(t, err)
	_, err = store.Mint(ctx, "bidder", 100)
	require.NoError(t, err)

	// 先佔住商品鎖，讓出價拿不到鎖
	release, err := locker.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = engine.SubmitBid(ctx, 1, "bidder", 50)
	assert.ErrorIs(t, err, ErrBusy)
	assert.True(t, IsRetryable(err))

	// Busy失敗不能留下任何已提交的狀態
	balance, err := store.Balance(ctx, "bidder")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	item, err := engine.GetItem(ctx, 1)
	require.NoError(t, err)
	assert.True(t, item.Active)

	// 釋放鎖後重試成功
	release()
	receipt, err := engine.SubmitBid(ctx, 1, "bidder", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), receipt.Price)
}

func TestEngine_ListItems_InsertionOrder(t *testing.T) {
	engine, _, _ := setupEngine(t)
	ctx := context.Background()

	for _, id := range []int64{7, 3, 9, 1} {
		_, err := engine.Create(ctx, CreateParams{ItemID: id, Host: "host", StartingCost: 10})
		require.NoError(t, err)
	}

	items, err := engine.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 4)
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ItemID
	}
	assert.Equal(t, []int64{7, 3, 9, 1}, ids)
}

// TestEngine_SharedItemStore 多個引擎(模擬多個結算節點)共用同一份
// 商品狀態、商品鎖和帳本時，看到的是同一份拍賣:
// 重複的商品ID跨節點只能建立一次，成交後其他節點的出價一律被拒絕
func TestEngine_SharedItemStore(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemory()
	items := NewRegistry(store)
	locker := NewLocalLocker(WithLocalLockerWait(time.Second))

	nodeA := NewEngine(items, locker)
	nodeB := NewEngine(items, locker)

	_, err := store.Mint(ctx, "b1", 100)
	require.NoError(t, err)
	_, err = store.Mint(ctx, "b2", 100)
	require.NoError(t, err)

	// nodeA建立的拍賣在nodeB也看得到，同一個ID不能再建立
	_, err = nodeA.Create(ctx, CreateParams{ItemID: 5, Host: "host", StartingCost: 50})
	require.NoError(t, err)
	_, err = nodeB.Create(ctx, CreateParams{ItemID: 5, Host: "other", StartingCost: 99})
	assert.ErrorIs(t, err, ErrDuplicateItem)
	item, err := nodeB.GetItem(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "host", item.Owner)

	// nodeB成交後，nodeA上的出價看到的是已結束的拍賣
	receipt, err := nodeB.SubmitBid(ctx, 5, "b1", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), receipt.Price)
	_, err = nodeA.SubmitBid(ctx, 5, "b2", 50)
	assert.ErrorIs(t, err, ErrItemInactive)

	// 只有一次扣款和一次入帳
	balance, err := store.Balance(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
	balance, err = store.Balance(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
	balance, err = store.Balance(ctx, "host")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)

	item, err = nodeA.GetItem(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "b1", item.Owner)
	assert.False(t, item.Active)
}
