package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tulip/ledger"
	"tulip/settle"
)

// createItemScript 原子性地註冊新商品
//
//	KEYS[1] - 商品的 hash key
//	KEYS[2] - 商品建立順序的 list key
//	ARGV[1] - 商品ID
//	ARGV[2] - 主持人
//	ARGV[3] - 擁有者
//	ARGV[4] - 起始價格
//	ARGV[5] - 是否可出價
//	ARGV[6] - 標題
//	ARGV[7] - 描述
//	ARGV[8] - 建立時間 (UnixNano)
//
// 返回值:
//
//	 1 - 註冊成功
//	 0 - 商品ID已存在
//
// 存在性檢查和寫入在同一個腳本內完成，多個節點同時註冊同一個ID時
// 只有一個會成功
var createItemScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 0
end

redis.call('HSET', KEYS[1],
    'itemID', ARGV[1],
    'host', ARGV[2],
    'owner', ARGV[3],
    'cost', ARGV[4],
    'active', ARGV[5],
    'title', ARGV[6],
    'description', ARGV[7],
    'createdAt', ARGV[8])
redis.call('RPUSH', KEYS[2], ARGV[1])

return 1
`)

// sellItemScript 原子性地完成一筆結算
//
//	KEYS[1] - 商品的 hash key
//	KEYS[2] - 餘額的 hash key
//	ARGV[1] - 出價者
//
// 返回值:
//
//	 1 - 結算成功
//	 0 - 出價者餘額不足
//	-1 - 商品不存在
//	-2 - 拍賣已結束
//
// 扣款、入帳、擁有權轉移和結束拍賣在同一個腳本內完成，
// 所以不會出現帳已轉但商品沒易主的部分提交，
// 其他節點也不可能在腳本執行中間賣出同一個商品
var sellItemScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
if redis.call('HGET', KEYS[1], 'active') ~= '1' then
    return -2
end

local cost = tonumber(redis.call('HGET', KEYS[1], 'cost'))
local owner = redis.call('HGET', KEYS[1], 'owner')
local balance = tonumber(redis.call('HGET', KEYS[2], ARGV[1])) or 0

-- 以目前的階梯價格檢查出價者的餘額
if balance < cost then
    return 0
end

redis.call('HINCRBY', KEYS[2], ARGV[1], -cost)
redis.call('HINCRBY', KEYS[2], owner, cost)
redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'active', '0')

return 1
`)

type itemStoreOptions struct {
	prefix string
}

type ItemStoreOption func(*itemStoreOptions)

// WithItemStorePrefix 設置商品key的前綴，必須和帳本使用相同的前綴
func WithItemStorePrefix(prefix string) ItemStoreOption {
	return func(o *itemStoreOptions) {
		o.prefix = prefix
	}
}

// ItemStore 是以Redis hash實作的共享商品狀態
// 多個結算節點共用同一份權威狀態，每個商品一個hash，
// 建立順序另外記在一個list供列表查詢使用
// 結算直接操作帳本的餘額hash，轉帳和商品變更在同一個Lua腳本內提交
type ItemStore struct {
	client      *redis.Client
	indexKey    string
	balancesKey string
	options     itemStoreOptions
}

// NewItemStore 建立以Redis為後端的商品狀態
func NewItemStore(client *redis.Client, opts ...ItemStoreOption) (*ItemStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	// 默認選項
	options := itemStoreOptions{
		prefix: "tulip:",
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &ItemStore{
		client:      client,
		indexKey:    options.prefix + "auction:index",
		balancesKey: options.prefix + "ledger:balances",
		options:     options,
	}, nil
}

func (s *ItemStore) itemKey(itemID int64) string {
	return fmt.Sprintf("%sauction:%d", s.options.prefix, itemID)
}

// Create 註冊新商品，同一個ID只能註冊一次(跨節點)
func (s *ItemStore) Create(ctx context.Context, item settle.Item) error {
	const op = "redis.ItemStore.Create"
	status, err := createItemScript.Run(ctx, s.client,
		[]string{s.itemKey(item.ItemID), s.indexKey},
		item.ItemID,
		item.Host,
		item.Owner,
		item.Cost,
		boolField(item.Active),
		item.Title,
		item.Description,
		item.CreatedAt.UnixNano(),
	).Int()
	if err != nil {
		return fmt.Errorf("[%s] item %d, err=%w", op, item.ItemID, ledger.ErrUnavailable)
	}
	if status == 0 {
		return fmt.Errorf("[%s] item %d, err=%w", op, item.ItemID, settle.ErrDuplicateItem)
	}
	return nil
}

// Get 回傳商品的一致性快照
func (s *ItemStore) Get(ctx context.Context, itemID int64) (settle.Item, error) {
	const op = "redis.ItemStore.Get"
	fields, err := s.client.HGetAll(ctx, s.itemKey(itemID)).Result()
	if err != nil {
		return settle.Item{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, ledger.ErrUnavailable)
	}
	if len(fields) == 0 {
		return settle.Item{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, settle.ErrNotFound)
	}
	item, err := parseItem(fields)
	if err != nil {
		return settle.Item{}, fmt.Errorf("[%s] item %d, err=%w", op, itemID, err)
	}
	return item, nil
}

// List 依照建立順序回傳所有商品的快照
func (s *ItemStore) List(ctx context.Context) ([]settle.Item, error) {
	const op = "redis.ItemStore.List"
	ids, err := s.client.LRange(ctx, s.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("[%s] err=%w", op, ledger.ErrUnavailable)
	}
	items := make([]settle.Item, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("[%s] malformed item id %q, err=%w", op, raw, err)
		}
		item, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, settle.ErrNotFound) {
				continue
			}
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// SetCost 設定商品目前的價格
func (s *ItemStore) SetCost(ctx context.Context, itemID int64, cost int64) error {
	const op = "redis.ItemStore.SetCost"
	if err := s.client.HSet(ctx, s.itemKey(itemID), "cost", cost).Err(); err != nil {
		return fmt.Errorf("[%s] item %d, err=%w", op, itemID, ledger.ErrUnavailable)
	}
	return nil
}

// Sell 以目前的價格完成結算
func (s *ItemStore) Sell(ctx context.Context, itemID int64, bidder string) error {
	const op = "redis.ItemStore.Sell"
	status, err := sellItemScript.Run(ctx, s.client,
		[]string{s.itemKey(itemID), s.balancesKey},
		bidder,
	).Int()
	if err != nil {
		return fmt.Errorf("[%s] item %d, err=%w", op, itemID, ledger.ErrUnavailable)
	}
	switch status {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("[%s] bidder %s on item %d, err=%w", op, bidder, itemID, ledger.ErrInsufficientFunds)
	case -1:
		return fmt.Errorf("[%s] item %d, err=%w", op, itemID, settle.ErrNotFound)
	case -2:
		return fmt.Errorf("[%s] item %d, err=%w", op, itemID, settle.ErrItemInactive)
	default:
		return fmt.Errorf("[%s] item %d, unexpected status %d", op, itemID, status)
	}
}

// Deactivate 結束拍賣，已結束的拍賣再次停用沒有任何效果
func (s *ItemStore) Deactivate(ctx context.Context, itemID int64) error {
	const op = "redis.ItemStore.Deactivate"
	if err := s.client.HSet(ctx, s.itemKey(itemID), "active", "0").Err(); err != nil {
		return fmt.Errorf("[%s] item %d, err=%w", op, itemID, ledger.ErrUnavailable)
	}
	return nil
}

func boolField(value bool) string {
	if value {
		return "1"
	}
	return "0"
}

func parseItem(fields map[string]string) (settle.Item, error) {
	itemID, err := strconv.ParseInt(fields["itemID"], 10, 64)
	if err != nil {
		return settle.Item{}, fmt.Errorf("malformed itemID %q, err=%w", fields["itemID"], err)
	}
	cost, err := strconv.ParseInt(fields["cost"], 10, 64)
	if err != nil {
		return settle.Item{}, fmt.Errorf("malformed cost %q, err=%w", fields["cost"], err)
	}
	createdAt, err := strconv.ParseInt(fields["createdAt"], 10, 64)
	if err != nil {
		return settle.Item{}, fmt.Errorf("malformed createdAt %q, err=%w", fields["createdAt"], err)
	}
	return settle.Item{
		ItemID:      itemID,
		Host:        fields["host"],
		Owner:       fields["owner"],
		Cost:        cost,
		Active:      fields["active"] == "1",
		Title:       fields["title"],
		Description: fields["description"],
		CreatedAt:   time.Unix(0, createdAt),
	}, nil
}
