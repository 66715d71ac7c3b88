package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"tulip/settle"
)

type itemLockerOptions struct {
	logger *slog.Logger
	prefix string
	expiry time.Duration
}

type ItemLockerOption func(*itemLockerOptions)

// WithItemLockerLogger 設置日誌記錄器
func WithItemLockerLogger(logger *slog.Logger) ItemLockerOption {
	return func(o *itemLockerOptions) {
		o.logger = logger
	}
}

// WithItemLockerPrefix 設置鎖key的前綴
func WithItemLockerPrefix(prefix string) ItemLockerOption {
	return func(o *itemLockerOptions) {
		o.prefix = prefix
	}
}

// WithItemLockerExpiry 設置鎖過期時間
func WithItemLockerExpiry(d time.Duration) ItemLockerOption {
	return func(o *itemLockerOptions) {
		o.expiry = d
	}
}

// ItemLocker 是多節點部署使用的商品鎖，基於AutoRenewMutex
// 每個商品一把獨立的分散式鎖，拿不到鎖時回傳settle.ErrBusy讓呼叫者重試
type ItemLocker struct {
	client  *redis.Client
	options itemLockerOptions
}

// NewItemLocker 建立以Redis分散式鎖實作的商品鎖
func NewItemLocker(client *redis.Client, opts ...ItemLockerOption) (*ItemLocker, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	// 默認選項
	options := itemLockerOptions{
		logger: slog.Default(),
		prefix: "tulip:",
		expiry: 8 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &ItemLocker{
		client:  client,
		options: options,
	}, nil
}

// Acquire 取得指定商品的分散式鎖
func (l *ItemLocker) Acquire(ctx context.Context, itemID int64) (func(), error) {
	const op = "ItemLocker.Acquire"
	key := fmt.Sprintf("%sauction:%d:lock", l.options.prefix, itemID)
	mutex := NewAutoRenewMutex(l.client, key, WithAutoRenewMutexExpiry(l.options.expiry))

	_, err := mutex.TryLock(ctx)
	if errors.Is(err, ErrLockNotAcquired) {
		return nil, fmt.Errorf("[%s] item %d, err=%w", op, itemID, settle.ErrBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("[%s] fail to acquire lock for item %d, err=%w", op, itemID, err)
	}

	return func() {
		if _, err := mutex.Unlock(); err != nil {
			l.options.logger.Warn("Fail to release item lock", slog.String("op", op), slog.Int64("itemID", itemID), slog.Any("error", err))
		}
	}, nil
}
