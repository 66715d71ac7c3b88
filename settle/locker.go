package settle

import (
	"context"
	"sync"
	"time"
)

// ItemLocker 定義了商品鎖的介面
// 同一個商品同時只能有一個狀態變更操作持有鎖，不同商品之間互不阻塞
// 無法在限定時間內取得鎖時必須回傳 ErrBusy，讓呼叫者可以安全重試
type ItemLocker interface {
	Acquire(ctx context.Context, itemID int64) (release func(), err error)
}

type localLockerOptions struct {
	wait time.Duration
}

type LocalLockerOption func(*localLockerOptions)

// WithLocalLockerWait 設置取得鎖的等待上限
func WithLocalLockerWait(d time.Duration) LocalLockerOption {
	return func(o *localLockerOptions) {
		o.wait = d
	}
}

// LocalLocker 是單節點部署使用的行程內商品鎖
// 每個商品一個容量為1的channel，取得鎖即佔用該slot
type LocalLocker struct {
	mu      sync.Mutex
	slots   map[int64]chan struct{}
	options localLockerOptions
}

// NewLocalLocker 建立一個行程內的商品鎖
func NewLocalLocker(opts ...LocalLockerOption) *LocalLocker {
	// 默認選項
	options := localLockerOptions{
		wait: 3 * time.Second,
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &LocalLocker{
		slots:   make(map[int64]chan struct{}),
		options: options,
	}
}

func (l *LocalLocker) slot(itemID int64) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[itemID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[itemID] = ch
	}
	return ch
}

// Acquire 取得指定商品的鎖，等待超過上限時回傳 ErrBusy
func (l *LocalLocker) Acquire(ctx context.Context, itemID int64) (func(), error) {
	ch := l.slot(itemID)
	timer := time.NewTimer(l.options.wait)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-ch })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrBusy
	}
}
