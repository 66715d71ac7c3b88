package sse

import (
	"context"
	"log/slog"
	"sync"

	"github.com/smallnest/chanx"

	redisadapter "tulip/adapters/redis"
)

// connectionManager 管理多個商品事件頻道的訂閱與發布。
// 設置subscriber時會從Redis Stream讀回結算事件再廣播，
// 讓多個服務實例的SSE連線都能收到同一份事件；
// 未設置時Publish進入行程內的無界緩衝，由單一goroutine依序廣播，
// 供單節點部署使用。
type connectionManager[T any] struct {
	logger *slog.Logger

	mu     sync.RWMutex   // 保護 active 和 channels 的讀寫
	wg     sync.WaitGroup // 用於等待廣播 goroutine 完成
	active bool

	subscriber redisadapter.IConsumer[PublishRequest[T]]
	channels   map[string]IChannel[T]

	local      *chanx.UnboundedChan[PublishRequest[T]]
	cancelFunc context.CancelFunc
}

type ConnectionManagerOption[T any] func(*connectionManager[T])

// WithLogger 設置日誌記錄器
func WithLogger[T any](logger *slog.Logger) ConnectionManagerOption[T] {
	return func(cm *connectionManager[T]) {
		cm.logger = logger
	}
}

// WithSubscriber 設置跨節點的事件來源
func WithSubscriber[T any](subscriber redisadapter.IConsumer[PublishRequest[T]]) ConnectionManagerOption[T] {
	return func(cm *connectionManager[T]) {
		cm.subscriber = subscriber
	}
}

// NewConnectionManager 建立一個新的連線管理器。
func NewConnectionManager[T any](opts ...ConnectionManagerOption[T]) (IConnectionManager[T], error) {
	cm := &connectionManager[T]{
		logger:   slog.Default(),
		channels: make(map[string]IChannel[T]),
		active:   true,
	}

	for _, opt := range opts {
		opt(cm)
	}
	cm.logger = cm.logger.With(slog.String("caller", "ConnectionManager"))

	return cm, nil
}

// Start 啟動連線管理器，開始處理事件的接收與廣播。
// 應在呼叫其他方法前先呼叫此方法。
func (cm *connectionManager[T]) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	cm.cancelFunc = cancel

	if cm.subscriber != nil {
		// 啟動事件廣播的 goroutine
		cm.wg.Add(1)
		go func() {
			defer cm.wg.Done()
			for msg := range cm.subscriber.Subscribe() {
				cm.broadcast(msg)
			}
		}()
		return
	}

	// 單節點模式: Publish只負責排進無界緩衝，
	// 由這個goroutine依序取出廣播，同一個頻道的事件
	// 送達訂閱者的順序和發布順序一致
	cm.local = chanx.NewUnboundedChan[PublishRequest[T]](ctx, 100)
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-cm.local.Out:
				if !ok {
					return
				}
				cm.broadcast(msg)
			}
		}
	}()
}

func (cm *connectionManager[T]) broadcast(msg PublishRequest[T]) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if channel, ok := cm.channels[msg.Channel]; ok {
		channel.Broadcast(msg.Message)
	}
}

// Done 停止連線管理器的運作。
func (cm *connectionManager[T]) Done() {
	cm.mu.Lock()
	if !cm.active {
		cm.mu.Unlock()
		return
	}
	cm.active = false
	if cm.subscriber != nil {
		cm.subscriber.Close()
	}
	if cm.cancelFunc != nil {
		cm.cancelFunc()
	}
	cm.mu.Unlock()

	// 廣播goroutine會持有讀鎖，等待必須在鎖外進行
	cm.wg.Wait()

	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channel := range cm.channels {
		channel.UnsubscribeAll()
	}
	clear(cm.channels)
}

// Subscribe 訂閱指定的頻道。
// channelName: 要訂閱的頻道名稱
// 返回: 用於接收事件的唯讀通道，以及可能的錯誤
func (cm *connectionManager[T]) Subscribe(channelName string) (<-chan T, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.active {
		return nil, context.Canceled
	}

	c, ok := cm.channels[channelName]
	if !ok {
		c = NewChannel[T]()
		cm.channels[channelName] = c
	}
	return c.Subscribe(), nil
}

// Publish 在本地發布事件到指定的頻道。
// 只負責排入緩衝，不會阻塞呼叫者；
// 多節點部署下事件改走Redis Stream，由subscriber讀回後廣播。
func (cm *connectionManager[T]) Publish(channelName string, data T) error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.active {
		return context.Canceled
	}
	if cm.local == nil {
		return nil
	}

	cm.local.In <- PublishRequest[T]{Channel: channelName, Message: data}
	return nil
}

// Unsubscribe 取消訂閱指定的頻道。
func (cm *connectionManager[T]) Unsubscribe(channelName string, ch <-chan T) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	c, ok := cm.channels[channelName]
	if !ok {
		return
	}

	c.Unsubscribe(ch)
	if c.IsIdle() {
		delete(cm.channels, channelName)
	}
}
