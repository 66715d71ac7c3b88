package sse_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"tulip/adapters/sse"
)

func TestChannel(t *testing.T) {
	ch := sse.NewChannel[ItemEvent]()

	// 測試訂閱
	sub := ch.Subscribe()
	assert.NotNil(t, sub)

	// 測試廣播事件
	event := ItemEvent{ItemID: 42, Kind: "sold", Cost: 80}
	go ch.Broadcast(event)

	select {
	case received := <-sub:
		assert.Equal(t, event, received)
	case <-time.After(time.Second):
		t.Fatal("did not receive event in time")
	}

	// 測試取消訂閱
	ch.Unsubscribe(sub)
	_, ok := <-sub
	assert.False(t, ok, "channel should be closed")

	// 測試 IsIdle
	assert.True(t, ch.IsIdle(), "channel should be idle")
}

func TestChannel_MultipleSubscribers(t *testing.T) {
	ch := sse.NewChannel[ItemEvent]()

	subs := make([]<-chan ItemEvent, 3)
	for i := range subs {
		subs[i] = ch.Subscribe()
	}
	assert.False(t, ch.IsIdle())

	event := ItemEvent{ItemID: 7, Kind: "stepped", Cost: 60}
	go ch.Broadcast(event)

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub <-chan ItemEvent) {
			defer wg.Done()
			select {
			case received := <-sub:
				assert.Equal(t, event, received)
			case <-time.After(time.Second):
				t.Error("did not receive event in time")
			}
		}(sub)
	}
	wg.Wait()

	ch.UnsubscribeAll()
	assert.True(t, ch.IsIdle())
	for _, sub := range subs {
		_, ok := <-sub
		assert.False(t, ok, "channel should be closed")
	}
}
