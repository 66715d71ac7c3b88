package settle

import "time"

// Item 是拍賣商品在某個時間點的一致性快照
// Host 是建立拍賣的帳戶，Owner 是目前的擁有者，成交後兩者才會不同
type Item struct {
	ItemID      int64     `json:"item_id"`
	Host        string    `json:"host"`
	Owner       string    `json:"owner"`
	Cost        int64     `json:"cost"`
	Active      bool      `json:"active"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BidReceipt 出價成功後回傳給出價者的結算收據
// Price 是實際成交的價格(目前的階梯價格)，而不是出價者的出價金額
type BidReceipt struct {
	ItemID        int64     `json:"item_id"`
	Bidder        string    `json:"bidder"`
	PreviousOwner string    `json:"previous_owner"`
	Price         int64     `json:"price"`
	SettledAt     time.Time `json:"settled_at"`
}

// EventKind 結算事件的種類
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventStepped     EventKind = "stepped"
	EventSold        EventKind = "sold"
	EventDeactivated EventKind = "deactivated"
)

// Event 是每次成功提交的狀態變更所發布的結算事件
// 同一個商品的事件順序和提交順序一致
// Host/Title/Description 只在created事件帶值，讓歸檔不需要回頭查詢來源節點
type Event struct {
	ID            string    `json:"id"`
	Kind          EventKind `json:"kind"`
	ItemID        int64     `json:"itemId"`
	Owner         string    `json:"owner"`
	PreviousOwner string    `json:"previousOwner,omitempty"`
	Cost          int64     `json:"cost"`
	Active        bool      `json:"active"`
	Host          string    `json:"host,omitempty"`
	Title         string    `json:"title,omitempty"`
	Description   string    `json:"description,omitempty"`
	At            time.Time `json:"at"`
}

// EventPublisher 定義了結算事件發布者的介面
type EventPublisher interface {
	Publish(event Event) error
}
