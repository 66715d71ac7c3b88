package models

import (
	"gorm.io/gorm"
)

// AuctionItem 代表拍賣商品在資料庫中的快照
// 由歸檔worker依照事件流更新，提供報表與稽核查詢使用
type AuctionItem struct {
	gorm.Model

	ItemID      int64  `gorm:"type:bigint;not null;uniqueIndex:idx_auction_item_item_id,where:deleted_at IS NULL;<-:create"`
	Host        string `gorm:"type:varchar(255);not null;<-:create"`
	Owner       string `gorm:"type:varchar(255);not null"`
	Cost        int64  `gorm:"type:bigint;not null"`
	Active      bool   `gorm:"type:boolean;not null"`
	Title       string `gorm:"type:varchar(255);not null;<-:create"`
	Description string `gorm:"type:text;not null;<-:create"`
}
