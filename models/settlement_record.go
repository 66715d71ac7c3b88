package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SettlementRecord 代表一筆結算事件的歸檔紀錄
// EventID來自事件本身，重複消費同一事件時靠它去重
type SettlementRecord struct {
	gorm.Model

	ID            uuid.UUID `gorm:"type:uuid;default:public.uuid_generate_v7();primaryKey;<-:false"`
	EventID       string    `gorm:"type:uuid;not null;uniqueIndex:idx_settlement_record_event_id,where:deleted_at IS NULL;<-:create"`
	Kind          string    `gorm:"type:varchar(32);not null;<-:create"`
	ItemID        int64     `gorm:"type:bigint;not null;<-:create"`
	Owner         string    `gorm:"type:varchar(255);not null;<-:create"`
	PreviousOwner string    `gorm:"type:varchar(255);<-:create"`
	Cost          int64     `gorm:"type:bigint;not null;<-:create"`
	Active        bool      `gorm:"type:boolean;not null;<-:create"`
	OccurredAt    time.Time `gorm:"type:timestamp with time zone;not null;<-:create"`
}
