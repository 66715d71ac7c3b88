package sse_test

import (
	"io"
	"log"
)

func init() {
	// 將日誌輸出重定向到io.Discard
	log.SetOutput(io.Discard)
}

// ItemEvent 代表測試用的商品事件
type ItemEvent struct {
	ItemID int64  `json:"itemId"`
	Kind   string `json:"kind"`
	Cost   int64  `json:"cost"`
}
