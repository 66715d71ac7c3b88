// Package ledger 定義了結算引擎和外部帳本之間的邊界
// 帳本持有每個帳戶的代幣餘額，結算引擎只會讀取或有條件地轉移餘額
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrInsufficientFunds 帳戶餘額不足以完成扣款
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrUnavailable 帳本暫時無法使用，操作未提交、可安全重試
	ErrUnavailable = errors.New("ledger unavailable")
	// ErrOverflow 入帳後的餘額會超出可表示範圍
	ErrOverflow = errors.New("balance overflow")
)

// Store 定義了帳本的操作介面
// Transfer 是單一的交易邊界：扣款和入帳要麼同時生效、要麼都不生效，
// 結算引擎依賴這點來保證接受出價時不會留下部分轉帳
type Store interface {
	// Balance 查詢帳戶餘額，不存在的帳戶餘額為0
	Balance(ctx context.Context, account string) (int64, error)
	// Mint 鑄造代幣到指定帳戶，回傳新的餘額
	Mint(ctx context.Context, account string, amount int64) (int64, error)
	// Debit 從帳戶扣款，餘額不足時回傳 ErrInsufficientFunds
	Debit(ctx context.Context, account string, amount int64) error
	// Credit 入帳到指定帳戶
	Credit(ctx context.Context, account string, amount int64) error
	// Transfer 原子性地從 from 扣款並入帳到 to
	Transfer(ctx context.Context, from, to string, amount int64) error
}
