package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"tulip/ledger"
)

// isOverflow 判斷Redis回傳的錯誤是否為HINCRBY的int64溢位
// 溢位是請求本身的問題，重試不會成功，所以不能歸類為暫時性的不可用
func isOverflow(err error) bool {
	return err != nil && strings.Contains(err.Error(), "increment or decrement would overflow")
}

// transferScript 原子性地從一個帳戶轉帳到另一個帳戶
//
//	KEYS[1] - 餘額的 hash key
//	ARGV[1] - 轉出帳戶
//	ARGV[2] - 轉入帳戶
//	ARGV[3] - 轉帳金額
//
// 返回值:
//
//	 1 - 轉帳成功
//	 0 - 餘額不足
//
// 扣款和入帳在同一個腳本內完成，Redis保證腳本執行期間不會交錯其他指令，
// 所以不會出現只扣款沒入帳的部分轉帳
var transferScript = redis.NewScript(`
-- 取得轉出帳戶的餘額
local from_balance = tonumber(redis.call('HGET', KEYS[1], ARGV[1])) or 0
local amount = tonumber(ARGV[3])

-- 檢查餘額是否足夠
if from_balance < amount then
    return 0
end

-- 扣款並入帳
redis.call('HINCRBY', KEYS[1], ARGV[1], -amount)
redis.call('HINCRBY', KEYS[1], ARGV[2], amount)

return 1
`)

// debitScript 原子性地從帳戶扣款
//
//	KEYS[1] - 餘額的 hash key
//	ARGV[1] - 帳戶
//	ARGV[2] - 扣款金額
//
// 返回值同transferScript
var debitScript = redis.NewScript(`
local balance = tonumber(redis.call('HGET', KEYS[1], ARGV[1])) or 0
local amount = tonumber(ARGV[2])

if balance < amount then
    return 0
end

redis.call('HINCRBY', KEYS[1], ARGV[1], -amount)

return 1
`)

type ledgerOptions struct {
	prefix string
}

type LedgerOption func(*ledgerOptions)

// WithLedgerPrefix 設置餘額hash key的前綴
func WithLedgerPrefix(prefix string) LedgerOption {
	return func(o *ledgerOptions) {
		o.prefix = prefix
	}
}

// Ledger 是以Redis hash實作的共享帳本
// 多個結算節點共用同一份餘額，條件式的扣款透過Lua腳本原子性地完成
type Ledger struct {
	client  *redis.Client
	key     string
	options ledgerOptions
}

// NewLedger 建立以Redis為後端的帳本
func NewLedger(client *redis.Client, opts ...LedgerOption) (*Ledger, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}

	// 默認選項
	options := ledgerOptions{
		prefix: "tulip:",
	}

	// 應用自定義選項
	for _, opt := range opts {
		opt(&options)
	}

	return &Ledger{
		client:  client,
		key:     options.prefix + "ledger:balances",
		options: options,
	}, nil
}

// Balance 查詢帳戶餘額，不存在的帳戶餘額為0
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	const op = "redis.Ledger.Balance"
	balance, err := l.client.HGet(ctx, l.key, account).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("[%s] account %s, err=%w", op, account, ledger.ErrUnavailable)
	}
	return balance, nil
}

// Mint 鑄造代幣到指定帳戶，回傳新的餘額
func (l *Ledger) Mint(ctx context.Context, account string, amount int64) (int64, error) {
	const op = "redis.Ledger.Mint"
	balance, err := l.client.HIncrBy(ctx, l.key, account, amount).Result()
	if isOverflow(err) {
		return 0, fmt.Errorf("[%s] account %s, err=%w", op, account, ledger.ErrOverflow)
	}
	if err != nil {
		return 0, fmt.Errorf("[%s] account %s, err=%w", op, account, ledger.ErrUnavailable)
	}
	return balance, nil
}

// Debit 從帳戶扣款，餘額不足時回傳 ledger.ErrInsufficientFunds
func (l *Ledger) Debit(ctx context.Context, account string, amount int64) error {
	const op = "redis.Ledger.Debit"
	status, err := debitScript.Run(ctx, l.client, []string{l.key}, account, amount).Int()
	if err != nil {
		return fmt.Errorf("[%s] account %s, err=%w", op, account, ledger.ErrUnavailable)
	}
	if status == 0 {
		return fmt.Errorf("[%s] account %s, err=%w", op, account, ledger.ErrInsufficientFunds)
	}
	return nil
}

// Credit 入帳到指定帳戶
func (l *Ledger) Credit(ctx context.Context, account string, amount int64) error {
	const op = "redis.Ledger.Credit"
	if err := l.client.HIncrBy(ctx, l.key, account, amount).Err(); err != nil {
		if isOverflow(err) {
			return fmt.Errorf("[%s] account %s, err=%w", op, account, ledger.ErrOverflow)
		}
		return fmt.Errorf("[%s] account %s, err=%w", op, account, ledger.ErrUnavailable)
	}
	return nil
}

// Transfer 原子性地從 from 扣款並入帳到 to
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount int64) error {
	const op = "redis.Ledger.Transfer"
	status, err := transferScript.Run(ctx, l.client, []string{l.key}, from, to, amount).Int()
	if err != nil {
		if isOverflow(err) {
			return fmt.Errorf("[%s] from %s to %s, err=%w", op, from, to, ledger.ErrOverflow)
		}
		return fmt.Errorf("[%s] from %s to %s, err=%w", op, from, to, ledger.ErrUnavailable)
	}
	if status == 0 {
		return fmt.Errorf("[%s] from %s to %s, err=%w", op, from, to, ledger.ErrInsufficientFunds)
	}
	return nil
}
