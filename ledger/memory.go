package ledger

import (
	"context"
	"math"
	"sync"
)

// Memory 是行程內的帳本實作，用於測試和單節點部署
// 所有操作共用一把鎖，Transfer 因此天然是原子的
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
}

// NewMemory 建立一個空的行程內帳本
func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
	}
}

// Balance 查詢帳戶餘額，不存在的帳戶餘額為0
func (m *Memory) Balance(_ context.Context, account string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account], nil
}

// Mint 鑄造代幣到指定帳戶，回傳新的餘額
func (m *Memory) Mint(_ context.Context, account string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance := m.balances[account]
	if balance > math.MaxInt64-amount {
		return 0, ErrOverflow
	}
	m.balances[account] = balance + amount
	return balance + amount, nil
}

// Debit 從帳戶扣款，餘額不足時回傳 ErrInsufficientFunds
func (m *Memory) Debit(_ context.Context, account string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.debit(account, amount)
}

// Credit 入帳到指定帳戶
func (m *Memory) Credit(_ context.Context, account string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credit(account, amount)
}

// Transfer 原子性地從 from 扣款並入帳到 to
// 兩邊都在同一個臨界區內完成，任一檢查失敗時不會留下部分轉帳
func (m *Memory) Transfer(_ context.Context, from, to string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[to] > math.MaxInt64-amount {
		return ErrOverflow
	}
	if err := m.debit(from, amount); err != nil {
		return err
	}
	return m.credit(to, amount)
}

func (m *Memory) debit(account string, amount int64) error {
	balance := m.balances[account]
	if balance < amount {
		return ErrInsufficientFunds
	}
	m.balances[account] = balance - amount
	return nil
}

func (m *Memory) credit(account string, amount int64) error {
	balance := m.balances[account]
	if balance > math.MaxInt64-amount {
		return ErrOverflow
	}
	m.balances[account] = balance + amount
	return nil
}

// Total 回傳所有帳戶餘額的總和，用於測試守恆性質
func (m *Memory) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, balance := range m.balances {
		total += balance
	}
	return total
}
