package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_MintAndBalance(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	// 不存在的帳戶餘額為0
	balance, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	newBalance, err := store.Mint(ctx, "alice", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), newBalance)

	newBalance, err = store.Mint(ctx, "alice", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(150), newBalance)

	// 溢位檢查
	_, err = store.Mint(ctx, "alice", math.MaxInt64)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestMemory_Transfer(t *testing.T) {
	tests := []struct {
		name        string
		fromBalance int64
		amount      int64
		wantErr     error
		wantFrom    int64
		wantTo      int64
	}{
		{name: "success", fromBalance: 100, amount: 60, wantFrom: 40, wantTo: 60},
		{name: "exact balance", fromBalance: 60, amount: 60, wantFrom: 0, wantTo: 60},
		{name: "insufficient", fromBalance: 59, amount: 60, wantErr: ErrInsufficientFunds, wantFrom: 59, wantTo: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemory()
			ctx := context.Background()
			_, err := store.Mint(ctx, "from", tt.fromBalance)
			require.NoError(t, err)

			err = store.Transfer(ctx, "from", "to", tt.amount)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			// 失敗時不能留下部分轉帳
			from, err := store.Balance(ctx, "from")
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, from)
			to, err := store.Balance(ctx, "to")
			require.NoError(t, err)
			assert.Equal(t, tt.wantTo, to)
		})
	}
}

func TestMemory_DebitCredit(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Mint(ctx, "alice", 100)
	require.NoError(t, err)

	require.NoError(t, store.Debit(ctx, "alice", 30))
	require.NoError(t, store.Credit(ctx, "bob", 30))

	assert.ErrorIs(t, store.Debit(ctx, "alice", 71), ErrInsufficientFunds)

	balance, err := store.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(70), balance)
}

// TestMemory_TransferConservation 併發轉帳下總餘額守恆
func TestMemory_TransferConservation(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	const accounts = 10
	for i := 0; i < accounts; i++ {
		_, err := store.Mint(ctx, fmt.Sprintf("acct-%d", i), 1000)
		require.NoError(t, err)
	}
	totalBefore := store.Total()

	var wg sync.WaitGroup
	for i := 0; i < accounts; i++ {
		for j := 0; j < accounts; j++ {
			if i == j {
				continue
			}
			wg.Add(1)
			go func(from, to string) {
				defer wg.Done()
				_ = store.Transfer(ctx, from, to, 7)
			}(fmt.Sprintf("acct-%d", i), fmt.Sprintf("acct-%d", j))
		}
	}
	wg.Wait()

	assert.Equal(t, totalBefore, store.Total())
}
