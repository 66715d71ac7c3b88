package settle

import "errors"

var (
	// ErrDuplicateItem 商品ID已經被註冊過
	ErrDuplicateItem = errors.New("item already registered")
	// ErrNotFound 商品不存在
	ErrNotFound = errors.New("item not found")
	// ErrUnauthorized 請求者不是拍賣的主持人/擁有者
	ErrUnauthorized = errors.New("requester is not the item owner")
	// ErrInvalidAmount 金額不合法(非正數或會讓價格變成負數)
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrItemInactive 商品不存在或已經結束拍賣
	ErrItemInactive = errors.New("item inactive or unknown")
	// ErrInsufficientOffer 出價低於目前的成交價格
	ErrInsufficientOffer = errors.New("offered amount below current cost")
	// ErrInsufficientBalance 出價者的帳戶餘額不足
	ErrInsufficientBalance = errors.New("bidder balance below current cost")
	// ErrBusy 無法在限定時間內取得商品鎖，可安全重試
	ErrBusy = errors.New("item busy, retry later")
	// ErrLedgerUnavailable 帳本暫時無法使用，可安全重試
	ErrLedgerUnavailable = errors.New("ledger unavailable, retry later")
)

// IsRetryable 判斷錯誤是否為暫時性錯誤
// 暫時性錯誤不會留下任何已提交的狀態，重試是冪等的
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrLedgerUnavailable)
}
