package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"

	"tulip/ledger"
	"tulip/settle"
)

// RegisterRoutes 將所有路由掛載到router上
func RegisterRoutes(router *gin.Engine, impl *ServerImpl) {
	auction := router.Group("/auction")
	auction.POST("/items", impl.PostAuctionItems)
	auction.GET("/items", impl.GetAuctionItems)
	auction.GET("/items/:itemID", impl.GetAuctionItemsItemID)
	auction.DELETE("/items/:itemID", impl.DeleteAuctionItemsItemID)
	auction.POST("/items/:itemID/steps", impl.PostAuctionItemsItemIDSteps)
	auction.POST("/items/:itemID/bids", impl.PostAuctionItemsItemIDBids)
	auction.GET("/items/:itemID/events", impl.GetAuctionItemsItemIDEvents)

	accounts := router.Group("/accounts")
	accounts.POST("/:account/mint", impl.PostAccountsAccountMint)
	accounts.POST("/:account/transfers", impl.PostAccountsAccountTransfers)
	accounts.GET("/:account/balance", impl.GetAccountsAccountBalance)
}

type ErrorResponse struct {
	Message string `json:"message"`
}

// writeError 將結算錯誤轉換為對應的HTTP回應
// 拒絕原因放在回應內容，可重試的情況(Busy/帳本不可用)回503
func writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, settle.ErrDuplicateItem):
		status = http.StatusConflict
	case errors.Is(err, settle.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, settle.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, settle.ErrInvalidAmount), errors.Is(err, settle.ErrInsufficientOffer):
		status = http.StatusBadRequest
	case errors.Is(err, settle.ErrItemInactive):
		status = http.StatusGone
	case errors.Is(err, settle.ErrInsufficientBalance):
		status = http.StatusPaymentRequired
	case errors.Is(err, settle.ErrBusy), errors.Is(err, settle.ErrLedgerUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected error", slog.String("op", op), slog.Any("error", err))
	}
	c.JSON(status, ErrorResponse{Message: err.Error()})
}

func parseItemID(c *gin.Context) (int64, bool) {
	itemID, err := strconv.ParseInt(c.Param("itemID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid item id"})
		return 0, false
	}
	return itemID, true
}

type CreateItemRequest struct {
	ItemID       int64  `json:"item_id"`
	Host         string `json:"host" binding:"required"`
	StartingCost int64  `json:"starting_cost"`
	Title        string `json:"title"`
	Description  string `json:"description"`
}

// Add a new auction
// (POST /auction/items)
func (impl *ServerImpl) PostAuctionItems(c *gin.Context) {
	const op = "PostAuctionItems"
	var request CreateItemRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}

	item, err := impl.engine.Create(c.Request.Context(), settle.CreateParams{
		ItemID:       request.ItemID,
		Host:         request.Host,
		StartingCost: request.StartingCost,
		Title:        request.Title,
		Description:  impl.htmlChecker.Sanitize(request.Description),
	})
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// List auctions in creation order
// (GET /auction/items)
func (impl *ServerImpl) GetAuctionItems(c *gin.Context) {
	const op = "GetAuctionItems"
	items, err := impl.engine.ListItems(c.Request.Context())
	if err != nil {
		writeError(c, op, err)
		return
	}
	summaries := lo.Map(items, func(item settle.Item, _ int) gin.H {
		return gin.H{
			"item_id": item.ItemID,
			"owner":   item.Owner,
			"cost":    item.Cost,
			"active":  item.Active,
		}
	})
	c.JSON(http.StatusOK, summaries)
}

// Get auction details
// (GET /auction/items/{itemID})
func (impl *ServerImpl) GetAuctionItemsItemID(c *gin.Context) {
	const op = "GetAuctionItemsItemID"
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	item, err := impl.engine.GetItem(c.Request.Context(), itemID)
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type DeactivateRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// End an auction without a sale
// (DELETE /auction/items/{itemID})
func (impl *ServerImpl) DeleteAuctionItemsItemID(c *gin.Context) {
	const op = "DeleteAuctionItemsItemID"
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var request DeactivateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}
	if err := impl.engine.Deactivate(c.Request.Context(), itemID, request.Owner); err != nil {
		writeError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type StepRequest struct {
	Host     string `json:"host" binding:"required"`
	Decrease int64  `json:"decrease"`
}

// Lower the current price
// (POST /auction/items/{itemID}/steps)
func (impl *ServerImpl) PostAuctionItemsItemIDSteps(c *gin.Context) {
	const op = "PostAuctionItemsItemIDSteps"
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var request StepRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}
	newCost, err := impl.engine.Step(c.Request.Context(), itemID, request.Host, request.Decrease)
	if err != nil {
		writeError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item_id": itemID, "cost": newCost})
}

type BidRequest struct {
	Bidder string `json:"bidder" binding:"required"`
	Offer  int64  `json:"offer"`
}

// Place a bid
// (POST /auction/items/{itemID}/bids)
func (impl *ServerImpl) PostAuctionItemsItemIDBids(c *gin.Context) {
	const op = "PostAuctionItemsItemIDBids"
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	var request BidRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}
	receipt, err := impl.engine.SubmitBid(c.Request.Context(), itemID, request.Bidder, request.Offer)
	if err != nil {
		writeError(c, op, err)
		return
	}
	slog.Info("Bid settled", slog.String("op", op), slog.Int64("itemID", itemID), slog.String("bidder", request.Bidder), slog.Int64("price", receipt.Price))
	c.JSON(http.StatusOK, receipt)
}

// Track auction settlement events
// (GET /auction/items/{itemID}/events)
func (impl *ServerImpl) GetAuctionItemsItemIDEvents(c *gin.Context) {
	const op = "GetAuctionItemsItemIDEvents"
	itemID, ok := parseItemID(c)
	if !ok {
		return
	}
	// 檢查拍賣是否存在
	if _, err := impl.engine.GetItem(c.Request.Context(), itemID); err != nil {
		writeError(c, op, err)
		return
	}

	// SSE請求合法，開始初始化串流
	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Transfer-Encoding", "chunked")
	ch, err := impl.sseManager.Subscribe(itemChannel(itemID))
	if err != nil {
		writeError(c, op, err)
		return
	}
	defer impl.sseManager.Unsubscribe(itemChannel(itemID), ch)
	for {
		select {
		case <-w.CloseNotify():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("settlement", event)
			w.Flush()
		// 30秒沒有事件就發送一個空行，確保瀏覽器和反向代理不會斷開連線
		case <-time.After(30 * time.Second):
			w.WriteString("\n\n")
			w.Flush()
		}
	}
}

type MintRequest struct {
	Amount int64 `json:"amount"`
}

type BalanceResponse struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

// Mint tokens into an account
// (POST /accounts/{account}/mint)
func (impl *ServerImpl) PostAccountsAccountMint(c *gin.Context) {
	const op = "PostAccountsAccountMint"
	account := c.Param("account")
	var request MintRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}
	if request.Amount <= 0 {
		writeError(c, op, settle.ErrInvalidAmount)
		return
	}
	balance, err := impl.store.Mint(c.Request.Context(), account, request.Amount)
	if err != nil {
		writeLedgerError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{Account: account, Balance: balance})
}

type TransferRequest struct {
	To     string `json:"to" binding:"required"`
	Amount int64  `json:"amount"`
}

// Transfer tokens between accounts
// (POST /accounts/{account}/transfers)
func (impl *ServerImpl) PostAccountsAccountTransfers(c *gin.Context) {
	const op = "PostAccountsAccountTransfers"
	account := c.Param("account")
	var request TransferRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
		return
	}
	if request.Amount <= 0 {
		writeError(c, op, settle.ErrInvalidAmount)
		return
	}
	if err := impl.store.Transfer(c.Request.Context(), account, request.To, request.Amount); err != nil {
		writeLedgerError(c, op, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Get account balance
// (GET /accounts/{account}/balance)
func (impl *ServerImpl) GetAccountsAccountBalance(c *gin.Context) {
	const op = "GetAccountsAccountBalance"
	account := c.Param("account")
	balance, err := impl.store.Balance(c.Request.Context(), account)
	if err != nil {
		writeLedgerError(c, op, err)
		return
	}
	c.JSON(http.StatusOK, BalanceResponse{Account: account, Balance: balance})
}

// writeLedgerError 將帳本錯誤轉換為對應的HTTP回應
func writeLedgerError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, ErrorResponse{Message: err.Error()})
	case errors.Is(err, ledger.ErrOverflow):
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	case errors.Is(err, ledger.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: err.Error()})
	default:
		slog.Error("Unexpected ledger error", slog.String("op", op), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
}
