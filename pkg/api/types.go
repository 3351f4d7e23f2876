package api

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// SubmitOrderRequest is the payload for POST /api/v1/orders.
// Amounts travel as strings so no precision is lost in JSON numbers.
type SubmitOrderRequest struct {
	Side          string `json:"side"`   // "bid" or "ask", any case
	Amount        string `json:"amount"` // base quantity
	Price         string `json:"price"`  // quote per base
	TraderAddress string `json:"trader_address"`
	Nonce         string `json:"nonce,omitempty"` // uint256, decimal or 0x-hex; defaults to 0
}

// Account bodies (POST/PUT /api/v1/accounts) decode straight into account.Account:
// {"trader_address": "0x..", "usd_balance": "1000", "ddx_balance": "0"}

// ==============================
// REST Response Types
// ==============================

// SubmitOrderResponse is returned with 201 for an accepted order
type SubmitOrderResponse struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Hash    common.Hash      `json:"hash"`
	Fills   []orderbook.Fill `json:"fills"`
	Resting decimal.Decimal  `json:"resting_amount"` // zero when fully filled
}

// CancelOrderResponse is returned by DELETE /api/v1/orders/{hash}
type CancelOrderResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Hash    common.Hash `json:"hash"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Success bool   `json:"success"` // always false
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

const (
	ChannelFills = "fills"
	ChannelBook  = "book"
)

// WSMessage is the envelope of every server push
type WSMessage struct {
	Type string `json:"type"` // channel name
	Data any    `json:"data"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "fills", "book"
}

// BookUpdate is pushed on the book channel after every committed change
type BookUpdate struct {
	Bids      []orderbook.PriceLevel `json:"bids"` // high to low
	Asks      []orderbook.PriceLevel `json:"asks"` // low to high
	Timestamp int64                  `json:"timestamp"`
}
