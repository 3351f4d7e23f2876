package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/l2book/pkg/app/core/account"
	"github.com/uhyunpark/l2book/pkg/app/core/ledger"
	"github.com/uhyunpark/l2book/pkg/app/core/matching"
	"github.com/uhyunpark/l2book/pkg/app/core/orderbook"
)

const maxBodyBytes = 1 << 16

// Server handles REST API and WebSocket connections
type Server struct {
	engine   *matching.Engine
	accounts ledger.AccountStore
	router   *mux.Router
	hub      *Hub
	logger   *zap.Logger
	origins  []string

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new API server
func NewServer(engine *matching.Engine, accounts ledger.AccountStore, logger *zap.Logger, allowedOrigins []string) *Server {
	s := &Server{
		engine:   engine,
		accounts: accounts,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		logger:   logger,
		origins:  allowedOrigins,
	}
	s.setupRoutes()
	return s
}

// Hub returns the WebSocket hub so it can be registered as a publisher
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{hash}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{hash}", s.handleCancelOrder).Methods("DELETE")

	// Market data
	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/fills", s.handleGetFills).Methods("GET")

	// Accounts
	api.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	api.HandleFunc("/accounts", s.handleUpdateAccount).Methods("PUT")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}", s.handleDeleteAccount).Methods("DELETE")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start runs the hub and serves until Shutdown is called
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("api_server_starting", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ==============================
// Orders
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	o, err := parseOrder(&req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}

	res, err := s.engine.Submit(r.Context(), o)
	if err != nil {
		s.respondEngineError(w, "order rejected", err)
		return
	}

	msg := "Order placed successfully"
	if len(res.Fills) > 0 {
		msg = "Order matched and filled"
	}
	fills := res.Fills
	if fills == nil {
		fills = []orderbook.Fill{}
	}
	respondStatus(w, http.StatusCreated, SubmitOrderResponse{
		Success: true,
		Message: msg,
		Hash:    res.Hash,
		Fills:   fills,
		Resting: res.Resting,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid hash", err.Error())
		return
	}
	entry, err := s.engine.Order(r.Context(), hash)
	if errors.Is(err, ledger.ErrNotFound) {
		respondError(w, http.StatusNotFound, "order not found", hash.Hex())
		return
	}
	if err != nil {
		s.respondEngineError(w, "lookup failed", err)
		return
	}
	respondJSON(w, entry)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(mux.Vars(r)["hash"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid hash", err.Error())
		return
	}
	removed, err := s.engine.Cancel(r.Context(), hash)
	if err != nil {
		s.respondEngineError(w, "cancel failed", err)
		return
	}
	if !removed {
		respondError(w, http.StatusNotFound, "order not found", hash.Hex())
		return
	}
	respondJSON(w, CancelOrderResponse{Success: true, Message: "Order deleted successfully", Hash: hash})
}

// ==============================
// Market data
// ==============================

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	snap, err := s.engine.Snapshot(r.Context(), limit)
	if err != nil {
		s.respondEngineError(w, "snapshot failed", err)
		return
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetFills(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid limit", err.Error())
		return
	}
	fills, err := s.engine.Fills(r.Context(), limit)
	if err != nil {
		s.respondEngineError(w, "fills failed", err)
		return
	}
	respondJSON(w, fills)
}

// ==============================
// Accounts
// ==============================

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var acc account.Account
	if err := decodeBody(w, r, &acc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := acc.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", err.Error())
		return
	}
	if err := s.accounts.CreateAccount(r.Context(), &acc); err != nil {
		s.respondAccountError(w, err)
		return
	}
	s.logger.Info("account_created", zap.String("trader", acc.Trader.Hex()))
	respondStatus(w, http.StatusCreated, acc)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var acc account.Account
	if err := decodeBody(w, r, &acc); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := acc.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid account", err.Error())
		return
	}
	if err := s.accounts.UpdateAccount(r.Context(), &acc); err != nil {
		s.respondAccountError(w, err)
		return
	}
	s.logger.Info("account_updated", zap.String("trader", acc.Trader.Hex()))
	respondJSON(w, acc)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	acc, err := s.accounts.Account(r.Context(), addr)
	if err != nil {
		s.respondAccountError(w, err)
		return
	}
	respondJSON(w, acc)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	if err := s.accounts.DeleteAccount(r.Context(), addr); err != nil {
		s.respondAccountError(w, err)
		return
	}
	s.logger.Info("account_deleted", zap.String("trader", addr.Hex()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Error mapping
// ==============================

// engineStatus maps matching errors to HTTP status codes
func engineStatus(err error) int {
	switch {
	case errors.Is(err, matching.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, matching.ErrUnknownTrader):
		return http.StatusNotFound
	case errors.Is(err, matching.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, matching.ErrSelfTrade), errors.Is(err, matching.ErrDuplicateOrder):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondEngineError(w http.ResponseWriter, title string, err error) {
	status := engineStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.String("error_kind", title), zap.Error(err))
	}
	respondError(w, status, title, err.Error())
}

func (s *Server) respondAccountError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownTrader):
		respondError(w, http.StatusNotFound, "account not found", err.Error())
	case errors.Is(err, ledger.ErrAccountExists):
		respondError(w, http.StatusConflict, "account already exists", err.Error())
	default:
		s.logger.Error("account_request_failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "account store failure", err.Error())
	}
}

// ==============================
// Parsing
// ==============================

func parseOrder(req *SubmitOrderRequest) (orderbook.Order, error) {
	var o orderbook.Order
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		return o, err
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		return o, fmt.Errorf("invalid amount %q", req.Amount)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(req.Price))
	if err != nil {
		return o, fmt.Errorf("invalid price %q", req.Price)
	}
	trader, err := parseAddress(req.TraderAddress)
	if err != nil {
		return o, err
	}
	nonce, err := parseNonce(req.Nonce)
	if err != nil {
		return o, err
	}
	return orderbook.Order{Side: side, Amount: amount, Price: price, Trader: trader, Nonce: nonce}, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid Ethereum address %q", s)
	}
	return common.HexToAddress(s), nil
}

// parseHash accepts exactly 32 bytes of 0x-prefixed hex
func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("hash must be %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// parseNonce reads a uint256 in decimal or 0x-hex form
func parseNonce(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	n, ok := new(big.Int).SetString(s, 0)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return common.Hash{}, fmt.Errorf("invalid nonce %q", s)
	}
	return common.BigToHash(n), nil
}

func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer, got %q", v)
	}
	return n, nil
}

// ==============================
// Helper Functions
// ==============================

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, data any) {
	respondStatus(w, http.StatusOK, data)
}

func respondStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondStatus(w, status, ErrorResponse{
		Success: false,
		Error:   error,
		Message: message,
	})
}
