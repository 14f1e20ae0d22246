package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/liquidibond/pkg/app/core/account"
	"github.com/uhyunpark/liquidibond/pkg/app/core/audit"
	"github.com/uhyunpark/liquidibond/pkg/app/core/compliance"
	"github.com/uhyunpark/liquidibond/pkg/app/core/instrument"
	"github.com/uhyunpark/liquidibond/pkg/app/core/orderbook"
	"github.com/uhyunpark/liquidibond/pkg/app/core/reason"
	"github.com/uhyunpark/liquidibond/pkg/app/exchange"
)

const (
	defaultRewardsLimit = 10
	maxBodyBytes        = 1 << 20
	shutdownTimeout     = 5 * time.Second
)

// Server provides the HTTP and WebSocket API for the web front end
type Server struct {
	app      *exchange.App
	router   *mux.Router
	hub      *Hub
	validate *validator.Validate
	upgrader websocket.Upgrader
	origins  []string
	logger   *zap.Logger
}

// NewServer creates the API server and subscribes it to trade and book
// updates of app. origins lists the allowed CORS origins ("*" allows all).
func NewServer(app *exchange.App, origins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		app:      app,
		router:   mux.NewRouter(),
		hub:      NewHub(logger.Named("ws")),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		origins:  origins,
		logger:   logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	s.setupRoutes()
	app.OnTrade(s.BroadcastTrade)
	app.OnBookChange(s.BroadcastBook)
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Accounts
	api.HandleFunc("/accounts/{address}/connect", s.handleConnect).Methods("POST")
	api.HandleFunc("/accounts/{address}", s.handleGetAccount).Methods("GET")
	api.HandleFunc("/accounts/{address}/verification", s.handleSetVerification).Methods("POST")
	api.HandleFunc("/accounts/{address}/suitability", s.handleSetSuitability).Methods("POST")
	api.HandleFunc("/accounts/{address}/deposit", s.handleDeposit).Methods("POST")
	api.HandleFunc("/accounts/{address}/withdraw", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/accounts/{address}/stepup", s.handleEnrollStepUp).Methods("POST")
	api.HandleFunc("/accounts/{address}/pending", s.handleListPending).Methods("GET")

	// Instruments
	api.HandleFunc("/instruments", s.handleListInstruments).Methods("GET")
	api.HandleFunc("/instruments", s.handleTokenize).Methods("POST")
	api.HandleFunc("/instruments/{symbol}", s.handleGetInstrument).Methods("GET")
	api.HandleFunc("/instruments/{symbol}/book", s.handleGetBook).Methods("GET")

	// Orders
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	api.HandleFunc("/pending/{id}", s.handleGetPending).Methods("GET")
	api.HandleFunc("/pending/{id}", s.handleResolvePending).Methods("POST")

	// Compliance and rewards
	api.HandleFunc("/audit", s.handleAudit).Methods("GET")
	api.HandleFunc("/rewards", s.handleRewards).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Hub returns the WebSocket hub
func (s *Server) Hub() *Hub { return s.hub }

// Start serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api_server_listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("api_server_stopping")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// the upgrader needs the raw writer (http.Hijacker)
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// ==============================
// Broadcasts
// ==============================

// BroadcastTrade publishes a settled trade on trades:<SYMBOL>
func (s *Server) BroadcastTrade(t audit.Trade) {
	flags := make([]string, 0, len(t.Flags))
	for _, f := range t.Flags {
		flags = append(flags, string(f))
	}
	s.hub.BroadcastToChannel("trades:"+t.Symbol, TradeUpdate{
		Type:      "trade",
		ID:        t.ID,
		Symbol:    t.Symbol,
		Price:     t.Price.String(),
		Size:      t.Quantity,
		Side:      t.Aggressor.String(),
		Flags:     flags,
		Timestamp: t.Timestamp.UnixMilli(),
	})
}

// BroadcastBook publishes aggregated depth on book:<SYMBOL>
func (s *Server) BroadcastBook(d orderbook.Depth) {
	s.hub.BroadcastToChannel("book:"+d.Symbol, newBookUpdate(d))
}

func newBookUpdate(d orderbook.Depth) BookUpdate {
	return BookUpdate{
		Type:      "book",
		Symbol:    d.Symbol,
		Bids:      d.BidLevels,
		Asks:      d.AskLevels,
		LastPrice: d.LastPrice.String(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// ==============================
// Handlers
// ==============================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Stats: s.app.Stats()})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	acc, created, err := s.app.Connect(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, ConnectResponse{Created: created, Account: acc})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	acc, err := s.app.Account(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acc)
}

func (s *Server) handleSetVerification(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var req VerificationRequest
	if !s.decode(w, r, &req) {
		return
	}
	status, err := account.ParseVerificationStatus(req.Status)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.app.SetVerification(addr, status); err != nil {
		s.respondErr(w, err)
		return
	}
	s.writeAccount(w, addr)
}

func (s *Server) handleSetSuitability(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var req SuitabilityRequest
	if !s.decode(w, r, &req) {
		return
	}
	tier, err := account.ParseSuitabilityTier(req.Tier)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if err := s.app.SetSuitability(addr, tier); err != nil {
		s.respondErr(w, err)
		return
	}
	s.writeAccount(w, addr)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleCashMovement(w, r, s.app.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleCashMovement(w, r, s.app.Withdraw)
}

func (s *Server) handleCashMovement(w http.ResponseWriter, r *http.Request, move func(common.Address, decimal.Decimal) error) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "InvalidRequest", "amount is not a decimal")
		return
	}
	if err := move(addr, amount); err != nil {
		s.respondErr(w, err)
		return
	}
	s.writeAccount(w, addr)
}

func (s *Server) handleEnrollStepUp(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	enr, err := s.app.EnrollStepUp(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, enr)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddress(w, r)
	if !ok {
		return
	}
	pending := s.app.ListPending(addr)
	if pending == nil {
		pending = []compliance.PendingOrder{}
	}
	s.respondJSON(w, http.StatusOK, pending)
}

func (s *Server) handleListInstruments(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.app.ListInstruments())
}

func (s *Server) handleGetInstrument(w http.ResponseWriter, r *http.Request) {
	inst, err := s.app.Instrument(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, inst)
}

func (s *Server) handleTokenize(w http.ResponseWriter, r *http.Request) {
	var req TokenizeRequest
	if !s.decode(w, r, &req) {
		return
	}
	coupon, err := decimal.NewFromString(req.CouponRate)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "InvalidRequest", "couponRate is not a decimal")
		return
	}
	tier, err := instrument.ParseRiskTier(req.RiskTier)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	inst, err := s.app.Tokenize(common.HexToAddress(req.IssuerAddress), instrument.Spec{
		Symbol:        req.Symbol,
		Issuer:        req.Issuer,
		CouponRate:    coupon,
		MaturityDate:  req.MaturityDate,
		TotalSupply:   req.TotalSupply,
		RiskTier:      tier,
		InitialRating: req.InitialRating,
	})
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	depth, err := s.app.QueryBook(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if depth.Bids == nil {
		depth.Bids = []orderbook.Order{}
	}
	if depth.Asks == nil {
		depth.Asks = []orderbook.Order{}
	}
	s.respondJSON(w, http.StatusOK, depth)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "InvalidRequest", "price is not a decimal")
		return
	}

	res, err := s.app.SubmitOrder(r.Context(), common.HexToAddress(req.Account), req.Symbol, side, req.Qty, price, req.Code)
	s.respondResult(w, res, err)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, ok := s.app.Order(id)
	if !ok {
		s.respondErr(w, fmt.Errorf("order %s: %w", id, reason.ErrOrderNotFound))
		return
	}
	s.respondJSON(w, http.StatusOK, o)
}

// handleCancelOrder cancels a resting order. The optional account query
// parameter restricts the cancel to that owner.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var owner common.Address
	if raw := r.URL.Query().Get("account"); raw != "" {
		if !common.IsHexAddress(raw) {
			s.respondError(w, http.StatusBadRequest, "InvalidRequest", "account is not a hex address")
			return
		}
		owner = common.HexToAddress(raw)
	}

	o, err := s.app.CancelOrder(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	p, err := s.app.Pending(mux.Vars(r)["id"])
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleResolvePending(w http.ResponseWriter, r *http.Request) {
	var req ResolvePendingRequest
	if !s.decode(w, r, &req) {
		return
	}

	var action compliance.Action
	switch req.Action {
	case "acknowledge":
		action.Kind = compliance.Acknowledge
	case "code":
		action.Kind = compliance.SubmitCode
	case "cancel":
		action.Kind = compliance.Cancel
	}
	action.Code = req.Code

	res, err := s.app.ResolvePending(r.Context(), mux.Vars(r)["id"], action)
	s.respondResult(w, res, err)
}

// handleAudit serves the audit trail as JSON, or as the CSV compliance
// report with ?format=csv. Filters: from, to (RFC 3339), symbol, flag,
// account, limit.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "csv") {
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="compliance_report.csv"`)
		if err := s.app.ExportAuditCSV(w, f); err != nil {
			s.logger.Error("audit_export_failed", zap.Error(err))
		}
		return
	}

	trades := s.app.QueryAudit(f)
	if trades == nil {
		trades = []audit.Trade{}
	}
	s.respondJSON(w, http.StatusOK, trades)
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	var f audit.Filter

	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		f.From = t
	}
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		f.To = t
	}
	if raw := q.Get("account"); raw != "" {
		if !common.IsHexAddress(raw) {
			return f, fmt.Errorf("account %q is not a hex address", raw)
		}
		f.Account = common.HexToAddress(raw)
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit %q is not a non-negative integer", raw)
		}
		f.Limit = n
	}
	f.Symbol = strings.ToUpper(q.Get("symbol"))
	f.Flag = audit.Flag(q.Get("flag"))
	return f, nil
}

func (s *Server) handleRewards(w http.ResponseWriter, r *http.Request) {
	limit := defaultRewardsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "InvalidRequest", "limit must be a positive integer")
			return
		}
		limit = n
	}
	s.respondJSON(w, http.StatusOK, s.app.Rewards(limit))
}

// ==============================
// Helpers
// ==============================

func (s *Server) pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		s.respondError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("%q is not a hex address", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) writeAccount(w http.ResponseWriter, addr common.Address) {
	acc, err := s.app.Account(addr)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, acc)
}

// decode parses and validates a JSON body; on failure it writes a 400
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.respondError(w, http.StatusBadRequest, "InvalidRequest", "invalid JSON body: "+err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			s.respondError(w, http.StatusBadRequest, "InvalidRequest", strings.Join(fields, "; "))
			return false
		}
		s.respondError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return false
	}
	return true
}

// statusFor maps a reason code to its HTTP status
func statusFor(code reason.Code) int {
	switch code {
	case reason.IdentityNotVerified, reason.SuitabilityRequired, reason.SuitabilityViolation,
		reason.ConcentrationExceeded, reason.StepUpRequired, reason.StepUpInvalid:
		return http.StatusForbidden
	case reason.InstrumentExists:
		return http.StatusConflict
	case reason.OrderNotFound, reason.PendingNotFound, reason.InstrumentNotFound, reason.AccountNotFound:
		return http.StatusNotFound
	case reason.InvalidOrder, reason.InsufficientBalance:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// respondResult writes a gate decision: 200 accepted or cancelled, 202
// suspended, otherwise the status of the rejection reason.
func (s *Server) respondResult(w http.ResponseWriter, res compliance.Result, err error) {
	body := newOrderResponse(res, err)
	switch {
	case err == nil && res.Status == compliance.Suspended:
		s.respondJSON(w, http.StatusAccepted, body)
	case err == nil:
		s.respondJSON(w, http.StatusOK, body)
	default:
		code := res.Reason
		if code == "" {
			code = reason.CodeOf(err)
			body.Error = string(code)
		}
		s.respondJSON(w, statusFor(code), body)
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	code := reason.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", zap.Error(err))
	}
	s.respondError(w, status, string(code), err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response_encode_failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: code, Message: message})
}
