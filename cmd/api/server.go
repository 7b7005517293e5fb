package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"credflow/auth"
	"credflow/cart"
	"credflow/catalog"
	"credflow/dispute"
	"credflow/fault"
	"credflow/order"
	"credflow/payout"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// Service surfaces the server depends on, narrowed so handler tests can stub
// them without a database.
type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(tokenString string) (auth.Actor, error)
}

type catalogService interface {
	Create(ctx context.Context, params catalog.CreateParams) (catalog.Listing, error)
	GetByID(ctx context.Context, id string) (catalog.Listing, error)
	ListAvailable(ctx context.Context, limit int) ([]catalog.Listing, error)
	Delist(ctx context.Context, listingID, sellerID string) (catalog.Listing, error)
}

type vaultService interface {
	Store(ctx context.Context, listingID, sellerID, plaintext string) error
}

type orderService interface {
	CreateOrder(ctx context.Context, buyerID, listingID string) (order.Order, error)
	AcknowledgeDelivery(ctx context.Context, orderID, buyerID string) (order.Order, error)
	Get(ctx context.Context, orderID, callerID string, isAdmin bool) (order.Order, error)
	DisclosedCredentials(ctx context.Context, orderID, callerID string) (string, bool, error)
}

type disputeService interface {
	Open(ctx context.Context, orderID, openerID, reason string) (dispute.Record, error)
	Resolve(ctx context.Context, orderID string, actor auth.Actor, resolution dispute.Resolution) (dispute.Record, error)
	List(ctx context.Context, userID string) ([]dispute.Record, error)
}

type payoutService interface {
	Balance(ctx context.Context, sellerID string) (payout.Balance, error)
	RequestPayout(ctx context.Context, sellerID string, amountCents int64) (payout.Payout, error)
	ProcessPayout(ctx context.Context, payoutID string, actor auth.Actor, action payout.Action) (payout.Payout, error)
	List(ctx context.Context, sellerID string) ([]payout.Payout, error)
}

type cartStore interface {
	Put(ctx context.Context, buyerID, listingID string) error
	Get(ctx context.Context, buyerID string) (cart.Item, error)
	Clear(ctx context.Context, buyerID string) error
}

type webhookHandler interface {
	Handle(ctx context.Context, rawBody []byte, signature string) error
}

// Server routes HTTP requests to the domain services.
type Server struct {
	authService    authService
	catalogService catalogService
	vaultService   vaultService
	orderService   orderService
	disputeService disputeService
	payoutService  payoutService
	cartStore      cartStore
	webhook        webhookHandler
	logger         *slog.Logger
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/webhooks/payment", s.handlePaymentWebhook)
	mux.HandleFunc("/api/listings", s.handleListings)
	mux.HandleFunc("/api/listings/", s.requireAuth(s.handleListingDetail))
	mux.HandleFunc("/api/orders", s.requireAuth(s.handleOrders))
	mux.HandleFunc("/api/orders/", s.requireAuth(s.handleOrderDetail))
	mux.HandleFunc("/api/disputes", s.requireAuth(s.handleDisputes))
	mux.HandleFunc("/api/balance", s.requireAuth(s.handleBalance))
	mux.HandleFunc("/api/payouts", s.requireAuth(s.handlePayouts))
	mux.HandleFunc("/api/payouts/", s.requireAuth(s.handlePayoutDetail))
	mux.HandleFunc("/api/cart", s.requireAuth(s.handleCart))
	return mux
}

// requireAuth verifies the bearer token and stashes the caller's identity in
// the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, actor.ID)
		ctx = context.WithValue(ctx, ctxKeyRole, actor.Role)
		next(w, r.WithContext(ctx))
	}
}

func actorFrom(r *http.Request) auth.Actor {
	var actor auth.Actor
	if id, ok := r.Context().Value(ctxKeyUserID).(string); ok {
		actor.ID = id
	}
	if role, ok := r.Context().Value(ctxKeyRole).(auth.Role); ok {
		actor.Role = role
	}
	return actor
}

// --- auth ---

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Token string       `json:"token"`
		User  userResponse `json:"user"`
	}{Token: result.Token, User: toUserResponse(result.User)})
}

// --- listings ---

type listingResponse struct {
	ID               string `json:"id"`
	SellerID         string `json:"sellerId"`
	Title            string `json:"title"`
	PriceCents       int64  `json:"priceCents"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	HasSecurePayload bool   `json:"hasSecurePayload"`
	CreatedAt        string `json:"createdAt"`
}

func toListingResponse(l catalog.Listing) listingResponse {
	return listingResponse{
		ID:               l.ID,
		SellerID:         l.SellerID,
		Title:            l.Title,
		PriceCents:       l.PriceCents,
		Currency:         l.Currency,
		Status:           string(l.Status),
		HasSecurePayload: l.HasSecurePayload,
		CreatedAt:        l.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		listings, err := s.catalogService.ListAvailable(r.Context(), limit)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		items := make([]listingResponse, 0, len(listings))
		for _, l := range listings {
			items = append(items, toListingResponse(l))
		}
		writeJSON(w, http.StatusOK, struct {
			Items []listingResponse `json:"items"`
			Total int               `json:"total"`
		}{Items: items, Total: len(items)})
	case http.MethodPost:
		s.requireAuth(s.handleCreateListing)(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	var req struct {
		Title      string `json:"title"`
		PriceCents int64  `json:"priceCents"`
		Currency   string `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Title == "" || req.PriceCents <= 0 {
		writeError(w, http.StatusBadRequest, "title and positive priceCents are required")
		return
	}
	listing, err := s.catalogService.Create(r.Context(), catalog.CreateParams{
		SellerID:   actor.ID,
		Title:      req.Title,
		PriceCents: req.PriceCents,
		Currency:   req.Currency,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toListingResponse(listing))
}

func (s *Server) handleListingDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/listings/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "listing id required")
		return
	}
	listingID := parts[0]
	actor := actorFrom(r)

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		listing, err := s.catalogService.GetByID(r.Context(), listingID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toListingResponse(listing))
	case len(parts) == 1 && r.Method == http.MethodDelete:
		listing, err := s.catalogService.Delist(r.Context(), listingID, actor.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toListingResponse(listing))
	case len(parts) == 2 && parts[1] == "credentials" && r.Method == http.MethodPut:
		var req struct {
			Payload string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if err := s.vaultService.Store(r.Context(), listingID, actor.ID, req.Payload); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- orders ---

type orderResponse struct {
	ID          string  `json:"id"`
	BuyerID     string  `json:"buyerId"`
	ListingID   string  `json:"listingId"`
	TotalCents  int64   `json:"totalCents"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	ExpiresAt   *string `json:"expiresAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	Credentials *string `json:"credentials,omitempty"`
}

func toOrderResponse(o order.Order) orderResponse {
	resp := orderResponse{
		ID:         o.ID,
		BuyerID:    o.BuyerID,
		ListingID:  o.ListingID,
		TotalCents: o.TotalCents,
		Currency:   o.Currency,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt.Format(time.RFC3339),
	}
	if o.ExpiresAt != nil {
		exp := o.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &exp
	}
	return resp
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor := actorFrom(r)
	var req struct {
		ListingID string `json:"listingId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.ListingID == "" {
		writeError(w, http.StatusBadRequest, "listingId is required")
		return
	}
	ord, err := s.orderService.CreateOrder(r.Context(), actor.ID, req.ListingID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// Ordering a staged listing consumes the cart slot.
	if item, cartErr := s.cartStore.Get(r.Context(), actor.ID); cartErr == nil && item.ListingID == req.ListingID {
		if err := s.cartStore.Clear(r.Context(), actor.ID); err != nil && s.logger != nil {
			s.logger.WarnContext(r.Context(), "clear cart after order", "buyer_id", actor.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(ord))
}

func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/orders/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if parts[0] == "" {
		writeError(w, http.StatusBadRequest, "order id required")
		return
	}
	orderID := parts[0]
	actor := actorFrom(r)

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetOrder(w, r, orderID, actor)
	case len(parts) == 2 && parts[1] == "ack" && r.Method == http.MethodPost:
		ord, err := s.orderService.AcknowledgeDelivery(r.Context(), orderID, actor.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResponse(ord))
	case len(parts) == 2 && parts[1] == "dispute" && r.Method == http.MethodPost:
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		rec, err := s.disputeService.Open(r.Context(), orderID, actor.ID, req.Reason)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		var req struct {
			Resolution string `json:"resolution"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		rec, err := s.disputeService.Resolve(r.Context(), orderID, actor, dispute.Resolution(req.Resolution))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDisputeResponse(rec))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request, orderID string, actor auth.Actor) {
	ord, err := s.orderService.Get(r.Context(), orderID, actor.ID, actor.IsAdmin())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	resp := toOrderResponse(ord)
	plaintext, disclosed, err := s.orderService.DisclosedCredentials(r.Context(), orderID, actor.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if disclosed {
		resp.Credentials = &plaintext
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- disputes ---

type disputeResponse struct {
	ID         string  `json:"id"`
	OrderID    string  `json:"orderId"`
	OpenerID   string  `json:"openerId"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status"`
	CreatedAt  string  `json:"createdAt"`
	ResolvedAt *string `json:"resolvedAt,omitempty"`
}

func toDisputeResponse(rec dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:        rec.ID,
		OrderID:   rec.OrderID,
		OpenerID:  rec.OpenerID,
		Reason:    rec.Reason,
		Status:    string(rec.Status),
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ResolvedAt != nil {
		at := rec.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &at
	}
	return resp
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor := actorFrom(r)
	records, err := s.disputeService.List(r.Context(), actor.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, struct {
		Items []disputeResponse `json:"items"`
	}{Items: items})
}

// --- payouts ---

type payoutResponse struct {
	ID          string  `json:"id"`
	SellerID    string  `json:"sellerId"`
	AmountCents int64   `json:"amountCents"`
	Status      string  `json:"status"`
	ProviderRef *string `json:"providerRef,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func toPayoutResponse(p payout.Payout) payoutResponse {
	return payoutResponse{
		ID:          p.ID,
		SellerID:    p.SellerID,
		AmountCents: p.AmountCents,
		Status:      string(p.Status),
		ProviderRef: p.ProviderRef,
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor := actorFrom(r)
	bal, err := s.payoutService.Balance(r.Context(), actor.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		AvailableCents int64 `json:"availableCents"`
		PendingCents   int64 `json:"pendingCents"`
	}{AvailableCents: bal.AvailableCents, PendingCents: bal.PendingCents})
}

func (s *Server) handlePayouts(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	switch r.Method {
	case http.MethodGet:
		payouts, err := s.payoutService.List(r.Context(), actor.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		items := make([]payoutResponse, 0, len(payouts))
		for _, p := range payouts {
			items = append(items, toPayoutResponse(p))
		}
		writeJSON(w, http.StatusOK, struct {
			Items []payoutResponse `json:"items"`
		}{Items: items})
	case http.MethodPost:
		var req struct {
			AmountCents int64 `json:"amountCents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		p, err := s.payoutService.RequestPayout(r.Context(), actor.ID, req.AmountCents)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toPayoutResponse(p))
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePayoutDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/payouts/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "process" {
		writeError(w, http.StatusBadRequest, "expected /api/payouts/{id}/process")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	actor := actorFrom(r)
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	p, err := s.payoutService.ProcessPayout(r.Context(), parts[0], actor, payout.Action(req.Action))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPayoutResponse(p))
}

// --- cart ---

func (s *Server) handleCart(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	switch r.Method {
	case http.MethodGet:
		item, err := s.cartStore.Get(r.Context(), actor.ID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case http.MethodPut:
		var req struct {
			ListingID string `json:"listingId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if req.ListingID == "" {
			writeError(w, http.StatusBadRequest, "listingId is required")
			return
		}
		if err := s.cartStore.Put(r.Context(), actor.ID, req.ListingID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := s.cartStore.Clear(r.Context(), actor.ID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- webhook ---

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if err := s.webhook.Handle(r.Context(), body, r.Header.Get("X-Signature")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- shared plumbing ---

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: message})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError && s.logger != nil {
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrForbidden), errors.Is(err, fault.ErrSelfTrade):
		return http.StatusForbidden
	case errors.Is(err, fault.ErrInvalidState), errors.Is(err, fault.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, fault.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
