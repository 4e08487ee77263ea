// Package handler содержит HTTP-обработчики API сервиса агромаркет.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nkuznetsov/agromarket-system/internal/consignment"
	"github.com/nkuznetsov/agromarket-system/internal/middleware"
	"github.com/nkuznetsov/agromarket-system/internal/model"
	"github.com/nkuznetsov/agromarket-system/internal/repository"
	"github.com/nkuznetsov/agromarket-system/internal/service"
	"github.com/nkuznetsov/agromarket-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)

	SubmitConsignment(ctx context.Context, farmerID int64, req service.SubmissionRequest) (*model.Consignment, error)
	ListConsignmentsByFarmer(ctx context.Context, farmerID int64) ([]model.Consignment, error)
	ListConsignmentsByStatus(ctx context.Context, status model.ConsignmentStatus) ([]model.Consignment, error)
	AdminReview(ctx context.Context, id string, req service.ReviewRequest) (*model.Consignment, error)
	FarmerRespond(ctx context.Context, farmerID int64, id string, req service.RespondRequest) (*model.Consignment, error)

	AssignDriver(ctx context.Context, id string, driverID int64) (*model.Consignment, error)
	MarkCollected(ctx context.Context, id string, driverID int64) (*model.Consignment, error)
	ListInShop(ctx context.Context, id, warehouseID string) (*model.Consignment, *model.Product, error)
	RecordSale(ctx context.Context, id string, req service.SaleRequest) (*model.SaleResult, error)

	GetBalance(ctx context.Context, farmerID int64) (*model.Balance, error)
	ListTransactions(ctx context.Context, farmerID int64) ([]model.Transaction, error)
	Withdraw(ctx context.Context, farmerID int64, req service.WithdrawRequest) (*model.Transaction, error)
}

// Handler реализует HTTP-обработчики API сервиса агромаркет.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

// respondDomainError отображает доменные ошибки на HTTP-статусы.
// Ошибки валидации и недопустимые переходы — вина вызывающего, без повтора.
func (h *Handler) respondDomainError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var vErr *validation.Error

	switch {
	case errors.As(err, &vErr):
		http.Error(w, vErr.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, consignment.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrInsufficientStock):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrConsignmentNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrTransactionNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrVersionConflict):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type credentialsRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleFarmer
	}
	if role != model.RoleFarmer && role != model.RoleAdmin && role != model.RoleDriver {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, role)
	if err != nil {
		if errors.Is(err, repository.ErrUserExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID, role)
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, u.ID, u.Role)
	w.WriteHeader(http.StatusOK)
}

type priceOfferResponse struct {
	ProposedBy string  `json:"proposedBy"`
	Price      float64 `json:"price"`
	Message    string  `json:"message,omitempty"`
	Outcome    string  `json:"outcome"`
	Timestamp  string  `json:"timestamp"`
}

type consignmentResponse struct {
	ID              string               `json:"id"`
	FarmerID        int64                `json:"farmerId"`
	ProductName     string               `json:"productName"`
	Category        string               `json:"category"`
	Quantity        int64                `json:"quantity"`
	Unit            string               `json:"unit"`
	FarmerPrice     float64              `json:"farmerPrice"`
	SuggestedPrice  *float64             `json:"suggestedPrice,omitempty"`
	FinalPrice      *float64             `json:"finalPrice,omitempty"`
	TotalValue      float64              `json:"totalValue"`
	Status          string               `json:"status"`
	PriceHistory    []priceOfferResponse `json:"priceHistory,omitempty"`
	DriverID        *int64               `json:"driverId,omitempty"`
	WarehouseID     *string              `json:"warehouseId,omitempty"`
	RejectionReason string               `json:"rejectionReason,omitempty"`
	SubmittedAt     string               `json:"submittedAt"`
	ReviewedAt      *string              `json:"reviewedAt,omitempty"`
}

func centsToAmount(cents int64) float64 {
	return float64(cents) / 100
}

func toConsignmentResponse(c *model.Consignment) consignmentResponse {
	resp := consignmentResponse{
		ID:              c.ID,
		FarmerID:        c.FarmerID,
		ProductName:     c.ProductName,
		Category:        c.Category,
		Quantity:        c.Quantity,
		Unit:            c.Unit,
		FarmerPrice:     centsToAmount(c.FarmerPriceCents),
		TotalValue:      centsToAmount(c.TotalValueCents()),
		Status:          string(c.Status),
		RejectionReason: c.RejectionReason,
		SubmittedAt:     c.SubmittedAt.Format(time.RFC3339),
		DriverID:        c.DriverID,
		WarehouseID:     c.WarehouseID,
	}

	if c.SuggestedPriceCents != nil {
		v := centsToAmount(*c.SuggestedPriceCents)
		resp.SuggestedPrice = &v
	}
	if c.FinalPriceCents != nil {
		v := centsToAmount(*c.FinalPriceCents)
		resp.FinalPrice = &v
	}
	if c.ReviewedAt != nil {
		v := c.ReviewedAt.Format(time.RFC3339)
		resp.ReviewedAt = &v
	}

	for _, offer := range c.PriceHistory {
		resp.PriceHistory = append(resp.PriceHistory, priceOfferResponse{
			ProposedBy: string(offer.ProposedBy),
			Price:      centsToAmount(offer.PriceCents),
			Message:    offer.Message,
			Outcome:    string(offer.Outcome),
			Timestamp:  offer.CreatedAt.Format(time.RFC3339),
		})
	}

	return resp
}

type submitConsignmentRequest struct {
	ProductName string  `json:"productName"`
	Category    string  `json:"category"`
	Quantity    int64   `json:"quantity"`
	Unit        string  `json:"unit"`
	FarmerPrice float64 `json:"farmerPrice"`
}

// SubmitConsignment принимает заявку фермера на партию продукции.
func (h *Handler) SubmitConsignment(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req submitConsignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.SubmitConsignment(r.Context(), identity.UserID, service.SubmissionRequest{
		ProductName: req.ProductName,
		Category:    req.Category,
		Quantity:    req.Quantity,
		Unit:        req.Unit,
		FarmerPrice: req.FarmerPrice,
	})
	if err != nil {
		h.respondDomainError(w, err, "submit consignment error", zap.Int64("farmerID", identity.UserID))
		return
	}

	h.writeJSON(w, http.StatusCreated, toConsignmentResponse(c))
}

// GetFarmerConsignments возвращает партии текущего фермера.
func (h *Handler) GetFarmerConsignments(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	consignments, err := h.service.ListConsignmentsByFarmer(r.Context(), identity.UserID)
	if err != nil {
		h.respondDomainError(w, err, "list consignments error", zap.Int64("farmerID", identity.UserID))
		return
	}

	if len(consignments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]consignmentResponse, 0, len(consignments))
	for i := range consignments {
		resp = append(resp, toConsignmentResponse(&consignments[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// AdminListConsignments возвращает партии в статусе из query-параметра status.
func (h *Handler) AdminListConsignments(w http.ResponseWriter, r *http.Request) {
	status := model.ConsignmentStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = model.StatusPendingApproval
	}

	consignments, err := h.service.ListConsignmentsByStatus(r.Context(), status)
	if err != nil {
		h.respondDomainError(w, err, "list consignments error", zap.String("status", string(status)))
		return
	}

	if len(consignments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]consignmentResponse, 0, len(consignments))
	for i := range consignments {
		resp = append(resp, toConsignmentResponse(&consignments[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type reviewRequest struct {
	Action          string  `json:"action"`
	SuggestedPrice  float64 `json:"suggestedPrice,omitempty"`
	RejectionReason string  `json:"rejectionReason,omitempty"`
	Message         string  `json:"message,omitempty"`
}

// AdminReview применяет решение администратора по партии.
func (h *Handler) AdminReview(w http.ResponseWriter, r *http.Request) {
	id := consignmentID(r)

	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.AdminReview(r.Context(), id, service.ReviewRequest{
		Action:          req.Action,
		SuggestedPrice:  req.SuggestedPrice,
		RejectionReason: req.RejectionReason,
		Message:         req.Message,
	})
	if err != nil {
		h.respondDomainError(w, err, "admin review error", zap.String("consignment", id))
		return
	}

	h.writeJSON(w, http.StatusOK, toConsignmentResponse(c))
}

type respondRequest struct {
	Action       string  `json:"action"`
	CounterPrice float64 `json:"counterPrice,omitempty"`
	Message      string  `json:"message,omitempty"`
}

// FarmerRespond применяет ответ фермера на ценовое предложение.
func (h *Handler) FarmerRespond(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := consignmentID(r)

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.FarmerRespond(r.Context(), identity.UserID, id, service.RespondRequest{
		Action:       req.Action,
		CounterPrice: req.CounterPrice,
		Message:      req.Message,
	})
	if err != nil {
		h.respondDomainError(w, err, "farmer respond error",
			zap.String("consignment", id), zap.Int64("farmerID", identity.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, toConsignmentResponse(c))
}

type assignDriverRequest struct {
	DriverID int64 `json:"driverId"`
}

// AssignDriver назначает водителя на одобренную партию.
func (h *Handler) AssignDriver(w http.ResponseWriter, r *http.Request) {
	id := consignmentID(r)

	var req assignDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, err := h.service.AssignDriver(r.Context(), id, req.DriverID)
	if err != nil {
		h.respondDomainError(w, err, "assign driver error", zap.String("consignment", id))
		return
	}

	h.writeJSON(w, http.StatusOK, toConsignmentResponse(c))
}

// MarkCollected отмечает партию забранной; водитель берётся из контекста запроса.
func (h *Handler) MarkCollected(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id := consignmentID(r)

	c, err := h.service.MarkCollected(r.Context(), id, identity.UserID)
	if err != nil {
		h.respondDomainError(w, err, "mark collected error",
			zap.String("consignment", id), zap.Int64("driverID", identity.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, toConsignmentResponse(c))
}

type listInShopRequest struct {
	WarehouseID string `json:"warehouseId"`
}

type productResponse struct {
	ID            string  `json:"id"`
	ConsignmentID string  `json:"consignmentId"`
	WarehouseID   string  `json:"warehouseId"`
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Unit          string  `json:"unit"`
	StockQuantity int64   `json:"stockQuantity"`
	PricePerUnit  float64 `json:"pricePerUnit"`
}

// ListInShop выставляет забранную партию в магазин.
func (h *Handler) ListInShop(w http.ResponseWriter, r *http.Request) {
	id := consignmentID(r)

	var req listInShopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	c, p, err := h.service.ListInShop(r.Context(), id, req.WarehouseID)
	if err != nil {
		h.respondDomainError(w, err, "list in shop error", zap.String("consignment", id))
		return
	}

	h.writeJSON(w, http.StatusOK, struct {
		Consignment consignmentResponse `json:"consignment"`
		Product     productResponse     `json:"product"`
	}{
		Consignment: toConsignmentResponse(c),
		Product: productResponse{
			ID:            p.ID,
			ConsignmentID: p.ConsignmentID,
			WarehouseID:   p.WarehouseID,
			Name:          p.Name,
			Category:      p.Category,
			Unit:          p.Unit,
			StockQuantity: p.StockQuantity,
			PricePerUnit:  centsToAmount(p.PricePerUnitCents),
		},
	})
}

type saleRequest struct {
	ConsignmentID string `json:"consignmentId"`
	OrderID       string `json:"orderId"`
	QuantitySold  int64  `json:"quantitySold"`
}

type saleResponse struct {
	OrderID   string  `json:"orderId"`
	Credited  float64 `json:"credited"`
	StockLeft int64   `json:"stockLeft"`
	Status    string  `json:"status"`
}

// RecordSale принимает уведомление о продаже от сервиса заказов.
// Повторная доставка с тем же orderId возвращает исходный результат.
func (h *Handler) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.ConsignmentID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	result, err := h.service.RecordSale(r.Context(), req.ConsignmentID, service.SaleRequest{
		OrderID:      req.OrderID,
		QuantitySold: req.QuantitySold,
	})
	if err != nil {
		h.respondDomainError(w, err, "record sale error",
			zap.String("consignment", req.ConsignmentID), zap.String("order", req.OrderID))
		return
	}

	h.writeJSON(w, http.StatusOK, saleResponse{
		OrderID:   req.OrderID,
		Credited:  centsToAmount(result.Transaction.AmountCents),
		StockLeft: result.StockLeft,
		Status:    string(result.Consignment.Status),
	})
}

// GetWallet возвращает баланс кошелька текущего фермера.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), identity.UserID)
	if err != nil {
		h.respondDomainError(w, err, "get balance error", zap.Int64("farmerID", identity.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}

type transactionResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Amount      float64 `json:"amount"`
	ReferenceID string  `json:"referenceId"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"createdAt"`
}

// GetWalletTransactions возвращает журнал операций текущего фермера.
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.ListTransactions(r.Context(), identity.UserID)
	if err != nil {
		h.respondDomainError(w, err, "list transactions error", zap.Int64("farmerID", identity.UserID))
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(transactions))
	for _, t := range transactions {
		resp = append(resp, transactionResponse{
			ID:          t.ID,
			Type:        string(t.Type),
			Amount:      centsToAmount(t.AmountCents),
			ReferenceID: t.ReferenceID,
			Description: t.Description,
			Status:      string(t.Status),
			CreatedAt:   t.CreatedAt.Format(time.RFC3339),
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type withdrawRequest struct {
	Sum         float64 `json:"sum"`
	Destination string  `json:"destination"`
	ReferenceID string  `json:"referenceId,omitempty"`
}

// Withdraw создаёт операцию вывода средств для текущего фермера.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txn, err := h.service.Withdraw(r.Context(), identity.UserID, service.WithdrawRequest{
		Amount:      req.Sum,
		Destination: req.Destination,
		ReferenceID: req.ReferenceID,
	})
	if err != nil {
		h.respondDomainError(w, err, "withdraw error", zap.Int64("farmerID", identity.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, transactionResponse{
		ID:          txn.ID,
		Type:        string(txn.Type),
		Amount:      centsToAmount(txn.AmountCents),
		ReferenceID: txn.ReferenceID,
		Description: txn.Description,
		Status:      string(txn.Status),
		CreatedAt:   txn.CreatedAt.Format(time.RFC3339),
	})
}
