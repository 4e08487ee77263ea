package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nkuznetsov/agromarket-system/internal/consignment"
	"github.com/nkuznetsov/agromarket-system/internal/middleware"
	"github.com/nkuznetsov/agromarket-system/internal/model"
	"github.com/nkuznetsov/agromarket-system/internal/repository"
	"github.com/nkuznetsov/agromarket-system/internal/service"
	"github.com/nkuznetsov/agromarket-system/internal/validation"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUser *model.User
	authErr  error

	consignmentResp *model.Consignment
	consignmentsLst []model.Consignment
	consignmentErr  error

	productResp *model.Product

	saleResp *model.SaleResult
	saleErr  error

	balanceResp *model.Balance
	balanceErr  error

	transactionsResp []model.Transaction
	transactionsErr  error

	withdrawResp *model.Transaction
	withdrawErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	return s.authUser, s.authErr
}

func (s *stubService) SubmitConsignment(ctx context.Context, farmerID int64, req service.SubmissionRequest) (*model.Consignment, error) {
	return s.consignmentResp, s.consignmentErr
}

func (s *stubService) ListConsignmentsByFarmer(ctx context.Context, farmerID int64) ([]model.Consignment, error) {
	return s.consignmentsLst, s.consignmentErr
}

func (s *stubService) ListConsignmentsByStatus(ctx context.Context, status model.ConsignmentStatus) ([]model.Consignment, error) {
	return s.consignmentsLst, s.consignmentErr
}

func (s *stubService) AdminReview(ctx context.Context, id string, req service.ReviewRequest) (*model.Consignment, error) {
	return s.consignmentResp, s.consignmentErr
}

func (s *stubService) FarmerRespond(ctx context.Context, farmerID int64, id string, req service.RespondRequest) (*model.Consignment, error) {
	return s.consignmentResp, s.consignmentErr
}

func (s *stubService) AssignDriver(ctx context.Context, id string, driverID int64) (*model.Consignment, error) {
	return s.consignmentResp, s.consignmentErr
}

func (s *stubService) MarkCollected(ctx context.Context, id string, driverID int64) (*model.Consignment, error) {
	return s.consignmentResp, s.consignmentErr
}

func (s *stubService) ListInShop(ctx context.Context, id, warehouseID string) (*model.Consignment, *model.Product, error) {
	return s.consignmentResp, s.productResp, s.consignmentErr
}

func (s *stubService) RecordSale(ctx context.Context, id string, req service.SaleRequest) (*model.SaleResult, error) {
	return s.saleResp, s.saleErr
}

func (s *stubService) GetBalance(ctx context.Context, farmerID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) ListTransactions(ctx context.Context, farmerID int64) ([]model.Transaction, error) {
	return s.transactionsResp, s.transactionsErr
}

func (s *stubService) Withdraw(ctx context.Context, farmerID int64, req service.WithdrawRequest) (*model.Transaction, error) {
	return s.withdrawResp, s.withdrawErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

func authCookie(h *Handler, userID int64, role model.Role) *http.Cookie {
	rec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(rec, userID, role)
	return rec.Result().Cookies()[0]
}

func testConsignment() *model.Consignment {
	return &model.Consignment{
		ID:               "c-1",
		FarmerID:         1,
		ProductName:      "Tomatoes",
		Category:         "vegetables",
		Quantity:         100,
		Unit:             "kg",
		FarmerPriceCents: 12000,
		Status:           model.StatusPendingApproval,
		SubmittedAt:      time.Now().UTC(),
		Version:          1,
	}
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerUserID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "farmer",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatal("auth cookie not set")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrUserExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "farmer",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestRegister_UnknownRole(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(credentialsRequest{
		Login:    "farmer",
		Password: "pass",
		Role:     "auditor",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestLogin_UnauthorizedOnBadCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(credentialsRequest{
		Login:    "farmer",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestSubmitConsignment_Created(t *testing.T) {
	svc := &stubService{
		consignmentResp: testConsignment(),
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(submitConsignmentRequest{
		ProductName: "Tomatoes",
		Category:    "vegetables",
		Quantity:    100,
		Unit:        "kg",
		FarmerPrice: 120,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/farmer/consignments", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 1, model.RoleFarmer))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.SubmitConsignment))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp consignmentResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.FarmerPrice != 120 {
		t.Errorf("farmerPrice = %v, want 120", resp.FarmerPrice)
	}
	if resp.TotalValue != 12000 {
		t.Errorf("totalValue = %v, want 12000", resp.TotalValue)
	}
}

func TestSubmitConsignment_ValidationError(t *testing.T) {
	svc := &stubService{
		consignmentErr: validation.Errorf("quantity", "must be positive"),
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(submitConsignmentRequest{
		ProductName: "Tomatoes",
		Quantity:    -5,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/farmer/consignments", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 1, model.RoleFarmer))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.SubmitConsignment))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestGetFarmerConsignments_NoContent(t *testing.T) {
	svc := &stubService{
		consignmentsLst: []model.Consignment{},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/farmer/consignments", nil)
	req.AddCookie(authCookie(h, 1, model.RoleFarmer))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetFarmerConsignments))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestRequireRole_ForbidsForeignRole(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/admin/consignments", nil)
	req.AddCookie(authCookie(h, 1, model.RoleFarmer))
	rec := httptest.NewRecorder()

	router := h.SetupRouter()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusForbidden)
	}
}

func TestAdminReview_ConflictOnInvalidTransition(t *testing.T) {
	svc := &stubService{
		consignmentErr: consignment.ErrInvalidTransition,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(reviewRequest{Action: "approve"})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/consignments/c-1/review", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 2, model.RoleAdmin))
	rec := httptest.NewRecorder()

	router := h.SetupRouter()
	router.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestWithdraw_PaymentRequiredOnInsufficientBalance(t *testing.T) {
	svc := &stubService{
		withdrawErr: repository.ErrInsufficientBalance,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(withdrawRequest{
		Sum:         100,
		Destination: "+79001234567",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/farmer/wallet/withdraw", bytes.NewReader(body))
	req.AddCookie(authCookie(h, 1, model.RoleFarmer))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.Withdraw))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
}

func TestRecordSale_DuplicateReturnsOriginalResult(t *testing.T) {
	c := testConsignment()
	c.Status = model.StatusSold

	svc := &stubService{
		saleResp: &model.SaleResult{
			Transaction: &model.Transaction{
				ID:          "t-1",
				Type:        model.TransactionCredit,
				AmountCents: 1500000,
				ReferenceID: "O1",
				Status:      model.TransactionCompleted,
				CreatedAt:   time.Now().UTC(),
			},
			Consignment: c,
			StockLeft:   0,
			Duplicate:   true,
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(saleRequest{
		ConsignmentID: "c-1",
		OrderID:       "O1",
		QuantitySold:  100,
	})

	req := httptest.NewRequest(http.MethodPost, "/api/internal/sales", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.RecordSale(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp saleResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Credited != 15000 {
		t.Errorf("credited = %v, want 15000", resp.Credited)
	}
	if resp.Status != string(model.StatusSold) {
		t.Errorf("status = %q, want %q", resp.Status, model.StatusSold)
	}
}

func TestGetWallet_JSONResponse(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{
			Current:     150.5,
			TotalEarned: 200,
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/farmer/wallet", nil)
	req.AddCookie(authCookie(h, 1, model.RoleFarmer))
	rec := httptest.NewRecorder()

	handlerWithAuth := h.authMiddleware.Middleware(http.HandlerFunc(h.GetWallet))
	handlerWithAuth.ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp model.Balance
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Current != 150.5 {
		t.Errorf("current = %v, want 150.5", resp.Current)
	}
}
