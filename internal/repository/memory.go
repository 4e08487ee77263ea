package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkuznetsov/agromarket-system/internal/consignment"
	"github.com/nkuznetsov/agromarket-system/internal/model"
)

// MemoryRepository хранит данные в памяти. Используется в тестах и при запуске
// без DATABASE_URI; семантика операций совпадает с PostgresRepository,
// включая проверку версий и идемпотентность журнала.
type MemoryRepository struct {
	mu           sync.Mutex
	users        map[string]*model.User
	nextUserID   int64
	consignments map[string]*model.Consignment
	products     map[string]*model.Product
	wallets      map[int64]*model.Wallet
	transactions []*model.Transaction
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:        make(map[string]*model.User),
		consignments: make(map[string]*model.Consignment),
		products:     make(map[string]*model.Product),
		wallets:      make(map[int64]*model.Wallet),
	}
}

// Close реализует контракт репозитория; освобождать нечего.
func (r *MemoryRepository) Close() error {
	return nil
}

func cloneConsignment(c *model.Consignment) *model.Consignment {
	cc := *c
	cc.PriceHistory = append([]model.PriceOffer(nil), c.PriceHistory...)
	return &cc
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *MemoryRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[login]; exists {
		return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
	}

	r.nextUserID++
	r.users[login] = &model.User{
		ID:           r.nextUserID,
		Login:        login,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now(),
	}

	return r.nextUserID, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *MemoryRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, exists := r.users[login]
	if !exists {
		return nil, ErrUserNotFound
	}

	uc := *u
	return &uc, nil
}

// CreateConsignment сохраняет новую партию.
func (r *MemoryRepository) CreateConsignment(ctx context.Context, c *model.Consignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consignments[c.ID] = cloneConsignment(c)
	return nil
}

// GetConsignment возвращает партию вместе с историей торга.
func (r *MemoryRepository) GetConsignment(ctx context.Context, id string) (*model.Consignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.consignments[id]
	if !exists {
		return nil, ErrConsignmentNotFound
	}

	return cloneConsignment(c), nil
}

// ListConsignmentsByFarmer возвращает партии фермера, новые первыми.
func (r *MemoryRepository) ListConsignmentsByFarmer(ctx context.Context, farmerID int64) ([]model.Consignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Consignment
	for _, c := range r.consignments {
		if c.FarmerID == farmerID {
			res = append(res, *cloneConsignment(c))
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].SubmittedAt.After(res[j].SubmittedAt)
	})

	return res, nil
}

// ListConsignmentsByStatus возвращает партии в указанном статусе.
func (r *MemoryRepository) ListConsignmentsByStatus(ctx context.Context, status model.ConsignmentStatus) ([]model.Consignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Consignment
	for _, c := range r.consignments {
		if c.Status == status {
			res = append(res, *cloneConsignment(c))
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].SubmittedAt.Before(res[j].SubmittedAt)
	})

	return res, nil
}

// UpdateConsignment применяет изменения партии с проверкой версии и дописывает
// новые предложения в историю торга.
func (r *MemoryRepository) UpdateConsignment(ctx context.Context, c *model.Consignment, newOffers []model.PriceOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.updateConsignmentLocked(c, newOffers)
}

func (r *MemoryRepository) updateConsignmentLocked(c *model.Consignment, newOffers []model.PriceOffer) error {
	stored, exists := r.consignments[c.ID]
	if !exists {
		return ErrConsignmentNotFound
	}
	if stored.Version != c.Version {
		return fmt.Errorf("%w: consignment %s", ErrVersionConflict, c.ID)
	}

	updated := cloneConsignment(c)
	updated.PriceHistory = append([]model.PriceOffer(nil), stored.PriceHistory...)
	updated.PriceHistory = append(updated.PriceHistory, newOffers...)
	updated.Version++

	r.consignments[c.ID] = updated
	c.Version = updated.Version
	return nil
}

func (r *MemoryRepository) walletLocked(farmerID int64) *model.Wallet {
	w, exists := r.wallets[farmerID]
	if !exists {
		w = &model.Wallet{FarmerID: farmerID}
		r.wallets[farmerID] = w
	}
	return w
}

func (r *MemoryRepository) findTransactionLocked(referenceID string, txType model.TransactionType) *model.Transaction {
	for _, t := range r.transactions {
		if t.ReferenceID == referenceID && t.Type == txType && t.Status != model.TransactionFailed {
			tc := *t
			return &tc
		}
	}
	return nil
}

func (r *MemoryRepository) creditLocked(w *model.Wallet, t *model.Transaction) {
	r.transactions = append(r.transactions, t)
	w.BalanceCents += t.AmountCents
	w.TotalEarnedCents += t.AmountCents
	w.PendingBalanceCents -= t.AmountCents
	if w.PendingBalanceCents < 0 {
		w.PendingBalanceCents = 0
	}
}

// CreditWallet атомарно начисляет средства фермеру; повтор с тем же referenceId
// возвращает исходную операцию.
func (r *MemoryRepository) CreditWallet(ctx context.Context, farmerID, amountCents int64, referenceID, description string) (*model.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior := r.findTransactionLocked(referenceID, model.TransactionCredit); prior != nil {
		return prior, true, nil
	}

	t := &model.Transaction{
		ID:          uuid.NewString(),
		FarmerID:    farmerID,
		Type:        model.TransactionCredit,
		AmountCents: amountCents,
		ReferenceID: referenceID,
		Description: description,
		Status:      model.TransactionCompleted,
		CreatedAt:   time.Now(),
	}

	r.creditLocked(r.walletLocked(farmerID), t)

	tc := *t
	return &tc, false, nil
}

// DebitWallet атомарно списывает средства; списание сверх баланса отклоняется.
func (r *MemoryRepository) DebitWallet(ctx context.Context, farmerID, amountCents int64, referenceID, description, destination string, status model.TransactionStatus) (*model.Transaction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior := r.findTransactionLocked(referenceID, model.TransactionDebit); prior != nil {
		return prior, true, nil
	}

	w := r.walletLocked(farmerID)
	if amountCents > w.BalanceCents {
		return nil, false, ErrInsufficientBalance
	}

	t := &model.Transaction{
		ID:          uuid.NewString(),
		FarmerID:    farmerID,
		Type:        model.TransactionDebit,
		AmountCents: amountCents,
		ReferenceID: referenceID,
		Description: description,
		Status:      status,
		Destination: destination,
		CreatedAt:   time.Now(),
	}

	r.transactions = append(r.transactions, t)
	w.BalanceCents -= amountCents
	w.TotalWithdrawnCents += amountCents

	tc := *t
	return &tc, false, nil
}

// CompleteDebit помечает отложенное списание завершённым.
func (r *MemoryRepository) CompleteDebit(ctx context.Context, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.transactions {
		if t.ID == transactionID && t.Status == model.TransactionPending {
			t.Status = model.TransactionCompleted
			return nil
		}
	}
	return ErrTransactionNotFound
}

// FailDebit помечает отложенное списание неудавшимся и возвращает средства
// компенсирующим начислением.
func (r *MemoryRepository) FailDebit(ctx context.Context, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.transactions {
		if t.ID == transactionID && t.Type == model.TransactionDebit && t.Status == model.TransactionPending {
			t.Status = model.TransactionFailed

			reversal := &model.Transaction{
				ID:          uuid.NewString(),
				FarmerID:    t.FarmerID,
				Type:        model.TransactionCredit,
				AmountCents: t.AmountCents,
				ReferenceID: "reversal-" + t.ReferenceID,
				Description: "reversal of failed payout " + t.ReferenceID,
				Status:      model.TransactionCompleted,
				CreatedAt:   time.Now(),
			}
			r.creditLocked(r.walletLocked(t.FarmerID), reversal)
			return nil
		}
	}

	// Списание уже разрешено другим процессом.
	return nil
}

// ListPendingDebits возвращает отложенные списания, старые первыми.
func (r *MemoryRepository) ListPendingDebits(ctx context.Context, limit int) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for _, t := range r.transactions {
		if t.Type == model.TransactionDebit && t.Status == model.TransactionPending {
			res = append(res, *t)
			if len(res) == limit {
				break
			}
		}
	}
	return res, nil
}

// GetWallet возвращает снимок кошелька фермера.
func (r *MemoryRepository) GetWallet(ctx context.Context, farmerID int64) (*model.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, exists := r.wallets[farmerID]
	if !exists {
		return &model.Wallet{FarmerID: farmerID}, nil
	}

	wc := *w
	return &wc, nil
}

// ListTransactions возвращает журнал операций фермера, новые записи первыми.
func (r *MemoryRepository) ListTransactions(ctx context.Context, farmerID int64) ([]model.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []model.Transaction
	for i := len(r.transactions) - 1; i >= 0; i-- {
		if r.transactions[i].FarmerID == farmerID {
			res = append(res, *r.transactions[i])
		}
	}
	return res, nil
}

// CreateListing выставляет партию в магазин: обновление партии, создание товара
// и увеличение ожидаемого прихода выполняются как одно целое.
func (r *MemoryRepository) CreateListing(ctx context.Context, c *model.Consignment, p *model.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.updateConsignmentLocked(c, nil); err != nil {
		return err
	}

	pc := *p
	r.products[p.ConsignmentID] = &pc

	w := r.walletLocked(c.FarmerID)
	w.PendingBalanceCents += p.PricePerUnitCents * p.StockQuantity

	return nil
}

// GetProductByConsignment возвращает товар, созданный по партии.
func (r *MemoryRepository) GetProductByConsignment(ctx context.Context, consignmentID string) (*model.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.products[consignmentID]
	if !exists {
		return nil, ErrProductNotFound
	}

	pc := *p
	return &pc, nil
}

// ApplySale применяет продажу к выставленной партии: списывает остаток,
// начисляет средства и переводит партию в SOLD при нулевом остатке.
// Повтор с известным orderId возвращает исходный результат.
func (r *MemoryRepository) ApplySale(ctx context.Context, consignmentID, orderID string, quantitySold int64, description string) (*model.SaleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.consignments[consignmentID]
	if !exists {
		return nil, ErrConsignmentNotFound
	}

	if prior := r.findTransactionLocked(orderID, model.TransactionCredit); prior != nil {
		stock := int64(0)
		if p, ok := r.products[consignmentID]; ok {
			stock = p.StockQuantity
		}
		return &model.SaleResult{
			Transaction: prior,
			Consignment: cloneConsignment(c),
			StockLeft:   stock,
			Duplicate:   true,
		}, nil
	}

	if err := consignment.EnsureTransition(c.Status, model.StatusSold); err != nil {
		return nil, err
	}
	if c.FinalPriceCents == nil {
		return nil, fmt.Errorf("consignment %s has no final price", c.ID)
	}

	p, exists := r.products[consignmentID]
	if !exists {
		return nil, ErrProductNotFound
	}
	if quantitySold > p.StockQuantity {
		return nil, fmt.Errorf("%w: %d > %d", ErrInsufficientStock, quantitySold, p.StockQuantity)
	}

	amount := *c.FinalPriceCents * quantitySold
	t := &model.Transaction{
		ID:          uuid.NewString(),
		FarmerID:    c.FarmerID,
		Type:        model.TransactionCredit,
		AmountCents: amount,
		ReferenceID: orderID,
		Description: description,
		Status:      model.TransactionCompleted,
		CreatedAt:   time.Now(),
	}

	r.creditLocked(r.walletLocked(c.FarmerID), t)

	p.StockQuantity -= quantitySold
	if p.StockQuantity == 0 {
		c.Status = model.StatusSold
		c.Version++
	}

	tc := *t
	return &model.SaleResult{
		Transaction: &tc,
		Consignment: cloneConsignment(c),
		StockLeft:   p.StockQuantity,
	}, nil
}
