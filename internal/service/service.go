// Package service реализует бизнес-логику сервиса агромаркет.
package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkuznetsov/agromarket-system/internal/model"
	"github.com/nkuznetsov/agromarket-system/internal/payment"
	"github.com/nkuznetsov/agromarket-system/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)

	CreateConsignment(ctx context.Context, c *model.Consignment) error
	GetConsignment(ctx context.Context, id string) (*model.Consignment, error)
	ListConsignmentsByFarmer(ctx context.Context, farmerID int64) ([]model.Consignment, error)
	ListConsignmentsByStatus(ctx context.Context, status model.ConsignmentStatus) ([]model.Consignment, error)
	UpdateConsignment(ctx context.Context, c *model.Consignment, newOffers []model.PriceOffer) error

	CreateListing(ctx context.Context, c *model.Consignment, p *model.Product) error
	GetProductByConsignment(ctx context.Context, consignmentID string) (*model.Product, error)
	ApplySale(ctx context.Context, consignmentID, orderID string, quantitySold int64, description string) (*model.SaleResult, error)

	GetWallet(ctx context.Context, farmerID int64) (*model.Wallet, error)
	ListTransactions(ctx context.Context, farmerID int64) ([]model.Transaction, error)
	CreditWallet(ctx context.Context, farmerID, amountCents int64, referenceID, description string) (*model.Transaction, bool, error)
	DebitWallet(ctx context.Context, farmerID, amountCents int64, referenceID, description, destination string, status model.TransactionStatus) (*model.Transaction, bool, error)
	CompleteDebit(ctx context.Context, transactionID string) error
	FailDebit(ctx context.Context, transactionID string) error
	ListPendingDebits(ctx context.Context, limit int) ([]model.Transaction, error)
}

// Service содержит бизнес-логику сервиса агромаркет.
type Service struct {
	repo                 Repository
	paymentClient        *payment.Client
	maxNegotiationRounds int
}

// Option настраивает сервис при создании.
type Option func(*Service)

// WithMaxNegotiationRounds ограничивает число ценовых предложений администратора
// по одной партии; 0 — без ограничения.
func WithMaxNegotiationRounds(n int) Option {
	return func(s *Service) {
		s.maxNegotiationRounds = n
	}
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом шлюза выплат.
func NewService(repo Repository, paymentClient *payment.Client, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		paymentClient: paymentClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	return s.repo.CreateUser(ctx, login, hashed, role)
}

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AuthenticateUser проверяет логин и пароль пользователя и возвращает его учётную запись.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

// withVersionRetry повторяет операцию при проигрыше гонки за версию партии:
// такие конфликты безопасны, состояние перечитывается на каждой попытке.
func (s *Service) withVersionRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, repository.ErrVersionConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// toCents переводит сумму из денежных единиц в центы.
func toCents(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// fromCents переводит сумму из центов в денежные единицы.
func fromCents(cents int64) float64 {
	return float64(cents) / 100
}
