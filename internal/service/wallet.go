package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nkuznetsov/agromarket-system/internal/model"
	"github.com/nkuznetsov/agromarket-system/internal/payment"
	"github.com/nkuznetsov/agromarket-system/internal/validation"
)

// GetBalance возвращает снимок кошелька фермера в денежных единицах.
func (s *Service) GetBalance(ctx context.Context, farmerID int64) (*model.Balance, error) {
	w, err := s.repo.GetWallet(ctx, farmerID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Current:        fromCents(w.BalanceCents),
		Pending:        fromCents(w.PendingBalanceCents),
		TotalEarned:    fromCents(w.TotalEarnedCents),
		TotalWithdrawn: fromCents(w.TotalWithdrawnCents),
	}, nil
}

// ListTransactions возвращает журнал операций по кошельку фермера.
func (s *Service) ListTransactions(ctx context.Context, farmerID int64) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, farmerID)
}

// WithdrawRequest описывает запрос фермера на вывод средств.
type WithdrawRequest struct {
	Amount      float64
	Destination string
	ReferenceID string
}

// Withdraw атомарно списывает средства и инициирует выплату через шлюз.
// Списание записывается как PENDING и подтверждается циклом сверки; при отказе
// шлюза средства возвращаются компенсирующим начислением.
func (s *Service) Withdraw(ctx context.Context, farmerID int64, req WithdrawRequest) (*model.Transaction, error) {
	amountCents := toCents(req.Amount)
	if err := validation.ValidateAmountCents("sum", amountCents); err != nil {
		return nil, err
	}
	if !validation.IsValidMsisdn(req.Destination) {
		return nil, validation.Errorf("destination", "invalid msisdn")
	}

	referenceID := req.ReferenceID
	if referenceID == "" {
		referenceID = "payout-" + uuid.NewString()
	}

	status := model.TransactionCompleted
	if s.paymentClient != nil {
		status = model.TransactionPending
	}

	txn, duplicate, err := s.repo.DebitWallet(ctx, farmerID, amountCents, referenceID,
		"withdrawal to mobile wallet", req.Destination, status)
	if err != nil {
		return nil, err
	}
	if duplicate {
		return txn, nil
	}

	if s.paymentClient != nil {
		if err := s.paymentClient.InitiatePayout(ctx, referenceID, req.Destination, amountCents); err != nil {
			// Шлюз отказал сразу: разрешаем списание компенсирующим начислением.
			if failErr := s.repo.FailDebit(ctx, txn.ID); failErr != nil {
				return nil, fmt.Errorf("initiate payout: %w (compensation failed: %v)", err, failErr)
			}
			return nil, fmt.Errorf("initiate payout: %w", err)
		}
	}

	return txn, nil
}

// StartPayoutReconciliation запускает фоновый цикл сверки отложенных выплат
// со шлюзом. Останавливается при отмене контекста.
func (s *Service) StartPayoutReconciliation(ctx context.Context) {
	if s.paymentClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processPayoutBatch(ctx)
			}
		}
	}()
}

func (s *Service) processPayoutBatch(ctx context.Context) {
	debits, err := s.repo.ListPendingDebits(ctx, 100)
	if err != nil {
		return
	}

	for _, d := range debits {
		status, statusCode, retryAfter, err := s.paymentClient.GetPayoutStatus(ctx, d.ReferenceID)
		if err != nil {
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if status == nil {
			continue
		}

		switch status.Status {
		case payment.PayoutCompleted:
			_ = s.repo.CompleteDebit(ctx, d.ID)
		case payment.PayoutFailed:
			_ = s.repo.FailDebit(ctx, d.ID)
		default:
			// PROCESSING и неизвестные статусы ждут следующего цикла.
		}
	}
}
