package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkuznetsov/agromarket-system/internal/consignment"
	"github.com/nkuznetsov/agromarket-system/internal/model"
	"github.com/nkuznetsov/agromarket-system/internal/repository"
	"github.com/nkuznetsov/agromarket-system/internal/validation"
)

// Действия администратора при рассмотрении партии.
const (
	ReviewApprove      = "approve"
	ReviewReject       = "reject"
	ReviewSuggestPrice = "suggestPrice"
)

// Действия фермера в ответ на ценовое предложение.
const (
	RespondAccept       = "accept"
	RespondCounter      = "counter"
	RespondKeepOriginal = "keepOriginal"
)

// SubmissionRequest описывает заявку фермера на партию продукции.
type SubmissionRequest struct {
	ProductName string
	Category    string
	Quantity    int64
	Unit        string
	FarmerPrice float64
}

// ReviewRequest описывает решение администратора по партии.
type ReviewRequest struct {
	Action          string
	SuggestedPrice  float64
	RejectionReason string
	Message         string
}

// RespondRequest описывает ответ фермера на ценовое предложение.
type RespondRequest struct {
	Action       string
	CounterPrice float64
	Message      string
}

// SubmitConsignment проверяет заявку и создаёт партию в статусе PENDING_APPROVAL.
func (s *Service) SubmitConsignment(ctx context.Context, farmerID int64, req SubmissionRequest) (*model.Consignment, error) {
	priceCents := toCents(req.FarmerPrice)

	if err := validation.ValidateSubmission(validation.SubmissionInput{
		ProductName: req.ProductName,
		Category:    req.Category,
		Quantity:    req.Quantity,
		Unit:        req.Unit,
		PriceCents:  priceCents,
	}); err != nil {
		return nil, err
	}

	c := &model.Consignment{
		ID:               uuid.NewString(),
		FarmerID:         farmerID,
		ProductName:      req.ProductName,
		Category:         req.Category,
		Quantity:         req.Quantity,
		Unit:             req.Unit,
		FarmerPriceCents: priceCents,
		Status:           model.StatusPendingApproval,
		Version:          1,
		SubmittedAt:      time.Now(),
	}

	if err := s.repo.CreateConsignment(ctx, c); err != nil {
		return nil, err
	}

	return c, nil
}

// GetConsignment возвращает партию вместе с историей торга.
func (s *Service) GetConsignment(ctx context.Context, id string) (*model.Consignment, error) {
	return s.repo.GetConsignment(ctx, id)
}

// ListConsignmentsByFarmer возвращает партии фермера.
func (s *Service) ListConsignmentsByFarmer(ctx context.Context, farmerID int64) ([]model.Consignment, error) {
	return s.repo.ListConsignmentsByFarmer(ctx, farmerID)
}

// ListConsignmentsByStatus возвращает партии в указанном статусе.
func (s *Service) ListConsignmentsByStatus(ctx context.Context, status model.ConsignmentStatus) ([]model.Consignment, error) {
	return s.repo.ListConsignmentsByStatus(ctx, status)
}

// AdminReview применяет решение администратора: одобрение, отклонение или
// встречное ценовое предложение. Допустимость перехода проверяет конечный
// автомат до любой мутации; проигранная гонка за версию повторяется автоматически.
func (s *Service) AdminReview(ctx context.Context, id string, req ReviewRequest) (*model.Consignment, error) {
	var result *model.Consignment

	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetConsignment(ctx, id)
		if err != nil {
			return err
		}

		newOffers, err := s.applyReview(c, req)
		if err != nil {
			return err
		}

		if err := s.repo.UpdateConsignment(ctx, c, newOffers); err != nil {
			return err
		}

		c.PriceHistory = append(c.PriceHistory, newOffers...)
		result = c
		return nil
	})

	return result, err
}

func (s *Service) applyReview(c *model.Consignment, req ReviewRequest) ([]model.PriceOffer, error) {
	now := time.Now()

	switch req.Action {
	case ReviewApprove:
		if err := consignment.EnsureTransition(c.Status, model.StatusApproved); err != nil {
			return nil, err
		}

		var offers []model.PriceOffer
		final := c.FarmerPriceCents

		if c.Status == model.StatusPriceNegotiation {
			// Одобрить из торга можно только встречную цену фермера.
			if !consignment.AwaitingAdmin(c.PriceHistory) {
				return nil, fmt.Errorf("%w: approve while awaiting farmer response", consignment.ErrInvalidTransition)
			}
			final = c.CurrentPriceCents()
			offers = append(offers, model.PriceOffer{
				ProposedBy: model.OfferByAdmin,
				PriceCents: final,
				Message:    req.Message,
				Outcome:    model.OfferAccepted,
				CreatedAt:  now,
			})
		}

		c.Status = model.StatusApproved
		c.FinalPriceCents = &final
		c.ReviewedAt = &now
		return offers, nil

	case ReviewReject:
		if err := consignment.EnsureTransition(c.Status, model.StatusRejected); err != nil {
			return nil, err
		}
		if req.RejectionReason == "" {
			return nil, validation.Errorf("rejectionReason", "required")
		}

		c.Status = model.StatusRejected
		c.RejectionReason = req.RejectionReason
		c.ReviewedAt = &now
		return nil, nil

	case ReviewSuggestPrice:
		if err := consignment.EnsureTransition(c.Status, model.StatusPriceNegotiation); err != nil {
			return nil, err
		}

		priceCents := toCents(req.SuggestedPrice)
		if priceCents <= 0 {
			return nil, validation.Errorf("suggestedPrice", "must be positive")
		}

		if c.Status == model.StatusPriceNegotiation && !consignment.AwaitingAdmin(c.PriceHistory) {
			return nil, fmt.Errorf("%w: suggest price while awaiting farmer response", consignment.ErrInvalidTransition)
		}

		if s.maxNegotiationRounds > 0 && consignment.AdminRounds(c.PriceHistory) >= s.maxNegotiationRounds {
			return nil, validation.Errorf("suggestedPrice", "negotiation round limit reached")
		}

		c.Status = model.StatusPriceNegotiation
		c.SuggestedPriceCents = &priceCents
		c.ReviewedAt = &now
		return []model.PriceOffer{{
			ProposedBy: model.OfferByAdmin,
			PriceCents: priceCents,
			Message:    req.Message,
			Outcome:    model.OfferPending,
			CreatedAt:  now,
		}}, nil

	default:
		return nil, validation.Errorf("action", "must be approve, reject or suggestPrice")
	}
}

// FarmerRespond применяет ответ фермера на ценовое предложение: согласие,
// встречную цену или возврат к исходной цене. Партия должна принадлежать фермеру.
func (s *Service) FarmerRespond(ctx context.Context, farmerID int64, id string, req RespondRequest) (*model.Consignment, error) {
	var result *model.Consignment

	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetConsignment(ctx, id)
		if err != nil {
			return err
		}
		if c.FarmerID != farmerID {
			return repository.ErrConsignmentNotFound
		}

		newOffers, err := applyResponse(c, req)
		if err != nil {
			return err
		}

		if err := s.repo.UpdateConsignment(ctx, c, newOffers); err != nil {
			return err
		}

		c.PriceHistory = append(c.PriceHistory, newOffers...)
		result = c
		return nil
	})

	return result, err
}

func applyResponse(c *model.Consignment, req RespondRequest) ([]model.PriceOffer, error) {
	if c.Status != model.StatusPriceNegotiation {
		return nil, fmt.Errorf("%w: respond in state %s", consignment.ErrInvalidTransition, c.Status)
	}
	if !consignment.AwaitingFarmer(c.PriceHistory) {
		return nil, fmt.Errorf("%w: no pending price suggestion", consignment.ErrInvalidTransition)
	}

	now := time.Now()

	switch req.Action {
	case RespondAccept:
		final := *c.SuggestedPriceCents
		c.Status = model.StatusFarmerApproved
		c.FinalPriceCents = &final
		return []model.PriceOffer{{
			ProposedBy: model.OfferByFarmer,
			PriceCents: final,
			Message:    req.Message,
			Outcome:    model.OfferAccepted,
			CreatedAt:  now,
		}}, nil

	case RespondCounter:
		priceCents := toCents(req.CounterPrice)
		if priceCents <= 0 {
			return nil, validation.Errorf("counterPrice", "must be positive")
		}
		if req.Message == "" {
			return nil, validation.Errorf("message", "required for counter offer")
		}

		// Статус не меняется: ход возвращается администратору.
		return []model.PriceOffer{{
			ProposedBy: model.OfferByFarmer,
			PriceCents: priceCents,
			Message:    req.Message,
			Outcome:    model.OfferCountered,
			CreatedAt:  now,
		}}, nil

	case RespondKeepOriginal:
		final := c.FarmerPriceCents
		c.Status = model.StatusFarmerApproved
		c.FinalPriceCents = &final
		return []model.PriceOffer{{
			ProposedBy: model.OfferByFarmer,
			PriceCents: final,
			Message:    req.Message,
			Outcome:    model.OfferAccepted,
			CreatedAt:  now,
		}}, nil

	default:
		return nil, validation.Errorf("action", "must be accept, counter or keepOriginal")
	}
}
