package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nkuznetsov/agromarket-system/internal/consignment"
	"github.com/nkuznetsov/agromarket-system/internal/model"
	"github.com/nkuznetsov/agromarket-system/internal/validation"
)

// SaleRequest описывает уведомление о продаже от сервиса заказов.
type SaleRequest struct {
	OrderID      string
	QuantitySold int64
}

// AssignDriver назначает водителя на одобренную партию.
func (s *Service) AssignDriver(ctx context.Context, id string, driverID int64) (*model.Consignment, error) {
	if driverID <= 0 {
		return nil, validation.Errorf("driverId", "required")
	}

	var result *model.Consignment

	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetConsignment(ctx, id)
		if err != nil {
			return err
		}

		if err := consignment.EnsureTransition(c.Status, model.StatusDriverAssigned); err != nil {
			return err
		}

		c.Status = model.StatusDriverAssigned
		c.DriverID = &driverID

		if err := s.repo.UpdateConsignment(ctx, c, nil); err != nil {
			return err
		}

		result = c
		return nil
	})

	return result, err
}

// MarkCollected отмечает, что водитель забрал партию у фермера.
func (s *Service) MarkCollected(ctx context.Context, id string, driverID int64) (*model.Consignment, error) {
	var result *model.Consignment

	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetConsignment(ctx, id)
		if err != nil {
			return err
		}

		if err := consignment.EnsureTransition(c.Status, model.StatusCollected); err != nil {
			return err
		}
		if c.DriverID != nil && driverID > 0 && *c.DriverID != driverID {
			return fmt.Errorf("%w: collected by another driver", consignment.ErrInvalidTransition)
		}

		c.Status = model.StatusCollected

		if err := s.repo.UpdateConsignment(ctx, c, nil); err != nil {
			return err
		}

		result = c
		return nil
	})

	return result, err
}

// ListInShop выставляет забранную партию в магазин: создаёт товар с остатком,
// равным количеству партии, по финальной цене за единицу.
func (s *Service) ListInShop(ctx context.Context, id, warehouseID string) (*model.Consignment, *model.Product, error) {
	if warehouseID == "" {
		return nil, nil, validation.Errorf("warehouseId", "required")
	}

	var (
		resultC *model.Consignment
		resultP *model.Product
	)

	err := s.withVersionRetry(ctx, func(ctx context.Context) error {
		c, err := s.repo.GetConsignment(ctx, id)
		if err != nil {
			return err
		}

		if err := consignment.EnsureTransition(c.Status, model.StatusInShop); err != nil {
			return err
		}
		if c.FinalPriceCents == nil {
			return fmt.Errorf("consignment %s has no final price", c.ID)
		}

		c.Status = model.StatusInShop
		c.WarehouseID = &warehouseID

		p := &model.Product{
			ID:                uuid.NewString(),
			ConsignmentID:     c.ID,
			WarehouseID:       warehouseID,
			Name:              c.ProductName,
			Category:          c.Category,
			Unit:              c.Unit,
			StockQuantity:     c.Quantity,
			PricePerUnitCents: *c.FinalPriceCents,
			CreatedAt:         time.Now(),
		}

		if err := s.repo.CreateListing(ctx, c, p); err != nil {
			return err
		}

		resultC = c
		resultP = p
		return nil
	})

	return resultC, resultP, err
}

// RecordSale применяет уведомление о продаже: списывает остаток товара,
// начисляет средства фермеру по финальной цене и переводит партию в SOLD,
// когда остаток исчерпан. Повторное уведомление с тем же orderId безопасно:
// возвращается исходный результат без повторного начисления.
func (s *Service) RecordSale(ctx context.Context, id string, req SaleRequest) (*model.SaleResult, error) {
	if req.OrderID == "" {
		return nil, validation.Errorf("orderId", "required")
	}
	if req.QuantitySold <= 0 {
		return nil, validation.Errorf("quantitySold", "must be positive")
	}

	description := "sale settlement, order " + req.OrderID
	return s.repo.ApplySale(ctx, id, req.OrderID, req.QuantitySold, description)
}
