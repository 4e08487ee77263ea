// Package model содержит доменные сущности сервиса агромаркет.
package model

import "time"

// Role описывает роль пользователя в системе.
type Role string

const (
	RoleFarmer Role = "farmer"
	RoleAdmin  Role = "admin"
	RoleDriver Role = "driver"
)

// User представляет зарегистрированного пользователя: фермера, администратора или водителя.
type User struct {
	ID           int64
	Login        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// ConsignmentStatus описывает статус партии продукции в жизненном цикле.
type ConsignmentStatus string

const (
	StatusPendingApproval  ConsignmentStatus = "PENDING_APPROVAL"
	StatusApproved         ConsignmentStatus = "APPROVED"
	StatusRejected         ConsignmentStatus = "REJECTED"
	StatusPriceNegotiation ConsignmentStatus = "PRICE_NEGOTIATION"
	StatusFarmerApproved   ConsignmentStatus = "FARMER_APPROVED"
	StatusDriverAssigned   ConsignmentStatus = "DRIVER_ASSIGNED"
	StatusCollected        ConsignmentStatus = "COLLECTED"
	StatusInShop           ConsignmentStatus = "IN_SHOP"
	StatusSold             ConsignmentStatus = "SOLD"
)

// OfferParty указывает, кто сделал ценовое предложение.
type OfferParty string

const (
	OfferByAdmin  OfferParty = "ADMIN"
	OfferByFarmer OfferParty = "FARMER"
)

// OfferOutcome описывает исход ценового предложения.
type OfferOutcome string

const (
	OfferPending   OfferOutcome = "PENDING"
	OfferAccepted  OfferOutcome = "ACCEPTED"
	OfferCountered OfferOutcome = "COUNTERED"
)

// PriceOffer представляет одну запись в истории торга по цене за единицу.
type PriceOffer struct {
	ProposedBy OfferParty
	PriceCents int64
	Message    string
	Outcome    OfferOutcome
	CreatedAt  time.Time
}

// Consignment представляет партию продукции, поданную фермером.
type Consignment struct {
	ID                  string
	FarmerID            int64
	ProductName         string
	Category            string
	Quantity            int64
	Unit                string
	FarmerPriceCents    int64
	SuggestedPriceCents *int64
	FinalPriceCents     *int64
	Status              ConsignmentStatus
	PriceHistory        []PriceOffer
	DriverID            *int64
	WarehouseID         *string
	RejectionReason     string
	Version             int64
	SubmittedAt         time.Time
	ReviewedAt          *time.Time
}

// CurrentPriceCents возвращает действующую цену за единицу: финальную,
// если торг завершён, иначе цену последнего предложения, иначе исходную цену фермера.
func (c *Consignment) CurrentPriceCents() int64 {
	if c.FinalPriceCents != nil {
		return *c.FinalPriceCents
	}
	if n := len(c.PriceHistory); n > 0 {
		return c.PriceHistory[n-1].PriceCents
	}
	return c.FarmerPriceCents
}

// TotalValueCents возвращает полную стоимость партии по действующей цене.
func (c *Consignment) TotalValueCents() int64 {
	return c.CurrentPriceCents() * c.Quantity
}

// Wallet представляет кошелёк фермера: баланс и накопленные итоги.
type Wallet struct {
	FarmerID            int64
	BalanceCents        int64
	PendingBalanceCents int64
	TotalEarnedCents    int64
	TotalWithdrawnCents int64
}

// TransactionType описывает тип операции по кошельку.
type TransactionType string

const (
	TransactionCredit TransactionType = "CREDIT"
	TransactionDebit  TransactionType = "DEBIT"
)

// TransactionStatus описывает состояние операции по кошельку.
type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "COMPLETED"
	TransactionPending   TransactionStatus = "PENDING"
	TransactionFailed    TransactionStatus = "FAILED"
)

// Transaction представляет запись в журнале операций кошелька.
// Записи неизменяемы: корректировки оформляются компенсирующими операциями.
type Transaction struct {
	ID          string
	FarmerID    int64
	Type        TransactionType
	AmountCents int64
	ReferenceID string
	Description string
	Status      TransactionStatus
	Destination string
	CreatedAt   time.Time
}

// Balance содержит снимок кошелька фермера в денежных единицах.
type Balance struct {
	Current        float64 `json:"current"`
	Pending        float64 `json:"pending"`
	TotalEarned    float64 `json:"totalEarned"`
	TotalWithdrawn float64 `json:"totalWithdrawn"`
}

// Product представляет товар, выставленный в магазине после приёмки партии.
type Product struct {
	ID                string
	ConsignmentID     string
	WarehouseID       string
	Name              string
	Category          string
	Unit              string
	StockQuantity     int64
	PricePerUnitCents int64
	CreatedAt         time.Time
}

// SaleResult описывает результат применения продажи к партии.
type SaleResult struct {
	Transaction *Transaction
	Consignment *Consignment
	StockLeft   int64
	Duplicate   bool
}
